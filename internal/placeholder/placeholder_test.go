package placeholder

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

type fakeResolver struct {
	actions map[int]string
	builds  map[string]string // "hash:output" -> value
	binds   map[string]string
	out     string
	noOut   bool
}

func (f *fakeResolver) ResolveAction(index int) (string, error) {
	if v, ok := f.actions[index]; ok {
		return v, nil
	}
	return "", &UnresolvedActionError{Index: index}
}

func (f *fakeResolver) ResolveBuild(hash, output string) (string, error) {
	if v, ok := f.builds[hash+":"+output]; ok {
		return v, nil
	}
	return "", &UnresolvedBuildError{Hash: hash, Output: output}
}

func (f *fakeResolver) ResolveBind(hash, output string) (string, error) {
	if v, ok := f.binds[hash+":"+output]; ok {
		return v, nil
	}
	return "", &UnresolvedBindError{Hash: hash, Output: output}
}

func (f *fakeResolver) ResolveOut() (string, error) {
	if f.noOut {
		return "", errors.New("no out directory in this context")
	}
	return f.out, nil
}

func buildOnlyResolver() *fakeResolver {
	return &fakeResolver{
		actions: map[int]string{0: "/tmp/archive.tar.gz", 1: "extracted-ok"},
		builds: map[string]string{
			"abc123def456abc123def456:out": "/store/build/abc123def456abc123def456",
			"abc123def456abc123def456:bin": "/store/build/abc123def456abc123def456/bin",
		},
		out: "/store/build/current",
	}
}

func TestSubstitute_Literals(t *testing.T) {
	cases := []struct {
		name  string
		input string
		want  string
	}{
		{"empty input", "", ""},
		{"no placeholders", "echo hello world", "echo hello world"},
		{"lone dollar preserved", "costs $5 or more", "costs $5 or more"},
		{"shell variables pass through", "echo $HOME $PATH", "echo $HOME $PATH"},
		{"double dollar without brace preserved", "echo $$variable", "echo $$variable"},
		{"escape placeholder syntax", "$$${action:0}", "$${action:0}"},
	}
	r := buildOnlyResolver()
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Substitute(tc.input, r)
			if err != nil {
				t.Fatalf("Substitute(%q) returned error: %v", tc.input, err)
			}
			if got != tc.want {
				t.Errorf("Substitute(%q) = %q, want %q", tc.input, got, tc.want)
			}
		})
	}
}

func TestSubstitute_ActionPlaceholder(t *testing.T) {
	r := buildOnlyResolver()
	got, err := Substitute("tar xf $${action:0}", r)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "tar xf /tmp/archive.tar.gz"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestSubstitute_BuildPlaceholder(t *testing.T) {
	r := buildOnlyResolver()
	got, err := Substitute("ln -s $${build:abc123def456abc123def456:bin}/tool /out/tool", r)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "ln -s /store/build/abc123def456abc123def456/bin/tool /out/tool"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestSubstitute_OutPlaceholder(t *testing.T) {
	r := buildOnlyResolver()
	cases := []struct {
		name, input, want string
	}{
		{"out alone", "$${out}", "/store/build/current"},
		{"out in path", "$${out}/bin/tool", "/store/build/current/bin/tool"},
		{"out with other placeholders", "$${out}/$${action:1}", "/store/build/current/extracted-ok"},
		{"out with shell variables", "cd $${out} && echo $HOME", "cd /store/build/current && echo $HOME"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Substitute(tc.input, r)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Errorf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestSubstitute_BindReferencesBuildAndCreatesLink(t *testing.T) {
	r := &fakeResolver{
		builds: map[string]string{
			"feedface00000000deadbeef:out": "/store/build/feedface00000000deadbeef",
		},
		binds: map[string]string{
			"01020304050607080900aabb:path": "/etc/profile.d/envbind.sh",
		},
	}
	got, err := Substitute("ln -sf $${build:feedface00000000deadbeef:out}/bin/tool $${bind:01020304050607080900aabb:path}", r)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "ln -sf /store/build/feedface00000000deadbeef/bin/tool /etc/profile.d/envbind.sh"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestSubstitute_AdjacentPlaceholdersNoSeparator(t *testing.T) {
	r := buildOnlyResolver()
	got, err := Substitute("$${action:0}$${action:1}", r)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "/tmp/archive.tar.gz" + "extracted-ok"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestSubstitute_ChainedBuildActions(t *testing.T) {
	r := &fakeResolver{
		actions: map[int]string{0: "step-one-output", 1: "step-two-output"},
	}
	got, err := Substitute("$${action:0} then $${action:1}", r)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "step-one-output then step-two-output"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestParse_Errors(t *testing.T) {
	cases := []struct {
		name    string
		input   string
		wantErr interface{}
	}{
		{"unclosed placeholder", "echo $${action:0", &UnclosedError{Pos: 5}},
		{"unknown placeholder type", "$${frobnicate:xyz}", &UnknownTypeError{}},
		{"invalid action index", "$${action:notanumber}", &InvalidActionIndexError{}},
		{"malformed missing colon", "$${action}", &MalformedError{}},
		{"build missing output name", "$${build:abc123def456abc123def456}", &MalformedError{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse(tc.input)
			if err == nil {
				t.Fatalf("Parse(%q): want error, got nil", tc.input)
			}
			if diff := cmp.Diff(tc.wantErr, err, cmpopts.IgnoreFields(UnknownTypeError{}, "Type"), cmpopts.IgnoreFields(InvalidActionIndexError{}, "Value"), cmpopts.IgnoreFields(MalformedError{}, "Msg")); diff != "" {
				t.Errorf("Parse(%q) error type mismatch (-want +got):\n%s", tc.input, diff)
			}
		})
	}
}

func TestSubstitute_UnresolvedErrors(t *testing.T) {
	r := &fakeResolver{}
	cases := []struct {
		name    string
		input   string
		wantErr interface{}
	}{
		{"unresolved action", "$${action:3}", &UnresolvedActionError{Index: 3}},
		{"unresolved build", "$${build:deadbeef00000000deadbeef:out}", &UnresolvedBuildError{Hash: "deadbeef00000000deadbeef", Output: "out"}},
		{"unresolved bind", "$${bind:deadbeef00000000deadbeef:path}", &UnresolvedBindError{Hash: "deadbeef00000000deadbeef", Output: "path"}},
		{"unresolved out", "$${out}", errors.New("no out directory in this context")},
	}
	r.noOut = true
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Substitute(tc.input, r)
			if err == nil {
				t.Fatalf("Substitute(%q): want error, got nil", tc.input)
			}
			if diff := cmp.Diff(tc.wantErr, err, cmp.Comparer(func(a, b error) bool { return a.Error() == b.Error() })); diff != "" {
				t.Errorf("Substitute(%q) error mismatch (-want +got):\n%s", tc.input, diff)
			}
		})
	}
}

func TestSubstitute_ShellScriptWithVariables(t *testing.T) {
	r := buildOnlyResolver()
	input := "#!/bin/sh\nset -e\ncd $${out}\nexport PATH=\"$PATH:$${out}/bin\"\ntar xf $${action:0}\n"
	got, err := Substitute(input, r)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "#!/bin/sh\nset -e\ncd /store/build/current\nexport PATH=\"$PATH:/store/build/current/bin\"\ntar xf /tmp/archive.tar.gz\n"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestSubstituteSegments_ReusesParse(t *testing.T) {
	segments, err := Parse("$${action:0} $${action:1}")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	r1 := &fakeResolver{actions: map[int]string{0: "a0", 1: "a1"}}
	r2 := &fakeResolver{actions: map[int]string{0: "b0", 1: "b1"}}

	got1, err := SubstituteSegments(segments, r1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got1 != "a0 a1" {
		t.Errorf("got %q, want %q", got1, "a0 a1")
	}

	got2, err := SubstituteSegments(segments, r2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got2 != "b0 b1" {
		t.Errorf("got %q, want %q", got2, "b0 b1")
	}
}

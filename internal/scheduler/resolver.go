package scheduler

import (
	"fmt"

	"github.com/distr1/envbind/internal/model"
	"github.com/distr1/envbind/internal/placeholder"
)

// resolver implements placeholder.Resolver against a snapshot of completed
// builds/binds from the current scheduler run, the current node's own
// in-progress action outputs, and its own output directory (§4.B, §4.F).
//
// A build node's resolver has bindCapable == false: any ${bind:...}
// reference in a build's templates is a manifest error surfaced as
// UnresolvedBind, never silently tolerated.
type resolver struct {
	actionOutputs []string
	builds        map[model.ObjectHash]map[string]string
	binds         map[model.ObjectHash]map[string]string
	bindCapable   bool
	out           string
}

func newBuildResolver(builds map[model.ObjectHash]map[string]string, out string) *resolver {
	return &resolver{builds: builds, out: out}
}

func newBindResolver(builds, binds map[model.ObjectHash]map[string]string, out string) *resolver {
	return &resolver{builds: builds, binds: binds, bindCapable: true, out: out}
}

// withOut returns a copy of r with out overridden, used to give a bind's
// create/update/destroy actions their own working directory while still
// seeing the parent's completed builds/binds (§4.F "child resolver").
func (r *resolver) withOut(out string) *resolver {
	clone := *r
	clone.out = out
	return &clone
}

// pushActionResult appends output as the result of the next sequential
// action, resolvable afterward via ${action:N}.
func (r *resolver) pushActionResult(output string) {
	r.actionOutputs = append(r.actionOutputs, output)
}

func (r *resolver) ResolveAction(index int) (string, error) {
	if index < 0 || index >= len(r.actionOutputs) {
		return "", &placeholder.UnresolvedActionError{Index: index}
	}
	return r.actionOutputs[index], nil
}

func (r *resolver) ResolveBuild(hashPrefix, output string) (string, error) {
	outputs, ok, err := lookupPrefix(r.builds, hashPrefix)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", &placeholder.UnresolvedBuildError{Hash: hashPrefix, Output: output}
	}
	val, ok := outputs[output]
	if !ok {
		return "", &placeholder.UnresolvedBuildError{Hash: hashPrefix, Output: output}
	}
	return val, nil
}

func (r *resolver) ResolveBind(hashPrefix, output string) (string, error) {
	if !r.bindCapable {
		return "", &placeholder.UnresolvedBindError{Hash: hashPrefix, Output: output}
	}
	outputs, ok, err := lookupPrefix(r.binds, hashPrefix)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", &placeholder.UnresolvedBindError{Hash: hashPrefix, Output: output}
	}
	val, ok := outputs[output]
	if !ok {
		return "", &placeholder.UnresolvedBindError{Hash: hashPrefix, Output: output}
	}
	return val, nil
}

func (r *resolver) ResolveOut() (string, error) { return r.out, nil }

// lookupPrefix resolves a hash prefix against a keyed output map, requiring
// the prefix be unambiguous among the known keys (Open Question decision:
// placeholder hash-prefix lookups require an unambiguous match). No match
// returns ok == false; more than one match is a Malformed error.
func lookupPrefix(m map[model.ObjectHash]map[string]string, prefix string) (map[string]string, bool, error) {
	var match map[string]string
	count := 0
	for h, outputs := range m {
		if h.HasPrefix(prefix) {
			count++
			match = outputs
		}
	}
	if count > 1 {
		return nil, false, &placeholder.MalformedError{
			Msg: fmt.Sprintf("hash prefix %q matches %d known hashes, need exactly one", prefix, count),
		}
	}
	if count == 0 {
		return nil, false, nil
	}
	return match, true, nil
}

// resolveOutputs substitutes every output template against r, returning the
// materialized output map. "out" is always present even if absent from the
// templates, equal to r.out.
func resolveOutputs(templates map[string]string, r *resolver) (map[string]string, error) {
	resolved := make(map[string]string, len(templates)+1)
	for name, tmpl := range templates {
		val, err := placeholder.Substitute(tmpl, r)
		if err != nil {
			return nil, err
		}
		resolved[name] = val
	}
	if _, ok := resolved["out"]; !ok {
		resolved["out"] = r.out
	}
	return resolved, nil
}

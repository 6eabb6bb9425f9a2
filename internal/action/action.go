// Package action implements the atomic unit of work a build or bind
// executes: an Exec subprocess or a checksummed URL fetch (§4.D).
package action

import (
	"encoding/json"
	"fmt"
)

// Kind discriminates the tagged Action union.
type Kind string

const (
	KindExec     Kind = "exec"
	KindFetchURL Kind = "fetch_url"
)

// Action is a single typed step within a build or bind's action list.
// Exactly one of the kind-specific fields is populated, selected by Kind.
type Action struct {
	Kind Kind `json:"kind"`

	// Exec fields.
	Bin  string            `json:"bin,omitempty"`
	Args []string          `json:"args,omitempty"`
	Env  map[string]string `json:"env,omitempty"`
	Cwd  string            `json:"cwd,omitempty"`

	// FetchURL fields.
	URL    string `json:"url,omitempty"`
	SHA256 string `json:"sha256,omitempty"`
}

// Exec builds an Exec action.
func Exec(bin string, args []string, env map[string]string, cwd string) Action {
	return Action{Kind: KindExec, Bin: bin, Args: args, Env: env, Cwd: cwd}
}

// FetchURL builds a FetchUrl action.
func FetchURL(url, sha256 string) Action {
	return Action{Kind: KindFetchURL, URL: url, SHA256: sha256}
}

// Result is what running an Action produces: its stdout (for Exec, trimmed
// per the rule in §4.D) or its cached file path (for FetchUrl).
type Result struct {
	Output string `json:"output"`
}

// CmdFailedError reports a non-zero exit or checksum mismatch. No partial
// Result is ever returned alongside this error.
type CmdFailedError struct {
	Cmd  string
	Code *int
}

func (e *CmdFailedError) Error() string {
	if e.Code != nil {
		return fmt.Sprintf("command failed: %s (exit code %d)", e.Cmd, *e.Code)
	}
	return fmt.Sprintf("command failed: %s", e.Cmd)
}

// MarshalJSON / UnmarshalJSON use the default struct encoding; Action is
// already a flat, tag-discriminated record so no custom logic is needed
// beyond validating Kind on decode.
func (a *Action) UnmarshalJSON(data []byte) error {
	type alias Action
	var al alias
	if err := json.Unmarshal(data, &al); err != nil {
		return err
	}
	switch al.Kind {
	case KindExec, KindFetchURL:
	default:
		return fmt.Errorf("action: unknown kind %q", al.Kind)
	}
	*a = Action(al)
	return nil
}

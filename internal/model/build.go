package model

import "github.com/distr1/envbind/internal/action"

// BuildDef is an immutable recipe for a content-addressed artifact (§3).
//
// A BuildDef's Inputs must never contain a BindRef; validated at ingest
// (the scripting-language bridge is responsible for rejecting this before
// the manifest reaches the core, per §6).
type BuildDef struct {
	// ID is an optional user-chosen identity, unique within a manifest.
	ID *string `json:"id,omitempty"`

	// Inputs is the recursive input value. May be nil (no inputs).
	Inputs *Value `json:"inputs,omitempty"`

	CreateActions []action.Action `json:"create_actions"`

	// Outputs maps an output name to a template string that may contain
	// placeholders. "out" is always an implicit output equal to the
	// build's store path, even if not present here.
	Outputs map[string]string `json:"outputs,omitempty"`
}

// Name returns the build's declared id, or "" if anonymous.
func (b BuildDef) Name() string {
	if b.ID == nil {
		return ""
	}
	return *b.ID
}

// BuildRefDependencies returns the distinct build hashes b.Inputs depends
// on, in sorted order.
func (b BuildDef) BuildRefDependencies() []ObjectHash {
	if b.Inputs == nil {
		return nil
	}
	return dedupSorted(b.Inputs.BuildRefs())
}

// ValidateNoBindRefs reports an error if Inputs references any bind; a
// BuildDef must never depend on a bind (§3, §4.E).
func (b BuildDef) ValidateNoBindRefs() error {
	if b.Inputs != nil && b.Inputs.ContainsBindRef() {
		return ErrBuildReferencesBind
	}
	return nil
}

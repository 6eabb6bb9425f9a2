package model

import "github.com/distr1/envbind/internal/action"

// BindDef is a side-effectful declaration (symlink, PATH contribution,
// shell-init fragment, ...) (§3).
//
// If UpdateActions is present, the set of output keys it produces must
// equal the set create_actions produces (§3); that invariant is checked by
// the external ingester and re-asserted at update time in
// internal/scheduler.
type BindDef struct {
	ID *string `json:"id,omitempty"`

	// Inputs, unlike BuildDef's, may include BindRef values.
	Inputs *Value `json:"inputs,omitempty"`

	CreateActions  []action.Action  `json:"create_actions"`
	UpdateActions  *[]action.Action `json:"update_actions,omitempty"`
	DestroyActions []action.Action  `json:"destroy_actions"`
	CheckActions   *[]action.Action `json:"check_actions,omitempty"`

	Outputs map[string]string `json:"outputs,omitempty"`
}

func (b BindDef) Name() string {
	if b.ID == nil {
		return ""
	}
	return *b.ID
}

// BuildRefDependencies returns the build hashes b.Inputs depends on.
func (b BindDef) BuildRefDependencies() []ObjectHash {
	if b.Inputs == nil {
		return nil
	}
	return dedupSorted(b.Inputs.BuildRefs())
}

// BindRefDependencies returns the bind hashes b.Inputs depends on.
func (b BindDef) BindRefDependencies() []ObjectHash {
	if b.Inputs == nil {
		return nil
	}
	return dedupSorted(b.Inputs.BindRefs())
}

// Package diff computes the set difference between a desired manifest and
// the currently-applied one (§4.G).
package diff

import (
	"sort"

	"github.com/distr1/envbind/internal/model"
	"github.com/distr1/envbind/internal/storeops"
)

// UpdatePair is an (old, new) bind hash whose id matched but content
// changed, and the new definition carries update_actions.
type UpdatePair struct {
	Old model.ObjectHash
	New model.ObjectHash
}

// StateDiff is the computed difference between desired and current state.
type StateDiff struct {
	BuildsToRealize []model.ObjectHash
	BuildsCached    []model.ObjectHash
	BuildsOrphaned  []model.ObjectHash

	BindsToApply   []model.ObjectHash
	BindsToDestroy []model.ObjectHash
	BindsUnchanged []model.ObjectHash
	BindsToUpdate  []UpdatePair
}

// IsEmpty reports whether applying this diff would change nothing on disk.
func (d StateDiff) IsEmpty() bool {
	return len(d.BuildsToRealize) == 0 &&
		len(d.BuildsOrphaned) == 0 &&
		len(d.BindsToApply) == 0 &&
		len(d.BindsToDestroy) == 0 &&
		len(d.BindsToUpdate) == 0
}

// TotalBuilds is the number of builds the desired manifest declares.
func (d StateDiff) TotalBuilds() int { return len(d.BuildsToRealize) + len(d.BuildsCached) }

// TotalBinds is the number of binds the desired manifest declares.
func (d StateDiff) TotalBinds() int {
	return len(d.BindsToApply) + len(d.BindsUnchanged) + len(d.BindsToUpdate)
}

// Compute computes the StateDiff between desired and current (current may
// be nil on a first apply), checking build cache hits against layout.
func Compute(desired model.Manifest, current *model.Manifest, layout *storeops.Layout, system bool) StateDiff {
	var d StateDiff

	for _, h := range desired.SortedBuildHashes() {
		if layout.BuildExists(h, system) {
			d.BuildsCached = append(d.BuildsCached, h)
		} else {
			d.BuildsToRealize = append(d.BuildsToRealize, h)
		}
	}

	if current != nil {
		for _, h := range current.SortedBuildHashes() {
			if _, ok := desired.Builds[h]; !ok {
				d.BuildsOrphaned = append(d.BuildsOrphaned, h)
			}
		}
	}

	desiredByID := make(map[string]model.ObjectHash)
	var desiredWithoutID []model.ObjectHash
	for _, h := range desired.SortedBindHashes() {
		b := desired.Bindings[h]
		if b.ID != nil {
			desiredByID[*b.ID] = h
		} else {
			desiredWithoutID = append(desiredWithoutID, h)
		}
	}

	currentByID := make(map[string]model.ObjectHash)
	var currentWithoutID []model.ObjectHash
	if current != nil {
		for _, h := range current.SortedBindHashes() {
			b := current.Bindings[h]
			if b.ID != nil {
				currentByID[*b.ID] = h
			} else {
				currentWithoutID = append(currentWithoutID, h)
			}
		}
	}

	for _, id := range sortedStringKeys(desiredByID) {
		desiredHash := desiredByID[id]
		if currentHash, ok := currentByID[id]; ok {
			if desiredHash == currentHash {
				d.BindsUnchanged = append(d.BindsUnchanged, desiredHash)
			} else if desired.Bindings[desiredHash].UpdateActions != nil {
				d.BindsToUpdate = append(d.BindsToUpdate, UpdatePair{Old: currentHash, New: desiredHash})
			} else {
				d.BindsToDestroy = append(d.BindsToDestroy, currentHash)
				d.BindsToApply = append(d.BindsToApply, desiredHash)
			}
		} else {
			d.BindsToApply = append(d.BindsToApply, desiredHash)
		}
	}

	for _, id := range sortedStringKeys(currentByID) {
		if _, ok := desiredByID[id]; !ok {
			d.BindsToDestroy = append(d.BindsToDestroy, currentByID[id])
		}
	}

	currentWithoutIDSet := make(map[model.ObjectHash]bool, len(currentWithoutID))
	for _, h := range currentWithoutID {
		currentWithoutIDSet[h] = true
	}
	for _, h := range desiredWithoutID {
		if currentWithoutIDSet[h] {
			d.BindsUnchanged = append(d.BindsUnchanged, h)
		} else {
			d.BindsToApply = append(d.BindsToApply, h)
		}
	}

	desiredWithoutIDSet := make(map[model.ObjectHash]bool, len(desiredWithoutID))
	for _, h := range desiredWithoutID {
		desiredWithoutIDSet[h] = true
	}
	for _, h := range currentWithoutID {
		if !desiredWithoutIDSet[h] {
			d.BindsToDestroy = append(d.BindsToDestroy, h)
		}
	}

	return d
}

func sortedStringKeys(m map[string]model.ObjectHash) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

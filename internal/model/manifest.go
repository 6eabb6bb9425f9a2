package model

import (
	"errors"
	"sort"
)

// ErrBuildReferencesBind is returned when a BuildDef's inputs reference a
// bind, which is never valid (§3).
var ErrBuildReferencesBind = errors.New("model: build inputs must not reference a bind")

// Manifest is the set of builds and binds a configuration declares (§3).
// Keys are the ObjectHash of the corresponding value; callers (the
// ingester) must maintain that invariant.
type Manifest struct {
	Builds   map[ObjectHash]BuildDef `json:"builds"`
	Bindings map[ObjectHash]BindDef  `json:"bindings"`
}

// NewManifest returns an empty, initialized Manifest.
func NewManifest() Manifest {
	return Manifest{
		Builds:   make(map[ObjectHash]BuildDef),
		Bindings: make(map[ObjectHash]BindDef),
	}
}

// SortedBuildHashes returns manifest build hashes in sorted order, for
// deterministic iteration during hashing and snapshotting.
func (m Manifest) SortedBuildHashes() []ObjectHash {
	return sortedKeys(m.Builds)
}

// SortedBindHashes returns manifest bind hashes in sorted order.
func (m Manifest) SortedBindHashes() []ObjectHash {
	return sortedKeys(m.Bindings)
}

func sortedKeys[V any](m map[ObjectHash]V) []ObjectHash {
	keys := make([]ObjectHash, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

func dedupSorted(hashes []ObjectHash) []ObjectHash {
	if len(hashes) == 0 {
		return nil
	}
	seen := make(map[ObjectHash]bool, len(hashes))
	out := make([]ObjectHash, 0, len(hashes))
	for _, h := range hashes {
		if !seen[h] {
			seen[h] = true
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

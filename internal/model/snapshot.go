package model

// Snapshot is a persisted Manifest plus metadata (§3, §6).
type Snapshot struct {
	ID         string   `json:"id"`
	CreatedAt  uint64   `json:"created_at"`
	ConfigPath *string  `json:"config_path,omitempty"`
	Manifest   Manifest `json:"manifest"`
	Tags       []string `json:"tags"`
}

// SnapshotMetadata is the index-entry view of a Snapshot: everything except
// the (large) manifest body, which lives in the snapshot's own file.
type SnapshotMetadata struct {
	ID         string   `json:"id"`
	CreatedAt  uint64   `json:"created_at"`
	ConfigPath *string  `json:"config_path,omitempty"`
	Tags       []string `json:"tags"`
}

// Metadata projects a Snapshot down to its SnapshotMetadata.
func (s Snapshot) Metadata() SnapshotMetadata {
	return SnapshotMetadata{
		ID:         s.ID,
		CreatedAt:  s.CreatedAt,
		ConfigPath: s.ConfigPath,
		Tags:       append([]string(nil), s.Tags...),
	}
}

// SnapshotIndexVersion is the schema version stamped into index.json; a
// mismatch is an UnsupportedVersion error (§6, §7).
const SnapshotIndexVersion = 1

// SnapshotIndex holds the ordered list of snapshot metadata plus a nullable
// "current" pointer (§3, §4.H).
type SnapshotIndex struct {
	Version   uint32             `json:"version"`
	Snapshots []SnapshotMetadata `json:"snapshots"`
	Current   *string            `json:"current,omitempty"`
}

// NewSnapshotIndex returns an empty, schema-stamped index.
func NewSnapshotIndex() SnapshotIndex {
	return SnapshotIndex{Version: SnapshotIndexVersion, Snapshots: nil, Current: nil}
}

// BindState is the per-applied-bind record of resolved outputs, keyed by
// bind hash, needed so later destroy/update can substitute
// ${bind:H:O} (§3, §4.I).
type BindState struct {
	Outputs map[string]string `json:"outputs"`
}

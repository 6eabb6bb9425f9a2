// Package snapshotstore persists the snapshot index and individual
// snapshots under a store's snapshots/ directory (§4.H).
package snapshotstore

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/distr1/envbind/internal/env"
	"github.com/distr1/envbind/internal/model"
	"github.com/distr1/envbind/internal/storeops"
	"github.com/google/renameio"
	"golang.org/x/xerrors"
)

// NotFoundError reports a missing snapshot id.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("snapshotstore: snapshot %q not found", e.ID)
}

// UnsupportedVersionError reports an index.json whose schema version this
// build doesn't understand.
type UnsupportedVersionError struct {
	Got, Want uint32
}

func (e *UnsupportedVersionError) Error() string {
	return fmt.Sprintf("snapshotstore: unsupported index version %d (want %d)", e.Got, e.Want)
}

// Store reads and writes the snapshot index and snapshot files under one
// store root.
type Store struct {
	Layout *storeops.Layout
	Log    *log.Logger
}

// New returns a Store backed by the given store layout.
func New(cfg env.StoreConfig, logger *log.Logger) *Store {
	if logger == nil {
		logger = log.Default()
	}
	return &Store{Layout: storeops.New(cfg, logger), Log: logger}
}

func (s *Store) indexPath(system bool) string {
	return filepath.Join(s.Layout.SnapshotsDirPath(system), "index.json")
}

func (s *Store) snapshotPath(id string, system bool) string {
	return filepath.Join(s.Layout.SnapshotsDirPath(system), id+".json")
}

// LoadIndex returns an empty-but-valid index if index.json is missing, and
// fails on a schema/version mismatch.
func (s *Store) LoadIndex(system bool) (model.SnapshotIndex, error) {
	path := s.indexPath(system)
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return model.NewSnapshotIndex(), nil
		}
		return model.SnapshotIndex{}, xerrors.Errorf("snapshotstore: read %s: %w", path, err)
	}
	var idx model.SnapshotIndex
	if err := json.Unmarshal(b, &idx); err != nil {
		return model.SnapshotIndex{}, xerrors.Errorf("snapshotstore: parse %s: %w", path, err)
	}
	if idx.Version != model.SnapshotIndexVersion {
		return model.SnapshotIndex{}, &UnsupportedVersionError{Got: idx.Version, Want: model.SnapshotIndexVersion}
	}
	return idx, nil
}

// SaveIndex atomically writes idx to index.json.
func (s *Store) SaveIndex(idx model.SnapshotIndex, system bool) error {
	dir := s.Layout.SnapshotsDirPath(system)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return xerrors.Errorf("snapshotstore: create %s: %w", dir, err)
	}
	b, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return xerrors.Errorf("snapshotstore: marshal index: %w", err)
	}
	return atomicWrite(s.indexPath(system), b)
}

// SaveSnapshot atomically writes <id>.json and records its metadata in the
// index, preserving the current "current" pointer.
func (s *Store) SaveSnapshot(snap model.Snapshot, system bool) error {
	dir := s.Layout.SnapshotsDirPath(system)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return xerrors.Errorf("snapshotstore: create %s: %w", dir, err)
	}
	b, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return xerrors.Errorf("snapshotstore: marshal snapshot %s: %w", snap.ID, err)
	}
	if err := atomicWrite(s.snapshotPath(snap.ID, system), b); err != nil {
		return err
	}

	idx, err := s.LoadIndex(system)
	if err != nil {
		return err
	}
	idx.Snapshots = append(idx.Snapshots, snap.Metadata())
	return s.SaveIndex(idx, system)
}

// SaveAndSetCurrent is SaveSnapshot plus moving the current pointer to
// snap.ID in one index write.
func (s *Store) SaveAndSetCurrent(snap model.Snapshot, system bool) error {
	dir := s.Layout.SnapshotsDirPath(system)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return xerrors.Errorf("snapshotstore: create %s: %w", dir, err)
	}
	b, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return xerrors.Errorf("snapshotstore: marshal snapshot %s: %w", snap.ID, err)
	}
	if err := atomicWrite(s.snapshotPath(snap.ID, system), b); err != nil {
		return err
	}

	idx, err := s.LoadIndex(system)
	if err != nil {
		return err
	}
	idx.Snapshots = append(idx.Snapshots, snap.Metadata())
	id := snap.ID
	idx.Current = &id
	return s.SaveIndex(idx, system)
}

// LoadSnapshot reads a snapshot's full body by id.
func (s *Store) LoadSnapshot(id string, system bool) (model.Snapshot, error) {
	path := s.snapshotPath(id, system)
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return model.Snapshot{}, &NotFoundError{ID: id}
		}
		return model.Snapshot{}, xerrors.Errorf("snapshotstore: read %s: %w", path, err)
	}
	var snap model.Snapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return model.Snapshot{}, xerrors.Errorf("snapshotstore: parse %s: %w", path, err)
	}
	return snap, nil
}

// CurrentSnapshot returns the snapshot the index's current pointer names,
// or (nil, nil) if no snapshot is current.
func (s *Store) CurrentSnapshot(system bool) (*model.Snapshot, error) {
	idx, err := s.LoadIndex(system)
	if err != nil {
		return nil, err
	}
	if idx.Current == nil {
		return nil, nil
	}
	snap, err := s.LoadSnapshot(*idx.Current, system)
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

// SetCurrent verifies id's snapshot file exists, then updates the pointer.
func (s *Store) SetCurrent(id string, system bool) error {
	if _, err := s.LoadSnapshot(id, system); err != nil {
		return err
	}
	idx, err := s.LoadIndex(system)
	if err != nil {
		return err
	}
	idx.Current = &id
	return s.SaveIndex(idx, system)
}

// ClearCurrent drops the current pointer without removing any snapshot
// file. Used for self-healing after a failed rollback (§4.J).
func (s *Store) ClearCurrent(system bool) error {
	idx, err := s.LoadIndex(system)
	if err != nil {
		return err
	}
	idx.Current = nil
	return s.SaveIndex(idx, system)
}

// DeleteSnapshot removes id's file (ignoring NotFound), drops it from the
// index, and clears the current pointer if it pointed at id.
func (s *Store) DeleteSnapshot(id string, system bool) error {
	path := s.snapshotPath(id, system)
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return xerrors.Errorf("snapshotstore: remove %s: %w", path, err)
	}

	idx, err := s.LoadIndex(system)
	if err != nil {
		return err
	}
	filtered := idx.Snapshots[:0]
	for _, m := range idx.Snapshots {
		if m.ID != id {
			filtered = append(filtered, m)
		}
	}
	idx.Snapshots = filtered
	if idx.Current != nil && *idx.Current == id {
		idx.Current = nil
	}
	return s.SaveIndex(idx, system)
}

// List returns the index's snapshot metadata in insertion order.
func (s *Store) List(system bool) ([]model.SnapshotMetadata, error) {
	idx, err := s.LoadIndex(system)
	if err != nil {
		return nil, err
	}
	return idx.Snapshots, nil
}

// SetTags overwrites id's tag list in the index.
func (s *Store) SetTags(id string, tags []string, system bool) error {
	idx, err := s.LoadIndex(system)
	if err != nil {
		return err
	}
	found := false
	for i := range idx.Snapshots {
		if idx.Snapshots[i].ID == id {
			idx.Snapshots[i].Tags = tags
			found = true
			break
		}
	}
	if !found {
		return &NotFoundError{ID: id}
	}
	return s.SaveIndex(idx, system)
}

// NewSnapshotID returns a fresh, time-ordered, collision-resistant snapshot
// identifier: a hex timestamp followed by 4 random bytes.
func NewSnapshotID() string {
	var suffix [4]byte
	_, _ = rand.Read(suffix[:])
	return fmt.Sprintf("%x-%s", time.Now().UnixNano(), hex.EncodeToString(suffix[:]))
}

func atomicWrite(path string, b []byte) error {
	f, err := renameio.TempFile("", path)
	if err != nil {
		return xerrors.Errorf("snapshotstore: create temp file for %s: %w", path, err)
	}
	defer f.Cleanup()
	if _, err := f.Write(b); err != nil {
		return xerrors.Errorf("snapshotstore: write %s: %w", path, err)
	}
	if err := f.CloseAtomicallyReplace(); err != nil {
		return xerrors.Errorf("snapshotstore: commit %s: %w", path, err)
	}
	return nil
}

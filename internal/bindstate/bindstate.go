// Package bindstate persists the resolved outputs of an applied bind, so a
// later update/destroy can substitute ${bind:H:O} without re-running the
// bind's create_actions (§4.I).
package bindstate

import (
	"encoding/json"
	"errors"
	"log"
	"os"

	"github.com/distr1/envbind/internal/env"
	"github.com/distr1/envbind/internal/model"
	"github.com/distr1/envbind/internal/storeops"
	"github.com/google/renameio"
	"golang.org/x/xerrors"
)

// Store reads and writes BindState files under a store's bind/ directory.
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

// Save atomically writes state to <store>/bind/<hash>/state.json.
func (s *Store) Save(hash model.ObjectHash, state model.BindState, system bool) error {
	dir := s.Layout.BindStateDirPath(hash, system)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return xerrors.Errorf("bindstate: create %s: %w", dir, err)
	}

	b, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return xerrors.Errorf("bindstate: marshal state for %s: %w", hash, err)
	}

	dest := s.Layout.BindStatePath(hash, system)
	f, err := renameio.TempFile("", dest)
	if err != nil {
		return xerrors.Errorf("bindstate: create temp file for %s: %w", dest, err)
	}
	defer f.Cleanup()
	if _, err := f.Write(b); err != nil {
		return xerrors.Errorf("bindstate: write %s: %w", dest, err)
	}
	if err := f.CloseAtomicallyReplace(); err != nil {
		return xerrors.Errorf("bindstate: commit %s: %w", dest, err)
	}
	return nil
}

// Load returns the BindState for hash, or (nil, nil) if none is recorded.
func (s *Store) Load(hash model.ObjectHash, system bool) (*model.BindState, error) {
	path := s.Layout.BindStatePath(hash, system)
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, xerrors.Errorf("bindstate: read %s: %w", path, err)
	}
	var state model.BindState
	if err := json.Unmarshal(b, &state); err != nil {
		return nil, xerrors.Errorf("bindstate: parse %s: %w", path, err)
	}
	return &state, nil
}

// Remove deletes the state file for hash (ignoring NotFound) and its
// containing directory if it is now empty.
func (s *Store) Remove(hash model.ObjectHash, system bool) error {
	path := s.Layout.BindStatePath(hash, system)
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return xerrors.Errorf("bindstate: remove %s: %w", path, err)
	}

	dir := s.Layout.BindStateDirPath(hash, system)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return xerrors.Errorf("bindstate: read %s: %w", dir, err)
	}
	if len(entries) == 0 {
		if err := os.Remove(dir); err != nil && !errors.Is(err, os.ErrNotExist) {
			return xerrors.Errorf("bindstate: remove empty %s: %w", dir, err)
		}
	}
	return nil
}

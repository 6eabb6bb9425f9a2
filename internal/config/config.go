// Package config loads a manifest off disk for the CLI (§6 "CLI surface").
// The scripting-language bridge that ingests user recipes and emits a
// Manifest is an external collaborator (out of scope here, per spec.md
// §1); this package stands in for it with the simplest faithful substitute
// we can reach for without fabricating a dependency: the manifest's own
// JSON wire format, the same shape already embedded in a Snapshot.
package config

import (
	"encoding/json"
	"os"

	"github.com/distr1/envbind/internal/hashutil"
	"github.com/distr1/envbind/internal/model"
	"golang.org/x/xerrors"
)

// HashMismatchError is returned when a manifest entry's map key doesn't
// match the ObjectHash its own content hashes to — a hand-edited or
// corrupt config file, since that invariant is normally maintained by the
// ingester (model.Manifest's doc comment).
type HashMismatchError struct {
	Declared model.ObjectHash
	Computed model.ObjectHash
	Kind     string // "build" or "bind"
}

func (e *HashMismatchError) Error() string {
	return "config: " + e.Kind + " " + string(e.Declared) + " hashes to " + string(e.Computed)
}

// Load reads and validates a Manifest from a JSON file at path.
func Load(path string) (model.Manifest, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return model.Manifest{}, &NotFoundError{Path: path}
		}
		return model.Manifest{}, xerrors.Errorf("config: read %s: %w", path, err)
	}
	var m model.Manifest
	if err := json.Unmarshal(b, &m); err != nil {
		return model.Manifest{}, xerrors.Errorf("config: parse %s: %w", path, err)
	}
	if err := Validate(m); err != nil {
		return model.Manifest{}, err
	}
	return m, nil
}

// NotFoundError is returned when the config file doesn't exist.
type NotFoundError struct{ Path string }

func (e *NotFoundError) Error() string { return "config: not found: " + e.Path }

// Validate checks every declared hash key against a fresh recomputation of
// its value's content hash, and rejects builds that reference a bind (§3).
func Validate(m model.Manifest) error {
	for hash, b := range m.Builds {
		if err := b.ValidateNoBindRefs(); err != nil {
			return xerrors.Errorf("config: build %s: %w", hash, err)
		}
		if got := hashutil.Build(b); got != hash {
			return &HashMismatchError{Declared: hash, Computed: got, Kind: "build"}
		}
	}
	for hash, b := range m.Bindings {
		if got := hashutil.Bind(b); got != hash {
			return &HashMismatchError{Declared: hash, Computed: got, Kind: "bind"}
		}
	}
	return nil
}

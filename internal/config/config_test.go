package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/distr1/envbind/internal/action"
	"github.com/distr1/envbind/internal/hashutil"
	"github.com/distr1/envbind/internal/model"
)

func writeManifest(t *testing.T, m model.Manifest) string {
	t.Helper()
	b, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	path := filepath.Join(t.TempDir(), "envbind.json")
	if err := os.WriteFile(path, b, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoad_ValidManifestRoundTrips(t *testing.T) {
	build := model.BuildDef{CreateActions: []action.Action{action.Exec("/bin/true", nil, nil, "")}}
	hash := hashutil.Build(build)
	m := model.NewManifest()
	m.Builds[hash] = build

	path := writeManifest(t, m)
	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got.Builds) != 1 {
		t.Fatalf("Builds = %d, want 1", len(got.Builds))
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	if _, ok := err.(*NotFoundError); !ok {
		t.Fatalf("Load: got %T (%v), want *NotFoundError", err, err)
	}
}

func TestLoad_HashMismatchRejected(t *testing.T) {
	build := model.BuildDef{CreateActions: []action.Action{action.Exec("/bin/true", nil, nil, "")}}
	m := model.NewManifest()
	m.Builds["not-the-real-hash"] = build

	path := writeManifest(t, m)
	_, err := Load(path)
	if _, ok := err.(*HashMismatchError); !ok {
		t.Fatalf("Load: got %T (%v), want *HashMismatchError", err, err)
	}
}

func TestLoad_BuildReferencingBindRejected(t *testing.T) {
	ref := model.BindRefValue("deadbeef")
	build := model.BuildDef{Inputs: &ref, CreateActions: []action.Action{action.Exec("/bin/true", nil, nil, "")}}
	hash := hashutil.Build(build)
	m := model.NewManifest()
	m.Builds[hash] = build

	path := writeManifest(t, m)
	if _, err := Load(path); err == nil {
		t.Fatal("Load: got nil error, want build-references-bind rejection")
	}
}

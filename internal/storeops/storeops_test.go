package storeops

import (
	"log"
	"os"
	"path/filepath"
	"testing"

	"github.com/distr1/envbind/internal/env"
	"github.com/distr1/envbind/internal/model"
)

func newTestLayout(t *testing.T) (*Layout, string) {
	t.Helper()
	root := t.TempDir()
	cfg := env.StoreConfig{UserRoot: root}
	return New(cfg, log.New(os.Stderr, "", 0)), root
}

func TestLayout_Paths(t *testing.T) {
	l, root := newTestLayout(t)
	hash := model.ObjectHash("abc123def456abc123def456")

	if got, want := l.BuildDirPath(hash, false), filepath.Join(root, "build", hash.String()); got != want {
		t.Errorf("BuildDirPath = %q, want %q", got, want)
	}
	if got, want := l.BindStatePath(hash, false), filepath.Join(root, "bind", hash.String(), "state.json"); got != want {
		t.Errorf("BindStatePath = %q, want %q", got, want)
	}
	if got, want := l.SnapshotsDirPath(false), filepath.Join(root, "snapshots"); got != want {
		t.Errorf("SnapshotsDirPath = %q, want %q", got, want)
	}
}

func TestLayout_BuildExists(t *testing.T) {
	l, _ := newTestLayout(t)
	hash := model.ObjectHash("abc123def456abc123def456")

	if l.BuildExists(hash, false) {
		t.Fatal("BuildExists = true before directory is created")
	}
	if err := os.MkdirAll(l.BuildDirPath(hash, false), 0755); err != nil {
		t.Fatal(err)
	}
	if !l.BuildExists(hash, false) {
		t.Fatal("BuildExists = false after directory is created")
	}
}

// TestImmutableRoundTrip checks §8 property 9: make_immutable then
// make_mutable restores writable permissions, and every file is visited.
func TestImmutableRoundTrip(t *testing.T) {
	l, _ := newTestLayout(t)
	dir := t.TempDir()

	if err := os.MkdirAll(filepath.Join(dir, "bin"), 0755); err != nil {
		t.Fatal(err)
	}
	regular := filepath.Join(dir, "README")
	if err := os.WriteFile(regular, []byte("hi"), 0644); err != nil {
		t.Fatal(err)
	}
	exe := filepath.Join(dir, "bin", "tool")
	if err := os.WriteFile(exe, []byte("#!/bin/sh\n"), 0755); err != nil {
		t.Fatal(err)
	}

	if err := l.MakeImmutable(dir); err != nil {
		t.Fatalf("MakeImmutable: %v", err)
	}

	assertMode(t, regular, 0444)
	assertMode(t, exe, 0555)
	assertMode(t, filepath.Join(dir, "bin"), 0555)
	assertMode(t, dir, 0555)

	if err := l.MakeMutable(dir); err != nil {
		t.Fatalf("MakeMutable: %v", err)
	}

	assertMode(t, regular, 0644)
	assertMode(t, exe, 0755)
	assertMode(t, filepath.Join(dir, "bin"), 0755)
	assertMode(t, dir, 0755)

	// Writable again: a new file can be created.
	if err := os.WriteFile(filepath.Join(dir, "new"), []byte("x"), 0644); err != nil {
		t.Fatalf("directory not writable after MakeMutable: %v", err)
	}
}

func TestMakeImmutable_MissingPathIsNotAnError(t *testing.T) {
	l, root := newTestLayout(t)
	if err := l.MakeImmutable(filepath.Join(root, "does-not-exist")); err != nil {
		t.Fatalf("MakeImmutable on a missing path returned an error: %v", err)
	}
}

func assertMode(t *testing.T, path string, want os.FileMode) {
	t.Helper()
	fi, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat %s: %v", path, err)
	}
	if got := fi.Mode().Perm(); got != want {
		t.Errorf("mode of %s = %#o, want %#o", path, got, want)
	}
}

// GC removes immutable orphaned build directories while leaving live ones
// untouched.
func TestGC_RemovesOrphansKeepsLive(t *testing.T) {
	l, _ := newTestLayout(t)
	liveHash := model.ObjectHash("live00000000000000000000")
	orphanHash := model.ObjectHash("orphan000000000000000000")

	for _, h := range []model.ObjectHash{liveHash, orphanHash} {
		dir := l.BuildDirPath(h, false)
		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(dir, "artifact"), []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}
		if err := l.MakeImmutable(dir); err != nil {
			t.Fatal(err)
		}
	}

	removed, err := l.GC(map[model.ObjectHash]bool{liveHash: true}, false)
	if err != nil {
		t.Fatalf("GC: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if !l.BuildExists(liveHash, false) {
		t.Error("live build removed by GC")
	}
	if l.BuildExists(orphanHash, false) {
		t.Error("orphaned build survived GC")
	}
}

func TestGC_MissingBuildRootIsNotAnError(t *testing.T) {
	l, _ := newTestLayout(t)
	removed, err := l.GC(nil, false)
	if err != nil || removed != 0 {
		t.Fatalf("GC on empty store = (%d, %v), want (0, nil)", removed, err)
	}
}

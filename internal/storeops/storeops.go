// Package storeops implements the on-disk store layout and the
// post-realization immutability protocol (§4.C).
package storeops

import (
	"log"
	"os"
	"path/filepath"

	"github.com/distr1/envbind/internal/env"
	"github.com/distr1/envbind/internal/model"
	"golang.org/x/xerrors"
)

// Layout resolves on-disk paths under a StoreConfig and performs the
// immutability transitions a build's store directory goes through.
type Layout struct {
	Config env.StoreConfig
	Log    *log.Logger
}

// New returns a Layout logging to log.Default() if logger is nil.
func New(cfg env.StoreConfig, logger *log.Logger) *Layout {
	if logger == nil {
		logger = log.Default()
	}
	return &Layout{Config: cfg, Log: logger}
}

// BuildDirPath returns <root>/build/<hash>, root selected by system.
func (l *Layout) BuildDirPath(hash model.ObjectHash, system bool) string {
	return filepath.Join(l.Config.Root(system), "build", hash.String())
}

// BindStateDirPath returns <root>/bind/<hash>, root selected by system.
func (l *Layout) BindStateDirPath(hash model.ObjectHash, system bool) string {
	return filepath.Join(l.Config.Root(system), "bind", hash.String())
}

// BindStatePath returns <root>/bind/<hash>/state.json.
func (l *Layout) BindStatePath(hash model.ObjectHash, system bool) string {
	return filepath.Join(l.BindStateDirPath(hash, system), "state.json")
}

// SnapshotsDirPath returns <root>/snapshots.
func (l *Layout) SnapshotsDirPath(system bool) string {
	return filepath.Join(l.Config.Root(system), "snapshots")
}

// BuildExists reports whether hash's build directory exists.
func (l *Layout) BuildExists(hash model.ObjectHash, system bool) bool {
	fi, err := os.Stat(l.BuildDirPath(hash, system))
	return err == nil && fi.IsDir()
}

// MakeImmutable recursively write-protects path: on Unix files get 0444 and
// directories and executable files get 0555; on Windows each entry's DACL
// gains a deny ACE for Everyone covering the write and delete rights
// (§4.C). Traversal is post-order so a directory's own permissions are set
// only after every entry beneath it has been fixed. Individual failures are
// logged and do not stop the traversal.
func (l *Layout) MakeImmutable(path string) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return xerrors.Errorf("storeops: stat %s: %w", path, err)
	}

	entries, err := walkPostOrder(path)
	if err != nil {
		return xerrors.Errorf("storeops: walk %s: %w", path, err)
	}
	for _, e := range entries {
		if err := l.makeEntryImmutable(e); err != nil {
			l.Log.Printf("storeops: failed to make %s immutable, continuing: %v", e, err)
		}
	}

	clearBSDFlags(path, l.Log)
	return nil
}

// MakeMutable is the inverse of MakeImmutable: files get 0644 and
// directories and executable files get 0755 on Unix; on Windows the deny
// ACE is removed again. Traversal is pre-order so a directory becomes
// writable before its contents are visited. Required before a rebuild or a
// GC pass removes a build directory.
func (l *Layout) MakeMutable(path string) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return xerrors.Errorf("storeops: stat %s: %w", path, err)
	}

	entries, err := walkPreOrder(path)
	if err != nil {
		return xerrors.Errorf("storeops: walk %s: %w", path, err)
	}
	for _, e := range entries {
		if err := l.makeEntryMutable(e); err != nil {
			l.Log.Printf("storeops: failed to make %s mutable, continuing: %v", e, err)
		}
	}
	return nil
}

func (l *Layout) makeEntryImmutable(path string) error {
	fi, err := os.Lstat(path)
	if err != nil {
		return err
	}
	if fi.Mode()&os.ModeSymlink != 0 {
		return nil
	}
	return lockEntry(path, fi)
}

func (l *Layout) makeEntryMutable(path string) error {
	fi, err := os.Lstat(path)
	if err != nil {
		return err
	}
	if fi.Mode()&os.ModeSymlink != 0 {
		return nil
	}
	return unlockEntry(path, fi)
}

// GC removes every build directory under <root>/build whose hash is not in
// live, making each one mutable first so deletion succeeds. It returns how
// many directories were removed. Neither Apply nor Destroy calls this;
// orphaned builds stay on disk until a caller explicitly collects them.
// Individual failures are logged and do not stop the sweep.
func (l *Layout) GC(live map[model.ObjectHash]bool, system bool) (int, error) {
	buildRoot := filepath.Join(l.Config.Root(system), "build")
	entries, err := os.ReadDir(buildRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, xerrors.Errorf("storeops: read %s: %w", buildRoot, err)
	}

	removed := 0
	for _, e := range entries {
		if !e.IsDir() || live[model.ObjectHash(e.Name())] {
			continue
		}
		dir := filepath.Join(buildRoot, e.Name())
		if err := l.MakeMutable(dir); err != nil {
			l.Log.Printf("storeops: gc: make %s mutable, skipping: %v", dir, err)
			continue
		}
		if err := os.RemoveAll(dir); err != nil {
			l.Log.Printf("storeops: gc: remove %s, continuing: %v", dir, err)
			continue
		}
		removed++
	}
	return removed, nil
}

// walkPostOrder lists path and every descendant with children before their
// parent directory.
func walkPostOrder(path string) ([]string, error) {
	var dirs, files []string
	err := filepath.Walk(path, func(p string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if fi.IsDir() {
			dirs = append(dirs, p)
		} else {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	// Files first (any order), then directories deepest-first.
	for i, j := 0, len(dirs)-1; i < j; i, j = i+1, j-1 {
		dirs[i], dirs[j] = dirs[j], dirs[i]
	}
	return append(files, dirs...), nil
}

// walkPreOrder lists path and every descendant with parents before children,
// matching filepath.Walk's natural order.
func walkPreOrder(path string) ([]string, error) {
	var entries []string
	err := filepath.Walk(path, func(p string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		entries = append(entries, p)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

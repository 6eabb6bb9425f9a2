// Package storelock implements the process-wide advisory lock over a
// store root that the Orchestrator holds for its critical section (§4.K).
package storelock

import (
	"log"
	"os"
	"path/filepath"

	"github.com/distr1/envbind/internal/env"
	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"
)

// Mode selects the flock mode: Exclusive for apply/destroy/GC, Shared for
// read-only operations like list/show.
type Mode int

const (
	Exclusive Mode = iota
	Shared
)

// Lock is a held (or about-to-be-held) advisory lock over one store root.
type Lock struct {
	f      *os.File
	intent string
	log    *log.Logger
}

// lockFileName is the file flock(2) operates on; its contents are not
// meaningful, only its existence and fd.
const lockFileName = ".envbind.lock"

// Acquire blocks until it holds mode over the store root selected by
// system, logging intent (a short human-readable description, e.g. "apply")
// for diagnostics if another process is already holding it.
func Acquire(cfg env.StoreConfig, system bool, mode Mode, intent string, logger *log.Logger) (*Lock, error) {
	if logger == nil {
		logger = log.Default()
	}
	root := cfg.Root(system)
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, xerrors.Errorf("storelock: create store root %s: %w", root, err)
	}
	path := filepath.Join(root, lockFileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, xerrors.Errorf("storelock: open %s: %w", path, err)
	}

	op := unix.LOCK_EX
	if mode == Shared {
		op = unix.LOCK_SH
	}

	// A first non-blocking attempt lets us log when we're about to wait on
	// another holder, matching the teacher's habit of announcing
	// contention before blocking on it.
	if err := unix.Flock(int(f.Fd()), op|unix.LOCK_NB); err != nil {
		logger.Printf("storelock: %s waiting for store lock (%s mode)", intent, modeName(mode))
		if err := unix.Flock(int(f.Fd()), op); err != nil {
			f.Close()
			return nil, xerrors.Errorf("storelock: flock %s: %w", path, err)
		}
	}

	return &Lock{f: f, intent: intent, log: logger}, nil
}

// Release drops the lock and closes the underlying file descriptor.
func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	if err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN); err != nil {
		l.f.Close()
		return xerrors.Errorf("storelock: unlock: %w", err)
	}
	return l.f.Close()
}

func modeName(m Mode) string {
	if m == Exclusive {
		return "exclusive"
	}
	return "shared"
}

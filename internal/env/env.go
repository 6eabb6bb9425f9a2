// Package env resolves the store roots envbind operates against. Values are
// read once, at process start, and threaded explicitly from there; core
// packages never call os.Getenv themselves (§9 Design Notes, "Global store
// paths and environment variables").
package env

import (
	"os"
	"path/filepath"
)

// StoreConfig names the two store roots a command may operate against.
// UserRoot is always populated; SystemRoot may be empty if the caller never
// configured one, in which case system-scoped operations are unavailable.
type StoreConfig struct {
	UserRoot   string
	SystemRoot string
}

// LoadStoreConfig resolves StoreConfig from the environment, mirroring the
// teacher's DISTRIROOT/DistriRoot resolution: an explicit override wins,
// otherwise a $HOME-relative default.
func LoadStoreConfig() StoreConfig {
	return StoreConfig{
		UserRoot:   firstNonEmpty(os.Getenv("ENVBIND_USER_STORE"), os.ExpandEnv(filepath.Join("$HOME", ".local", "share", "envbind"))),
		SystemRoot: os.Getenv("ENVBIND_SYSTEM_STORE"),
	}
}

// Root selects the user or system store root for the given scope.
func (c StoreConfig) Root(system bool) string {
	if system {
		return c.SystemRoot
	}
	return c.UserRoot
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

//go:build !darwin

package storeops

import "log"

// clearBSDFlags is a no-op on platforms without BSD file flags.
func clearBSDFlags(path string, logger *log.Logger) {}

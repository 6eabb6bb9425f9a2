package storeops

import (
	"log"

	"golang.org/x/sys/unix"
)

// clearBSDFlags clears any BSD file flags (e.g. a prior schg) on path so a
// future GC pass can unlink it; best-effort, failures are logged.
func clearBSDFlags(path string, logger *log.Logger) {
	if err := unix.Chflags(path, 0); err != nil {
		logger.Printf("storeops: failed to clear BSD flags on %s: %v", path, err)
	}
}

//go:build unix

package store

import (
	"os"

	"github.com/google/renameio/v2"
	"golang.org/x/sys/unix"
)

func lockFile(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_EX)
}

func unlockFile(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_UN)
}

// WriteFileAtomic fsyncs a temp file and renames it over path, so a crash never
// leaves a half-written file behind.
func WriteFileAtomic(path string, data []byte) error {
	return renameio.WriteFile(path, data, 0600)
}

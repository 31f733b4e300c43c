//go:build !unix

package store

import (
	"os"
)

// Cross-process locking is only implemented on unix; elsewhere the
// in-process mutex in Shared is all there is.
func lockFile(*os.File) error   { return nil }
func unlockFile(*os.File) error { return nil }

// WriteFileAtomic writes through a temp file and a rename.
func WriteFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

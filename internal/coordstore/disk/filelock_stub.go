//go:build !unix

package disk

import "os"

// lockFile is a no-op on platforms without advisory file locks; only the
// in-process mutexes guard the store there.
func lockFile(f *os.File) error { return nil }

// unlockFile is the no-op counterpart to lockFile.
func unlockFile(f *os.File) error { return nil }

//go:build !unix

package sink

import "os"

// No cross-process locking; the in-process mutex still serializes appends.
func lockFile(*os.File) error { return nil }

func unlockFile(*os.File) error { return nil }

//go:build !unix

// ABOUTME: Fallback for platforms without flock(2).
// ABOUTME: Only the in-process mutex orders writers there.

package flock

import "os"

func lockFile(*os.File) error { return nil }

func unlockFile(*os.File) error { return nil }

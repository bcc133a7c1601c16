//go:build !unix

package edb

import "os"

// flock is a no-op placeholder on platforms without an advisory-lock
// syscall wired up; single-process-per-root use still works, concurrent
// writers are not prevented.
func flock(f *os.File, exclusive bool) error { return nil }

func funlock(f *os.File) error { return nil }

//go:build unix

package edb

import (
	"os"

	"golang.org/x/sys/unix"
)

// flock acquires (or fails to acquire) an OS-level advisory lock on f. It is
// the only platform-specific piece of BlockFile: everything else in this
// package operates purely on *os.File.
func flock(f *os.File, exclusive bool) error {
	how := unix.LOCK_SH | unix.LOCK_NB
	if exclusive {
		how = unix.LOCK_EX | unix.LOCK_NB
	}
	if err := unix.Flock(int(f.Fd()), how); err != nil {
		if err == unix.EWOULDBLOCK {
			return newErr(KindLocked, "flock", f.Name(), err)
		}
		return newErr(KindIO, "flock", f.Name(), err)
	}
	return nil
}

func funlock(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_UN)
}

//go:build linux

package engine

import "golang.org/x/sys/unix"

type fder interface {
	Fd() uintptr
}

// adviseRead hints the kernel about how a source file will be read. Files that
// are not backed by a descriptor are left alone.
func adviseRead(f any, size int64, directIO bool) {
	fd, ok := f.(fder)
	if !ok {
		return
	}
	advice := unix.FADV_SEQUENTIAL
	if directIO {
		advice = unix.FADV_NOREUSE
	}
	_ = unix.Fadvise(int(fd.Fd()), 0, size, advice)
}

// adviseDone drops cached pages of a file copied with direct I/O.
func adviseDone(f any, size int64, directIO bool) {
	if !directIO {
		return
	}
	if fd, ok := f.(fder); ok {
		_ = unix.Fadvise(int(fd.Fd()), 0, size, unix.FADV_DONTNEED)
	}
}

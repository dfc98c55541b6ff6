//go:build linux

// Package refcount implements the advisory-lock-based reference count that
// coordinates concurrent "use" calls against a single sandbox.
//
// Kernel advisory locks release automatically when the holding process dies
// (or exits, or closes the fd), which is the whole point: a killed CLI
// leaves no stale refcount behind, unlike a counter file that must be
// decremented by cooperating code.
package refcount

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Handle is an opaque reference to an active "in use" claim on a sandbox's
// refs file.
type Handle struct {
	f *os.File
}

// Increment opens (creating if missing) the refs file at path and acquires a
// blocking shared lock on byte 0. The file's content is never touched; the
// lock on byte 0 is the only thing that matters.
func Increment(path string) (*Handle, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("refcount: open %s: %w", path, err)
	}

	lock := unix.Flock_t{Type: unix.F_RDLCK, Whence: 0, Start: 0, Len: 1}

	if err := unix.FcntlFlock(f.Fd(), unix.F_SETLKW, &lock); err != nil {
		_ = f.Close()

		return nil, fmt.Errorf("refcount: acquire shared lock on %s: %w", path, err)
	}

	return &Handle{f: f}, nil
}

// IsLastUser attempts a non-blocking exclusive lock on byte 0 through the
// same handle used for Increment. If it succeeds, no other holder of a
// shared lock remains (this process is the last user), and the exclusive
// lock is retained so the caller's cleanup window is race-free against a
// new entrant. If it fails because the lock would block, other users
// remain and false is returned with a nil error; any other error is a hard
// failure.
func (h *Handle) IsLastUser() (bool, error) {
	lock := unix.Flock_t{Type: unix.F_WRLCK, Whence: 0, Start: 0, Len: 1}

	err := unix.FcntlFlock(h.f.Fd(), unix.F_SETLK, &lock)
	if err == nil {
		return true, nil
	}

	if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EACCES) {
		return false, nil
	}

	return false, fmt.Errorf("refcount: exclusive lock probe on %s: %w", h.f.Name(), err)
}

// Release unlocks and closes the handle. It is always called, regardless of
// whether IsLastUser was ever invoked.
func (h *Handle) Release() error {
	unlock := unix.Flock_t{Type: unix.F_UNLCK, Whence: 0, Start: 0, Len: 1}
	_ = unix.FcntlFlock(h.f.Fd(), unix.F_SETLK, &unlock)

	if err := h.f.Close(); err != nil {
		return fmt.Errorf("refcount: close %s: %w", h.f.Name(), err)
	}

	return nil
}

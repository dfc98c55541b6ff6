//go:build linux

package sandbox

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/devstructure/sandbox/internal/mountutil"
)

// removeTree recursively removes path. Any direct or nested entry whose
// device differs from dev is assumed to be a surviving foreign-device mount
// from a destroyed sandbox's bind-mount tree; it is lazy-unmounted before
// its (now locally-owned, empty) mountpoint is removed like any other
// directory. Per-entry failures are logged via warnf and do not abort the
// rest of the tree.
func removeTree(path string, dev uint64, warnf func(format string, args ...any)) error {
	info, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}

		return fmt.Errorf("sandbox: lstat %s: %w", path, err)
	}

	if info.Mode()&os.ModeSymlink != 0 || !info.IsDir() {
		return os.Remove(path)
	}

	entryDev, err := mountutil.DeviceOf(path)
	if err == nil && entryDev != dev {
		if err := mountutil.Unmount(path, dev); err != nil {
			warn(warnf, "sandbox: unmount %s: %v", path, err)
		}
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return fmt.Errorf("sandbox: readdir %s: %w", path, err)
	}

	for _, e := range entries {
		child := filepath.Join(path, e.Name())
		if err := removeTree(child, dev, warnf); err != nil {
			warn(warnf, "sandbox: remove %s: %v", child, err)
		}
	}

	return os.Remove(path)
}

// unmountSynchronously fork-execs the system umount(8) binary and waits for
// it, rather than calling unix.Unmount directly, so that a busy mount
// (lazy-unmount not yet settled from a prior FUSE server exit) is retried by
// the same tool administrators would use by hand.
func unmountSynchronously(path string) error {
	cmd := exec.Command("umount", path)

	if err := cmd.Run(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return fmt.Errorf("umount %s: exit %d", path, exitErr.ExitCode())
		}

		return fmt.Errorf("umount %s: %w", path, err)
	}

	return nil
}

func warn(warnf func(format string, args ...any), format string, args ...any) {
	if warnf != nil {
		warnf(format, args...)
	}
}

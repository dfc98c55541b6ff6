//go:build linux

package sandbox

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// enterChroot chroots into root and changes the working directory to the
// new root, as a plain chroot(2)+chdir(2) pair with no privilege changes;
// callers are expected to already be the root they want to chroot as.
func enterChroot(root string) error {
	if err := unix.Chroot(root); err != nil {
		return fmt.Errorf("chroot %s: %w", root, err)
	}

	if err := unix.Chdir("/"); err != nil {
		return fmt.Errorf("chdir /: %w", err)
	}

	return nil
}

// forceMark deep-copies path unconditionally (regardless of its current
// link count), then chgrps the result to markerGID and adds group-write,
// preserving the owning uid and the rest of the permission bits.
func forceMark(path string, markerGID int, warnf func(format string, args ...any)) error {
	var stat unix.Stat_t
	if err := unix.Lstat(path, &stat); err != nil {
		return fmt.Errorf("sandbox: mark: stat %s: %w", path, err)
	}

	if stat.Mode&unix.S_IFMT != unix.S_IFREG {
		return fmt.Errorf("sandbox: mark: %s is not a regular file", path)
	}

	tmp := path + ".sandbox-mark"

	if err := forceCopyRegularFile(path, tmp, &stat); err != nil {
		return err
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)

		return fmt.Errorf("sandbox: mark: rename over %s: %w", path, err)
	}

	if err := os.Lchown(path, int(stat.Uid), markerGID); err != nil {
		return fmt.Errorf("sandbox: mark: chown %s: %w", path, err)
	}

	mode := os.FileMode(stat.Mode&0o7777) | 0o020
	if err := os.Chmod(path, mode); err != nil {
		return fmt.Errorf("sandbox: mark: chmod %s: %w", path, err)
	}

	return nil
}

func forceCopyRegularFile(src, dest string, stat *unix.Stat_t) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("sandbox: mark: open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_EXCL, os.FileMode(stat.Mode&0o7777))
	if err != nil {
		return fmt.Errorf("sandbox: mark: create %s: %w", dest, err)
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dest)

		return fmt.Errorf("sandbox: mark: copy %s: %w", src, err)
	}

	return out.Close()
}

//go:build linux

package sandboxfs

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// promote privatizes name if it is currently shared by hard link with
// another sandbox (nlink > 1), by writing a private copy under a temporary
// name, chown/chmod'ing it to match the original, and renaming it over the
// original path. A file that is already private (nlink == 1) is left alone.
//
// /etc/resolv.conf is never promoted: every sandbox keeps seeing (and
// mutating) the one copy the host maintains.
func (fs *FileSystem) promote(name string) error {
	if name == filepath.Base(ResolvConfPath) || "/"+name == ResolvConfPath {
		return nil
	}

	real := fs.real(name)

	var stat unix.Stat_t
	if err := unix.Lstat(real, &stat); err != nil {
		if os.IsNotExist(err) {
			return nil
		}

		return fmt.Errorf("sandboxfs: stat %s: %w", real, err)
	}

	if stat.Nlink <= 1 {
		return nil
	}

	if stat.Mode&unix.S_IFMT == unix.S_IFDIR {
		return nil
	}

	fs.logf("sandboxfs: promoting %s (nlink=%d)", name, stat.Nlink)

	tmp := real + ".sandboxfs-cow"

	if err := copyFileContents(real, tmp, &stat); err != nil {
		return err
	}

	if err := os.Rename(tmp, real); err != nil {
		os.Remove(tmp)

		return fmt.Errorf("sandboxfs: rename over %s: %w", real, err)
	}

	return nil
}

func copyFileContents(src, dest string, stat *unix.Stat_t) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("sandboxfs: open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_EXCL, os.FileMode(stat.Mode&0o7777))
	if err != nil {
		return fmt.Errorf("sandboxfs: create %s: %w", dest, err)
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dest)

		return fmt.Errorf("sandboxfs: copy %s: %w", src, err)
	}

	if err := out.Close(); err != nil {
		os.Remove(dest)

		return fmt.Errorf("sandboxfs: close %s: %w", dest, err)
	}

	if err := os.Lchown(dest, int(stat.Uid), int(stat.Gid)); err != nil {
		os.Remove(dest)

		return fmt.Errorf("sandboxfs: chown %s: %w", dest, err)
	}

	if err := unix.Chmod(dest, stat.Mode&0o7777); err != nil {
		os.Remove(dest)

		return fmt.Errorf("sandboxfs: chmod %s: %w", dest, err)
	}

	return nil
}

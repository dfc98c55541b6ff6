//go:build linux

// Package replicate implements the hybrid shallow/deep filesystem
// replication the sandbox lifecycle is built on.
package replicate

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/devstructure/sandbox/internal/pathwalk"
)

// DefaultForks is the default fan-out depth used by ShallowCopy/DeepCopy.
const DefaultForks = 3

// Warnf receives non-fatal diagnostics from best-effort replication steps
// (a single file's lchown failing should not abort replicating the rest of
// the tree). It may be nil, in which case warnings are discarded.
type Warnf func(format string, args ...any)

func warn(w Warnf, format string, args ...any) {
	if w != nil {
		w(format, args...)
	}
}

// forksOrDefault returns the caller-supplied fan-out override if present,
// else DefaultForks. ShallowCopy/DeepCopy take forks as a trailing variadic
// parameter so existing callers that don't care about tuning it are
// unaffected.
func forksOrDefault(forks []int) int {
	if len(forks) > 0 {
		return forks[0]
	}

	return DefaultForks
}

// ShallowCopy replicates src into dest, sharing inodes with the host
// wherever it is safe to do so:
//
//   - directories are recreated fresh (new inode, same mode/owner/times)
//   - symlinks are hard-linked (the link itself is shared, not its target)
//   - regular files, FIFOs, sockets, and device nodes are hard-linked,
//     *unless* they carry setuid/setgid/sticky bits or are some other
//     unrecognized type, in which case they are byte-copied instead
//   - subtrees on a foreign device (dev != the device of src) are bind
//     mounted into dest behind a placeholder directory, rather than walked
//
// The setuid/setgid/sticky byte-copy rule exists because package managers
// commonly swap a new inode into place after narrowing the old inode's mode
// to 0600 for safe unlinking; sharing such a file by hard link would let a
// permission downgrade on one sandbox's copy leak into every sandbox that
// shares the inode. Copying breaks that sharing.
func ShallowCopy(src, dest string, dev uint64, exclude []string, warnf Warnf, forks ...int) error {
	v := pathwalk.Visitor{
		Device: func(childSrc, childDest string, info os.FileInfo) (pathwalk.DeviceResult, error) {
			childDev, ok := deviceOf(info)
			if !ok || childDev == dev {
				return pathwalk.DeviceContinue, nil
			}

			if err := rebindForeignDevice(childSrc, childDest, info); err != nil {
				return pathwalk.DeviceContinue, fmt.Errorf("rebind foreign device %s: %w", childSrc, err)
			}

			return pathwalk.DevicePrune, nil
		},
		Before: func(_, dest string, info os.FileInfo) error {
			return recreateDir(dest, info)
		},
		Symlink: func(src, dest string, info os.FileInfo) error {
			if err := os.Link(src, dest); err != nil {
				warn(warnf, "shallowcopy: hardlink symlink %s -> %s: %v", src, dest, err)
			}

			return nil
		},
		Hardlink: func(src, dest string, info os.FileInfo) error {
			shallowCopyFile(src, dest, info, warnf)

			return nil
		},
		After: func(_, dest string, info os.FileInfo) error {
			if err := pathwalk.RestoreMetadata(dest, info); err != nil {
				warn(warnf, "shallowcopy: restore metadata on %s: %v", dest, err)
			}

			return nil
		},
	}

	return pathwalk.Walk(src, dest, exclude, v, forksOrDefault(forks))
}

// DeepCopy replicates src into dest allocating fresh inodes throughout:
// directories are created fresh, symlinks are recreated via readlink+symlink,
// and regular files are byte-copied. Unlike ShallowCopy, DeepCopy never
// shares an inode with the host.
func DeepCopy(src, dest string, exclude []string, warnf Warnf, forks ...int) error {
	v := pathwalk.Visitor{
		Before: func(_, dest string, info os.FileInfo) error {
			return recreateDir(dest, info)
		},
		Symlink: func(src, dest string, info os.FileInfo) error {
			target, err := os.Readlink(src)
			if err != nil {
				warn(warnf, "deepcopy: readlink %s: %v", src, err)

				return nil
			}

			if err := os.Symlink(target, dest); err != nil {
				warn(warnf, "deepcopy: symlink %s -> %s: %v", dest, target, err)

				return nil
			}

			if err := os.Lchown(dest, ownerOf(info)); err != nil {
				warn(warnf, "deepcopy: lchown %s: %v", dest, err)
			}

			return nil
		},
		Hardlink: func(src, dest string, info os.FileInfo) error {
			if !info.Mode().IsRegular() {
				warn(warnf, "deepcopy: skipping non-regular, non-symlink file %s", src)

				return nil
			}

			if err := pathwalk.CopyFile(src, dest, info); err != nil {
				warn(warnf, "deepcopy: copy %s -> %s: %v", src, dest, err)
			}

			return nil
		},
		After: func(_, dest string, info os.FileInfo) error {
			if err := pathwalk.RestoreMetadata(dest, info); err != nil {
				warn(warnf, "deepcopy: restore metadata on %s: %v", dest, err)
			}

			return nil
		},
	}

	return pathwalk.Walk(src, dest, exclude, v, forksOrDefault(forks))
}

// isSSHAgentSocket matches the ssh-agent forwarding convention
// (/tmp/ssh-XXXXXXXX/agent.NNNN). Such sockets are per-invocation and
// meaningless to share between sandboxes, so shallow copy skips them.
func isSSHAgentSocket(path string) bool {
	dir, base := filepath.Split(path)
	dir = strings.TrimSuffix(dir, "/")

	if !strings.HasPrefix(filepath.Base(dir), "ssh-") || filepath.Dir(dir) != "/tmp" {
		return false
	}

	return strings.HasPrefix(base, "agent.")
}

func shallowCopyFile(src, dest string, info os.FileInfo, warnf Warnf) {
	mode := info.Mode()

	if mode&os.ModeSocket != 0 && isSSHAgentSocket(src) {
		// The file itself is never created; best-effort remove the now-pointless
		// placeholder parent directory shallow copy created for it.
		_ = os.Remove(filepath.Dir(dest))

		return
	}

	special := mode&(os.ModeSetuid|os.ModeSetgid|os.ModeSticky) != 0
	recognized := mode.IsRegular() ||
		mode&os.ModeNamedPipe != 0 ||
		mode&os.ModeSocket != 0 ||
		mode&os.ModeDevice != 0 ||
		mode&os.ModeCharDevice != 0

	if !special && recognized {
		if err := os.Link(src, dest); err != nil {
			warn(warnf, "shallowcopy: hardlink %s -> %s: %v", src, dest, err)
		}

		return
	}

	if err := pathwalk.CopyFile(src, dest, info); err != nil {
		warn(warnf, "shallowcopy: copy %s -> %s: %v", src, dest, err)
	}
}

func recreateDir(dest string, info os.FileInfo) error {
	err := os.Mkdir(dest, info.Mode().Perm())
	if err != nil && !os.IsExist(err) {
		return fmt.Errorf("mkdir %s: %w", dest, err)
	}

	if err := os.Lchown(dest, ownerOf(info)); err != nil {
		return fmt.Errorf("lchown %s: %w", dest, err)
	}

	if err := os.Chmod(dest, info.Mode().Perm()); err != nil {
		return fmt.Errorf("chmod %s: %w", dest, err)
	}

	return nil
}

// rebindForeignDevice creates an empty placeholder directory at dest with
// the foreign subtree's mode/owner/times, then bind-mounts the real subtree
// over it so its content stays reachable without being walked.
func rebindForeignDevice(src, dest string, info os.FileInfo) error {
	if err := recreateDir(dest, info); err != nil {
		return err
	}

	if err := unix.Mount(src, dest, "", unix.MS_BIND, ""); err != nil {
		return fmt.Errorf("bind mount %s -> %s: %w", src, dest, err)
	}

	return nil
}

func deviceOf(info os.FileInfo) (uint64, bool) {
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, false
	}

	return uint64(stat.Dev), true
}

func ownerOf(info os.FileInfo) (int, int) {
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return -1, -1
	}

	return int(stat.Uid), int(stat.Gid)
}

//go:build linux

// Package mountutil bind-mounts and lazily unmounts subtrees, following
// device boundaries one level deep.
package mountutil

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/devstructure/sandbox/internal/pathwalk"
)

// Mount bind-mounts src at dest.
//
// If src ends with "/proc", the mount is not walked further: /proc's
// contents change under traversal and must not be descended (the kernel
// procfs reflects live process state, so recursing into it is both
// meaningless and racy).
//
// Otherwise, Mount walks src and, for every entry whose device differs from
// dev, bind-mounts that child at the corresponding destination and prunes
// the subtree without walking into it, so mounts nested inside that child
// are not followed — this is the one-level device-boundary limit spec.md
// calls out as intentional, not an oversight.
func Mount(src, dest string, dev uint64) error {
	if err := bindMount(src, dest); err != nil {
		return fmt.Errorf("mountutil: bind mount %s -> %s: %w", src, dest, err)
	}

	if strings.HasSuffix(src, "/proc") {
		return nil
	}

	v := pathwalk.Visitor{
		Device: func(childSrc, childDest string, info os.FileInfo) (pathwalk.DeviceResult, error) {
			childDev, ok := deviceOf(info)
			if !ok || childDev == dev {
				return pathwalk.DeviceContinue, nil
			}

			if err := bindMount(childSrc, childDest); err != nil {
				return pathwalk.DeviceContinue, err
			}

			return pathwalk.DevicePrune, nil
		},
	}

	return pathwalk.Walk(src, dest, nil, v, 0)
}

// Unmount lazily unmounts dir, the symmetric counterpart to Mount.
//
// If dir ends with "/proc", Unmount first walks it, lazily unmounting every
// foreign-device subtree it finds (mirroring the recursive bind mounts Mount
// created), then lazily unmounts dir itself.
func Unmount(dir string, dev uint64) error {
	if strings.HasSuffix(dir, "/proc") {
		if err := unmountForeignChildren(dir, dev); err != nil {
			return fmt.Errorf("mountutil: unmount walk %s: %w", dir, err)
		}
	}

	if err := lazyUnmount(dir); err != nil {
		return fmt.Errorf("mountutil: lazy unmount %s: %w", dir, err)
	}

	return nil
}

// unmountForeignChildren lazily unmounts every direct child of dir whose
// device differs from dev; deeper entries are not examined. Unlike Mount's
// walk, this looks only at dir's children: dir itself (/proc) is expected to sit on its
// own pseudo-filesystem device and must not be mistaken for a foreign mount
// of itself.
func unmountForeignChildren(dir string, dev uint64) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("readdir %s: %w", dir, err)
	}

	for _, entry := range entries {
		child := pathwalk.Join(dir, entry.Name())

		info, err := entry.Info()
		if err != nil {
			continue
		}

		childDev, ok := deviceOf(info)
		if !ok || childDev == dev {
			continue
		}

		if err := lazyUnmount(child); err != nil {
			return fmt.Errorf("unmount %s: %w", child, err)
		}
	}

	return nil
}

func bindMount(src, dest string) error {
	return unix.Mount(src, dest, "", unix.MS_BIND, "")
}

func lazyUnmount(dir string) error {
	err := unix.Unmount(dir, unix.MNT_DETACH)
	if errors.Is(err, unix.EINVAL) {
		// Not a mountpoint; nothing to do.
		return nil
	}

	return err
}

func deviceOf(info os.FileInfo) (uint64, bool) {
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, false
	}

	return uint64(stat.Dev), true
}

// DeviceOf returns the device number backing path, for callers (sandbox
// lifecycle code) that need to decide whether a device-boundary operation
// (mount/unmount/rebind) applies.
func DeviceOf(path string) (uint64, error) {
	var stat unix.Stat_t

	if err := unix.Stat(path, &stat); err != nil {
		return 0, fmt.Errorf("mountutil: stat %s: %w", path, err)
	}

	return uint64(stat.Dev), nil
}

//go:build linux

// Package breakout implements the chroot-escape primitive every sandbox
// lifecycle operation begins with.
package breakout

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// BaseName is the reported sandbox name when the process was not sandboxed
// (i.e. already at the real host root).
const BaseName = "/"

// Breakout returns the calling process (and its descendants, since chroot is
// a per-process attribute inherited across fork/exec) from whatever chroot
// it is currently in back to the host's real root, and reports the name of
// the sandbox it was in.
//
// This is the only "escape" mechanism this package assumes, and it is not a
// security boundary: a determined, privileged process chrooted anywhere can
// always reach the real root this way. Algorithm:
//
//  1. Create a unique temporary directory under /tmp (inside whatever root
//     the process currently sees).
//  2. chdir("/") and chroot(tmpDir). The process's root is now a directory
//     that sits *inside* its previous working directory, and Linux does not
//     retroactively confine an already-open cwd reference to the new root.
//  3. getcwd() now resolves to the previous root's absolute path as seen
//     from the real filesystem, because the cwd dentry predates and sits
//     outside the new chroot. If that path is "/", the caller was not
//     sandboxed; otherwise its final component is the sandbox name.
//  4. Walk ".." from that working directory until reaching "/", then
//     chroot(".") to make that the process's root again.
//  5. Remove the temporary directory, now reachable at its true path
//     (<prior-root>/tmp/<random>).
func Breakout() (string, error) {
	tmpDir, err := os.MkdirTemp("/tmp", "breakout-")
	if err != nil {
		return "", fmt.Errorf("breakout: create temp dir: %w", err)
	}

	if err := unix.Chdir("/"); err != nil {
		return "", fmt.Errorf("breakout: chdir /: %w", err)
	}

	if err := unix.Chroot(tmpDir); err != nil {
		return "", fmt.Errorf("breakout: chroot %s: %w", tmpDir, err)
	}

	priorRoot, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("breakout: getwd after chroot: %w", err)
	}

	name := BaseName
	if priorRoot != "/" {
		name = filepath.Base(priorRoot)
	}

	for {
		cwd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("breakout: getwd while climbing: %w", err)
		}

		if cwd == "/" {
			break
		}

		if err := unix.Chdir(".."); err != nil {
			return "", fmt.Errorf("breakout: chdir ..: %w", err)
		}
	}

	if err := unix.Chroot("."); err != nil {
		return "", fmt.Errorf("breakout: chroot .: %w", err)
	}

	leftover := filepath.Join(priorRoot, "tmp", filepath.Base(tmpDir))
	_ = os.RemoveAll(leftover)

	return name, nil
}

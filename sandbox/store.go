//go:build linux

// Package sandbox implements the sandbox lifecycle engine: validating
// names, creating and cloning sandboxes by hybrid shallow/deep replication,
// entering them, and tearing them down.
package sandbox

import (
	"path/filepath"
	"regexp"
)

// BaseName is the reserved sandbox name aliasing the host's own root.
const BaseName = "/"

// MarkerGID is the reserved group ID that Mark chgrps a file to.
const MarkerGID = 48879

// DefaultForks is the default subtree-replication fan-out used when the
// caller does not override it.
const DefaultForks = 3

// NameMax is the host's maximum filename length, matching Linux's NAME_MAX
// (linux/limits.h), which every sandbox name is bounded by.
const NameMax = 255

var nameRegex = regexp.MustCompile(`^[^./\s][^/\s]*$`)

// ValidName reports whether name satisfies the sandbox naming rules: it must
// either be the literal base alias "/" or match nameRegex (non-empty, not
// starting with '.', containing no '/' or whitespace) and be at most
// NameMax bytes long.
func ValidName(name string) bool {
	if name == BaseName {
		return true
	}

	if len(name) > NameMax {
		return false
	}

	return nameRegex.MatchString(name)
}

// Store describes the on-disk layout of the sandbox collection rooted at
// Root (conventionally /var/sandboxes).
type Store struct {
	Root string
}

// RootPath returns the chroot target for name: the host root itself for the
// base alias, otherwise Root/name.
func (s Store) RootPath(name string) string {
	if name == BaseName {
		return "/"
	}

	return filepath.Join(s.Root, name)
}

// ShadowPath returns the private-state directory for name. The base sandbox
// has no shadow; callers must not call this with BaseName.
func (s Store) ShadowPath(name string) string {
	return filepath.Join(s.Root, "."+name)
}

// ShadowEtcPath returns the COW backing store for name's /etc.
func (s Store) ShadowEtcPath(name string) string {
	if name == BaseName {
		return "/etc"
	}

	return filepath.Join(s.ShadowPath(name), "etc")
}

// ParentFile returns the path of the text file recording name's clone
// source.
func (s Store) ParentFile(name string) string {
	return filepath.Join(s.ShadowPath(name), "parent")
}

// RefsFile returns the path of the advisory-lock file backing name's
// reference count.
func (s Store) RefsFile(name string) string {
	return filepath.Join(s.ShadowPath(name), "refs")
}

//go:build linux

package sandboxfs

import (
	"fmt"

	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/hanwen/go-fuse/v2/fuse/nodefs"
	"github.com/hanwen/go-fuse/v2/fuse/pathfs"
)

// Options controls how the filesystem is mounted.
type Options struct {
	// MountPoint is the directory the copy-on-write view is mounted over
	// (a sandbox's /etc).
	MountPoint string

	// ShadowRoot is the real directory backing the view.
	ShadowRoot string

	// AllowOther lets users other than the mount owner access the
	// filesystem; needed since the sandbox is entered by the invoking
	// user, not by whatever account ends up owning the FUSE mount.
	AllowOther bool

	Debugf func(format string, args ...any)
}

// Mount wires a FileSystem into a go-fuse pathfs/nodefs/fuse server stack and
// mounts it; it does not start serving requests. The caller runs the
// returned server's Serve, which blocks until the server's Unmount tears the
// mount down.
func Mount(opts Options) (*fuse.Server, error) {
	cowfs := New(opts.ShadowRoot, opts.Debugf)

	pathNodeFs := pathfs.NewPathNodeFs(cowfs, nil)
	connector := nodefs.NewFileSystemConnector(pathNodeFs.Root(), nodefs.NewOptions())

	mountOpts := &fuse.MountOptions{
		AllowOther: opts.AllowOther,
		Name:       "sandboxfs",
		FsName:     opts.ShadowRoot,
	}

	server, err := fuse.NewServer(connector.RawFS(), opts.MountPoint, mountOpts)
	if err != nil {
		return nil, fmt.Errorf("sandboxfs: mount %s: %w", opts.MountPoint, err)
	}

	return server, nil
}

//go:build linux

// Package sandboxfs implements the per-sandbox copy-on-write filesystem
// mounted over <sandbox-root>/etc.
//
// Its backing store (the "shadow root") is <shadowdir>/etc. Every request
// handler operates on paths relative to that root. Mutating operations
// perform a lazy deep copy (see lazycopy.go) on the target path before
// falling through to the real filesystem, so that a file shared by hard
// link with other sandboxes is only ever privatized on first write.
package sandboxfs

import (
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/hanwen/go-fuse/v2/fuse/nodefs"
	"github.com/hanwen/go-fuse/v2/fuse/pathfs"
	"golang.org/x/sys/unix"
)

// ResolvConfPath is the one path lazy copy never promotes to private: the
// intent is to keep DNS configuration host-global, but the documented effect
// is that writes to resolv.conf from inside a sandbox silently propagate to
// the host. Preserved intentionally; see spec's open questions.
const ResolvConfPath = "/etc/resolv.conf"

// FileSystem is a pathfs.FileSystem that passes read-only operations
// straight through to ShadowRoot, and lazily privatizes a file on first
// mutation.
type FileSystem struct {
	pathfs.FileSystem

	// ShadowRoot is the real directory this filesystem is a view of
	// (<shadow>/etc). All paths handlers receive are relative to it.
	ShadowRoot string

	// Debugf receives diagnostic messages. May be nil.
	Debugf func(format string, args ...any)
}

// New returns a FileSystem rooted at shadowRoot.
func New(shadowRoot string, debugf func(format string, args ...any)) *FileSystem {
	return &FileSystem{
		FileSystem: pathfs.NewDefaultFileSystem(),
		ShadowRoot: shadowRoot,
		Debugf:     debugf,
	}
}

func (fs *FileSystem) real(name string) string {
	return filepath.Join(fs.ShadowRoot, name)
}

func (fs *FileSystem) logf(format string, args ...any) {
	if fs.Debugf != nil {
		fs.Debugf(format, args...)
	}
}

// withCallerIdentity runs fn with the calling thread's fsuid/fsgid switched
// to ctx's owner, for the duration of fn, so permission checks on the shadow
// filesystem are evaluated as the real caller rather than as whatever
// privileged user is running the FUSE server.
func withCallerIdentity(ctx *fuse.Context, fn func() error) error {
	if ctx == nil {
		return fn()
	}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	prevUID := unix.Setfsuid(int(ctx.Owner.Uid))
	prevGID := unix.Setfsgid(int(ctx.Owner.Gid))

	defer func() {
		unix.Setfsuid(prevUID)
		unix.Setfsgid(prevGID)
	}()

	return fn()
}

// --- Read-only passthrough operations ---

func (fs *FileSystem) GetAttr(name string, ctx *fuse.Context) (*fuse.Attr, fuse.Status) {
	var (
		attr   *fuse.Attr
		status fuse.Status
	)

	_ = withCallerIdentity(ctx, func() error {
		var stat unix.Stat_t
		if err := unix.Lstat(fs.real(name), &stat); err != nil {
			status = fuse.ToStatus(err)

			return nil
		}

		attr = &fuse.Attr{}
		attr.FromStat(&stat)
		status = fuse.OK

		return nil
	})

	return attr, status
}

func (fs *FileSystem) Access(name string, mode uint32, ctx *fuse.Context) fuse.Status {
	var status fuse.Status

	_ = withCallerIdentity(ctx, func() error {
		status = fuse.ToStatus(unix.Access(fs.real(name), mode))

		return nil
	})

	return status
}

func (fs *FileSystem) OpenDir(name string, ctx *fuse.Context) ([]fuse.DirEntry, fuse.Status) {
	entries, err := os.ReadDir(fs.real(name))
	if err != nil {
		return nil, fuse.ToStatus(err)
	}

	out := make([]fuse.DirEntry, 0, len(entries))

	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}

		out = append(out, fuse.DirEntry{Name: e.Name(), Mode: uint32(info.Mode())})
	}

	return out, fuse.OK
}

func (fs *FileSystem) Readlink(name string, ctx *fuse.Context) (string, fuse.Status) {
	target, err := os.Readlink(fs.real(name))
	if err != nil {
		return "", fuse.ToStatus(err)
	}

	return target, fuse.OK
}

func (fs *FileSystem) StatFs(name string) *fuse.StatfsOut {
	var stat unix.Statfs_t
	if err := unix.Statfs(fs.real(name), &stat); err != nil {
		return nil
	}

	out := &fuse.StatfsOut{}
	out.Blocks = stat.Blocks
	out.Bfree = stat.Bfree
	out.Bavail = stat.Bavail
	out.Files = stat.Files
	out.Ffree = stat.Ffree
	out.Bsize = uint32(stat.Bsize)
	out.NameLen = uint32(stat.Namelen)

	return out
}

func (fs *FileSystem) Open(name string, flags uint32, ctx *fuse.Context) (nodefs.File, fuse.Status) {
	if isMutatingOpenFlags(flags) {
		if err := fs.promote(name); err != nil {
			fs.logf("sandboxfs: promote on open %s: %v", name, err)

			return nil, fuse.ToStatus(err)
		}
	}

	f, err := os.OpenFile(fs.real(name), int(flags), 0)
	if err != nil {
		return nil, fuse.ToStatus(err)
	}

	return nodefs.NewLoopbackFile(f), fuse.OK
}

// --- Mutating operations: lazy deep copy, then passthrough ---

func (fs *FileSystem) Chmod(name string, mode uint32, ctx *fuse.Context) fuse.Status {
	if err := fs.promote(name); err != nil {
		return fuse.ToStatus(err)
	}

	return fuse.ToStatus(os.Chmod(fs.real(name), os.FileMode(mode).Perm()))
}

func (fs *FileSystem) Chown(name string, uid, gid uint32, ctx *fuse.Context) fuse.Status {
	if err := fs.promote(name); err != nil {
		return fuse.ToStatus(err)
	}

	return fuse.ToStatus(os.Lchown(fs.real(name), int(uid), int(gid)))
}

func (fs *FileSystem) Truncate(name string, size uint64, ctx *fuse.Context) fuse.Status {
	if err := fs.promote(name); err != nil {
		return fuse.ToStatus(err)
	}

	return fuse.ToStatus(os.Truncate(fs.real(name), int64(size)))
}

func (fs *FileSystem) Rename(oldName, newName string, ctx *fuse.Context) fuse.Status {
	if err := fs.promote(oldName); err != nil {
		return fuse.ToStatus(err)
	}

	return fuse.ToStatus(os.Rename(fs.real(oldName), fs.real(newName)))
}

func (fs *FileSystem) Utimens(name string, atime, mtime *time.Time, ctx *fuse.Context) fuse.Status {
	if err := fs.promote(name); err != nil {
		return fuse.ToStatus(err)
	}

	at := timeOrNow(atime)
	mt := timeOrNow(mtime)

	times := []unix.Timespec{unix.NsecToTimespec(at.UnixNano()), unix.NsecToTimespec(mt.UnixNano())}

	return fuse.ToStatus(unix.UtimesNanoAt(unix.AT_FDCWD, fs.real(name), times, unix.AT_SYMLINK_NOFOLLOW))
}

func timeOrNow(t *time.Time) time.Time {
	if t == nil {
		return time.Now()
	}

	return *t
}

// --- Creation operations: no deep copy required, the path is new ---

func (fs *FileSystem) Create(name string, flags uint32, mode uint32, ctx *fuse.Context) (nodefs.File, fuse.Status) {
	f, err := os.OpenFile(fs.real(name), int(flags)|os.O_CREATE, os.FileMode(mode).Perm())
	if err != nil {
		return nil, fuse.ToStatus(err)
	}

	return nodefs.NewLoopbackFile(f), fuse.OK
}

func (fs *FileSystem) Mknod(name string, mode uint32, dev uint32, ctx *fuse.Context) fuse.Status {
	return fuse.ToStatus(unix.Mknod(fs.real(name), mode, int(dev)))
}

func (fs *FileSystem) Mkdir(name string, mode uint32, ctx *fuse.Context) fuse.Status {
	return fuse.ToStatus(os.Mkdir(fs.real(name), os.FileMode(mode).Perm()))
}

func (fs *FileSystem) Symlink(value, linkName string, ctx *fuse.Context) fuse.Status {
	return fuse.ToStatus(os.Symlink(value, fs.real(linkName)))
}

func (fs *FileSystem) Link(oldName, newName string, ctx *fuse.Context) fuse.Status {
	return fuse.ToStatus(os.Link(fs.real(oldName), fs.real(newName)))
}

func isMutatingOpenFlags(flags uint32) bool {
	accmode := int(flags) & unix.O_ACCMODE

	return accmode == unix.O_WRONLY || accmode == unix.O_RDWR || int(flags)&unix.O_TRUNC != 0
}

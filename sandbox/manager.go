//go:build linux

package sandbox

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/devstructure/sandbox/internal/breakout"
	"github.com/devstructure/sandbox/internal/mountutil"
	"github.com/devstructure/sandbox/internal/refcount"
	"github.com/devstructure/sandbox/internal/replicate"
)

var (
	// ErrNotFound is returned when a named sandbox does not exist. Wrapped
	// with "sandbox %s %w" at each call site to reproduce the original
	// CLI's diagnostic text ("sandbox <name> does not exist") verbatim.
	ErrNotFound = errors.New("does not exist")
	// ErrExists is returned when a clone/create destination already
	// exists, wrapped the same way to read "sandbox <name> exists".
	ErrExists = errors.New("exists")
	// ErrInvalidName is returned for a name failing ValidName.
	ErrInvalidName = errors.New("sandbox: invalid name")
	// ErrRefusedBase is returned when an operation refuses to target the
	// base sandbox; its text matches the original CLI's message verbatim.
	ErrRefusedBase = errors.New("won't destroy the base sandbox")
	// ErrRefusedCurrent is returned when destroy targets the
	// currently-inhabited sandbox; its text matches the original CLI's
	// message verbatim.
	ErrRefusedCurrent = errors.New("won't destroy the current sandbox")
	// ErrPermission is returned when the caller lacks the privilege an
	// operation requires (the CLI frontend checks this before dispatch).
	ErrPermission = errors.New("sandbox: permission denied")
)

// BreakoutFunc escapes any chroot the calling process is in, returning the
// name of the sandbox it was running in (BaseName if already at the real
// root). Exists so tests can stub chroot escape without actually calling it.
type BreakoutFunc func() (string, error)

// Manager implements the sandbox lifecycle operations described in the data
// model: validation, existence, enumeration, creation by clone, and
// destruction. Use (entering a sandbox) lives in use.go.
type Manager struct {
	Store Store

	// Breakout defaults to breakout.Breakout.
	Breakout BreakoutFunc

	// Forks is the subtree-replication fan-out; DefaultForks if zero.
	Forks int

	// MarkerGID is the group ID Mark chgrps a file to; MarkerGID (the
	// package constant) if zero.
	MarkerGID int

	// FUSEAllowOther controls whether sandboxfsd is mounted with
	// -oallow_other. Defaults to true (the spec's documented mount
	// option) when the Manager is constructed via New; a caller building
	// a Manager by hand gets the Go zero value (false) unless it sets
	// this explicitly.
	FUSEAllowOther bool

	// Warnf receives best-effort diagnostics; Debugf is accepted but no
	// Manager operation writes to it. Either may be nil.
	Warnf  func(format string, args ...any)
	Debugf func(format string, args ...any)
}

// New returns a Manager rooted at storeRoot with the real chroot-escape
// implementation wired in.
func New(storeRoot string) *Manager {
	return &Manager{
		Store:          Store{Root: storeRoot},
		Breakout:       breakout.Breakout,
		Forks:          DefaultForks,
		MarkerGID:      MarkerGID,
		FUSEAllowOther: true,
	}
}

func (m *Manager) forks() int {
	if m.Forks == 0 {
		return DefaultForks
	}

	return m.Forks
}

func (m *Manager) markerGID() int {
	if m.MarkerGID == 0 {
		return MarkerGID
	}

	return m.MarkerGID
}

func (m *Manager) warnf(format string, args ...any) {
	if m.Warnf != nil {
		m.Warnf(format, args...)
	}
}

func (m *Manager) debugf(format string, args ...any) {
	if m.Debugf != nil {
		m.Debugf(format, args...)
	}
}

func (m *Manager) breakout() (string, error) {
	if m.Breakout != nil {
		return m.Breakout()
	}

	return breakout.Breakout()
}

// Exists reports whether name is a materialized sandbox, and the root path
// it resolves to regardless of whether it exists.
func (m *Manager) Exists(name string) (bool, string) {
	path := m.Store.RootPath(name)

	if name == BaseName {
		return true, path
	}

	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return false, path
	}

	return true, path
}

// List breaks out to the real root and returns every sandbox name found
// under the store, sorted, excluding shadow directories (those whose first
// character is '.').
func (m *Manager) List() ([]string, error) {
	if _, err := m.breakout(); err != nil {
		return nil, fmt.Errorf("sandbox: list: %w", err)
	}

	entries, err := os.ReadDir(m.Store.Root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("sandbox: list: %w", err)
	}

	names := make([]string, 0, len(entries))

	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") {
			continue
		}

		names = append(names, e.Name())
	}

	sort.Strings(names)

	return names, nil
}

// Which breaks out and returns the name of the sandbox the caller was
// running in (BaseName if already at the real root).
func (m *Manager) Which() (string, error) {
	name, err := m.breakout()
	if err != nil {
		return "", fmt.Errorf("sandbox: which: %w", err)
	}

	return name, nil
}

// Create clones the current sandbox (wherever the caller is running) into a
// new sandbox named dest.
func (m *Manager) Create(dest string) error {
	return m.clone("", dest)
}

// Clone clones src (or, if empty, the current sandbox) into dest.
func (m *Manager) Clone(src, dest string) error {
	return m.clone(src, dest)
}

func (m *Manager) clone(src, dest string) error {
	current, err := m.breakout()
	if err != nil {
		return fmt.Errorf("sandbox: clone: %w", err)
	}

	if src == "" {
		src = current
	}

	if !ValidName(src) {
		return fmt.Errorf("%w: %q", ErrInvalidName, src)
	}

	if !ValidName(dest) {
		return fmt.Errorf("%w: %q", ErrInvalidName, dest)
	}

	srcExists, srcPath := m.Exists(src)
	if !srcExists {
		return fmt.Errorf("sandbox %s %w", src, ErrNotFound)
	}

	if destExists, _ := m.Exists(dest); destExists {
		return fmt.Errorf("sandbox %s %w", dest, ErrExists)
	}

	if err := os.MkdirAll(m.Store.Root, 0o755); err != nil {
		return fmt.Errorf("sandbox: clone: %w", err)
	}

	destPath := m.Store.RootPath(dest)

	rootDev, err := mountutil.DeviceOf(srcPath)
	if err != nil {
		return fmt.Errorf("sandbox: clone: %w", err)
	}

	exclude := []string{
		filepath.Join(srcPath, "etc"),
		filepath.Join(srcPath, "var", "sandboxes"),
		filepath.Join(srcPath, "root"),
		filepath.Join(srcPath, "home"),
	}

	if err := replicate.ShallowCopy(srcPath, destPath, rootDev, exclude, replicate.Warnf(m.warnf), m.forks()); err != nil {
		return fmt.Errorf("sandbox: clone: shallow copy root: %w", err)
	}

	if err := os.Mkdir(filepath.Join(destPath, "etc"), 0o755); err != nil && !os.IsExist(err) {
		return fmt.Errorf("sandbox: clone: mkdir etc mountpoint: %w", err)
	}

	destShadow := m.Store.ShadowPath(dest)
	if err := os.MkdirAll(destShadow, 0o700); err != nil {
		return fmt.Errorf("sandbox: clone: mkdir shadow: %w", err)
	}

	srcShadowEtc := m.Store.ShadowEtcPath(src)

	etcDev, err := mountutil.DeviceOf(srcShadowEtc)
	if err != nil {
		return fmt.Errorf("sandbox: clone: %w", err)
	}

	if err := replicate.ShallowCopy(srcShadowEtc, m.Store.ShadowEtcPath(dest), etcDev, nil, replicate.Warnf(m.warnf), m.forks()); err != nil {
		return fmt.Errorf("sandbox: clone: shallow copy shadow etc: %w", err)
	}

	if err := replicate.DeepCopy(filepath.Join(srcPath, "root"), filepath.Join(destPath, "root"), nil, replicate.Warnf(m.warnf), m.forks()); err != nil {
		return fmt.Errorf("sandbox: clone: deep copy /root: %w", err)
	}

	if err := replicate.DeepCopy(filepath.Join(srcPath, "home"), filepath.Join(destPath, "home"), nil, replicate.Warnf(m.warnf), m.forks()); err != nil {
		return fmt.Errorf("sandbox: clone: deep copy /home: %w", err)
	}

	parent := ""
	if src != BaseName {
		parent = src + "\n"
	}

	if err := os.WriteFile(m.Store.ParentFile(dest), []byte(parent), 0o644); err != nil {
		return fmt.Errorf("sandbox: clone: write parent: %w", err)
	}

	return nil
}

// Destroy breaks out, refuses to act on the base sandbox or the one the
// caller is currently running in, unmounts a still-mounted FUSE /etc if
// present, and recursively removes the sandbox's shadow and root.
func (m *Manager) Destroy(name string) error {
	current, err := m.breakout()
	if err != nil {
		return fmt.Errorf("sandbox: destroy: %w", err)
	}

	if name == BaseName {
		return fmt.Errorf("sandbox: destroy: %w", ErrRefusedBase)
	}

	if name == current {
		return fmt.Errorf("sandbox: destroy: %w", ErrRefusedCurrent)
	}

	exists, rootPath := m.Exists(name)
	if !exists {
		return fmt.Errorf("sandbox %s %w", name, ErrNotFound)
	}

	rootDev, err := mountutil.DeviceOf(rootPath)
	if err != nil {
		return fmt.Errorf("sandbox: destroy: %w", err)
	}

	etcPath := filepath.Join(rootPath, "etc")
	if etcDev, err := mountutil.DeviceOf(etcPath); err == nil && etcDev != rootDev {
		if err := unmountSynchronously(etcPath); err != nil {
			m.warnf("sandbox: destroy: unmount %s: %v", etcPath, err)
		}
	}

	shadowPath := m.Store.ShadowPath(name)
	if _, err := os.Lstat(shadowPath); err == nil {
		if err := removeTree(shadowPath, rootDev, m.warnf); err != nil {
			return fmt.Errorf("sandbox: destroy: remove shadow: %w", err)
		}
	}

	if err := removeTree(rootPath, rootDev, m.warnf); err != nil {
		return fmt.Errorf("sandbox: destroy: remove root: %w", err)
	}

	return nil
}

// Mark opens name non-interactively ("use but return"), forces a deep copy
// of path, chgrps it to MarkerGID, and grants group-write. name may be
// empty to mean the current sandbox.
func (m *Manager) Mark(name, path string) error {
	current, err := m.breakout()
	if err != nil {
		return fmt.Errorf("sandbox: mark: %w", err)
	}

	if name == "" {
		name = current
	}

	exists, rootPath := m.Exists(name)
	if !exists {
		return fmt.Errorf("sandbox %s %w", name, ErrNotFound)
	}

	if name != BaseName {
		ref, err := refcount.Increment(m.Store.RefsFile(name))
		if err != nil {
			return fmt.Errorf("sandbox: mark: %w", err)
		}

		defer ref.Release()
	}

	if err := enterChroot(rootPath); err != nil {
		return fmt.Errorf("sandbox: mark: %w", err)
	}

	markErr := forceMark(path, m.markerGID(), m.warnf)

	if _, err := m.breakout(); err != nil {
		return fmt.Errorf("sandbox: mark: returning from chroot: %w", err)
	}

	return markErr
}

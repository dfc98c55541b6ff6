//go:build linux

package sandbox

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/devstructure/sandbox/internal/mountutil"
	"github.com/devstructure/sandbox/internal/refcount"
	"github.com/devstructure/sandbox/internal/replicate"
	"github.com/devstructure/sandbox/services"
)

// UseOptions configures a single Use invocation.
type UseOptions struct {
	// Name is the sandbox to enter.
	Name string
	// Command, if set, is run as "/bin/sh -c <command>" instead of an
	// interactive shell.
	Command string
	// Callback, if set, is run as "/bin/sh -c <callback>" after Command,
	// also privilege-downgraded, and its exit status is not reflected in
	// Use's return value.
	Callback string

	Env    []string
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

func getenv(env []string, name string) string {
	for _, kv := range env {
		if k, v, ok := splitEnv(kv); ok && k == name {
			return v
		}
	}

	return ""
}

// Use implements the full sandbox-entry algorithm: it increments the
// reference count, repairs lost device mounts and the FUSE overlay if
// needed, forwards the SSH agent socket, chroots, runs the payload command
// (or an interactive shell) with privileges downgraded to the invoking
// user, runs an optional callback, offers to stop any sandbox-only services
// left running, and unwinds in reverse, removing the forwarded SSH-agent
// link if this was the last concurrent user.
//
// It returns the payload's exit status, or a non-zero lifecycle error code
// with err set if Use itself failed before a payload could run.
func (m *Manager) Use(opts UseOptions) (int, error) {
	currentName, err := m.breakout()
	if err != nil {
		return 1, fmt.Errorf("sandbox: use: %w", err)
	}

	exists, rootPath := m.Exists(opts.Name)
	if !exists {
		return 1, fmt.Errorf("sandbox %s %w", opts.Name, ErrNotFound)
	}

	isBase := opts.Name == BaseName

	var ref *refcount.Handle
	if !isBase {
		ref, err = refcount.Increment(m.Store.RefsFile(opts.Name))
		if err != nil {
			return 1, fmt.Errorf("sandbox: use: refcount: %w", err)
		}
	}

	// sshAgentSockPath/sshAgentSockDir are the forwarded socket's path as
	// seen *inside* the sandbox (e.g. "/tmp/ssh-X/agent.1"), not the
	// pre-chroot host path forwardSSHAgent used to create the link.
	// cleanup runs after unix.Chroot(rootPath) below, which this function
	// never reverses, so by the time it fires the process root already is
	// rootPath and the in-sandbox-relative path is what must be removed.
	// The one exception is a failed chroot: that path rewrites both to their
	// host location under rootPath before returning.
	var sshAgentSockPath, sshAgentSockDir string

	cleanup := func() {
		if sshAgentSockPath != "" {
			if ref != nil {
				if last, err := ref.IsLastUser(); err == nil && last {
					os.Remove(sshAgentSockPath)
					os.Remove(sshAgentSockDir)
				}
			} else {
				os.Remove(sshAgentSockPath)
				os.Remove(sshAgentSockDir)
			}
		}

		if ref != nil {
			if err := ref.Release(); err != nil {
				m.warnf("sandbox: use: release refcount: %v", err)
			}
		}
	}
	defer cleanup()

	home := getenv(opts.Env, "HOME")
	if home != "" {
		target := filepath.Join(rootPath, home)
		if _, err := os.Stat(target); os.IsNotExist(err) {
			if err := replicate.DeepCopy(home, target, nil, replicate.Warnf(m.warnf), m.forks()); err != nil {
				m.warnf("sandbox: use: deep copy HOME %s: %v", home, err)
			}
		}
	}

	if err := m.rebindDeviceIfLost(rootPath); err != nil {
		m.warnf("sandbox: use: device rebind: %v", err)
	}

	if !isBase {
		if err := m.mountFUSEIfLost(opts.Name, rootPath); err != nil {
			return 1, fmt.Errorf("sandbox: use: fuse mount: %w", err)
		}
	}

	if sock := getenv(opts.Env, "SSH_AUTH_SOCK"); sock != "" {
		if _, _, err := m.forwardSSHAgent(sock, currentName, opts.Name, rootPath); err != nil {
			m.warnf("sandbox: use: ssh-agent forwarding: %v", err)
		} else {
			sshAgentSockPath, sshAgentSockDir = sock, filepath.Dir(sock)
		}
	}

	interactive := opts.Command == ""

	var serviceSnapshot services.Snapshot
	serviceDirs := []string{"/etc/init", "/etc/init.d"}

	if interactive {
		serviceSnapshot, err = services.List(serviceDirs)
		if err != nil {
			m.warnf("sandbox: use: service snapshot: %v", err)
		}
	}

	if err := unix.Chroot(rootPath); err != nil {
		if sshAgentSockPath != "" {
			sshAgentSockPath = filepath.Join(rootPath, sshAgentSockPath)
			sshAgentSockDir = filepath.Join(rootPath, sshAgentSockDir)
		}

		return 1, fmt.Errorf("sandbox: use: chroot %s: %w", rootPath, err)
	}

	chdirTo := "/"
	if home != "" {
		chdirTo = home
	}

	if err := unix.Chdir(chdirTo); err != nil {
		if err2 := unix.Chdir("/"); err2 != nil {
			return 1, fmt.Errorf("sandbox: use: chdir: %w", err)
		}
	}

	env := append([]string{}, opts.Env...)
	env = append(env, "SANDBOX="+opts.Name)

	status, runErr := m.runPayload(opts, env)
	if runErr != nil {
		m.warnf("sandbox: use: payload: %v", runErr)
	}

	if opts.Callback != "" {
		if _, err := m.runDetachedShell(opts.Callback, env, opts.Stdin, opts.Stdout, opts.Stderr); err != nil {
			m.warnf("sandbox: use: callback: %v", err)
		}
	}

	if interactive {
		if err := services.Stop(context.Background(), serviceDirs, serviceSnapshot, services.NewRunner(), opts.Stderr, opts.Stdin); err != nil {
			m.warnf("sandbox: use: services stop: %v", err)
		}
	}

	return status, nil
}

func (m *Manager) runPayload(opts UseOptions, env []string) (int, error) {
	shell := getenv(env, "SHELL")
	if shell == "" {
		shell = "/bin/sh"
	}

	var argv []string
	if opts.Command != "" {
		argv = []string{"/bin/sh", "-c", opts.Command}
	} else {
		argv = []string{shell, "-i", "-l"}
	}

	return m.runDetachedShell2(argv, env, opts.Stdin, opts.Stdout, opts.Stderr)
}

func (m *Manager) runDetachedShell(command string, env []string, stdin io.Reader, stdout, stderr io.Writer) (int, error) {
	return m.runDetachedShell2([]string{"/bin/sh", "-c", command}, env, stdin, stdout, stderr)
}

func (m *Manager) runDetachedShell2(argv []string, env []string, stdin io.Reader, stdout, stderr io.Writer) (int, error) {
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdin = stdin
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if cred, username, ok := downgradeCredential(env); ok {
		cmd.SysProcAttr = &syscall.SysProcAttr{Credential: &cred}
		env = withDowngradedUser(env, username)
	}

	cmd.Env = env

	err := cmd.Run()
	if err == nil {
		return 0, nil
	}

	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode(), nil
	}

	return 1, err
}

// rebindDeviceIfLost re-establishes the sandbox's bind mounts when /dev
// shares a device with the sandbox root, which happens whenever the host
// has rebooted since the sandbox's mounts were last set up.
func (m *Manager) rebindDeviceIfLost(rootPath string) error {
	rootDev, err := mountutil.DeviceOf(rootPath)
	if err != nil {
		return err
	}

	devDev, err := mountutil.DeviceOf(filepath.Join(rootPath, "dev"))
	if err != nil {
		return err
	}

	if devDev != rootDev {
		return nil
	}

	exclude := []string{
		filepath.Join(rootPath, "var", "sandboxes"),
		filepath.Join(rootPath, "root"),
		filepath.Join(rootPath, "home"),
	}

	hostDev, err := mountutil.DeviceOf("/")
	if err != nil {
		return err
	}

	return replicate.ShallowCopy("/", rootPath, hostDev, exclude, replicate.Warnf(m.warnf), m.forks())
}

// mountFUSEIfLost fork-execs the COW filesystem server onto <rootPath>/etc
// when that directory currently shares a device with the sandbox root,
// meaning no FUSE server is presently serving it.
func (m *Manager) mountFUSEIfLost(name, rootPath string) error {
	rootDev, err := mountutil.DeviceOf(rootPath)
	if err != nil {
		return err
	}

	etcPath := filepath.Join(rootPath, "etc")

	etcDev, err := mountutil.DeviceOf(etcPath)
	if err != nil {
		return err
	}

	if etcDev != rootDev {
		return nil
	}

	helper, err := sandboxfsdPath()
	if err != nil {
		return fmt.Errorf("locating sandboxfsd: %w", err)
	}

	cmd := exec.Command(helper,
		"--mountpoint", etcPath,
		"--shadow", m.Store.ShadowEtcPath(name),
		fmt.Sprintf("--allow-other=%t", m.FUSEAllowOther))

	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting sandboxfsd: %w", err)
	}

	return waitForMount(etcPath, rootDev, 2*time.Second)
}

// sandboxfsdPath locates the sandboxfsd helper binary: first beside whatever
// binary is currently running (the common case when sandboxctl and
// sandboxfsd are installed together in one directory), falling back to
// $PATH for installs that keep them separate.
func sandboxfsdPath() (string, error) {
	if self, err := os.Executable(); err == nil {
		candidate := filepath.Join(filepath.Dir(self), "sandboxfsd")
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}

	return exec.LookPath("sandboxfsd")
}

// waitForMount polls etcPath's device until it differs from baselineDev
// (the FUSE server has taken over the mountpoint) or timeout elapses.
func waitForMount(etcPath string, baselineDev uint64, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	for {
		dev, err := mountutil.DeviceOf(etcPath)
		if err == nil && dev != baselineDev {
			return nil
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("sandboxfsd did not mount %s within %s", etcPath, timeout)
		}

		time.Sleep(20 * time.Millisecond)
	}
}

// forwardSSHAgent hard-links the real SSH_AUTH_SOCK into the target
// sandbox's filesystem at the same socket path, so a forwarded agent
// socket remains reachable after chroot. sockPath is the literal value of
// SSH_AUTH_SOCK; the real socket is looked up at that path when currentName
// is base, and under the store root of currentName otherwise, since this
// runs from the real root before the chroot.
func (m *Manager) forwardSSHAgent(sockPath, currentName, destName, destRoot string) (link, dir string, err error) {
	realPath := sockPath
	if currentName != BaseName {
		realPath = filepath.Join(m.Store.RootPath(currentName), sockPath)
	}

	var stat unix.Stat_t
	if err := unix.Lstat(realPath, &stat); err != nil {
		return "", "", fmt.Errorf("locating ssh-agent socket %s: %w", realPath, err)
	}

	link = filepath.Join(destRoot, sockPath)
	dir = filepath.Dir(link)

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", "", err
	}

	if err := os.Lchown(dir, int(stat.Uid), int(stat.Gid)); err != nil {
		return "", "", err
	}

	if err := os.Link(realPath, link); err != nil && !os.IsExist(err) {
		return "", "", err
	}

	return link, dir, nil
}

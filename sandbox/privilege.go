//go:build linux

package sandbox

import (
	"os"
	"strconv"
	"syscall"
)

// downgradeCredential, when the process was invoked through sudo, returns
// the syscall.Credential of the original unprivileged caller and the
// LOGNAME/USER/USERNAME value to export, so payload commands run as the
// invoking user rather than as root. ok is false when not running under
// sudo, in which case the caller should leave SysProcAttr.Credential unset.
func downgradeCredential(env []string) (cred syscall.Credential, username string, ok bool) {
	lookup := func(name string) string {
		for _, kv := range env {
			if k, v, found := splitEnv(kv); found && k == name {
				return v
			}
		}

		return os.Getenv(name)
	}

	uidStr := lookup("SUDO_UID")
	gidStr := lookup("SUDO_GID")
	username = lookup("SUDO_USER")

	if uidStr == "" || gidStr == "" {
		return syscall.Credential{}, "", false
	}

	uid, err := strconv.ParseUint(uidStr, 10, 32)
	if err != nil {
		return syscall.Credential{}, "", false
	}

	gid, err := strconv.ParseUint(gidStr, 10, 32)
	if err != nil {
		return syscall.Credential{}, "", false
	}

	return syscall.Credential{Uid: uint32(uid), Gid: uint32(gid)}, username, true
}

func splitEnv(kv string) (key, value string, ok bool) {
	for i := range kv {
		if kv[i] == '=' {
			return kv[:i], kv[i+1:], true
		}
	}

	return "", "", false
}

// withDowngradedUser returns env with LOGNAME, USER, and USERNAME set to
// username, replacing any existing values.
func withDowngradedUser(env []string, username string) []string {
	out := make([]string, 0, len(env)+3)

	for _, kv := range env {
		k, _, found := splitEnv(kv)
		if found && (k == "LOGNAME" || k == "USER" || k == "USERNAME") {
			continue
		}

		out = append(out, kv)
	}

	return append(out, "LOGNAME="+username, "USER="+username, "USERNAME="+username)
}

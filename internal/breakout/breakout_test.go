//go:build linux

package breakout

import (
	"os"
	"testing"
)

// TestBreakoutAtRealRoot exercises Breakout from the real root, where it
// should report BaseName and leave the process at "/". This needs
// CAP_SYS_CHROOT, so it is skipped unless running as root.
func TestBreakoutAtRealRoot(t *testing.T) {
	if os.Geteuid() != 0 {
		t.Skip("breakout requires CAP_SYS_CHROOT")
	}

	name, err := Breakout()
	if err != nil {
		t.Fatalf("Breakout: %v", err)
	}

	if name != BaseName {
		t.Fatalf("name = %q, want %q", name, BaseName)
	}

	cwd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}

	if cwd != "/" {
		t.Fatalf("cwd after breakout = %q, want /", cwd)
	}
}

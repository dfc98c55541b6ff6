//go:build linux

package mountutil

import (
	"os"
	"testing"
)

func TestMountUnmountRequiresRoot(t *testing.T) {
	if os.Geteuid() != 0 {
		t.Skip("bind mounts require root")
	}

	src := t.TempDir()
	dest := t.TempDir()

	dev, err := DeviceOf(src)
	if err != nil {
		t.Fatal(err)
	}

	if err := Mount(src, dest, dev); err != nil {
		t.Fatalf("Mount: %v", err)
	}

	if err := Unmount(dest, dev); err != nil {
		t.Fatalf("Unmount: %v", err)
	}
}

func TestDeviceOfMatchesSameFilesystem(t *testing.T) {
	a := t.TempDir()
	b := t.TempDir()

	devA, err := DeviceOf(a)
	if err != nil {
		t.Fatal(err)
	}

	devB, err := DeviceOf(b)
	if err != nil {
		t.Fatal(err)
	}

	if devA != devB {
		t.Fatalf("expected tempdirs on same device, got %d and %d", devA, devB)
	}
}

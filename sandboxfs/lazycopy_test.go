//go:build linux

package sandboxfs

import (
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/sys/unix"
)

func TestPromoteLeavesPrivateFileAlone(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "passwd")

	if err := os.WriteFile(path, []byte("root:x:0:0\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	fs := New(root, nil)

	var before unix.Stat_t
	if err := unix.Lstat(path, &before); err != nil {
		t.Fatal(err)
	}

	if err := fs.promote("passwd"); err != nil {
		t.Fatalf("promote: %v", err)
	}

	var after unix.Stat_t
	if err := unix.Lstat(path, &after); err != nil {
		t.Fatal(err)
	}

	if before.Ino != after.Ino {
		t.Errorf("promote rewrote an already-private file: ino %d -> %d", before.Ino, after.Ino)
	}
}

func TestPromotePrivatizesSharedFile(t *testing.T) {
	root := t.TempDir()
	shared := filepath.Join(root, "group")
	other := filepath.Join(t.TempDir(), "group-elsewhere")

	if err := os.WriteFile(shared, []byte("users:x:100:\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := os.Link(shared, other); err != nil {
		t.Fatal(err)
	}

	fs := New(root, nil)

	var before unix.Stat_t
	if err := unix.Lstat(shared, &before); err != nil {
		t.Fatal(err)
	}
	if before.Nlink < 2 {
		t.Fatalf("setup failed: nlink = %d, want >= 2", before.Nlink)
	}

	if err := fs.promote("group"); err != nil {
		t.Fatalf("promote: %v", err)
	}

	var after unix.Stat_t
	if err := unix.Lstat(shared, &after); err != nil {
		t.Fatal(err)
	}

	if after.Nlink != 1 {
		t.Errorf("promoted file still has nlink %d, want 1", after.Nlink)
	}

	if before.Ino == after.Ino {
		t.Errorf("promote kept the same inode %d, want a new one", before.Ino)
	}

	content, err := os.ReadFile(shared)
	if err != nil {
		t.Fatal(err)
	}
	if string(content) != "users:x:100:\n" {
		t.Errorf("content = %q after promote, want preserved", content)
	}

	otherContent, err := os.ReadFile(other)
	if err != nil {
		t.Fatal(err)
	}
	if string(otherContent) != "users:x:100:\n" {
		t.Errorf("the other hard link's content changed: %q", otherContent)
	}
}

func TestPromoteIgnoresMultiplyLinkedDirectory(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "subdir")

	if err := os.Mkdir(dir, 0o755); err != nil {
		t.Fatal(err)
	}

	fs := New(root, nil)

	var before unix.Stat_t
	if err := unix.Lstat(dir, &before); err != nil {
		t.Fatal(err)
	}

	if err := fs.promote("subdir"); err != nil {
		t.Fatalf("promote: %v", err)
	}

	var after unix.Stat_t
	if err := unix.Lstat(dir, &after); err != nil {
		t.Fatal(err)
	}

	if before.Ino != after.Ino {
		t.Error("promote rewrote a directory; directories are never deep-copied")
	}
}

func TestPromoteSkipsResolvConf(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "resolv.conf")
	other := filepath.Join(t.TempDir(), "resolv.conf-elsewhere")

	if err := os.WriteFile(path, []byte("nameserver 1.1.1.1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Link(path, other); err != nil {
		t.Fatal(err)
	}

	fs := New(root, nil)

	var before unix.Stat_t
	if err := unix.Lstat(path, &before); err != nil {
		t.Fatal(err)
	}

	if err := fs.promote("resolv.conf"); err != nil {
		t.Fatalf("promote: %v", err)
	}

	var after unix.Stat_t
	if err := unix.Lstat(path, &after); err != nil {
		t.Fatal(err)
	}

	if before.Ino != after.Ino {
		t.Error("promote privatized resolv.conf, it should stay shared")
	}
}

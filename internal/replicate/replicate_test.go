//go:build linux

package replicate

import (
	"os"
	"path/filepath"
	"testing"
)

func setupTree(t *testing.T) string {
	t.Helper()

	root := t.TempDir()

	if err := os.MkdirAll(filepath.Join(root, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(filepath.Join(root, "file"), []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(filepath.Join(root, "sub", "nested"), []byte("world"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := os.Symlink("file", filepath.Join(root, "link")); err != nil {
		t.Fatal(err)
	}

	return root
}

func TestShallowCopySharesInodes(t *testing.T) {
	root := setupTree(t)
	dest := root + ".dest"

	if err := os.Mkdir(dest, 0o755); err != nil {
		t.Fatal(err)
	}

	dev, err := deviceOfPath(t, root)
	if err != nil {
		t.Fatal(err)
	}

	if err := ShallowCopy(root, dest, dev, nil, nil); err != nil {
		t.Fatal(err)
	}

	srcInfo, err := os.Stat(filepath.Join(root, "file"))
	if err != nil {
		t.Fatal(err)
	}

	destInfo, err := os.Stat(filepath.Join(dest, "file"))
	if err != nil {
		t.Fatal(err)
	}

	if !os.SameFile(srcInfo, destInfo) {
		t.Error("expected shallow copy to hard-link regular files")
	}

	if _, err := os.Lstat(filepath.Join(dest, "sub", "nested")); err != nil {
		t.Errorf("expected nested file to exist: %v", err)
	}

	if _, err := os.Lstat(filepath.Join(dest, "link")); err != nil {
		t.Errorf("expected symlink entry to exist: %v", err)
	}
}

func TestDeepCopyAllocatesNewInodes(t *testing.T) {
	root := setupTree(t)
	dest := root + ".deep"

	if err := os.Mkdir(dest, 0o755); err != nil {
		t.Fatal(err)
	}

	if err := DeepCopy(root, dest, nil, nil); err != nil {
		t.Fatal(err)
	}

	srcInfo, err := os.Stat(filepath.Join(root, "file"))
	if err != nil {
		t.Fatal(err)
	}

	destInfo, err := os.Stat(filepath.Join(dest, "file"))
	if err != nil {
		t.Fatal(err)
	}

	if os.SameFile(srcInfo, destInfo) {
		t.Error("expected deep copy to allocate a new inode")
	}

	content, err := os.ReadFile(filepath.Join(dest, "file"))
	if err != nil {
		t.Fatal(err)
	}

	if string(content) != "hello" {
		t.Errorf("content = %q, want hello", content)
	}

	target, err := os.Readlink(filepath.Join(dest, "link"))
	if err != nil {
		t.Fatal(err)
	}

	if target != "file" {
		t.Errorf("link target = %q, want file", target)
	}
}

func TestIsSSHAgentSocket(t *testing.T) {
	cases := map[string]bool{
		"/tmp/ssh-ABC123/agent.4821": true,
		"/tmp/ssh-ABC123/other":      false,
		"/tmp/agent.4821":            false,
		"/var/tmp/ssh-x/agent.1":     false,
	}

	for path, want := range cases {
		if got := isSSHAgentSocket(path); got != want {
			t.Errorf("isSSHAgentSocket(%q) = %v, want %v", path, got, want)
		}
	}
}

func deviceOfPath(t *testing.T, path string) (uint64, error) {
	t.Helper()

	info, err := os.Lstat(path)
	if err != nil {
		return 0, err
	}

	dev, ok := deviceOf(info)
	if !ok {
		t.Fatal("no device info available")
	}

	return dev, nil
}

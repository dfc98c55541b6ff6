//go:build linux

package refcount

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

func TestIncrementThenLastUser(t *testing.T) {
	path := filepath.Join(t.TempDir(), "refs")

	h, err := Increment(path)
	if err != nil {
		t.Fatalf("Increment: %v", err)
	}

	last, err := h.IsLastUser()
	if err != nil {
		t.Fatalf("IsLastUser: %v", err)
	}

	if !last {
		t.Fatal("sole holder should be reported as last user")
	}

	if err := h.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
}

// holdSharedEnv, when set in a re-executed test binary, names a refs file
// that process holds a shared lock on until its stdin is closed.
const holdSharedEnv = "REFCOUNT_TEST_HOLD_SHARED"

func TestConcurrentHoldersSeeNotLast(t *testing.T) {
	if path := os.Getenv(holdSharedEnv); path != "" {
		h, err := Increment(path)
		if err != nil {
			os.Exit(2)
		}

		fmt.Println("locked")
		_, _ = io.Copy(io.Discard, os.Stdin)
		_ = h.Release()
		os.Exit(0)
	}

	path := filepath.Join(t.TempDir(), "refs")

	a, err := Increment(path)
	if err != nil {
		t.Fatalf("Increment a: %v", err)
	}
	defer a.Release()

	// fcntl record locks belong to a process, not to a file descriptor, so
	// the second holder b has to be a separate process.
	b := exec.Command(os.Args[0], "-test.run=^TestConcurrentHoldersSeeNotLast$")
	b.Env = append(os.Environ(), holdSharedEnv+"="+path)

	bStdin, err := b.StdinPipe()
	if err != nil {
		t.Fatal(err)
	}

	bStdout, err := b.StdoutPipe()
	if err != nil {
		t.Fatal(err)
	}

	if err := b.Start(); err != nil {
		t.Fatalf("Increment b: %v", err)
	}
	defer func() {
		_ = bStdin.Close()
		_ = b.Wait()
	}()

	if line, err := bufio.NewReader(bStdout).ReadString('\n'); err != nil || line != "locked\n" {
		t.Fatalf("Increment b: holder process reported %q, %v", line, err)
	}

	last, err := a.IsLastUser()
	if err != nil {
		t.Fatalf("IsLastUser a: %v", err)
	}

	if last {
		t.Fatal("holder a should not be last while b still holds a shared lock")
	}
}

func TestRefsFileNotTruncatedByIncrement(t *testing.T) {
	path := filepath.Join(t.TempDir(), "refs")

	if err := os.WriteFile(path, []byte("marker"), 0o644); err != nil {
		t.Fatal(err)
	}

	h, err := Increment(path)
	if err != nil {
		t.Fatalf("Increment: %v", err)
	}
	defer h.Release()

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	if string(content) != "marker" {
		t.Fatalf("content = %q, want unchanged %q", content, "marker")
	}
}

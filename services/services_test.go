package services

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeEntries(t *testing.T, dir string, names ...string) {
	t.Helper()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}

	for _, name := range names {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestListDerivesNamesFromBothConventions(t *testing.T) {
	initDir := filepath.Join(t.TempDir(), "init")
	initDDir := filepath.Join(t.TempDir(), "init.d")

	writeEntries(t, initDir, "docker.conf", "ssh.conf")
	writeEntries(t, initDDir, "cron")

	snap, err := List([]string{initDir, initDDir})
	if err != nil {
		t.Fatal(err)
	}

	for _, want := range []string{"docker", "ssh", "cron"} {
		if !snap.Contains(want) {
			t.Errorf("expected snapshot to contain %q, got %v", want, snap.Names)
		}
	}
}

type fakeRunner struct {
	running map[string]bool
	stopped []string
}

func (f *fakeRunner) Status(_ context.Context, name string) (bool, error) {
	return f.running[name], nil
}

func (f *fakeRunner) Stop(_ context.Context, name string) error {
	f.stopped = append(f.stopped, name)

	return nil
}

func TestStopPromptsOnlyForNewRunningServices(t *testing.T) {
	dir := t.TempDir()
	writeEntries(t, dir, "old.conf", "new.conf")

	prior := Snapshot{Names: map[string]struct{}{"old": {}}}
	runner := &fakeRunner{running: map[string]bool{"new": true, "old": true}}

	var stderr strings.Builder
	stdin := strings.NewReader("y\n")

	if err := Stop(context.Background(), []string{dir}, prior, runner, &stderr, stdin); err != nil {
		t.Fatal(err)
	}

	if len(runner.stopped) != 1 || runner.stopped[0] != "new" {
		t.Errorf("stopped = %v, want [new]", runner.stopped)
	}

	if !strings.Contains(stderr.String(), "stop service new?") {
		t.Errorf("expected prompt for new service, got %q", stderr.String())
	}
}

func TestStopSkipsOnNoAnswer(t *testing.T) {
	dir := t.TempDir()
	writeEntries(t, dir, "new.conf")

	runner := &fakeRunner{running: map[string]bool{"new": true}}
	var stderr strings.Builder

	if err := Stop(context.Background(), []string{dir}, Snapshot{Names: map[string]struct{}{}}, runner, &stderr, strings.NewReader("n\n")); err != nil {
		t.Fatal(err)
	}

	if len(runner.stopped) != 0 {
		t.Errorf("stopped = %v, want none", runner.stopped)
	}
}

func TestStopReprompts(t *testing.T) {
	dir := t.TempDir()
	writeEntries(t, dir, "new.conf")

	runner := &fakeRunner{running: map[string]bool{"new": true}}
	var stderr strings.Builder

	if err := Stop(context.Background(), []string{dir}, Snapshot{Names: map[string]struct{}{}}, runner, &stderr, strings.NewReader("huh\nyes\n")); err != nil {
		t.Fatal(err)
	}

	if len(runner.stopped) != 1 {
		t.Errorf("stopped = %v, want [new]", runner.stopped)
	}
}

package services

import (
	"context"
	"os/exec"
)

// ExecRunner shells out to the conventional "service <name> <verb>" wrapper
// found on most sysv/upstart-compatible distributions, redirecting the
// child's stdout/stderr to /dev/null, and treating a zero exit status from
// "status" as "running".
type ExecRunner struct{}

// NewRunner returns the default Runner.
func NewRunner() ExecRunner {
	return ExecRunner{}
}

func (ExecRunner) Status(ctx context.Context, name string) (bool, error) {
	cmd := exec.CommandContext(ctx, "service", name, "status")
	err := cmd.Run()

	return err == nil, nil
}

func (ExecRunner) Stop(ctx context.Context, name string) error {
	cmd := exec.CommandContext(ctx, "service", name, "stop")

	return cmd.Run()
}

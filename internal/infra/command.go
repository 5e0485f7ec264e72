// Package infra implements infrastructure concerns (processes, sockets,
// interfaces, broker engine, journal).
package infra

import (
	"context"
	"os/exec"
)

// CommandRunner abstracts command execution for testing.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) error
	Output(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner executes real system commands.
type ExecRunner struct{}

// Run executes a command and waits for it to complete.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdin = nil
	return cmd.Run()
}

// Output executes a command and returns its stdout. On a non-zero exit the
// returned *exec.ExitError carries stderr.
func (ExecRunner) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdin = nil
	return cmd.Output()
}

var _ CommandRunner = ExecRunner{}

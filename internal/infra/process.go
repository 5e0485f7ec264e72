package infra

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/packline/brokerd/internal/domain"
)

// exitPollInterval is how often WaitForExit re-checks the PID table.
const exitPollInterval = 100 * time.Millisecond

// processControl terminates and observes processes using gopsutil.
// Embedded by every ProcessInspector so only port discovery differs per OS.
type processControl struct {
	pidExists func(ctx context.Context, pid int32) (bool, error)
}

func newProcessControl() processControl {
	return processControl{pidExists: process.PidExistsWithContext}
}

// ProcessName returns the process name, or "" if it cannot be read.
func (pc processControl) ProcessName(ctx context.Context, pid int) string {
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return ""
	}
	name, err := p.NameWithContext(ctx)
	if err != nil {
		return ""
	}
	return name
}

// signal sends SIGTERM (graceful) or SIGKILL to pid.
func (pc processControl) signal(ctx context.Context, pid int, graceful bool) error {
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		if errors.Is(err, process.ErrorProcessNotRunning) {
			return domain.ErrProcessNotFound
		}
		return err
	}

	if graceful {
		err = p.TerminateWithContext(ctx)
	} else {
		err = p.KillWithContext(ctx)
	}
	if err != nil && !pc.alive(ctx, pid) {
		// Exited between lookup and signal.
		return domain.ErrProcessNotFound
	}
	return err
}

// WaitForExit polls until pid disappears or timeout elapses.
func (pc processControl) WaitForExit(ctx context.Context, pid int, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	poll := time.NewTicker(exitPollInterval)
	defer poll.Stop()

	for {
		if !pc.alive(ctx, pid) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			return !pc.alive(ctx, pid)
		case <-poll.C:
		}
	}
}

func (pc processControl) alive(ctx context.Context, pid int) bool {
	exists, err := pc.pidExists(ctx, int32(pid))
	if err != nil {
		// Unknown counts as alive so callers escalate instead of assuming success.
		return true
	}
	return exists
}

// IsRunning reports whether pid exists. Used by the status command to check
// the PID published in the endpoint file.
func IsRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	exists, err := process.PidExists(int32(pid))
	return err == nil && exists
}

// SelfPID returns the current process PID.
func SelfPID() int {
	return os.Getpid()
}

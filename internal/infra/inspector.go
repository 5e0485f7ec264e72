package infra

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	psnet "github.com/shirou/gopsutil/v3/net"
	"go.uber.org/zap"

	"github.com/packline/brokerd/internal/domain"
)

// connectionLister matches gopsutil's net.ConnectionsWithContext.
type connectionLister func(ctx context.Context, kind string) ([]psnet.ConnectionStat, error)

// NewProcessInspector returns the inspector for goos ("windows" or any
// Unix-like OS). Pass runtime.GOOS in production.
func NewProcessInspector(goos string, runner CommandRunner, logger *zap.Logger) domain.ProcessInspector {
	if runner == nil {
		runner = ExecRunner{}
	}
	if goos == "windows" {
		return &WindowsInspector{
			processControl: newProcessControl(),
			runner:         runner,
			logger:         logger,
		}
	}
	return &UnixInspector{
		processControl: newProcessControl(),
		runner:         runner,
		connections:    psnet.ConnectionsWithContext,
		logger:         logger,
	}
}

// WindowsInspector discovers port holders with `netstat -ano`.
type WindowsInspector struct {
	processControl
	runner CommandRunner
	logger *zap.Logger
}

// ListProcessIDsOnPort runs netstat and returns PIDs with a listening or
// established socket on port.
func (w *WindowsInspector) ListProcessIDsOnPort(ctx context.Context, port int) ([]int, error) {
	out, err := w.runner.Output(ctx, "netstat", "-ano")
	if err != nil {
		return nil, fmt.Errorf("netstat -ano: %w", err)
	}
	return ParseNetstatWindows(out, port), nil
}

// Terminate asks taskkill to close the process politely first; windowless
// processes refuse that, so callers escalate with graceful=false.
func (w *WindowsInspector) Terminate(ctx context.Context, pid int, graceful bool) error {
	if !graceful {
		return w.signal(ctx, pid, false)
	}
	if !w.alive(ctx, pid) {
		return domain.ErrProcessNotFound
	}
	if err := w.runner.Run(ctx, "taskkill", "/PID", strconv.Itoa(pid)); err != nil {
		return fmt.Errorf("taskkill pid %d: %w", pid, err)
	}
	return nil
}

// UnixInspector discovers port holders with lsof, falling back to
// `netstat -tlnp` and then to the kernel connection table.
type UnixInspector struct {
	processControl
	runner      CommandRunner
	connections connectionLister
	logger      *zap.Logger
}

// ListProcessIDsOnPort tries each discovery method until one answers.
func (u *UnixInspector) ListProcessIDsOnPort(ctx context.Context, port int) ([]int, error) {
	out, err := u.runner.Output(ctx, "lsof", "-t", fmt.Sprintf("-i:%d", port))
	if err == nil {
		return ParseLsofPIDs(out), nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && len(bytes.TrimSpace(exitErr.Stderr)) == 0 {
		// lsof exits 1 with no output when nothing matches.
		return nil, nil
	}
	u.logger.Debug("lsof unavailable, trying netstat", zap.Error(err))

	out, err = u.runner.Output(ctx, "netstat", "-tlnp")
	if err == nil {
		return ParseNetstatUnix(out, port), nil
	}
	u.logger.Debug("netstat unavailable, reading connection table", zap.Error(err))

	conns, err := u.connections(ctx, "tcp")
	if err != nil {
		return nil, fmt.Errorf("list tcp connections: %w", err)
	}
	return PIDsFromConnections(conns, port), nil
}

// Terminate sends SIGTERM (graceful) or SIGKILL.
func (u *UnixInspector) Terminate(ctx context.Context, pid int, graceful bool) error {
	return u.signal(ctx, pid, graceful)
}

// ParseNetstatWindows extracts PIDs from `netstat -ano` output whose local
// address ends in :port and whose state is LISTENING or ESTABLISHED.
func ParseNetstatWindows(out []byte, port int) []int {
	suffix := ":" + strconv.Itoa(port)
	var pids []int
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		// Proto  Local  Foreign  State  PID
		if len(fields) < 5 || !strings.EqualFold(fields[0], "TCP") {
			continue
		}
		if !strings.HasSuffix(fields[1], suffix) {
			continue
		}
		state := strings.ToUpper(fields[3])
		if state != "LISTENING" && state != "ESTABLISHED" {
			continue
		}
		if pid, err := strconv.Atoi(fields[len(fields)-1]); err == nil {
			pids = append(pids, pid)
		}
	}
	return uniquePIDs(pids)
}

// ParseLsofPIDs parses `lsof -t` output: one PID per line.
func ParseLsofPIDs(out []byte) []int {
	var pids []int
	for _, line := range strings.Split(string(out), "\n") {
		if pid, err := strconv.Atoi(strings.TrimSpace(line)); err == nil {
			pids = append(pids, pid)
		}
	}
	return uniquePIDs(pids)
}

// ParseNetstatUnix extracts PIDs from `netstat -tlnp` output. The last
// column is "pid/program", or "-" when the owner is not visible.
func ParseNetstatUnix(out []byte, port int) []int {
	suffix := ":" + strconv.Itoa(port)
	var pids []int
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 7 || !strings.HasPrefix(fields[0], "tcp") {
			continue
		}
		if !strings.HasSuffix(fields[3], suffix) {
			continue
		}
		owner := fields[len(fields)-1]
		pidStr, _, _ := strings.Cut(owner, "/")
		if pid, err := strconv.Atoi(pidStr); err == nil {
			pids = append(pids, pid)
		}
	}
	return uniquePIDs(pids)
}

// PIDsFromConnections returns owners of listening or established sockets
// bound locally to port.
func PIDsFromConnections(conns []psnet.ConnectionStat, port int) []int {
	var pids []int
	for _, c := range conns {
		if int(c.Laddr.Port) != port || c.Pid == 0 {
			continue
		}
		if c.Status != "LISTEN" && c.Status != "ESTABLISHED" {
			continue
		}
		pids = append(pids, int(c.Pid))
	}
	return uniquePIDs(pids)
}

func uniquePIDs(pids []int) []int {
	seen := make(map[int]bool, len(pids))
	out := make([]int, 0, len(pids))
	for _, pid := range pids {
		if pid <= 0 || seen[pid] {
			continue
		}
		seen[pid] = true
		out = append(out, pid)
	}
	return out
}

var (
	_ domain.ProcessInspector = (*WindowsInspector)(nil)
	_ domain.ProcessInspector = (*UnixInspector)(nil)
)

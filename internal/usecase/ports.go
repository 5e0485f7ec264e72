package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/packline/brokerd/internal/domain"
)

const maxPort = 65535

// ResolverConfig controls conflict detection and release.
type ResolverConfig struct {
	ScanWindow      int
	GracefulTimeout time.Duration
	ForceTimeout    time.Duration
}

// DefaultResolverConfig returns production defaults.
func DefaultResolverConfig() ResolverConfig {
	return ResolverConfig{
		ScanWindow:      100,
		GracefulTimeout: 5 * time.Second,
		ForceTimeout:    2 * time.Second,
	}
}

// PortConflictResolver detects occupied ports, scans for free ones and
// terminates processes holding a port.
type PortConflictResolver struct {
	prober    domain.ConnectProber
	inspector domain.ProcessInspector
	config    ResolverConfig
	selfPID   int
	logger    *zap.Logger
}

// NewPortConflictResolver creates a resolver. selfPID is never terminated.
func NewPortConflictResolver(
	prober domain.ConnectProber,
	inspector domain.ProcessInspector,
	config ResolverConfig,
	selfPID int,
	logger *zap.Logger,
) *PortConflictResolver {
	if config.ScanWindow <= 0 {
		config.ScanWindow = DefaultResolverConfig().ScanWindow
	}
	return &PortConflictResolver{
		prober:    prober,
		inspector: inspector,
		config:    config,
		selfPID:   selfPID,
		logger:    logger,
	}
}

// IsPortInUse reports whether something accepts connections on address:port.
// A refused or timed-out connect means free.
func (r *PortConflictResolver) IsPortInUse(ctx context.Context, address string, port int) bool {
	if err := r.prober.Dial(ctx, address, port); err != nil {
		return false
	}
	r.logger.Warn("port is in use", zap.String("address", address), zap.Int("port", port))
	return true
}

// FindFreePort returns the first free port in [startPort, startPort+window).
func (r *PortConflictResolver) FindFreePort(ctx context.Context, address string, startPort int) (int, error) {
	end := startPort + r.config.ScanWindow
	for port := startPort; port < end && port <= maxPort; port++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		if !r.IsPortInUse(ctx, address, port) {
			r.logger.Info("found free port", zap.String("address", address), zap.Int("port", port))
			return port, nil
		}
	}

	r.logger.Error("no free port in range",
		zap.String("address", address),
		zap.Int("from", startPort),
		zap.Int("to", end-1))
	return 0, fmt.Errorf("%w: %s ports %d-%d", domain.ErrNoAvailablePort, address, startPort, end-1)
}

// ReleasePort terminates every process holding port. Returns true when no
// holder is found or every holder exited. Failures are logged, never
// returned.
func (r *PortConflictResolver) ReleasePort(ctx context.Context, port int) bool {
	pids, err := r.inspector.ListProcessIDsOnPort(ctx, port)
	if err != nil {
		r.logger.Error("failed to list processes on port", zap.Int("port", port), zap.Error(err))
		return false
	}
	if len(pids) == 0 {
		r.logger.Info("no process found holding port, treating it as free", zap.Int("port", port))
		return true
	}

	released := true
	for _, pid := range pids {
		if pid == r.selfPID {
			r.logger.Error("port is held by this process, refusing to terminate it",
				zap.Int("port", port), zap.Int("pid", pid))
			released = false
			continue
		}
		if err := r.terminate(ctx, pid); err != nil {
			r.logger.Error("failed to terminate port holder",
				zap.Int("port", port), zap.Int("pid", pid), zap.Error(err))
			released = false
		}
	}

	if released {
		r.logger.Info("port released", zap.Int("port", port), zap.Ints("pids", pids))
	}
	return released
}

// terminate asks pid to exit, escalating to a forced kill after the
// graceful timeout.
func (r *PortConflictResolver) terminate(ctx context.Context, pid int) error {
	name := r.inspector.ProcessName(ctx, pid)
	r.logger.Info("terminating port holder", zap.Int("pid", pid), zap.String("name", name))

	err := r.inspector.Terminate(ctx, pid, true)
	switch {
	case errors.Is(err, domain.ErrProcessNotFound):
		return nil
	case err == nil:
		if r.inspector.WaitForExit(ctx, pid, r.config.GracefulTimeout) {
			return nil
		}
		r.logger.Warn("process ignored graceful termination, killing",
			zap.Int("pid", pid), zap.Duration("waited", r.config.GracefulTimeout))
	default:
		r.logger.Debug("graceful termination unavailable, killing", zap.Int("pid", pid), zap.Error(err))
	}

	err = r.inspector.Terminate(ctx, pid, false)
	if errors.Is(err, domain.ErrProcessNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("kill pid %d: %w", pid, err)
	}
	if !r.inspector.WaitForExit(ctx, pid, r.config.ForceTimeout) {
		return fmt.Errorf("pid %d still running %s after kill", pid, r.config.ForceTimeout)
	}
	return nil
}

var _ domain.PortResolver = (*PortConflictResolver)(nil)

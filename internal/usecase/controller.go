package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/packline/brokerd/internal/domain"
)

// ControllerConfig controls the startup protocol.
type ControllerConfig struct {
	DefaultPort int
	Retry       domain.RetryPolicy

	// ReleaseEnabled allows terminating processes that hold DefaultPort.
	ReleaseEnabled bool
	// SettleDelay is waited after a successful release before binding.
	SettleDelay time.Duration

	// SerializeStartup collapses concurrent startup calls into one run.
	SerializeStartup bool
}

// DefaultControllerConfig returns production defaults.
func DefaultControllerConfig() ControllerConfig {
	return ControllerConfig{
		DefaultPort:    1883,
		Retry:          domain.RetryPolicy{MaxAttempts: 5, PerAttemptDelay: 10 * time.Second},
		ReleaseEnabled: true,
		SettleDelay:    2 * time.Second,
	}
}

// Controller owns the broker engine and its lifecycle state.
//
// Two locks: stateMu orders transitions and their notifications; mu guards
// the engine, binding and running flag. setStatus is never called with mu
// held, so observers may read accessors. Observers must not call
// StartAsync, StopAsync or CheckHealth synchronously.
type Controller struct {
	config    ControllerConfig
	selector  domain.AddressSelector
	resolver  domain.PortResolver
	newEngine domain.EngineFactory
	notifier  *Notifier
	logger    *zap.Logger

	stateMu sync.Mutex
	state   atomic.Int32

	mu       sync.Mutex
	engine   domain.BrokerEngine
	binding  domain.PortBinding
	nextPort int
	running  bool

	startGroup singleflight.Group

	wait func(ctx context.Context, d time.Duration) error
	now  func() time.Time
}

// NewController creates a stopped controller. notifier may be nil.
func NewController(
	config ControllerConfig,
	selector domain.AddressSelector,
	resolver domain.PortResolver,
	newEngine domain.EngineFactory,
	notifier *Notifier,
	logger *zap.Logger,
) *Controller {
	if config.Retry.MaxAttempts < 1 {
		config.Retry.MaxAttempts = 1
	}
	if notifier == nil {
		notifier = NewNotifier(logger)
	}
	c := &Controller{
		config:    config,
		selector:  selector,
		resolver:  resolver,
		newEngine: newEngine,
		notifier:  notifier,
		logger:    logger,
		nextPort:  config.DefaultPort,
		wait:      sleepContext,
		now:       time.Now,
	}
	c.state.Store(int32(domain.StateStopped))
	return c
}

// Subscribe registers a status observer. See Notifier.Subscribe.
func (c *Controller) Subscribe(observer domain.StatusObserver) (unsubscribe func()) {
	return c.notifier.Subscribe(observer)
}

// Status returns the current lifecycle state.
func (c *Controller) Status() domain.BrokerState {
	return domain.BrokerState(c.state.Load())
}

// IsRunning reports whether an engine is held and serving.
func (c *Controller) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// CurrentAddress returns the bound address, or "" when not running.
func (c *Controller) CurrentAddress() string {
	b, _ := c.Binding()
	return b.Address
}

// Port returns the bound port, or 0 when not running.
func (c *Controller) Port() int {
	b, _ := c.Binding()
	return b.Port
}

// Binding returns the held binding and whether the broker is running.
func (c *Controller) Binding() (domain.PortBinding, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return domain.PortBinding{}, false
	}
	return c.binding, true
}

// GetConnectedClients lists connected clients. Returns an empty list when
// the broker is not running or the engine cannot answer.
func (c *Controller) GetConnectedClients() []domain.ClientInfo {
	c.mu.Lock()
	engine, running := c.engine, c.running
	c.mu.Unlock()

	if !running || engine == nil || !engine.IsStarted() {
		return []domain.ClientInfo{}
	}
	clients, err := engine.GetConnectedClients()
	if err != nil {
		c.logger.Error("failed to list connected clients", zap.Error(err))
		return []domain.ClientInfo{}
	}
	if clients == nil {
		clients = []domain.ClientInfo{}
	}
	return clients
}

// StartBrokerWithRetry runs the startup protocol up to Retry.MaxAttempts
// times. On exhaustion the state becomes Failed; on cancellation Stopped.
func (c *Controller) StartBrokerWithRetry(ctx context.Context) error {
	if !c.config.SerializeStartup {
		return c.startWithRetry(ctx)
	}
	_, err, shared := c.startGroup.Do("start", func() (interface{}, error) {
		if c.IsRunning() {
			return nil, nil
		}
		return nil, c.startWithRetry(ctx)
	})
	if shared {
		c.logger.Debug("joined in-flight broker startup")
	}
	return err
}

func (c *Controller) startWithRetry(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.setStatus(domain.StateStarting)

	maxAttempts := c.config.Retry.MaxAttempts
	attempt := 0
	err := retry.Do(
		func() error {
			attempt++
			c.logger.Info("starting broker",
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", maxAttempts))
			err := c.startOnce(ctx)
			if err != nil && ctx.Err() != nil {
				return retry.Unrecoverable(err)
			}
			return err
		},
		retry.Attempts(uint(maxAttempts)),
		retry.Delay(c.config.Retry.PerAttemptDelay),
		retry.DelayType(retry.FixedDelay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Error("broker start attempt failed",
				zap.Uint("attempt", n+1),
				zap.Error(err))
			if int(n)+1 < maxAttempts && ctx.Err() == nil {
				c.logger.Info("retrying broker start",
					zap.Duration("delay", c.config.Retry.PerAttemptDelay))
			}
		}),
	)
	if err == nil {
		return nil
	}

	if ctx.Err() != nil {
		c.logger.Info("broker startup cancelled", zap.Int("attempts", attempt))
		c.setStatus(domain.StateStopped)
		return ctx.Err()
	}

	c.logger.Error("broker failed to start",
		zap.Int("attempts", attempt),
		zap.Error(err))
	c.setStatus(domain.StateFailed)
	return fmt.Errorf("start broker after %d attempts: %w", attempt, err)
}

// startOnce is one pass of the startup protocol: select an address, settle
// the port, then bind a fresh engine.
func (c *Controller) startOnce(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	address := c.selector.SelectAddress(ctx)
	if address == "" {
		return domain.ErrNoAddress
	}

	port, err := c.resolvePort(ctx, address)
	if err != nil {
		return err
	}

	engine := c.newEngine()
	if err := engine.Bind(address, port); err != nil {
		c.discard(engine)
		return fmt.Errorf("bind %s:%d: %w", address, port, err)
	}
	if err := engine.Start(); err != nil {
		c.discard(engine)
		return fmt.Errorf("start engine on %s:%d: %w", address, port, err)
	}

	c.adopt(engine, address, port)
	c.setStatus(domain.StateRunning)
	c.logger.Info("broker started", zap.String("address", address), zap.Int("port", port))
	return nil
}

// resolvePort returns the port to bind. When the attempt port is taken and
// it is the default, its holders are terminated; otherwise, or if that
// fails, the next free port is scanned for.
func (c *Controller) resolvePort(ctx context.Context, address string) (int, error) {
	c.mu.Lock()
	port := c.nextPort
	c.mu.Unlock()

	if !c.resolver.IsPortInUse(ctx, address, port) {
		return port, nil
	}

	defaultPort := c.config.DefaultPort
	scanFrom := defaultPort
	if port == defaultPort {
		if c.config.ReleaseEnabled && c.resolver.ReleasePort(ctx, port) {
			c.logger.Info("default port released, waiting before bind",
				zap.Int("port", port),
				zap.Duration("settle", c.config.SettleDelay))
			if err := c.wait(ctx, c.config.SettleDelay); err != nil {
				return 0, err
			}
			return port, nil
		}
		c.logger.Warn("default port unavailable, scanning for another", zap.Int("port", port))
		scanFrom = defaultPort + 1
	}

	free, err := c.resolver.FindFreePort(ctx, address, scanFrom)
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	c.nextPort = free
	c.mu.Unlock()
	return free, nil
}

// adopt makes engine the held engine. An engine left by a concurrent start
// is stopped so its listener does not leak.
func (c *Controller) adopt(engine domain.BrokerEngine, address string, port int) {
	c.mu.Lock()
	prev := c.engine
	c.engine = engine
	c.binding = domain.PortBinding{Address: address, Port: port}
	c.nextPort = port
	c.running = true
	c.mu.Unlock()

	if prev != nil && prev != engine {
		c.logger.Warn("replacing engine from a concurrent startup")
		c.discard(prev)
	}
}

// StartAsync starts the broker unless it is already running. Returns whether
// the broker is running afterwards.
func (c *Controller) StartAsync() bool {
	if c.IsRunning() {
		c.logger.Warn("broker already running")
		return true
	}
	if err := c.StartBrokerWithRetry(context.Background()); err != nil {
		return false
	}
	return c.IsRunning()
}

// StopAsync stops and disposes the engine. Returns true on success or when
// nothing was running.
func (c *Controller) StopAsync() bool {
	c.mu.Lock()
	engine, running := c.engine, c.running
	c.mu.Unlock()

	if !running || engine == nil {
		c.logger.Warn("broker not running")
		return true
	}

	c.setStatus(domain.StateStopping)
	c.logger.Info("stopping broker")
	err := errors.Join(engine.Stop(), engine.Dispose())
	c.release(engine)

	if err != nil {
		c.logger.Error("failed to stop broker", zap.Error(err))
		c.setStatus(domain.StateFailed)
		return false
	}
	c.setStatus(domain.StateStopped)
	c.logger.Info("broker stopped")
	return true
}

// CheckHealth verifies the held engine. An engine that stopped on its own
// moves the controller to Stopped; one that cannot answer, to Failed.
// Either way the engine is disposed so the next start binds afresh.
func (c *Controller) CheckHealth(ctx context.Context) {
	c.mu.Lock()
	engine, running := c.engine, c.running
	c.mu.Unlock()

	if !running {
		return
	}
	if engine == nil || !engine.IsStarted() {
		c.logger.Warn("broker is no longer serving")
		c.release(engine)
		c.discard(engine)
		c.setStatus(domain.StateStopped)
		return
	}

	clients, err := engine.GetConnectedClients()
	if err != nil {
		c.logger.Error("broker health check failed", zap.Error(err))
		c.release(engine)
		c.discard(engine)
		c.setStatus(domain.StateFailed)
		return
	}
	c.logger.Debug("broker healthy", zap.Int("clients", len(clients)))
}

// release clears the held engine and binding if engine is still the held one.
func (c *Controller) release(engine domain.BrokerEngine) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.engine != engine {
		return
	}
	c.engine = nil
	c.binding = domain.PortBinding{}
	c.running = false
}

// discard stops and disposes an engine, logging failures.
func (c *Controller) discard(engine domain.BrokerEngine) {
	if engine == nil {
		return
	}
	if err := errors.Join(engine.Stop(), engine.Dispose()); err != nil {
		c.logger.Warn("failed to dispose broker engine", zap.Error(err))
	}
}

// setStatus records a transition and notifies observers. Repeated states
// are not re-announced.
func (c *Controller) setStatus(next domain.BrokerState) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()

	prev := domain.BrokerState(c.state.Load())
	if prev == next {
		return
	}
	c.state.Store(int32(next))

	change := domain.StatusChange{Old: prev, New: next, At: c.now()}
	if next == domain.StateRunning {
		if b, ok := c.Binding(); ok {
			change.Address, change.Port = b.Address, b.Port
		}
	}

	c.logger.Info("broker status changed",
		zap.Stringer("from", prev),
		zap.Stringer("to", next))
	c.notifier.Notify(change)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

package daemon

import (
	"context"
	"errors"
	"runtime"

	"go.uber.org/zap"

	"github.com/packline/brokerd/internal/config"
	"github.com/packline/brokerd/internal/domain"
	"github.com/packline/brokerd/internal/infra"
	"github.com/packline/brokerd/internal/usecase"
)

// Deps overrides infrastructure for tests. Nil fields get real implementations.
type Deps struct {
	Interfaces domain.InterfaceSource
	Prober     domain.Prober
	Connect    domain.ConnectProber
	Inspector  domain.ProcessInspector
	Engines    domain.EngineFactory
	Runner     infra.CommandRunner
	SelfPID    int
}

func (d Deps) withDefaults(cfg *config.Config, logger *zap.Logger) Deps {
	if d.Runner == nil {
		d.Runner = infra.ExecRunner{}
	}
	if d.Interfaces == nil {
		d.Interfaces = infra.NewHostInterfaces(runtime.GOOS)
	}
	if d.Prober == nil && cfg.Probe.Enabled {
		d.Prober = infra.NewPingProber(runtime.GOOS, d.Runner, cfg.Probe.PingTimeout)
	}
	if d.Connect == nil {
		d.Connect = infra.NewDialProber(cfg.Probe.ConnectTimeout)
	}
	if d.Inspector == nil {
		d.Inspector = infra.NewProcessInspector(runtime.GOOS, d.Runner, logger.Named("inspector"))
	}
	if d.Engines == nil {
		d.Engines = infra.NewMochiEngineFactory(logger.Named("mqtt"))
	}
	if d.SelfPID == 0 {
		d.SelfPID = infra.SelfPID()
	}
	return d
}

// NewSelector builds the adapter selector from config.
func NewSelector(cfg *config.Config, logger *zap.Logger, deps Deps) *usecase.AdapterSelector {
	deps = deps.withDefaults(cfg, logger)
	return usecase.NewAdapterSelector(deps.Interfaces, deps.Prober, usecase.SelectorConfig{
		BindAddress:  cfg.Broker.BindAddress,
		ProbeEnabled: cfg.Probe.Enabled,
	}, logger.Named("selector"))
}

// NewResolver builds the port conflict resolver from config.
func NewResolver(cfg *config.Config, logger *zap.Logger, deps Deps) *usecase.PortConflictResolver {
	deps = deps.withDefaults(cfg, logger)
	return usecase.NewPortConflictResolver(deps.Connect, deps.Inspector, usecase.ResolverConfig{
		ScanWindow:      cfg.Broker.PortScanWindow,
		GracefulTimeout: cfg.Release.GracefulTimeout,
		ForceTimeout:    cfg.Release.ForceTimeout,
	}, deps.SelfPID, logger.Named("ports"))
}

// Host owns every long-lived component of a brokerd process.
type Host struct {
	config     *config.Config
	logger     *zap.Logger
	selector   *usecase.AdapterSelector
	resolver   *usecase.PortConflictResolver
	controller *usecase.Controller
	supervisor *Supervisor
	journal    domain.Journal
	endpoint   domain.EndpointRegistry
	selfPID    int
	closers    []func() error
}

// NewHost wires the controller, supervisor and status observers. The journal
// and endpoint file are best-effort: failures to open them are logged.
func NewHost(cfg *config.Config, logger *zap.Logger, deps Deps) (*Host, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	deps = deps.withDefaults(cfg, logger)

	h := &Host{
		config:   cfg,
		logger:   logger,
		selector: NewSelector(cfg, logger, deps),
		resolver: NewResolver(cfg, logger, deps),
		selfPID:  deps.SelfPID,
	}

	h.controller = usecase.NewController(usecase.ControllerConfig{
		DefaultPort:      cfg.Broker.DefaultPort,
		Retry:            cfg.RetryPolicy(),
		ReleaseEnabled:   cfg.Release.Enabled,
		SettleDelay:      cfg.Release.SettleDelay,
		SerializeStartup: cfg.Broker.SerializeStartup,
	}, h.selector, h.resolver, deps.Engines, nil, logger.Named("controller"))

	h.supervisor = NewSupervisor(SupervisorConfig{
		Interval:   cfg.Supervision.Interval,
		StopOnExit: cfg.Supervision.StopOnExit,
	}, h.controller, logger.Named("supervisor"))

	if cfg.Journal.Enabled {
		journal, err := infra.OpenJournal(cfg.Journal.Dir)
		if err != nil {
			logger.Warn("status journal unavailable", zap.Error(err))
		} else {
			h.journal = journal
			h.closers = append(h.closers, journal.Close)
			h.controller.Subscribe(JournalObserver(journal, logger))
		}
	}

	if cfg.Endpoint.Enabled {
		h.endpoint = infra.NewEndpointFile(cfg.Endpoint.Path)
		h.controller.Subscribe(EndpointObserver(h.endpoint, h.selfPID, logger))
		h.closers = append(h.closers, h.endpoint.Clear)
	}

	return h, nil
}

// Controller returns the broker controller.
func (h *Host) Controller() *usecase.Controller { return h.controller }

// Selector returns the adapter selector.
func (h *Host) Selector() *usecase.AdapterSelector { return h.selector }

// Resolver returns the port resolver.
func (h *Host) Resolver() *usecase.PortConflictResolver { return h.resolver }

// Journal returns the status journal, or nil if disabled or unavailable.
func (h *Host) Journal() domain.Journal { return h.journal }

// Run supervises the broker until ctx is canceled.
func (h *Host) Run(ctx context.Context) error {
	h.logger.Info("brokerd host starting",
		zap.Int("pid", h.selfPID),
		zap.Int("default_port", h.config.Broker.DefaultPort))
	err := h.supervisor.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close releases the journal and endpoint file.
func (h *Host) Close() error {
	var errs []error
	for i := len(h.closers) - 1; i >= 0; i-- {
		if err := h.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	h.closers = nil
	return errors.Join(errs...)
}

// JournalObserver records every transition in the journal.
func JournalObserver(journal domain.Journal, logger *zap.Logger) domain.StatusObserver {
	return func(change domain.StatusChange) {
		if err := journal.Record(change); err != nil {
			logger.Warn("failed to journal status change", zap.Error(err))
		}
	}
}

// EndpointObserver publishes the endpoint when the broker is running and
// clears it when the broker stops or fails.
func EndpointObserver(registry domain.EndpointRegistry, pid int, logger *zap.Logger) domain.StatusObserver {
	return func(change domain.StatusChange) {
		var err error
		switch change.New {
		case domain.StateRunning:
			err = registry.Publish(domain.Endpoint{
				PID:       pid,
				Address:   change.Address,
				Port:      change.Port,
				State:     change.New.String(),
				UpdatedAt: change.At.Unix(),
			})
		case domain.StateStopped, domain.StateFailed:
			err = registry.Clear()
		}
		if err != nil {
			logger.Warn("failed to update endpoint file",
				zap.String("path", registry.Path()),
				zap.Error(err))
		}
	}
}

// Package daemon runs the broker supervision loop and wires its dependencies.
package daemon

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/packline/brokerd/internal/domain"
)

// BrokerController is the part of usecase.Controller the supervisor drives.
type BrokerController interface {
	IsRunning() bool
	Status() domain.BrokerState
	StartBrokerWithRetry(ctx context.Context) error
	CheckHealth(ctx context.Context)
	StopAsync() bool
}

// SupervisorConfig holds supervision loop configuration.
type SupervisorConfig struct {
	Interval   time.Duration // Wait between passes
	StopOnExit bool          // Stop the broker when Run returns
}

// DefaultSupervisorConfig returns default supervision configuration.
func DefaultSupervisorConfig() SupervisorConfig {
	return SupervisorConfig{
		Interval:   30 * time.Second,
		StopOnExit: true,
	}
}

// Supervisor keeps the broker running: it starts it when down and checks
// its health between waits.
type Supervisor struct {
	config     SupervisorConfig
	controller BrokerController
	logger     *zap.Logger
}

// NewSupervisor creates a new supervisor.
func NewSupervisor(config SupervisorConfig, controller BrokerController, logger *zap.Logger) *Supervisor {
	if config.Interval <= 0 {
		config.Interval = DefaultSupervisorConfig().Interval
	}
	return &Supervisor{
		config:     config,
		controller: controller,
		logger:     logger,
	}
}

// Run starts the supervision loop.
// This blocks until context is canceled.
func (s *Supervisor) Run(ctx context.Context) error {
	s.logger.Info("broker supervisor started", zap.Duration("interval", s.config.Interval))

	timer := time.NewTimer(s.config.Interval)
	timer.Stop()
	defer timer.Stop()

	for {
		if !s.controller.IsRunning() {
			if err := s.controller.StartBrokerWithRetry(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("broker start failed, will retry next pass",
					zap.Stringer("status", s.controller.Status()),
					zap.Error(err))
			}
		}

		timer.Reset(s.config.Interval)
		select {
		case <-ctx.Done():
			s.shutdown()
			return ctx.Err()
		case <-timer.C:
		}

		if s.controller.IsRunning() {
			s.controller.CheckHealth(ctx)
		}
		s.logger.Debug("supervision pass", zap.Stringer("status", s.controller.Status()))
	}
}

func (s *Supervisor) shutdown() {
	s.logger.Info("broker supervisor stopping")
	if !s.config.StopOnExit {
		return
	}
	if !s.controller.StopAsync() {
		s.logger.Warn("broker did not stop cleanly")
	}
}

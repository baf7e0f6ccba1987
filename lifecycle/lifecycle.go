// Package lifecycle hosts long-running components behind a common
// Service contract with ordered startup and reverse-order shutdown.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// Service is a startable, stoppable component.
type Service interface {
	// Name identifies the service in logs
	Name() string

	// Start runs the service. It blocks until ctx is cancelled or
	// returns an error on startup failure.
	Start(ctx context.Context) error

	// Stop shuts the service down within the given context deadline.
	Stop(ctx context.Context) error

	// Health returns nil while the service is healthy.
	Health() error
}

// Supervisor starts services in order and stops them in reverse.
type Supervisor struct {
	services []Service
	mu       sync.RWMutex
	running  bool

	// StopTimeout bounds each service's Stop (default 30s)
	StopTimeout time.Duration
}

// NewSupervisor creates a supervisor over the given services.
func NewSupervisor(services ...Service) *Supervisor {
	return &Supervisor{services: services, StopTimeout: 30 * time.Second}
}

// Run starts every service and blocks until ctx is cancelled, then
// stops them in reverse order.
func (s *Supervisor) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("supervisor already running")
	}
	s.running = true
	s.mu.Unlock()

	var started []Service
	for _, svc := range s.services {
		slog.Info("Starting service", "service", svc.Name())

		errCh := make(chan error, 1)
		go func(service Service) {
			errCh <- service.Start(ctx)
		}(svc)

		// Catch immediate startup failures; anything slower is
		// considered started
		select {
		case err := <-errCh:
			if err != nil {
				s.stopServices(started)
				return fmt.Errorf("service %s failed to start: %w", svc.Name(), err)
			}
		case <-time.After(100 * time.Millisecond):
		}

		started = append(started, svc)
		slog.Info("Service started", "service", svc.Name())
	}

	<-ctx.Done()
	slog.Info("Shutdown requested, stopping services")
	s.stopServices(started)

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	return nil
}

func (s *Supervisor) stopServices(services []Service) {
	for i := len(services) - 1; i >= 0; i-- {
		svc := services[i]
		stopCtx, cancel := context.WithTimeout(context.Background(), s.StopTimeout)
		if err := svc.Stop(stopCtx); err != nil {
			slog.Error("Service stop error", "service", svc.Name(), "error", err)
		} else {
			slog.Info("Service stopped", "service", svc.Name())
		}
		cancel()
	}
}

// Health returns nil only when every service is healthy.
func (s *Supervisor) Health() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, svc := range s.services {
		if err := svc.Health(); err != nil {
			return fmt.Errorf("service %s unhealthy: %w", svc.Name(), err)
		}
	}
	return nil
}

// Run hosts services under a supervisor and blocks until SIGINT or
// SIGTERM. The standard main loop for binaries.
func Run(ctx context.Context, services ...Service) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	supervisor := NewSupervisor(services...)
	errCh := make(chan error, 1)
	go func() {
		errCh <- supervisor.Run(ctx)
	}()

	select {
	case sig := <-quit:
		slog.Info("Shutdown signal received", "signal", sig)
		cancel()
	case err := <-errCh:
		if err != nil {
			slog.Error("Supervisor error", "error", err)
			return err
		}
		return nil
	}

	select {
	case err := <-errCh:
		return err
	case <-time.After(35 * time.Second):
		slog.Error("Shutdown timed out")
		return nil
	}
}

// ServiceFunc adapts plain functions to the Service interface.
type ServiceFunc struct {
	name     string
	start    func(ctx context.Context) error
	stop     func(ctx context.Context) error
	healthFn func() error
}

// NewServiceFunc builds a Service from start/stop functions.
func NewServiceFunc(name string, start, stop func(ctx context.Context) error) *ServiceFunc {
	return &ServiceFunc{
		name:     name,
		start:    start,
		stop:     stop,
		healthFn: func() error { return nil },
	}
}

// WithHealth sets the health probe.
func (s *ServiceFunc) WithHealth(fn func() error) *ServiceFunc {
	s.healthFn = fn
	return s
}

func (s *ServiceFunc) Name() string                    { return s.name }
func (s *ServiceFunc) Start(ctx context.Context) error { return s.start(ctx) }
func (s *ServiceFunc) Stop(ctx context.Context) error  { return s.stop(ctx) }
func (s *ServiceFunc) Health() error                   { return s.healthFn() }

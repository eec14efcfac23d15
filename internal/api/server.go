// Package api provides the HTTP REST API for Purifier Core.
//
// It exposes device state, manual commands, schedule CRUD, pre-clean
// override control, and the command audit trail to dashboards and
// operator tooling.
//
// The server follows the same lifecycle pattern as other infrastructure
// components:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
//
// Thread Safety: All methods are safe for concurrent use from multiple goroutines.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/aerolink/purifier-core/internal/audit"
	"github.com/aerolink/purifier-core/internal/command"
	"github.com/aerolink/purifier-core/internal/device"
	"github.com/aerolink/purifier-core/internal/infrastructure/config"
	"github.com/aerolink/purifier-core/internal/infrastructure/logging"
	"github.com/aerolink/purifier-core/internal/override"
	"github.com/aerolink/purifier-core/internal/schedule"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// CommandSender dispatches a command and waits for its terminal outcome.
// Satisfied by command.Dispatcher; an interface here keeps handlers
// testable without a broker.
type CommandSender interface {
	Send(ctx context.Context, deviceID string, action command.Action, speed int, source command.Source) (*command.Result, error)
}

// OverrideService is the slice of the override manager the API needs.
type OverrideService interface {
	Start(ctx context.Context, deviceID string, mode override.Mode, duration time.Duration, manualSpeed int) (*override.Override, error)
	Cancel(ctx context.Context, deviceID string) (*override.Override, error)
	ActiveForDevice(ctx context.Context, deviceID string) ([]override.Override, error)
}

// ScheduleRemover deletes a schedule with end-of-window reconciliation.
// Satisfied by schedule.Arbiter.
type ScheduleRemover interface {
	Remove(ctx context.Context, scheduleID string) error
}

// TimerReloader re-arms schedule boundary timers after CRUD changes.
// Satisfied by schedule.Timers.
type TimerReloader interface {
	Reload(ctx context.Context) error
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config    config.APIConfig
	Logger    *logging.Logger
	Registry  *device.Registry
	Commands  CommandSender
	Audits    audit.Repository
	Overrides OverrideService
	Schedules schedule.Repository
	Remover   ScheduleRemover
	Timers    TimerReloader
	Version   string
}

// Server is the HTTP API server for Purifier Core.
//
// It manages the HTTP listener, routes, and middleware. The server is
// created with New() and started with Start().
type Server struct {
	cfg       config.APIConfig
	logger    *logging.Logger
	registry  *device.Registry
	commands  CommandSender
	audits    audit.Repository
	overrides OverrideService
	schedules schedule.Repository
	remover   ScheduleRemover
	timers    TimerReloader
	version   string
	server    *http.Server
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
//
// Parameters:
//   - deps: Required dependencies (config, logger, registry, dispatcher)
//
// Returns:
//   - *Server: Configured server ready to start
//   - error: If required dependencies are missing
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Registry == nil {
		return nil, fmt.Errorf("device registry is required")
	}
	if deps.Commands == nil {
		return nil, fmt.Errorf("command sender is required")
	}

	return &Server{
		cfg:       deps.Config,
		logger:    deps.Logger,
		registry:  deps.Registry,
		commands:  deps.Commands,
		audits:    deps.Audits,
		overrides: deps.Overrides,
		schedules: deps.Schedules,
		remover:   deps.Remover,
		timers:    deps.Timers,
		version:   deps.Version,
	}, nil
}

// Start begins listening for HTTP connections.
//
// The listener runs in a background goroutine; stop it with Close().
//
// Parameters:
//   - ctx: Context for cancellation (not used for listener lifetime)
//
// Returns:
//   - error: If the server fails to start (port in use, etc.)
func (s *Server) Start(_ context.Context) error {
	router := s.buildRouter()

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           router,
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		s.logger.Info("API server starting", "address", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//
// Returns:
//   - error: nil if healthy, error describing the issue otherwise
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("api server not started")
	}

	return nil
}

// Package api provides the local HTTP API for the Sound + Light daemon.
//
// It exposes the published device snapshot, control command submission,
// colour restoration, and MFA code entry to local automations and
// debugging tools. The server binds to loopback by default and carries no
// authentication of its own; the deployment surface is the host, not the
// network.
//
// The server follows the same lifecycle pattern as the other components:
//
//	server := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
//
// Thread Safety: All methods are safe for concurrent use.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/com6056/nanit-sound-light/internal/device"
	"github.com/com6056/nanit-sound-light/internal/infrastructure/config"
	"github.com/com6056/nanit-sound-light/internal/infrastructure/logging"
	"github.com/com6056/nanit-sound-light/internal/wire"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight
// requests during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Controller is the coordinator surface the API needs. Narrowed to an
// interface so handler tests run against a stub.
type Controller interface {
	GetSnapshot() device.Snapshot
	SendCommand(ctx context.Context, deviceID string, cmd wire.Command) error
	RestoreColor(ctx context.Context, deviceID string) error
	SubmitMFACode(ctx context.Context, code string) error
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config     config.APIConfig
	Logger     *logging.Logger
	Controller Controller
	Version    string
}

// Server is the daemon's local HTTP API server.
type Server struct {
	cfg     config.APIConfig
	logger  *logging.Logger
	ctrl    Controller
	version string
	server  *http.Server
}

// New creates an API server. The server does not listen until Start.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Controller == nil {
		return nil, fmt.Errorf("controller is required")
	}

	return &Server{
		cfg:     deps.Config,
		logger:  deps.Logger.With("component", "api"),
		ctrl:    deps.Controller,
		version: deps.Version,
	}, nil
}

// Start launches the HTTP listener in a background goroutine.
func (s *Server) Start(_ context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		s.logger.Info("API server listening", "address", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Close gracefully shuts down the server, waiting for in-flight requests.
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

package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nerrad567/gray-logic-comms/internal/device"
	"github.com/nerrad567/gray-logic-comms/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-comms/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-comms/internal/manager"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// DeviceSource lists device definitions. *device.Registry satisfies it.
type DeviceSource interface {
	ListDevices(ctx context.Context) ([]device.Device, error)
	GetDevice(ctx context.Context, id string) (*device.Device, error)
}

// DeviceRunner looks up running devices. *manager.Supervisor satisfies it.
type DeviceRunner interface {
	Get(id string) (*manager.Manager, error)
	Managers() []*manager.Manager
}

// HealthChecker is implemented by infrastructure clients.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config  config.APIConfig
	Metrics config.MetricsConfig
	Logger  *logging.Logger
	Devices DeviceSource
	Runner  DeviceRunner

	// Gatherer backs the Prometheus endpoint. Nil disables it.
	Gatherer prometheus.Gatherer

	// Checks are reported by the health endpoint, keyed by name.
	Checks map[string]HealthChecker

	Version string
}

// Server is the HTTP API server for graycomms.
//
// The server is created with New() and started with Start().
type Server struct {
	cfg       config.APIConfig
	metrics   config.MetricsConfig
	logger    *logging.Logger
	devices   DeviceSource
	runner    DeviceRunner
	gatherer  prometheus.Gatherer
	checks    map[string]HealthChecker
	version   string
	startTime time.Time

	server   *http.Server
	listener net.Listener
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
//
// Parameters:
//   - deps: Logger, Devices and Runner are required
//
// Returns:
//   - *Server: Configured server ready to start
//   - error: If required dependencies are missing
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Devices == nil {
		return nil, fmt.Errorf("device source is required")
	}
	if deps.Runner == nil {
		return nil, fmt.Errorf("device runner is required")
	}
	if deps.Config.CommandTimeout <= 0 {
		deps.Config.CommandTimeout = 30 * time.Second
	}
	if deps.Metrics.Path == "" {
		deps.Metrics.Path = "/metrics"
	}

	return &Server{
		cfg:       deps.Config,
		metrics:   deps.Metrics,
		logger:    deps.Logger,
		devices:   deps.Devices,
		runner:    deps.Runner,
		gatherer:  deps.Gatherer,
		checks:    deps.Checks,
		version:   deps.Version,
		startTime: time.Now(),
	}, nil
}

// Handler returns the router. Useful for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.buildRouter()
}

// Start binds the listener and serves in the background.
//
// Returns:
//   - error: If the address cannot be bound (port in use, etc.)
func (s *Server) Start(_ context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.server.Addr, err)
	}
	s.listener = ln

	s.logger.Info("API server starting", "address", ln.Addr().String())
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
//
// Returns:
//   - error: If shutdown encounters an error
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

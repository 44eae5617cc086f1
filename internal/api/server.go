package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nerrad567/device-monitor/internal/alert"
	"github.com/nerrad567/device-monitor/internal/audit"
	"github.com/nerrad567/device-monitor/internal/device"
	"github.com/nerrad567/device-monitor/internal/infrastructure/config"
	"github.com/nerrad567/device-monitor/internal/infrastructure/logging"
	"github.com/nerrad567/device-monitor/internal/infrastructure/metrics"
	"github.com/nerrad567/device-monitor/internal/state"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// DeviceStore is the registry surface the API reads and mutates.
type DeviceStore interface {
	ListDevices() []device.Record
	GetDevice(id string) (*device.Record, error)
	RemoveDevice(id string) error
	MarkCommandError(cmd device.Command) bool
	Summary() device.Summary
}

// CommandPublisher sends device commands to the broker.
type CommandPublisher interface {
	PublishCommand(topic string, payload []byte) error
	IsConnected() bool
}

// SensorCache serves the in-memory sensor ring buffers.
type SensorCache interface {
	SensorReadings(deviceKey, sensor string) []state.SensorReading
}

// SensorHistory serves historical readings from the time-series store.
type SensorHistory interface {
	SensorHistory(ctx context.Context, deviceID, sensor string, start, end time.Time, step time.Duration) (json.RawMessage, error)
}

// AlertStore lists and acknowledges alerts.
type AlertStore interface {
	List() []alert.Alert
	Acknowledge(id string) (alert.Alert, bool)
}

// RegistrationStatus reports controllers with registrations in flight.
type RegistrationStatus interface {
	Pending() []string
}

// AuditLog records and lists operator actions.
type AuditLog interface {
	Record(ctx context.Context, e *audit.Entry) error
	List(ctx context.Context, filter audit.Filter) (*audit.ListResult, error)
}

// Deps holds the dependencies required by the API server.
//
// Publisher, Sensors, History, Alerts, Registrations, Audit and Metrics
// are optional. Leave them nil rather than passing a typed nil pointer.
type Deps struct {
	Config   config.APIConfig
	WS       config.WebSocketConfig
	Security config.SecurityConfig
	Logger   *logging.Logger

	Devices       DeviceStore
	Publisher     CommandPublisher
	Sensors       SensorCache
	History       SensorHistory
	Alerts        AlertStore
	Registrations RegistrationStatus
	Audit         AuditLog
	Metrics       *metrics.Metrics

	// Hub, if set, is used instead of a server-owned hub. The owner runs
	// and closes it.
	Hub *Hub

	// CommandNamespace prefixes command topics built by the server.
	CommandNamespace string
	Version          string
}

// Server is the HTTP API server for the device monitor.
//
// It manages the HTTP listener, routes, middleware, and WebSocket hub.
// The server is created with New() and started with Start().
type Server struct {
	cfg    config.APIConfig
	wsCfg  config.WebSocketConfig
	secCfg config.SecurityConfig
	logger *logging.Logger

	devices       DeviceStore
	publisher     CommandPublisher
	sensors       SensorCache
	history       SensorHistory
	alerts        AlertStore
	registrations RegistrationStatus
	audit         AuditLog
	metrics       *metrics.Metrics

	commandNamespace string
	version          string
	startedAt        time.Time
	now              func() time.Time

	server      *http.Server
	hub         *Hub
	externalHub bool
	cancel      context.CancelFunc
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
//
// Parameters:
//   - deps: Required dependencies (logger, device store) plus optional backends
//
// Returns:
//   - *Server: Configured server ready to start
//   - error: If required dependencies are missing
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Devices == nil {
		return nil, fmt.Errorf("device store is required")
	}

	s := &Server{
		cfg:              deps.Config,
		wsCfg:            deps.WS,
		secCfg:           deps.Security,
		logger:           deps.Logger,
		devices:          deps.Devices,
		publisher:        deps.Publisher,
		sensors:          deps.Sensors,
		history:          deps.History,
		alerts:           deps.Alerts,
		registrations:    deps.Registrations,
		audit:            deps.Audit,
		metrics:          deps.Metrics,
		commandNamespace: deps.CommandNamespace,
		version:          deps.Version,
		now:              time.Now,
	}
	s.startedAt = s.now()

	if deps.Hub != nil {
		s.hub = deps.Hub
		s.externalHub = true
	} else {
		s.hub = NewHub(deps.WS, deps.Logger, deps.Devices, nil)
	}

	return s, nil
}

// Hub returns the WebSocket hub used by the server.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Start begins listening for HTTP connections.
//
// It starts a server-owned hub if none was injected, builds the router and
// launches the HTTP listener in a background goroutine. The server can be
// stopped with Close().
//
// Parameters:
//   - ctx: Parent context for background goroutines (not the listener)
//
// Returns:
//   - error: Always nil; listener failures are logged
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	if !s.externalHub {
		go s.hub.Run(srvCtx)
	}

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       s.cfg.Timeouts.ReadTimeout(),
		ReadHeaderTimeout: s.cfg.Timeouts.ReadTimeout(),
		WriteTimeout:      s.cfg.Timeouts.WriteTimeout(),
		IdleTimeout:       s.cfg.Timeouts.IdleTimeout(),
	}

	go func() {
		var err error
		if s.cfg.TLS.Enabled {
			s.logger.Info("API server starting with TLS",
				"address", s.server.Addr,
				"cert", s.cfg.TLS.CertFile,
			)
			err = s.server.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			s.logger.Info("API server starting", "address", s.server.Addr)
			err = s.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Close gracefully shuts down the API server.
//
// It stops accepting connections and waits up to 10 seconds for in-flight
// requests. A server-owned hub is stopped with it.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running and responsive.
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

// authEnabled reports whether mutating routes require a bearer token.
func (s *Server) authEnabled() bool {
	return s.secCfg.JWT.Secret != ""
}

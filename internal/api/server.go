package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nerrad567/gray-logic-pool/internal/audit"
	"github.com/nerrad567/gray-logic-pool/internal/auth"
	"github.com/nerrad567/gray-logic-pool/internal/bridges/pool"
	"github.com/nerrad567/gray-logic-pool/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-pool/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-pool/internal/infrastructure/metrics"
	"github.com/nerrad567/gray-logic-pool/internal/ratelimit"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// defaultCommandTimeout bounds POST /device/commands when Deps.CommandTimeout is zero.
const defaultCommandTimeout = 60 * time.Second

// Device is the view of a polled device the API needs.
// *pool.Orchestrator satisfies it.
type Device interface {
	DeviceID() string
	Snapshot() *pool.Snapshot
	Health() pool.HealthState
	LimiterStats() ratelimit.Stats
	Execute(ctx context.Context, req pool.CommandRequest) pool.CommandResult
	OnSnapshot(fn pool.SnapshotListener)
	OnAvailabilityChange(fn func(available bool, state pool.HealthState))
}

// AuditLister lists recorded commands. *audit.SQLiteRepository satisfies it.
type AuditLister interface {
	List(ctx context.Context, filter audit.Filter) (*audit.ListResult, error)
}

// Connectivity reports whether a transport is up. *mqtt.Client satisfies it.
type Connectivity interface {
	IsConnected() bool
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config         config.APIConfig
	WS             config.WebSocketConfig
	Security       config.SecurityConfig
	Logger         *logging.Logger
	Device         Device
	Audit          AuditLister         // optional: GET /device/commands returns 503 without it
	MQTT           Connectivity        // optional: reported by /health
	Metrics        *metrics.Registry   // optional
	Gatherer       prometheus.Gatherer // optional: serves /metrics when set
	CommandTimeout time.Duration       // bounds API-initiated commands
	Version        string
}

// Server is the HTTP API server for the pool bridge.
type Server struct {
	cfg            config.APIConfig
	wsCfg          config.WebSocketConfig
	logger         *logging.Logger
	device         Device
	audit          AuditLister
	mqtt           Connectivity
	metrics        *metrics.Registry
	gatherer       prometheus.Gatherer
	verifier       *auth.Verifier
	commandTimeout time.Duration
	version        string
	startTime      time.Time
	hub            *Hub
	router         http.Handler

	mu     sync.Mutex
	server *http.Server
	addr   net.Addr
}

// New creates a new API server with the given dependencies.
//
// Snapshot and availability listeners are registered on the device here,
// once, so supervisor restarts of Serve do not duplicate them.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Device == nil {
		return nil, fmt.Errorf("device is required")
	}
	commandTimeout := deps.CommandTimeout
	if commandTimeout <= 0 {
		commandTimeout = defaultCommandTimeout
	}

	s := &Server{
		cfg:            deps.Config,
		wsCfg:          deps.WS,
		logger:         deps.Logger.With("component", "api"),
		device:         deps.Device,
		audit:          deps.Audit,
		mqtt:           deps.MQTT,
		metrics:        deps.Metrics,
		gatherer:       deps.Gatherer,
		verifier:       auth.NewVerifier(deps.Security.JWT.Secret, deps.Security.JWT.Issuer),
		commandTimeout: commandTimeout,
		version:        deps.Version,
		startTime:      time.Now(),
	}

	s.hub = NewHub(s.wsCfg, s.logger)
	if s.metrics != nil {
		s.hub.OnClientCount(s.metrics.SetWebSocketClients)
	}

	deviceID := s.device.DeviceID()
	s.device.OnSnapshot(func(snap *pool.Snapshot, changed []string) {
		s.hub.Broadcast(ChannelSnapshot, newSnapshotEvent(deviceID, snap, changed))
	})
	s.device.OnAvailabilityChange(func(_ bool, state pool.HealthState) {
		s.hub.Broadcast(ChannelAvailability, pool.NewDeviceHealth(deviceID, state))
	})

	s.router = s.buildRouter()
	return s, nil
}

// String implements fmt.Stringer for suture logging.
func (s *Server) String() string {
	return "api-server"
}

// Handler returns the HTTP handler with all routes and middleware.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Hub returns the WebSocket hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Addr returns the bound listener address, or nil before Serve has bound.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Serve implements suture.Service. It listens until ctx is cancelled, then
// shuts down gracefully and disconnects WebSocket clients.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port))
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}

	srv := &http.Server{
		Handler:           s.router,
		ReadTimeout:       s.cfg.GetReadTimeout(),
		ReadHeaderTimeout: s.cfg.GetReadTimeout(),
		WriteTimeout:      s.cfg.GetWriteTimeout(),
		IdleTimeout:       s.cfg.GetIdleTimeout(),
	}

	s.mu.Lock()
	s.server = srv
	s.addr = ln.Addr()
	s.mu.Unlock()

	hubCtx, cancelHub := context.WithCancel(ctx)
	hubDone := make(chan struct{})
	go func() {
		s.hub.Run(hubCtx)
		close(hubDone)
	}()

	errCh := make(chan error, 1)
	go func() {
		var serveErr error
		if s.cfg.TLS.Enabled {
			s.logger.Info("API server starting with TLS", "address", ln.Addr().String(), "cert", s.cfg.TLS.CertFile)
			serveErr = srv.ServeTLS(ln, s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			s.logger.Info("API server starting", "address", ln.Addr().String())
			serveErr = srv.Serve(ln)
		}
		if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			errCh <- serveErr
		}
		close(errCh)
	}()

	defer func() {
		cancelHub()
		<-hubDone
		s.mu.Lock()
		s.server = nil
		s.mu.Unlock()
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("api server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
		defer cancel()

		s.logger.Info("API server shutting down")
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutting down API server: %w", err)
		}
		<-errCh
		return ctx.Err()
	}
}

// HealthCheck verifies the API server is running.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server == nil {
		return fmt.Errorf("api server not started")
	}
	return nil
}

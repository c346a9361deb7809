package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/nerrad567/ad8x-bridge/internal/audit"
	"github.com/nerrad567/ad8x-bridge/internal/bridges/ad8x"
	"github.com/nerrad567/ad8x-bridge/internal/infrastructure/config"
	"github.com/nerrad567/ad8x-bridge/internal/infrastructure/logging"
)

const gracefulShutdownTimeout = 10 * time.Second

// Amplifiers is the bridge surface the API reads and controls.
// *ad8x.Router implements it.
type Amplifiers interface {
	AmpHealth() []ad8x.AmpHealth
	Zones(ampID string) ([]ad8x.ZoneSnapshot, error)
	Zone(ampID string, zone int) (ad8x.ZoneSnapshot, error)
	Dispatch(ctx context.Context, in ad8x.Intent) error
	AllOff(ctx context.Context, source string) error
	Raw(ctx context.Context, ampID, cmd, source string) (string, error)
}

// HealthSource supplies the bridge health message. *ad8x.Bridge implements it.
type HealthSource interface {
	Health() ad8x.HealthMessage
}

// Deps holds the server's collaborators. Audit and Hub are optional.
type Deps struct {
	Config   config.APIConfig
	WS       config.WebSocketConfig
	Security config.SecurityConfig
	Logger   *logging.Logger
	Amps     Amplifiers
	Health   HealthSource
	Audit    audit.Repository
	Hub      *Hub
	Version  string
}

// Server is the HTTP API server.
type Server struct {
	cfg     config.APIConfig
	wsCfg   config.WebSocketConfig
	secCfg  config.SecurityConfig
	logger  *logging.Logger
	amps    Amplifiers
	health  HealthSource
	audit   audit.Repository
	hub     *Hub
	version string

	server   *http.Server
	listener net.Listener
	cancel   context.CancelFunc
}

// New creates a server. It is not listening until Start is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Amps == nil {
		return nil, fmt.Errorf("amplifiers are required")
	}
	if deps.Security.AuthRequired && deps.Security.JWT.Secret == "" {
		return nil, fmt.Errorf("jwt secret is required when auth is enabled")
	}

	hub := deps.Hub
	if hub == nil {
		hub = NewHub(deps.WS, deps.Logger)
	}

	return &Server{
		cfg:     deps.Config,
		wsCfg:   deps.WS,
		secCfg:  deps.Security,
		logger:  deps.Logger,
		amps:    deps.Amps,
		health:  deps.Health,
		audit:   deps.Audit,
		hub:     hub,
		version: deps.Version,
	}, nil
}

// Hub returns the WebSocket hub so it can be registered as a session observer.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler returns the routed handler without starting a listener.
func (s *Server) Handler() http.Handler {
	return s.buildRouter()
}

// Start binds the listen address and serves in the background. Binding
// errors are returned directly.
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	go s.hub.Run(srvCtx)

	s.server = &http.Server{
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(s.cfg.Host, fmt.Sprint(s.cfg.Port)))
	if err != nil {
		s.cancel()
		return fmt.Errorf("api listen: %w", err)
	}
	s.listener = ln
	s.logger.Info("API server listening", "address", ln.Addr().String())

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

// Close stops the hub and shuts the server down, waiting for in-flight
// requests up to ten seconds.
func (s *Server) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
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

// HealthCheck reports whether the server is running.
func (s *Server) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("api health check: %w", err)
	}
	if s.server == nil {
		return fmt.Errorf("api server not started")
	}
	return nil
}

// Package server exposes the local HTTP API: session ingestion for command
// wrappers, item management for the CLI, and websocket change
// notifications. It only ever listens on a loopback address.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/uesteibar/inloop/internal/db"
	"github.com/uesteibar/inloop/internal/ingest"
	"github.com/uesteibar/inloop/internal/resolve"
	"github.com/uesteibar/inloop/internal/tracker"
)

// DefaultAddr is the loopback address the daemon listens on.
const DefaultAddr = "127.0.0.1:19532"

// SchedulerStats reports scheduler activity for /api/status.
type SchedulerStats interface {
	InFlight() int
}

// Config holds the server's dependencies.
type Config struct {
	DB       *db.DB
	Tracker  *tracker.Tracker
	Ingest   *ingest.Service
	Resolver *resolve.Resolver
	// Hub serves /api/ws when non-nil.
	Hub *Hub
	// Scheduler is optional.
	Scheduler SchedulerStats
	// DefaultInterval is the configured polling interval reported when no
	// poll_interval setting is stored.
	DefaultInterval time.Duration
	Version         string
	Logger          zerolog.Logger
}

type Server struct {
	mux      *http.ServeMux
	srv      *http.Server
	listener net.Listener
}

// New binds addr, which must resolve to a loopback address. It does not
// start serving; call Serve for that.
func New(addr string, cfg Config) (*Server, error) {
	if err := CheckLoopback(addr); err != nil {
		return nil, err
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	s := &Server{
		mux:      mux,
		listener: ln,
		srv:      &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second},
	}
	s.registerRoutes(cfg)
	return s, nil
}

// CheckLoopback rejects addresses whose host is not a loopback IP or
// "localhost".
func CheckLoopback(addr string) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid listen address %q: %w", addr, err)
	}
	if host == "localhost" {
		return nil
	}
	ip := net.ParseIP(host)
	if ip == nil || !ip.IsLoopback() {
		return fmt.Errorf("listen address %q is not loopback", addr)
	}
	return nil
}

// Addr returns the listener's address (useful when binding to :0 in tests).
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Serve accepts connections until the server is closed.
func (s *Server) Serve() error {
	if err := s.srv.Serve(s.listener); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and waits for active requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) Close() error {
	return s.srv.Close()
}

func (s *Server) registerRoutes(cfg Config) {
	api := &apiHandler{
		db:              cfg.DB,
		tracker:         cfg.Tracker,
		ingest:          cfg.Ingest,
		resolver:        cfg.Resolver,
		scheduler:       cfg.Scheduler,
		defaultInterval: cfg.DefaultInterval,
		version:         cfg.Version,
		startAt:         time.Now(),
		logger:          cfg.Logger.With().Str("component", "api").Logger(),
	}
	if api.resolver == nil {
		api.resolver = resolve.New(nil)
	}

	s.mux.HandleFunc("GET /api/status", api.handleStatus)

	s.mux.HandleFunc("POST /api/sessions", api.handleRegisterSession)
	s.mux.HandleFunc("GET /api/sessions/{id}", api.handleGetSession)
	s.mux.HandleFunc("PATCH /api/sessions/{id}", api.handleUpdateSession)

	s.mux.HandleFunc("GET /api/items", api.handleListItems)
	s.mux.HandleFunc("POST /api/items", api.handleAddItem)
	s.mux.HandleFunc("GET /api/items/{id}", api.handleGetItem)
	s.mux.HandleFunc("DELETE /api/items/{id}", api.handleDeleteItem)
	s.mux.HandleFunc("POST /api/items/{id}/acknowledge", api.handleAcknowledge)
	s.mux.HandleFunc("POST /api/items/{id}/archive", api.handleArchive)
	s.mux.HandleFunc("POST /api/items/{id}/unarchive", api.handleUnarchive)
	s.mux.HandleFunc("GET /api/items/{id}/events", api.handleListEvents)

	s.mux.HandleFunc("GET /api/settings/poll_interval", api.handleGetPollInterval)
	s.mux.HandleFunc("PUT /api/settings/poll_interval", api.handleSetPollInterval)

	if cfg.Hub != nil {
		s.mux.HandleFunc("GET /api/ws", cfg.Hub.ServeWS)
	}

	s.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
}

package server

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	gosync "sync"
	"time"

	"github.com/insightrecorder/recsync/internal/config"
	"github.com/insightrecorder/recsync/internal/db"
	"github.com/insightrecorder/recsync/internal/sync"
)

// VersionInfo holds build-time version metadata.
type VersionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
}

// Server is the HTTP control surface for the sync engine.
type Server struct {
	mu       gosync.RWMutex
	cfg      config.Config
	db       *db.DB
	engine   *sync.Engine
	settings *config.SettingsStore
	mux      *http.ServeMux
	httpSrv  *http.Server
	version  VersionInfo

	heartbeat time.Duration

	// handlerDelay is injected before each timeout-wrapped
	// handler so tests can force a timeout. Zero in production.
	handlerDelay time.Duration
}

// New creates a new Server.
func New(
	cfg config.Config, database *db.DB, engine *sync.Engine,
	opts ...Option,
) *Server {
	s := &Server{
		cfg:       cfg,
		db:        database,
		engine:    engine,
		mux:       http.NewServeMux(),
		heartbeat: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.settings == nil {
		s.settings = config.NewSettingsStore(cfg)
	}
	s.routes()
	return s
}

// Option configures a Server.
type Option func(*Server)

// WithVersion sets the build-time version metadata.
func WithVersion(v VersionInfo) Option {
	return func(s *Server) { s.version = v }
}

// WithSettingsStore shares the live sync settings with the
// engine. Nil is ignored.
func WithSettingsStore(st *config.SettingsStore) Option {
	return func(s *Server) {
		if st != nil {
			s.settings = st
		}
	}
}

// WithHeartbeat sets the keepalive interval of event streams.
func WithHeartbeat(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.heartbeat = d
		}
	}
}

func (s *Server) routes() {
	s.mux.Handle("POST /api/v1/sync", s.withTimeout(s.handleStartSync))
	s.mux.Handle(
		"POST /api/v1/sync/{id}/cancel", s.withTimeout(s.handleCancelSync),
	)
	// SSE: no timeout, the connection is long-lived.
	s.mux.HandleFunc("GET /api/v1/sync/events", s.handleSyncEvents)

	s.mux.Handle("GET /api/v1/jobs", s.withTimeout(s.handleListJobs))
	s.mux.Handle("GET /api/v1/jobs/{id}", s.withTimeout(s.handleGetJob))

	s.mux.Handle("GET /api/v1/devices", s.withTimeout(s.handleListDevices))
	s.mux.Handle("GET /api/v1/devices/{id}", s.withTimeout(s.handleGetDevice))
	s.mux.Handle(
		"PATCH /api/v1/devices/{id}/settings",
		s.withTimeout(s.handleUpdateDeviceSettings),
	)
	s.mux.Handle(
		"GET /api/v1/devices/{id}/stats", s.withTimeout(s.handleDeviceStats),
	)
	s.mux.Handle(
		"GET /api/v1/devices/{id}/files", s.withTimeout(s.handleDeviceFiles),
	)

	s.mux.Handle("GET /api/v1/settings", s.withTimeout(s.handleGetSettings))
	s.mux.Handle("POST /api/v1/settings", s.withTimeout(s.handleSaveSettings))
	s.mux.Handle("GET /api/v1/version", s.withTimeout(s.handleGetVersion))
}

func (s *Server) handleGetVersion(
	w http.ResponseWriter, _ *http.Request,
) {
	writeJSON(w, http.StatusOK, s.version)
}

// SetPort updates the listen port (for testing).
func (s *Server) SetPort(port int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.Port = port
}

// Handler returns the http.Handler with middleware applied.
func (s *Server) Handler() http.Handler {
	return corsMiddleware(logMiddleware(s.mux))
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	s.mu.RLock()
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	s.mu.RUnlock()
	srv := &http.Server{
		Addr:        addr,
		Handler:     s.Handler(),
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 120 * time.Second,
	}
	s.mu.Lock()
	s.httpSrv = srv
	s.mu.Unlock()
	log.Printf("Starting server at http://%s", addr)
	return srv.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.RLock()
	srv := s.httpSrv
	s.mu.RUnlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// FindAvailablePort finds an available port starting from the
// given port, binding to the specified host.
func FindAvailablePort(host string, start int) int {
	for port := start; port < start+100; port++ {
		ln, err := net.Listen("tcp",
			net.JoinHostPort(host, strconv.Itoa(port)))
		if err == nil {
			ln.Close()
			return port
		}
	}
	return start
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fmt.Sprintf("http://%s",
		net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port)))
}

// Package web exposes the importer over a JSON HTTP API.
package web

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/vendorregistry/importer/internal/config"
	"github.com/vendorregistry/importer/internal/importer"
	"github.com/vendorregistry/importer/internal/lock"
	mw "github.com/vendorregistry/importer/internal/web/middleware"
)

// ImportService is the importer API the handlers call. Satisfied by
// *importer.Service.
type ImportService interface {
	StartImport(ctx context.Context, r io.Reader, filename string) (int64, error)
	GetStatus(ctx context.Context, id int64) (importer.RunStatus, error)
	Cancel(ctx context.Context, id int64) (importer.RunStatus, error)
	RecentRuns(ctx context.Context, limit int) ([]importer.RunStatus, error)
	StaleRuns(ctx context.Context) ([]importer.RunStatus, error)
	ClearAllLocks(ctx context.Context) (int64, error)
	ListActiveLocks(ctx context.Context) ([]lock.Info, error)
}

// HealthFunc reports whether a dependency is reachable.
type HealthFunc func(ctx context.Context) error

// Server is the HTTP server for the import API.
type Server struct {
	service ImportService
	cfg     *config.Config
	router  *chi.Mux
	server  *http.Server

	limiter     *mw.RateLimiter
	stopSweeper context.CancelFunc

	metrics http.Handler
	health  HealthFunc
}

// Option configures optional Server endpoints.
type Option func(*Server)

// WithMetricsHandler mounts h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithHealthCheck makes /healthz report 503 when fn fails.
func WithHealthCheck(fn HealthFunc) Option {
	return func(s *Server) { s.health = fn }
}

// NewServer creates a Server.
func NewServer(service ImportService, cfg *config.Config, opts ...Option) *Server {
	s := &Server{
		service: service,
		cfg:     cfg,
		router:  chi.NewRouter(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if cfg.Rate.Enabled {
		s.limiter = mw.NewRateLimiter(cfg.Rate.RequestsPerMinute, cfg.Rate.Burst, 10*time.Minute)
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(mw.TrustedRealIP(s.cfg.Security.TrustedProxies))
	s.router.Use(mw.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(securityHeaders)

	if s.limiter != nil {
		s.router.Use(s.limiter.Handler)
	}
}

func (s *Server) setupRoutes() {
	s.router.Get("/healthz", s.handleHealth)
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics)
	}

	s.router.Route("/api", func(r chi.Router) {
		r.Use(mw.APIKeyAuth(s.cfg.Security))

		r.Route("/imports", func(r chi.Router) {
			r.Post("/", s.handleStartImport)
			r.Get("/", s.handleRecentRuns)
			r.Get("/stale", s.handleStaleRuns)
			r.Get("/{id}", s.handleGetStatus)
			r.Post("/{id}/cancel", s.handleCancel)
		})

		r.Get("/locks", s.handleListLocks)
		r.Delete("/locks", s.handleClearLocks)
	})
}

// Start listens on addr until Shutdown. It returns http.ErrServerClosed
// after a clean shutdown.
func (s *Server) Start(addr string) error {
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout, // 0: an import response waits for the run
		IdleTimeout:  s.cfg.Server.IdleTimeout,
	}

	if s.limiter != nil {
		ctx, cancel := context.WithCancel(context.Background())
		s.stopSweeper = cancel
		go s.limiter.Run(ctx, time.Minute)
	}

	slog.Info("starting server", "addr", addr)
	return s.server.ListenAndServe()
}

// Shutdown stops accepting connections and waits for in-flight requests,
// including running imports, until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.stopSweeper != nil {
		s.stopSweeper()
	}
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the HTTP handler, for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

// writeJSON encodes v with status. Encoding errors are only logged since
// the header is already sent.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("json encode error", "error", err)
	}
}

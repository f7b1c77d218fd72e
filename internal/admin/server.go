package admin

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/tkingovr/wafguard/internal/audit"
	"github.com/tkingovr/wafguard/internal/filter"
	"github.com/tkingovr/wafguard/internal/metrics"
)

// ConfigSource hands out the active filter config.
type ConfigSource interface {
	Current() *filter.Config
}

// Server is the admin HTTP server: audit log, rule summary, dry-run checks
// and Prometheus metrics.
type Server struct {
	mux     *http.ServeMux
	logger  *slog.Logger
	store   audit.Store
	source  ConfigSource
	metrics *metrics.Metrics
	addr    string
}

// NewServer creates a new admin server.
func NewServer(addr string, store audit.Store, source ConfigSource, m *metrics.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		mux:     http.NewServeMux(),
		logger:  logger,
		store:   store,
		source:  source,
		metrics: m,
		addr:    addr,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /", s.handleOverview)
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("GET /api/v1/audit", s.handleAPIAudit)
	s.mux.HandleFunc("GET /api/v1/audit/stream", s.handleAuditStream)
	s.mux.HandleFunc("GET /api/v1/stats", s.handleAPIStats)
	s.mux.HandleFunc("GET /api/v1/rules", s.handleAPIRules)
	s.mux.HandleFunc("POST /api/v1/check", s.handleAPICheck)
	if s.metrics != nil {
		s.mux.Handle("GET /metrics", s.metrics.Handler())
	}
}

// ListenAndServe starts the admin HTTP server and stops it when ctx ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.addr,
		Handler: s.mux,
	}

	go func() {
		<-ctx.Done()
		srv.Close()
	}()

	s.logger.Info("starting admin server", "addr", s.addr)
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Handler returns the HTTP handler for embedding in other servers.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Package httpapi implements the HTTP API of spec §4.14/§6: a thin JSON
// translation over the Indexer and Query Engine, with request
// validation, shutdown gating, and a per-endpoint timeout ceiling.
package httpapi

import (
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/paparats/paparats/internal/embedcache"
	"github.com/paparats/paparats/internal/indexer"
	"github.com/paparats/paparats/internal/query"
	"github.com/paparats/paparats/internal/registry"
	"github.com/paparats/paparats/internal/telemetry"
	"github.com/paparats/paparats/internal/watcher"
)

// DefaultTimeout is the per-endpoint ceiling a handler races against,
// per spec §4.14.
const DefaultTimeout = 30 * time.Second

// Config wires a Server's collaborators. Watcher, EmbedCache, and
// Metrics are optional — GET /api/stats degrades to nulls for whichever
// are nil, since not every deployment runs a watcher or metrics sink.
type Config struct {
	Engine     *query.Engine
	Indexer    *indexer.Indexer
	Registry   *registry.Registry
	Watcher    *watcher.Coordinator
	EmbedCache *embedcache.Cache
	Metrics    *telemetry.QueryMetrics
	Logger     *slog.Logger
	Timeout    time.Duration
}

// Server is the HTTP API's chi-routed handler plus shutdown gating.
type Server struct {
	router     *chi.Mux
	engine     *query.Engine
	indexer    *indexer.Indexer
	registry   *registry.Registry
	watcher    *watcher.Coordinator
	embedCache *embedcache.Cache
	metrics    *telemetry.QueryMetrics
	logger     *slog.Logger
	startTime  time.Time
	draining   atomic.Bool
}

// NewServer builds a Server and its route table.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	s := &Server{
		engine:     cfg.Engine,
		indexer:    cfg.Indexer,
		registry:   cfg.Registry,
		watcher:    cfg.Watcher,
		embedCache: cfg.EmbedCache,
		metrics:    cfg.Metrics,
		logger:     logger,
		startTime:  time.Now(),
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.RequestID)
	r.Use(s.requestLogger)
	r.Use(chimiddleware.Timeout(timeout))
	r.Use(s.drainGate)

	r.Post("/api/search", s.handleSearch)
	r.Post("/api/index", s.handleIndex)
	r.Post("/api/file-changed", s.handleFileChanged)
	r.Post("/api/file-deleted", s.handleFileDeleted)
	r.Get("/health", s.handleHealth)
	r.Get("/api/stats", s.handleStats)

	s.router = r
	return s
}

// Handler returns the root http.Handler for the API.
func (s *Server) Handler() http.Handler {
	return s.router
}

// BeginDraining flips the shutdown flag: subsequent requests receive
// 503 until the process exits, per spec §5's shutdown sequencing.
func (s *Server) BeginDraining() {
	s.draining.Store(true)
}

// drainGate rejects new requests with 503 while the server is
// shutting down. /health is exempt so operators can still observe the
// draining state itself.
func (s *Server) drainGate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.draining.Load() && r.URL.Path != "/health" {
			writeJSON(w, http.StatusServiceUnavailable, healthErrorResponse{
				Status: "error",
				Error:  "server is shutting down",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requestLogger logs each request at info level with method, path,
// status, and duration, in the teacher's structured-logging idiom.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

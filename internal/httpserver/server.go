package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"ar-collect/internal/cache"
	"ar-collect/internal/collection"
	"ar-collect/internal/metrics"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handlers groups optional webhook handlers to mount.
type Handlers struct {
	VoiceWebhook   http.Handler
	BillingWebhook http.Handler
}

// Pinger reports whether a backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Dependencies exposes core dependencies to handlers that need them.
type Dependencies struct {
	Service  *collection.Service
	Store    Pinger
	Redis    *cache.Redis
	APIToken string
}

// Server wraps an http.Server with predefined routes.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	metrics    *metrics.Metrics
	handlers   Handlers
	deps       Dependencies
	basePath   string
}

// New creates a new HTTP server listening on addr with health, metrics, webhook,
// operator and portal endpoints.
func New(addr string, logger *slog.Logger, metricRegistry *metrics.Metrics, handlers Handlers, deps Dependencies, basePath string) *Server {
	server := &Server{
		logger:   logger.With("component", "http"),
		metrics:  metricRegistry,
		handlers: handlers,
		deps:     deps,
		basePath: normaliseBasePath(basePath),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", server.healthHandler)
	mux.Handle("/metrics", promhttp.Handler())

	if handlers.VoiceWebhook != nil {
		mux.Handle("/webhook/voice", handlers.VoiceWebhook)
	}
	if handlers.BillingWebhook != nil {
		mux.Handle("/webhook/billing", handlers.BillingWebhook)
	}
	if deps.Service != nil {
		server.mountAPI(mux)
		server.mountPortal(mux)
	}

	handler := mountWithBasePath(server.basePath, mux)

	server.httpServer = &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	if server.basePath != "" {
		server.logger.Info("http server configured with base path", "base_path", server.basePath)
	}

	return server
}

// Handler exposes the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening for incoming HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server listen: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.deps.Store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.Store.Ping(ctx); err != nil {
			s.logger.Warn("health check failed", "error", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			writeJSON(w, map[string]string{"status": "degraded"})
			return
		}
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, "failed to encode json", http.StatusInternalServerError)
	}
}

// writeError maps the collection error taxonomy onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, collection.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, collection.ErrInvalidArgument):
		status = http.StatusBadRequest
	case errors.Is(err, collection.ErrPreconditionFailed):
		status = http.StatusConflict
	case errors.Is(err, collection.ErrAdapterFailure):
		status = http.StatusBadGateway
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		s.metrics.Error("http")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

func decodeJSON(r *http.Request, dest any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	if err := dec.Decode(dest); err != nil {
		return fmt.Errorf("%w: decode body: %w", collection.ErrInvalidArgument, err)
	}
	return nil
}

// mountWithBasePath serves handler only under basePath and strips the prefix
// before routing. A prefix match must end on a path segment boundary.
func mountWithBasePath(basePath string, handler http.Handler) http.Handler {
	if basePath == "" {
		return handler
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rest, ok := strings.CutPrefix(r.URL.Path, basePath)
		if !ok || (rest != "" && rest[0] != '/') {
			http.NotFound(w, r)
			return
		}
		routed := r.Clone(r.Context())
		routed.URL.Path = rootIfEmpty(rest)
		if r.URL.RawPath != "" {
			raw, _ := strings.CutPrefix(r.URL.RawPath, basePath)
			routed.URL.RawPath = rootIfEmpty(raw)
		}
		handler.ServeHTTP(w, routed)
	})
}

func rootIfEmpty(p string) string {
	if p == "" {
		return "/"
	}
	return p
}

func normaliseBasePath(base string) string {
	base = strings.Trim(strings.TrimSpace(base), "/")
	if base == "" {
		return ""
	}
	return "/" + base
}

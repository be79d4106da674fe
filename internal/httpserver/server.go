// Package httpserver exposes health, metrics, provider webhooks and the admin API.
package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"bot-topup/internal/admin"
	"bot-topup/internal/auth"
	"bot-topup/internal/metrics"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handlers groups optional HTTP handlers to mount.
type Handlers struct {
	AtlanticWebhook http.Handler
	StripeWebhook   http.Handler
}

// Pinger reports store reachability for /healthz.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Dependencies are the services behind the built-in routes. The admin API
// is mounted only when both Admin and Tokens are set.
type Dependencies struct {
	Store    Pinger
	Admin    *admin.Service
	Tokens   *auth.TokenManager
	Currency string
}

// Server wraps an http.Server with predefined routes.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	metrics    *metrics.Metrics
	deps       Dependencies
	basePath   string
}

// New creates a new HTTP server listening on addr.
func New(addr string, logger *slog.Logger, metricRegistry *metrics.Metrics, handlers Handlers, deps Dependencies, basePath string) *Server {
	server := &Server{
		logger:   logger.With("component", "http"),
		metrics:  metricRegistry,
		deps:     deps,
		basePath: normaliseBasePath(basePath),
	}

	root := mux.NewRouter()
	router := root
	if server.basePath != "" {
		router = root.PathPrefix(server.basePath).Subrouter()
	}

	router.HandleFunc("/healthz", server.handleHealth).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	if handlers.AtlanticWebhook != nil {
		router.Handle("/webhook/atlantic", handlers.AtlanticWebhook)
	}
	if handlers.StripeWebhook != nil {
		router.Handle("/webhook/stripe", handlers.StripeWebhook)
	}

	if deps.Admin != nil && deps.Tokens != nil {
		api := router.PathPrefix("/admin").Subrouter()
		api.Use(server.requireAdmin)
		api.HandleFunc("/users", server.handleListUsers).Methods(http.MethodGet)
		api.HandleFunc("/logs", server.handleListLogs).Methods(http.MethodGet)
		api.HandleFunc("/users/{id:[0-9]+}/admin", server.handleGrant).Methods(http.MethodPut)
		api.HandleFunc("/users/{id:[0-9]+}/admin", server.handleRevoke).Methods(http.MethodDelete)
	}

	server.httpServer = &http.Server{
		Addr:              addr,
		Handler:           root,
		ReadHeaderTimeout: 5 * time.Second,
	}

	if server.basePath != "" {
		server.logger.Info("http server configured with base path", "base_path", server.basePath)
	}

	return server
}

// Handler returns the routed handler.
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

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.Store.Ping(ctx); err != nil {
			s.logger.Warn("health check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, "failed to encode json", http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func normaliseBasePath(base string) string {
	base = strings.TrimSpace(base)
	if base == "" || base == "/" {
		return ""
	}
	if !strings.HasPrefix(base, "/") {
		base = "/" + base
	}
	return strings.TrimSuffix(base, "/")
}

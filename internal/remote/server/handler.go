package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/kilupskalvis/gitview/internal/core"
	"github.com/kilupskalvis/gitview/internal/remote"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ServerConfig holds configurable limits for the server.
type ServerConfig struct {
	MaxRequestBody      int64 // bytes, for JSON endpoints
	MaxPackSize         int64 // bytes, for git request bodies; 0 disables the limit
	RequestsPerMinute   int   // per-token rate limit
	AuthRequired        bool  // require a token for git endpoints
	AdminToken          string
	DenyNonFastForwards bool
	Webhooks            *WebhookNotifier
	Metrics             *Metrics
}

// DefaultServerConfig returns reasonable defaults.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		MaxRequestBody:    1024 * 1024,        // 1MB
		MaxPackSize:       1024 * 1024 * 1024, // 1GB
		RequestsPerMinute: 300,
		AuthRequired:      true,
	}
}

// reservedRepoNames collide with the server's own routes.
var reservedRepoNames = map[string]bool{
	"admin":   true,
	"healthz": true,
	"readyz":  true,
	"status":  true,
	"metrics": true,
}

// Handler creates the HTTP handler with all routes and middleware. manager
// may be nil, in which case repositories cannot be created or deleted over
// the admin API.
// The returned cleanup function stops background goroutines and should be
// called on server shutdown.
func Handler(repos RepoOpener, manager RepoManager, tokens TokenStore, cfg *ServerConfig, logger *slog.Logger) (http.Handler, func()) {
	if cfg == nil {
		cfg = DefaultServerConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics()
	}

	rl := newRateLimiter(cfg.RequestsPerMinute)
	services := &Services{
		Repos:      repos,
		Translator: core.TranslatorOptions{DenyNonFastForwards: cfg.DenyNonFastForwards},
		Webhooks:   cfg.Webhooks,
		Metrics:    cfg.Metrics,
		Logger:     logger,
	}

	// applyMiddleware runs the first item outermost.
	// Execution order: auth -> requireRepo -> rl -> handler
	read := []func(http.Handler) http.Handler{rl.middleware}
	// Execution order: auth -> requireRepo -> requireWrite -> rl -> handler
	write := []func(http.Handler) http.Handler{rl.middleware}
	if cfg.AuthRequired {
		auth := authMiddleware(tokens, logger)
		read = []func(http.Handler) http.Handler{auth, requireRepo, rl.middleware}
		write = []func(http.Handler) http.Handler{auth, requireRepo, requireWrite, rl.middleware}
	}
	git := &gitHTTP{services: services, cfg: cfg, read: read, write: write, logger: logger}

	mux := http.NewServeMux()

	// Health endpoints (no auth)
	mux.HandleFunc("GET /healthz", handleHealthz)
	mux.HandleFunc("GET /readyz", readiness(tokens, manager))
	mux.HandleFunc("GET /status", handleStatus)
	mux.Handle("GET /metrics", promhttp.HandlerFor(cfg.Metrics.Registry, promhttp.HandlerOpts{}))

	if cfg.AdminToken != "" {
		admin := &adminAPI{repos: repos, manager: manager, tokens: tokens, maxBody: cfg.MaxRequestBody, logger: logger}
		mux.Handle("/admin/", admin.routes(cfg.AdminToken))
	}

	// Everything else is a view address followed by a git endpoint.
	mux.Handle("/", git)

	// Apply global middleware
	handler := applyMiddleware(mux,
		recoveryMiddleware(logger),
		requestIDMiddleware,
		loggingMiddleware(logger),
	)

	cleanup := func() {
		rl.Stop()
	}

	return handler, cleanup
}

// applyMiddleware applies middleware in reverse order so the first in the list runs first.
func applyMiddleware(h http.Handler, mws ...func(http.Handler) http.Handler) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// readiness fails while the token store or the repository directory is
// unreadable.
func readiness(tokens TokenStore, manager RepoManager) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		var reason string
		if _, err := tokens.ListTokens(); err != nil {
			reason = "token store unavailable"
		} else if manager != nil {
			if _, err := manager.List(); err != nil {
				reason = "repository directory unavailable"
			}
		}
		if reason != "" {
			http.Error(w, "not ready: "+reason, http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok"))
	}
}

func handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// handleStatus answers the readiness probe used by `gitview admin status`.
func handleStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(remote.ReadinessSentinel))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

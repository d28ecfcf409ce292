package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/faucetdb/valve/internal/alert"
	"github.com/faucetdb/valve/internal/config"
	"github.com/faucetdb/valve/internal/handler"
	"github.com/faucetdb/valve/internal/metrics"
	"github.com/faucetdb/valve/internal/openapi"
	"github.com/faucetdb/valve/internal/server/middleware"
	"github.com/faucetdb/valve/internal/service"
	"github.com/faucetdb/valve/internal/usage"
)

// Config holds the HTTP server configuration.
type Config struct {
	Host               string
	Port               int
	ShutdownTimeout    time.Duration
	CORSOrigins        []string
	APIKeyHeader       string
	LoginRatePerMinute int
	DemoRoutes         bool
	MaxBodySize        int64 // bytes
	Version            string
}

// DefaultConfig returns a Config with sensible production defaults.
func DefaultConfig() Config {
	return Config{
		Host:               "0.0.0.0",
		Port:               8080,
		ShutdownTimeout:    30 * time.Second,
		CORSOrigins:        []string{"*"},
		APIKeyHeader:       middleware.DefaultAPIKeyHeader,
		LoginRatePerMinute: 10,
		MaxBodySize:        1 << 20, // 1MB
	}
}

// DemoPaths are the resources served behind the API key gate when demo
// routes are on. They match the built-in permission templates.
var DemoPaths = []string{"/api/users", "/api/groups", "/api/ous", "/api/activity-logs"}

// Deps are the components the HTTP layer serves. Metrics and Recorder may be
// nil.
type Deps struct {
	Store     *config.Store
	Auth      *service.AuthService
	Keys      *service.KeyService
	Rotations *service.RotationManager
	Guard     *service.Guard
	Recorder  *usage.Recorder
	Analytics *usage.Analytics
	Rules     *alert.Rules
	Evaluator *alert.Evaluator
	Metrics   *metrics.Metrics
}

// Server is the top-level HTTP server for valve. It owns the Chi router and
// the components behind the management and forward-auth APIs.
type Server struct {
	cfg        Config
	deps       Deps
	gate       *middleware.Gate
	router     chi.Router
	httpServer *http.Server
	logger     *slog.Logger

	mu    sync.Mutex
	hooks []func(context.Context) error
}

// New creates a new Server, wires up all routes and middleware, and returns
// it ready to listen. Call ListenAndServe to start accepting connections.
func New(cfg Config, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:    cfg,
		deps:   deps,
		logger: logger,
		gate:   middleware.NewGate(deps.Guard, deps.Recorder, cfg.APIKeyHeader, logger),
	}
	s.setupRouter()
	return s
}

// OnShutdown registers fn to run after the HTTP server has drained, in
// registration order.
func (s *Server) OnShutdown(fn func(context.Context) error) {
	s.mu.Lock()
	s.hooks = append(s.hooks, fn)
	s.mu.Unlock()
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	// --- Global middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(s.logger))
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", s.gate.Header(), "X-Requested-With", middleware.RequestIDHeader},
		ExposedHeaders:   []string{"X-Request-ID", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(chimw.Compress(5))
	if s.cfg.MaxBodySize > 0 {
		r.Use(chimw.RequestSize(s.cfg.MaxBodySize))
	}

	// --- Health checks and docs (no auth required) ---
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	if s.deps.Metrics != nil {
		r.Handle("/metrics", s.deps.Metrics.Handler())
	}
	r.Get("/openapi.json", handler.NewOpenAPIHandler(openapi.Options{
		Version:      s.cfg.Version,
		APIKeyHeader: s.gate.Header(),
	}).ServeSpec)

	r.Route("/api/v1", func(r chi.Router) {
		// Forward-auth decisions for reverse proxies
		authCheck := handler.NewAuthCheckHandler(s.gate)
		r.Get("/auth/check", authCheck.Check)
		r.Post("/auth/check", authCheck.Check)

		r.Route("/system", func(r chi.Router) {
			sysHandler := handler.NewSystemHandler(s.deps.Store, s.deps.Auth)
			keyHandler := handler.NewKeyHandler(s.deps.Keys, s.deps.Rotations, s.deps.Analytics)
			usageHandler := handler.NewUsageHandler(s.deps.Analytics)
			alertHandler := handler.NewAlertHandler(s.deps.Rules, s.deps.Evaluator)

			// Login is unauthenticated but throttled per client IP
			r.With(middleware.RateLimit(s.cfg.LoginRatePerMinute)).Post("/admin/session", sysHandler.Login)
			r.Delete("/admin/session", sysHandler.Logout)

			// All other system endpoints require admin authentication
			r.Group(func(r chi.Router) {
				r.Use(middleware.Authenticate(s.deps.Auth))
				r.Use(middleware.RequireAdmin())

				// Admin management
				r.Get("/admin", sysHandler.ListAdmins)
				r.Post("/admin", sysHandler.CreateAdmin)

				// API key management
				r.Get("/api-key", keyHandler.ListAPIKeys)
				r.Post("/api-key", keyHandler.CreateAPIKey)
				r.Get("/api-key/{id}", keyHandler.GetAPIKey)
				r.Patch("/api-key/{id}", keyHandler.UpdateAPIKey)
				r.Delete("/api-key/{id}", keyHandler.DeleteAPIKey)
				r.Put("/api-key/{id}/rate-limit", keyHandler.SetRateLimit)
				r.Post("/api-key/{id}/revoke", keyHandler.RevokeAPIKey)
				r.Post("/api-key/{id}/rotate", keyHandler.RotateAPIKey)
				r.Get("/api-key/{id}/rotations", keyHandler.ListRotations)
				r.Get("/api-key/{id}/usage", keyHandler.KeyUsage)
				r.Get("/template", keyHandler.ListTemplates)

				// Analytics
				r.Get("/usage/stats", usageHandler.Stats)
				r.Get("/usage/logs", usageHandler.Logs)

				// Alert rules
				r.Get("/alert", alertHandler.ListRules)
				r.Post("/alert", alertHandler.CreateRule)
				r.Post("/alert/evaluate", alertHandler.Evaluate)
				r.Get("/alert/{id}", alertHandler.GetRule)
				r.Patch("/alert/{id}", alertHandler.UpdateRule)
				r.Delete("/alert/{id}", alertHandler.DeleteRule)
			})
		})
	})

	// --- Demo resources behind the API key gate ---
	if s.cfg.DemoRoutes {
		gated := r.With(middleware.RequireAPIKey(s.gate))
		for _, p := range DemoPaths {
			gated.HandleFunc(p, handler.Echo)
		}
	}

	s.router = r
}

// handleHealthz is a liveness probe. Returns 200 if the process is running.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

// handleReadyz is a readiness probe. Returns 200 when the store is reachable
// and 503 otherwise.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	httpStatus := http.StatusOK
	checks := map[string]string{"store": "ok"}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.deps.Store.Ping(ctx); err != nil {
		checks["store"] = "error: " + err.Error()
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": status,
		"checks": checks,
	})
}

// ListenAndServe starts the HTTP server and blocks until ctx is cancelled or
// a SIGINT or SIGTERM is received. It then drains in-flight requests and runs
// the shutdown hooks.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Listen for shutdown signals
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Start server in background goroutine
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", "addr", addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for shutdown signal or server error
	select {
	case err := <-errCh:
		return fmt.Errorf("server listen: %w", err)
	case <-ctx.Done():
		s.logger.Info("shutdown signal received, draining connections...")
	}

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	err := s.httpServer.Shutdown(shutdownCtx)
	if err != nil {
		err = fmt.Errorf("server shutdown: %w", err)
	}
	if hookErr := s.runHooks(shutdownCtx); hookErr != nil {
		err = errors.Join(err, hookErr)
	}
	s.logger.Info("server stopped")
	return err
}

func (s *Server) runHooks(ctx context.Context) error {
	s.mu.Lock()
	hooks := append([]func(context.Context) error(nil), s.hooks...)
	s.mu.Unlock()

	var errs []error
	for _, fn := range hooks {
		if err := fn(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Router returns the underlying Chi router, useful for testing.
func (s *Server) Router() chi.Router {
	return s.router
}

// ServeHTTP implements http.Handler, delegating to the router.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

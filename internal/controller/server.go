// Package controller contains the HTTP API of the task executor.
package controller

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"taskplane/internal/auth"
	"taskplane/internal/controller/handlers"
	"taskplane/internal/controller/middleware"
)

// Options tune the server middleware.
type Options struct {
	// Token is the bearer token required on task routes. TokenHash, the hex SHA-256
	// of the token, may be given instead. Both empty disables auth.
	Token     string
	TokenHash string
	// RateLimit is the per-client request rate; zero disables limiting.
	RateLimit float64
	RateBurst int
	// Metrics, when set, is served unauthenticated on /metrics.
	Metrics http.Handler
	Logger  *slog.Logger
}

// Server is the HTTP server for the task API.
type Server struct {
	httpServer *http.Server
}

// New creates a new API server backed by svc.
func New(addr string, svc handlers.TaskService, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	h := handlers.New(svc, opts.Logger)
	if opts.TokenHash == "" && opts.Token != "" {
		opts.TokenHash = auth.HashToken(opts.Token)
	}
	authMW := middleware.BearerAuth(opts.TokenHash)
	limitMW := middleware.NewRateLimiter(opts.RateLimit, opts.RateBurst).Middleware()
	protect := func(fn http.HandlerFunc) http.Handler {
		return limitMW(authMW(fn))
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", h.Healthz)
	if opts.Metrics != nil {
		mux.Handle("GET /metrics", opts.Metrics)
	}

	mux.Handle("POST /tasks", protect(h.CreateTask))
	mux.Handle("GET /tasks", protect(h.ListTasks))
	mux.Handle("GET /tasks/{id}", protect(h.GetTask))
	mux.Handle("PUT /tasks/{id}", protect(h.UpdateTask))
	mux.Handle("DELETE /tasks/{id}", protect(h.DeleteTask))
	mux.Handle("POST /tasks/{id}/start", protect(h.StartTask))
	mux.Handle("POST /tasks/{id}/stop", protect(h.StopTask))
	mux.Handle("POST /tasks/{id}/run", protect(h.TriggerTask))
	mux.Handle("GET /tasks/{id}/runs", protect(h.ListRuns))

	mux.Handle("GET /runs/{id}", protect(h.GetRun))
	mux.Handle("GET /runs/{id}/logs", protect(h.RunLogs))
	mux.Handle("GET /runs/{id}/metrics", protect(h.RunMetrics))
	mux.Handle("GET /runs/{id}/metrics/aggregate", protect(h.AggregateMetrics))

	return &Server{
		httpServer: &http.Server{
			Addr:    addr,
			Handler: middleware.Logging(opts.Logger)(mux),
			// Task deletion waits for instances and telemetry flushes.
			ReadTimeout:  10 * time.Second,
			WriteTimeout: time.Minute,
		},
	}
}

// Handler returns the routed and wrapped handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run starts the HTTP server. It blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	serverErr := make(chan error, 1)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
		shutDownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		return s.Shutdown(shutDownCtx)
	}
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

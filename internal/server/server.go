// Package server implements the aoipipe HTTP API and the SSE event channel.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashita-ai/aoipipe/internal/ratelimit"
	"github.com/ashita-ai/aoipipe/internal/tracker"
)

// Server is the aoipipe HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Runs, Broker, Status, Limiter, OpenAPISpec.
type ServerConfig struct {
	Runner PipelineStarter
	Logger *slog.Logger

	Runs    RunStore
	Broker  *Broker
	Status  *tracker.Store
	Limiter ratelimit.Limiter

	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
	OpenAPISpec         []byte
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := NewHandlers(HandlersDeps{
		Runner:      cfg.Runner,
		Runs:        cfg.Runs,
		Broker:      cfg.Broker,
		Status:      cfg.Status,
		Logger:      logger,
		Version:     cfg.Version,
		OpenAPISpec: cfg.OpenAPISpec,
	})

	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}
	startRL := ratelimit.Middleware(cfg.Limiter, ratelimit.ProjectKeyFunc, reqIDFunc, logger)

	mux := http.NewServeMux()

	mux.Handle("POST /v1/projects/{project_id}/pipeline", startRL(http.HandlerFunc(h.HandleStartPipeline)))
	mux.HandleFunc("GET /v1/projects/{project_id}/pipeline", h.HandlePipelineStatus)
	mux.HandleFunc("GET /v1/projects/{project_id}/pipeline/runs", h.HandleListRuns)
	mux.HandleFunc("GET /v1/pipeline/runs/{pipeline_id}", h.HandleGetRun)

	// Long-lived connection, not rate limited.
	mux.HandleFunc("GET /v1/subscribe", h.HandleSubscribe)

	mux.HandleFunc("GET /health", h.HandleHealth)
	mux.HandleFunc("GET /openapi.yaml", h.HandleOpenAPISpec)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → body limit → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(logger, handler)
	handler = bodyLimitMiddleware(cfg.MaxRequestBodyBytes, handler)
	handler = loggingMiddleware(logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           handler,
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      cfg.WriteTimeout,
		},
		handler: handler,
		logger:  logger,
	}
}

// bodyLimitMiddleware caps request bodies at limit bytes. A non-positive
// limit disables the cap.
func bodyLimitMiddleware(limit int64, next http.Handler) http.Handler {
	if limit <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, limit)
		}
		next.ServeHTTP(w, r)
	})
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}

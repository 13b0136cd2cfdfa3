// Package api exposes the gateway over HTTP: tool invocation, execution
// status and control, worker callbacks, and an SSE event stream.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mtaverner/toolgate/internal/auth"
	"github.com/mtaverner/toolgate/internal/events"
	"github.com/mtaverner/toolgate/internal/execution"
	"github.com/mtaverner/toolgate/internal/status"
	"github.com/mtaverner/toolgate/internal/tool"
)

// ToolInvoker runs tools on behalf of API callers.
type ToolInvoker interface {
	Invoke(ctx context.Context, toolName string, in tool.Input) (tool.Outcome, error)
	Retry(ctx context.Context, executionID string) (*execution.Execution, error)
}

// ToolCatalog is the read surface over registered tools.
type ToolCatalog interface {
	Get(name string) (*tool.Definition, error)
	List() []*tool.Definition
	Len() int
}

// StatusService answers status queries and applies callback and cancel
// transitions.
type StatusService interface {
	GetStatus(ctx context.Context, id string) (status.Snapshot, error)
	ReportCompletion(ctx context.Context, id string, report status.CompletionReport) error
	ReportFailure(ctx context.Context, id, message string) error
	Cancel(ctx context.Context, id string) error
}

// ExecutionCounter reports gateway load for the health endpoint.
type ExecutionCounter interface {
	CountActive(ctx context.Context) (int, error)
}

// Config holds API server configuration.
type Config struct {
	Listen string
	// APIKey is the legacy single bearer token (admin/full access).
	APIKey string
	// Tokens is an optional list of scoped bearer tokens.
	Tokens []auth.TokenConfig
	// CallbackSecret verifies worker callback signatures. Callbacks are
	// rejected when it is empty.
	CallbackSecret string
}

// Server is the HTTP API server.
type Server struct {
	config    Config
	invoker   ToolInvoker
	catalog   ToolCatalog
	statusSvc StatusService
	counter   ExecutionCounter
	events    *events.Hub
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates an API server. The hub is shared with the rest of the service
// so API clients see every lifecycle event, not only API-triggered ones.
func New(config Config, invoker ToolInvoker, catalog ToolCatalog, statusSvc StatusService, counter ExecutionCounter, hub *events.Hub, logger *slog.Logger) *Server {
	return &Server{
		config:    config,
		invoker:   invoker,
		catalog:   catalog,
		statusSvc: statusSvc,
		counter:   counter,
		events:    hub,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Start starts the HTTP server and blocks until ctx is cancelled or the
// listener fails.
func (s *Server) Start(ctx context.Context) error {
	router := s.setupRoutes()

	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoint.
	r.Get("/healthz", s.handleHealthz)

	// Worker callbacks are authenticated by HMAC signature, not bearer token.
	r.Post("/callbacks/executions/{executionID}/complete", s.handleCallbackComplete)
	r.Post("/callbacks/executions/{executionID}/fail", s.handleCallbackFail)

	// Protected API.
	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.With(s.requireScopes("tools:ro", "tools:rw", "*")).Get("/tools", s.handleListTools)
		r.With(s.requireScopes("tools:ro", "tools:rw", "*")).Get("/tools/{tool}", s.handleGetTool)
		r.With(s.requireScopes("tools:rw", "*")).Post("/tools/{tool}/executions", s.handleInvoke)
		r.With(s.requireScopes("executions:ro", "executions:rw", "*")).Get("/executions/{executionID}/status", s.handleGetStatus)
		r.With(s.requireScopes("executions:rw", "*")).Post("/executions/{executionID}/cancel", s.handleCancel)
		r.With(s.requireScopes("executions:rw", "*")).Post("/executions/{executionID}/retry", s.handleRetry)
		r.With(s.requireScopes("events:ro", "events:rw", "*")).Get("/events", s.handleEvents)
	})

	return r
}

// loggingMiddleware logs HTTP requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

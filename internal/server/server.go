// Package server exposes the hub's operation surface over HTTP: REST
// endpoints for ingestion and queries, plus SSE and websocket stream
// attachments.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tjfontaine/agentscope/internal/hub"
)

type Server struct {
	Router *chi.Mux
	Port   int
	logger *slog.Logger
	http   *http.Server

	// cancel unwinds long-lived stream handlers, which would otherwise
	// keep Shutdown waiting forever.
	cancel context.CancelFunc
}

// New builds the router with the standard middleware stack and mounts the
// hub's endpoints.
func New(port int, requestTimeout time.Duration, h *hub.Hub, logger *slog.Logger) *Server {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(logger))
	r.Use(middleware.Recoverer)
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "agentscope")
	})

	handlers := newHandlers(h, logger)

	// Streaming endpoints hold their connection open, so the request
	// timeout applies only to the REST group.
	r.Group(func(r chi.Router) {
		r.Use(TimeoutMiddleware(requestTimeout))
		r.Post("/v1/events", handlers.addEvent)
		r.Post("/v1/sessions", handlers.createSession)
		r.Get("/v1/sessions/{sessionID}/events", handlers.sessionEvents)
		r.Get("/v1/sessions/{sessionID}/tree", handlers.activityTree)
		r.Get("/v1/sessions/{sessionID}/export", handlers.exportSession)
		r.Delete("/v1/streams/{streamID}", handlers.stopStream)
		r.Get("/v1/health", handlers.health)
	})

	r.Get("/v1/sessions/{sessionID}/stream", handlers.streamSSE)
	r.Get("/v1/sessions/{sessionID}/ws", handlers.streamWebsocket)

	baseCtx, cancel := context.WithCancel(context.Background())
	return &Server{
		Router: r,
		Port:   port,
		logger: logger,
		cancel: cancel,
		http: &http.Server{
			Addr:        fmt.Sprintf(":%d", port),
			Handler:     r,
			BaseContext: func(net.Listener) context.Context { return baseCtx },
		},
	}
}

// Start blocks serving HTTP until Shutdown or a listener error.
func (s *Server) Start() error {
	s.logger.Info("starting server", slog.Int("port", s.Port))
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown cancels open stream handlers and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	return s.http.Shutdown(ctx)
}

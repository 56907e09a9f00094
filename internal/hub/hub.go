// Package hub exposes the externally invoked operation surface: event
// ingestion, session queries, activity trees, stream control, export, and
// health. Every operation runs under the resilience executor, which
// records outcomes into the health monitor and classifies failures before
// they cross the boundary.
package hub

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tjfontaine/agentscope/internal/domain"
	"github.com/tjfontaine/agentscope/internal/health"
	"github.com/tjfontaine/agentscope/internal/resilience"
	"github.com/tjfontaine/agentscope/internal/store"
	"github.com/tjfontaine/agentscope/internal/stream"
	"github.com/tjfontaine/agentscope/internal/tree"
)

// Hub wires the session store, broadcast engine, tree builder, and health
// monitor behind one operation surface.
type Hub struct {
	store    *store.Store
	streamer *stream.Streamer
	monitor  *health.Monitor
	executor *resilience.Executor
	logger   *slog.Logger
	tracer   trace.Tracer
}

// Option configures the hub.
type Option func(*Hub)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Hub) {
		h.logger = logger
	}
}

// New creates a hub around the given components.
func New(st *store.Store, sr *stream.Streamer, mon *health.Monitor, ex *resilience.Executor, opts ...Option) *Hub {
	h := &Hub{
		store:    st,
		streamer: sr,
		monitor:  mon,
		executor: ex,
		logger:   slog.Default(),
		tracer:   otel.Tracer("agentscope/hub"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// AddEvent validates and stores an event, broadcasts it to the session's
// live streams, and records ingestion latency. It returns the assigned
// stored-event id.
func (h *Hub) AddEvent(ctx context.Context, event *domain.Event) (string, error) {
	var stored domain.StoredEvent

	// The ingestion path carries a breaker; a persistently failing store
	// sheds load instead of queueing doomed work.
	execOpts := resilience.ExecOptions{Breaker: h.executor.BreakerFor("add_event")}

	err := h.executor.Execute(ctx, "add_event", execOpts, func(ctx context.Context) error {
		ctx, span := h.tracer.Start(ctx, "hub.AddEvent")
		defer span.End()

		if err := domain.ValidateEvent(event); err != nil {
			return err
		}
		span.SetAttributes(
			attribute.String("session.id", event.SessionID),
			attribute.String("event.type", string(event.Type)),
		)

		ingestStart := time.Now()
		var err error
		stored, err = h.store.AddEvent(ctx, event)
		if err != nil {
			return err
		}

		// Delivery failures are isolated inside the streamer; broadcast
		// never fails the ingestion path.
		h.streamer.Broadcast(event.SessionID, stored)
		h.monitor.RecordEvent(string(event.Type), time.Since(ingestStart))
		return nil
	})
	if err != nil {
		return "", err
	}
	return stored.ID, nil
}

// SessionEvents returns the retained events for a session. Unknown
// sessions yield a not-found error at this surface.
func (h *Hub) SessionEvents(ctx context.Context, sessionID string, filter store.Filter) ([]domain.StoredEvent, error) {
	var events []domain.StoredEvent

	err := h.executor.Execute(ctx, "session_events", resilience.ExecOptions{}, func(ctx context.Context) error {
		_, span := h.tracer.Start(ctx, "hub.SessionEvents")
		defer span.End()

		if _, ok := h.store.Session(sessionID); !ok {
			return domain.ErrNotFound(fmt.Sprintf("session %s not found", sessionID))
		}
		events = h.store.Events(sessionID, filter)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

// BuildActivityTree reconstructs the session's activity hierarchy from an
// immutable snapshot of its retained history.
func (h *Hub) BuildActivityTree(ctx context.Context, sessionID string, opts tree.Options) (*tree.Node, error) {
	var root *tree.Node

	err := h.executor.Execute(ctx, "build_tree", resilience.ExecOptions{}, func(ctx context.Context) error {
		_, span := h.tracer.Start(ctx, "hub.BuildActivityTree")
		defer span.End()

		sess, ok := h.store.Session(sessionID)
		if !ok {
			return domain.ErrNotFound(fmt.Sprintf("session %s not found", sessionID))
		}
		events := h.store.Events(sessionID, store.Filter{})
		root = tree.Build(events, tree.SessionInfo{
			ID:         sess.ID,
			RootTask:   sess.RootTask,
			Status:     sess.Status,
			CreatedAt:  sess.CreatedAt,
			DurationMs: sess.Metrics.TotalDurationMs,
		}, opts)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return root, nil
}

// StartStream subscribes a sink to a session's event feed, replaying
// recent history first.
func (h *Hub) StartStream(ctx context.Context, sessionID string, opts stream.Options, sink stream.Sink) (string, error) {
	var streamID string

	err := h.executor.Execute(ctx, "start_stream", resilience.ExecOptions{}, func(ctx context.Context) error {
		_, span := h.tracer.Start(ctx, "hub.StartStream")
		defer span.End()

		streamID = h.streamer.Start(sessionID, opts, sink)
		return nil
	})
	if err != nil {
		return "", err
	}
	return streamID, nil
}

// StopStream deactivates a stream. Unknown ids are a no-op.
func (h *Hub) StopStream(ctx context.Context, streamID string) error {
	return h.executor.Execute(ctx, "stop_stream", resilience.ExecOptions{}, func(context.Context) error {
		h.streamer.Stop(streamID)
		return nil
	})
}

// ExportSession serializes a session and its retained history.
func (h *Hub) ExportSession(ctx context.Context, sessionID string, format store.ExportFormat) ([]byte, error) {
	var data []byte

	err := h.executor.Execute(ctx, "export_session", resilience.ExecOptions{}, func(ctx context.Context) error {
		_, span := h.tracer.Start(ctx, "hub.ExportSession")
		defer span.End()

		var err error
		data, err = h.store.Export(sessionID, format)
		return err
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// CreateSession registers a session explicitly. Idempotent.
func (h *Hub) CreateSession(ctx context.Context, sessionID, rootTask string) (domain.Session, error) {
	var sess domain.Session

	err := h.executor.Execute(ctx, "create_session", resilience.ExecOptions{}, func(context.Context) error {
		sess = h.store.CreateSession(sessionID, rootTask)
		return nil
	})
	if err != nil {
		return domain.Session{}, err
	}
	return sess, nil
}

// HealthStatus reports aggregate health.
func (h *Hub) HealthStatus(detailed bool) health.Report {
	return h.monitor.Status(detailed)
}

// Alerts exposes the monitor's threshold alert feed.
func (h *Hub) Alerts() <-chan health.Alert {
	return h.monitor.Subscribe()
}

package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tjfontaine/agentscope/internal/domain"
	"github.com/tjfontaine/agentscope/internal/health"
	"github.com/tjfontaine/agentscope/internal/hub"
	"github.com/tjfontaine/agentscope/internal/store"
	"github.com/tjfontaine/agentscope/internal/stream"
	"github.com/tjfontaine/agentscope/internal/tree"
)

// sinkBuffer bounds outputs queued for a single connection. A client that
// falls this far behind is treated as failed and its stream stopped.
const sinkBuffer = 64

type handlers struct {
	hub    *hub.Hub
	logger *slog.Logger
}

func newHandlers(h *hub.Hub, logger *slog.Logger) *handlers {
	return &handlers{hub: h, logger: logger}
}

func (h *handlers) addEvent(w http.ResponseWriter, r *http.Request) {
	var event domain.Event
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		writeError(w, r, domain.ErrValidation(fmt.Sprintf("invalid event payload: %v", err)))
		return
	}

	id, err := h.hub.AddEvent(r.Context(), &event)
	if err != nil {
		writeError(w, r, err)
		return
	}

	AddLogField(r.Context(), "session_id", event.SessionID)
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (h *handlers) createSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"session_id"`
		RootTask  string `json:"root_task"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, domain.ErrValidation(fmt.Sprintf("invalid session payload: %v", err)))
		return
	}
	if req.SessionID == "" {
		writeError(w, r, domain.ErrValidation("session_id is required"))
		return
	}

	sess, err := h.hub.CreateSession(r.Context(), req.SessionID, req.RootTask)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (h *handlers) sessionEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	filter, err := filterFromQuery(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	events, err := h.hub.SessionEvents(r.Context(), sessionID, filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": sessionID,
		"events":     events,
	})
}

func (h *handlers) activityTree(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	opts := tree.Options{
		IncludeCompleted: r.URL.Query().Get("include_completed") != "false",
	}
	if raw := r.URL.Query().Get("max_depth"); raw != "" {
		depth, err := strconv.Atoi(raw)
		if err != nil || depth < 0 {
			writeError(w, r, domain.ErrValidation(fmt.Sprintf("invalid max_depth %q", raw)))
			return
		}
		opts.MaxDepth = depth
	}

	root, err := h.hub.BuildActivityTree(r.Context(), sessionID, opts)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, root)
}

func (h *handlers) exportSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	format := store.ExportFormat(r.URL.Query().Get("format"))
	if format == "" {
		format = store.ExportJSON
	}

	data, err := h.hub.ExportSession(r.Context(), sessionID, format)
	if err != nil {
		writeError(w, r, err)
		return
	}

	switch format {
	case store.ExportText:
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	default:
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (h *handlers) stopStream(w http.ResponseWriter, r *http.Request) {
	streamID := chi.URLParam(r, "streamID")
	if err := h.hub.StopStream(r.Context(), streamID); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	detailed := r.URL.Query().Get("detailed") == "true"
	report := h.hub.HealthStatus(detailed)

	status := http.StatusOK
	// Critical health keeps responding but signals load shedding upstream.
	if report.Status == health.LevelCritical {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

// streamOptionsFromQuery parses the shared subscription options for the
// SSE and websocket endpoints.
func streamOptionsFromQuery(r *http.Request) (stream.Options, error) {
	opts := stream.Options{
		Mode:    stream.ModeTree,
		Verbose: r.URL.Query().Get("verbose") == "true",
	}
	switch mode := r.URL.Query().Get("mode"); mode {
	case "", string(stream.ModeTree):
	case string(stream.ModeJSON):
		opts.Mode = stream.ModeJSON
	case string(stream.ModeCompact):
		opts.Mode = stream.ModeCompact
	default:
		return stream.Options{}, domain.ErrValidation(fmt.Sprintf("unknown stream mode %q", mode))
	}
	if raw := r.URL.Query().Get("slow_threshold"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			return stream.Options{}, domain.ErrValidation(fmt.Sprintf("invalid slow_threshold %q", raw))
		}
		opts.SlowThreshold = d
	}
	return opts, nil
}

func filterFromQuery(r *http.Request) (store.Filter, error) {
	var filter store.Filter

	if raw := r.URL.Query().Get("types"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			et := domain.EventType(strings.TrimSpace(part))
			if !et.Valid() {
				return store.Filter{}, domain.ErrValidation(fmt.Sprintf("unknown event type %q", part))
			}
			filter.Types = append(filter.Types, et)
		}
	}
	if raw := r.URL.Query().Get("status"); raw != "" {
		filter.Status = domain.EventStatus(raw)
	}
	if raw := r.URL.Query().Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return store.Filter{}, domain.ErrValidation(fmt.Sprintf("invalid since timestamp %q", raw))
		}
		filter.Since = since
	}
	if raw := r.URL.Query().Get("last"); raw != "" {
		last, err := strconv.Atoi(raw)
		if err != nil || last < 0 {
			return store.Filter{}, domain.ErrValidation(fmt.Sprintf("invalid last count %q", raw))
		}
		filter.Last = last
	}
	return filter, nil
}

// channelSink adapts the streamer's push-based delivery to a connection
// write loop. Send never blocks; a full buffer fails the stream so one
// slow client cannot stall ingestion.
type channelSink struct {
	ch chan stream.Output
}

func newChannelSink() *channelSink {
	return &channelSink{ch: make(chan stream.Output, sinkBuffer)}
}

func (s *channelSink) Send(out stream.Output) error {
	select {
	case s.ch <- out:
		return nil
	default:
		return errors.New("client not keeping up")
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

// writeError maps a failure to its HTTP status and a structured error
// body. Internal detail is already stripped by the execution layer in
// production mode.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	AddError(r.Context(), err)

	domErr := domain.Classify(err)
	writeJSON(w, domErr.HTTPStatusCode(), map[string]any{
		"error": map[string]string{
			"type":    string(domErr.Type),
			"message": domErr.Message,
		},
	})
}

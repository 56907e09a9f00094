package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// streamSSE attaches a server-sent-events subscription to a session.
// Replayed history arrives first, then live events until the client
// disconnects or the stream is stopped.
func (h *handlers) streamSSE(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	opts, err := streamOptionsFromQuery(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	sink := newChannelSink()
	streamID, err := h.hub.StartStream(r.Context(), sessionID, opts, sink)
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer h.hub.StopStream(context.Background(), streamID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Stream-ID", streamID)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	h.logger.Info("sse stream attached",
		slog.String("session_id", sessionID),
		slog.String("stream_id", streamID),
	)

	for {
		select {
		case <-r.Context().Done():
			return
		case out := <-sink.ch:
			data, err := json.Marshal(out)
			if err != nil {
				h.logger.Error("sse marshal failed", slog.String("error", err.Error()))
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", out.Kind, data)
			flusher.Flush()
		}
	}
}

package server

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/tjfontaine/agentscope/internal/domain"
	"github.com/tjfontaine/agentscope/internal/health"
	"github.com/tjfontaine/agentscope/internal/hub"
	"github.com/tjfontaine/agentscope/internal/resilience"
	"github.com/tjfontaine/agentscope/internal/store"
	"github.com/tjfontaine/agentscope/internal/stream"
)

func testServer(t *testing.T) *Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mon := health.New(health.WithLogger(logger))
	h := hub.New(
		store.New(store.WithLogger(logger)),
		stream.New(stream.WithLogger(logger)),
		mon,
		resilience.NewExecutor(resilience.WithRecorder(mon), resilience.WithLogger(logger)),
		hub.WithLogger(logger),
	)
	return New(0, 5*time.Second, h, logger)
}

func postEvent(t *testing.T, srv *Server, event domain.Event) string {
	t.Helper()
	body, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/v1/events", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Router.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["id"] == "" {
		t.Fatal("expected a stored event id")
	}
	return resp["id"]
}

func TestAddEventAndQuery(t *testing.T) {
	srv := testServer(t)

	postEvent(t, srv, domain.Event{
		Timestamp: time.Now(),
		SessionID: "sess-1",
		Type:      domain.EventTaskStarted,
		Status:    domain.StatusStarted,
		Details:   map[string]any{"name": "deploy"},
	})
	postEvent(t, srv, domain.Event{
		Timestamp: time.Now(),
		SessionID: "sess-1",
		Type:      domain.EventToolPreCall,
		Status:    domain.StatusRunning,
		Details:   map[string]any{"name": "file_read"},
	})

	req := httptest.NewRequest(http.MethodGet, "/v1/sessions/sess-1/events", nil)
	rec := httptest.NewRecorder()
	srv.Router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("expected a request id header")
	}
	var resp struct {
		SessionID string               `json:"session_id"`
		Events    []domain.StoredEvent `json:"events"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(resp.Events))
	}
}

func TestAddEventRejectsInvalid(t *testing.T) {
	srv := testServer(t)

	body := []byte(`{"session_id": "", "type": "task_started", "status": "started"}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/events", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if resp.Error.Type != "validation" {
		t.Errorf("expected validation error, got %q", resp.Error.Type)
	}
}

func TestAddEventRejectsMalformedJSON(t *testing.T) {
	srv := testServer(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/events", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	srv.Router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestEventFilters(t *testing.T) {
	srv := testServer(t)

	for i := 0; i < 3; i++ {
		postEvent(t, srv, domain.Event{
			Timestamp: time.Now(),
			SessionID: "sess-f",
			Type:      domain.EventToolPreCall,
			Status:    domain.StatusRunning,
			Details:   map[string]any{"name": fmt.Sprintf("tool-%d", i)},
		})
	}
	postEvent(t, srv, domain.Event{
		Timestamp: time.Now(),
		SessionID: "sess-f",
		Type:      domain.EventToolError,
		Status:    domain.StatusError,
	})

	req := httptest.NewRequest(http.MethodGet, "/v1/sessions/sess-f/events?types=tool_pre_call&last=2", nil)
	rec := httptest.NewRecorder()
	srv.Router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp struct {
		Events []domain.StoredEvent `json:"events"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Events) != 2 {
		t.Fatalf("expected 2 filtered events, got %d", len(resp.Events))
	}
	for _, ev := range resp.Events {
		if ev.Type != domain.EventToolPreCall {
			t.Errorf("unexpected type %q in filtered results", ev.Type)
		}
	}
}

func TestEventFiltersRejectUnknownType(t *testing.T) {
	srv := testServer(t)
	postEvent(t, srv, domain.Event{
		Timestamp: time.Now(),
		SessionID: "sess-g",
		Type:      domain.EventTaskStarted,
		Status:    domain.StatusStarted,
	})

	req := httptest.NewRequest(http.MethodGet, "/v1/sessions/sess-g/events?types=bogus", nil)
	rec := httptest.NewRecorder()
	srv.Router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestSessionNotFound(t *testing.T) {
	srv := testServer(t)

	for _, path := range []string{
		"/v1/sessions/ghost/events",
		"/v1/sessions/ghost/tree",
		"/v1/sessions/ghost/export",
	} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		srv.Router.ServeHTTP(rec, req)
		if rec.Code != http.StatusNotFound {
			t.Errorf("%s: expected 404, got %d", path, rec.Code)
		}
	}
}

func TestActivityTree(t *testing.T) {
	srv := testServer(t)

	postEvent(t, srv, domain.Event{
		Timestamp: time.Now(),
		SessionID: "sess-t",
		Type:      domain.EventTaskStarted,
		Status:    domain.StatusStarted,
		Details:   map[string]any{"name": "T"},
	})
	postEvent(t, srv, domain.Event{
		Timestamp: time.Now(),
		SessionID: "sess-t",
		Type:      domain.EventToolPreCall,
		Status:    domain.StatusRunning,
		Details:   map[string]any{"name": "file_read"},
	})

	req := httptest.NewRequest(http.MethodGet, "/v1/sessions/sess-t/tree", nil)
	rec := httptest.NewRecorder()
	srv.Router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var root struct {
		Name     string `json:"name"`
		Children []struct {
			Name string `json:"name"`
		} `json:"children"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &root); err != nil {
		t.Fatalf("decode tree: %v", err)
	}
	if root.Name != "T" {
		t.Errorf("expected root task T, got %q", root.Name)
	}
	if len(root.Children) != 1 || root.Children[0].Name != "file_read" {
		t.Errorf("expected single file_read child, got %+v", root.Children)
	}
}

func TestActivityTreeRejectsBadDepth(t *testing.T) {
	srv := testServer(t)
	postEvent(t, srv, domain.Event{
		Timestamp: time.Now(),
		SessionID: "sess-d",
		Type:      domain.EventTaskStarted,
		Status:    domain.StatusStarted,
	})

	req := httptest.NewRequest(http.MethodGet, "/v1/sessions/sess-d/tree?max_depth=nope", nil)
	rec := httptest.NewRecorder()
	srv.Router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestExportFormats(t *testing.T) {
	srv := testServer(t)
	postEvent(t, srv, domain.Event{
		Timestamp: time.Now(),
		SessionID: "sess-e",
		Type:      domain.EventTaskStarted,
		Status:    domain.StatusStarted,
		Details:   map[string]any{"name": "export me"},
	})

	req := httptest.NewRequest(http.MethodGet, "/v1/sessions/sess-e/export", nil)
	rec := httptest.NewRecorder()
	srv.Router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected json content type, got %q", ct)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/sessions/sess-e/export?format=text", nil)
	rec = httptest.NewRecorder()
	srv.Router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "sess-e") {
		t.Error("text export should mention the session id")
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/sessions/sess-e/export?format=xml", nil)
	rec = httptest.NewRecorder()
	srv.Router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown format, got %d", rec.Code)
	}
}

func TestCreateSession(t *testing.T) {
	srv := testServer(t)

	body := []byte(`{"session_id": "sess-c", "root_task": "nightly build"}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/sessions", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var sess domain.Session
	if err := json.Unmarshal(rec.Body.Bytes(), &sess); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	if sess.ID != "sess-c" || sess.RootTask != "nightly build" {
		t.Errorf("unexpected session %+v", sess)
	}

	req = httptest.NewRequest(http.MethodPost, "/v1/sessions", bytes.NewReader([]byte(`{"root_task": "x"}`)))
	rec = httptest.NewRecorder()
	srv.Router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing session_id, got %d", rec.Code)
	}
}

func TestHealthEndpoint(t *testing.T) {
	srv := testServer(t)

	postEvent(t, srv, domain.Event{
		Timestamp: time.Now(),
		SessionID: "sess-h",
		Type:      domain.EventTaskStarted,
		Status:    domain.StatusStarted,
	})

	req := httptest.NewRequest(http.MethodGet, "/v1/health", nil)
	rec := httptest.NewRecorder()
	srv.Router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var report health.Report
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if report.Status != health.LevelHealthy {
		t.Errorf("expected healthy, got %q", report.Status)
	}
	if report.Operations != nil {
		t.Error("summary report should omit per-operation stats")
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/health?detailed=true", nil)
	rec = httptest.NewRecorder()
	srv.Router.ServeHTTP(rec, req)
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatalf("decode detailed report: %v", err)
	}
	// Requests above were recorded through the executor.
	if report.TotalRequests == 0 {
		t.Error("detailed report should count prior requests")
	}
}

func TestStopStreamUnknownIsNoOp(t *testing.T) {
	srv := testServer(t)

	req := httptest.NewRequest(http.MethodDelete, "/v1/streams/ghost", nil)
	rec := httptest.NewRecorder()
	srv.Router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
}

func TestStreamSSEReplaysHistory(t *testing.T) {
	srv := testServer(t)

	ts := httptest.NewServer(srv.Router)
	defer ts.Close()

	for i := 0; i < 3; i++ {
		postEvent(t, srv, domain.Event{
			Timestamp: time.Now(),
			SessionID: "sess-s",
			Type:      domain.EventToolPreCall,
			Status:    domain.StatusRunning,
			Details:   map[string]any{"name": fmt.Sprintf("tool-%d", i)},
		})
	}

	resp, err := http.Get(ts.URL + "/v1/sessions/sess-s/stream?mode=json")
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected event stream, got %q", ct)
	}
	if resp.Header.Get("X-Stream-ID") == "" {
		t.Fatal("expected a stream id header")
	}

	reader := bufio.NewReader(resp.Body)
	var got int
	for got < 3 {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var out stream.Output
		if err := json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "data: ")), &out); err != nil {
			t.Fatalf("decode output: %v", err)
		}
		if out.Event == nil {
			t.Fatal("json mode should carry the full event")
		}
		want := fmt.Sprintf("tool-%d", got)
		if name := out.Event.DisplayName(); name != want {
			t.Errorf("replay out of order: expected %s, got %s", want, name)
		}
		got++
	}
}

func TestStreamRejectsUnknownMode(t *testing.T) {
	srv := testServer(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/sessions/sess-x/stream?mode=fancy", nil)
	rec := httptest.NewRecorder()
	srv.Router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

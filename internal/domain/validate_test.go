package domain

import (
	"fmt"
	"strings"
	"testing"
	"time"
)

func validEvent() *Event {
	return &Event{
		Timestamp: time.Now(),
		SessionID: "s1",
		Type:      EventTaskStarted,
		Status:    StatusStarted,
	}
}

func TestValidateEvent_Valid(t *testing.T) {
	e := validEvent()
	e.Details = map[string]any{"name": "build", "attempt": 1}
	e.Display = &DisplayInfo{Name: "build", IconKey: "hammer", ColorKey: "blue"}

	if err := ValidateEvent(e); err != nil {
		t.Fatalf("expected valid event, got %v", err)
	}
}

func TestValidateEvent_RequiredFields(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Event)
	}{
		{"nil timestamp", func(e *Event) { e.Timestamp = time.Time{} }},
		{"empty session id", func(e *Event) { e.SessionID = "" }},
		{"empty event type", func(e *Event) { e.Type = "" }},
		{"unknown event type", func(e *Event) { e.Type = "task_exploded" }},
		{"empty status", func(e *Event) { e.Status = "" }},
		{"unknown status", func(e *Event) { e.Status = "confused" }},
		{"negative duration", func(e *Event) {
			d := -1.0
			e.DurationMs = &d
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := validEvent()
			tt.mutate(e)

			err := ValidateEvent(e)
			if err == nil {
				t.Fatal("expected validation error, got nil")
			}
			typed := Classify(err)
			if typed.Type != ErrorTypeValidation {
				t.Errorf("expected validation error type, got %s", typed.Type)
			}
		})
	}
}

func TestValidateEvent_NilEvent(t *testing.T) {
	if err := ValidateEvent(nil); err == nil {
		t.Fatal("expected error for nil event")
	}
}

func TestValidateEvent_DetailsCaps(t *testing.T) {
	tooManyKeys := make(map[string]any)
	for i := 0; i < MaxDetailsKeys+1; i++ {
		tooManyKeys[fmt.Sprintf("key-%d", i)] = i
	}

	longList := make([]any, MaxDetailsElements+1)

	tests := []struct {
		name    string
		details map[string]any
		wantErr bool
	}{
		{"depth 3 ok", map[string]any{"a": map[string]any{"b": map[string]any{"c": 1}}}, false},
		{"depth 4 rejected", map[string]any{"a": map[string]any{"b": map[string]any{"c": map[string]any{"d": 1}}}}, true},
		{"too many keys", tooManyKeys, true},
		{"long list", map[string]any{"items": longList}, true},
		{"long key", map[string]any{strings.Repeat("k", MaxKeyLength+1): 1}, true},
		{"long string", map[string]any{"s": strings.Repeat("x", MaxStringLength+1)}, true},
		{"nested list ok", map[string]any{"a": []any{[]any{"x"}}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := validEvent()
			e.Details = tt.details

			err := ValidateEvent(e)
			if tt.wantErr && err == nil {
				t.Fatal("expected validation error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("expected no error, got %v", err)
			}
		})
	}
}

func TestValidateEvent_DisplayCaps(t *testing.T) {
	e := validEvent()
	e.Display = &DisplayInfo{Name: strings.Repeat("n", MaxDisplayField+1)}

	if err := ValidateEvent(e); err == nil {
		t.Fatal("expected validation error for oversized display name")
	}
}

func TestEventType_IndentLevel(t *testing.T) {
	tests := []struct {
		typ  EventType
		want int
	}{
		{EventTaskStarted, 0},
		{EventTaskComplete, 0},
		{EventSubagentSpawn, 1},
		{EventToolPreCall, 2},
		{EventProtocolRequest, 2},
	}

	for _, tt := range tests {
		if got := tt.typ.IndentLevel(); got != tt.want {
			t.Errorf("IndentLevel(%s) = %d, want %d", tt.typ, got, tt.want)
		}
	}
}

func TestEventStatus_Terminal(t *testing.T) {
	terminal := []EventStatus{StatusSuccess, StatusError, StatusTimeout}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []EventStatus{StatusStarted, StatusRunning} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestEvent_DisplayName(t *testing.T) {
	e := validEvent()
	if got := e.DisplayName(); got != string(EventTaskStarted) {
		t.Errorf("fallback name = %q, want event type", got)
	}

	e.Details = map[string]any{"name": "from-details"}
	if got := e.DisplayName(); got != "from-details" {
		t.Errorf("details name = %q", got)
	}

	e.Display = &DisplayInfo{Name: "explicit"}
	if got := e.DisplayName(); got != "explicit" {
		t.Errorf("display name = %q", got)
	}
}

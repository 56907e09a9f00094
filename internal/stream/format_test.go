package stream

import (
	"strings"
	"testing"
	"time"

	"github.com/tjfontaine/agentscope/internal/domain"
)

func formatEvent(typ domain.EventType, status domain.EventStatus) domain.StoredEvent {
	return domain.StoredEvent{
		Event: domain.Event{
			Timestamp: time.Now(),
			SessionID: "s1",
			Type:      typ,
			Status:    status,
			Details:   map[string]any{"name": "file_read"},
		},
		ID: "e1",
	}
}

func TestFormat_TreeMode(t *testing.T) {
	ev := formatEvent(domain.EventToolPreCall, domain.StatusStarted)

	out := Format(ev, "stream-1", Options{Mode: ModeTree})
	if out == nil {
		t.Fatal("expected an output")
	}
	if out.Indent != 2 {
		t.Errorf("tool indent = %d, want 2", out.Indent)
	}
	if !strings.HasPrefix(out.Line, "    file_read") {
		t.Errorf("tree line not indented: %q", out.Line)
	}
	if !strings.Contains(out.Line, "[started]") {
		t.Errorf("tree line missing status: %q", out.Line)
	}
}

func TestFormat_JSONMode(t *testing.T) {
	ev := formatEvent(domain.EventTaskStarted, domain.StatusStarted)

	out := Format(ev, "stream-1", Options{Mode: ModeJSON})
	if out.Event == nil {
		t.Fatal("json mode must carry the full event")
	}
	if out.StreamID != "stream-1" {
		t.Errorf("stream id = %q", out.StreamID)
	}
	if out.Event.ID != "e1" {
		t.Errorf("event id = %q", out.Event.ID)
	}
}

func TestFormat_CompactMode(t *testing.T) {
	ev := formatEvent(domain.EventToolPostCall, domain.StatusSuccess)

	out := Format(ev, "stream-1", Options{Mode: ModeCompact})
	want := "tool_post_call file_read success"
	if out.Line != want {
		t.Errorf("compact line = %q, want %q", out.Line, want)
	}
}

func TestFormat_AbstractDirectives(t *testing.T) {
	ev := formatEvent(domain.EventToolError, domain.StatusError)

	out := Format(ev, "stream-1", Options{Mode: ModeTree})
	if out.IconKey != "tool" {
		t.Errorf("icon key = %q, want category fallback", out.IconKey)
	}
	if out.ColorKey != "error" {
		t.Errorf("color key = %q, want error", out.ColorKey)
	}

	ev.Display = &domain.DisplayInfo{IconKey: "wrench", ColorKey: "magenta"}
	out = Format(ev, "stream-1", Options{Mode: ModeTree})
	if out.IconKey != "wrench" || out.ColorKey != "magenta" {
		t.Errorf("producer hints not honored: icon=%q color=%q", out.IconKey, out.ColorKey)
	}
}

func TestFormat_DurationInTreeLine(t *testing.T) {
	ev := formatEvent(domain.EventToolPostCall, domain.StatusSuccess)
	d := 42.0
	ev.DurationMs = &d

	out := Format(ev, "stream-1", Options{Mode: ModeTree})
	if !strings.Contains(out.Line, "(42ms)") {
		t.Errorf("duration missing from tree line: %q", out.Line)
	}
}

func TestFormatSlowAlert(t *testing.T) {
	ev := formatEvent(domain.EventToolPostCall, domain.StatusSuccess)
	d := 7500.0
	ev.DurationMs = &d

	out := FormatSlowAlert(ev, "stream-1", Options{Mode: ModeTree})
	if out.Kind != OutputSlowAlert {
		t.Errorf("kind = %s", out.Kind)
	}
	if !strings.Contains(out.Line, "file_read") || !strings.Contains(out.Line, "7.5s") {
		t.Errorf("alert line = %q", out.Line)
	}
}

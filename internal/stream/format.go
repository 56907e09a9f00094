package stream

import (
	"fmt"
	"strings"
	"time"

	"github.com/tjfontaine/agentscope/internal/domain"
)

// Mode selects the output representation for a stream.
type Mode string

const (
	// ModeTree renders one indented human-readable line per event, with
	// indentation inferred from the event-type category.
	ModeTree Mode = "tree"

	// ModeJSON carries the stream id, timestamp, and full event for
	// machine consumers.
	ModeJSON Mode = "json"

	// ModeCompact renders a minimal single-line text form.
	ModeCompact Mode = "compact"
)

// OutputKind distinguishes regular event outputs from alerts.
type OutputKind string

const (
	OutputEvent     OutputKind = "event"
	OutputSlowAlert OutputKind = "slow_operation"
)

// Output is one formatted emission for one stream. Line is populated for
// the text modes; Event for ModeJSON. IconKey and ColorKey are abstract
// directives resolved by the presentation layer, never literal glyphs or
// escape codes.
type Output struct {
	Kind      OutputKind          `json:"kind"`
	StreamID  string              `json:"stream_id"`
	Timestamp time.Time           `json:"timestamp"`
	Line      string              `json:"line,omitempty"`
	Event     *domain.StoredEvent `json:"event,omitempty"`
	IconKey   string              `json:"icon_key,omitempty"`
	ColorKey  string              `json:"color_key,omitempty"`
	Indent    int                 `json:"indent"`
}

// Format is a pure function of the event and stream options. It returns
// nil when the options filter the event out entirely.
func Format(ev domain.StoredEvent, streamID string, opts Options) *Output {
	// Progress chatter is suppressed unless the stream asked for it.
	if !opts.Verbose && ev.Type == domain.EventTaskProgress {
		return nil
	}

	out := &Output{
		Kind:      OutputEvent,
		StreamID:  streamID,
		Timestamp: ev.Timestamp,
		IconKey:   iconKey(ev),
		ColorKey:  colorKey(ev),
		Indent:    ev.Type.IndentLevel(),
	}

	switch opts.Mode {
	case ModeJSON:
		stored := ev
		out.Event = &stored
	case ModeCompact:
		out.Line = fmt.Sprintf("%s %s %s", ev.Type, ev.DisplayName(), ev.Status)
	default: // ModeTree
		out.Line = treeLine(ev)
	}
	return out
}

// FormatSlowAlert produces the second output emitted when an event's
// duration exceeds the stream's slow threshold.
func FormatSlowAlert(ev domain.StoredEvent, streamID string, opts Options) Output {
	duration := time.Duration(*ev.DurationMs) * time.Millisecond
	return Output{
		Kind:      OutputSlowAlert,
		StreamID:  streamID,
		Timestamp: ev.Timestamp,
		Line:      fmt.Sprintf("slow operation: %s took %s", ev.DisplayName(), duration),
		IconKey:   "slow",
		ColorKey:  "warning",
		Indent:    ev.Type.IndentLevel(),
	}
}

func treeLine(ev domain.StoredEvent) string {
	var b strings.Builder
	b.WriteString(strings.Repeat("  ", ev.Type.IndentLevel()))
	b.WriteString(ev.DisplayName())
	fmt.Fprintf(&b, " [%s]", ev.Status)
	if ev.DurationMs != nil {
		fmt.Fprintf(&b, " (%.0fms)", *ev.DurationMs)
	}
	if ev.Display != nil && ev.Display.Description != "" {
		fmt.Fprintf(&b, " - %s", ev.Display.Description)
	}
	return b.String()
}

// iconKey prefers the producer-supplied hint, falling back to the event
// category.
func iconKey(ev domain.StoredEvent) string {
	if ev.Display != nil && ev.Display.IconKey != "" {
		return ev.Display.IconKey
	}
	return string(ev.Type.Category())
}

func colorKey(ev domain.StoredEvent) string {
	if ev.Display != nil && ev.Display.ColorKey != "" {
		return ev.Display.ColorKey
	}
	switch ev.Status {
	case domain.StatusSuccess:
		return "success"
	case domain.StatusError:
		return "error"
	case domain.StatusTimeout:
		return "warning"
	default:
		return "info"
	}
}

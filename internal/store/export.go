package store

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tjfontaine/agentscope/internal/domain"
)

// ExportFormat selects the serialization produced by Export.
type ExportFormat string

const (
	ExportJSON ExportFormat = "json"
	ExportText ExportFormat = "text"
)

// sessionExport is the JSON export envelope.
type sessionExport struct {
	Session domain.Session       `json:"session"`
	Events  []domain.StoredEvent `json:"events"`
}

// Export serializes a session and its full retained history. Every event
// present in the history appears in the output; there are no silent drops.
func (s *Store) Export(sessionID string, format ExportFormat) ([]byte, error) {
	sess, ok := s.Session(sessionID)
	if !ok {
		return nil, domain.ErrNotFound(fmt.Sprintf("session %s not found", sessionID))
	}
	events := s.Events(sessionID, Filter{})

	switch format {
	case ExportJSON:
		return json.MarshalIndent(sessionExport{Session: sess, Events: events}, "", "  ")
	case ExportText:
		return exportText(sess, events), nil
	default:
		return nil, domain.ErrValidation(fmt.Sprintf("unknown export format %q", format))
	}
}

func exportText(sess domain.Session, events []domain.StoredEvent) []byte {
	var b strings.Builder

	fmt.Fprintf(&b, "session %s (%s)\n", sess.ID, sess.Status)
	fmt.Fprintf(&b, "root task: %s\n", sess.RootTask)
	fmt.Fprintf(&b, "created:   %s\n", sess.CreatedAt.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&b, "tools=%d protocol=%d errors=%d\n",
		sess.Metrics.ToolsUsed, sess.Metrics.ProtocolCalls, sess.Metrics.ErrorCount)
	fmt.Fprintf(&b, "events (%d):\n", len(events))

	for _, ev := range events {
		indent := strings.Repeat("  ", ev.Type.IndentLevel())
		fmt.Fprintf(&b, "%s[%s] %s %s (%s)",
			indent,
			ev.Timestamp.Format("15:04:05.000"),
			ev.Type,
			ev.DisplayName(),
			ev.Status,
		)
		if ev.DurationMs != nil {
			fmt.Fprintf(&b, " %.0fms", *ev.DurationMs)
		}
		b.WriteByte('\n')
	}

	return []byte(b.String())
}

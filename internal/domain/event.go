// Package domain provides the canonical event and session model for agentscope.
package domain

import (
	"time"
)

// EventType identifies the lifecycle stage an event reports on.
type EventType string

const (
	EventTaskStarted  EventType = "task_started"
	EventTaskProgress EventType = "task_progress"
	EventTaskComplete EventType = "task_complete"
	EventTaskFailed   EventType = "task_failed"

	EventToolPreCall  EventType = "tool_pre_call"
	EventToolPostCall EventType = "tool_post_call"
	EventToolError    EventType = "tool_error"

	EventProtocolRequest  EventType = "protocol_request"
	EventProtocolResponse EventType = "protocol_response"
	EventProtocolError    EventType = "protocol_error"

	EventSubagentSpawn    EventType = "subagent_spawn"
	EventSubagentComplete EventType = "subagent_complete"
	EventSubagentFailed   EventType = "subagent_failed"
)

// eventTypes is the closed set accepted by validation.
var eventTypes = map[EventType]struct{}{
	EventTaskStarted: {}, EventTaskProgress: {}, EventTaskComplete: {}, EventTaskFailed: {},
	EventToolPreCall: {}, EventToolPostCall: {}, EventToolError: {},
	EventProtocolRequest: {}, EventProtocolResponse: {}, EventProtocolError: {},
	EventSubagentSpawn: {}, EventSubagentComplete: {}, EventSubagentFailed: {},
}

// Valid reports whether t is a member of the enumerated event type set.
func (t EventType) Valid() bool {
	_, ok := eventTypes[t]
	return ok
}

// EventCategory groups event types for display and metrics purposes.
type EventCategory string

const (
	CategoryTask     EventCategory = "task"
	CategoryTool     EventCategory = "tool"
	CategoryProtocol EventCategory = "protocol"
	CategorySubagent EventCategory = "subagent"
)

// Category returns the coarse grouping for the event type.
func (t EventType) Category() EventCategory {
	switch t {
	case EventTaskStarted, EventTaskProgress, EventTaskComplete, EventTaskFailed:
		return CategoryTask
	case EventToolPreCall, EventToolPostCall, EventToolError:
		return CategoryTool
	case EventProtocolRequest, EventProtocolResponse, EventProtocolError:
		return CategoryProtocol
	case EventSubagentSpawn, EventSubagentComplete, EventSubagentFailed:
		return CategorySubagent
	default:
		return ""
	}
}

// IndentLevel returns the tree indentation depth used by line-oriented
// formatters: tasks at the margin, subagents one level in, tool and
// protocol activity below them.
func (t EventType) IndentLevel() int {
	switch t.Category() {
	case CategoryTask:
		return 0
	case CategorySubagent:
		return 1
	default:
		return 2
	}
}

// EventStatus describes where the reported operation is in its lifecycle.
type EventStatus string

const (
	StatusStarted EventStatus = "started"
	StatusRunning EventStatus = "running"
	StatusSuccess EventStatus = "success"
	StatusError   EventStatus = "error"
	StatusTimeout EventStatus = "timeout"
)

var eventStatuses = map[EventStatus]struct{}{
	StatusStarted: {}, StatusRunning: {}, StatusSuccess: {}, StatusError: {}, StatusTimeout: {},
}

// Valid reports whether s is a member of the enumerated status set.
func (s EventStatus) Valid() bool {
	_, ok := eventStatuses[s]
	return ok
}

// Terminal reports whether the status concludes an operation.
func (s EventStatus) Terminal() bool {
	return s == StatusSuccess || s == StatusError || s == StatusTimeout
}

// DisplayInfo is an abstract presentation hint attached to an event. The
// core never emits glyphs or escape codes; icon and color are keys that a
// presentation layer resolves to whatever its terminal or UI supports.
type DisplayInfo struct {
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	IconKey     string `json:"icon_key,omitempty"`
	ColorKey    string `json:"color_key,omitempty"`
}

// Event is the caller-supplied record submitted for ingestion. It is
// immutable once stored; the store assigns the identifier.
type Event struct {
	Timestamp     time.Time      `json:"timestamp"`
	SessionID     string         `json:"session_id"`
	Type          EventType      `json:"event_type"`
	Status        EventStatus    `json:"status"`
	DurationMs    *float64       `json:"duration_ms,omitempty"`
	ParentID      string         `json:"parent_id,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Details       map[string]any `json:"details,omitempty"`
	Display       *DisplayInfo   `json:"display_info,omitempty"`
}

// DisplayName returns the best human-readable label for the event:
// explicit display name, then a "name" key in details, then the event type.
func (e *Event) DisplayName() string {
	if e.Display != nil && e.Display.Name != "" {
		return e.Display.Name
	}
	if name, ok := e.Details["name"].(string); ok && name != "" {
		return name
	}
	return string(e.Type)
}

// StoredEvent is an Event after admission: the store has assigned a unique
// id, which is the ownership key all parent references resolve against.
type StoredEvent struct {
	Event
	ID string `json:"id"`
}

// SessionStatus is derived from observed event types, not set by callers.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionPaused    SessionStatus = "paused"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
)

// SessionMetrics aggregates per-session counters maintained by the store.
type SessionMetrics struct {
	ToolsUsed       int     `json:"tools_used"`
	ProtocolCalls   int     `json:"protocol_calls"`
	ErrorCount      int     `json:"error_count"`
	TotalDurationMs float64 `json:"total_duration_ms"`
}

// Session is the store-owned mutable record for one logical session.
type Session struct {
	ID        string         `json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	Status    SessionStatus  `json:"status"`
	RootTask  string         `json:"root_task"`
	Metrics   SessionMetrics `json:"metrics"`

	// ActiveOperations tracks in-flight work keyed by stored event id.
	// Entries are added on started/running and removed on any terminal
	// status. Completion detection reads len() of this map.
	ActiveOperations map[string]EventType `json:"-"`
}

// ActiveOperationCount returns the number of in-flight operations.
func (s *Session) ActiveOperationCount() int {
	return len(s.ActiveOperations)
}

// Package store owns per-session state: bounded event history, derived
// metrics, lifecycle status, and age-based expiry. Mutation of a single
// session is serialized behind a per-session lock; operations on distinct
// sessions proceed in parallel.
package store

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tjfontaine/agentscope/internal/domain"
)

const (
	// DefaultHistoryCap bounds the per-session event ring buffer.
	DefaultHistoryCap = 1000

	// DefaultSessionTimeout is the age after which a session and its
	// history are expired together.
	DefaultSessionTimeout = 24 * time.Hour
)

// Option configures the store.
type Option func(*Store)

// WithHistoryCap overrides the per-session history bound.
func WithHistoryCap(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.historyCap = n
		}
	}
}

// WithSessionTimeout overrides the expiry age.
func WithSessionTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.sessionTimeout = d
		}
	}
}

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// sessionState pairs the session record with its bounded history and the
// lock serializing mutation of both.
type sessionState struct {
	mu      sync.Mutex
	session *domain.Session
	history *ring
}

// Store is the in-memory session registry.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*sessionState

	historyCap     int
	sessionTimeout time.Duration
	logger         *slog.Logger
	now            func() time.Time
}

// New creates a session store.
func New(opts ...Option) *Store {
	s := &Store{
		sessions:       make(map[string]*sessionState),
		historyCap:     DefaultHistoryCap,
		sessionTimeout: DefaultSessionTimeout,
		logger:         slog.Default(),
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateSession registers a session. It is idempotent: an existing session
// is returned unchanged.
func (s *Store) CreateSession(sessionID, rootTask string) domain.Session {
	state := s.getOrCreate(sessionID, rootTask)

	state.mu.Lock()
	defer state.mu.Unlock()
	return snapshotSession(state.session)
}

// getOrCreate returns the state for sessionID, creating it if absent.
func (s *Store) getOrCreate(sessionID, rootTask string) *sessionState {
	s.mu.RLock()
	state, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if ok {
		return state
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if state, ok := s.sessions[sessionID]; ok {
		return state
	}

	if rootTask == "" {
		rootTask = "session " + sessionID
	}
	state = &sessionState{
		session: &domain.Session{
			ID:               sessionID,
			CreatedAt:        s.now(),
			Status:           domain.SessionActive,
			RootTask:         rootTask,
			ActiveOperations: make(map[string]domain.EventType),
		},
		history: newRing(s.historyCap),
	}
	s.sessions[sessionID] = state

	s.logger.Info("session created",
		slog.String("session_id", sessionID),
		slog.String("root_task", rootTask),
	)
	return state
}

// AddEvent validates nothing: callers run domain.ValidateEvent first. It
// auto-creates the session, assigns the stored id, appends to the bounded
// history, and applies the derived-state updates in one critical section.
func (s *Store) AddEvent(_ context.Context, event *domain.Event) (domain.StoredEvent, error) {
	if event == nil {
		return domain.StoredEvent{}, domain.ErrValidation("event is required")
	}

	// A task-name hint in the event details seeds the root task when the
	// session is created implicitly.
	rootTask := ""
	if event.Type.Category() == domain.CategoryTask {
		if name, ok := event.Details["name"].(string); ok {
			rootTask = name
		}
	}
	state := s.getOrCreate(event.SessionID, rootTask)

	stored := domain.StoredEvent{
		Event: *event,
		ID:    uuid.New().String(),
	}
	// Stored events are immutable; the caller keeps ownership of its
	// details map, so the payload is copied at the boundary.
	stored.Details = copyDetails(event.Details)

	state.mu.Lock()
	defer state.mu.Unlock()

	state.history.push(stored)
	applyEvent(state.session, stored)

	return stored, nil
}

// copyDetails deep-copies a details payload. Validation bounds its depth,
// so the recursion is bounded too.
func copyDetails(details map[string]any) map[string]any {
	if details == nil {
		return nil
	}
	out := make(map[string]any, len(details))
	for k, v := range details {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return copyDetails(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = copyValue(item)
		}
		return out
	default:
		return val
	}
}

// applyEvent updates session metrics, active operations, and status for a
// freshly appended event. Caller holds the session lock.
func applyEvent(sess *domain.Session, ev domain.StoredEvent) {
	switch ev.Type {
	case domain.EventToolPostCall:
		if ev.Status == domain.StatusSuccess {
			sess.Metrics.ToolsUsed++
		}
	case domain.EventProtocolResponse:
		if ev.Status == domain.StatusSuccess {
			sess.Metrics.ProtocolCalls++
		}
	}
	if ev.Status == domain.StatusError {
		sess.Metrics.ErrorCount++
	}

	switch {
	case ev.Status == domain.StatusStarted, ev.Status == domain.StatusRunning:
		sess.ActiveOperations[ev.ID] = ev.Type
	case ev.Status.Terminal():
		// Terminal events reference the operation they conclude via the
		// parent or correlation id; the event's own id covers
		// self-contained records.
		if ev.ParentID != "" {
			delete(sess.ActiveOperations, ev.ParentID)
		}
		if ev.CorrelationID != "" {
			delete(sess.ActiveOperations, ev.CorrelationID)
		}
		delete(sess.ActiveOperations, ev.ID)
	}

	// Status transitions are an approximation, not a state machine:
	// concurrent unrelated tasks in one session can race completion
	// detection, and that behavior is intentional.
	switch ev.Type {
	case domain.EventTaskStarted:
		sess.Status = domain.SessionActive
	case domain.EventTaskComplete:
		if len(sess.ActiveOperations) == 0 {
			sess.Status = domain.SessionCompleted
			if ev.DurationMs != nil {
				sess.Metrics.TotalDurationMs += *ev.DurationMs
			}
		}
	case domain.EventTaskFailed:
		sess.Status = domain.SessionFailed
	}
}

// Session returns a snapshot of the session record, or ok=false when the
// id is unknown. Lookups never fail with an error.
func (s *Store) Session(sessionID string) (domain.Session, bool) {
	s.mu.RLock()
	state, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if !ok {
		return domain.Session{}, false
	}

	state.mu.Lock()
	defer state.mu.Unlock()
	return snapshotSession(state.session), true
}

// Filter narrows the events returned by Events. Zero values match all.
type Filter struct {
	Types  []domain.EventType
	Status domain.EventStatus
	Since  time.Time

	// Last limits the result to the trailing N matches.
	Last int
}

func (f Filter) matches(ev domain.StoredEvent) bool {
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if ev.Type == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Status != "" && ev.Status != f.Status {
		return false
	}
	if !f.Since.IsZero() && ev.Timestamp.Before(f.Since) {
		return false
	}
	return true
}

// Events returns the retained events for a session in insertion order,
// narrowed by the filter. An unknown session yields a nil slice, not an
// error.
func (s *Store) Events(sessionID string, filter Filter) []domain.StoredEvent {
	s.mu.RLock()
	state, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if !ok {
		return nil
	}

	state.mu.Lock()
	all := state.history.snapshot()
	state.mu.Unlock()

	matched := make([]domain.StoredEvent, 0, len(all))
	for _, ev := range all {
		if filter.matches(ev) {
			matched = append(matched, ev)
		}
	}
	if filter.Last > 0 && len(matched) > filter.Last {
		matched = matched[len(matched)-filter.Last:]
	}
	return matched
}

// Expire removes sessions older than the configured timeout, history and
// record together. It returns the removed session ids.
func (s *Store) Expire() []string {
	cutoff := s.now().Add(-s.sessionTimeout)

	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []string
	for id, state := range s.sessions {
		state.mu.Lock()
		created := state.session.CreatedAt
		state.mu.Unlock()

		if created.Before(cutoff) {
			delete(s.sessions, id)
			removed = append(removed, id)
		}
	}

	if len(removed) > 0 {
		s.logger.Info("expired sessions", slog.Int("count", len(removed)))
	}
	return removed
}

// RunExpiry sweeps on the given interval until the context is canceled.
// onExpire, when set, receives the removed session ids after each sweep so
// dependents (the broadcast engine) can release per-session state too.
func (s *Store) RunExpiry(ctx context.Context, interval time.Duration, onExpire func(sessionIDs []string)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed := s.Expire()
			if len(removed) > 0 && onExpire != nil {
				onExpire(removed)
			}
		}
	}
}

// SessionCount returns the number of live sessions.
func (s *Store) SessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// snapshotSession copies the session including its active-operation set so
// callers never observe concurrent mutation.
func snapshotSession(sess *domain.Session) domain.Session {
	copied := *sess
	copied.ActiveOperations = make(map[string]domain.EventType, len(sess.ActiveOperations))
	for k, v := range sess.ActiveOperations {
		copied.ActiveOperations[k] = v
	}
	return copied
}

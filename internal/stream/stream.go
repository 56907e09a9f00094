// Package stream fans events out in real time to any number of registered
// subscribers, with per-subscriber formatting, replay of recent history on
// subscribe, and slow-operation alerts. Delivery is at-most-once and
// best-effort: a failing subscriber is stopped without affecting the rest.
package stream

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tjfontaine/agentscope/internal/domain"
)

const (
	// DefaultReplayCap bounds the per-session replay buffer. This buffer
	// exists only for replay-on-subscribe; long-term retention belongs to
	// the session store.
	DefaultReplayCap = 20

	// DefaultSlowThreshold is the duration past which a completed
	// operation earns a slow-operation alert output.
	DefaultSlowThreshold = 5 * time.Second

	// DefaultStreamRetention is how long stopped-stream bookkeeping is
	// kept before the cleanup sweep discards it.
	DefaultStreamRetention = time.Hour
)

// Sink receives formatted outputs for one stream. Implementations are the
// transport edge (SSE connection, websocket, test recorder); a Send error
// is terminal for the stream.
type Sink interface {
	Send(out Output) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(out Output) error

func (f SinkFunc) Send(out Output) error { return f(out) }

// Options configures one subscription.
type Options struct {
	Mode          Mode
	Verbose       bool
	SlowThreshold time.Duration
}

// stream is the engine-side record for one subscription. Its mutable
// fields are guarded by the stream's own lock, which is always innermost.
type stream struct {
	id        string
	sessionID string
	opts      Options
	sink      Sink

	mu         sync.Mutex
	active     bool
	stoppedAt  time.Time
	eventsSent int
}

func (st *stream) isActive() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.active
}

// stop is idempotent; the first call records the stop time.
func (st *stream) stop(at time.Time) {
	st.mu.Lock()
	if st.active {
		st.active = false
		st.stoppedAt = at
	}
	st.mu.Unlock()
}

func (st *stream) stoppedBefore(cutoff time.Time) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return !st.active && st.stoppedAt.Before(cutoff)
}

func (st *stream) sent() {
	st.mu.Lock()
	st.eventsSent++
	st.mu.Unlock()
}

// sessionChannel serializes broadcasts for one session and holds its
// replay buffer and subscriber set.
type sessionChannel struct {
	mu           sync.Mutex
	replay       []domain.StoredEvent
	streams      map[string]*stream
	lastActivity time.Time
}

// Streamer is the broadcast engine.
type Streamer struct {
	mu       sync.RWMutex
	sessions map[string]*sessionChannel
	streams  map[string]*stream

	replayCap int
	retention time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// StreamerOption configures the engine.
type StreamerOption func(*Streamer)

// WithReplayCap overrides the replay buffer bound.
func WithReplayCap(n int) StreamerOption {
	return func(s *Streamer) {
		if n > 0 {
			s.replayCap = n
		}
	}
}

// WithRetention overrides how long stopped streams are remembered.
func WithRetention(d time.Duration) StreamerOption {
	return func(s *Streamer) {
		if d > 0 {
			s.retention = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) StreamerOption {
	return func(s *Streamer) {
		s.logger = logger
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) StreamerOption {
	return func(s *Streamer) {
		s.now = now
	}
}

// New creates a broadcast engine.
func New(opts ...StreamerOption) *Streamer {
	s := &Streamer{
		sessions:  make(map[string]*sessionChannel),
		streams:   make(map[string]*stream),
		replayCap: DefaultReplayCap,
		retention: DefaultStreamRetention,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Streamer) channel(sessionID string) *sessionChannel {
	s.mu.RLock()
	ch, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if ok {
		return ch
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.sessions[sessionID]; ok {
		return ch
	}
	ch = &sessionChannel{
		streams:      make(map[string]*stream),
		lastActivity: s.now(),
	}
	s.sessions[sessionID] = ch
	return ch
}

// lookup fetches an existing session channel without creating one.
func (s *Streamer) lookup(sessionID string) *sessionChannel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessions[sessionID]
}

// Start registers a subscription and replays the buffered recent events
// through the same formatting path as live events. The replay snapshot is
// taken under the session broadcast lock, so the subscriber sees neither
// duplicates nor gaps between replay and live delivery.
func (s *Streamer) Start(sessionID string, opts Options, sink Sink) string {
	if opts.SlowThreshold <= 0 {
		opts.SlowThreshold = DefaultSlowThreshold
	}

	st := &stream{
		id:        uuid.New().String(),
		sessionID: sessionID,
		opts:      opts,
		sink:      sink,
		active:    true,
	}

	ch := s.channel(sessionID)
	ch.mu.Lock()
	ch.lastActivity = s.now()
	for _, ev := range ch.replay {
		s.deliver(st, ev)
	}
	if st.isActive() {
		ch.streams[st.id] = st
	}
	ch.mu.Unlock()

	s.mu.Lock()
	s.streams[st.id] = st
	s.mu.Unlock()

	s.logger.Info("stream started",
		slog.String("stream_id", st.id),
		slog.String("session_id", sessionID),
		slog.String("mode", string(st.opts.Mode)),
	)
	return st.id
}

// Broadcast appends the event to the session replay buffer and delivers a
// formatted output to every active stream of that session. Events for one
// session reach all of its streams in Broadcast invocation order.
func (s *Streamer) Broadcast(sessionID string, ev domain.StoredEvent) {
	ch := s.channel(sessionID)

	ch.mu.Lock()
	defer ch.mu.Unlock()

	ch.lastActivity = s.now()
	ch.replay = append(ch.replay, ev)
	if len(ch.replay) > s.replayCap {
		ch.replay = ch.replay[len(ch.replay)-s.replayCap:]
	}

	for id, st := range ch.streams {
		s.deliver(st, ev)
		if !st.isActive() {
			delete(ch.streams, id)
		}
	}
}

// deliver formats and sends one event to one stream, plus a slow-operation
// alert when warranted. A send failure stops only this stream. Caller
// holds the session channel lock.
func (s *Streamer) deliver(st *stream, ev domain.StoredEvent) {
	out := Format(ev, st.id, st.opts)
	if out == nil {
		return
	}
	if err := st.sink.Send(*out); err != nil {
		s.fail(st, err)
		return
	}
	st.sent()

	if ev.DurationMs != nil && time.Duration(*ev.DurationMs)*time.Millisecond > st.opts.SlowThreshold {
		alert := FormatSlowAlert(ev, st.id, st.opts)
		if err := st.sink.Send(alert); err != nil {
			s.fail(st, err)
			return
		}
		st.sent()
	}
}

// fail marks the stream stopped after a delivery error.
func (s *Streamer) fail(st *stream, err error) {
	st.stop(s.now())
	s.logger.Warn("stream delivery failed, stopping stream",
		slog.String("stream_id", st.id),
		slog.String("session_id", st.sessionID),
		slog.String("error", err.Error()),
	)
}

// Stop deactivates a stream. Unknown ids and repeated stops are no-ops.
func (s *Streamer) Stop(streamID string) {
	s.mu.RLock()
	st, ok := s.streams[streamID]
	s.mu.RUnlock()
	if !ok {
		return
	}

	if ch := s.lookup(st.sessionID); ch != nil {
		ch.mu.Lock()
		delete(ch.streams, streamID)
		ch.mu.Unlock()
	}
	st.stop(s.now())

	s.logger.Info("stream stopped", slog.String("stream_id", streamID))
}

// DropSession discards the session's replay buffer and stops any streams
// still attached to it. The store calls this when it expires the session,
// so broadcast state never outlives the session it belongs to.
func (s *Streamer) DropSession(sessionID string) {
	s.mu.Lock()
	ch, ok := s.sessions[sessionID]
	delete(s.sessions, sessionID)
	s.mu.Unlock()
	if !ok {
		return
	}

	now := s.now()
	ch.mu.Lock()
	orphaned := make([]string, 0, len(ch.streams))
	for id, st := range ch.streams {
		st.stop(now)
		orphaned = append(orphaned, id)
	}
	ch.streams = make(map[string]*stream)
	ch.replay = nil
	ch.mu.Unlock()

	s.mu.Lock()
	for _, id := range orphaned {
		delete(s.streams, id)
	}
	s.mu.Unlock()

	s.logger.Info("session channel dropped",
		slog.String("session_id", sessionID),
		slog.Int("streams_stopped", len(orphaned)),
	)
}

// Cleanup discards bookkeeping for streams stopped longer ago than the
// retention window, and evicts replay channels for sessions that have no
// subscribers and saw no broadcast inside the window. Active streams and
// their sessions are untouched.
func (s *Streamer) Cleanup() int {
	cutoff := s.now().Add(-s.retention)

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, st := range s.streams {
		if st.stoppedBefore(cutoff) {
			delete(s.streams, id)
			removed++
		}
	}

	for sessionID, ch := range s.sessions {
		ch.mu.Lock()
		idle := len(ch.streams) == 0 && ch.lastActivity.Before(cutoff)
		ch.mu.Unlock()
		if idle {
			delete(s.sessions, sessionID)
			removed++
		}
	}
	return removed
}

// RunCleanup sweeps on the given interval until the context is canceled.
func (s *Streamer) RunCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Cleanup()
		}
	}
}

// StreamInfo describes one subscription for introspection.
type StreamInfo struct {
	ID         string `json:"id"`
	SessionID  string `json:"session_id"`
	Active     bool   `json:"active"`
	EventsSent int    `json:"events_sent"`
}

// Info returns the subscription record, or ok=false for unknown ids.
func (s *Streamer) Info(streamID string) (StreamInfo, bool) {
	s.mu.RLock()
	st, ok := s.streams[streamID]
	s.mu.RUnlock()
	if !ok {
		return StreamInfo{}, false
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	return StreamInfo{
		ID:         st.id,
		SessionID:  st.sessionID,
		Active:     st.active,
		EventsSent: st.eventsSent,
	}, true
}

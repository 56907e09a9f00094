package store

import (
	"github.com/tjfontaine/agentscope/internal/domain"
)

// ring is a fixed-capacity circular buffer of stored events. Once full,
// each push silently evicts the oldest entry.
type ring struct {
	buf   []domain.StoredEvent
	start int
	count int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]domain.StoredEvent, capacity)}
}

func (r *ring) push(ev domain.StoredEvent) {
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = ev
		r.count++
		return
	}
	r.buf[r.start] = ev
	r.start = (r.start + 1) % len(r.buf)
}

// snapshot returns the retained events oldest-first.
func (r *ring) snapshot() []domain.StoredEvent {
	out := make([]domain.StoredEvent, r.count)
	for i := 0; i < r.count; i++ {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return out
}

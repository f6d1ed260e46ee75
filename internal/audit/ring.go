package audit

import (
	"context"
	"sync"
)

// RingBuffer keeps the most recent events up to a fixed capacity, evicting
// the oldest once full.
type RingBuffer struct {
	mu    sync.RWMutex
	buf   []Event
	start int
	size  int
}

// NewRingBuffer returns a RingBuffer holding at most capacity events.
// A non-positive capacity is treated as 1.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &RingBuffer{buf: make([]Event, capacity)}
}

// Write implements Sink.
func (r *RingBuffer) Write(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.size < len(r.buf) {
		r.buf[(r.start+r.size)%len(r.buf)] = e
		r.size++
		return nil
	}
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
	return nil
}

// Snapshot returns the buffered events, oldest first.
func (r *RingBuffer) Snapshot() []Event {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Event, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return out
}

// Filter returns buffered events with the given action, oldest first.
func (r *RingBuffer) Filter(action Action) []Event {
	var out []Event
	for _, e := range r.Snapshot() {
		if e.Action == action {
			out = append(out, e)
		}
	}
	return out
}

// Len returns the number of buffered events.
func (r *RingBuffer) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size
}

// Capacity returns the maximum number of buffered events.
func (r *RingBuffer) Capacity() int {
	return len(r.buf)
}

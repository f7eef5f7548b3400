package audit

import (
	"sync"

	"github.com/polisai/directived/pkg/domain"
)

// ring is a fixed-size FIFO that evicts its oldest event when full.
type ring struct {
	mu       sync.Mutex
	events   []domain.AuditEvent
	head     int // oldest element
	size     int
	capacity int
}

func newRing(capacity int) *ring {
	if capacity <= 0 {
		capacity = 1024
	}
	return &ring{events: make([]domain.AuditEvent, capacity), capacity: capacity}
}

// push appends e and reports whether an older event was evicted.
func (r *ring) push(e domain.AuditEvent) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	tail := (r.head + r.size) % r.capacity
	r.events[tail] = e
	if r.size < r.capacity {
		r.size++
		return false
	}
	r.head = (r.head + 1) % r.capacity
	return true
}

// popAll removes and returns up to max events, oldest first.
func (r *ring) popAll(max int) []domain.AuditEvent {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := r.size
	if max > 0 && n > max {
		n = max
	}
	out := make([]domain.AuditEvent, n)
	for i := 0; i < n; i++ {
		idx := (r.head + i) % r.capacity
		out[i] = r.events[idx]
		r.events[idx] = domain.AuditEvent{}
	}
	r.head = (r.head + n) % r.capacity
	r.size -= n
	return out
}

func (r *ring) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

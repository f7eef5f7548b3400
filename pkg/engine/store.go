package engine

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/polisai/directived/pkg/directive"
)

// Snapshot is one published directive table. In-flight executions keep the
// snapshot they started with; a swap only affects executions that start
// afterwards.
type Snapshot struct {
	Table      *directive.Table
	Generation uint64
	LoadedAt   time.Time
}

// TableStore publishes directive tables through an atomically swapped
// pointer. Readers never lock.
type TableStore struct {
	current atomic.Pointer[Snapshot]

	mu          sync.Mutex
	generation  uint64
	subscribers []func(*Snapshot)
}

// NewTableStore returns an empty store.
func NewTableStore() *TableStore {
	return &TableStore{}
}

// Load returns the live snapshot, or nil before the first swap.
func (s *TableStore) Load() *Snapshot {
	return s.current.Load()
}

// Swap publishes table as the next generation and notifies subscribers
// synchronously, in subscription order.
func (s *TableStore) Swap(table *directive.Table) *Snapshot {
	s.mu.Lock()
	s.generation++
	snap := &Snapshot{Table: table, Generation: s.generation, LoadedAt: time.Now()}
	s.current.Store(snap)
	subs := make([]func(*Snapshot), len(s.subscribers))
	copy(subs, s.subscribers)
	s.mu.Unlock()

	for _, fn := range subs {
		fn(snap)
	}
	return snap
}

// Subscribe registers fn to run after every swap. When a snapshot is
// already live fn runs once immediately.
func (s *TableStore) Subscribe(fn func(*Snapshot)) {
	s.mu.Lock()
	s.subscribers = append(s.subscribers, fn)
	s.mu.Unlock()
	if snap := s.Load(); snap != nil {
		fn(snap)
	}
}

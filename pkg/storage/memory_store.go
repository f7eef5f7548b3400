package storage

import (
	"context"
	"sync"
	"time"

	"github.com/gobwas/glob"

	"github.com/polisai/directived/pkg/domain"
)

// MemoryAuthority is an in-memory implementation of domain.Authority.
type MemoryAuthority struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	value   domain.Value
	expires time.Time
}

// NewMemoryAuthority creates an empty store.
func NewMemoryAuthority() *MemoryAuthority {
	return &MemoryAuthority{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

// Load returns the entry stored under key unless it has expired.
func (s *MemoryAuthority) Load(_ context.Context, key string) (domain.AuthorityEntry, bool, error) {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return domain.AuthorityEntry{}, false, nil
	}
	if e.expiredAt(s.now()) {
		s.expire(key)
		return domain.AuthorityEntry{}, false, nil
	}
	return domain.AuthorityEntry{Value: e.value, ExpiresAt: e.expires}, true, nil
}

// expire deletes key only if the entry under it is still expired, so a Store
// racing with Load is kept.
func (s *MemoryAuthority) expire(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok && e.expiredAt(s.now()) {
		delete(s.entries, key)
	}
}

func (e memoryEntry) expiredAt(now time.Time) bool {
	return !e.expires.IsZero() && !now.Before(e.expires)
}

// Store saves value. A non-positive ttl never expires.
func (s *MemoryAuthority) Store(_ context.Context, key string, value domain.Value, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = memoryEntry{value: value, expires: expiryFor(s.now(), ttl)}
	return nil
}

// DeleteMatching removes every key matching the glob pattern.
func (s *MemoryAuthority) DeleteMatching(_ context.Context, pattern string) (int, error) {
	g, err := glob.Compile(pattern)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k := range s.entries {
		if g.Match(k) {
			delete(s.entries, k)
			n++
		}
	}
	return n, nil
}

// Len returns the number of stored keys.
func (s *MemoryAuthority) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

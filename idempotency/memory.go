package idempotency

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	expires time.Time
	done    bool
}

// MemoryStore implements Store in process memory.
//
// Suitable for tests and single-instance deployments; entries are lost on
// restart. A background goroutine drops expired entries every minute, so call
// Close when done.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	opts    options
	now     func() time.Time
	stopCh  chan struct{}
	once    sync.Once
}

// NewMemoryStore creates a new in-memory idempotency store.
func NewMemoryStore(opts ...Option) *MemoryStore {
	s := &MemoryStore{
		entries: make(map[string]memoryEntry),
		opts:    buildOptions(opts),
		now:     time.Now,
		stopCh:  make(chan struct{}),
	}
	go s.cleanup()
	return s
}

// Claim takes ownership of key unless a live entry exists.
func (s *MemoryStore) Claim(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if e, ok := s.entries[key]; ok && now.Before(e.expires) {
		return false, nil
	}
	s.entries[key] = memoryEntry{expires: now.Add(s.opts.claimTTL)}
	return true, nil
}

// Complete marks key as handled.
func (s *MemoryStore) Complete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[key] = memoryEntry{expires: s.now().Add(s.opts.retention), done: true}
	return nil
}

// Release forgets key.
func (s *MemoryStore) Release(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, key)
	return nil
}

// Completed reports whether key has been completed and not yet expired.
func (s *MemoryStore) Completed(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	return ok && e.done && s.now().Before(e.expires)
}

// Len returns the number of entries, including expired ones not yet swept.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Close stops the cleanup goroutine. Safe to call multiple times.
func (s *MemoryStore) Close() {
	s.once.Do(func() { close(s.stopCh) })
}

func (s *MemoryStore) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.mu.Lock()
			now := s.now()
			for key, e := range s.entries {
				if !now.Before(e.expires) {
					delete(s.entries, key)
				}
			}
			s.mu.Unlock()
		}
	}
}

// Compile-time check
var _ Store = (*MemoryStore)(nil)

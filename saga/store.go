package saga

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when a saga id is unknown to the store.
	ErrNotFound = errors.New("saga not found")

	// ErrAlreadyExists is returned by Create for a duplicate saga id.
	ErrAlreadyExists = errors.New("saga already exists")

	// ErrVersionConflict is returned by Update when the record changed since
	// it was read.
	ErrVersionConflict = errors.New("saga version conflict")

	// ErrInvalidTransition is returned when the state machine forbids a move.
	ErrInvalidTransition = errors.New("invalid saga status transition")

	// ErrInvalidPlan is returned when a plan cannot be run.
	ErrInvalidPlan = errors.New("invalid saga plan")
)

// NewID returns a fresh saga id.
func NewID() string {
	return uuid.NewString()
}

// Store persists saga executions.
//
// Implementations must be safe for concurrent use. Executions are never
// deleted.
//
// Implementations:
//   - MemoryStore: tests and single-process demos
//   - PostgresStore: the primary durable store (see postgres.go)
//   - RedisStore: for deployments that already run Redis (see redis.go)
//   - MongoStore: for MongoDB (see mongodb.go)
type Store interface {
	// Create persists a new execution.
	// Returns ErrAlreadyExists if the id is taken.
	Create(ctx context.Context, exec *Execution) error

	// Get retrieves an execution by id.
	// Returns ErrNotFound if it does not exist.
	Get(ctx context.Context, id string) (*Execution, error)

	// Update replaces an execution. exec.Version must equal the stored
	// version; on success both are incremented. Returns ErrVersionConflict
	// otherwise.
	Update(ctx context.Context, exec *Execution) error

	// List returns executions matching the filter, newest first.
	List(ctx context.Context, filter Filter) ([]*Execution, error)

	// CountByStatus returns the number of executions per status.
	CountByStatus(ctx context.Context) (map[Status]int64, error)
}

// Filter specifies criteria for listing executions.
//
// All fields are optional. An empty filter returns every execution.
//
// Example:
//
//	// the "requires resolution" queue
//	attention := true
//	sagas, err := store.List(ctx, saga.Filter{NeedsAttention: &attention, Limit: 50})
type Filter struct {
	Name           string   // saga name (empty = all)
	Status         []Status // statuses (empty = all)
	UserID         string
	PaymentID      string
	RetryOf        string
	NeedsAttention *bool
	// UpdatedBefore selects executions not touched since the given time.
	UpdatedBefore time.Time
	Limit         int // 0 = no limit
	Offset        int
}

// Matches reports whether exec satisfies every criterion of f except
// Limit and Offset.
func (f Filter) Matches(exec *Execution) bool {
	if f.Name != "" && exec.Name != f.Name {
		return false
	}
	if len(f.Status) > 0 && !slices.Contains(f.Status, exec.Status) {
		return false
	}
	if f.UserID != "" && exec.Metadata.UserID != f.UserID {
		return false
	}
	if f.PaymentID != "" && exec.Metadata.PaymentID != f.PaymentID {
		return false
	}
	if f.RetryOf != "" && exec.RetryOf != f.RetryOf {
		return false
	}
	if f.NeedsAttention != nil && exec.NeedsAttention != *f.NeedsAttention {
		return false
	}
	if !f.UpdatedBefore.IsZero() && !exec.UpdatedAt.Before(f.UpdatedBefore) {
		return false
	}
	return true
}

// page applies ordering (newest first), offset and limit.
func (f Filter) page(execs []*Execution) []*Execution {
	slices.SortFunc(execs, func(a, b *Execution) int {
		if c := b.InitiatedAt.Compare(a.InitiatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	if f.Offset > 0 {
		if f.Offset >= len(execs) {
			return nil
		}
		execs = execs[f.Offset:]
	}
	if f.Limit > 0 && len(execs) > f.Limit {
		execs = execs[:f.Limit]
	}
	return execs
}

// MemoryStore is an in-memory saga store.
type MemoryStore struct {
	mu    sync.RWMutex
	sagas map[string]*Execution
}

// NewMemoryStore creates a new in-memory saga store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sagas: make(map[string]*Execution),
	}
}

// Create persists a new execution.
func (s *MemoryStore) Create(ctx context.Context, exec *Execution) error {
	if err := exec.validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sagas[exec.ID]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, exec.ID)
	}

	exec.Version = 1
	s.sagas[exec.ID] = exec.Clone()
	return nil
}

// Get retrieves an execution by id.
func (s *MemoryStore) Get(ctx context.Context, id string) (*Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	exec, ok := s.sagas[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return exec.Clone(), nil
}

// Update replaces an execution if its version matches.
func (s *MemoryStore) Update(ctx context.Context, exec *Execution) error {
	if err := exec.validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored, exists := s.sagas[exec.ID]
	if !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, exec.ID)
	}
	if stored.Version != exec.Version {
		return fmt.Errorf("%w: %s has version %d, write carries %d", ErrVersionConflict, exec.ID, stored.Version, exec.Version)
	}

	exec.Version++
	s.sagas[exec.ID] = exec.Clone()
	return nil
}

// List returns executions matching the filter, newest first.
func (s *MemoryStore) List(ctx context.Context, filter Filter) ([]*Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []*Execution
	for _, exec := range s.sagas {
		if filter.Matches(exec) {
			results = append(results, exec.Clone())
		}
	}
	return filter.page(results), nil
}

// CountByStatus returns the number of executions per status.
func (s *MemoryStore) CountByStatus(ctx context.Context) (map[Status]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[Status]int64)
	for _, exec := range s.sagas {
		counts[exec.Status]++
	}
	return counts, nil
}

// Len returns the number of stored executions.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sagas)
}

// Compile-time check
var _ Store = (*MemoryStore)(nil)

package sagaflow

import (
	"encoding/json"
	"fmt"
	"slices"
)

// Key is a typed handle for a value in a Context.
//
// Keys are declared once, next to the operation that produces the value, and
// shared with the operations (and compensations) that consume it:
//
//	var WalletTransactionID = sagaflow.NewKey[string]("wallet.transaction_id")
//
//	sagaflow.Set(sc, WalletTransactionID, tx.ID)
//	txID, ok := sagaflow.Get(sc, WalletTransactionID)
type Key[T any] struct {
	name string
}

// NewKey declares a typed context key.
func NewKey[T any](name string) Key[T] {
	return Key[T]{name: name}
}

// Name returns the key name used in snapshots and audit records.
func (k Key[T]) Name() string {
	return k.name
}

// SagaID is set by the coordinator before the first step runs. Operations
// derive idempotency keys for their side effects from it.
var SagaID = NewKey[string]("saga.id")

// Context is the per-run data bag operations use to pass values forward and
// to hand compensations the ids they must reverse.
//
// A Context is owned by exactly one coordinator run and is not safe for
// concurrent use. Later writes to a key overwrite earlier ones.
type Context struct {
	shared map[string]any
}

// NewContext returns an empty context.
func NewContext() *Context {
	return &Context{shared: make(map[string]any)}
}

// SetShared stores value under key.
func (c *Context) SetShared(key string, value any) {
	c.shared[key] = value
}

// GetShared returns the value for key, or def when absent.
func (c *Context) GetShared(key string, def any) any {
	if v, ok := c.shared[key]; ok {
		return v
	}
	return def
}

// Has reports whether key has been written.
func (c *Context) Has(key string) bool {
	_, ok := c.shared[key]
	return ok
}

// Keys returns the written keys in sorted order.
func (c *Context) Keys() []string {
	keys := make([]string, 0, len(c.shared))
	for k := range c.shared {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Set stores a typed value.
func Set[T any](c *Context, k Key[T], v T) {
	c.shared[k.name] = v
}

// Get returns the typed value for k.
//
// Values restored from a snapshot are held as raw JSON until first read and
// are decoded into T here. ok is false when the key is absent or the stored
// value cannot be represented as T.
func Get[T any](c *Context, k Key[T]) (T, bool) {
	var zero T
	raw, ok := c.shared[k.name]
	if !ok {
		return zero, false
	}
	switch v := raw.(type) {
	case T:
		return v, true
	case json.RawMessage:
		var out T
		if err := json.Unmarshal(v, &out); err != nil {
			return zero, false
		}
		c.shared[k.name] = out
		return out, true
	default:
		return zero, false
	}
}

// Snapshot serialises every value so the context can be checkpointed with the
// saga record.
func (c *Context) Snapshot() (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage, len(c.shared))
	for k, v := range c.shared {
		if raw, ok := v.(json.RawMessage); ok {
			out[k] = raw
			continue
		}
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("snapshot key %s: %w", k, err)
		}
		out[k] = data
	}
	return out, nil
}

// RestoreContext rebuilds a context from a snapshot. Typed reads decode lazily.
func RestoreContext(snapshot map[string]json.RawMessage) *Context {
	c := NewContext()
	for k, v := range snapshot {
		c.shared[k] = v
	}
	return c
}

package idempotency

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// runStoreTests exercises the Store contract. expire moves time past the
// claim TTL for the backend under test.
func runStoreTests(t *testing.T, store Store, expire func(time.Duration)) {
	ctx := context.Background()

	t.Run("first claim wins", func(t *testing.T) {
		claimed, err := store.Claim(ctx, "payment:1")
		if err != nil {
			t.Fatalf("Claim failed: %v", err)
		}
		if !claimed {
			t.Fatal("expected first claim to succeed")
		}

		again, err := store.Claim(ctx, "payment:1")
		if err != nil {
			t.Fatalf("Claim failed: %v", err)
		}
		if again {
			t.Error("expected second claim to be refused")
		}
	})

	t.Run("release allows reclaim", func(t *testing.T) {
		if _, err := store.Claim(ctx, "payment:2"); err != nil {
			t.Fatalf("Claim failed: %v", err)
		}
		if err := store.Release(ctx, "payment:2"); err != nil {
			t.Fatalf("Release failed: %v", err)
		}
		claimed, _ := store.Claim(ctx, "payment:2")
		if !claimed {
			t.Error("expected claim after release to succeed")
		}
	})

	t.Run("completed key outlives claim ttl", func(t *testing.T) {
		if _, err := store.Claim(ctx, "payment:3"); err != nil {
			t.Fatalf("Claim failed: %v", err)
		}
		if err := store.Complete(ctx, "payment:3"); err != nil {
			t.Fatalf("Complete failed: %v", err)
		}
		if _, err := store.Claim(ctx, "payment:4"); err != nil {
			t.Fatalf("Claim failed: %v", err)
		}

		expire(2 * time.Minute)

		if claimed, _ := store.Claim(ctx, "payment:3"); claimed {
			t.Error("completed key must not be reclaimable")
		}
		if claimed, _ := store.Claim(ctx, "payment:4"); !claimed {
			t.Error("abandoned claim should expire")
		}
	})
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore(WithClaimTTL(time.Minute), WithRetention(time.Hour))
	defer store.Close()

	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	runStoreTests(t, store, func(d time.Duration) { now = now.Add(d) })

	if !store.Completed("payment:3") {
		t.Error("expected payment:3 to be completed")
	}
	if store.Completed("payment:4") {
		t.Error("payment:4 was only claimed")
	}
}

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	store := NewRedisStore(client, WithClaimTTL(time.Minute), WithRetention(time.Hour)).WithPrefix("test:idemp:")
	runStoreTests(t, store, mr.FastForward)

	if got := mr.TTL("test:idemp:payment:3"); got != time.Hour-2*time.Minute {
		t.Errorf("expected retention ttl to remain, got %v", got)
	}
}

func TestMemoryStoreConcurrentClaims(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := store.Claim(context.Background(), "payment:race"); ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Errorf("expected exactly one winner, got %d", wins.Load())
	}
}

func TestGuard(t *testing.T) {
	ctx := context.Background()
	keyOf := func(id string) string { return "payment:" + id }

	t.Run("runs once", func(t *testing.T) {
		store := NewMemoryStore()
		defer store.Close()

		calls := 0
		guard := NewGuard(store, keyOf, func(ctx context.Context, id string) error {
			calls++
			return nil
		})

		if err := guard.Handle(ctx, "p1"); err != nil {
			t.Fatalf("Handle failed: %v", err)
		}
		if err := guard.Handle(ctx, "p1"); !errors.Is(err, ErrAlreadyProcessed) {
			t.Errorf("expected ErrAlreadyProcessed, got %v", err)
		}
		if calls != 1 {
			t.Errorf("expected 1 call, got %d", calls)
		}
		if !store.Completed("payment:p1") {
			t.Error("expected key to be completed")
		}
	})

	t.Run("handler error releases key", func(t *testing.T) {
		store := NewMemoryStore()
		defer store.Close()

		boom := errors.New("store unreachable")
		calls := 0
		guard := NewGuard(store, keyOf, func(ctx context.Context, id string) error {
			calls++
			if calls == 1 {
				return boom
			}
			return nil
		})

		if err := guard.Handle(ctx, "p2"); !errors.Is(err, boom) {
			t.Fatalf("expected handler error, got %v", err)
		}
		if err := guard.Handle(ctx, "p2"); err != nil {
			t.Fatalf("expected redelivery to succeed, got %v", err)
		}
		if calls != 2 {
			t.Errorf("expected 2 calls, got %d", calls)
		}
	})
}

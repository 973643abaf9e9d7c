package saga

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/redis/go-redis/v9"
	"github.com/rubenv/pgtest"
	"go.mongodb.org/mongo-driver/bson"
	"syreclabs.com/go/faker"

	"github.com/finvest/sagaflow"
)

func testExecution(id, name string, initiated time.Time) *Execution {
	plan := Plan{
		Name:       name,
		Operations: asOperations(ops(&callLog{}, "a", "b")),
		Metadata: Metadata{
			PaymentID: faker.Lorem().Characters(12),
			UserID:    faker.Internet().UserName(),
			Amount:    sagaflow.Rupees(int64(faker.RandomInt(100, 100000))),
		},
	}
	return newExecution(id, plan, initiated)
}

// runStoreTests exercises the Store contract.
func runStoreTests(t *testing.T, store Store) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	t.Run("create and get", func(t *testing.T) {
		exec := testExecution("s-1", "investment", base)
		if err := store.Create(ctx, exec); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		if exec.Version != 1 {
			t.Errorf("expected version 1, got %d", exec.Version)
		}

		got, err := store.Get(ctx, "s-1")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if diff := cmp.Diff(exec, got, cmpopts.EquateEmpty(), cmpopts.EquateApproxTime(time.Millisecond)); diff != "" {
			t.Errorf("record mismatch (-want +got):\n%s", diff)
		}

		if err := store.Create(ctx, exec); !errors.Is(err, ErrAlreadyExists) {
			t.Errorf("expected ErrAlreadyExists, got %v", err)
		}
		if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("update with version", func(t *testing.T) {
		exec, err := store.Get(ctx, "s-1")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		stale, _ := store.Get(ctx, "s-1")

		now := base.Add(time.Minute)
		exec.StepsCompleted = 1
		if err := exec.fail("b", "depleted", sagaflow.FailureInventoryDepleted, StatusFailed, now); err != nil {
			t.Fatalf("fail: %v", err)
		}
		if err := store.Update(ctx, exec); err != nil {
			t.Fatalf("Update failed: %v", err)
		}
		if exec.Version != 2 {
			t.Errorf("expected version 2, got %d", exec.Version)
		}

		stale.NeedsAttention = true
		if err := store.Update(ctx, stale); !errors.Is(err, ErrVersionConflict) {
			t.Errorf("expected ErrVersionConflict, got %v", err)
		}

		got, _ := store.Get(ctx, "s-1")
		if got.Status != StatusFailed || got.FailureStep != "b" || got.Version != 2 {
			t.Errorf("unexpected stored record: status=%s step=%s version=%d", got.Status, got.FailureStep, got.Version)
		}

		missing := testExecution("nope", "investment", base)
		missing.Version = 1
		if err := store.Update(ctx, missing); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("rejects broken invariants", func(t *testing.T) {
		exec := testExecution("s-bad", "investment", base)
		exec.StepsCompleted = 5
		if err := store.Create(ctx, exec); err == nil {
			t.Error("expected steps_completed > steps_total to be rejected")
		}
	})

	t.Run("list and count", func(t *testing.T) {
		for i, id := range []string{"s-2", "s-3", "s-4"} {
			exec := testExecution(id, "investment", base.Add(time.Duration(i+1)*time.Hour))
			if id == "s-4" {
				exec.RetryOf = "s-1"
			}
			if err := store.Create(ctx, exec); err != nil {
				t.Fatalf("Create %s failed: %v", id, err)
			}
		}

		all, err := store.List(ctx, Filter{})
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		var ids []string
		for _, e := range all {
			ids = append(ids, e.ID)
		}
		if diff := cmp.Diff([]string{"s-4", "s-3", "s-2", "s-1"}, ids); diff != "" {
			t.Errorf("expected newest first (-want +got):\n%s", diff)
		}

		failed, _ := store.List(ctx, Filter{Status: []Status{StatusFailed}})
		if len(failed) != 1 || failed[0].ID != "s-1" {
			t.Errorf("expected only s-1 failed, got %d", len(failed))
		}

		retries, _ := store.List(ctx, Filter{RetryOf: "s-1"})
		if len(retries) != 1 || retries[0].ID != "s-4" {
			t.Errorf("expected s-4 as retry of s-1, got %d", len(retries))
		}

		page, _ := store.List(ctx, Filter{Limit: 2, Offset: 1})
		if len(page) != 2 || page[0].ID != "s-3" {
			t.Errorf("unexpected page: %d entries", len(page))
		}

		before, _ := store.List(ctx, Filter{Status: []Status{StatusProcessing}, UpdatedBefore: base.Add(150 * time.Minute)})
		if len(before) != 2 {
			t.Errorf("expected 2 processing sagas updated before cutoff, got %d", len(before))
		}

		counts, err := store.CountByStatus(ctx)
		if err != nil {
			t.Fatalf("CountByStatus failed: %v", err)
		}
		want := map[Status]int64{StatusProcessing: 3, StatusFailed: 1}
		if diff := cmp.Diff(want, counts); diff != "" {
			t.Errorf("counts mismatch (-want +got):\n%s", diff)
		}
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreTests(t, NewMemoryStore())
}

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	runStoreTests(t, NewRedisStore(client).WithKeyPrefix("test:saga:"))
}

func TestPostgresStore(t *testing.T) {
	if testing.Short() {
		t.Skip("postgres tests skipped in short mode")
	}
	pg, err := pgtest.Start()
	if err != nil {
		t.Skipf("postgres unavailable: %v", err)
	}
	defer pg.Stop()

	store := NewPostgresStore(pg.DB).WithTable("test_sagas")
	if err := store.CreateTable(context.Background()); err != nil {
		t.Fatalf("CreateTable failed: %v", err)
	}
	if err := store.CreateTable(context.Background()); err != nil {
		t.Fatalf("CreateTable should be idempotent: %v", err)
	}

	runStoreTests(t, store)
}

func TestMemoryStoreIsolation(t *testing.T) {
	store := NewMemoryStore()
	exec := testExecution("iso", "investment", time.Now())
	if err := store.Create(context.Background(), exec); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	exec.Metadata.Attributes = map[string]string{"mutated": "yes"}
	exec.StepNames[0] = "changed"

	got, _ := store.Get(context.Background(), "iso")
	if got.StepNames[0] != "a" || got.Metadata.Attributes["mutated"] != "" {
		t.Error("store must hold its own copy")
	}
}

func TestMongoExecutionDocument(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	exec := testExecution("m-1", "investment", base)
	exec.Version = 3
	exec.StepsCompleted = 1
	exec.Metadata.Attributes = map[string]string{"investment_id": "inv-1"}
	exec.Metadata.Steps["a"] = StepAudit{Index: 0, Message: "done", CompletedAt: base}
	exec.Metadata.Checkpoint = map[string]json.RawMessage{
		"saga.id":       json.RawMessage(`"m-1"`),
		"ledger.amount": json.RawMessage(`100000`),
	}
	if err := exec.fail("b", "depleted", sagaflow.FailureInventoryDepleted, StatusFailed, base.Add(time.Minute)); err != nil {
		t.Fatalf("fail: %v", err)
	}

	doc, err := bson.Marshal(FromExecution(exec))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var stored MongoExecution
	if err := bson.Unmarshal(doc, &stored); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if stored.ID != "m-1" || stored.Metadata.Checkpoint["saga.id"] != `"m-1"` {
		t.Errorf("unexpected document: id=%s checkpoint=%v", stored.ID, stored.Metadata.Checkpoint)
	}

	got := stored.ToExecution()
	if diff := cmp.Diff(exec, got, cmpopts.EquateEmpty(), cmpopts.EquateApproxTime(time.Millisecond)); diff != "" {
		t.Errorf("record mismatch (-want +got):\n%s", diff)
	}
}

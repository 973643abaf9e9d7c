package management

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"syreclabs.com/go/faker"

	"github.com/finvest/sagaflow"
	"github.com/finvest/sagaflow/finance"
	"github.com/finvest/sagaflow/operations"
	"github.com/finvest/sagaflow/saga"
)

type investmentFixture struct {
	gate    *finance.MemoryComplianceGate
	wallet  *finance.MemoryWallet
	deps    operations.Dependencies
	store   *saga.MemoryStore
	coord   *saga.Coordinator
	manager *Manager
}

func newInvestmentFixture(t *testing.T) *investmentFixture {
	t.Helper()
	inventory := finance.NewMemoryInventory()
	if err := inventory.AddLot(finance.Lot{ID: "lot-1", ProductID: "fund-a", Total: sagaflow.Rupees(1000000)}); err != nil {
		t.Fatalf("AddLot: %v", err)
	}
	f := &investmentFixture{
		gate:   finance.NewMemoryComplianceGate(),
		wallet: finance.NewMemoryWallet(),
		store:  saga.NewMemoryStore(),
	}
	f.deps = operations.Dependencies{
		Compliance: f.gate,
		Benefits:   finance.NewCatalogBenefitEngine(),
		Ledger:     finance.NewMemoryLedger(),
		Inventory:  inventory,
		Wallet:     f.wallet,
	}
	f.coord = saga.NewCoordinator(
		saga.WithStore(f.store),
		saga.WithPlanValidator(operations.ValidatePlan),
		saga.WithPersistAttempts(1, 0),
	)
	f.manager = NewManager(f.coord).WithBuilder(operations.PlanName, operations.InvestmentBuilder{Deps: f.deps})
	return f
}

func (f *investmentFixture) run(t *testing.T, userID string, amount sagaflow.Amount) *saga.Execution {
	t.Helper()
	inv := &operations.Investment{
		ID:        "inv-" + faker.Lorem().Characters(8),
		UserID:    userID,
		ProductID: "fund-a",
		PaymentID: "pay-" + faker.Lorem().Characters(8),
		Amount:    amount,
	}
	plan, err := operations.NewInvestmentPlan(f.deps, inv)
	if err != nil {
		t.Fatalf("NewInvestmentPlan: %v", err)
	}
	exec, _ := f.coord.Run(context.Background(), plan)
	return exec
}

func TestRetryFailedSaga(t *testing.T) {
	ctx := context.Background()
	f := newInvestmentFixture(t)
	user := faker.Internet().UserName()

	blocked := f.run(t, user, sagaflow.Rupees(50000))
	if blocked.Status != saga.StatusFailed || blocked.StepsCompleted != 0 {
		t.Fatalf("expected failed saga with no steps, got %s/%d", blocked.Status, blocked.StepsCompleted)
	}
	before, _ := f.store.Get(ctx, blocked.ID)

	f.gate.SetProfile(finance.Profile{UserID: user, KYCVerified: true, BankAccountVerified: true})

	next, err := f.manager.Retry(ctx, blocked.ID, "ops@finvest")
	if err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	if next.ID == blocked.ID || next.RetryOf != blocked.ID {
		t.Errorf("expected new saga pointing at %s, got id=%s retry_of=%s", blocked.ID, next.ID, next.RetryOf)
	}
	if next.Status != saga.StatusCompleted || next.StepsCompleted != 5 {
		t.Errorf("expected retry to complete, got %s/%d", next.Status, next.StepsCompleted)
	}
	if len(next.Events) < 2 || next.Events[0].Type != saga.EventStarted || next.Events[1].Type != saga.EventRetried {
		t.Errorf("expected retry to start from the first step, events %+v", next.Events)
	}
	if next.Metadata.PaymentID != blocked.Metadata.PaymentID {
		t.Error("retry must carry the original correlation metadata")
	}
	if bal := f.wallet.Balance(user); bal != sagaflow.Rupees(50000) {
		t.Errorf("expected ₹50000 credited by the retry, got %s", bal)
	}

	after, _ := f.store.Get(ctx, blocked.ID)
	if diff := cmp.Diff(before, after); diff != "" {
		t.Errorf("original record must be untouched (-before +after):\n%s", diff)
	}

	t.Run("second retry rejected", func(t *testing.T) {
		_, err := f.manager.Retry(ctx, blocked.ID, "ops@finvest")
		if !errors.Is(err, ErrNotRecoverable) {
			t.Errorf("expected ErrNotRecoverable, got %v", err)
		}
	})

	t.Run("completed saga rejected", func(t *testing.T) {
		_, err := f.manager.Retry(ctx, next.ID, "ops@finvest")
		if !errors.Is(err, ErrNotRecoverable) {
			t.Errorf("expected ErrNotRecoverable, got %v", err)
		}
	})

	t.Run("unknown saga", func(t *testing.T) {
		_, err := f.manager.Retry(ctx, "missing", "ops@finvest")
		if !errors.Is(err, saga.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestRetryThatFailsAgain(t *testing.T) {
	ctx := context.Background()
	f := newInvestmentFixture(t)

	blocked := f.run(t, "no-kyc", sagaflow.Rupees(50000))
	next, err := f.manager.Retry(ctx, blocked.ID, "ops@finvest")

	var failed *saga.FailedError
	if !errors.As(err, &failed) || next == nil {
		t.Fatalf("expected a failed retry record, got %v", err)
	}
	if next.Status != saga.StatusFailed || next.RetryOf != blocked.ID {
		t.Errorf("unexpected retry record: %s retry_of=%s", next.Status, next.RetryOf)
	}

	// A failed retry does not block another attempt.
	if _, err := f.manager.Retry(ctx, blocked.ID, "ops@finvest"); !failedRun(err) {
		t.Errorf("expected another retry to run, got %v", err)
	}
}

func TestResolve(t *testing.T) {
	ctx := context.Background()
	f := newInvestmentFixture(t)
	exec := f.run(t, "no-kyc", sagaflow.Rupees(50000))

	tests := []struct {
		name string
		res  saga.Resolution
		want error
	}{
		{"missing notes", saga.Resolution{ActionTaken: "refunded"}, ErrResolutionIncomplete},
		{"missing action", saga.Resolution{Notes: "customer called"}, ErrResolutionIncomplete},
		{"blank action", saga.Resolution{ActionTaken: "  ", Notes: "customer called"}, ErrResolutionIncomplete},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.manager.Resolve(ctx, exec.ID, tt.res, "ops@finvest"); !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}

	resolved, err := f.manager.Resolve(ctx, exec.ID, saga.Resolution{
		ActionTaken: "payment refunded",
		Notes:       "refund issued through the gateway",
	}, "ops@finvest")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if resolved.Status != saga.StatusManuallyResolved || resolved.ResolvedBy != "ops@finvest" || resolved.ResolvedAt == nil {
		t.Errorf("unexpected resolution: %s by %q", resolved.Status, resolved.ResolvedBy)
	}

	stored, _ := f.store.Get(ctx, exec.ID)
	if stored.Resolution == nil || stored.Resolution.ActionTaken != "payment refunded" {
		t.Error("resolution must be persisted")
	}

	_, err = f.manager.Resolve(ctx, exec.ID, saga.Resolution{ActionTaken: "again", Notes: "again"}, "ops@finvest")
	if !errors.Is(err, ErrNotRecoverable) {
		t.Errorf("expected resolving a closed saga to fail, got %v", err)
	}
}

func TestForceCompensateRequiresFailure(t *testing.T) {
	ctx := context.Background()
	f := newInvestmentFixture(t)
	f.gate.SetProfile(finance.Profile{UserID: "kyc", KYCVerified: true})
	done := f.run(t, "kyc", sagaflow.Rupees(1000))

	if _, err := f.manager.ForceCompensate(ctx, done.ID, "ops@finvest"); !errors.Is(err, ErrNotRecoverable) {
		t.Errorf("expected ErrNotRecoverable for a completed saga, got %v", err)
	}

	m := NewManager(f.coord)
	blocked := f.run(t, "no-kyc", sagaflow.Rupees(50000))
	if _, err := m.ForceCompensate(ctx, blocked.ID, "ops@finvest"); !errors.Is(err, ErrNotRecoverable) {
		t.Errorf("expected ErrNotRecoverable without a builder, got %v", err)
	}

	t.Run("nothing to reverse", func(t *testing.T) {
		_, err := f.manager.ForceCompensate(ctx, blocked.ID, "ops@finvest")
		if !errors.Is(err, ErrNotRecoverable) {
			t.Fatalf("expected ErrNotRecoverable, got %v", err)
		}
		stored, _ := f.store.Get(ctx, blocked.ID)
		if stored.Status != saga.StatusFailed || stored.CompensationAttempts != 0 {
			t.Errorf("expected the blocked saga left failed, got %s/%d", stored.Status, stored.CompensationAttempts)
		}
	})
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	f := newInvestmentFixture(t)
	f.gate.SetProfile(finance.Profile{UserID: "kyc", KYCVerified: true})

	f.run(t, "kyc", sagaflow.Rupees(1000))
	f.run(t, "kyc", sagaflow.Rupees(2000))
	f.run(t, "no-kyc", sagaflow.Rupees(50000))

	stats, err := f.manager.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	want := &Stats{
		Total:    3,
		ByStatus: map[saga.Status]int64{saga.StatusCompleted: 2, saga.StatusFailed: 1},
	}
	if diff := cmp.Diff(want, stats); diff != "" {
		t.Errorf("stats mismatch (-want +got):\n%s", diff)
	}
}

type stubPayments map[string]*Payment

func (s stubPayments) Payment(ctx context.Context, id string) (*Payment, error) {
	return s[id], nil
}

func TestPayment(t *testing.T) {
	ctx := context.Background()
	f := newInvestmentFixture(t)
	exec := f.run(t, "no-kyc", sagaflow.Rupees(50000))

	got, err := f.manager.Payment(ctx, exec.ID)
	if err != nil {
		t.Fatalf("Payment failed: %v", err)
	}
	want := &Payment{ID: exec.Metadata.PaymentID, UserID: "no-kyc", Amount: sagaflow.Rupees(50000)}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("fallback mismatch (-want +got):\n%s", diff)
	}

	settled := &Payment{ID: exec.Metadata.PaymentID, Status: "captured", Amount: sagaflow.Rupees(50000)}
	f.manager.WithPayments(stubPayments{exec.Metadata.PaymentID: settled})
	got, _ = f.manager.Payment(ctx, exec.ID)
	if got.Status != "captured" {
		t.Errorf("expected looked up payment, got %+v", got)
	}
}

package sagaflow

import (
	"errors"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"syreclabs.com/go/faker"
)

func TestResult(t *testing.T) {
	data := map[string]any{"transaction_id": "tx-1"}
	r := Success("credited", data)

	t.Run("immutable after construction", func(t *testing.T) {
		data["transaction_id"] = "changed"
		r.Data()["transaction_id"] = "changed"

		if got := r.Get("transaction_id", ""); got != "tx-1" {
			t.Errorf("expected tx-1, got %v", got)
		}
	})

	t.Run("accessors", func(t *testing.T) {
		if !r.IsSuccess() || r.IsFailure() {
			t.Error("expected success")
		}
		if r.Message() != "credited" {
			t.Errorf("unexpected message %q", r.Message())
		}
		if got := r.Get("missing", 42); got != 42 {
			t.Errorf("expected default, got %v", got)
		}
	})

	t.Run("failure audit shape", func(t *testing.T) {
		f := Failure("kyc required", nil)
		want := map[string]any{"success": false, "message": "kyc required"}
		if diff := cmp.Diff(want, f.ToMap()); diff != "" {
			t.Errorf("audit mismatch (-want +got):\n%s", diff)
		}
	})
}

func TestContext(t *testing.T) {
	txID := NewKey[string]("wallet.transaction_id")
	amount := NewKey[Amount]("benefit.amount")
	entries := NewKey[[]string]("ledger.entry_ids")

	sc := NewContext()
	id := faker.Lorem().Characters(16)
	Set(sc, SagaID, id)
	Set(sc, txID, "tx-9")
	Set(sc, amount, Rupees(1000))
	Set(sc, entries, []string{"le-1", "le-2"})

	t.Run("typed reads", func(t *testing.T) {
		if got, ok := Get(sc, SagaID); !ok || got != id {
			t.Errorf("expected saga id %q, got %q", id, got)
		}
		if _, ok := Get(sc, NewKey[int]("wallet.transaction_id")); ok {
			t.Error("expected a type mismatch to read as absent")
		}
		if _, ok := Get(sc, NewKey[string]("nope")); ok {
			t.Error("expected missing key to read as absent")
		}
	})

	t.Run("overwrite", func(t *testing.T) {
		Set(sc, txID, "tx-10")
		if got, _ := Get(sc, txID); got != "tx-10" {
			t.Errorf("expected later write to win, got %q", got)
		}
	})

	t.Run("snapshot and restore", func(t *testing.T) {
		snap, err := sc.Snapshot()
		if err != nil {
			t.Fatalf("Snapshot failed: %v", err)
		}
		restored := RestoreContext(snap)

		if diff := cmp.Diff(sc.Keys(), restored.Keys()); diff != "" {
			t.Errorf("keys mismatch (-want +got):\n%s", diff)
		}
		if got, ok := Get(restored, amount); !ok || got != Rupees(1000) {
			t.Errorf("expected ₹1000.00, got %s", got)
		}
		if got, _ := Get(restored, entries); !cmp.Equal(got, []string{"le-1", "le-2"}) {
			t.Errorf("unexpected entries %v", got)
		}

		again, err := restored.Snapshot()
		if err != nil {
			t.Fatalf("second Snapshot failed: %v", err)
		}
		if len(again) != len(snap) {
			t.Errorf("expected %d keys after round trip, got %d", len(snap), len(again))
		}
	})

	t.Run("unserialisable value", func(t *testing.T) {
		bad := NewContext()
		bad.SetShared("callback", func() {})
		if _, err := bad.Snapshot(); err == nil {
			t.Error("expected snapshot of a func to fail")
		}
	})
}

func TestErrors(t *testing.T) {
	depleted := fmt.Errorf("allocate: %w", &InsufficientInventoryError{
		ProductID: "fund-a", Available: Rupees(500), Requested: Rupees(1000),
	})
	if !IsInsufficientInventory(depleted) {
		t.Error("expected wrapped inventory error to match")
	}
	var ie *InsufficientInventoryError
	if !errors.As(depleted, &ie) || ie.Available != Rupees(500) {
		t.Error("expected errors.As to expose the available amount")
	}

	blocked := &ComplianceBlockedError{Reason: "kyc pending", Requirements: []string{"kyc", "bank_account"}}
	if !IsComplianceBlocked(blocked) {
		t.Error("expected compliance error to match")
	}
	if want := "compliance blocked: kyc pending (requires kyc, bank_account)"; blocked.Error() != want {
		t.Errorf("expected %q, got %q", want, blocked.Error())
	}

	t.Run("unrecoverable", func(t *testing.T) {
		base := errors.New("connection refused")
		err := Unrecoverable(base)
		if !errors.Is(err, ErrUnrecoverable) || !errors.Is(err, base) {
			t.Errorf("expected both sentinels in %v", err)
		}
		if Unrecoverable(err) != err {
			t.Error("expected no double wrapping")
		}
		if !errors.Is(Unrecoverable(nil), ErrUnrecoverable) {
			t.Error("expected nil to become ErrUnrecoverable")
		}
		if !errors.Is(&PanicError{Operation: "wallet", Value: "boom"}, ErrUnrecoverable) {
			t.Error("expected panics to be unrecoverable")
		}
	})
}

func TestFailureKindTransient(t *testing.T) {
	tests := []struct {
		kind FailureKind
		want bool
	}{
		{FailureUnrecoverable, true},
		{FailureStale, true},
		{FailureComplianceBlocked, false},
		{FailureInventoryDepleted, false},
		{FailureOperation, false},
		{FailureKind("unknown"), false},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			if got := tt.kind.Transient(); got != tt.want {
				t.Errorf("Transient() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAmount(t *testing.T) {
	tests := []struct {
		amount Amount
		want   string
	}{
		{Rupees(10000), "₹10000.00"},
		{Amount(905), "₹9.05"},
		{Amount(-150), "-₹1.50"},
		{0, "₹0.00"},
	}
	for _, tt := range tests {
		if got := tt.amount.String(); got != tt.want {
			t.Errorf("%d: expected %q, got %q", int64(tt.amount), tt.want, got)
		}
	}

	if got := Rupees(10000).Percent(10); got != Rupees(1000) {
		t.Errorf("expected 10%% of ₹10000 to be ₹1000, got %s", got)
	}
}

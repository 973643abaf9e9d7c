package saga

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/finvest/sagaflow"
)

type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(call string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, call)
}

func (l *callLog) get() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

// mockOp is a configurable operation.
type mockOp struct {
	name      string
	log       *callLog
	fail      string
	failData  map[string]any
	err       error
	panicWith any
	compErr   error
	compPanic any
	wait      bool
	before    func(ctx context.Context)
}

func (o *mockOp) Name() string { return o.name }

func (o *mockOp) Execute(ctx context.Context, sc *sagaflow.Context) (sagaflow.Result, error) {
	o.log.add("execute:" + o.name)
	if o.before != nil {
		o.before(ctx)
	}
	if o.panicWith != nil {
		panic(o.panicWith)
	}
	if o.wait {
		<-ctx.Done()
		return sagaflow.Result{}, ctx.Err()
	}
	if o.err != nil {
		return sagaflow.Result{}, o.err
	}
	if o.fail != "" {
		return sagaflow.Failure(o.fail, o.failData), nil
	}
	sc.SetShared(o.name+".id", o.name+"-ref")
	return sagaflow.Success(o.name+" done", map[string]any{"ref": o.name + "-ref"}), nil
}

func (o *mockOp) Compensate(ctx context.Context, sc *sagaflow.Context) error {
	o.log.add("compensate:" + o.name)
	if o.compPanic != nil {
		panic(o.compPanic)
	}
	return o.compErr
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func ops(log *callLog, names ...string) []*mockOp {
	out := make([]*mockOp, len(names))
	for i, n := range names {
		out[i] = &mockOp{name: n, log: log}
	}
	return out
}

func asOperations(in []*mockOp) []sagaflow.Operation {
	out := make([]sagaflow.Operation, len(in))
	for i, op := range in {
		out[i] = op
	}
	return out
}

func newTestCoordinator(store Store, clock *fakeClock, opts ...Option) *Coordinator {
	base := []Option{WithStore(store), WithClock(clock.Now), WithPersistAttempts(1, 0)}
	return NewCoordinator(append(base, opts...)...)
}

func TestRunCompletesAllSteps(t *testing.T) {
	log := &callLog{}
	steps := ops(log, "a", "b", "c")
	store := NewMemoryStore()
	c := newTestCoordinator(store, newFakeClock())

	exec, err := c.Run(context.Background(), Plan{
		Name:       "test",
		Operations: asOperations(steps),
		Metadata:   Metadata{PaymentID: "pay-1", UserID: "u-1", Amount: sagaflow.Rupees(100)},
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if exec.Status != StatusCompleted {
		t.Errorf("expected completed, got %s", exec.Status)
	}
	if exec.StepsCompleted != 3 || exec.StepsTotal != 3 {
		t.Errorf("expected 3/3 steps, got %d/%d", exec.StepsCompleted, exec.StepsTotal)
	}
	if exec.CompletedAt == nil {
		t.Error("expected completed_at to be set")
	}

	want := []string{"execute:a", "execute:b", "execute:c"}
	if diff := cmp.Diff(want, log.get()); diff != "" {
		t.Errorf("calls mismatch (-want +got):\n%s", diff)
	}

	audit, ok := exec.Metadata.Steps["b"]
	if !ok {
		t.Fatal("expected audit entry for step b")
	}
	if audit.Index != 1 || audit.Output["ref"] != "b-ref" || audit.Message != "b done" {
		t.Errorf("unexpected audit entry: %+v", audit)
	}

	stored, err := store.Get(context.Background(), exec.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if stored.Status != StatusCompleted || stored.Version != exec.Version {
		t.Errorf("stored record out of date: status=%s version=%d want %d", stored.Status, stored.Version, exec.Version)
	}
	if stored.Metadata.PaymentID != "pay-1" {
		t.Errorf("expected payment id to be kept, got %q", stored.Metadata.PaymentID)
	}
	if _, ok := stored.Metadata.Checkpoint["c.id"]; !ok {
		t.Error("expected checkpoint to contain c.id")
	}
}

func TestRunCompensatesInReverseOrder(t *testing.T) {
	log := &callLog{}
	steps := ops(log, "a", "b", "c", "d")
	steps[2].fail = "insufficient funds"
	c := newTestCoordinator(NewMemoryStore(), newFakeClock())

	exec, err := c.Run(context.Background(), Plan{Name: "test", Operations: asOperations(steps)})

	var failed *FailedError
	if !errors.As(err, &failed) {
		t.Fatalf("expected FailedError, got %v", err)
	}
	if err.Error() != "insufficient funds" {
		t.Errorf("expected first failure message, got %q", err.Error())
	}
	if !errors.Is(err, sagaflow.ErrOperationFailed) {
		t.Errorf("expected ErrOperationFailed, got %v", err)
	}
	if failed.Step != "c" || failed.Status != StatusCompensated {
		t.Errorf("unexpected failure detail: %+v", failed)
	}

	want := []string{
		"execute:a", "execute:b", "execute:c",
		"compensate:b", "compensate:a",
	}
	if diff := cmp.Diff(want, log.get()); diff != "" {
		t.Errorf("calls mismatch (-want +got):\n%s", diff)
	}

	if exec.Status != StatusCompensated {
		t.Errorf("expected compensated, got %s", exec.Status)
	}
	if exec.StepsCompleted != 2 {
		t.Errorf("expected 2 completed steps, got %d", exec.StepsCompleted)
	}
	if exec.FailureStep != "" || exec.FailureReason != "" {
		t.Errorf("failure fields must be cleared once compensated, got %q/%q", exec.FailureStep, exec.FailureReason)
	}
	if exec.Metadata.Failure == nil || exec.Metadata.Failure.Step != "c" || exec.Metadata.Failure.Kind != sagaflow.FailureOperation {
		t.Errorf("expected archived failure for step c, got %+v", exec.Metadata.Failure)
	}
	for _, name := range []string{"a", "b"} {
		if exec.Metadata.Steps[name].CompensatedAt == nil {
			t.Errorf("expected compensated_at for %s", name)
		}
	}
	if exec.CompensatedAt == nil || exec.FailedAt == nil {
		t.Error("expected failed_at and compensated_at")
	}
}

func TestRunFirstStepFailureStaysFailed(t *testing.T) {
	log := &callLog{}
	steps := ops(log, "gate", "b")
	steps[0].fail = "KYC required"
	steps[0].failData = map[string]any{"compliance_blocked": true}
	c := newTestCoordinator(NewMemoryStore(), newFakeClock())

	exec, err := c.Run(context.Background(), Plan{Name: "test", Operations: asOperations(steps)})
	if !errors.Is(err, sagaflow.ErrComplianceBlocked) {
		t.Fatalf("expected compliance error, got %v", err)
	}

	if exec.Status != StatusFailed {
		t.Errorf("expected failed, got %s", exec.Status)
	}
	if exec.StepsCompleted != 0 {
		t.Errorf("expected 0 completed steps, got %d", exec.StepsCompleted)
	}
	if exec.FailureStep != "gate" || exec.FailureReason != "KYC required" {
		t.Errorf("unexpected failure fields %q/%q", exec.FailureStep, exec.FailureReason)
	}
	if exec.FailureKind() != sagaflow.FailureComplianceBlocked {
		t.Errorf("expected compliance kind, got %s", exec.FailureKind())
	}
	if diff := cmp.Diff([]string{"execute:gate"}, log.get()); diff != "" {
		t.Errorf("calls mismatch (-want +got):\n%s", diff)
	}

	t.Run("nothing to force compensate", func(t *testing.T) {
		if _, err := c.Compensate(context.Background(), exec, asOperations(steps), "ops"); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("expected ErrInvalidTransition, got %v", err)
		}
		if exec.Status != StatusFailed || exec.CompensationAttempts != 0 {
			t.Errorf("rejected compensation must not touch the record, got %s/%d", exec.Status, exec.CompensationAttempts)
		}
	})
}

func TestRunUnrecoverableErrors(t *testing.T) {
	tests := []struct {
		name  string
		setup func(op *mockOp)
		check func(t *testing.T, err error)
	}{
		{
			name:  "returned error",
			setup: func(op *mockOp) { op.err = errors.New("db unreachable") },
			check: func(t *testing.T, err error) {
				if !errors.Is(err, sagaflow.ErrUnrecoverable) {
					t.Errorf("expected ErrUnrecoverable, got %v", err)
				}
			},
		},
		{
			name:  "panic",
			setup: func(op *mockOp) { op.panicWith = "nil map" },
			check: func(t *testing.T, err error) {
				var pe *sagaflow.PanicError
				if !errors.As(err, &pe) {
					t.Errorf("expected PanicError, got %v", err)
				}
			},
		},
		{
			name: "wrapped inventory error",
			setup: func(op *mockOp) {
				op.err = &sagaflow.InsufficientInventoryError{ProductID: "p", Available: 1, Requested: 2}
			},
			check: func(t *testing.T, err error) {
				var failed *FailedError
				if !errors.As(err, &failed) || failed.Kind != sagaflow.FailureInventoryDepleted {
					t.Errorf("expected inventory kind, got %v", err)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			log := &callLog{}
			steps := ops(log, "a", "b")
			tt.setup(steps[1])
			c := newTestCoordinator(NewMemoryStore(), newFakeClock())

			exec, err := c.Run(context.Background(), Plan{Name: "test", Operations: asOperations(steps)})
			if err == nil {
				t.Fatal("expected error")
			}
			tt.check(t, err)

			if exec.Status != StatusCompensated {
				t.Errorf("expected compensated, got %s", exec.Status)
			}
			calls := log.get()
			if calls[len(calls)-1] != "compensate:a" {
				t.Errorf("expected step a to be compensated, calls: %v", calls)
			}
		})
	}
}

func TestRunCompensationFailureContinuesSweep(t *testing.T) {
	log := &callLog{}
	steps := ops(log, "a", "b", "c", "d")
	steps[3].fail = "depleted"
	steps[1].compErr = errors.New("ledger locked")
	steps[2].compPanic = "boom"
	store := NewMemoryStore()
	c := newTestCoordinator(store, newFakeClock())

	exec, err := c.Run(context.Background(), Plan{Name: "test", Operations: asOperations(steps)})
	if err == nil || err.Error() != "depleted" {
		t.Fatalf("expected first failure message, got %v", err)
	}

	want := []string{
		"execute:a", "execute:b", "execute:c", "execute:d",
		"compensate:c", "compensate:b", "compensate:a",
	}
	if diff := cmp.Diff(want, log.get()); diff != "" {
		t.Errorf("calls mismatch (-want +got):\n%s", diff)
	}

	if exec.Status != StatusCompensationFailed {
		t.Errorf("expected compensation_failed, got %s", exec.Status)
	}
	if !exec.NeedsAttention {
		t.Error("expected needs_attention")
	}
	if exec.FailureStep != "d" || exec.FailureReason != "depleted" {
		t.Errorf("expected original failure to be kept, got %q/%q", exec.FailureStep, exec.FailureReason)
	}
	if exec.Metadata.Steps["a"].CompensatedAt == nil {
		t.Error("expected step a compensated")
	}
	if exec.Metadata.Steps["b"].CompensatedAt != nil {
		t.Error("step b compensation failed and must not be marked")
	}
	if diff := cmp.Diff([]string{"c", "b"}, exec.PendingCompensation()); diff != "" {
		t.Errorf("pending compensation mismatch (-want +got):\n%s", diff)
	}

	attention := true
	queue, err := store.List(context.Background(), Filter{NeedsAttention: &attention})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(queue) != 1 || queue[0].ID != exec.ID {
		t.Errorf("expected saga in attention queue, got %d entries", len(queue))
	}
}

func TestRunInvalidPlan(t *testing.T) {
	log := &callLog{}
	c := newTestCoordinator(NewMemoryStore(), newFakeClock(),
		WithPlanValidator(func(p Plan) error {
			if p.Operations[0].Name() != "gate" {
				return errors.New("gate must run first")
			}
			return nil
		}))

	tests := []struct {
		name string
		plan Plan
	}{
		{"no name", Plan{Operations: asOperations(ops(log, "gate"))}},
		{"no operations", Plan{Name: "x"}},
		{"duplicate step", Plan{Name: "x", Operations: asOperations(ops(log, "gate", "a", "a"))}},
		{"validator", Plan{Name: "x", Operations: asOperations(ops(log, "a", "gate"))}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec, err := c.Run(context.Background(), tt.plan)
			if !errors.Is(err, ErrInvalidPlan) {
				t.Errorf("expected ErrInvalidPlan, got %v", err)
			}
			if exec != nil {
				t.Error("no record should be created for an invalid plan")
			}
		})
	}
	if len(log.get()) != 0 {
		t.Errorf("no operation should run, got %v", log.get())
	}
}

func TestRunDuplicateID(t *testing.T) {
	log := &callLog{}
	c := newTestCoordinator(NewMemoryStore(), newFakeClock())
	plan := Plan{ID: "fixed", Name: "x", Operations: asOperations(ops(log, "a"))}

	if _, err := c.Run(context.Background(), plan); err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	if _, err := c.Run(context.Background(), plan); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestRunStepTimeout(t *testing.T) {
	log := &callLog{}
	steps := ops(log, "a", "slow")
	steps[1].wait = true
	c := newTestCoordinator(NewMemoryStore(), newFakeClock(), WithStepTimeout(10*time.Millisecond))

	exec, err := c.Run(context.Background(), Plan{Name: "x", Operations: asOperations(steps)})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if exec.Status != StatusCompensated {
		t.Errorf("expected compensated, got %s", exec.Status)
	}
}

func TestForceCompensate(t *testing.T) {
	log := &callLog{}
	steps := ops(log, "a", "b", "c")
	steps[2].fail = "depleted"
	steps[1].compErr = errors.New("ledger locked")
	store := NewMemoryStore()
	c := newTestCoordinator(store, newFakeClock())

	exec, _ := c.Run(context.Background(), Plan{Name: "x", Operations: asOperations(steps)})
	if exec.Status != StatusCompensationFailed {
		t.Fatalf("expected compensation_failed, got %s", exec.Status)
	}

	// the ledger recovered
	steps[1].compErr = nil

	loaded, err := store.Get(context.Background(), exec.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	out, err := c.Compensate(context.Background(), loaded, asOperations(steps), "ops@finvest")
	if err != nil {
		t.Fatalf("Compensate failed: %v", err)
	}

	if out.Status != StatusCompensated {
		t.Errorf("expected compensated, got %s", out.Status)
	}
	if out.NeedsAttention {
		t.Error("needs_attention must be cleared")
	}
	if out.CompensationAttempts != 2 {
		t.Errorf("expected 2 attempts, got %d", out.CompensationAttempts)
	}

	// step a was already compensated during the run and must not be reversed twice
	want := []string{
		"execute:a", "execute:b", "execute:c",
		"compensate:b", "compensate:a",
		"compensate:b",
	}
	if diff := cmp.Diff(want, log.get()); diff != "" {
		t.Errorf("calls mismatch (-want +got):\n%s", diff)
	}

	var skipped bool
	for _, ev := range out.Events {
		if ev.Type == EventCompensationSkipped && ev.Step == "a" && ev.Actor == "ops@finvest" {
			skipped = true
		}
	}
	if !skipped {
		t.Error("expected compensation_skipped event for step a")
	}

	t.Run("rejects completed saga", func(t *testing.T) {
		ok, _ := c.Run(context.Background(), Plan{Name: "y", Operations: asOperations(ops(log, "z"))})
		if _, err := c.Compensate(context.Background(), ok, asOperations(ops(log, "z")), "ops"); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("expected ErrInvalidTransition, got %v", err)
		}
	})

	t.Run("rejects mismatched plan", func(t *testing.T) {
		bad := ops(log, "a", "c", "b")
		steps[0].compErr = errors.New("x")
		steps[2].fail = "depleted"
		failed, _ := c.Run(context.Background(), Plan{Name: "z", Operations: asOperations(steps)})
		if _, err := c.Compensate(context.Background(), failed, asOperations(bad), "ops"); !errors.Is(err, ErrInvalidPlan) {
			t.Errorf("expected ErrInvalidPlan, got %v", err)
		}
	})
}

func TestForceCompensateVersionConflict(t *testing.T) {
	log := &callLog{}
	steps := ops(log, "a", "b")
	steps[1].fail = "depleted"
	steps[0].compErr = errors.New("locked")
	store := NewMemoryStore()
	c := newTestCoordinator(store, newFakeClock())

	exec, _ := c.Run(context.Background(), Plan{Name: "x", Operations: asOperations(steps)})

	first, _ := store.Get(context.Background(), exec.ID)
	second, _ := store.Get(context.Background(), exec.ID)

	steps[0].compErr = nil
	if _, err := c.Compensate(context.Background(), first, asOperations(steps), "admin-1"); err != nil {
		t.Fatalf("first compensate failed: %v", err)
	}
	if _, err := c.Compensate(context.Background(), second, asOperations(steps), "admin-2"); !errors.Is(err, ErrVersionConflict) {
		t.Errorf("expected ErrVersionConflict, got %v", err)
	}
}

func TestRunStopsWhenSuperseded(t *testing.T) {
	log := &callLog{}
	clock := newFakeClock()
	store := NewMemoryStore()
	c := newTestCoordinator(store, clock)

	steps := ops(log, "a", "b", "c")
	steps[1].before = func(ctx context.Context) {
		// the sweeper gives up on the run while b is in flight
		other, err := store.Get(ctx, "taken")
		if err != nil {
			t.Errorf("Get failed: %v", err)
			return
		}
		clock.Advance(time.Hour)
		if err := c.MarkStale(ctx, other, time.Minute, "sweeper"); err != nil {
			t.Errorf("MarkStale failed: %v", err)
		}
	}

	_, err := c.Run(context.Background(), Plan{ID: "taken", Name: "x", Operations: asOperations(steps)})
	if !errors.Is(err, ErrSuperseded) || !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected ErrSuperseded wrapping ErrVersionConflict, got %v", err)
	}
	if diff := cmp.Diff([]string{"execute:a", "execute:b"}, log.get()); diff != "" {
		t.Errorf("calls mismatch (-want +got):\n%s", diff)
	}

	stored, _ := store.Get(context.Background(), "taken")
	if stored.Status != StatusFailed || stored.FailureKind() != sagaflow.FailureStale {
		t.Errorf("the other actor's record must stand, got %s/%s", stored.Status, stored.FailureKind())
	}
	if stored.StepsCompleted != 1 || stored.InDoubtStep() != "b" {
		t.Errorf("expected b in doubt after one step, got %d/%q", stored.StepsCompleted, stored.InDoubtStep())
	}
}

func TestMarkStaleEscalateResolve(t *testing.T) {
	clock := newFakeClock()
	store := NewMemoryStore()
	c := newTestCoordinator(store, clock)

	exec := newExecution("stuck", Plan{Name: "x", Operations: asOperations(ops(&callLog{}, "a", "b"))}, clock.Now())
	exec.StepsCompleted = 1
	if err := store.Create(context.Background(), exec); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if err := c.MarkStale(context.Background(), exec, time.Minute, "sweeper"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("fresh saga must not be stale, got %v", err)
	}

	clock.Advance(2 * time.Minute)
	if err := c.MarkStale(context.Background(), exec, time.Minute, "sweeper"); err != nil {
		t.Fatalf("MarkStale failed: %v", err)
	}
	if exec.Status != StatusFailed || exec.FailureStep != "b" || exec.FailureKind() != sagaflow.FailureStale {
		t.Errorf("unexpected stale record: status=%s step=%s kind=%s", exec.Status, exec.FailureStep, exec.FailureKind())
	}
	if exec.InDoubtStep() != "b" {
		t.Errorf("expected b in doubt, got %q", exec.InDoubtStep())
	}
	if diff := cmp.Diff([]string{"b", "a"}, exec.PendingCompensation()); diff != "" {
		t.Errorf("pending compensation (-want +got):\n%s", diff)
	}

	if err := c.Escalate(context.Background(), exec, "gave up", "sweeper"); err != nil {
		t.Fatalf("Escalate failed: %v", err)
	}
	if exec.Status != StatusRequiresManualResolution || !exec.NeedsAttention {
		t.Errorf("expected escalated record, got %s attention=%v", exec.Status, exec.NeedsAttention)
	}

	res := Resolution{ActionTaken: "refunded", Notes: "manual refund issued"}
	if err := c.Resolve(context.Background(), exec, res, "ops@finvest"); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	stored, _ := store.Get(context.Background(), "stuck")
	if stored.Status != StatusManuallyResolved {
		t.Errorf("expected manually_resolved, got %s", stored.Status)
	}
	if stored.ResolvedBy != "ops@finvest" || stored.ResolvedAt == nil {
		t.Errorf("expected resolver and time, got %q %v", stored.ResolvedBy, stored.ResolvedAt)
	}
	if diff := cmp.Diff(&res, stored.Resolution); diff != "" {
		t.Errorf("resolution mismatch (-want +got):\n%s", diff)
	}
	if stored.NeedsAttention || stored.FailureStep != "" {
		t.Error("resolved record must clear attention and failure fields")
	}

	if err := c.Resolve(context.Background(), stored, res, "ops"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("resolving twice must fail, got %v", err)
	}
}

func TestStatusTransitions(t *testing.T) {
	tests := []struct {
		from, to Status
		allowed  bool
	}{
		{StatusProcessing, StatusCompleted, true},
		{StatusProcessing, StatusFailed, true},
		{StatusProcessing, StatusCompensated, false},
		{StatusFailed, StatusCompensated, true},
		{StatusFailed, StatusCompensationFailed, true},
		{StatusFailed, StatusManuallyResolved, true},
		{StatusCompensationFailed, StatusRequiresManualResolution, true},
		{StatusCompensationFailed, StatusFailed, false},
		{StatusRequiresManualResolution, StatusManuallyResolved, true},
		{StatusRequiresManualResolution, StatusProcessing, false},
		{StatusCompleted, StatusFailed, false},
		{StatusCompensated, StatusProcessing, false},
		{StatusManuallyResolved, StatusCompensated, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransitionTo(tt.to); got != tt.allowed {
			t.Errorf("%s -> %s: expected %v, got %v", tt.from, tt.to, tt.allowed, got)
		}
	}

	for _, s := range []Status{StatusCompleted, StatusCompensated, StatusManuallyResolved} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
}

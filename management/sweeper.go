package management

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/finvest/sagaflow/saga"
)

// Sweeper defaults.
const (
	DefaultStaleAfter              = 15 * time.Minute
	DefaultMaxCompensationAttempts = 3
	DefaultBatchSize               = 100
	DefaultRate                    = 10
)

// SweepActor is recorded as the actor of recovery actions.
const SweepActor = "recovery-sweep"

// SweepOption configures a Sweeper.
type SweepOption func(*sweepOptions)

type sweepOptions struct {
	staleAfter     time.Duration
	maxAttempts    int
	batchSize      int
	limit          rate.Limit
	burst          int
	retryTransient bool
	now            func() time.Time
	logger         *slog.Logger
}

// WithStaleAfter sets how long a processing saga may go without an update.
func WithStaleAfter(d time.Duration) SweepOption {
	return func(o *sweepOptions) {
		if d > 0 {
			o.staleAfter = d
		}
	}
}

// WithMaxCompensationAttempts sets the number of compensation attempts after
// which a compensation_failed saga is escalated.
func WithMaxCompensationAttempts(n int) SweepOption {
	return func(o *sweepOptions) {
		if n > 0 {
			o.maxAttempts = n
		}
	}
}

// WithBatchSize caps the sagas loaded per status per sweep.
func WithBatchSize(n int) SweepOption {
	return func(o *sweepOptions) {
		if n > 0 {
			o.batchSize = n
		}
	}
}

// WithRate paces recovery actions to perSecond with the given burst.
func WithRate(perSecond float64, burst int) SweepOption {
	return func(o *sweepOptions) {
		if perSecond > 0 {
			o.limit = rate.Limit(perSecond)
		}
		if burst > 0 {
			o.burst = burst
		}
	}
}

// WithRetryTransient enables automatic retry of sagas that failed with a
// transient kind and left nothing to compensate.
func WithRetryTransient(enabled bool) SweepOption {
	return func(o *sweepOptions) {
		o.retryTransient = enabled
	}
}

// WithSweepClock overrides time.Now.
func WithSweepClock(now func() time.Time) SweepOption {
	return func(o *sweepOptions) {
		if now != nil {
			o.now = now
		}
	}
}

// WithSweepLogger sets a custom logger.
func WithSweepLogger(l *slog.Logger) SweepOption {
	return func(o *sweepOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// Report summarises one sweep.
type Report struct {
	Scanned            int      `json:"scanned"`
	MarkedStale        int      `json:"marked_stale"`
	Compensated        int      `json:"compensated"`
	CompensationFailed int      `json:"compensation_failed"`
	Escalated          int      `json:"escalated"`
	Retried            int      `json:"retried"`
	Errors             []string `json:"errors,omitempty"`
}

func (r *Report) fail(id string, err error) {
	r.Errors = append(r.Errors, fmt.Sprintf("%s: %v", id, err))
}

// Sweeper drives stuck sagas towards a terminal state:
//   - processing sagas not updated within the stale threshold are marked
//     failed and compensated
//   - failed sagas with uncompensated steps are compensated
//   - compensation_failed sagas are compensated again, and escalated to
//     requires_manual_resolution once max attempts are spent
//   - optionally, sagas that failed for a transient reason and hold no
//     effects are retried once
//
// Actions are paced by a token bucket so a large backlog does not flood the
// resource managers.
type Sweeper struct {
	m       *Manager
	opts    sweepOptions
	limiter *rate.Limiter
	mu      sync.Mutex
}

// NewSweeper creates a sweeper over m.
func NewSweeper(m *Manager, opts ...SweepOption) *Sweeper {
	o := sweepOptions{
		staleAfter:  DefaultStaleAfter,
		maxAttempts: DefaultMaxCompensationAttempts,
		batchSize:   DefaultBatchSize,
		limit:       DefaultRate,
		burst:       1,
		now:         time.Now,
		logger:      slog.Default().With("component", "saga.sweeper"),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Sweeper{
		m:       m,
		opts:    o,
		limiter: rate.NewLimiter(o.limit, o.burst),
	}
}

// Sweep runs one recovery pass. Sweeps on the same Sweeper do not overlap.
//
// Per-saga failures are collected in the report; the returned error is set
// only when a listing fails or ctx ends.
func (s *Sweeper) Sweep(ctx context.Context) (*Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := &Report{}
	seen := make(map[string]bool)

	passes := []func(context.Context, *Report, map[string]bool) error{
		s.sweepStale,
		s.sweepFailed,
		s.sweepCompensationFailed,
	}
	if s.opts.retryTransient {
		passes = append(passes, s.sweepRetries)
	}
	for _, pass := range passes {
		if err := pass(ctx, r, seen); err != nil {
			return r, err
		}
	}

	s.opts.logger.Info("recovery sweep finished",
		"scanned", r.Scanned,
		"marked_stale", r.MarkedStale,
		"compensated", r.Compensated,
		"compensation_failed", r.CompensationFailed,
		"escalated", r.Escalated,
		"retried", r.Retried,
		"errors", len(r.Errors))
	return r, nil
}

// Run sweeps every interval until ctx ends.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			s.opts.logger.Error("recovery sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Sweeper) list(ctx context.Context, filter saga.Filter, r *Report) ([]*saga.Execution, error) {
	filter.Limit = s.opts.batchSize
	execs, err := s.m.store.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list %v sagas: %w", filter.Status, err)
	}
	r.Scanned += len(execs)
	return execs, nil
}

func (s *Sweeper) sweepStale(ctx context.Context, r *Report, seen map[string]bool) error {
	execs, err := s.list(ctx, saga.Filter{
		Status:        []saga.Status{saga.StatusProcessing},
		UpdatedBefore: s.opts.now().Add(-s.opts.staleAfter),
	}, r)
	if err != nil {
		return err
	}

	for _, exec := range execs {
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}
		seen[exec.ID] = true
		if err := s.m.coord.MarkStale(ctx, exec, s.opts.staleAfter, SweepActor); err != nil {
			s.opts.logger.Error("failed to mark saga stale", "saga_id", exec.ID, "error", err)
			r.fail(exec.ID, err)
			continue
		}
		r.MarkedStale++
		if len(exec.PendingCompensation()) > 0 {
			s.compensate(ctx, exec, r)
		}
	}
	return nil
}

func (s *Sweeper) sweepFailed(ctx context.Context, r *Report, seen map[string]bool) error {
	execs, err := s.list(ctx, saga.Filter{Status: []saga.Status{saga.StatusFailed}}, r)
	if err != nil {
		return err
	}

	for _, exec := range execs {
		if seen[exec.ID] || len(exec.PendingCompensation()) == 0 {
			continue
		}
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}
		seen[exec.ID] = true
		s.compensate(ctx, exec, r)
	}
	return nil
}

func (s *Sweeper) sweepCompensationFailed(ctx context.Context, r *Report, seen map[string]bool) error {
	execs, err := s.list(ctx, saga.Filter{Status: []saga.Status{saga.StatusCompensationFailed}}, r)
	if err != nil {
		return err
	}

	for _, exec := range execs {
		if seen[exec.ID] {
			continue
		}
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}
		seen[exec.ID] = true

		if exec.CompensationAttempts >= s.opts.maxAttempts {
			reason := fmt.Sprintf("compensation failed after %d attempts", exec.CompensationAttempts)
			if err := s.m.coord.Escalate(ctx, exec, reason, SweepActor); err != nil {
				s.opts.logger.Error("failed to escalate saga", "saga_id", exec.ID, "error", err)
				r.fail(exec.ID, err)
				continue
			}
			r.Escalated++
			continue
		}
		s.compensate(ctx, exec, r)
	}
	return nil
}

func (s *Sweeper) sweepRetries(ctx context.Context, r *Report, seen map[string]bool) error {
	execs, err := s.list(ctx, saga.Filter{
		Status: []saga.Status{saga.StatusFailed, saga.StatusCompensated},
	}, r)
	if err != nil {
		return err
	}

	for _, exec := range execs {
		if seen[exec.ID] || exec.RetryOf != "" || !exec.FailureKind().Transient() {
			continue
		}
		retries, err := s.m.store.List(ctx, saga.Filter{RetryOf: exec.ID, Limit: 1})
		if err != nil {
			return fmt.Errorf("list retries of %s: %w", exec.ID, err)
		}
		if len(retries) > 0 {
			continue
		}
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}
		seen[exec.ID] = true

		next, err := s.m.Retry(ctx, exec.ID, SweepActor)
		if next == nil {
			s.opts.logger.Error("failed to retry saga", "saga_id", exec.ID, "error", err)
			r.fail(exec.ID, err)
			continue
		}
		r.Retried++
		if err != nil && !failedRun(err) {
			r.fail(next.ID, err)
		}
	}
	return nil
}

func (s *Sweeper) compensate(ctx context.Context, exec *saga.Execution, r *Report) {
	after, err := s.m.compensate(ctx, exec, SweepActor)
	if err != nil {
		s.opts.logger.Error("recovery compensation failed to start", "saga_id", exec.ID, "error", err)
		r.fail(exec.ID, err)
		return
	}
	if after.Status == saga.StatusCompensated {
		r.Compensated++
		return
	}
	r.CompensationFailed++
	s.opts.logger.Warn("recovery compensation incomplete",
		"saga_id", exec.ID,
		"status", after.Status,
		"attempts", after.CompensationAttempts,
		"pending", after.PendingCompensation())
}

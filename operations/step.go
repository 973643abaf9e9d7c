package operations

import (
	"context"
	"log/slog"

	"github.com/finvest/sagaflow"
)

// Step is a saga operation with a known Kind.
type Step interface {
	sagaflow.Operation
	Kind() Kind
}

// Option configures a step.
type Option func(*stepOptions)

type stepOptions struct {
	logger          *slog.Logger
	allowFractional bool
}

// WithLogger sets the logger for a step.
func WithLogger(l *slog.Logger) Option {
	return func(o *stepOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithFractionalAllocation controls whether AllocateShares may assign
// partial units of a lot. Default: true.
func WithFractionalAllocation(allow bool) Option {
	return func(o *stepOptions) {
		o.allowFractional = allow
	}
}

// base carries what every step shares.
type base struct {
	kind   Kind
	logger *slog.Logger
	opts   stepOptions
}

func newBase(kind Kind, opts []Option) base {
	o := stepOptions{
		logger:          slog.Default(),
		allowFractional: true,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return base{
		kind:   kind,
		logger: o.logger.With("component", "operations", "step", kind.String()),
		opts:   o,
	}
}

func (b base) Name() string { return b.kind.String() }

func (b base) Kind() Kind { return b.kind }

// log returns the step logger tagged with the saga id when known.
func (b base) log(sc *sagaflow.Context) *slog.Logger {
	if id, ok := sagaflow.Get(sc, sagaflow.SagaID); ok {
		return b.logger.With("saga_id", id)
	}
	return b.logger
}

// noop logs a compensation that has nothing to reverse.
func (b base) noop(ctx context.Context, sc *sagaflow.Context, reason string) error {
	b.log(sc).InfoContext(ctx, "compensation is a no-op", "reason", reason)
	return nil
}

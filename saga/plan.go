package saga

import (
	"fmt"

	"github.com/finvest/sagaflow"
)

// Plan is everything the coordinator needs for one run: the ordered
// operations, the context they share and the correlation metadata that is
// copied onto the execution record.
type Plan struct {
	// ID is the saga id to use. Empty means generate one with NewID.
	ID string

	// Name is the saga definition name (e.g. "investment").
	Name string

	// Operations run in this order; compensation runs in the reverse.
	Operations []sagaflow.Operation

	// Context is the run's data bag. Nil means a fresh empty context.
	Context *sagaflow.Context

	// Metadata is the business correlation stored with the execution.
	Metadata Metadata

	// RetryOf is the saga id this run retries, if any.
	RetryOf string
}

// PlanValidator enforces saga-kind specific ordering rules.
type PlanValidator func(Plan) error

// Validate checks the rules every plan must satisfy: a name, at least one
// operation, and unique non-empty step names (step names key the audit map).
func (p Plan) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidPlan)
	}
	if len(p.Operations) == 0 {
		return fmt.Errorf("%w: at least one operation is required", ErrInvalidPlan)
	}
	seen := make(map[string]int, len(p.Operations))
	for i, op := range p.Operations {
		if op == nil {
			return fmt.Errorf("%w: operation %d is nil", ErrInvalidPlan, i)
		}
		name := op.Name()
		if name == "" {
			return fmt.Errorf("%w: operation %d has no name", ErrInvalidPlan, i)
		}
		if j, dup := seen[name]; dup {
			return fmt.Errorf("%w: step %q appears at %d and %d", ErrInvalidPlan, name, j, i)
		}
		seen[name] = i
	}
	return nil
}

// StepNames returns the operation names in plan order.
func (p Plan) StepNames() []string {
	names := make([]string, len(p.Operations))
	for i, op := range p.Operations {
		names[i] = op.Name()
	}
	return names
}

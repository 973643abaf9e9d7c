package management

import (
	"context"
	"fmt"

	"github.com/finvest/sagaflow"
	"github.com/finvest/sagaflow/saga"
)

// Payment is the payment that triggered a saga.
type Payment struct {
	ID             string          `json:"payment_id"`
	UserID         string          `json:"user_id,omitempty"`
	SubscriptionID string          `json:"subscription_id,omitempty"`
	Amount         sagaflow.Amount `json:"amount"`
	Status         string          `json:"status,omitempty"`
	Details        map[string]any  `json:"details,omitempty"`
}

// PaymentLookup fetches payments from the payment system.
type PaymentLookup interface {
	Payment(ctx context.Context, paymentID string) (*Payment, error)
}

// Payment returns the payment correlated with saga id. Without a
// PaymentLookup, or when the lookup has no record, the correlation fields of
// the saga's metadata are returned.
func (m *Manager) Payment(ctx context.Context, id string) (*Payment, error) {
	exec, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	fallback := paymentFromMetadata(exec)
	if m.payments == nil || exec.Metadata.PaymentID == "" {
		return fallback, nil
	}

	p, err := m.payments.Payment(ctx, exec.Metadata.PaymentID)
	if err != nil {
		return nil, fmt.Errorf("lookup payment %s: %w", exec.Metadata.PaymentID, err)
	}
	if p == nil {
		return fallback, nil
	}
	return p, nil
}

func paymentFromMetadata(exec *saga.Execution) *Payment {
	return &Payment{
		ID:             exec.Metadata.PaymentID,
		UserID:         exec.Metadata.UserID,
		SubscriptionID: exec.Metadata.SubscriptionID,
		Amount:         exec.Metadata.Amount,
	}
}

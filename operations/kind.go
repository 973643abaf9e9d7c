package operations

import (
	"errors"
	"fmt"
)

// Kind identifies one of the saga step variants.
type Kind int

const (
	KindVerifyCompliance Kind = iota + 1
	KindCalculateCampaignBenefit
	KindRecordCampaignLiability
	KindAllocateShares
	KindCreditUserWallet
)

// Kinds returns every step kind in the default investment order.
func Kinds() []Kind {
	return []Kind{
		KindVerifyCompliance,
		KindCalculateCampaignBenefit,
		KindRecordCampaignLiability,
		KindAllocateShares,
		KindCreditUserWallet,
	}
}

// String returns the step name used in audit records.
func (k Kind) String() string {
	switch k {
	case KindVerifyCompliance:
		return "verify_compliance"
	case KindCalculateCampaignBenefit:
		return "calculate_campaign_benefit"
	case KindRecordCampaignLiability:
		return "record_campaign_liability"
	case KindAllocateShares:
		return "allocate_shares"
	case KindCreditUserWallet:
		return "credit_user_wallet"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ErrUnknownKind is returned when a step name does not name a Kind.
var ErrUnknownKind = errors.New("unknown step kind")

// ParseKind maps a step name back to its Kind.
func ParseKind(name string) (Kind, error) {
	for _, k := range Kinds() {
		if k.String() == name {
			return k, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownKind, name)
}

// OperationType is the money movement a compliance check guards.
type OperationType int

const (
	OpInvest OperationType = iota + 1
	OpWithdraw
	OpReceiveFunds
)

// ErrUnknownOperationType is returned when a name does not name an
// OperationType.
var ErrUnknownOperationType = errors.New("unknown operation type")

// ParseOperationType maps an operation type name back to its value.
func ParseOperationType(name string) (OperationType, error) {
	for _, t := range []OperationType{OpInvest, OpWithdraw, OpReceiveFunds} {
		if t.String() == name {
			return t, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownOperationType, name)
}

func (t OperationType) String() string {
	switch t {
	case OpInvest:
		return "invest"
	case OpWithdraw:
		return "withdraw"
	case OpReceiveFunds:
		return "receive_funds"
	default:
		return fmt.Sprintf("operation_type(%d)", int(t))
	}
}

package finance

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/finvest/sagaflow"
	"github.com/finvest/sagaflow/operations"
)

// Compliance requirement codes.
const (
	RequireKYC         = "kyc_verification"
	RequireBankAccount = "bank_account_verification"
	RequireReview      = "compliance_review"
)

// DefaultSmallTicketLimit is the largest investment allowed before KYC.
var DefaultSmallTicketLimit = sagaflow.Rupees(10000)

// Profile is a user's compliance state.
type Profile struct {
	UserID              string
	KYCVerified         bool
	BankAccountVerified bool
	Frozen              bool
}

// BlockRecord is an audit entry for a blocked operation.
type BlockRecord struct {
	UserID    string
	Operation operations.OperationType
	Decision  operations.ComplianceDecision
	At        time.Time
}

// MemoryComplianceGate evaluates compliance rules against in-process
// profiles. Unknown users have an empty profile.
type MemoryComplianceGate struct {
	mu               sync.RWMutex
	profiles         map[string]Profile
	blocks           []BlockRecord
	smallTicketLimit sagaflow.Amount
	now              Clock
	logger           *slog.Logger
}

// NewMemoryComplianceGate creates a gate with DefaultSmallTicketLimit.
func NewMemoryComplianceGate() *MemoryComplianceGate {
	return &MemoryComplianceGate{
		profiles:         make(map[string]Profile),
		smallTicketLimit: DefaultSmallTicketLimit,
		now:              time.Now,
		logger:           slog.Default().With("component", "finance.compliance"),
	}
}

// SetProfile stores a profile.
func (g *MemoryComplianceGate) SetProfile(p Profile) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.profiles[p.UserID] = p
}

func (g *MemoryComplianceGate) profile(userID string) Profile {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if p, ok := g.profiles[userID]; ok {
		return p
	}
	return Profile{UserID: userID}
}

// CanInvest allows KYC-verified users, and unverified users up to the small
// ticket limit.
func (g *MemoryComplianceGate) CanInvest(ctx context.Context, userID string, amount sagaflow.Amount) (operations.ComplianceDecision, error) {
	p := g.profile(userID)
	if p.Frozen {
		return blocked("account frozen", RequireReview), nil
	}
	if !p.KYCVerified && amount > g.smallTicketLimit {
		return blocked("KYC required above "+g.smallTicketLimit.String(), RequireKYC), nil
	}
	return operations.ComplianceDecision{Allowed: true}, nil
}

// CanWithdraw requires KYC and a verified bank account.
func (g *MemoryComplianceGate) CanWithdraw(ctx context.Context, userID string, amount sagaflow.Amount) (operations.ComplianceDecision, error) {
	p := g.profile(userID)
	if p.Frozen {
		return blocked("account frozen", RequireReview), nil
	}
	var reqs []string
	if !p.KYCVerified {
		reqs = append(reqs, RequireKYC)
	}
	if !p.BankAccountVerified {
		reqs = append(reqs, RequireBankAccount)
	}
	if len(reqs) > 0 {
		return blocked("withdrawal requires verified identity and bank account", reqs...), nil
	}
	return operations.ComplianceDecision{Allowed: true}, nil
}

// CanReceiveFunds only blocks frozen accounts.
func (g *MemoryComplianceGate) CanReceiveFunds(ctx context.Context, userID string, amount sagaflow.Amount) (operations.ComplianceDecision, error) {
	if g.profile(userID).Frozen {
		return blocked("account frozen", RequireReview), nil
	}
	return operations.ComplianceDecision{Allowed: true}, nil
}

// LogComplianceBlock records the block for audit.
func (g *MemoryComplianceGate) LogComplianceBlock(ctx context.Context, userID string, op operations.OperationType, d operations.ComplianceDecision) error {
	g.mu.Lock()
	g.blocks = append(g.blocks, BlockRecord{UserID: userID, Operation: op, Decision: d, At: g.now()})
	g.mu.Unlock()

	g.logger.WarnContext(ctx, "compliance block", "user_id", userID, "operation", op.String(),
		"reason", d.Reason, "requirements", d.Requirements)
	return nil
}

// Blocks returns the recorded blocks.
func (g *MemoryComplianceGate) Blocks() []BlockRecord {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return slices.Clone(g.blocks)
}

func blocked(reason string, reqs ...string) operations.ComplianceDecision {
	return operations.ComplianceDecision{Allowed: false, Reason: reason, Requirements: reqs}
}

// Compile-time check
var _ operations.ComplianceGate = (*MemoryComplianceGate)(nil)

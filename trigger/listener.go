// Package trigger starts investment sagas from payment.completed messages.
//
// Messages arrive over NATS core pub/sub on a queue group, so each payment is
// handled by one sagad instance. A payment id is claimed in an idempotency
// store before its saga starts; a duplicate publish of the same payment is
// acknowledged without a second saga.
package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/finvest/sagaflow"
	"github.com/finvest/sagaflow/idempotency"
	"github.com/finvest/sagaflow/operations"
	"github.com/finvest/sagaflow/saga"
)

// Defaults for the subscription.
const (
	DefaultSubject = "payment.completed"
	DefaultQueue   = "sagaflow"
)

// ErrInvalidPayment is returned for messages that cannot start a saga.
var ErrInvalidPayment = errors.New("invalid payment message")

// PaymentCompleted is the payload of a payment.completed message.
type PaymentCompleted struct {
	PaymentID      string          `json:"payment_id"`
	InvestmentID   string          `json:"investment_id"`
	UserID         string          `json:"user_id"`
	ProductID      string          `json:"product_id"`
	SubscriptionID string          `json:"subscription_id,omitempty"`
	CampaignID     string          `json:"campaign_id,omitempty"`
	ReferralCode   string          `json:"referral_code,omitempty"`
	Amount         sagaflow.Amount `json:"amount"`
}

func (p PaymentCompleted) validate() error {
	switch {
	case p.PaymentID == "":
		return fmt.Errorf("%w: payment_id is required", ErrInvalidPayment)
	case p.InvestmentID == "":
		return fmt.Errorf("%w: investment_id is required", ErrInvalidPayment)
	case p.UserID == "":
		return fmt.Errorf("%w: user_id is required", ErrInvalidPayment)
	case p.ProductID == "":
		return fmt.Errorf("%w: product_id is required", ErrInvalidPayment)
	case p.Amount <= 0:
		return fmt.Errorf("%w: amount must be positive", ErrInvalidPayment)
	}
	return nil
}

// Investment returns the investment the payment funds.
func (p PaymentCompleted) Investment() *operations.Investment {
	return &operations.Investment{
		ID:             p.InvestmentID,
		UserID:         p.UserID,
		ProductID:      p.ProductID,
		PaymentID:      p.PaymentID,
		SubscriptionID: p.SubscriptionID,
		CampaignID:     p.CampaignID,
		ReferralCode:   p.ReferralCode,
		Amount:         p.Amount,
	}
}

func paymentKey(p PaymentCompleted) string {
	return "payment:" + p.PaymentID
}

// Reply is sent back when a message was published as a request.
type Reply struct {
	SagaID    string      `json:"saga_id,omitempty"`
	Status    saga.Status `json:"status,omitempty"`
	Duplicate bool        `json:"duplicate,omitempty"`
	Error     string      `json:"error,omitempty"`
}

// Option configures a Listener.
type Option func(*Listener)

// WithSubject sets the subject to subscribe to.
func WithSubject(subject string) Option {
	return func(l *Listener) {
		if subject != "" {
			l.subject = subject
		}
	}
}

// WithQueue sets the queue group.
func WithQueue(queue string) Option {
	return func(l *Listener) {
		if queue != "" {
			l.queue = queue
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Listener) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// Listener turns payment.completed messages into investment sagas.
type Listener struct {
	conn    *nats.Conn
	coord   *saga.Coordinator
	deps    operations.Dependencies
	keys    idempotency.Store
	subject string
	queue   string
	logger  *slog.Logger

	mu      sync.Mutex
	sub     *nats.Subscription
	stopped bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewListener creates a listener. keys deduplicates payments.
func NewListener(conn *nats.Conn, coord *saga.Coordinator, deps operations.Dependencies, keys idempotency.Store, opts ...Option) *Listener {
	l := &Listener{
		conn:    conn,
		coord:   coord,
		deps:    deps,
		keys:    keys,
		subject: DefaultSubject,
		queue:   DefaultQueue,
		logger:  slog.Default().With("component", "trigger"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Start subscribes. Sagas run with a context derived from ctx.
func (l *Listener) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sub != nil || l.stopped {
		return errors.New("listener already started")
	}

	ctx, l.cancel = context.WithCancel(ctx)
	sub, err := l.conn.QueueSubscribe(l.subject, l.queue, func(msg *nats.Msg) {
		if !l.enter() {
			return
		}
		defer l.wg.Done()
		l.onMessage(ctx, msg)
	})
	if err != nil {
		l.cancel()
		return fmt.Errorf("subscribe %s: %w", l.subject, err)
	}
	l.sub = sub

	l.logger.Info("listening for payments", "subject", l.subject, "queue", l.queue)
	return nil
}

func (l *Listener) enter() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return false
	}
	l.wg.Add(1)
	return true
}

// Stop unsubscribes and waits for in-flight sagas to finish.
func (l *Listener) Stop() error {
	l.mu.Lock()
	sub := l.sub
	l.stopped = true
	l.mu.Unlock()
	if sub == nil {
		return nil
	}

	err := sub.Unsubscribe()
	l.wg.Wait()
	l.cancel()
	return err
}

func (l *Listener) onMessage(ctx context.Context, msg *nats.Msg) {
	reply := l.Handle(ctx, msg.Data)
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		l.logger.Error("failed to encode reply", "error", err)
		return
	}
	if err := msg.Respond(data); err != nil {
		l.logger.Warn("failed to reply", "subject", msg.Reply, "error", err)
	}
}

// Handle decodes one payment message and runs its saga. It is what the
// subscription calls for each message.
func (l *Listener) Handle(ctx context.Context, data []byte) Reply {
	var p PaymentCompleted
	if err := json.Unmarshal(data, &p); err != nil {
		l.logger.Warn("dropping undecodable payment message", "error", err)
		return Reply{Error: fmt.Sprintf("%v: %v", ErrInvalidPayment, err)}
	}
	if err := p.validate(); err != nil {
		l.logger.Warn("dropping payment message", "payment_id", p.PaymentID, "error", err)
		return Reply{Error: err.Error()}
	}

	var reply Reply
	guard := idempotency.NewGuard(l.keys, paymentKey, func(ctx context.Context, p PaymentCompleted) error {
		var err error
		reply, err = l.run(ctx, p)
		return err
	})
	err := guard.Handle(ctx, p)
	switch {
	case errors.Is(err, idempotency.ErrAlreadyProcessed):
		l.logger.Info("duplicate payment ignored", "payment_id", p.PaymentID)
		return Reply{Duplicate: true}
	case err != nil:
		l.logger.Error("failed to start investment saga", "payment_id", p.PaymentID, "error", err)
		return Reply{Error: err.Error()}
	}

	return reply
}

// run starts the saga. A saga that runs and fails still consumed the payment:
// its record is where recovery continues, so only errors that kept the saga
// from being recorded are returned.
func (l *Listener) run(ctx context.Context, p PaymentCompleted) (Reply, error) {
	plan, err := operations.NewInvestmentPlan(l.deps, p.Investment())
	if err != nil {
		return Reply{}, err
	}

	exec, err := l.coord.Run(ctx, plan)
	var failed *saga.FailedError
	switch {
	case errors.As(err, &failed):
		l.logger.Warn("investment saga failed",
			"payment_id", p.PaymentID,
			"saga_id", failed.SagaID,
			"step", failed.Step,
			"kind", failed.Kind,
			"status", failed.Status)
		return Reply{SagaID: failed.SagaID, Status: failed.Status, Error: failed.Reason}, nil
	case errors.Is(err, saga.ErrSuperseded):
		// recovery took the record over; the saga is recorded and owned there
		l.logger.Warn("investment saga superseded", "payment_id", p.PaymentID, "saga_id", exec.ID, "error", err)
		return Reply{SagaID: exec.ID, Status: exec.Status, Error: err.Error()}, nil
	case err != nil:
		return Reply{}, err
	}

	l.logger.Info("investment saga completed", "payment_id", p.PaymentID, "saga_id", exec.ID)
	return Reply{SagaID: exec.ID, Status: exec.Status}, nil
}

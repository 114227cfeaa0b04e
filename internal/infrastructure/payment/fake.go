package payment

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"saga-checkout/internal/domain"
)

type Decision int

const (
	Approve Decision = iota
	Decline
	// PhantomCharge captures the money but reports a timeout to the caller.
	PhantomCharge
)

// RandomDecision approves 70%, declines 20% and phantom-charges 10%.
func RandomDecision(ConfirmRequest) Decision {
	chance := rand.IntN(100)
	switch {
	case chance < 70:
		return Approve
	case chance < 90:
		return Decline
	default:
		return PhantomCharge
	}
}

// FakeGateway is an in-memory PG. Confirming a key twice returns the first
// result, which is how a retried confirm finds a phantom charge.
type FakeGateway struct {
	mu       sync.RWMutex
	payments map[string]*Response
	Decide   func(ConfirmRequest) Decision
	// CancelFails makes every cancel report a non-DONE cancel entry.
	CancelFails bool
	// Unavailable makes every call fail as a transport error.
	Unavailable bool
	Latency     time.Duration
	now         func() time.Time
}

func NewFakeGateway(decide func(ConfirmRequest) Decision) *FakeGateway {
	if decide == nil {
		decide = func(ConfirmRequest) Decision { return Approve }
	}
	return &FakeGateway{payments: make(map[string]*Response), Decide: decide, now: time.Now}
}

func (g *FakeGateway) wait(ctx context.Context) error {
	if g.Unavailable {
		return domain.ErrPGUnavailable
	}
	if g.Latency == 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return domain.ErrPGUnavailable.WithCause(ctx.Err())
	case <-time.After(g.Latency):
		return nil
	}
}

func (g *FakeGateway) Confirm(ctx context.Context, req ConfirmRequest) (*Response, error) {
	if err := g.wait(ctx); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if existing, ok := g.payments[req.PaymentKey]; ok {
		cp := *existing
		return &cp, nil
	}

	switch g.Decide(req) {
	case Decline:
		return nil, domain.NewError(domain.CodePGRejected, "[REJECT_CARD_PAYMENT] 카드 결제가 거절되었습니다")
	case PhantomCharge:
		g.payments[req.PaymentKey] = g.approved(req)
		return nil, domain.ErrPGUnavailable.WithCause(context.DeadlineExceeded)
	default:
		p := g.approved(req)
		g.payments[req.PaymentKey] = p
		cp := *p
		return &cp, nil
	}
}

func (g *FakeGateway) approved(req ConfirmRequest) *Response {
	return &Response{
		PaymentKey:  req.PaymentKey,
		OrderID:     req.OrderID,
		Status:      StatusDone,
		TotalAmount: req.Amount,
		Method:      "카드",
		ApprovedAt:  g.now().Format(time.RFC3339),
	}
}

func (g *FakeGateway) Cancel(ctx context.Context, paymentKey, reason string) (*Response, error) {
	if err := g.wait(ctx); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.payments[paymentKey]
	if !ok {
		return nil, domain.NewError(domain.CodePGRejected, "[NOT_FOUND_PAYMENT] 존재하지 않는 결제 정보 입니다")
	}
	if p.Status == StatusCanceled {
		cp := *p
		return &cp, nil
	}
	status := StatusDone
	if g.CancelFails {
		status = StatusInProgress
	} else {
		p.Status = StatusCanceled
	}
	p.Cancels = append(p.Cancels, Cancel{
		CancelAmount: p.TotalAmount,
		CancelReason: reason,
		CancelStatus: status,
		CanceledAt:   g.now().Format(time.RFC3339),
	})
	cp := *p
	return &cp, nil
}

func (g *FakeGateway) Get(ctx context.Context, paymentKey string) (*Response, error) {
	if err := g.wait(ctx); err != nil {
		return nil, err
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	p, ok := g.payments[paymentKey]
	if !ok {
		return &Response{PaymentKey: paymentKey, Status: StatusReady}, nil
	}
	cp := *p
	return &cp, nil
}

// Seed stores a payment as if it had been confirmed, for tests.
func (g *FakeGateway) Seed(r Response) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.payments[r.PaymentKey] = &r
}

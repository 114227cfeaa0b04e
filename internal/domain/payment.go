package domain

import (
	"time"
)

type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "PENDING"
	PaymentSuccess  PaymentStatus = "SUCCESS"
	PaymentFail     PaymentStatus = "FAIL"
	PaymentCanceled PaymentStatus = "CANCELED"
	PaymentRefunded PaymentStatus = "REFUNDED"
)

var paymentTransitions = map[PaymentStatus][]PaymentStatus{
	PaymentPending:  {PaymentSuccess, PaymentFail},
	PaymentSuccess:  {PaymentCanceled, PaymentRefunded},
	PaymentCanceled: {PaymentRefunded},
}

func (s PaymentStatus) CanTransition(to PaymentStatus) bool {
	for _, next := range paymentTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

type Payment struct {
	ID            int64
	OrderID       int64
	Amount        int64
	Method        PaymentMethod
	Status        PaymentStatus
	PaymentKey    string
	FailureReason string
	Description   string
	RequestedAt   time.Time
	ApprovedAt    *time.Time
	FailedAt      *time.Time
	CanceledAt    *time.Time
	RefundedAt    *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// MoveTo applies a status change and stamps the matching timestamp.
func (p *Payment) MoveTo(to PaymentStatus, at time.Time) error {
	if !p.Status.CanTransition(to) {
		return NewError(CodeInvalidState, "payment %d: %s -> %s is not allowed", p.ID, p.Status, to)
	}
	p.Status = to
	p.UpdatedAt = at
	switch to {
	case PaymentSuccess:
		p.ApprovedAt = &at
	case PaymentFail:
		p.FailedAt = &at
	case PaymentCanceled:
		p.CanceledAt = &at
	case PaymentRefunded:
		p.RefundedAt = &at
	}
	return nil
}

type PaymentLogType string

const (
	LogRequest  PaymentLogType = "REQUEST"
	LogResponse PaymentLogType = "RESPONSE"
	LogError    PaymentLogType = "ERROR"
)

// PaymentLog is one append-only audit row of a PG exchange.
type PaymentLog struct {
	ID        int64
	PaymentID int64
	OrderID   int64
	Type      PaymentLogType
	Operation string
	Payload   string
	CreatedAt time.Time
}

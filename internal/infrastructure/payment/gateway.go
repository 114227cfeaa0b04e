package payment

import (
	"context"
)

// PG payment statuses.
const (
	StatusReady           = "READY"
	StatusInProgress      = "IN_PROGRESS"
	StatusDone            = "DONE"
	StatusCanceled        = "CANCELED"
	StatusPartialCanceled = "PARTIAL_CANCELED"
	StatusAborted         = "ABORTED"
	StatusExpired         = "EXPIRED"
)

type ConfirmRequest struct {
	PaymentKey string `json:"paymentKey"`
	OrderID    string `json:"orderId"`
	Amount     int64  `json:"amount"`
}

type Cancel struct {
	CancelAmount int64  `json:"cancelAmount"`
	CancelReason string `json:"cancelReason"`
	CancelStatus string `json:"cancelStatus"`
	CanceledAt   string `json:"canceledAt,omitempty"`
}

type Failure struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Response is the PG's payment object.
type Response struct {
	PaymentKey  string   `json:"paymentKey"`
	OrderID     string   `json:"orderId"`
	Status      string   `json:"status"`
	TotalAmount int64    `json:"totalAmount"`
	Method      string   `json:"method,omitempty"`
	ApprovedAt  string   `json:"approvedAt,omitempty"`
	Cancels     []Cancel `json:"cancels,omitempty"`
	Failure     *Failure `json:"failure,omitempty"`
}

// Captured reports whether money was taken and not yet returned.
func (r *Response) Captured() bool {
	return r.Status == StatusDone || r.Status == StatusPartialCanceled
}

// CancelDone reports whether the last cancel entry completed.
func (r *Response) CancelDone() bool {
	if len(r.Cancels) == 0 {
		return false
	}
	return r.Cancels[len(r.Cancels)-1].CancelStatus == StatusDone
}

// Gateway talks to the payment gateway. Transport failures come back as
// retryable PG_UNAVAILABLE errors and explicit rejections as PG_REJECTED.
type Gateway interface {
	Confirm(ctx context.Context, req ConfirmRequest) (*Response, error)
	Cancel(ctx context.Context, paymentKey, reason string) (*Response, error)
	Get(ctx context.Context, paymentKey string) (*Response, error)
}

// Package saga holds the order state machine. Every function takes an order
// snapshot and an event and returns the next snapshot plus the commands to
// publish; nothing here touches storage or the bus.
package saga

import (
	"fmt"
	"time"

	"saga-checkout/internal/domain"
	"saga-checkout/internal/events"
)

const (
	MsgAlreadyCompleted   = "already completed"
	MsgManualIntervention = "manual intervention required"
)

// Outcome is the result of applying one event. Changed is false for no-ops,
// in which case Order equals the input and Commands is empty.
type Outcome struct {
	Order    domain.Order
	From     domain.OrderStatus
	Changed  bool
	Commands []events.Message
	Note     string
}

func noop(o domain.Order, note string) Outcome {
	return Outcome{Order: o, From: o.Status, Note: note}
}

func move(o domain.Order, to domain.OrderStatus, now time.Time) (domain.Order, error) {
	if !domain.CanTransition(o.Status, to) {
		return o, domain.NewError(domain.CodeInvalidState, "order %d: %s -> %s not allowed", o.ID, o.Status, to)
	}
	next := o.Clone()
	next.Status = to
	next.UpdatedAt = now
	return next, nil
}

func changed(from domain.Order, to domain.Order, cmds ...events.Message) Outcome {
	return Outcome{Order: to, From: from.Status, Changed: true, Commands: cmds}
}

// StartValidation moves a freshly created order to VALIDATING and asks the
// stock service for product data.
func StartValidation(o domain.Order, now time.Time) (Outcome, error) {
	if o.Status != domain.OrderCreated {
		return noop(o, "validation already started"), nil
	}
	next, err := move(o, domain.OrderValidating, now)
	if err != nil {
		return Outcome{}, err
	}
	cmd := events.New(events.TopicFetchProductInfo, o.ID, &events.FetchProductInfo{
		OrderID: o.ID,
		Items:   events.ToStockItems(o.StockLines()),
	})
	return changed(o, next, cmd), nil
}

// ApplyValidation prices the order from the stock service's answer. The price
// is fixed once; a repeated result is ignored.
func ApplyValidation(o domain.Order, res events.ProductInfoResult, now time.Time) (Outcome, error) {
	if o.Priced() || o.Status != domain.OrderValidating {
		return noop(o, "order already priced"), nil
	}
	if !res.Success {
		return fail(o, domain.OrderValidationFailed, res.ErrorMessage, now)
	}

	infos := make(map[int64]events.ProductInfo, len(res.Products))
	for _, p := range res.Products {
		infos[p.ProductID] = p
	}
	var missing []int64
	for _, it := range o.Items {
		if _, ok := infos[it.ProductID]; !ok {
			missing = append(missing, it.ProductID)
		}
	}
	if len(missing) > 0 {
		return fail(o, domain.OrderValidationFailed, domain.ProductsNotFound(missing).Message, now)
	}

	requested := make(map[int64]int64, len(o.Items))
	for _, it := range o.Items {
		requested[it.ProductID] += it.Quantity
	}
	for _, it := range o.Items {
		info := infos[it.ProductID]
		if qty := requested[it.ProductID]; qty > info.Stock {
			return fail(o, domain.OrderValidationFailed,
				fmt.Sprintf("재고 부족: 상품 %d (요청 %d, 재고 %d)", it.ProductID, qty, info.Stock), now)
		}
	}

	next, err := move(o, domain.OrderValidationSuccess, now)
	if err != nil {
		return Outcome{}, err
	}
	var total int64
	for i := range next.Items {
		info := infos[next.Items[i].ProductID]
		next.Items[i].ProductName = info.ProductName
		next.Items[i].UnitPrice = info.Price
		total += next.Items[i].Subtotal()
	}
	next.Price = total

	cmd := events.New(events.TopicPreparePayment, o.ID, &events.PreparePayment{
		OrderID: o.ID,
		UserID:  o.BuyerID,
		Amount:  total,
		Method:  string(o.Method),
	})
	return changed(o, next, cmd), nil
}

func ApplyPaymentPrepared(o domain.Order, ev events.PaymentPrepared, now time.Time) (Outcome, error) {
	if o.PaymentID != nil {
		return noop(o, "payment id already set"), nil
	}
	if o.Status != domain.OrderValidationSuccess {
		return noop(o, fmt.Sprintf("payment-prepared ignored in %s", o.Status)), nil
	}
	next, err := move(o, domain.OrderPrepared, now)
	if err != nil {
		return Outcome{}, err
	}
	id := ev.PaymentID
	next.PaymentID = &id
	return changed(o, next), nil
}

func ApplyPaymentPrepareFailed(o domain.Order, ev events.PaymentPrepareFail, now time.Time) (Outcome, error) {
	if o.Status != domain.OrderValidationSuccess {
		return noop(o, fmt.Sprintf("payment-prepare-fail ignored in %s", o.Status)), nil
	}
	reason := ev.ErrorMessage
	if reason == "" {
		reason = "payment prepare failed"
	}
	return fail(o, domain.OrderPaymentPrepareFail, reason, now)
}

// ConfirmRequest is the buyer's checkout: the PG payment key and the amount
// the buyer was charged.
type ConfirmRequest struct {
	PaymentKey string
	Amount     int64
}

// ConfirmResult is what the synchronous caller sees.
type ConfirmResult struct {
	Success bool
	Code    domain.Code
	Message string
	// CacheKey is true when the caller must store the payment key before
	// persisting the outcome.
	CacheKey bool
}

func Confirm(o domain.Order, req ConfirmRequest, now time.Time) (Outcome, ConfirmResult) {
	switch o.Status {
	case domain.OrderPrepared, domain.OrderDecreaseStock, domain.OrderPaymentPending, domain.OrderConfirmed:
	default:
		return noop(o, "confirm rejected"), ConfirmResult{
			Code:    domain.CodeInvalidState,
			Message: fmt.Sprintf("order is not confirmable in status %s", o.Status),
		}
	}
	if req.Amount != o.Price {
		return noop(o, "confirm rejected"), ConfirmResult{
			Code:    domain.CodeAmountMismatch,
			Message: fmt.Sprintf("amount mismatch: expected %d, actual %d", o.Price, req.Amount),
		}
	}
	if o.Status != domain.OrderPrepared {
		return noop(o, MsgAlreadyCompleted), ConfirmResult{Success: true, Message: MsgAlreadyCompleted}
	}

	next, err := move(o, domain.OrderDecreaseStock, now)
	if err != nil {
		return noop(o, "confirm rejected"), ConfirmResult{Code: domain.CodeOf(err), Message: err.Error()}
	}
	cmd := events.New(events.TopicDecreaseStock, o.ID, &events.StockCommand{
		OrderID:  o.ID,
		Products: events.ToStockItems(o.StockLines()),
	})
	return changed(o, next, cmd), ConfirmResult{Success: true, CacheKey: true}
}

// ApplyStockDecreased needs the payment key cached at confirm time. An empty
// key means the cache entry expired and the order cannot advance.
func ApplyStockDecreased(o domain.Order, ev events.StockDecreased, paymentKey string, now time.Time) (Outcome, error) {
	if o.Status != domain.OrderDecreaseStock {
		return noop(o, fmt.Sprintf("stock-decreased ignored in %s", o.Status)), nil
	}
	if !ev.Success {
		reason := ev.ErrorMessage
		if reason == "" {
			reason = "stock decrease failed"
		}
		return fail(o, domain.OrderDecreaseStockFail, reason, now)
	}
	if paymentKey == "" {
		return noop(o, "payment key expired"), domain.ErrPaymentKeyExpired
	}
	if o.PaymentID == nil {
		return Outcome{}, domain.NewError(domain.CodeInvalidState, "order %d has no payment id", o.ID)
	}
	next, err := move(o, domain.OrderPaymentPending, now)
	if err != nil {
		return Outcome{}, err
	}
	cmd := events.New(events.TopicPaymentPending, o.ID, &events.PaymentPending{
		OrderID:    o.ID,
		OrderNo:    o.OrderNo,
		PaymentID:  *o.PaymentID,
		PaymentKey: paymentKey,
		Amount:     o.Price,
	})
	return changed(o, next, cmd), nil
}

func ApplyPaymentConfirmed(o domain.Order, ev events.PaymentResult, now time.Time) (Outcome, error) {
	if o.Status != domain.OrderPaymentPending {
		return noop(o, fmt.Sprintf("payment-confirmed ignored in %s", o.Status)), nil
	}
	next, err := move(o, domain.OrderConfirmed, now)
	if err != nil {
		return Outcome{}, err
	}
	return changed(o, next), nil
}

// ApplyPaymentConfirmFailed compensates: stock goes back and the payment is
// canceled (or reconciled if it was never captured).
func ApplyPaymentConfirmFailed(o domain.Order, ev events.PaymentResult, now time.Time) (Outcome, error) {
	if o.Status != domain.OrderPaymentPending {
		return noop(o, fmt.Sprintf("payment-confirmed-fail ignored in %s", o.Status)), nil
	}
	reason := ev.ErrorMessage
	if reason == "" {
		reason = "payment confirm failed"
	}
	next, err := move(o, domain.OrderPaymentFailed, now)
	if err != nil {
		return Outcome{}, err
	}
	next.Description = reason
	return changed(o, next, rollbackCommand(o), cancelCommand(o, reason)), nil
}

func ApplyPaymentCanceled(o domain.Order, ev events.PaymentCancelResult, now time.Time) (Outcome, error) {
	if o.Status != domain.OrderPaymentFailed {
		return noop(o, fmt.Sprintf("payment-canceled ignored in %s", o.Status)), nil
	}
	next, err := move(o, domain.OrderCanceled, now)
	if err != nil {
		return Outcome{}, err
	}
	return changed(o, next), nil
}

func ApplyPaymentCancelFailed(o domain.Order, ev events.PaymentCancelResult, now time.Time) (Outcome, error) {
	if o.Status != domain.OrderPaymentFailed {
		return noop(o, fmt.Sprintf("payment-canceled-fail ignored in %s", o.Status)), nil
	}
	reason := MsgManualIntervention
	if ev.ErrorMessage != "" {
		reason = fmt.Sprintf("%s: %s", MsgManualIntervention, ev.ErrorMessage)
	}
	return fail(o, domain.OrderFail, reason, now)
}

// FailProcessing parks the order in PROCESSING_FAILED after an unrecoverable
// handler error and emits whatever compensation the current status implies.
// stockDecreased tells whether the failing step already took stock. A
// prepared payment is always canceled so it does not stay PENDING.
func FailProcessing(o domain.Order, code domain.Code, reason string, stockDecreased bool, now time.Time) (Outcome, error) {
	if o.Status.IsTerminal() {
		return noop(o, "order already terminal"), nil
	}
	next, err := move(o, domain.OrderProcessingFailed, now)
	if err != nil {
		return Outcome{}, err
	}
	next.Description = fmt.Sprintf("[%s] %s", code, reason)

	var cmds []events.Message
	switch o.Status {
	case domain.OrderPrepared:
		cmds = append(cmds, cancelCommand(o, reason))
	case domain.OrderDecreaseStock:
		if stockDecreased {
			cmds = append(cmds, rollbackCommand(o))
		}
		cmds = append(cmds, cancelCommand(o, reason))
	case domain.OrderPaymentPending:
		cmds = append(cmds, rollbackCommand(o), cancelCommand(o, reason))
	}
	return changed(o, next, cmds...), nil
}

func fail(o domain.Order, to domain.OrderStatus, reason string, now time.Time) (Outcome, error) {
	next, err := move(o, to, now)
	if err != nil {
		return Outcome{}, err
	}
	next.Description = reason
	return changed(o, next), nil
}

func rollbackCommand(o domain.Order) events.Message {
	return events.New(events.TopicRollbackStock, o.ID, &events.StockCommand{
		OrderID:  o.ID,
		Products: events.ToStockItems(o.StockLines()),
	})
}

func cancelCommand(o domain.Order, reason string) events.Message {
	var paymentID int64
	if o.PaymentID != nil {
		paymentID = *o.PaymentID
	}
	return events.New(events.TopicPaymentCancel, o.ID, &events.PaymentCancel{
		OrderID:      o.ID,
		PaymentID:    paymentID,
		RefundReason: reason,
	})
}

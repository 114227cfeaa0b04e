package domain

import (
	"time"
)

type OrderStatus string

const (
	OrderCreated            OrderStatus = "CREATED"
	OrderValidating         OrderStatus = "VALIDATING"
	OrderValidationSuccess  OrderStatus = "VALIDATION_SUCCESS"
	OrderValidationFailed   OrderStatus = "VALIDATION_FAILED"
	OrderPrepared           OrderStatus = "PREPARED"
	OrderPaymentPrepareFail OrderStatus = "PAYMENT_PREPARE_FAIL"
	OrderDecreaseStock      OrderStatus = "DECREASE_STOCK"
	OrderDecreaseStockFail  OrderStatus = "DECREASE_STOCK_FAIL"
	OrderPaymentPending     OrderStatus = "PAYMENT_PENDING"
	OrderConfirmed          OrderStatus = "CONFIRMED"
	OrderPaymentFailed      OrderStatus = "PAYMENT_FAILED"
	OrderCanceled           OrderStatus = "CANCELED"
	OrderFail               OrderStatus = "FAIL"
	OrderProcessingFailed   OrderStatus = "PROCESSING_FAILED"
)

// AllOrderStatuses lists every status in saga order.
var AllOrderStatuses = []OrderStatus{
	OrderCreated, OrderValidating, OrderValidationSuccess, OrderValidationFailed,
	OrderPrepared, OrderPaymentPrepareFail, OrderDecreaseStock, OrderDecreaseStockFail,
	OrderPaymentPending, OrderConfirmed, OrderPaymentFailed, OrderCanceled, OrderFail,
	OrderProcessingFailed,
}

var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderCreated:           {OrderValidating},
	OrderValidating:        {OrderValidationSuccess, OrderValidationFailed},
	OrderValidationSuccess: {OrderPrepared, OrderPaymentPrepareFail},
	OrderPrepared:          {OrderDecreaseStock},
	OrderDecreaseStock:     {OrderPaymentPending, OrderDecreaseStockFail},
	OrderPaymentPending:    {OrderConfirmed, OrderPaymentFailed},
	OrderPaymentFailed:     {OrderCanceled, OrderFail},
}

var terminalStatuses = map[OrderStatus]bool{
	OrderConfirmed:          true,
	OrderCanceled:           true,
	OrderFail:               true,
	OrderValidationFailed:   true,
	OrderDecreaseStockFail:  true,
	OrderPaymentPrepareFail: true,
	OrderProcessingFailed:   true,
}

func (s OrderStatus) IsTerminal() bool {
	return terminalStatuses[s]
}

func (s OrderStatus) IsValid() bool {
	for _, st := range AllOrderStatuses {
		if st == s {
			return true
		}
	}
	return false
}

// CanTransition reports whether from -> to is an edge of the order saga graph.
// Every non-terminal status may fall into PROCESSING_FAILED.
func CanTransition(from, to OrderStatus) bool {
	if from.IsTerminal() {
		return false
	}
	if to == OrderProcessingFailed {
		return true
	}
	for _, next := range orderTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type PaymentMethod string

const (
	MethodCard          PaymentMethod = "CARD"
	MethodTransfer      PaymentMethod = "TRANSFER"
	MethodVirtualAcct   PaymentMethod = "VIRTUAL_ACCOUNT"
	MethodMobilePayment PaymentMethod = "MOBILE_PHONE"
	MethodEasyPay       PaymentMethod = "EASY_PAY"
)

type OrderItem struct {
	ID          int64
	OrderID     int64
	ProductID   int64
	ProductName string
	Quantity    int64
	UnitPrice   int64
}

func (i OrderItem) Subtotal() int64 {
	return i.UnitPrice * i.Quantity
}

type Order struct {
	ID          int64
	OrderNo     string
	BuyerID     int64
	BuyerName   string
	Method      PaymentMethod
	Status      OrderStatus
	Price       int64 // KRW, set once on validation
	PaymentID   *int64
	Description string
	Items       []OrderItem
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Clone returns a deep copy so transitions never alias the caller's snapshot.
func (o Order) Clone() Order {
	out := o
	if o.PaymentID != nil {
		id := *o.PaymentID
		out.PaymentID = &id
	}
	out.Items = make([]OrderItem, len(o.Items))
	copy(out.Items, o.Items)
	return out
}

// Priced is true once the validation step has fixed the price.
func (o Order) Priced() bool {
	if o.Price != 0 {
		return true
	}
	switch o.Status {
	case OrderCreated, OrderValidating, OrderValidationFailed:
		return false
	}
	return true
}

// StockLines returns the (productId, quantity) pairs the order reserves.
func (o Order) StockLines() []StockLine {
	lines := make([]StockLine, 0, len(o.Items))
	for _, it := range o.Items {
		lines = append(lines, StockLine{ProductID: it.ProductID, Quantity: it.Quantity})
	}
	return lines
}

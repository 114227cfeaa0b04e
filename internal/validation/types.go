package validation

// Item is one order line.
type Item struct {
	ProductID int64 `json:"productId" validate:"required,gt=0"`
	Quantity  int64 `json:"quantity" validate:"required,min=1"`
}

// PlaceOrderRequest is the payload for POST /api/orders
type PlaceOrderRequest struct {
	BuyerID   int64  `json:"buyerId" validate:"required,gt=0"`
	BuyerName string `json:"buyerName" validate:"max=100"`
	Method    string `json:"method" validate:"required,oneof=CARD TRANSFER VIRTUAL_ACCOUNT MOBILE_PHONE EASY_PAY"`
	Items     []Item `json:"items" validate:"required,min=1,max=50,dive"`
}

// ConfirmPaymentRequest is what the PG checkout widget posts back. OrderID
// carries the order number.
type ConfirmPaymentRequest struct {
	PaymentKey string `json:"paymentKey" validate:"required,max=200"`
	OrderID    string `json:"orderId" validate:"required,len=14,numeric"`
	Amount     int64  `json:"amount" validate:"required,gt=0"`
}

// ListOrdersQuery binds GET /api/orders query parameters.
type ListOrdersQuery struct {
	BuyerID int64  `form:"buyerId" validate:"omitempty,gt=0"`
	Status  string `form:"status" validate:"omitempty,order_status"`
	OrderNo string `form:"orderNo" validate:"omitempty,numeric,max=14"`
	Page    int    `form:"page" validate:"omitempty,min=1"`
	Size    int    `form:"size" validate:"omitempty,min=1,max=100"`
}

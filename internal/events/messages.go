package events

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"saga-checkout/internal/domain"
)

// Meta is embedded in every payload.
type Meta struct {
	EventID        string    `json:"eventId"`
	OccurredAt     time.Time `json:"occurredAt"`
	IdempotencyKey string    `json:"idempotencyKey"`
}

func (m *Meta) Metadata() *Meta { return m }

type Payload interface {
	Metadata() *Meta
}

type StockItem struct {
	ProductID int64 `json:"productId"`
	Quantity  int64 `json:"quantity"`
}

type FetchProductInfo struct {
	Meta
	OrderID int64       `json:"orderId"`
	Items   []StockItem `json:"items"`
}

type ProductInfo struct {
	ProductID   int64  `json:"productId"`
	ProductName string `json:"productName"`
	Price       int64  `json:"price"`
	Stock       int64  `json:"stock"`
	Quantity    int64  `json:"quantity"`
}

type ProductInfoResult struct {
	Meta
	OrderID      int64         `json:"orderId"`
	Success      bool          `json:"success"`
	Products     []ProductInfo `json:"products"`
	ErrorMessage string        `json:"errorMessage,omitempty"`
}

type PreparePayment struct {
	Meta
	OrderID int64  `json:"orderId"`
	UserID  int64  `json:"userId"`
	Amount  int64  `json:"amount"`
	Method  string `json:"method"`
}

type PaymentPrepared struct {
	Meta
	OrderID   int64 `json:"orderId"`
	PaymentID int64 `json:"paymentId"`
}

type PaymentPrepareFail struct {
	Meta
	OrderID      int64  `json:"orderId"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

// StockCommand is the payload of decrease-stock and rollback-stock.
type StockCommand struct {
	Meta
	OrderID  int64       `json:"orderId"`
	Products []StockItem `json:"products"`
}

type StockDecreased struct {
	Meta
	OrderID      int64  `json:"orderId"`
	Success      bool   `json:"success"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

type PaymentPending struct {
	Meta
	OrderID    int64  `json:"orderId"`
	OrderNo    string `json:"orderNo"`
	PaymentID  int64  `json:"paymentId"`
	PaymentKey string `json:"paymentKey"`
	Amount     int64  `json:"amount"`
}

// PaymentResult is the payload of payment-confirmed and payment-confirmed-fail.
type PaymentResult struct {
	Meta
	OrderID      int64  `json:"orderId"`
	PaymentID    int64  `json:"paymentId"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

type PaymentCancel struct {
	Meta
	OrderID      int64  `json:"orderId"`
	PaymentID    int64  `json:"paymentId"`
	RefundReason string `json:"refundReason"`
}

// PaymentCancelResult is the payload of payment-canceled and payment-canceled-fail.
type PaymentCancelResult struct {
	Meta
	OrderID      int64  `json:"orderId"`
	PaymentID    int64  `json:"paymentId"`
	RefundReason string `json:"refundReason,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

func ToStockItems(lines []domain.StockLine) []StockItem {
	out := make([]StockItem, 0, len(lines))
	for _, l := range lines {
		out = append(out, StockItem{ProductID: l.ProductID, Quantity: l.Quantity})
	}
	return out
}

func ToStockLines(items []StockItem) []domain.StockLine {
	out := make([]domain.StockLine, 0, len(items))
	for _, it := range items {
		out = append(out, domain.StockLine{ProductID: it.ProductID, Quantity: it.Quantity})
	}
	return out
}

// Message is an outbound event: the topic, the partition key and the payload.
type Message struct {
	Topic   string
	Key     string
	Payload Payload
}

func Key(orderID int64) string {
	return strconv.FormatInt(orderID, 10)
}

// IdempotencyKey is deterministic per topic and order so redeliveries share it.
func IdempotencyKey(topic string, orderID int64) string {
	return topic + ":" + Key(orderID)
}

func New(topic string, orderID int64, p Payload) Message {
	p.Metadata().IdempotencyKey = IdempotencyKey(topic, orderID)
	return Message{Topic: topic, Key: Key(orderID), Payload: p}
}

// Stamp fills event id and timestamp if the producer left them empty.
func (m Message) Stamp(eventID string, at time.Time) Message {
	meta := m.Payload.Metadata()
	if meta.EventID == "" {
		meta.EventID = eventID
	}
	if meta.OccurredAt.IsZero() {
		meta.OccurredAt = at
	}
	return m
}

func (m Message) EventID() string {
	return m.Payload.Metadata().EventID
}

func (m Message) Encode() ([]byte, error) {
	data, err := json.Marshal(m.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Topic, err)
	}
	return data, nil
}

// Decode unmarshals a payload; malformed input is a permanent failure.
func Decode[T any](data []byte) (T, error) {
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		return out, domain.NewError(domain.CodeInvalidMessage, "undecodable payload").WithCause(err)
	}
	return out, nil
}

package listener

import (
	"context"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"saga-checkout/internal/domain"
	"saga-checkout/internal/events"
	bus "saga-checkout/internal/infrastructure/kafka"
	"saga-checkout/internal/logging"
	"saga-checkout/internal/service"
)

type failCall struct {
	orderID        int64
	code           domain.Code
	reason         string
	stockDecreased bool
}

// MockOrderService implements only what the routes under test call.
type MockOrderService struct {
	service.OrderService
	productInfo []events.ProductInfoResult
	fails       []failCall
}

func (m *MockOrderService) HandleProductInfo(_ context.Context, ev events.ProductInfoResult) error {
	m.productInfo = append(m.productInfo, ev)
	return nil
}

func (m *MockOrderService) FailProcessing(_ context.Context, orderID int64, code domain.Code, reason string, stockDecreased bool) error {
	m.fails = append(m.fails, failCall{orderID, code, reason, stockDecreased})
	return nil
}

type MockStockService struct {
	service.StockService
	reconciled []string
	fetchFails []string
}

func (m *MockStockService) ReconcileDecrease(_ context.Context, _ events.StockCommand, cause string) error {
	m.reconciled = append(m.reconciled, cause)
	return nil
}

func (m *MockStockService) FailFetch(_ context.Context, _ events.FetchProductInfo, cause string) error {
	m.fetchFails = append(m.fetchFails, cause)
	return nil
}

type MockPaymentService struct {
	service.PaymentService
	ConfirmFunc     func(ctx context.Context, cmd events.PaymentPending) error
	FailConfirmFunc func(ctx context.Context, cmd events.PaymentPending, cause string) error
}

func (m *MockPaymentService) Confirm(ctx context.Context, cmd events.PaymentPending) error {
	return m.ConfirmFunc(ctx, cmd)
}

func (m *MockPaymentService) FailConfirm(ctx context.Context, cmd events.PaymentPending, cause string) error {
	return m.FailConfirmFunc(ctx, cmd, cause)
}

func route(t *testing.T, routes []Route, topic string) Route {
	t.Helper()
	for _, r := range routes {
		if r.Topic == topic {
			return r
		}
	}
	t.Fatalf("no route for %s", topic)
	return Route{}
}

func encoded(t *testing.T, topic string, orderID int64, p events.Payload) kafka.Message {
	t.Helper()
	m := events.New(topic, orderID, p)
	data, err := m.Encode()
	require.NoError(t, err)
	return kafka.Message{Topic: topic, Key: []byte(m.Key), Value: data}
}

func deadLettered(msg kafka.Message, code domain.Code, reason string) kafka.Message {
	msg.Topic = events.DeadLetter(msg.Topic)
	msg.Headers = []kafka.Header{
		{Key: bus.HeaderError, Value: []byte(reason)},
		{Key: bus.HeaderErrorCode, Value: []byte(code)},
		{Key: bus.HeaderAttempts, Value: []byte("3")},
	}
	return msg
}

func TestRoutesCoverEverySubscribedTopic(t *testing.T) {
	cases := []struct {
		name   string
		routes []Route
		want   []string
	}{
		{"order", OrderRoutes(&MockOrderService{}, logging.Discard()), events.OrderTopics},
		{"stock", StockRoutes(&MockStockService{}, logging.Discard()), events.StockTopics},
		{"payment", PaymentRoutes(&MockPaymentService{}, logging.Discard()), events.PaymentTopics},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var topics []string
			for _, r := range tc.routes {
				topics = append(topics, r.Topic)
				assert.NotNil(t, r.Handle)
				assert.NotNil(t, r.DeadLetter)
				assert.Equal(t, events.DeadLetter(r.Topic), r.DeadLetterTopic())
			}
			assert.ElementsMatch(t, tc.want, topics)
		})
	}
}

func TestOrderRouteDecodesPayload(t *testing.T) {
	svc := &MockOrderService{}
	r := route(t, OrderRoutes(svc, logging.Discard()), events.TopicProductInfoResult)

	msg := encoded(t, events.TopicProductInfoResult, 7, &events.ProductInfoResult{OrderID: 7, Success: true})
	require.NoError(t, r.Handle(context.Background(), msg))
	require.Len(t, svc.productInfo, 1)
	assert.Equal(t, int64(7), svc.productInfo[0].OrderID)

	err := r.Handle(context.Background(), kafka.Message{Value: []byte("{not json")})
	assert.Equal(t, domain.CodeInvalidMessage, domain.CodeOf(err))
	assert.False(t, domain.IsRetryable(err))
}

func TestOrderDeadLetterParksOrder(t *testing.T) {
	ctx := context.Background()
	svc := &MockOrderService{}
	routes := OrderRoutes(svc, logging.Discard())

	decreased := encoded(t, events.TopicStockDecreased, 5, &events.StockDecreased{OrderID: 5, Success: true})
	require.NoError(t, route(t, routes, events.TopicStockDecreased).DeadLetter(ctx,
		deadLettered(decreased, domain.CodePaymentKeyExpired, "cached payment key expired")))

	failed := encoded(t, events.TopicStockDecreased, 6, &events.StockDecreased{OrderID: 6, ErrorMessage: "재고 부족"})
	require.NoError(t, route(t, routes, events.TopicStockDecreased).DeadLetter(ctx,
		deadLettered(failed, domain.CodeInternal, "db down")))

	confirmed := encoded(t, events.TopicPaymentConfirmed, 8, &events.PaymentResult{OrderID: 8})
	require.NoError(t, route(t, routes, events.TopicPaymentConfirmed).DeadLetter(ctx, kafka.Message{
		Key: confirmed.Key, Value: confirmed.Value,
	}))

	require.Len(t, svc.fails, 3)
	assert.Equal(t, failCall{5, domain.CodePaymentKeyExpired, "cached payment key expired", true}, svc.fails[0])
	assert.False(t, svc.fails[1].stockDecreased)
	assert.Equal(t, failCall{8, domain.CodeInternal, "retries exhausted", false}, svc.fails[2])
}

func TestOrderDeadLetterFallsBackToKey(t *testing.T) {
	svc := &MockOrderService{}
	r := route(t, OrderRoutes(svc, logging.Discard()), events.TopicPaymentCanceled)

	require.NoError(t, r.DeadLetter(context.Background(), kafka.Message{Key: []byte("12"), Value: []byte("garbage")}))
	require.Len(t, svc.fails, 1)
	assert.Equal(t, int64(12), svc.fails[0].orderID)

	require.NoError(t, r.DeadLetter(context.Background(), kafka.Message{Value: []byte("garbage")}))
	assert.Len(t, svc.fails, 1)
}

func TestStockDeadLetters(t *testing.T) {
	ctx := context.Background()
	svc := &MockStockService{}
	routes := StockRoutes(svc, logging.Discard())

	dec := encoded(t, events.TopicDecreaseStock, 1, &events.StockCommand{OrderID: 1})
	require.NoError(t, route(t, routes, events.TopicDecreaseStock).DeadLetter(ctx, deadLettered(dec, domain.CodeInternal, "timeout")))
	assert.Equal(t, []string{"timeout"}, svc.reconciled)

	fetch := encoded(t, events.TopicFetchProductInfo, 1, &events.FetchProductInfo{OrderID: 1})
	require.NoError(t, route(t, routes, events.TopicFetchProductInfo).DeadLetter(ctx, deadLettered(fetch, domain.CodeInternal, "boom")))
	assert.Equal(t, []string{"boom"}, svc.fetchFails)

	rb := encoded(t, events.TopicRollbackStock, 1, &events.StockCommand{OrderID: 1})
	assert.NoError(t, route(t, routes, events.TopicRollbackStock).DeadLetter(ctx, deadLettered(rb, domain.CodeInternal, "db down")))
	assert.NoError(t, route(t, routes, events.TopicRollbackStock).DeadLetter(ctx, kafka.Message{Value: []byte("x")}))
}

func TestPaymentRoutes(t *testing.T) {
	ctx := context.Background()
	var causes []string
	svc := &MockPaymentService{
		ConfirmFunc: func(context.Context, events.PaymentPending) error {
			return errors.New("pg timeout")
		},
		FailConfirmFunc: func(_ context.Context, cmd events.PaymentPending, cause string) error {
			assert.Equal(t, "pk_1", cmd.PaymentKey)
			causes = append(causes, cause)
			return nil
		},
	}
	r := route(t, PaymentRoutes(svc, logging.Discard()), events.TopicPaymentPending)

	msg := encoded(t, events.TopicPaymentPending, 3, &events.PaymentPending{OrderID: 3, PaymentKey: "pk_1", Amount: 10})
	assert.EqualError(t, r.Handle(ctx, msg), "pg timeout")
	require.NoError(t, r.DeadLetter(ctx, deadLettered(msg, domain.CodePGUnavailable, "pg timeout")))
	assert.Equal(t, []string{"pg timeout"}, causes)
	assert.Equal(t, events.TopicPaymentPending+"-dlt", r.DeadLetterTopic())
}

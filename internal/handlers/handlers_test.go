package handlers

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"saga-checkout/internal/domain"
	"saga-checkout/internal/logging"
	"saga-checkout/internal/metrics"
	"saga-checkout/internal/repo"
	"saga-checkout/internal/service"
)

type MockOrderService struct {
	service.OrderService
	PlaceOrderFunc func(ctx context.Context, in service.PlaceOrderInput) (*domain.Order, error)
	GetOrderFunc   func(ctx context.Context, orderNo string) (*domain.Order, error)
	ListOrdersFunc func(ctx context.Context, f repo.ListFilter) ([]domain.Order, int, error)
	ConfirmFunc    func(ctx context.Context, in service.ConfirmInput) (service.ConfirmOutput, error)
}

func (m *MockOrderService) PlaceOrder(ctx context.Context, in service.PlaceOrderInput) (*domain.Order, error) {
	return m.PlaceOrderFunc(ctx, in)
}

func (m *MockOrderService) GetOrder(ctx context.Context, orderNo string) (*domain.Order, error) {
	return m.GetOrderFunc(ctx, orderNo)
}

func (m *MockOrderService) ListOrders(ctx context.Context, f repo.ListFilter) ([]domain.Order, int, error) {
	return m.ListOrdersFunc(ctx, f)
}

func (m *MockOrderService) Confirm(ctx context.Context, in service.ConfirmInput) (service.ConfirmOutput, error) {
	return m.ConfirmFunc(ctx, in)
}

type stubDB struct{ status string }

func (s stubDB) Health(context.Context) map[string]string { return map[string]string{"status": s.status} }
func (stubDB) DB() *sql.DB { return nil }
func (stubDB) Close() error { return nil }

func newTestRouter(t *testing.T, svc service.OrderService) (*gin.Engine, *metrics.Metrics) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	r := NewRouter(RouterConfig{Metrics: m, Gatherer: reg, AllowOrigins: []string{"*"}, Log: logging.Discard()})
	NewOrderHandler(svc).Register(r)
	return r, m
}

func do(r *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestPlaceOrder(t *testing.T) {
	var got service.PlaceOrderInput
	svc := &MockOrderService{PlaceOrderFunc: func(_ context.Context, in service.PlaceOrderInput) (*domain.Order, error) {
		got = in
		return &domain.Order{OrderNo: "20261018000001", Status: domain.OrderValidating}, nil
	}}
	r, m := newTestRouter(t, svc)

	w := do(r, http.MethodPost, "/api/orders", map[string]any{
		"buyerId": 42, "buyerName": "kim", "method": "CARD",
		"items": []map[string]any{{"productId": 1, "quantity": 2}, {"productId": 2, "quantity": 1}},
	})
	require.Equal(t, http.StatusCreated, w.Code)
	body := decode(t, w)
	assert.Equal(t, "20261018000001", body["orderNo"])
	assert.Equal(t, "VALIDATING", body["status"])
	assert.Equal(t, "/api/orders/20261018000001", w.Header().Get("Location"))
	assert.Equal(t, []domain.StockLine{{ProductID: 1, Quantity: 2}, {ProductID: 2, Quantity: 1}}, got.Items)
	assert.Equal(t, domain.MethodCard, got.Method)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Requests.WithLabelValues("/api/orders", "201")))
}

func TestPlaceOrderValidation(t *testing.T) {
	r, _ := newTestRouter(t, &MockOrderService{})
	w := do(r, http.MethodPost, "/api/orders", map[string]any{"buyerId": 1, "method": "CASH", "items": []any{}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	body := decode(t, w)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "VALIDATION_FAILED", body["code"])
}

func TestGetOrder(t *testing.T) {
	orders := map[string]*domain.Order{
		"1": {OrderNo: "1", Status: domain.OrderConfirmed, Price: 110000},
		"2": {OrderNo: "2", Status: domain.OrderValidationFailed, Description: "재고 부족: 상품 4 (요청 10, 재고 5)"},
		"3": {OrderNo: "3", Status: domain.OrderPaymentPending, Price: 5000},
	}
	svc := &MockOrderService{GetOrderFunc: func(_ context.Context, no string) (*domain.Order, error) {
		if o, ok := orders[no]; ok {
			return o, nil
		}
		return nil, domain.ErrOrderNotFound
	}}
	r, _ := newTestRouter(t, svc)

	body := decode(t, do(r, http.MethodGet, "/api/orders/1", nil))
	assert.Equal(t, "CONFIRMED", body["status"])
	assert.Equal(t, 110000.0, body["amount"])
	assert.NotContains(t, body, "errorMessage")

	body = decode(t, do(r, http.MethodGet, "/api/orders/2", nil))
	assert.Equal(t, "VALIDATION_FAILED", body["status"])
	assert.Contains(t, body["errorMessage"], "재고 부족")
	assert.NotContains(t, body, "amount")

	body = decode(t, do(r, http.MethodGet, "/api/orders/3", nil))
	assert.NotContains(t, body, "amount")
	assert.NotContains(t, body, "errorMessage")

	w := do(r, http.MethodGet, "/api/orders/9", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	body = decode(t, w)
	assert.Equal(t, map[string]any{"success": false, "code": "ORDER_NOT_FOUND", "message": "order not found"}, body)
}

func TestConfirmPayment(t *testing.T) {
	svc := &MockOrderService{ConfirmFunc: func(_ context.Context, in service.ConfirmInput) (service.ConfirmOutput, error) {
		id := int64(900)
		if in.Amount != 110000 {
			return service.ConfirmOutput{
				OrderNo: in.OrderNo, Code: domain.CodeAmountMismatch,
				Message: "amount mismatch: expected 110000, actual 1000",
			}, nil
		}
		return service.ConfirmOutput{Success: true, OrderNo: in.OrderNo, PaymentID: &id}, nil
	}}
	r, _ := newTestRouter(t, svc)

	w := do(r, http.MethodPost, "/api/payments/confirm", map[string]any{
		"paymentKey": "pk_1", "orderId": "20261018000001", "amount": 110000,
	})
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, 900.0, body["paymentId"])

	w = do(r, http.MethodPost, "/api/payments/confirm", map[string]any{
		"paymentKey": "pk_1", "orderId": "20261018000001", "amount": 1000,
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	body = decode(t, w)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "AMOUNT_MISMATCH", body["code"])
	assert.Contains(t, body["message"], "expected 110000, actual 1000")
}

func TestConfirmPaymentInternalError(t *testing.T) {
	svc := &MockOrderService{ConfirmFunc: func(context.Context, service.ConfirmInput) (service.ConfirmOutput, error) {
		return service.ConfirmOutput{}, errors.New("connection reset")
	}}
	r, _ := newTestRouter(t, svc)
	w := do(r, http.MethodPost, "/api/payments/confirm", map[string]any{
		"paymentKey": "pk_1", "orderId": "20261018000001", "amount": 1,
	})
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "connection reset")
}

func TestListOrders(t *testing.T) {
	var got repo.ListFilter
	svc := &MockOrderService{ListOrdersFunc: func(_ context.Context, f repo.ListFilter) ([]domain.Order, int, error) {
		got = f
		return []domain.Order{{OrderNo: "20261018000002", Status: domain.OrderPrepared, Items: []domain.OrderItem{{ProductID: 1, Quantity: 1}}}}, 7, nil
	}}
	r, _ := newTestRouter(t, svc)

	w := do(r, http.MethodGet, "/api/orders?buyerId=42&status=PREPARED&orderNo=2026&page=2&size=5", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, repo.ListFilter{BuyerID: 42, Status: domain.OrderPrepared, OrderNo: "2026", Page: 2, Size: 5}, got)
	body := decode(t, w)
	assert.Equal(t, 7.0, body["total"])
	assert.Len(t, body["orders"], 1)

	w = do(r, http.MethodGet, "/api/orders?status=SHIPPED", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	gin.SetMode(gin.TestMode)
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	up := NewRouter(RouterConfig{DB: stubDB{status: "up"}, Metrics: m, Gatherer: reg})
	assert.Equal(t, http.StatusOK, do(up, http.MethodGet, "/health", nil).Code)

	down := NewRouter(RouterConfig{DB: stubDB{status: "down"}})
	assert.Equal(t, http.StatusServiceUnavailable, do(down, http.MethodGet, "/health", nil).Code)

	w := do(up, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "saga_http_requests_total")
}

package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"saga-checkout/internal/domain"
	"saga-checkout/internal/events"
	"saga-checkout/internal/idempotency"
	"saga-checkout/internal/logging"
	"saga-checkout/internal/metrics"
	"saga-checkout/internal/repo"
	"saga-checkout/internal/saga"
)

type PlaceOrderInput struct {
	BuyerID   int64
	BuyerName string
	Method    domain.PaymentMethod
	Items     []domain.StockLine
}

type ConfirmInput struct {
	OrderNo    string
	PaymentKey string
	Amount     int64
}

type ConfirmOutput struct {
	Success   bool
	OrderNo   string
	PaymentID *int64
	Code      domain.Code
	Message   string
}

// OrderService owns the order aggregate and drives the saga from the
// responses of the stock and payment services.
type OrderService interface {
	PlaceOrder(ctx context.Context, in PlaceOrderInput) (*domain.Order, error)
	GetOrder(ctx context.Context, orderNo string) (*domain.Order, error)
	ListOrders(ctx context.Context, f repo.ListFilter) ([]domain.Order, int, error)
	Confirm(ctx context.Context, in ConfirmInput) (ConfirmOutput, error)

	HandleProductInfo(ctx context.Context, ev events.ProductInfoResult) error
	HandlePaymentPrepared(ctx context.Context, ev events.PaymentPrepared) error
	HandlePaymentPrepareFailed(ctx context.Context, ev events.PaymentPrepareFail) error
	HandleStockDecreased(ctx context.Context, ev events.StockDecreased) error
	HandlePaymentConfirmed(ctx context.Context, ev events.PaymentResult) error
	HandlePaymentConfirmFailed(ctx context.Context, ev events.PaymentResult) error
	HandlePaymentCanceled(ctx context.Context, ev events.PaymentCancelResult) error
	HandlePaymentCancelFailed(ctx context.Context, ev events.PaymentCancelResult) error

	// FailProcessing parks an order whose message could not be handled.
	FailProcessing(ctx context.Context, orderID int64, code domain.Code, reason string, stockDecreased bool) error
}

type orderService struct {
	orders  repo.OrderRepo
	store   idempotency.Store
	keyTTL  time.Duration
	log     *logrus.Entry
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewOrderService(orders repo.OrderRepo, store idempotency.Store, keyTTL time.Duration, log *logrus.Entry, m *metrics.Metrics) OrderService {
	return &orderService{
		orders:  orders,
		store:   store,
		keyTTL:  keyTTL,
		log:     log,
		metrics: m,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *orderService) PlaceOrder(ctx context.Context, in PlaceOrderInput) (*domain.Order, error) {
	if len(in.Items) == 0 {
		return nil, domain.NewError(domain.CodeInvalidMessage, "order has no items")
	}
	now := s.now()
	orderNo, err := idempotency.NextOrderNo(ctx, s.store, now)
	if err != nil {
		return nil, err
	}

	order := &domain.Order{
		OrderNo:   orderNo,
		BuyerID:   in.BuyerID,
		BuyerName: in.BuyerName,
		Method:    in.Method,
		Status:    domain.OrderCreated,
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, it := range in.Items {
		if it.Quantity <= 0 {
			return nil, domain.NewError(domain.CodeInvalidMessage, "product %d: quantity must be positive", it.ProductID)
		}
		order.Items = append(order.Items, domain.OrderItem{ProductID: it.ProductID, Quantity: it.Quantity})
	}

	var out saga.Outcome
	err = s.orders.Create(ctx, order, func(created domain.Order) (domain.Order, []events.Message, error) {
		var err error
		out, err = saga.StartValidation(created, now)
		return out.Order, out.Commands, err
	})
	if err != nil {
		return nil, fmt.Errorf("place order: %w", err)
	}
	s.recordTransition(out, "intake")
	return order, nil
}

func (s *orderService) GetOrder(ctx context.Context, orderNo string) (*domain.Order, error) {
	o, err := s.orders.FindByOrderNo(ctx, orderNo)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, domain.ErrOrderNotFound
	}
	return o, err
}

func (s *orderService) ListOrders(ctx context.Context, f repo.ListFilter) ([]domain.Order, int, error) {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.Size < 1 {
		f.Size = 20
	}
	if f.Size > 100 {
		f.Size = 100
	}
	return s.orders.List(ctx, f)
}

func (s *orderService) Confirm(ctx context.Context, in ConfirmInput) (ConfirmOutput, error) {
	o, err := s.GetOrder(ctx, in.OrderNo)
	if err != nil {
		return ConfirmOutput{}, err
	}
	res := ConfirmOutput{OrderNo: o.OrderNo, PaymentID: o.PaymentID}

	out, decision := saga.Confirm(*o, saga.ConfirmRequest{PaymentKey: in.PaymentKey, Amount: in.Amount}, s.now())
	res.Success, res.Code, res.Message = decision.Success, decision.Code, decision.Message
	if !decision.Success || !out.Changed {
		return res, nil
	}

	if decision.CacheKey {
		if err := s.cachePaymentKey(ctx, o.ID, in.PaymentKey); err != nil {
			return ConfirmOutput{}, fmt.Errorf("cache payment key: %w", err)
		}
	}
	if err := s.orders.Apply(ctx, out.From, out.Order, out.Commands); err != nil {
		if errors.Is(err, repo.ErrStatusMismatch) {
			return s.confirmAfterRace(ctx, in)
		}
		return ConfirmOutput{}, err
	}
	s.recordTransition(out, "confirm")
	return res, nil
}

// confirmAfterRace answers a confirm whose write lost to another update. The
// winner may be a second confirm or a dead-letter handler, so the answer
// comes from the order as it is now.
func (s *orderService) confirmAfterRace(ctx context.Context, in ConfirmInput) (ConfirmOutput, error) {
	o, err := s.GetOrder(ctx, in.OrderNo)
	if err != nil {
		return ConfirmOutput{}, err
	}
	res := ConfirmOutput{OrderNo: o.OrderNo, PaymentID: o.PaymentID}
	out, decision := saga.Confirm(*o, saga.ConfirmRequest{PaymentKey: in.PaymentKey, Amount: in.Amount}, s.now())
	if out.Changed {
		res.Code = domain.CodeInvalidState
		res.Message = "order changed concurrently, retry the confirm"
		return res, nil
	}
	res.Success, res.Code, res.Message = decision.Success, decision.Code, decision.Message
	return res, nil
}

// cachePaymentKey stores the buyer's key for the stock-decreased step. A key
// left behind by an earlier attempt that never committed is replaced.
func (s *orderService) cachePaymentKey(ctx context.Context, orderID int64, paymentKey string) error {
	key := idempotency.PaymentKeyKey(orderID)
	stored, err := s.store.SetIfAbsent(ctx, key, paymentKey, s.keyTTL)
	if err != nil || stored {
		return err
	}
	existing, ok, err := s.store.Get(ctx, key)
	if err != nil || (ok && existing == paymentKey) {
		return err
	}
	if err := s.store.Delete(ctx, key); err != nil {
		return err
	}
	_, err = s.store.SetIfAbsent(ctx, key, paymentKey, s.keyTTL)
	return err
}

// apply loads the order, runs one saga step and persists the outcome with its
// commands.
func (s *orderService) apply(ctx context.Context, orderID int64, step string, fn func(o domain.Order, now time.Time) (saga.Outcome, error)) error {
	o, err := s.orders.FindByID(ctx, orderID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.ErrOrderNotFound.WithCause(fmt.Errorf("order %d", orderID))
	}
	if err != nil {
		return err
	}

	out, err := fn(*o, s.now())
	if err != nil {
		return err
	}
	log := logging.ForOrder(s.log, orderID).WithFields(logrus.Fields{logging.FieldStep: step, logging.FieldStatus: o.Status})
	if !out.Changed {
		log.WithField("note", out.Note).Debug("no transition")
		return nil
	}
	if err := s.orders.Apply(ctx, out.From, out.Order, out.Commands); err != nil {
		return err
	}
	s.recordTransition(out, step)
	return nil
}

func (s *orderService) recordTransition(out saga.Outcome, step string) {
	if !out.Changed {
		return
	}
	if s.metrics != nil {
		s.metrics.Transitions.WithLabelValues(string(out.From), string(out.Order.Status)).Inc()
	}
	logging.ForOrder(s.log, out.Order.ID).WithFields(logrus.Fields{
		logging.FieldStep:   step,
		logging.FieldStatus: out.Order.Status,
		"from":              out.From,
		"commands":          len(out.Commands),
	}).Info("order transition")
}

func (s *orderService) HandleProductInfo(ctx context.Context, ev events.ProductInfoResult) error {
	return s.apply(ctx, ev.OrderID, "validate", func(o domain.Order, now time.Time) (saga.Outcome, error) {
		return saga.ApplyValidation(o, ev, now)
	})
}

func (s *orderService) HandlePaymentPrepared(ctx context.Context, ev events.PaymentPrepared) error {
	return s.apply(ctx, ev.OrderID, "payment_prepared", func(o domain.Order, now time.Time) (saga.Outcome, error) {
		return saga.ApplyPaymentPrepared(o, ev, now)
	})
}

func (s *orderService) HandlePaymentPrepareFailed(ctx context.Context, ev events.PaymentPrepareFail) error {
	return s.apply(ctx, ev.OrderID, "payment_prepare_fail", func(o domain.Order, now time.Time) (saga.Outcome, error) {
		return saga.ApplyPaymentPrepareFailed(o, ev, now)
	})
}

func (s *orderService) HandleStockDecreased(ctx context.Context, ev events.StockDecreased) error {
	return s.apply(ctx, ev.OrderID, "stock_decreased", func(o domain.Order, now time.Time) (saga.Outcome, error) {
		var key string
		if ev.Success && o.Status == domain.OrderDecreaseStock {
			v, ok, err := s.store.Get(ctx, idempotency.PaymentKeyKey(o.ID))
			if err != nil {
				return saga.Outcome{}, fmt.Errorf("load payment key: %w", err)
			}
			if ok {
				key = v
			}
		}
		return saga.ApplyStockDecreased(o, ev, key, now)
	})
}

func (s *orderService) HandlePaymentConfirmed(ctx context.Context, ev events.PaymentResult) error {
	return s.apply(ctx, ev.OrderID, "payment_confirmed", func(o domain.Order, now time.Time) (saga.Outcome, error) {
		return saga.ApplyPaymentConfirmed(o, ev, now)
	})
}

func (s *orderService) HandlePaymentConfirmFailed(ctx context.Context, ev events.PaymentResult) error {
	return s.apply(ctx, ev.OrderID, "payment_confirm_fail", func(o domain.Order, now time.Time) (saga.Outcome, error) {
		return saga.ApplyPaymentConfirmFailed(o, ev, now)
	})
}

func (s *orderService) HandlePaymentCanceled(ctx context.Context, ev events.PaymentCancelResult) error {
	return s.apply(ctx, ev.OrderID, "payment_canceled", func(o domain.Order, now time.Time) (saga.Outcome, error) {
		return saga.ApplyPaymentCanceled(o, ev, now)
	})
}

func (s *orderService) HandlePaymentCancelFailed(ctx context.Context, ev events.PaymentCancelResult) error {
	return s.apply(ctx, ev.OrderID, "payment_cancel_fail", func(o domain.Order, now time.Time) (saga.Outcome, error) {
		return saga.ApplyPaymentCancelFailed(o, ev, now)
	})
}

func (s *orderService) FailProcessing(ctx context.Context, orderID int64, code domain.Code, reason string, stockDecreased bool) error {
	if code == "" {
		code = domain.CodeInternal
	}
	return s.apply(ctx, orderID, "processing_failed", func(o domain.Order, now time.Time) (saga.Outcome, error) {
		return saga.FailProcessing(o, code, reason, stockDecreased, now)
	})
}

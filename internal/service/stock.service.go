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
	"saga-checkout/internal/repo"
)

// StockService owns product stock. Decrease and rollback run at most once
// per order: the idempotency flag short-circuits redeliveries and the stock
// ledger, written in the same transaction as the stock change, settles races.
type StockService interface {
	FetchProductInfo(ctx context.Context, cmd events.FetchProductInfo) error
	DecreaseStock(ctx context.Context, cmd events.StockCommand) error
	RollbackStock(ctx context.Context, cmd events.StockCommand) error

	// dead-letter synthesis
	FailFetch(ctx context.Context, cmd events.FetchProductInfo, cause string) error
	ReconcileDecrease(ctx context.Context, cmd events.StockCommand, cause string) error
}

type stockService struct {
	products repo.ProductRepo
	outbox   repo.Enqueuer
	store    idempotency.Store
	flagTTL  time.Duration
	log      *logrus.Entry
	now      func() time.Time
}

func NewStockService(products repo.ProductRepo, outbox repo.Enqueuer, store idempotency.Store, flagTTL time.Duration, log *logrus.Entry) StockService {
	return &stockService{
		products: products,
		outbox:   outbox,
		store:    store,
		flagTTL:  flagTTL,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *stockService) FetchProductInfo(ctx context.Context, cmd events.FetchProductInfo) error {
	lines := domain.MergeLines(events.ToStockLines(cmd.Items))
	products, err := s.products.FindByIDs(ctx, domain.LineIDs(lines))
	if err != nil {
		return err
	}

	result := &events.ProductInfoResult{OrderID: cmd.OrderID, Success: true}
	if missing := domain.MissingProducts(products, lines); len(missing) > 0 {
		result.Success = false
		result.ErrorMessage = domain.ProductsNotFound(missing).Message
	} else {
		for _, l := range lines {
			p := products[l.ProductID]
			result.Products = append(result.Products, events.ProductInfo{
				ProductID:   p.ID,
				ProductName: p.Name,
				Price:       p.Price,
				Stock:       p.Stock,
				Quantity:    l.Quantity,
			})
		}
	}
	return s.outbox.Enqueue(ctx, events.New(events.TopicProductInfoResult, cmd.OrderID, result))
}

func decreasedMessage(orderID int64, success bool, reason string) events.Message {
	return events.New(events.TopicStockDecreased, orderID, &events.StockDecreased{
		OrderID:      orderID,
		Success:      success,
		ErrorMessage: reason,
	})
}

func (s *stockService) DecreaseStock(ctx context.Context, cmd events.StockCommand) error {
	log := logging.ForOrder(s.log, cmd.OrderID).WithField(logging.FieldStep, "decrease_stock")
	flag := idempotency.StockDecreasedKey(cmd.OrderID)
	if _, done, err := s.store.Get(ctx, flag); err != nil {
		return err
	} else if done {
		log.Info("already decreased")
		return nil
	}

	now := s.now()
	lines := events.ToStockLines(cmd.Products)
	err := s.products.ApplyStock(ctx, repo.StockChange{
		OrderID:   cmd.OrderID,
		Operation: repo.OpDecrease,
		Lines:     lines,
		Now:       now,
		Mutate: func(products map[int64]*domain.Product) error {
			return domain.DecreaseStock(products, lines, now)
		},
		Messages: []events.Message{decreasedMessage(cmd.OrderID, true, "")},
	})

	var derr *domain.Error
	switch {
	case err == nil:
		log.WithField(logging.FieldStatus, "decreased").Info("stock decreased")
	case errors.Is(err, repo.ErrAlreadyApplied):
		log.Info("decrease already recorded")
	case errors.As(err, &derr):
		log.WithError(err).Warn("stock decrease rejected")
		ferr := s.products.RecordFailure(ctx, cmd.OrderID, repo.OpDecrease, derr.Message,
			[]events.Message{decreasedMessage(cmd.OrderID, false, derr.Message)})
		if ferr != nil && !errors.Is(ferr, repo.ErrAlreadyApplied) {
			return ferr
		}
	default:
		return err
	}
	s.setFlag(ctx, log, flag)
	return nil
}

func (s *stockService) RollbackStock(ctx context.Context, cmd events.StockCommand) error {
	log := logging.ForOrder(s.log, cmd.OrderID).WithField(logging.FieldStep, "rollback_stock")
	flag := idempotency.StockRolledBackKey(cmd.OrderID)
	if _, done, err := s.store.Get(ctx, flag); err != nil {
		return err
	} else if done {
		log.Info("already rolled back")
		return nil
	}

	now := s.now()
	lines := events.ToStockLines(cmd.Products)
	err := s.products.ApplyStock(ctx, repo.StockChange{
		OrderID:   cmd.OrderID,
		Operation: repo.OpRollback,
		Requires:  repo.OpDecrease,
		Lines:     lines,
		Now:       now,
		Mutate: func(products map[int64]*domain.Product) error {
			return domain.IncreaseStock(products, lines, now)
		},
	})
	switch {
	case err == nil:
		log.WithField(logging.FieldStatus, "rolled_back").Info("stock restored")
	case errors.Is(err, repo.ErrAlreadyApplied):
		log.Info("rollback already recorded")
	case errors.Is(err, repo.ErrPrerequisite):
		log.Warn("no successful decrease for order, nothing to roll back")
		return nil
	default:
		return err
	}
	s.setFlag(ctx, log, flag)
	return nil
}

// setFlag is best effort; the ledger already guards correctness.
func (s *stockService) setFlag(ctx context.Context, log *logrus.Entry, key string) {
	if _, err := s.store.SetIfAbsent(ctx, key, idempotency.FlagSet, s.flagTTL); err != nil {
		log.WithError(err).Warn("set idempotency flag")
	}
}

func (s *stockService) FailFetch(ctx context.Context, cmd events.FetchProductInfo, cause string) error {
	return s.outbox.Enqueue(ctx, events.New(events.TopicProductInfoResult, cmd.OrderID, &events.ProductInfoResult{
		OrderID:      cmd.OrderID,
		ErrorMessage: fmt.Sprintf("상품 정보 조회 실패: %s", cause),
	}))
}

// ReconcileDecrease answers a decrease that exhausted its retries from the
// ledger: a recorded outcome is re-announced, otherwise the decrease is
// recorded as failed so a late redelivery cannot take stock.
func (s *stockService) ReconcileDecrease(ctx context.Context, cmd events.StockCommand, cause string) error {
	for i := 0; i < 2; i++ {
		entry, err := s.products.Ledger(ctx, cmd.OrderID, repo.OpDecrease)
		if err == nil {
			ok := entry.Outcome == repo.OutcomeSuccess
			reason := ""
			if !ok {
				reason = entry.Detail
			}
			return s.outbox.Enqueue(ctx, decreasedMessage(cmd.OrderID, ok, reason))
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		reason := fmt.Sprintf("재고 차감 실패: %s", cause)
		err = s.products.RecordFailure(ctx, cmd.OrderID, repo.OpDecrease, reason,
			[]events.Message{decreasedMessage(cmd.OrderID, false, reason)})
		if !errors.Is(err, repo.ErrAlreadyApplied) {
			return err
		}
		// lost a race with a late decrease; read what it recorded
	}
	return fmt.Errorf("order %d: decrease ledger unresolved", cmd.OrderID)
}

package listener

import (
	"context"

	"github.com/sirupsen/logrus"

	"saga-checkout/internal/events"
	"saga-checkout/internal/logging"
	"saga-checkout/internal/service"
)

func StockRoutes(svc service.StockService, log *logrus.Entry) []Route {
	return []Route{
		{
			Topic:  events.TopicFetchProductInfo,
			Handle: handle(svc.FetchProductInfo),
			DeadLetter: deadLetter(log, events.TopicFetchProductInfo, func(ctx context.Context, cmd events.FetchProductInfo, f Failure) error {
				return svc.FailFetch(ctx, cmd, f.Reason)
			}),
		},
		{
			Topic:  events.TopicDecreaseStock,
			Handle: handle(svc.DecreaseStock),
			DeadLetter: deadLetter(log, events.TopicDecreaseStock, func(ctx context.Context, cmd events.StockCommand, f Failure) error {
				return svc.ReconcileDecrease(ctx, cmd, f.Reason)
			}),
		},
		{
			Topic:  events.TopicRollbackStock,
			Handle: handle(svc.RollbackStock),
			DeadLetter: deadLetter(log, events.TopicRollbackStock, func(_ context.Context, cmd events.StockCommand, f Failure) error {
				logging.ForOrder(log, cmd.OrderID).WithFields(logrus.Fields{
					logging.FieldTopic:    events.DeadLetter(events.TopicRollbackStock),
					logging.FieldStep:     "rollback_stock",
					"code":                f.Code,
					"reason":              f.Reason,
					"products":            cmd.Products,
					"manual_intervention": true,
				}).Error("stock rollback failed, restore stock manually")
				return nil
			}),
		},
	}
}

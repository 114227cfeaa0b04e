package listener

import (
	"context"
	"strconv"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"saga-checkout/internal/events"
	bus "saga-checkout/internal/infrastructure/kafka"
	"saga-checkout/internal/logging"
	"saga-checkout/internal/service"
)

// orderRef is the part of every order-bound payload the dead-letter lane needs.
type orderRef struct {
	OrderID int64 `json:"orderId"`
	Success *bool `json:"success,omitempty"`
}

func OrderRoutes(svc service.OrderService, log *logrus.Entry) []Route {
	routes := []Route{
		{Topic: events.TopicProductInfoResult, Handle: handle(svc.HandleProductInfo)},
		{Topic: events.TopicPaymentPrepared, Handle: handle(svc.HandlePaymentPrepared)},
		{Topic: events.TopicPaymentPrepareFail, Handle: handle(svc.HandlePaymentPrepareFailed)},
		{Topic: events.TopicStockDecreased, Handle: handle(svc.HandleStockDecreased)},
		{Topic: events.TopicPaymentConfirmed, Handle: handle(svc.HandlePaymentConfirmed)},
		{Topic: events.TopicPaymentConfirmedFail, Handle: handle(svc.HandlePaymentConfirmFailed)},
		{Topic: events.TopicPaymentCanceled, Handle: handle(svc.HandlePaymentCanceled)},
		{Topic: events.TopicPaymentCanceledFail, Handle: handle(svc.HandlePaymentCancelFailed)},
	}
	for i := range routes {
		routes[i].DeadLetter = orderDeadLetter(svc, log, routes[i].Topic)
	}
	return routes
}

// orderDeadLetter parks the order in PROCESSING_FAILED. Only a successful
// stock-decreased result means stock was taken by the failing step.
func orderDeadLetter(svc service.OrderService, log *logrus.Entry, topic string) bus.Handler {
	return func(ctx context.Context, msg kafka.Message) error {
		f := failureOf(msg)
		ref, err := events.Decode[orderRef](msg.Value)
		if err != nil || ref.OrderID == 0 {
			// fall back to the partition key
			id, perr := strconv.ParseInt(string(msg.Key), 10, 64)
			if perr != nil {
				log.WithFields(logrus.Fields{
					logging.FieldTopic:    events.DeadLetter(topic),
					"manual_intervention": true,
				}).Error("dead letter without order id")
				return nil
			}
			ref.OrderID = id
		}
		stockDecreased := topic == events.TopicStockDecreased && ref.Success != nil && *ref.Success
		logging.ForOrder(log, ref.OrderID).WithFields(logrus.Fields{
			logging.FieldTopic: events.DeadLetter(topic),
			"code":             f.Code,
			"attempts":         f.Attempts,
		}).Warn("order message dead-lettered")
		return svc.FailProcessing(ctx, ref.OrderID, f.Code, f.Reason, stockDecreased)
	}
}

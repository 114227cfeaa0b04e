package listener

import (
	"context"

	"github.com/sirupsen/logrus"

	"saga-checkout/internal/events"
	"saga-checkout/internal/service"
)

func PaymentRoutes(svc service.PaymentService, log *logrus.Entry) []Route {
	return []Route{
		{
			Topic:  events.TopicPreparePayment,
			Handle: handle(svc.Prepare),
			DeadLetter: deadLetter(log, events.TopicPreparePayment, func(ctx context.Context, cmd events.PreparePayment, f Failure) error {
				return svc.FailPrepare(ctx, cmd, f.Reason)
			}),
		},
		{
			Topic:  events.TopicPaymentPending,
			Handle: handle(svc.Confirm),
			DeadLetter: deadLetter(log, events.TopicPaymentPending, func(ctx context.Context, cmd events.PaymentPending, f Failure) error {
				return svc.FailConfirm(ctx, cmd, f.Reason)
			}),
		},
		{
			Topic:  events.TopicPaymentCancel,
			Handle: handle(svc.Cancel),
			DeadLetter: deadLetter(log, events.TopicPaymentCancel, func(ctx context.Context, cmd events.PaymentCancel, f Failure) error {
				return svc.FailCancel(ctx, cmd, f.Reason)
			}),
		},
	}
}

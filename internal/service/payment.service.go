package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"saga-checkout/internal/domain"
	"saga-checkout/internal/events"
	"saga-checkout/internal/infrastructure/payment"
	"saga-checkout/internal/logging"
	"saga-checkout/internal/repo"
)

const placeholderKeyPrefix = "tmp_"

// PaymentService owns payment records and is the only caller of the PG.
type PaymentService interface {
	Prepare(ctx context.Context, cmd events.PreparePayment) error
	Confirm(ctx context.Context, cmd events.PaymentPending) error
	Cancel(ctx context.Context, cmd events.PaymentCancel) error

	// dead-letter synthesis
	FailPrepare(ctx context.Context, cmd events.PreparePayment, cause string) error
	FailConfirm(ctx context.Context, cmd events.PaymentPending, cause string) error
	FailCancel(ctx context.Context, cmd events.PaymentCancel, cause string) error
}

type paymentService struct {
	payments repo.PaymentRepo
	outbox   repo.Enqueuer
	gateway  payment.Gateway
	log      *logrus.Entry
	now      func() time.Time
}

func NewPaymentService(payments repo.PaymentRepo, outbox repo.Enqueuer, gateway payment.Gateway, log *logrus.Entry) PaymentService {
	return &paymentService{
		payments: payments,
		outbox:   outbox,
		gateway:  gateway,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *paymentService) Prepare(ctx context.Context, cmd events.PreparePayment) error {
	log := logging.ForOrder(s.log, cmd.OrderID).WithField(logging.FieldStep, "prepare")
	if existing, err := s.payments.FindByOrderID(ctx, cmd.OrderID); err == nil {
		log.WithField("payment_id", existing.ID).Info("payment already prepared")
		return nil
	} else if !errors.Is(err, repo.ErrNotFound) {
		return err
	}

	if cmd.Amount <= 0 {
		return s.outbox.Enqueue(ctx, events.New(events.TopicPaymentPrepareFail, cmd.OrderID, &events.PaymentPrepareFail{
			OrderID:      cmd.OrderID,
			ErrorMessage: fmt.Sprintf("invalid amount %d", cmd.Amount),
		}))
	}

	now := s.now()
	p := &domain.Payment{
		OrderID:     cmd.OrderID,
		Amount:      cmd.Amount,
		Method:      domain.PaymentMethod(cmd.Method),
		Status:      domain.PaymentPending,
		PaymentKey:  placeholderKeyPrefix + uuid.NewString(),
		RequestedAt: now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	prepared := events.New(events.TopicPaymentPrepared, cmd.OrderID, &events.PaymentPrepared{OrderID: cmd.OrderID})
	if err := s.payments.Create(ctx, p, []events.Message{prepared}); err != nil {
		if errors.Is(err, repo.ErrAlreadyApplied) {
			return nil
		}
		return err
	}
	s.record(ctx, p, domain.LogRequest, "prepare", cmd)
	log.WithFields(logrus.Fields{"payment_id": p.ID, logging.FieldStatus: p.Status}).Info("payment prepared")
	return nil
}

func (s *paymentService) Confirm(ctx context.Context, cmd events.PaymentPending) error {
	log := logging.ForOrder(s.log, cmd.OrderID).WithField(logging.FieldStep, "confirm")
	p, err := s.load(ctx, cmd.OrderID)
	if err != nil {
		return err
	}
	if p.Status != domain.PaymentPending {
		log.WithField(logging.FieldStatus, p.Status).Info("payment already settled")
		return nil
	}

	if cmd.PaymentKey != "" && p.PaymentKey != cmd.PaymentKey {
		p.PaymentKey = cmd.PaymentKey
		p.UpdatedAt = s.now()
		if err := s.payments.Update(ctx, domain.PaymentPending, p, nil); err != nil {
			return err
		}
	}

	if cmd.Amount != p.Amount {
		return s.failConfirm(ctx, p, fmt.Sprintf("amount mismatch: expected %d, actual %d", p.Amount, cmd.Amount))
	}

	req := payment.ConfirmRequest{PaymentKey: p.PaymentKey, OrderID: cmd.OrderNo, Amount: p.Amount}
	s.record(ctx, p, domain.LogRequest, "confirm", req)
	resp, err := s.gateway.Confirm(ctx, req)
	if err != nil {
		s.record(ctx, p, domain.LogError, "confirm", err.Error())
		if domain.IsRetryable(err) {
			return err
		}
		return s.failConfirm(ctx, p, err.Error())
	}
	s.record(ctx, p, domain.LogResponse, "confirm", resp)

	if !resp.Captured() {
		return s.failConfirm(ctx, p, fmt.Sprintf("pg status %s", resp.Status))
	}
	if resp.TotalAmount != p.Amount {
		reason := fmt.Sprintf("approved amount mismatch: expected %d, approved %d", p.Amount, resp.TotalAmount)
		s.void(ctx, log, p, reason)
		return s.failConfirm(ctx, p, reason)
	}

	if err := p.MoveTo(domain.PaymentSuccess, s.now()); err != nil {
		return err
	}
	msg := events.New(events.TopicPaymentConfirmed, p.OrderID, &events.PaymentResult{OrderID: p.OrderID, PaymentID: p.ID})
	if err := s.payments.Update(ctx, domain.PaymentPending, p, []events.Message{msg}); err != nil {
		return err
	}
	log.WithFields(logrus.Fields{"payment_id": p.ID, logging.FieldStatus: p.Status}).Info("payment confirmed")
	return nil
}

// void cancels an approval the PG should not have granted. A failure here
// needs an operator, the payment is failed either way.
func (s *paymentService) void(ctx context.Context, log *logrus.Entry, p *domain.Payment, reason string) {
	resp, err := s.gateway.Cancel(ctx, p.PaymentKey, reason)
	if err != nil {
		s.record(ctx, p, domain.LogError, "void", err.Error())
		log.WithError(err).WithField("manual_intervention", true).Error("void of mismatched approval failed")
		return
	}
	s.record(ctx, p, domain.LogResponse, "void", resp)
	if !resp.CancelDone() {
		log.WithField("manual_intervention", true).Error("void of mismatched approval not completed")
	}
}

func (s *paymentService) failConfirm(ctx context.Context, p *domain.Payment, reason string) error {
	if err := p.MoveTo(domain.PaymentFail, s.now()); err != nil {
		return err
	}
	p.FailureReason = reason
	msg := events.New(events.TopicPaymentConfirmedFail, p.OrderID, &events.PaymentResult{
		OrderID: p.OrderID, PaymentID: p.ID, ErrorMessage: reason,
	})
	if err := s.payments.Update(ctx, domain.PaymentPending, p, []events.Message{msg}); err != nil {
		return err
	}
	logging.ForOrder(s.log, p.OrderID).WithFields(logrus.Fields{
		logging.FieldStep: "confirm", logging.FieldStatus: p.Status, "reason": reason,
	}).Warn("payment failed")
	return nil
}

func (s *paymentService) Cancel(ctx context.Context, cmd events.PaymentCancel) error {
	log := logging.ForOrder(s.log, cmd.OrderID).WithField(logging.FieldStep, "cancel")
	p, err := s.load(ctx, cmd.OrderID)
	if err != nil {
		return err
	}

	if p.Status == domain.PaymentPending {
		captured, err := s.reconcilePending(ctx, p)
		if err != nil {
			return err
		}
		if !captured {
			log.Info("payment never captured, nothing to refund")
			return nil
		}
	}

	switch p.Status {
	case domain.PaymentCanceled, domain.PaymentRefunded:
		return s.outbox.Enqueue(ctx, s.canceled(p, cmd.RefundReason))
	case domain.PaymentFail:
		return s.settleFailed(ctx, log, p, cmd.RefundReason)
	}

	failure, err := s.cancelAtPG(ctx, log, p, cmd.RefundReason)
	if err != nil {
		return err
	}
	if failure != "" {
		return s.outbox.Enqueue(ctx, s.cancelFailed(p, failure))
	}

	if err := p.MoveTo(domain.PaymentCanceled, s.now()); err != nil {
		return err
	}
	p.Description = cmd.RefundReason
	if err := s.payments.Update(ctx, domain.PaymentSuccess, p, []events.Message{s.canceled(p, cmd.RefundReason)}); err != nil {
		return err
	}
	log.WithFields(logrus.Fields{"payment_id": p.ID, logging.FieldStatus: p.Status}).Info("payment canceled")
	return nil
}

// cancelAtPG asks the PG to cancel p. A non-empty failure means the PG did
// not confirm the cancel; err is returned only for retryable errors.
func (s *paymentService) cancelAtPG(ctx context.Context, log *logrus.Entry, p *domain.Payment, reason string) (string, error) {
	s.record(ctx, p, domain.LogRequest, "cancel", reason)
	resp, err := s.gateway.Cancel(ctx, p.PaymentKey, reason)
	if err != nil {
		s.record(ctx, p, domain.LogError, "cancel", err.Error())
		if domain.IsRetryable(err) {
			return "", err
		}
		return err.Error(), nil
	}
	s.record(ctx, p, domain.LogResponse, "cancel", resp)
	if !resp.CancelDone() {
		log.WithField("pg_status", resp.Status).Error("inconsistent cancel response")
		return "inconsistent cancel response", nil
	}
	return "", nil
}

// settleFailed reports a FAIL payment canceled only once the PG holds no
// capture for it. A void left over from confirm is retried here; if the PG
// still holds the money the cancel fails and the order needs an operator.
func (s *paymentService) settleFailed(ctx context.Context, log *logrus.Entry, p *domain.Payment, reason string) error {
	if strings.HasPrefix(p.PaymentKey, placeholderKeyPrefix) {
		return s.outbox.Enqueue(ctx, s.canceled(p, reason))
	}
	resp, err := s.gateway.Get(ctx, p.PaymentKey)
	if err != nil {
		s.record(ctx, p, domain.LogError, "status", err.Error())
		if domain.IsRetryable(err) {
			return err
		}
		return s.outbox.Enqueue(ctx, s.cancelFailed(p, err.Error()))
	}
	s.record(ctx, p, domain.LogResponse, "status", resp)
	if !resp.Captured() {
		return s.outbox.Enqueue(ctx, s.canceled(p, reason))
	}

	failure, err := s.cancelAtPG(ctx, log, p, reason)
	if err != nil {
		return err
	}
	if failure != "" {
		log.WithField("manual_intervention", true).Error("failed payment still captured at pg")
		return s.outbox.Enqueue(ctx, s.cancelFailed(p, failure))
	}
	log.WithField("payment_id", p.ID).Info("captured amount of failed payment canceled")
	return s.outbox.Enqueue(ctx, s.canceled(p, reason))
}

// reconcilePending asks the PG what happened to a payment that never left
// PENDING. A capture moves it to SUCCESS so the caller can refund it;
// otherwise it is failed and the cancel is reported done.
func (s *paymentService) reconcilePending(ctx context.Context, p *domain.Payment) (bool, error) {
	captured := false
	if !strings.HasPrefix(p.PaymentKey, placeholderKeyPrefix) {
		resp, err := s.gateway.Get(ctx, p.PaymentKey)
		if err != nil {
			s.record(ctx, p, domain.LogError, "status", err.Error())
			if domain.IsRetryable(err) {
				return false, err
			}
		} else {
			s.record(ctx, p, domain.LogResponse, "status", resp)
			captured = resp.Captured()
		}
	}

	if captured {
		if err := p.MoveTo(domain.PaymentSuccess, s.now()); err != nil {
			return false, err
		}
		p.Description = "captured after confirm failure"
		return true, s.payments.Update(ctx, domain.PaymentPending, p, nil)
	}
	if err := p.MoveTo(domain.PaymentFail, s.now()); err != nil {
		return false, err
	}
	p.FailureReason = "not captured at pg"
	return false, s.payments.Update(ctx, domain.PaymentPending, p, []events.Message{s.canceled(p, "not captured")})
}

func (s *paymentService) canceled(p *domain.Payment, reason string) events.Message {
	return events.New(events.TopicPaymentCanceled, p.OrderID, &events.PaymentCancelResult{
		OrderID: p.OrderID, PaymentID: p.ID, RefundReason: reason,
	})
}

func (s *paymentService) cancelFailed(p *domain.Payment, reason string) events.Message {
	return events.New(events.TopicPaymentCanceledFail, p.OrderID, &events.PaymentCancelResult{
		OrderID: p.OrderID, PaymentID: p.ID, ErrorMessage: reason,
	})
}

func (s *paymentService) load(ctx context.Context, orderID int64) (*domain.Payment, error) {
	p, err := s.payments.FindByOrderID(ctx, orderID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, domain.ErrPaymentNotFound.WithCause(fmt.Errorf("order %d", orderID))
	}
	return p, err
}

// record appends to the payment log outside the business transaction so
// every PG exchange survives whatever happens next.
func (s *paymentService) record(ctx context.Context, p *domain.Payment, typ domain.PaymentLogType, op string, payload any) {
	var body string
	switch v := payload.(type) {
	case string:
		body = v
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			body = fmt.Sprintf("%+v", v)
		} else {
			body = string(raw)
		}
	}
	l := &domain.PaymentLog{
		PaymentID: p.ID, OrderID: p.OrderID, Type: typ, Operation: op, Payload: body, CreatedAt: s.now(),
	}
	if err := s.payments.AppendLog(ctx, l); err != nil {
		logging.ForOrder(s.log, p.OrderID).WithError(err).Warn("append payment log")
	}
}

func (s *paymentService) FailPrepare(ctx context.Context, cmd events.PreparePayment, cause string) error {
	if _, err := s.payments.FindByOrderID(ctx, cmd.OrderID); err == nil {
		// prepared after all; payment-prepared went out with it
		return nil
	}
	return s.outbox.Enqueue(ctx, events.New(events.TopicPaymentPrepareFail, cmd.OrderID, &events.PaymentPrepareFail{
		OrderID: cmd.OrderID, ErrorMessage: cause,
	}))
}

// FailConfirm reports a confirm that could not be completed. The payment
// stays PENDING: the PG may still have captured it, and the cancel that
// follows reconciles against the PG.
func (s *paymentService) FailConfirm(ctx context.Context, cmd events.PaymentPending, cause string) error {
	p, err := s.payments.FindByOrderID(ctx, cmd.OrderID)
	if err == nil && p.Status == domain.PaymentSuccess {
		return nil
	}
	paymentID := cmd.PaymentID
	if err == nil {
		paymentID = p.ID
	}
	return s.outbox.Enqueue(ctx, events.New(events.TopicPaymentConfirmedFail, cmd.OrderID, &events.PaymentResult{
		OrderID: cmd.OrderID, PaymentID: paymentID, ErrorMessage: cause,
	}))
}

func (s *paymentService) FailCancel(ctx context.Context, cmd events.PaymentCancel, cause string) error {
	return s.outbox.Enqueue(ctx, events.New(events.TopicPaymentCanceledFail, cmd.OrderID, &events.PaymentCancelResult{
		OrderID: cmd.OrderID, PaymentID: cmd.PaymentID, ErrorMessage: cause,
	}))
}

package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"saga-checkout/internal/domain"
	"saga-checkout/internal/events"
)

type PaymentRepo interface {
	// Create inserts a payment with msgs; a second payment for the same order
	// yields ErrAlreadyApplied.
	Create(ctx context.Context, p *domain.Payment, msgs []events.Message) error
	FindByID(ctx context.Context, id int64) (*domain.Payment, error)
	FindByOrderID(ctx context.Context, orderID int64) (*domain.Payment, error)
	// Update writes p if its stored status still equals expected.
	Update(ctx context.Context, expected domain.PaymentStatus, p *domain.Payment, msgs []events.Message) error
	AppendLog(ctx context.Context, l *domain.PaymentLog) error
	Logs(ctx context.Context, paymentID int64) ([]domain.PaymentLog, error)
}

type paymentRepo struct {
	db *sql.DB
}

func NewPaymentRepo(db *sql.DB) PaymentRepo {
	return &paymentRepo{db: db}
}

func (r *paymentRepo) Create(ctx context.Context, p *domain.Payment, msgs []events.Message) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	err = tx.QueryRowContext(ctx,
		`INSERT INTO payments (order_id, amount, method, status, payment_key, description, requested_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) RETURNING id`,
		p.OrderID, p.Amount, p.Method, p.Status, p.PaymentKey, p.Description, p.RequestedAt, p.CreatedAt, p.UpdatedAt,
	).Scan(&p.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("payment for order %d: %w", p.OrderID, ErrAlreadyApplied)
		}
		return fmt.Errorf("insert payment: %w", err)
	}
	// messages may need the new id
	for _, m := range msgs {
		if pp, ok := m.Payload.(*events.PaymentPrepared); ok && pp.PaymentID == 0 {
			pp.PaymentID = p.ID
		}
	}
	if err := insertOutbox(ctx, tx, msgs); err != nil {
		return err
	}
	return tx.Commit()
}

const paymentColumns = `id, order_id, amount, method, status, payment_key, failure_reason, description,
	requested_at, approved_at, failed_at, canceled_at, refunded_at, created_at, updated_at`

func (r *paymentRepo) findOne(ctx context.Context, where string, arg any) (*domain.Payment, error) {
	var p domain.Payment
	var approved, failed, canceled, refunded sql.NullTime
	err := r.db.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE `+where, arg).Scan(
		&p.ID, &p.OrderID, &p.Amount, &p.Method, &p.Status, &p.PaymentKey, &p.FailureReason, &p.Description,
		&p.RequestedAt, &approved, &failed, &canceled, &refunded, &p.CreatedAt, &p.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	p.ApprovedAt = timePtr(approved)
	p.FailedAt = timePtr(failed)
	p.CanceledAt = timePtr(canceled)
	p.RefundedAt = timePtr(refunded)
	return &p, nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func (r *paymentRepo) FindByID(ctx context.Context, id int64) (*domain.Payment, error) {
	return r.findOne(ctx, "id = $1", id)
}

func (r *paymentRepo) FindByOrderID(ctx context.Context, orderID int64) (*domain.Payment, error) {
	return r.findOne(ctx, "order_id = $1", orderID)
}

func (r *paymentRepo) Update(ctx context.Context, expected domain.PaymentStatus, p *domain.Payment, msgs []events.Message) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE payments
		    SET status = $1, payment_key = $2, failure_reason = $3, description = $4,
		        approved_at = $5, failed_at = $6, canceled_at = $7, refunded_at = $8, updated_at = $9
		  WHERE id = $10 AND status = $11`,
		p.Status, p.PaymentKey, p.FailureReason, p.Description,
		p.ApprovedAt, p.FailedAt, p.CanceledAt, p.RefundedAt, p.UpdatedAt, p.ID, expected)
	if err != nil {
		return fmt.Errorf("update payment %d: %w", p.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("payment %d expected %s: %w", p.ID, expected, ErrStatusMismatch)
	}
	if err := insertOutbox(ctx, tx, msgs); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *paymentRepo) AppendLog(ctx context.Context, l *domain.PaymentLog) error {
	return r.db.QueryRowContext(ctx,
		`INSERT INTO payment_logs (payment_id, order_id, log_type, operation, payload, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		l.PaymentID, l.OrderID, l.Type, l.Operation, l.Payload, l.CreatedAt,
	).Scan(&l.ID)
}

func (r *paymentRepo) Logs(ctx context.Context, paymentID int64) ([]domain.PaymentLog, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, payment_id, order_id, log_type, operation, payload, created_at
		   FROM payment_logs WHERE payment_id = $1 ORDER BY id`, paymentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.PaymentLog
	for rows.Next() {
		var l domain.PaymentLog
		if err := rows.Scan(&l.ID, &l.PaymentID, &l.OrderID, &l.Type, &l.Operation, &l.Payload, &l.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

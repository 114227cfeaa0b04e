package repo

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"saga-checkout/internal/events"
)

type OutboxRecord struct {
	ID        int64
	EventID   string
	Topic     string
	Key       string
	Payload   []byte
	CreatedAt time.Time
}

// Enqueuer writes messages to the outbox outside any business transaction.
// The dead-letter path uses it to publish synthesized failures.
type Enqueuer interface {
	Enqueue(ctx context.Context, msgs ...events.Message) error
}

type OutboxRepo interface {
	Enqueuer
	// Dispatch locks up to limit unsent rows, hands them to publish and marks
	// the ones publish reports as sent, all in one transaction. Rows locked by
	// another relay are skipped.
	Dispatch(ctx context.Context, limit int, publish func(ctx context.Context, rows []OutboxRecord) ([]int64, error)) (int, error)
	Pending(ctx context.Context) (int, error)
}

type outboxRepo struct {
	db *sql.DB
}

func NewOutboxRepo(db *sql.DB) OutboxRepo {
	return &outboxRepo{db: db}
}

// insertOutbox stamps and stores msgs inside tx. A replayed event id is ignored.
func insertOutbox(ctx context.Context, tx *sql.Tx, msgs []events.Message) error {
	now := time.Now().UTC()
	for _, m := range msgs {
		m = m.Stamp(uuid.NewString(), now)
		payload, err := m.Encode()
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO outbox (event_id, topic, msg_key, payload, created_at)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (event_id) DO NOTHING`,
			m.EventID(), m.Topic, m.Key, payload, now)
		if err != nil {
			return fmt.Errorf("insert outbox %s: %w", m.Topic, err)
		}
	}
	return nil
}

func (r *outboxRepo) Enqueue(ctx context.Context, msgs ...events.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := insertOutbox(ctx, tx, msgs); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *outboxRepo) Dispatch(ctx context.Context, limit int, publish func(context.Context, []OutboxRecord) ([]int64, error)) (int, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT id, event_id, topic, msg_key, payload, created_at
		   FROM outbox
		  WHERE sent_at IS NULL
		  ORDER BY id
		  LIMIT $1
		  FOR UPDATE SKIP LOCKED`, limit)
	if err != nil {
		return 0, fmt.Errorf("claim outbox: %w", err)
	}
	var batch []OutboxRecord
	for rows.Next() {
		var rec OutboxRecord
		if err := rows.Scan(&rec.ID, &rec.EventID, &rec.Topic, &rec.Key, &rec.Payload, &rec.CreatedAt); err != nil {
			rows.Close()
			return 0, err
		}
		batch = append(batch, rec)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}
	if len(batch) == 0 {
		return 0, nil
	}

	sent, pubErr := publish(ctx, batch)
	for _, id := range sent {
		if _, err := tx.ExecContext(ctx, `UPDATE outbox SET sent_at = now() WHERE id = $1`, id); err != nil {
			return 0, fmt.Errorf("mark sent %d: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(sent), pubErr
}

func (r *outboxRepo) Pending(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT count(*) FROM outbox WHERE sent_at IS NULL`).Scan(&n)
	return n, err
}

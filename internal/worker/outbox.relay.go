package worker

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"saga-checkout/internal/infrastructure/kafka"
	"saga-checkout/internal/metrics"
	"saga-checkout/internal/repo"
)

type Publisher interface {
	Publish(ctx context.Context, batch []kafka.Envelope) ([]int64, error)
}

// OutboxRelay moves committed outbox rows to the bus. Rows are marked sent
// only after the broker acknowledged them, so delivery is at least once.
type OutboxRelay struct {
	outbox    repo.OutboxRepo
	publisher Publisher
	interval  time.Duration
	batchSize int
	log       *logrus.Entry
	metrics   *metrics.Metrics
}

func NewOutboxRelay(
	outbox repo.OutboxRepo,
	publisher Publisher,
	interval time.Duration,
	batchSize int,
	log *logrus.Entry,
	m *metrics.Metrics,
) *OutboxRelay {
	if batchSize < 1 {
		batchSize = 100
	}
	return &OutboxRelay{
		outbox:    outbox,
		publisher: publisher,
		interval:  interval,
		batchSize: batchSize,
		log:       log.WithField("component", "outbox_relay"),
		metrics:   m,
	}
}

func (r *OutboxRelay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.log.Info("outbox relay started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := r.Drain(ctx); err != nil && ctx.Err() == nil {
				r.log.WithError(err).Warn("outbox relay pass failed")
			}
		}
	}
}

// Drain publishes batches until the outbox is empty or a pass fails.
func (r *OutboxRelay) Drain(ctx context.Context) error {
	for {
		n, err := r.RelayOnce(ctx)
		if err != nil {
			return err
		}
		if n < r.batchSize {
			return nil
		}
	}
}

// RelayOnce publishes one batch and returns how many rows were marked sent.
func (r *OutboxRelay) RelayOnce(ctx context.Context) (int, error) {
	var published []kafka.Envelope
	n, err := r.outbox.Dispatch(ctx, r.batchSize, func(ctx context.Context, rows []repo.OutboxRecord) ([]int64, error) {
		batch := make([]kafka.Envelope, len(rows))
		for i, row := range rows {
			batch[i] = kafka.Envelope{ID: row.ID, Topic: row.Topic, Key: row.Key, Value: row.Payload}
		}
		ids, err := r.publisher.Publish(ctx, batch)
		sent := make(map[int64]bool, len(ids))
		for _, id := range ids {
			sent[id] = true
		}
		for _, e := range batch {
			if sent[e.ID] {
				published = append(published, e)
			}
		}
		return ids, err
	})
	if n > 0 {
		for _, e := range published {
			if r.metrics != nil {
				r.metrics.Published.WithLabelValues(e.Topic).Inc()
			}
		}
		r.log.WithField("count", n).Debug("outbox rows published")
	}
	return n, err
}

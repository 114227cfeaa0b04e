package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"saga-checkout/internal/events"
	"saga-checkout/internal/infrastructure/kafka"
	"saga-checkout/internal/logging"
	"saga-checkout/internal/metrics"
	"saga-checkout/internal/repo"
)

type memOutbox struct {
	mu   sync.Mutex
	rows []repo.OutboxRecord
	sent map[int64]bool
}

func (m *memOutbox) Enqueue(_ context.Context, msgs ...events.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range msgs {
		payload, err := msg.Encode()
		if err != nil {
			return err
		}
		m.rows = append(m.rows, repo.OutboxRecord{
			ID: int64(len(m.rows) + 1), Topic: msg.Topic, Key: msg.Key, Payload: payload,
		})
	}
	return nil
}

func (m *memOutbox) Dispatch(ctx context.Context, limit int, publish func(context.Context, []repo.OutboxRecord) ([]int64, error)) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var batch []repo.OutboxRecord
	for _, r := range m.rows {
		if !m.sent[r.ID] && len(batch) < limit {
			batch = append(batch, r)
		}
	}
	if len(batch) == 0 {
		return 0, nil
	}
	ids, err := publish(ctx, batch)
	for _, id := range ids {
		m.sent[id] = true
	}
	return len(ids), err
}

func (m *memOutbox) Pending(context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows) - len(m.sent), nil
}

type stubPublisher struct {
	mu    sync.Mutex
	got   []kafka.Envelope
	fail  map[int64]bool
	calls int
}

func (p *stubPublisher) Publish(_ context.Context, batch []kafka.Envelope) ([]int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	var ids []int64
	var err error
	for _, e := range batch {
		if p.fail[e.ID] {
			err = errors.New("broker unavailable")
			continue
		}
		p.got = append(p.got, e)
		ids = append(ids, e.ID)
	}
	return ids, err
}

func seed(t *testing.T, ob *memOutbox, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		id := int64(i + 1)
		require.NoError(t, ob.Enqueue(context.Background(),
			events.New(events.TopicDecreaseStock, id, &events.StockCommand{OrderID: id})))
	}
}

func TestDrainPublishesEverythingInBatches(t *testing.T) {
	ob := &memOutbox{sent: map[int64]bool{}}
	seed(t, ob, 5)
	pub := &stubPublisher{}
	m := metrics.New(prometheus.NewRegistry())
	relay := NewOutboxRelay(ob, pub, time.Hour, 2, logging.Discard(), m)

	require.NoError(t, relay.Drain(context.Background()))
	assert.Len(t, pub.got, 5)
	assert.Equal(t, 3, pub.calls)
	assert.Equal(t, "3", pub.got[2].Key)
	assert.Equal(t, 5.0, testutil.ToFloat64(m.Published.WithLabelValues(events.TopicDecreaseStock)))

	pending, err := ob.Pending(context.Background())
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestRelayKeepsUndeliveredRows(t *testing.T) {
	ob := &memOutbox{sent: map[int64]bool{}}
	seed(t, ob, 3)
	pub := &stubPublisher{fail: map[int64]bool{2: true}}
	relay := NewOutboxRelay(ob, pub, time.Hour, 10, logging.Discard(), nil)

	n, err := relay.RelayOnce(context.Background())
	require.Error(t, err)
	assert.Equal(t, 2, n)

	pub.fail = nil
	n, err = relay.RelayOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, int64(2), pub.got[len(pub.got)-1].ID)
}

func TestRunStopsOnCancel(t *testing.T) {
	ob := &memOutbox{sent: map[int64]bool{}}
	seed(t, ob, 1)
	pub := &stubPublisher{}
	relay := NewOutboxRelay(ob, pub, 5*time.Millisecond, 10, logging.Discard(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx) }()

	require.Eventually(t, func() bool {
		pending, _ := ob.Pending(context.Background())
		return pending == 0
	}, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("relay did not stop")
	}
}

package kafka

import (
	"context"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"saga-checkout/internal/domain"
	"saga-checkout/internal/events"
	"saga-checkout/internal/logging"
	"saga-checkout/internal/metrics"
)

const (
	HeaderError     = "x-error"
	HeaderErrorCode = "x-error-code"
	HeaderAttempts  = "x-attempts"
)

type Handler func(ctx context.Context, msg kafka.Message) error

type ConsumerConfig struct {
	Topic       string
	MaxAttempts int
	Backoff     time.Duration
}

// Consumer delivers one topic to a handler. A failing message is retried
// MaxAttempts times with a fixed Backoff, then copied unchanged to the
// topic's dead-letter lane. Without a dead-letter writer the lane is
// terminal: exhausted messages are logged for manual handling. The offset is
// committed only once the message is handled or parked.
type Consumer struct {
	reader  Reader
	dlq     Writer
	cfg     ConsumerConfig
	handler Handler
	log     *logrus.Entry
	metrics *metrics.Metrics
	sleep   func(ctx context.Context, d time.Duration) error
}

func NewConsumer(reader Reader, dlq Writer, cfg ConsumerConfig, handler Handler, log *logrus.Entry, m *metrics.Metrics) *Consumer {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	return &Consumer{
		reader:  reader,
		dlq:     dlq,
		cfg:     cfg,
		handler: handler,
		log:     log.WithField(logging.FieldTopic, cfg.Topic),
		metrics: m,
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Run blocks until ctx is canceled.
func (c *Consumer) Run(ctx context.Context) error {
	c.log.Info("consumer started")
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.log.WithError(err).Warn("fetch failed")
			if c.sleep(ctx, c.cfg.Backoff) != nil {
				return nil
			}
			continue
		}
		if err := c.Process(ctx, msg); err != nil {
			// only a canceled context gets here; the message is redelivered
			return nil
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			c.log.WithError(err).Warn("commit failed")
		}
	}
}

// Process handles one message through retries and dead-lettering. It returns
// an error only when ctx ends before the message is settled.
func (c *Consumer) Process(ctx context.Context, msg kafka.Message) error {
	entry := c.log.WithFields(logrus.Fields{
		logging.FieldOrderID: string(msg.Key),
		"offset":             msg.Offset,
		"partition":          msg.Partition,
	})

	var err error
	attempt := 1
	for ; ; attempt++ {
		err = c.invoke(ctx, msg)
		if err == nil {
			c.count("ok")
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		retryable := domain.IsRetryable(err)
		entry.WithError(err).WithFields(logrus.Fields{
			"attempt":   attempt,
			"retryable": retryable,
		}).Warn("handler failed")
		if !retryable || attempt >= c.cfg.MaxAttempts {
			break
		}
		if err := c.sleep(ctx, c.cfg.Backoff); err != nil {
			return err
		}
	}

	if c.dlq == nil {
		c.count("dropped")
		entry.WithError(err).WithField("manual_intervention", true).Error("dead-letter handling exhausted")
		return nil
	}
	return c.deadLetter(ctx, entry, msg, err, attempt)
}

func (c *Consumer) invoke(ctx context.Context, msg kafka.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = domain.NewError(domain.CodeInternal, "handler panic: %v", r)
		}
	}()
	return c.handler(ctx, msg)
}

// deadLetter keeps trying until the copy is written, so the source offset is
// never committed for a message that exists nowhere else.
func (c *Consumer) deadLetter(ctx context.Context, entry *logrus.Entry, msg kafka.Message, cause error, attempts int) error {
	out := kafka.Message{
		Topic: events.DeadLetter(c.cfg.Topic),
		Key:   msg.Key,
		Value: msg.Value,
		Headers: append(append([]kafka.Header(nil), msg.Headers...),
			kafka.Header{Key: HeaderError, Value: []byte(cause.Error())},
			kafka.Header{Key: HeaderErrorCode, Value: []byte(domain.CodeOf(cause))},
			kafka.Header{Key: HeaderAttempts, Value: []byte(strconv.Itoa(attempts))},
		),
	}
	for {
		err := c.dlq.WriteMessages(ctx, out)
		if err == nil {
			break
		}
		entry.WithError(err).Error("dead-letter publish failed")
		if err := c.sleep(ctx, c.cfg.Backoff); err != nil {
			return err
		}
	}
	c.count("dead_lettered")
	if c.metrics != nil {
		c.metrics.DeadLetters.WithLabelValues(c.cfg.Topic).Inc()
	}
	entry.WithError(cause).WithField(logging.FieldStatus, "dead_lettered").Errorf("moved to %s", out.Topic)
	return nil
}

func (c *Consumer) count(result string) {
	if c.metrics != nil {
		c.metrics.Consumed.WithLabelValues(c.cfg.Topic, result).Inc()
	}
}

// Package listener binds bus topics to service calls. Every route has a
// primary handler and a dead-letter handler that turns an exhausted message
// into the failure event its saga step would have produced.
package listener

import (
	"context"
	"strconv"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"saga-checkout/internal/domain"
	"saga-checkout/internal/events"
	bus "saga-checkout/internal/infrastructure/kafka"
	"saga-checkout/internal/logging"
)

type Route struct {
	Topic      string
	Handle     bus.Handler
	DeadLetter bus.Handler
}

// DeadLetterTopic is the lane the route's dead letters are read from.
func (r Route) DeadLetterTopic() string {
	return events.DeadLetter(r.Topic)
}

// handle decodes the payload and hands it to fn.
func handle[T any](fn func(ctx context.Context, ev T) error) bus.Handler {
	return func(ctx context.Context, msg kafka.Message) error {
		ev, err := events.Decode[T](msg.Value)
		if err != nil {
			return err
		}
		return fn(ctx, ev)
	}
}

// Failure is what the consumer recorded on a dead-lettered message.
type Failure struct {
	Code     domain.Code
	Reason   string
	Attempts int
}

func failureOf(msg kafka.Message) Failure {
	f := Failure{
		Code:   domain.Code(bus.Header(msg, bus.HeaderErrorCode)),
		Reason: bus.Header(msg, bus.HeaderError),
	}
	if f.Code == "" {
		f.Code = domain.CodeInternal
	}
	if f.Reason == "" {
		f.Reason = "retries exhausted"
	}
	f.Attempts, _ = strconv.Atoi(bus.Header(msg, bus.HeaderAttempts))
	return f
}

// deadLetter decodes a dead-lettered payload. A payload that cannot be
// decoded is logged and acknowledged; there is nothing to synthesize from it.
func deadLetter[T any](log *logrus.Entry, topic string, fn func(ctx context.Context, ev T, f Failure) error) bus.Handler {
	return func(ctx context.Context, msg kafka.Message) error {
		f := failureOf(msg)
		ev, err := events.Decode[T](msg.Value)
		if err != nil {
			log.WithError(err).WithFields(logrus.Fields{
				logging.FieldTopic:    events.DeadLetter(topic),
				logging.FieldOrderID:  string(msg.Key),
				"manual_intervention": true,
			}).Error("undecodable dead letter")
			return nil
		}
		return fn(ctx, ev, f)
	}
}

package kafka

import (
	"context"
	"errors"

	"github.com/segmentio/kafka-go"
)

// Envelope is one ready-to-send record.
type Envelope struct {
	ID    int64
	Topic string
	Key   string
	Value []byte
}

type Publisher struct {
	w Writer
}

func NewPublisher(w Writer) *Publisher {
	return &Publisher{w: w}
}

// Publish writes the batch and returns the ids that reached the broker. On
// a partial failure the error is returned together with the delivered ids.
func (p *Publisher) Publish(ctx context.Context, batch []Envelope) ([]int64, error) {
	if len(batch) == 0 {
		return nil, nil
	}
	msgs := make([]kafka.Message, len(batch))
	for i, e := range batch {
		msgs[i] = kafka.Message{Topic: e.Topic, Key: []byte(e.Key), Value: e.Value}
	}
	err := p.w.WriteMessages(ctx, msgs...)
	if err == nil {
		ids := make([]int64, len(batch))
		for i, e := range batch {
			ids[i] = e.ID
		}
		return ids, nil
	}
	var werrs kafka.WriteErrors
	if !errors.As(err, &werrs) || len(werrs) != len(batch) {
		return nil, err
	}
	var ids []int64
	for i, werr := range werrs {
		if werr == nil {
			ids = append(ids, batch[i].ID)
		}
	}
	return ids, err
}

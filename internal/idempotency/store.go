// Package idempotency is the key-value store behind the saga's dedup flags,
// the cached payment keys and the daily order-number counter. Every backend
// gives first-writer-wins semantics for SetIfAbsent and an atomic Increment.
package idempotency

import (
	"context"
	"fmt"
	"time"
)

type Store interface {
	// SetIfAbsent stores value under key unless a live entry exists. It
	// reports whether this call wrote the value.
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// Get returns the live value for key; ok is false when absent or expired.
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	// Increment atomically bumps the counter under key and returns the new
	// value. ttl applies when the counter is created.
	Increment(ctx context.Context, key string, ttl time.Duration) (int64, error)
	Delete(ctx context.Context, key string) error
	Close() error
}

const (
	FlagSet = "1"

	// counters outlive the day they number
	sequenceTTL = 48 * time.Hour
)

var kst = time.FixedZone("KST", 9*60*60)

func PaymentKeyKey(orderID int64) string {
	return fmt.Sprintf("payment-key:%d", orderID)
}

func StockDecreasedKey(orderID int64) string {
	return fmt.Sprintf("stock-decreased:%d", orderID)
}

func StockRolledBackKey(orderID int64) string {
	return fmt.Sprintf("stock-rolled-back:%d", orderID)
}

func OrderSequenceKey(day string) string {
	return "order-seq:" + day
}

// NextOrderNo allocates YYYYMMDD followed by a six digit daily sequence. The
// date is taken in KST.
func NextOrderNo(ctx context.Context, s Store, now time.Time) (string, error) {
	day := now.In(kst).Format("20060102")
	seq, err := s.Increment(ctx, OrderSequenceKey(day), sequenceTTL)
	if err != nil {
		return "", fmt.Errorf("allocate order number: %w", err)
	}
	return fmt.Sprintf("%s%06d", day, seq), nil
}

package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "github.com/boltdb/bolt"
)

const bucketName = "idempotency"

type boltEntry struct {
	Value     string `json:"value,omitempty"`
	Seq       int64  `json:"seq,omitempty"`
	ExpiresAt int64  `json:"expiresAt"` // unix nanos
}

// BoltStore is the embedded backend for single-node runs and tests. Bolt
// serializes writers, so check-then-act inside one Update is atomic.
type BoltStore struct {
	db      *bolt.DB
	nowFunc func() time.Time
}

func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	s := &BoltStore{db: db, nowFunc: time.Now}
	if err := s.PurgeExpired(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *BoltStore) load(b *bolt.Bucket, key string) (*boltEntry, error) {
	raw := b.Get([]byte(key))
	if raw == nil {
		return nil, nil
	}
	var e boltEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	if e.ExpiresAt < s.nowFunc().UnixNano() {
		return nil, nil
	}
	return &e, nil
}

func put(b *bolt.Bucket, key string, e *boltEntry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return b.Put([]byte(key), raw)
}

func (s *BoltStore) SetIfAbsent(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	created := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		existing, err := s.load(b, key)
		if err != nil || existing != nil {
			return err
		}
		created = true
		return put(b, key, &boltEntry{Value: value, ExpiresAt: s.nowFunc().Add(ttl).UnixNano()})
	})
	if err != nil {
		return false, err
	}
	return created, nil
}

func (s *BoltStore) Get(_ context.Context, key string) (string, bool, error) {
	var e *boltEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		e, err = s.load(tx.Bucket([]byte(bucketName)), key)
		return err
	})
	if err != nil || e == nil {
		return "", false, err
	}
	return e.Value, true, nil
}

func (s *BoltStore) Increment(_ context.Context, key string, ttl time.Duration) (int64, error) {
	var seq int64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		e, err := s.load(b, key)
		if err != nil {
			return err
		}
		if e == nil {
			e = &boltEntry{ExpiresAt: s.nowFunc().Add(ttl).UnixNano()}
		}
		e.Seq++
		seq = e.Seq
		return put(b, key, e)
	})
	return seq, err
}

func (s *BoltStore) Delete(_ context.Context, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketName)).Delete([]byte(key))
	})
}

// PurgeExpired drops dead entries so the file does not grow without bound.
func (s *BoltStore) PurgeExpired() error {
	now := s.nowFunc().UnixNano()
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		var dead [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var e boltEntry
			if json.Unmarshal(v, &e) != nil || e.ExpiresAt < now {
				dead = append(dead, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range dead {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

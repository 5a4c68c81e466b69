// Package idempotency provides a BoltDB-backed store for Idempotency-Key replay.
//
// All keys live in one bucket. A record is either pending (the first request
// is still running) or complete (it points at the created transaction).
// Records older than the TTL are treated as absent and overwritten.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "github.com/boltdb/bolt"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const bucketName = "idempotency_keys"

// ErrNotFound is returned when a key has no live record.
var ErrNotFound = errors.New("idempotency key not found")

// pendingTimeout bounds how long a crashed request can hold a key.
const pendingTimeout = time.Minute

// Store wraps a BoltDB database.
type Store struct {
	db  *bolt.DB
	ttl time.Duration
	now func() time.Time
}

// Open opens (or creates) the database at path and ensures the bucket exists.
func Open(path string, ttl time.Duration) (*Store, error) {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create idempotency directory: %w", err)
		}
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open idempotency store: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db, ttl: ttl, now: time.Now}, nil
}

// Close releases the database file lock.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) live(rec *domain.IdempotencyRecord, now time.Time) bool {
	age := now.Sub(rec.CreatedAt)
	if rec.Pending() {
		return age < pendingTimeout
	}
	return age < s.ttl
}

// Reserve writes a pending record unless a live one already exists.
func (s *Store) Reserve(_ context.Context, key string) (*domain.IdempotencyRecord, bool, error) {
	var result domain.IdempotencyRecord
	reserved := false

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		now := s.now().UTC()

		if existing := b.Get([]byte(key)); existing != nil {
			if err := json.Unmarshal(existing, &result); err != nil {
				return err
			}
			if s.live(&result, now) {
				return nil
			}
		}

		result = domain.IdempotencyRecord{CreatedAt: now}
		data, err := json.Marshal(result)
		if err != nil {
			return err
		}
		reserved = true
		return b.Put([]byte(key), data)
	})
	if err != nil {
		return nil, false, err
	}

	return &result, reserved, nil
}

// Complete attaches the created transaction to a reserved key.
// The TTL counts from completion.
func (s *Store) Complete(_ context.Context, key string, transactionID string) error {
	if transactionID == "" {
		return fmt.Errorf("transaction id is required")
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		data, err := json.Marshal(domain.IdempotencyRecord{
			TransactionID: transactionID,
			CreatedAt:     s.now().UTC(),
		})
		if err != nil {
			return err
		}
		return b.Put([]byte(key), data)
	})
}

// Release removes a pending reservation. Completed records are kept.
func (s *Store) Release(_ context.Context, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		v := b.Get([]byte(key))
		if v == nil {
			return nil
		}
		var rec domain.IdempotencyRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			return err
		}
		if !rec.Pending() {
			return nil
		}
		return b.Delete([]byte(key))
	})
}

// Get returns the live record for key.
func (s *Store) Get(_ context.Context, key string) (*domain.IdempotencyRecord, error) {
	var rec domain.IdempotencyRecord

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(bucketName)).Get([]byte(key))
		if v == nil {
			return ErrNotFound
		}
		return json.Unmarshal(v, &rec)
	})
	if err != nil {
		return nil, err
	}
	if !s.live(&rec, s.now()) {
		return nil, ErrNotFound
	}
	return &rec, nil
}

// Purge deletes every expired record and returns how many were removed.
func (s *Store) Purge(_ context.Context) (int, error) {
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		now := s.now()

		var stale [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var rec domain.IdempotencyRecord
			if err := json.Unmarshal(v, &rec); err != nil || !s.live(&rec, now) {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		removed = len(stale)
		return nil
	})
	return removed, err
}

// Key scopes a client-supplied key to one user.
func Key(userID, clientKey string) string {
	return userID + ":" + clientKey
}

var _ domain.IdempotencyStore = (*Store)(nil)

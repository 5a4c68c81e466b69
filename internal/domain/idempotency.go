package domain

import (
	"context"
	"time"
)

// IdempotencyRecord remembers the outcome of a keyed submission.
type IdempotencyRecord struct {
	// TransactionID is empty while the first request is still in flight.
	TransactionID string    `json:"transactionId,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Pending reports whether the original request has not completed yet.
func (r *IdempotencyRecord) Pending() bool {
	return r.TransactionID == ""
}

// IdempotencyStore deduplicates submissions carrying an Idempotency-Key.
type IdempotencyStore interface {
	// Reserve claims key for a new request. When the key is already known
	// the existing record is returned with reserved=false.
	Reserve(ctx context.Context, key string) (rec *IdempotencyRecord, reserved bool, err error)

	// Complete stores the transaction created for a reserved key.
	Complete(ctx context.Context, key string, transactionID string) error

	// Release drops a reservation whose request failed, so a retry can run.
	Release(ctx context.Context, key string) error

	Close() error
}

// Package history loads a user's recent transactions for the fraud classifier.
package history

import (
	"context"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/fraud"
)

// Source is the slice of the repository the history service reads from.
type Source interface {
	ListTransactionsByUser(ctx context.Context, userID string, since time.Time) ([]*domain.Transaction, error)
}

// Service fetches prior transactions.
type Service struct {
	source Source
	now    func() time.Time
}

// NewService creates a new history service.
func NewService(source Source) *Service {
	return NewServiceWithClock(source, time.Now)
}

// NewServiceWithClock creates a history service that measures windows from now().
// It should share the classifier's clock.
func NewServiceWithClock(source Source, now func() time.Time) *Service {
	return &Service{source: source, now: now}
}

// Recent returns the user's transactions with timestamp >= now - window.
// A non-positive window returns the full history.
func (s *Service) Recent(ctx context.Context, userID string, window time.Duration) ([]*domain.Transaction, error) {
	if userID == "" {
		return nil, fmt.Errorf("userID is required")
	}

	var since time.Time
	if window > 0 {
		since = s.now().Add(-window)
	}

	txs, err := s.source.ListTransactionsByUser(ctx, userID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to load transaction history: %w", err)
	}
	return txs, nil
}

// Priors returns the recent history in classifier form, covering the velocity window.
func (s *Service) Priors(ctx context.Context, userID string) ([]fraud.Prior, error) {
	txs, err := s.Recent(ctx, userID, fraud.VelocityWindow)
	if err != nil {
		return nil, err
	}
	return ToPriors(txs), nil
}

// ToPriors converts persisted transactions to classifier priors.
func ToPriors(txs []*domain.Transaction) []fraud.Prior {
	priors := make([]fraud.Prior, 0, len(txs))
	for _, tx := range txs {
		priors = append(priors, fraud.Prior{
			Location:  tx.Location,
			Timestamp: tx.Timestamp,
		})
	}
	return priors
}

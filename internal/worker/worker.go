// Package worker consumes transaction lifecycle events and records the review trail.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// EventStore persists review trail entries.
type EventStore interface {
	SaveEvent(ctx context.Context, event *domain.TransactionEvent) error
}

// Worker processes lifecycle events asynchronously from the EventBus.
type Worker struct {
	bus   domain.EventBus
	store EventStore

	subscriptions []domain.Subscription
	ctx           context.Context
	cancel        context.CancelFunc

	processed atomic.Int64
	failed    atomic.Int64
}

// NewWorker creates a new audit worker.
func NewWorker(bus domain.EventBus, store EventStore) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:    bus,
		store:  store,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start subscribes to every transaction lifecycle topic.
func (w *Worker) Start() error {
	for _, topic := range domain.TransactionTopics() {
		sub, err := w.bus.Subscribe(w.ctx, topic, w.handleMessage)
		if err != nil {
			w.unsubscribeAll()
			return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
		}
		w.subscriptions = append(w.subscriptions, sub)
	}

	slog.Info("audit worker started",
		"topics", len(w.subscriptions),
	)
	return nil
}

// handleMessage decodes a TransactionEvent and stores it.
func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	var event domain.TransactionEvent
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		w.failed.Add(1)
		return fmt.Errorf("failed to parse transaction event %s: %w", msg.ID, err)
	}

	if err := w.store.SaveEvent(ctx, &event); err != nil {
		w.failed.Add(1)
		return fmt.Errorf("failed to save transaction event %s: %w", event.ID, err)
	}

	w.processed.Add(1)
	slog.Debug("transaction event recorded",
		"event_id", event.ID,
		"tx_id", event.TransactionID,
		"kind", event.Kind,
		"status", event.Status,
		"trace_id", msg.Metadata["trace_id"],
	)
	return nil
}

// Stop unsubscribes from all topics and cancels in-flight handlers.
// Close the bus first to let buffered events drain.
func (w *Worker) Stop() error {
	w.unsubscribeAll()
	w.cancel()
	slog.Info("audit worker stopped",
		"processed", w.processed.Load(),
		"failed", w.failed.Load(),
	)
	return nil
}

func (w *Worker) unsubscribeAll() {
	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
	Processed         int64    `json:"processed"`
	Failed            int64    `json:"failed"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
		Processed:         w.processed.Load(),
		Failed:            w.failed.Load(),
	}
}

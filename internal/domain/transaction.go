package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status is the review status of a transaction.
type Status string

const (
	// StatusPending is the classifier's verdict for transactions that raised no signal.
	StatusPending Status = "pending"

	// StatusFlagged marks a transaction as suspicious. Set by the classifier or an administrator.
	StatusFlagged Status = "flagged"

	// StatusApproved is only ever assigned by an administrator.
	StatusApproved Status = "approved"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusFlagged, StatusApproved:
		return true
	}
	return false
}

// ReasonAdminOverride replaces the classifier reason once an administrator sets the status.
const ReasonAdminOverride = "admin_override"

// Transaction is a user-submitted financial transaction.
type Transaction struct {
	ID          string          `json:"id"`
	UserID      string          `json:"userId"`
	Amount      decimal.Decimal `json:"amount"`
	Location    string          `json:"location"`
	Description string          `json:"description,omitempty"`

	// Status is assigned once by the classifier at creation.
	// Afterwards only administrators change it.
	Status Status `json:"status"`
	Reason string `json:"reason"`

	Timestamp time.Time `json:"timestamp"`
	CreatedAt time.Time `json:"createdAt"`
}

// TransactionStats summarises a set of transactions for the dashboards.
type TransactionStats struct {
	Total          int             `json:"total"`
	Pending        int             `json:"pending"`
	Approved       int             `json:"approved"`
	Flagged        int             `json:"flagged"`
	ApprovedAmount decimal.Decimal `json:"approvedAmount"`
}

// Summarize computes dashboard statistics over txs.
func Summarize(txs []*Transaction) TransactionStats {
	stats := TransactionStats{ApprovedAmount: decimal.Zero}
	for _, tx := range txs {
		stats.Total++
		switch tx.Status {
		case StatusPending:
			stats.Pending++
		case StatusFlagged:
			stats.Flagged++
		case StatusApproved:
			stats.Approved++
			stats.ApprovedAmount = stats.ApprovedAmount.Add(tx.Amount)
		}
	}
	return stats
}

// EventKind identifies a step in a transaction's review trail.
type EventKind string

const (
	EventCreated       EventKind = "created"
	EventStatusChanged EventKind = "status_changed"
	EventDeleted       EventKind = "deleted"
)

// TransactionEvent is one entry of the review trail.
type TransactionEvent struct {
	ID            string    `json:"id"`
	TransactionID string    `json:"transactionId"`
	UserID        string    `json:"userId"`
	ActorID       string    `json:"actorId"`
	Kind          EventKind `json:"kind"`
	Status        Status    `json:"status"`
	Reason        string    `json:"reason,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

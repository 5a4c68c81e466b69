package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/filter"
	"github.com/opensource-finance/kestrel/internal/fraud"
	"github.com/opensource-finance/kestrel/internal/idempotency"
	"github.com/opensource-finance/kestrel/internal/repository"
)

// Limits for submitted transactions. Amounts fit NUMERIC(10,2).
var maxAmount = decimal.NewFromInt(100000000)

const (
	minLocationLen    = 2
	maxLocationLen    = 255
	maxDescriptionLen = 1000
	maxIdempotencyKey = 255
)

// TransactionRequest is the request body for POST /api/transactions.
// Amount accepts a JSON number or a decimal string.
type TransactionRequest struct {
	Amount      decimal.Decimal `json:"amount"`
	Location    string          `json:"location"`
	Description string          `json:"description,omitempty"`
}

// StatusRequest is the request body for PATCH /api/transactions/{id}/status.
type StatusRequest struct {
	Status domain.Status `json:"status"`
}

func (req *TransactionRequest) normalize() error {
	if !req.Amount.IsPositive() {
		return errors.New("amount must be a positive number")
	}
	if !req.Amount.Equal(req.Amount.Round(2)) {
		return errors.New("amount must have at most two decimal places")
	}
	if req.Amount.GreaterThanOrEqual(maxAmount) {
		return errors.New("amount is too large")
	}

	req.Location = strings.TrimSpace(req.Location)
	if n := utf8.RuneCountInString(req.Location); n < minLocationLen || n > maxLocationLen {
		return errors.New("location is required")
	}

	req.Description = strings.TrimSpace(req.Description)
	if utf8.RuneCountInString(req.Description) > maxDescriptionLen {
		return errors.New("description is too long")
	}
	return nil
}

// ListTransactions handles GET /api/transactions requests.
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	txs, err := h.history.Recent(r.Context(), principal(r).UserID, 0)
	if err != nil {
		internalError(w, r, "failed to fetch transactions", err)
		return
	}
	writeJSON(w, http.StatusOK, txs)
}

// TransactionStats handles GET /api/transactions/stats requests.
func (h *Handler) TransactionStats(w http.ResponseWriter, r *http.Request) {
	txs, err := h.history.Recent(r.Context(), principal(r).UserID, 0)
	if err != nil {
		internalError(w, r, "failed to fetch transactions", err)
		return
	}
	writeJSON(w, http.StatusOK, domain.Summarize(txs))
}

// CreateTransaction handles POST /api/transactions requests.
// The classifier assigns the initial status from the amount, the location,
// the owner's country and the owner's recent history.
func (h *Handler) CreateTransaction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := principal(r).UserID

	var req TransactionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	if err := req.normalize(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	idemKey := strings.TrimSpace(r.Header.Get(IdempotencyKeyHeader))
	if len(idemKey) > maxIdempotencyKey {
		writeError(w, http.StatusBadRequest, "Idempotency-Key is too long")
		return
	}
	if h.idempotency != nil && idemKey != "" {
		key := idempotency.Key(userID, idemKey)
		rec, reserved, err := h.idempotency.Reserve(ctx, key)
		if err != nil {
			internalError(w, r, "failed to create transaction", err)
			return
		}
		if !reserved {
			h.replay(w, r, rec)
			return
		}

		completed := false
		defer func() {
			if completed {
				return
			}
			if err := h.idempotency.Release(context.WithoutCancel(ctx), key); err != nil {
				slog.Warn("failed to release idempotency key", "user_id", userID, "error", err)
			}
		}()

		tx, ok := h.submit(w, r, userID, &req)
		if !ok {
			return
		}
		if err := h.idempotency.Complete(ctx, key, tx.ID); err != nil {
			slog.Warn("failed to store idempotency key", "tx_id", tx.ID, "error", err)
		}
		completed = true
		writeJSON(w, http.StatusCreated, tx)
		return
	}

	if tx, ok := h.submit(w, r, userID, &req); ok {
		writeJSON(w, http.StatusCreated, tx)
	}
}

// submit classifies and stores a transaction. On failure it has already
// written the error response.
func (h *Handler) submit(w http.ResponseWriter, r *http.Request, userID string, req *TransactionRequest) (*domain.Transaction, bool) {
	ctx := r.Context()

	user, err := h.repo.GetUser(ctx, userID)
	if errors.Is(err, repository.ErrNotFound) {
		writeError(w, http.StatusNotFound, "user not found")
		return nil, false
	}
	if err != nil {
		internalError(w, r, "failed to create transaction", err)
		return nil, false
	}

	priors, err := h.history.Priors(ctx, userID)
	if err != nil {
		internalError(w, r, "failed to create transaction", err)
		return nil, false
	}

	decision, err := h.classifier.Classify(fraud.Input{
		Amount:      req.Amount,
		Location:    req.Location,
		UserCountry: user.Country,
		History:     priors,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}

	now := h.now().UTC()
	tx := &domain.Transaction{
		ID:          uuid.New().String(),
		UserID:      userID,
		Amount:      req.Amount,
		Location:    req.Location,
		Description: req.Description,
		Status:      decision.Status,
		Reason:      decision.Reason,
		Timestamp:   now,
		CreatedAt:   now,
	}

	if err := h.repo.CreateTransaction(ctx, tx); err != nil {
		internalError(w, r, "failed to create transaction", err)
		return nil, false
	}

	slog.Info("transaction classified",
		"tx_id", tx.ID,
		"user_id", userID,
		"status", tx.Status,
		"reason", tx.Reason,
		"history_size", len(priors),
		"trace_id", GetTraceID(ctx),
	)

	h.publish(ctx, tx, domain.EventCreated, userID)
	return tx, true
}

// replay answers a repeated Idempotency-Key with the stored transaction.
func (h *Handler) replay(w http.ResponseWriter, r *http.Request, rec *domain.IdempotencyRecord) {
	if rec.Pending() {
		writeError(w, http.StatusConflict, "a request with this Idempotency-Key is still in progress")
		return
	}

	tx, err := h.repo.GetTransaction(r.Context(), rec.TransactionID)
	if errors.Is(err, repository.ErrNotFound) {
		writeError(w, http.StatusConflict, "the transaction for this Idempotency-Key no longer exists")
		return
	}
	if err != nil {
		internalError(w, r, "failed to fetch transaction", err)
		return
	}

	w.Header().Set(IdempotentReplayHeader, "true")
	writeJSON(w, http.StatusOK, tx)
}

// ListAllTransactions handles GET /api/transactions/all requests.
// An optional "filter" query parameter narrows the result with a CEL expression.
func (h *Handler) ListAllTransactions(w http.ResponseWriter, r *http.Request) {
	txs, ok := h.filteredTransactions(w, r)
	if ok {
		writeJSON(w, http.StatusOK, txs)
	}
}

// AllTransactionStats handles GET /api/transactions/all/stats requests.
func (h *Handler) AllTransactionStats(w http.ResponseWriter, r *http.Request) {
	txs, ok := h.filteredTransactions(w, r)
	if ok {
		writeJSON(w, http.StatusOK, domain.Summarize(txs))
	}
}

func (h *Handler) filteredTransactions(w http.ResponseWriter, r *http.Request) ([]*domain.Transaction, bool) {
	var prog *filter.Program
	if expr := r.URL.Query().Get("filter"); expr != "" {
		var err error
		prog, err = h.filters.Compile(expr)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return nil, false
		}
	}

	txs, err := h.repo.ListTransactions(r.Context())
	if err != nil {
		internalError(w, r, "failed to fetch transactions", err)
		return nil, false
	}
	if prog == nil {
		return txs, true
	}

	txs, err = prog.Apply(txs, h.now())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}
	return txs, true
}

// ListTransactionEvents handles GET /api/transactions/{id}/events requests.
func (h *Handler) ListTransactionEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.repo.ListEvents(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		internalError(w, r, "failed to fetch events", err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// UpdateTransactionStatus handles PATCH /api/transactions/{id}/status requests.
// The status is set as given; the classifier is not consulted.
func (h *Handler) UpdateTransactionStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	var req StatusRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	if !req.Status.Valid() {
		writeError(w, http.StatusBadRequest, "status must be one of pending, approved, flagged")
		return
	}

	tx, err := h.repo.UpdateTransactionStatus(ctx, id, req.Status)
	if errors.Is(err, repository.ErrNotFound) {
		writeError(w, http.StatusNotFound, "transaction not found")
		return
	}
	if err != nil {
		internalError(w, r, "failed to update transaction", err)
		return
	}

	actor := principal(r).UserID
	slog.Info("transaction status updated",
		"tx_id", tx.ID,
		"status", tx.Status,
		"actor_id", actor,
	)

	h.publish(ctx, tx, domain.EventStatusChanged, actor)
	writeJSON(w, http.StatusOK, tx)
}

// DeleteTransaction handles DELETE /api/transactions/{id} requests.
func (h *Handler) DeleteTransaction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	tx, err := h.repo.GetTransaction(ctx, id)
	if err == nil {
		err = h.repo.DeleteTransaction(ctx, id)
	}
	if errors.Is(err, repository.ErrNotFound) {
		writeError(w, http.StatusNotFound, "transaction not found")
		return
	}
	if err != nil {
		internalError(w, r, "failed to delete transaction", err)
		return
	}

	actor := principal(r).UserID
	slog.Info("transaction deleted",
		"tx_id", tx.ID,
		"actor_id", actor,
	)

	h.publish(ctx, tx, domain.EventDeleted, actor)
	writeJSON(w, http.StatusOK, map[string]string{"message": "Transaction deleted successfully"})
}

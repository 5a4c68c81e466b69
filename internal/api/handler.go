package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/auth"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/filter"
	"github.com/opensource-finance/kestrel/internal/fraud"
	"github.com/opensource-finance/kestrel/internal/history"
)

// Config holds the settings the API reads.
type Config struct {
	Server  domain.ServerConfig
	Session domain.SessionConfig
	Version string
}

// Dependencies are the services the API is wired to.
type Dependencies struct {
	Repo  domain.Repository
	Cache domain.Cache
	Bus   domain.EventBus

	// Idempotency is optional. Without it the Idempotency-Key header is ignored.
	Idempotency domain.IdempotencyStore

	// Now overrides the clock used for classification and timestamps.
	Now func() time.Time
}

// Handler holds dependencies for API handlers.
type Handler struct {
	repo        domain.Repository
	cache       domain.Cache
	bus         domain.EventBus
	idempotency domain.IdempotencyStore

	sessions   *auth.Sessions
	throttle   *auth.Throttle
	history    *history.Service
	classifier *fraud.Classifier
	filters    *filter.Engine

	session domain.SessionConfig
	version string
	now     func() time.Time
}

// NewHandler creates a new API handler.
func NewHandler(cfg Config, deps Dependencies) (*Handler, error) {
	if deps.Repo == nil || deps.Cache == nil || deps.Bus == nil {
		return nil, errors.New("repository, cache and event bus are required")
	}

	filters, err := filter.NewEngine()
	if err != nil {
		return nil, fmt.Errorf("failed to create filter engine: %w", err)
	}

	now := deps.Now
	if now == nil {
		now = time.Now
	}

	if cfg.Session.CookieName == "" {
		cfg.Session.CookieName = domain.DefaultConfig().Session.CookieName
	}

	return &Handler{
		repo:        deps.Repo,
		cache:       deps.Cache,
		bus:         deps.Bus,
		idempotency: deps.Idempotency,
		sessions:    auth.NewSessions(deps.Cache, cfg.Session.TTL),
		throttle:    auth.NewThrottle(deps.Cache, cfg.Session.MaxLoginAttempts, cfg.Session.LoginWindow),
		history:     history.NewServiceWithClock(deps.Repo, now),
		classifier:  fraud.NewWithClock(now),
		filters:     filters,
		session:     cfg.Session,
		version:     cfg.Version,
		now:         now,
	}, nil
}

// Health handles GET /health requests.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if err := h.repo.Ping(r.Context()); err != nil {
		slog.Warn("repository health check failed", "error", err)
		status = "degraded"
	}
	if err := h.cache.Ping(r.Context()); err != nil {
		slog.Warn("cache health check failed", "error", err)
		status = "degraded"
	}
	if err := h.bus.Ping(r.Context()); err != nil {
		slog.Warn("event bus health check failed", "error", err)
		status = "degraded"
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready handles GET /ready requests.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if err := h.repo.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"ready": "false",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// publish emits a lifecycle event. Failures are logged and never fail the request.
func (h *Handler) publish(ctx context.Context, tx *domain.Transaction, kind domain.EventKind, actorID string) {
	event := &domain.TransactionEvent{
		ID:            uuid.New().String(),
		TransactionID: tx.ID,
		UserID:        tx.UserID,
		ActorID:       actorID,
		Kind:          kind,
		Status:        tx.Status,
		Reason:        tx.Reason,
		CreatedAt:     h.now().UTC(),
	}

	payload, err := json.Marshal(event)
	if err != nil {
		slog.Error("failed to encode transaction event", "tx_id", tx.ID, "error", err)
		return
	}

	topic := domain.TopicFor(kind)
	if err := h.bus.Publish(ctx, topic, payload); err != nil {
		slog.Error("failed to publish transaction event",
			"topic", topic,
			"tx_id", tx.ID,
			"trace_id", GetTraceID(ctx),
			"error", err,
		)
	}
}

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// decodeJSON reads a JSON request body.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// internalError logs err and answers 500 without leaking it.
func internalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	slog.Error(msg,
		"error", err,
		"path", r.URL.Path,
		"trace_id", GetTraceID(r.Context()),
	)
	writeError(w, http.StatusInternalServerError, msg)
}

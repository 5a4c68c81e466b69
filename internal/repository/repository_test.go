package repository

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func newTestRepo(t *testing.T) *SQLRepository {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "kestrel-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	t.Cleanup(func() {
		os.Remove(tmpPath)
		os.Remove(tmpPath + "-wal")
		os.Remove(tmpPath + "-shm")
	})

	repo, err := New(domain.RepositoryConfig{Driver: "sqlite", SQLitePath: tmpPath})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func TestSQLiteRepositoryUsers(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	user := &domain.User{
		ID:           "user-001",
		Email:        "ana@example.com",
		PasswordHash: "$2a$10$hash",
		Username:     "ana",
		FullName:     "Ana Lima",
		Country:      "Brazil",
		Role:         domain.RoleUser,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	t.Run("Ping", func(t *testing.T) {
		if err := repo.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})

	t.Run("CreateAndGetUser", func(t *testing.T) {
		if err := repo.CreateUser(ctx, user); err != nil {
			t.Fatalf("CreateUser failed: %v", err)
		}

		got, err := repo.GetUser(ctx, user.ID)
		if err != nil {
			t.Fatalf("GetUser failed: %v", err)
		}
		if got.Email != user.Email || got.Country != "Brazil" || got.Role != domain.RoleUser {
			t.Errorf("unexpected user: %+v", got)
		}
		if got.PasswordHash != user.PasswordHash {
			t.Errorf("password hash not persisted")
		}

		byEmail, err := repo.GetUserByEmail(ctx, "ana@example.com")
		if err != nil {
			t.Fatalf("GetUserByEmail failed: %v", err)
		}
		if byEmail.ID != user.ID {
			t.Errorf("expected ID %s, got %s", user.ID, byEmail.ID)
		}
	})

	t.Run("DuplicateEmail", func(t *testing.T) {
		dup := *user
		dup.ID = "user-002"
		err := repo.CreateUser(ctx, &dup)
		if !errors.Is(err, ErrConflict) {
			t.Errorf("expected ErrConflict, got: %v", err)
		}
	})

	t.Run("UpdateUser", func(t *testing.T) {
		user.Country = "Portugal"
		user.Role = domain.RoleAdmin
		user.UpdatedAt = now.Add(time.Minute)
		if err := repo.UpdateUser(ctx, user); err != nil {
			t.Fatalf("UpdateUser failed: %v", err)
		}

		got, err := repo.GetUser(ctx, user.ID)
		if err != nil {
			t.Fatalf("GetUser failed: %v", err)
		}
		if got.Country != "Portugal" || !got.IsAdmin() {
			t.Errorf("update not applied: %+v", got)
		}
	})

	t.Run("CountUsers", func(t *testing.T) {
		n, err := repo.CountUsers(ctx)
		if err != nil {
			t.Fatalf("CountUsers failed: %v", err)
		}
		if n != 1 {
			t.Errorf("expected 1 user, got %d", n)
		}
	})

	t.Run("NotFound", func(t *testing.T) {
		if _, err := repo.GetUser(ctx, "nobody"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got: %v", err)
		}
		if err := repo.UpdateUser(ctx, &domain.User{ID: "nobody"}); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got: %v", err)
		}
	})

	t.Run("InvalidInput", func(t *testing.T) {
		if _, err := repo.GetUser(ctx, ""); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got: %v", err)
		}
		if err := repo.CreateUser(ctx, &domain.User{}); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got: %v", err)
		}
	})
}

func TestSQLiteRepositoryTransactions(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	now := time.Now().UTC()

	newTx := func(id, userID string, amount string, age time.Duration) *domain.Transaction {
		return &domain.Transaction{
			ID:        id,
			UserID:    userID,
			Amount:    decimal.RequireFromString(amount),
			Location:  "Lisbon, Portugal",
			Status:    domain.StatusPending,
			Reason:    "home_country",
			Timestamp: now.Add(-age),
			CreatedAt: now.Add(-age),
		}
	}

	txs := []*domain.Transaction{
		newTx("tx-001", "user-a", "10.50", 3*time.Hour),
		newTx("tx-002", "user-a", "99999999.99", 30*time.Minute),
		newTx("tx-003", "user-a", "0.01", 5*time.Minute),
		newTx("tx-004", "user-b", "250", time.Minute),
	}

	t.Run("CreateAndGetTransaction", func(t *testing.T) {
		for _, tx := range txs {
			if err := repo.CreateTransaction(ctx, tx); err != nil {
				t.Fatalf("CreateTransaction %s failed: %v", tx.ID, err)
			}
		}

		got, err := repo.GetTransaction(ctx, "tx-001")
		if err != nil {
			t.Fatalf("GetTransaction failed: %v", err)
		}
		if !got.Amount.Equal(decimal.RequireFromString("10.50")) {
			t.Errorf("expected amount 10.50, got %s", got.Amount)
		}
		if got.Location != "Lisbon, Portugal" || got.Status != domain.StatusPending {
			t.Errorf("unexpected transaction: %+v", got)
		}
		if got.Timestamp.Sub(txs[0].Timestamp).Abs() > time.Millisecond {
			t.Errorf("timestamp drifted: %v vs %v", got.Timestamp, txs[0].Timestamp)
		}

		big, err := repo.GetTransaction(ctx, "tx-002")
		if err != nil {
			t.Fatalf("GetTransaction failed: %v", err)
		}
		if !big.Amount.Equal(decimal.RequireFromString("99999999.99")) {
			t.Errorf("expected amount 99999999.99, got %s", big.Amount)
		}
	})

	t.Run("DuplicateID", func(t *testing.T) {
		if err := repo.CreateTransaction(ctx, txs[0]); !errors.Is(err, ErrConflict) {
			t.Errorf("expected ErrConflict, got: %v", err)
		}
	})

	t.Run("ListByUserNewestFirst", func(t *testing.T) {
		list, err := repo.ListTransactionsByUser(ctx, "user-a", time.Time{})
		if err != nil {
			t.Fatalf("ListTransactionsByUser failed: %v", err)
		}
		if len(list) != 3 {
			t.Fatalf("expected 3 transactions, got %d", len(list))
		}
		if list[0].ID != "tx-003" || list[2].ID != "tx-001" {
			t.Errorf("unexpected order: %s, %s, %s", list[0].ID, list[1].ID, list[2].ID)
		}
	})

	t.Run("ListByUserSince", func(t *testing.T) {
		list, err := repo.ListTransactionsByUser(ctx, "user-a", now.Add(-time.Hour))
		if err != nil {
			t.Fatalf("ListTransactionsByUser failed: %v", err)
		}
		if len(list) != 2 {
			t.Errorf("expected 2 transactions inside the hour, got %d", len(list))
		}
	})

	t.Run("ListByUserEmpty", func(t *testing.T) {
		list, err := repo.ListTransactionsByUser(ctx, "user-z", time.Time{})
		if err != nil {
			t.Fatalf("ListTransactionsByUser failed: %v", err)
		}
		if list == nil || len(list) != 0 {
			t.Errorf("expected empty non-nil slice, got %v", list)
		}
	})

	t.Run("ListAll", func(t *testing.T) {
		list, err := repo.ListTransactions(ctx)
		if err != nil {
			t.Fatalf("ListTransactions failed: %v", err)
		}
		if len(list) != 4 {
			t.Fatalf("expected 4 transactions, got %d", len(list))
		}
		if list[0].ID != "tx-004" {
			t.Errorf("expected newest tx-004 first, got %s", list[0].ID)
		}
	})

	t.Run("UpdateStatus", func(t *testing.T) {
		got, err := repo.UpdateTransactionStatus(ctx, "tx-001", domain.StatusApproved)
		if err != nil {
			t.Fatalf("UpdateTransactionStatus failed: %v", err)
		}
		if got.Status != domain.StatusApproved {
			t.Errorf("expected approved, got %s", got.Status)
		}
		if got.Reason != domain.ReasonAdminOverride {
			t.Errorf("expected reason %s, got %s", domain.ReasonAdminOverride, got.Reason)
		}

		if _, err := repo.UpdateTransactionStatus(ctx, "tx-404", domain.StatusFlagged); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got: %v", err)
		}
		if _, err := repo.UpdateTransactionStatus(ctx, "tx-001", "rejected"); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got: %v", err)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		if err := repo.DeleteTransaction(ctx, "tx-004"); err != nil {
			t.Fatalf("DeleteTransaction failed: %v", err)
		}
		if _, err := repo.GetTransaction(ctx, "tx-004"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound after delete, got: %v", err)
		}
		if err := repo.DeleteTransaction(ctx, "tx-004"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound on second delete, got: %v", err)
		}
	})
}

func TestSQLiteRepositoryEvents(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	now := time.Now().UTC()

	events := []*domain.TransactionEvent{
		{ID: "ev-1", TransactionID: "tx-1", UserID: "u", ActorID: "u", Kind: domain.EventCreated, Status: domain.StatusFlagged, Reason: "high_value", CreatedAt: now},
		{ID: "ev-2", TransactionID: "tx-1", UserID: "u", ActorID: "admin", Kind: domain.EventStatusChanged, Status: domain.StatusApproved, Reason: domain.ReasonAdminOverride, CreatedAt: now.Add(time.Second)},
		{ID: "ev-3", TransactionID: "tx-2", UserID: "u", ActorID: "u", Kind: domain.EventCreated, Status: domain.StatusPending, CreatedAt: now},
	}
	for _, e := range events {
		if err := repo.SaveEvent(ctx, e); err != nil {
			t.Fatalf("SaveEvent %s failed: %v", e.ID, err)
		}
	}

	// Redelivery is ignored.
	if err := repo.SaveEvent(ctx, events[0]); err != nil {
		t.Fatalf("SaveEvent redelivery failed: %v", err)
	}

	trail, err := repo.ListEvents(ctx, "tx-1")
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	if len(trail) != 2 {
		t.Fatalf("expected 2 events, got %d", len(trail))
	}
	if trail[0].Kind != domain.EventCreated || trail[1].Kind != domain.EventStatusChanged {
		t.Errorf("unexpected order: %s, %s", trail[0].Kind, trail[1].Kind)
	}
	if trail[1].ActorID != "admin" {
		t.Errorf("expected actor admin, got %s", trail[1].ActorID)
	}
}

func TestUnsupportedDriver(t *testing.T) {
	cfg := domain.RepositoryConfig{
		Driver: "mysql",
	}

	_, err := New(cfg)
	if err == nil {
		t.Error("expected error for unsupported driver")
	}
}

func TestRebind(t *testing.T) {
	repo := &SQLRepository{driver: "postgres"}

	tests := []struct {
		input    string
		expected string
	}{
		{"SELECT * FROM t WHERE id = ?", "SELECT * FROM t WHERE id = $1"},
		{"INSERT INTO t (a, b) VALUES (?, ?)", "INSERT INTO t (a, b) VALUES ($1, $2)"},
		{"SELECT * FROM t", "SELECT * FROM t"},
	}

	for _, tt := range tests {
		result := repo.rebind(tt.input)
		if result != tt.expected {
			t.Errorf("rebind(%q) = %q, want %q", tt.input, result, tt.expected)
		}
	}

	sqlite := &SQLRepository{driver: "sqlite"}
	if got := sqlite.rebind("a = ?"); got != "a = ?" {
		t.Errorf("sqlite rebind changed query: %q", got)
	}
}

func TestPostgresDSN(t *testing.T) {
	dsn := postgresDSN(domain.RepositoryConfig{PostgresUser: "kestrel", PostgresPassword: "pw"})
	for _, part := range []string{"host=localhost", "port=5432", "dbname=kestrel", "sslmode=disable", "user=kestrel"} {
		if !strings.Contains(dsn, part) {
			t.Errorf("dsn %q missing %q", dsn, part)
		}
	}
}

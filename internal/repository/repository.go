// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrConflict     = errors.New("record already exists")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration and bootstraps the schema.
func New(cfg domain.RepositoryConfig) (*SQLRepository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	if err := repo.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

// Migrate applies every schema statement. Statements are idempotent.
func (r *SQLRepository) Migrate(ctx context.Context) error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.ExecContext(ctx, schema); err != nil {
			return err
		}
	}
	return nil
}

const userColumns = `id, email, password_hash, username, full_name, country, phone_number, role, created_at, updated_at`

// CreateUser inserts a new user. A duplicate email returns ErrConflict.
func (r *SQLRepository) CreateUser(ctx context.Context, user *domain.User) error {
	if user.ID == "" || user.Email == "" {
		return fmt.Errorf("%w: user id and email are required", ErrInvalidInput)
	}

	query := `INSERT INTO users (` + userColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		user.ID, user.Email, user.PasswordHash, user.Username,
		user.FullName, user.Country, user.PhoneNumber, string(user.Role),
		user.CreatedAt.UTC(), user.UpdatedAt.UTC(),
	)
	if r.isUniqueViolation(err) {
		return fmt.Errorf("%w: email %s", ErrConflict, user.Email)
	}
	return err
}

// GetUser retrieves a user by ID.
func (r *SQLRepository) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: userID is required", ErrInvalidInput)
	}
	query := `SELECT ` + userColumns + ` FROM users WHERE id = ?`
	return r.scanUser(r.db.QueryRowContext(ctx, r.rebind(query), userID))
}

// GetUserByEmail retrieves a user by email address.
func (r *SQLRepository) GetUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	if email == "" {
		return nil, fmt.Errorf("%w: email is required", ErrInvalidInput)
	}
	query := `SELECT ` + userColumns + ` FROM users WHERE email = ?`
	return r.scanUser(r.db.QueryRowContext(ctx, r.rebind(query), email))
}

// UpdateUser overwrites the mutable profile fields, password hash and role.
func (r *SQLRepository) UpdateUser(ctx context.Context, user *domain.User) error {
	if user.ID == "" {
		return fmt.Errorf("%w: userID is required", ErrInvalidInput)
	}

	query := `
		UPDATE users
		SET password_hash = ?, username = ?, full_name = ?, country = ?,
		    phone_number = ?, role = ?, updated_at = ?
		WHERE id = ?
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query),
		user.PasswordHash, user.Username, user.FullName, user.Country,
		user.PhoneNumber, string(user.Role), user.UpdatedAt.UTC(),
		user.ID,
	)
	if err != nil {
		return err
	}
	return expectAffected(result)
}

// CountUsers returns the number of registered users.
func (r *SQLRepository) CountUsers(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&n)
	return n, err
}

func (r *SQLRepository) scanUser(row *sql.Row) (*domain.User, error) {
	var u domain.User
	var role string

	err := row.Scan(
		&u.ID, &u.Email, &u.PasswordHash, &u.Username,
		&u.FullName, &u.Country, &u.PhoneNumber, &role,
		&u.CreatedAt, &u.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	u.Role = domain.Role(role)
	return &u, nil
}

const transactionColumns = `id, user_id, amount, location, description, status, reason, timestamp, created_at`

// CreateTransaction stores a classified transaction.
func (r *SQLRepository) CreateTransaction(ctx context.Context, tx *domain.Transaction) error {
	if tx.ID == "" || tx.UserID == "" {
		return fmt.Errorf("%w: transaction id and userID are required", ErrInvalidInput)
	}

	query := `INSERT INTO transactions (` + transactionColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		tx.ID, tx.UserID, tx.Amount, tx.Location, tx.Description,
		string(tx.Status), tx.Reason,
		tx.Timestamp.UTC(), tx.CreatedAt.UTC(),
	)
	if r.isUniqueViolation(err) {
		return fmt.Errorf("%w: transaction %s", ErrConflict, tx.ID)
	}
	return err
}

// GetTransaction retrieves a transaction by ID.
func (r *SQLRepository) GetTransaction(ctx context.Context, txID string) (*domain.Transaction, error) {
	if txID == "" {
		return nil, fmt.Errorf("%w: transaction id is required", ErrInvalidInput)
	}

	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE id = ?`

	tx, err := scanTransaction(r.db.QueryRowContext(ctx, r.rebind(query), txID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return tx, err
}

// ListTransactionsByUser retrieves a user's transactions with timestamp >= since, newest first.
func (r *SQLRepository) ListTransactionsByUser(ctx context.Context, userID string, since time.Time) ([]*domain.Transaction, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: userID is required", ErrInvalidInput)
	}

	if since.IsZero() {
		query := `SELECT ` + transactionColumns + ` FROM transactions WHERE user_id = ? ORDER BY timestamp DESC`
		return r.queryTransactions(ctx, query, userID)
	}

	query := `
		SELECT ` + transactionColumns + `
		FROM transactions
		WHERE user_id = ? AND timestamp >= ?
		ORDER BY timestamp DESC
	`
	return r.queryTransactions(ctx, query, userID, since.UTC())
}

// ListTransactions retrieves every transaction, newest first.
func (r *SQLRepository) ListTransactions(ctx context.Context) ([]*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions ORDER BY timestamp DESC`
	return r.queryTransactions(ctx, query)
}

// UpdateTransactionStatus sets a reviewed status and returns the updated row.
// The classifier reason is replaced with domain.ReasonAdminOverride.
func (r *SQLRepository) UpdateTransactionStatus(ctx context.Context, txID string, status domain.Status) (*domain.Transaction, error) {
	if txID == "" {
		return nil, fmt.Errorf("%w: transaction id is required", ErrInvalidInput)
	}
	if !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, status)
	}

	query := `UPDATE transactions SET status = ?, reason = ? WHERE id = ?`

	result, err := r.db.ExecContext(ctx, r.rebind(query), string(status), domain.ReasonAdminOverride, txID)
	if err != nil {
		return nil, err
	}
	if err := expectAffected(result); err != nil {
		return nil, err
	}

	return r.GetTransaction(ctx, txID)
}

// DeleteTransaction permanently removes a transaction.
func (r *SQLRepository) DeleteTransaction(ctx context.Context, txID string) error {
	if txID == "" {
		return fmt.Errorf("%w: transaction id is required", ErrInvalidInput)
	}

	result, err := r.db.ExecContext(ctx, r.rebind(`DELETE FROM transactions WHERE id = ?`), txID)
	if err != nil {
		return err
	}
	return expectAffected(result)
}

func (r *SQLRepository) queryTransactions(ctx context.Context, query string, args ...any) ([]*domain.Transaction, error) {
	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	transactions := []*domain.Transaction{}
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, tx)
	}

	return transactions, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*domain.Transaction, error) {
	var tx domain.Transaction
	var status string

	if err := row.Scan(
		&tx.ID, &tx.UserID, &tx.Amount, &tx.Location, &tx.Description,
		&status, &tx.Reason,
		&tx.Timestamp, &tx.CreatedAt,
	); err != nil {
		return nil, err
	}

	tx.Status = domain.Status(status)
	tx.Timestamp = tx.Timestamp.UTC()
	tx.CreatedAt = tx.CreatedAt.UTC()
	return &tx, nil
}

// SaveEvent appends an entry to the review trail.
// Saving an event with an existing ID is a no-op, so redelivered messages are harmless.
func (r *SQLRepository) SaveEvent(ctx context.Context, event *domain.TransactionEvent) error {
	if event.ID == "" || event.TransactionID == "" {
		return fmt.Errorf("%w: event id and transaction id are required", ErrInvalidInput)
	}

	query := `
		INSERT INTO transaction_events (
			id, transaction_id, user_id, actor_id, kind, status, reason, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		event.ID, event.TransactionID, event.UserID, event.ActorID,
		string(event.Kind), string(event.Status), event.Reason,
		event.CreatedAt.UTC(),
	)
	return err
}

// ListEvents returns a transaction's review trail, oldest first.
func (r *SQLRepository) ListEvents(ctx context.Context, txID string) ([]*domain.TransactionEvent, error) {
	if txID == "" {
		return nil, fmt.Errorf("%w: transaction id is required", ErrInvalidInput)
	}

	query := `
		SELECT id, transaction_id, user_id, actor_id, kind, status, reason, created_at
		FROM transaction_events
		WHERE transaction_id = ?
		ORDER BY created_at ASC
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), txID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := []*domain.TransactionEvent{}
	for rows.Next() {
		var e domain.TransactionEvent
		var kind, status string

		if err := rows.Scan(
			&e.ID, &e.TransactionID, &e.UserID, &e.ActorID,
			&kind, &status, &e.Reason, &e.CreatedAt,
		); err != nil {
			return nil, err
		}

		e.Kind = domain.EventKind(kind)
		e.Status = domain.Status(status)
		e.CreatedAt = e.CreatedAt.UTC()
		events = append(events, &e)
	}

	return events, rows.Err()
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

func (r *SQLRepository) isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if r.driver == "postgres" {
		return isPostgresUniqueViolation(err)
	}
	return isSQLiteUniqueViolation(err)
}

func expectAffected(result sql.Result) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			n++
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

var _ domain.Repository = (*SQLRepository)(nil)

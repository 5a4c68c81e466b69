package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// SessionNamespace is the cache namespace holding sessions.
const SessionNamespace = "session"

// Session is the server-side record behind a session token.
type Session struct {
	Token     string      `json:"-"`
	UserID    string      `json:"userId"`
	Role      domain.Role `json:"role"`
	CreatedAt time.Time   `json:"createdAt"`
}

// Sessions stores sessions in a cache under opaque random tokens.
type Sessions struct {
	cache domain.Cache
	ttl   time.Duration
}

// NewSessions creates a session store. A zero ttl defaults to one week.
func NewSessions(cache domain.Cache, ttl time.Duration) *Sessions {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &Sessions{cache: cache, ttl: ttl}
}

// TTL returns how long a session lives.
func (s *Sessions) TTL() time.Duration {
	return s.ttl
}

// Create starts a session for user.
func (s *Sessions) Create(ctx context.Context, user *domain.User) (*Session, error) {
	sess := &Session{
		Token:     uuid.New().String(),
		UserID:    user.ID,
		Role:      user.Role,
		CreatedAt: time.Now().UTC(),
	}

	data, err := json.Marshal(sess)
	if err != nil {
		return nil, fmt.Errorf("failed to encode session: %w", err)
	}
	if err := s.cache.Set(ctx, SessionNamespace, sess.Token, data, s.ttl); err != nil {
		return nil, fmt.Errorf("failed to store session: %w", err)
	}
	return sess, nil
}

// Get loads a session by token. Unknown or expired tokens return ErrSessionNotFound.
func (s *Sessions) Get(ctx context.Context, token string) (*Session, error) {
	if token == "" {
		return nil, ErrSessionNotFound
	}

	data, err := s.cache.Get(ctx, SessionNamespace, token)
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if data == nil {
		return nil, ErrSessionNotFound
	}

	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("failed to decode session: %w", err)
	}
	sess.Token = token
	return &sess, nil
}

// Destroy ends a session.
func (s *Sessions) Destroy(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	return s.cache.Delete(ctx, SessionNamespace, token)
}

// TokenFromRequest reads the session token from the named cookie, falling
// back to an "Authorization: Bearer" header.
func TokenFromRequest(r *http.Request, cookieName string) string {
	if c, err := r.Cookie(cookieName); err == nil && c.Value != "" {
		return c.Value
	}
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

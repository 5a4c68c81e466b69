package auth

import (
	"context"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// LoginNamespace is the cache namespace holding failed login counters.
const LoginNamespace = "login"

// Throttle limits failed logins per email inside a fixed window.
type Throttle struct {
	cache  domain.Cache
	max    int64
	window time.Duration
}

// NewThrottle creates a throttle. maxAttempts <= 0 disables it.
func NewThrottle(cache domain.Cache, maxAttempts int, window time.Duration) *Throttle {
	if window <= 0 {
		window = 15 * time.Minute
	}
	return &Throttle{cache: cache, max: int64(maxAttempts), window: window}
}

// Check returns ErrTooManyAttempts once the email has used up its failures.
func (t *Throttle) Check(ctx context.Context, email string) error {
	if t.max <= 0 {
		return nil
	}
	n, err := t.cache.GetCounter(ctx, LoginNamespace, email)
	if err != nil {
		return err
	}
	if n >= t.max {
		return ErrTooManyAttempts
	}
	return nil
}

// Fail records a failed attempt and returns the count inside the window.
func (t *Throttle) Fail(ctx context.Context, email string) (int64, error) {
	if t.max <= 0 {
		return 0, nil
	}
	return t.cache.IncrementCounter(ctx, LoginNamespace, email, t.window)
}

// Reset clears the failures for email after a successful login.
func (t *Throttle) Reset(ctx context.Context, email string) error {
	if t.max <= 0 {
		return nil
	}
	return t.cache.Delete(ctx, LoginNamespace, email)
}

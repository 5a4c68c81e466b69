package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newClockedLRU(size int) (*LRUCache, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := NewLRUCache(size)
	c.now = clock.now
	return c, clock
}

func TestLRUCache(t *testing.T) {
	cache, clock := newClockedLRU(100)
	ctx := context.Background()
	ns := "session"

	t.Run("SetAndGet", func(t *testing.T) {
		err := cache.Set(ctx, ns, "key1", []byte("value1"), time.Minute)
		if err != nil {
			t.Fatalf("Set failed: %v", err)
		}

		val, err := cache.Get(ctx, ns, "key1")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}

		if string(val) != "value1" {
			t.Errorf("expected 'value1', got '%s'", string(val))
		}
	})

	t.Run("GetMiss", func(t *testing.T) {
		val, err := cache.Get(ctx, ns, "nonexistent")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if val != nil {
			t.Errorf("expected nil for cache miss, got: %v", val)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		_ = cache.Set(ctx, ns, "key2", []byte("value2"), time.Minute)

		if err := cache.Delete(ctx, ns, "key2"); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}

		val, _ := cache.Get(ctx, ns, "key2")
		if val != nil {
			t.Error("expected nil after delete")
		}
	})

	t.Run("TTLExpiration", func(t *testing.T) {
		_ = cache.Set(ctx, ns, "expiring", []byte("temp"), 10*time.Second)

		val, _ := cache.Get(ctx, ns, "expiring")
		if val == nil {
			t.Error("expected value before expiration")
		}

		clock.advance(11 * time.Second)

		val, _ = cache.Get(ctx, ns, "expiring")
		if val != nil {
			t.Error("expected nil after expiration")
		}
	})

	t.Run("LRUEviction", func(t *testing.T) {
		smallCache := NewLRUCache(3)

		_ = smallCache.Set(ctx, ns, "a", []byte("1"), time.Minute)
		_ = smallCache.Set(ctx, ns, "b", []byte("2"), time.Minute)
		_ = smallCache.Set(ctx, ns, "c", []byte("3"), time.Minute)

		// Access 'a' to make it recently used
		_, _ = smallCache.Get(ctx, ns, "a")

		// Add 'd' - should evict 'b' (oldest accessed)
		_ = smallCache.Set(ctx, ns, "d", []byte("4"), time.Minute)

		val, _ := smallCache.Get(ctx, ns, "b")
		if val != nil {
			t.Error("expected 'b' to be evicted")
		}

		val, _ = smallCache.Get(ctx, ns, "a")
		if val == nil {
			t.Error("expected 'a' to still exist")
		}

		if size, capacity := smallCache.Stats(); size != 3 || capacity != 3 {
			t.Errorf("expected 3/3, got %d/%d", size, capacity)
		}
	})

	t.Run("NamespaceIsolation", func(t *testing.T) {
		_ = cache.Set(ctx, "session", "shared-key", []byte("session-value"), time.Minute)
		_ = cache.Set(ctx, "login", "shared-key", []byte("login-value"), time.Minute)

		val1, _ := cache.Get(ctx, "session", "shared-key")
		val2, _ := cache.Get(ctx, "login", "shared-key")

		if string(val1) != "session-value" {
			t.Errorf("expected 'session-value', got '%s'", string(val1))
		}
		if string(val2) != "login-value" {
			t.Errorf("expected 'login-value', got '%s'", string(val2))
		}
	})

	t.Run("RequiresNamespace", func(t *testing.T) {
		if err := cache.Set(ctx, "", "key", []byte("value"), time.Minute); !errors.Is(err, ErrNamespaceRequired) {
			t.Errorf("expected ErrNamespaceRequired, got: %v", err)
		}
		if _, err := cache.Get(ctx, "", "key"); !errors.Is(err, ErrNamespaceRequired) {
			t.Errorf("expected ErrNamespaceRequired, got: %v", err)
		}
		if _, err := cache.IncrementCounter(ctx, "", "key", time.Minute); !errors.Is(err, ErrNamespaceRequired) {
			t.Errorf("expected ErrNamespaceRequired, got: %v", err)
		}
	})

	t.Run("IncrementCounter", func(t *testing.T) {
		for i := int64(1); i <= 3; i++ {
			n, err := cache.IncrementCounter(ctx, "login", "ana@example.com", time.Minute)
			if err != nil {
				t.Fatalf("IncrementCounter failed: %v", err)
			}
			if n != i {
				t.Errorf("expected count %d, got %d", i, n)
			}
		}

		n, err := cache.GetCounter(ctx, "login", "ana@example.com")
		if err != nil {
			t.Fatalf("GetCounter failed: %v", err)
		}
		if n != 3 {
			t.Errorf("expected counter 3, got %d", n)
		}

		// Window resets after expiry
		clock.advance(2 * time.Minute)
		if n, _ := cache.GetCounter(ctx, "login", "ana@example.com"); n != 0 {
			t.Errorf("expected expired counter to read 0, got %d", n)
		}
		n, _ = cache.IncrementCounter(ctx, "login", "ana@example.com", time.Minute)
		if n != 1 {
			t.Errorf("expected new window to start at 1, got %d", n)
		}
	})

	t.Run("DeleteResetsCounter", func(t *testing.T) {
		_, _ = cache.IncrementCounter(ctx, "login", "bob@example.com", time.Minute)
		_, _ = cache.IncrementCounter(ctx, "login", "bob@example.com", time.Minute)

		if err := cache.Delete(ctx, "login", "bob@example.com"); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		if n, _ := cache.GetCounter(ctx, "login", "bob@example.com"); n != 0 {
			t.Errorf("expected counter cleared, got %d", n)
		}
	})

	t.Run("Ping", func(t *testing.T) {
		if err := cache.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})

	t.Run("Close", func(t *testing.T) {
		testCache := NewLRUCache(10)
		_ = testCache.Set(ctx, ns, "k", []byte("v"), time.Minute)

		if err := testCache.Close(); err != nil {
			t.Errorf("Close failed: %v", err)
		}

		val, _ := testCache.Get(ctx, ns, "k")
		if val != nil {
			t.Error("expected cache to be cleared after close")
		}
	})
}

func TestTwoPhaseCache(t *testing.T) {
	ctx := context.Background()
	local := NewLRUCache(10)
	remote := NewLRUCache(10)
	c := newTwoPhase(local, remote, time.Minute)

	t.Run("SetWritesBothTiers", func(t *testing.T) {
		if err := c.Set(ctx, "session", "tok", []byte("v"), time.Hour); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
		if v, _ := local.Get(ctx, "session", "tok"); string(v) != "v" {
			t.Error("expected L1 to hold the value")
		}
		if v, _ := remote.Get(ctx, "session", "tok"); string(v) != "v" {
			t.Error("expected L2 to hold the value")
		}
	})

	t.Run("L2HitPopulatesL1", func(t *testing.T) {
		_ = remote.Set(ctx, "session", "only-remote", []byte("r"), time.Hour)

		v, err := c.Get(ctx, "session", "only-remote")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if string(v) != "r" {
			t.Errorf("expected 'r', got %q", v)
		}
		if v, _ := local.Get(ctx, "session", "only-remote"); string(v) != "r" {
			t.Error("expected L1 to be populated")
		}
	})

	t.Run("DeleteClearsBothTiers", func(t *testing.T) {
		_ = c.Delete(ctx, "session", "tok")
		if v, _ := c.Get(ctx, "session", "tok"); v != nil {
			t.Error("expected nil after delete")
		}
	})

	t.Run("CountersUseL2", func(t *testing.T) {
		_, _ = c.IncrementCounter(ctx, "login", "x", time.Minute)
		if n, _ := remote.GetCounter(ctx, "login", "x"); n != 1 {
			t.Errorf("expected L2 counter 1, got %d", n)
		}
		if n, _ := local.GetCounter(ctx, "login", "x"); n != 0 {
			t.Errorf("expected no L1 counter, got %d", n)
		}
		if n, _ := c.GetCounter(ctx, "login", "x"); n != 1 {
			t.Errorf("expected counter 1, got %d", n)
		}
	})
}

func TestNewCache(t *testing.T) {
	t.Run("MemoryType", func(t *testing.T) {
		cfg := domain.CacheConfig{
			Type:         "memory",
			LocalMaxSize: 100,
		}

		cache, err := New(cfg)
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		defer cache.Close()

		if _, ok := cache.(*LRUCache); !ok {
			t.Error("expected LRUCache for memory type")
		}
	})

	t.Run("UnsupportedType", func(t *testing.T) {
		_, err := New(domain.CacheConfig{Type: "memcached"})
		if err == nil {
			t.Error("expected error for unsupported type")
		}
	})
}

package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

// fakeClock is advanced by hand so bucket refills are deterministic.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestLimiter(t *testing.T, cfg Config) (*Limiter, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	l := New(cfg)
	l.now = clock.Now
	t.Cleanup(l.Stop)
	return l, clock
}

func TestLimiterAllow(t *testing.T) {
	limiter, clock := newTestLimiter(t, Config{RequestsPerMinute: 60, BurstSize: 5})
	key := "test-ip"

	for i := 0; i < 5; i++ {
		if !limiter.Allow(key) {
			t.Errorf("Request %d should be allowed (within burst)", i)
		}
	}
	if limiter.Allow(key) {
		t.Error("Request after burst should be denied")
	}

	// 1 second = 1 token at 60/min
	clock.Advance(time.Second)
	if !limiter.Allow(key) {
		t.Error("Request after waiting should be allowed")
	}
	if limiter.Allow(key) {
		t.Error("Only one token should have been refilled")
	}
}

func TestLimiterMultipleClients(t *testing.T) {
	limiter, _ := newTestLimiter(t, Config{RequestsPerMinute: 60, BurstSize: 3})

	for i := 0; i < 3; i++ {
		limiter.Allow("client-a")
	}
	if limiter.Allow("client-a") {
		t.Error("Client A should be rate limited")
	}
	if !limiter.Allow("client-b") {
		t.Error("Client B should not be rate limited")
	}
}

func TestLimiterRefillCapsAtBurst(t *testing.T) {
	limiter, clock := newTestLimiter(t, Config{RequestsPerMinute: 600, BurstSize: 2})

	limiter.Allow("k")
	clock.Advance(time.Hour)

	allowed := 0
	for i := 0; i < 10; i++ {
		if limiter.Allow("k") {
			allowed++
		}
	}
	if allowed != 2 {
		t.Errorf("expected refill capped at burst 2, got %d", allowed)
	}
}

func TestLimiterEvictsStaleClients(t *testing.T) {
	limiter, clock := newTestLimiter(t, Config{RequestsPerMinute: 60, BurstSize: 1})
	limiter.Allow("old")
	clock.Advance(5 * time.Minute)
	limiter.Allow("fresh")

	limiter.evictBefore(clock.Now().Add(-2 * time.Minute))

	limiter.mu.Lock()
	defer limiter.mu.Unlock()
	if _, ok := limiter.clients["old"]; ok {
		t.Error("stale client should be evicted")
	}
	if _, ok := limiter.clients["fresh"]; !ok {
		t.Error("recent client should be kept")
	}
}

func TestMiddleware_KeysBySignerHeader(t *testing.T) {
	gin.SetMode(gin.TestMode)
	limiter, _ := newTestLimiter(t, Config{RequestsPerMinute: 60, BurstSize: 1, KeyHeader: "X-Signer-Address"})

	r := gin.New()
	r.Use(limiter.Middleware())
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	do := func(signer string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if signer != "" {
			req.Header.Set("X-Signer-Address", signer)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	if w := do("0xAAAA"); w.Code != http.StatusOK {
		t.Fatalf("first request: %d", w.Code)
	}
	w := do("0xaaaa")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("same signer in another case should share a bucket, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
	if w := do("0xbbbb"); w.Code != http.StatusOK {
		t.Errorf("other signer should have its own bucket, got %d", w.Code)
	}
	if w := do(""); w.Code != http.StatusOK {
		t.Errorf("anonymous request keyed by IP should pass, got %d", w.Code)
	}
}

func TestStop_Idempotent(t *testing.T) {
	l := New(DefaultConfig())
	l.Stop()
	l.Stop()
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.RequestsPerMinute != 600 {
		t.Errorf("Expected 600 requests/min, got %d", cfg.RequestsPerMinute)
	}
	if cfg.BurstSize != 50 {
		t.Errorf("Expected burst size 50, got %d", cfg.BurstSize)
	}
	if cfg.CleanupInterval != time.Minute {
		t.Errorf("Expected 1 minute cleanup interval, got %v", cfg.CleanupInterval)
	}
}

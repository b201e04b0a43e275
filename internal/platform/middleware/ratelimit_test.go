package middleware

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/caredroid/clinicalcalc/internal/platform/auth"
)

func TestRateLimit_RequestsWithinLimit(t *testing.T) {
	cfg := RateLimitConfig{
		RequestsPerSecond: 10,
		BurstSize:         5,
	}

	e := echo.New()
	handler := RateLimit(cfg)(okHandler)

	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rec := httptest.NewRecorder()
		c := e.NewContext(req, rec)

		if err := handler(c); err != nil {
			t.Fatalf("request %d: expected no error, got %v", i+1, err)
		}
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i+1, rec.Code)
		}
		if got := rec.Header().Get("X-RateLimit-Limit"); got != "10" {
			t.Errorf("request %d: expected X-RateLimit-Limit '10', got %q", i+1, got)
		}
	}
}

func TestRateLimit_ExceedsLimit(t *testing.T) {
	cfg := RateLimitConfig{
		RequestsPerSecond: 1,
		BurstSize:         2,
	}

	e := echo.New()
	handler := RateLimit(cfg)(okHandler)

	for i := 0; i < 2; i++ {
		c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
		if err := handler(c); err != nil {
			t.Fatalf("request %d: expected no error, got %v", i+1, err)
		}
	}

	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)
	err := handler(c)
	if err == nil {
		t.Fatal("expected error for rate-limited request")
	}
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T", err)
	}
	if httpErr.Code != http.StatusTooManyRequests {
		t.Errorf("expected 429, got %d", httpErr.Code)
	}
	retry, convErr := strconv.Atoi(rec.Header().Get("Retry-After"))
	if convErr != nil || retry < 1 {
		t.Errorf("expected a positive Retry-After, got %q", rec.Header().Get("Retry-After"))
	}
}

func TestRateLimit_TierScalesBucket(t *testing.T) {
	cfg := RateLimitConfig{
		RequestsPerSecond: 1,
		BurstSize:         2,
		TierMultipliers:   DefaultTierMultipliers(),
	}

	e := echo.New()
	handler := RateLimit(cfg)(okHandler)

	send := func(tier string) error {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req = req.WithContext(auth.WithPrincipal(req.Context(), auth.Principal{Subject: "u-" + tier, TenantID: "t", Tier: tier}))
		return handler(e.NewContext(req, httptest.NewRecorder()))
	}

	// professional burst is 4x the base burst of 2
	for i := 0; i < 8; i++ {
		if err := send("professional"); err != nil {
			t.Fatalf("professional request %d: unexpected error %v", i+1, err)
		}
	}
	if err := send("professional"); err == nil {
		t.Error("expected professional caller to be limited after 8 requests")
	}

	for i := 0; i < 2; i++ {
		if err := send("free"); err != nil {
			t.Fatalf("free request %d: unexpected error %v", i+1, err)
		}
	}
	if err := send("free"); err == nil {
		t.Error("expected free caller to be limited after 2 requests")
	}
}

func TestRateLimit_SeparateCallers(t *testing.T) {
	cfg := RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1}
	e := echo.New()
	handler := RateLimit(cfg)(okHandler)

	for _, ip := range []string{"10.0.0.1:1", "10.0.0.2:1"} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = ip
		if err := handler(e.NewContext(req, httptest.NewRecorder())); err != nil {
			t.Errorf("%s: expected first request to pass, got %v", ip, err)
		}
	}
}

func TestRateLimit_Refills(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	store := &bucketStore{
		buckets: make(map[string]*tokenBucket),
		cfg:     RateLimitConfig{RequestsPerSecond: 2, BurstSize: 1},
		now:     func() time.Time { return now },
	}
	e := echo.New()
	handler := rateLimit(store)(okHandler)
	call := func() error {
		return handler(e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder()))
	}

	if err := call(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := call(); err == nil {
		t.Fatal("expected bucket to be empty")
	}
	now = now.Add(500 * time.Millisecond)
	if err := call(); err != nil {
		t.Errorf("expected a token after refill, got %v", err)
	}
}

func TestTokenBucket_Concurrent(t *testing.T) {
	now := time.Now()
	b := newTokenBucket(0, 50, now)

	var mu sync.Mutex
	allowed := 0
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := b.take(now); ok {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if allowed != 50 {
		t.Errorf("expected exactly 50 requests allowed, got %d", allowed)
	}
}

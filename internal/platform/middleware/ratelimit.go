package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/caredroid/clinicalcalc/internal/platform/auth"
)

// RateLimitConfig is the token bucket for the lowest subscription tier.
// TierMultipliers scale it for higher tiers.
type RateLimitConfig struct {
	RequestsPerSecond float64
	BurstSize         int
	TierMultipliers   map[string]float64
}

func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 100,
		BurstSize:         200,
		TierMultipliers:   DefaultTierMultipliers(),
	}
}

func DefaultTierMultipliers() map[string]float64 {
	return map[string]float64{"free": 1, "professional": 4, "institutional": 10}
}

func (cfg RateLimitConfig) forTier(tier string) (rate float64, burst int) {
	m, ok := cfg.TierMultipliers[tier]
	if !ok || m <= 0 {
		m = 1
	}
	return cfg.RequestsPerSecond * m, int(float64(cfg.BurstSize) * m)
}

type tokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	max        float64
	rate       float64
	lastRefill time.Time
}

func newTokenBucket(rate float64, burst int, now time.Time) *tokenBucket {
	return &tokenBucket{tokens: float64(burst), max: float64(burst), rate: rate, lastRefill: now}
}

// take consumes a token. When none is available it returns the whole seconds
// until one will be.
func (b *tokenBucket) take(now time.Time) (ok bool, retryAfter int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.tokens += now.Sub(b.lastRefill).Seconds() * b.rate
	if b.tokens > b.max {
		b.tokens = b.max
	}
	b.lastRefill = now

	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	if b.rate <= 0 {
		return false, 1
	}
	return false, int((1-b.tokens)/b.rate) + 1
}

type bucketStore struct {
	mu      sync.Mutex
	buckets map[string]*tokenBucket
	cfg     RateLimitConfig
	now     func() time.Time
}

func (s *bucketStore) get(key, tier string) (*tokenBucket, float64) {
	rate, burst := s.cfg.forTier(tier)
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buckets[key]
	if !ok {
		b = newTokenBucket(rate, burst, s.now())
		s.buckets[key] = b
	}
	return b, rate
}

// RateLimit throttles each caller with a token bucket sized by its
// subscription tier. Callers are keyed by tenant and subject when
// authenticated, else by remote IP.
func RateLimit(cfg RateLimitConfig) echo.MiddlewareFunc {
	store := &bucketStore{buckets: make(map[string]*tokenBucket), cfg: cfg, now: time.Now}
	return rateLimit(store)
}

func rateLimit(store *bucketStore) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key, tier := "ip:"+c.RealIP(), ""
			if p, ok := auth.PrincipalFromContext(c.Request().Context()); ok && p.Subject != "" {
				key, tier = p.TenantID+":"+p.Subject, p.Tier
			}
			bucket, rate := store.get(key+"|"+tier, tier)

			h := c.Response().Header()
			h.Set("X-RateLimit-Limit", strconv.FormatFloat(rate, 'f', 0, 64))
			if ok, retry := bucket.take(store.now()); !ok {
				h.Set("Retry-After", strconv.Itoa(retry))
				h.Set("X-RateLimit-Remaining", "0")
				return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
			}
			return next(c)
		}
	}
}

package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
)

// Route classes. Submit covers the unauthenticated write routes such as
// bookings and login; every other route is charged to Browse.
const (
	ClassBrowse = "browse"
	ClassSubmit = "submit"
)

// Limit is a token-bucket budget per client: Rate tokens per second with at
// most Burst tokens banked.
type Limit struct {
	Rate  float64
	Burst int
}

// PerMinute returns a Limit refilling n tokens a minute.
func PerMinute(n, burst int) Limit {
	return Limit{Rate: float64(n) / 60, Burst: burst}
}

// RateLimitConfig assigns a budget to each route class. SubmitRoutes lists
// route patterns as "METHOD /path", matched against the registered path.
type RateLimitConfig struct {
	Browse       Limit
	Submit       Limit
	SubmitRoutes []string
	IdleTTL      time.Duration
}

// DefaultRateLimitConfig returns the budgets used when none are configured.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Browse:  Limit{Rate: 20, Burst: 40},
		Submit:  PerMinute(10, 5),
		IdleTTL: 10 * time.Minute,
	}
}

type bucket struct {
	tokens float64
	last   time.Time
}

// limiter holds the buckets of one route class, keyed by client IP. Buckets
// idle for idleTTL are dropped on the next sweep.
type limiter struct {
	limit   Limit
	idleTTL time.Duration
	now     func() time.Time

	mu        sync.Mutex
	buckets   map[string]*bucket
	lastSweep time.Time
}

func newLimiter(limit Limit, idleTTL time.Duration, now func() time.Time) *limiter {
	return &limiter{
		limit:     limit,
		idleTTL:   idleTTL,
		now:       now,
		buckets:   make(map[string]*bucket),
		lastSweep: now(),
	}
}

// take spends one token of key's bucket. It reports the tokens left, or
// when refused the whole seconds until the next token.
func (l *limiter) take(key string) (ok bool, remaining, retryAfter int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.sweepLocked(now)

	b, found := l.buckets[key]
	if !found {
		b = &bucket{tokens: float64(l.limit.Burst), last: now}
		l.buckets[key] = b
	}
	b.tokens = math.Min(float64(l.limit.Burst), b.tokens+now.Sub(b.last).Seconds()*l.limit.Rate)
	b.last = now

	if b.tokens >= 1 {
		b.tokens--
		return true, int(b.tokens), 0
	}
	if l.limit.Rate <= 0 {
		return false, 0, 1
	}
	return false, 0, int(math.Ceil((1 - b.tokens) / l.limit.Rate))
}

func (l *limiter) sweepLocked(now time.Time) {
	if l.idleTTL <= 0 || now.Sub(l.lastSweep) < l.idleTTL {
		return
	}
	l.lastSweep = now
	for key, b := range l.buckets {
		if now.Sub(b.last) >= l.idleTTL {
			delete(l.buckets, key)
		}
	}
}

func (l *limiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// RateLimit limits requests per client IP and route class. It must run
// after routing so the matched path is known, which holds for group
// middleware.
func RateLimit(cfg RateLimitConfig) echo.MiddlewareFunc {
	return rateLimit(cfg, time.Now)
}

func rateLimit(cfg RateLimitConfig, now func() time.Time) echo.MiddlewareFunc {
	submit := make(map[string]bool, len(cfg.SubmitRoutes))
	for _, r := range cfg.SubmitRoutes {
		submit[r] = true
	}
	limiters := map[string]*limiter{
		ClassBrowse: newLimiter(cfg.Browse, cfg.IdleTTL, now),
		ClassSubmit: newLimiter(cfg.Submit, cfg.IdleTTL, now),
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			class := ClassBrowse
			if submit[c.Request().Method+" "+c.Path()] {
				class = ClassSubmit
			}
			l := limiters[class]

			ok, remaining, retryAfter := l.take(c.RealIP())
			h := c.Response().Header()
			h.Set("X-RateLimit-Class", class)
			h.Set("X-RateLimit-Limit", strconv.Itoa(l.limit.Burst))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			if !ok {
				h.Set("Retry-After", strconv.Itoa(retryAfter))
				return echo.NewHTTPError(http.StatusTooManyRequests, "too many requests, try again shortly")
			}
			return next(c)
		}
	}
}

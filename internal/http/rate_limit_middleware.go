package httpx

import (
	"net/http"
	"strings"
	"sync"
	"time"
)

// RateLimiter counts requests per key inside fixed windows.
type RateLimiter interface {
	Allow(key string, limit int, window time.Duration) rateDecision
	Close()
}

type rateDecision struct {
	allowed   bool
	count     int
	windowEnd time.Time
}

// memoryRateLimiter keeps one counter per key and window start. Expired
// counters are pruned lazily on the first call after pruneEvery elapses.
type memoryRateLimiter struct {
	mu        sync.Mutex
	counters  map[string]windowCounter
	nextPrune time.Time
	now       func() time.Time
}

type windowCounter struct {
	start time.Time
	end   time.Time
	hits  int
}

const pruneEvery = 5 * time.Minute

// NewMemoryRateLimiter returns a process-local limiter for single replica setups.
func NewMemoryRateLimiter() RateLimiter {
	return &memoryRateLimiter{
		counters: make(map[string]windowCounter),
		now:      time.Now,
	}
}

func (rl *memoryRateLimiter) Allow(key string, limit int, window time.Duration) rateDecision {
	if limit <= 0 {
		return rateDecision{allowed: true}
	}
	if window <= 0 {
		window = time.Minute
	}
	now := rl.now()
	start := now.Truncate(window)

	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.prune(now)

	counter := rl.counters[key]
	if !counter.start.Equal(start) {
		counter = windowCounter{start: start, end: start.Add(window)}
	}
	if counter.hits >= limit {
		return rateDecision{count: counter.hits, windowEnd: counter.end}
	}
	counter.hits++
	rl.counters[key] = counter
	return rateDecision{allowed: true, count: counter.hits, windowEnd: counter.end}
}

func (rl *memoryRateLimiter) prune(now time.Time) {
	if now.Before(rl.nextPrune) {
		return
	}
	rl.nextPrune = now.Add(pruneEvery)
	for key, counter := range rl.counters {
		if !now.Before(counter.end) {
			delete(rl.counters, key)
		}
	}
}

func (rl *memoryRateLimiter) Close() {}

func (r *Router) withRateLimit(route string, limit int, window time.Duration, keyFn func(*http.Request) string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if limit <= 0 || r.limiter == nil {
			next(w, req)
			return
		}
		key := keyFn(req)
		if key == "" {
			key = rateLimitKeyIP(req)
		}
		decision := r.limiter.Allow(route+"|"+key, limit, window)
		r.applyRateHeaders(w, limit, decision)
		if !decision.allowed {
			r.recordRateLimitHit(route, rateMetricKey(key))
			if !decision.windowEnd.IsZero() {
				setRetryAfter(w, time.Until(decision.windowEnd))
			}
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next(w, req)
	}
}

// operatorRoute authenticates the operator, then rate limits per operator.
func (r *Router) operatorRoute(route string, limit int, window time.Duration, next http.HandlerFunc) http.HandlerFunc {
	return r.requireAuth(r.withRateLimit(route, limit, window, rateLimitKeyOperator, next))
}

// executorRoute verifies the executor token, then rate limits per source address.
func (r *Router) executorRoute(route string, limit int, window time.Duration, next http.HandlerFunc) http.HandlerFunc {
	return r.verifyExecutorToken(r.withRateLimit(route, limit, window, rateLimitKeyExecutor, next))
}

func rateLimitKeyOperator(req *http.Request) string {
	if info, ok := authInfoFromContext(req.Context()); ok && info.Operator != "" {
		return "operator:" + info.Operator
	}
	return ""
}

func rateLimitKeyExecutor(req *http.Request) string {
	return "executor:" + strings.TrimPrefix(rateLimitKeyIP(req), "ip:")
}

func rateLimitKeyIP(req *http.Request) string {
	host := clientIP(req)
	if host == "" {
		host = "unknown"
	}
	return "ip:" + host
}

func rateMetricKey(key string) string {
	if idx := strings.IndexRune(key, ':'); idx > 0 {
		return key[:idx]
	}
	if key == "" {
		return "unknown"
	}
	return key
}

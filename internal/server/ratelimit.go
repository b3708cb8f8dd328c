// ratelimit.go - Fixed-window rate limiter keyed by dual-stack IP prefix.
//
// Tracks two independent categories per client: "upload" gates only the
// upload operation (strict ceiling), "request" gates everything (loose
// ceiling against scraping). Buckets reset lazily when their window has
// elapsed; the sweep prunes fully-elapsed buckets to bound memory.
package server

import (
	"net/http"
	"sync"
	"time"
)

// LimitCategory selects which counter a check applies to.
type LimitCategory string

const (
	CategoryUpload  LimitCategory = "upload"
	CategoryRequest LimitCategory = "request"
)

// LimitRule is the ceiling and window for one category.
type LimitRule struct {
	Ceiling int
	Window  time.Duration
}

type bucket struct {
	windowStart time.Time
	count       int
}

type bucketKey struct {
	prefix   string
	category LimitCategory
}

// RateLimiter is a shared, mutex-disciplined component. All engine and
// middleware paths go through CheckAndRecord; there is no other mutation
// point, so a boundary check and its increment are a single atomic step.
type RateLimiter struct {
	mu      sync.Mutex
	rules   map[LimitCategory]LimitRule
	buckets map[bucketKey]*bucket
	now     func() time.Time
}

// NewRateLimiter builds a limiter from the per-category rules.
func NewRateLimiter(rules map[LimitCategory]LimitRule) *RateLimiter {
	return &RateLimiter{
		rules:   rules,
		buckets: make(map[bucketKey]*bucket),
		now:     time.Now,
	}
}

// CheckAndRecord records one event for the client in the given category
// and reports whether it is allowed. A rejected call does not increment
// the counter, so a throttled client is not pushed further into the
// future by its own retries within the window.
func (rl *RateLimiter) CheckAndRecord(prefix IPPrefix, category LimitCategory) bool {
	rule, ok := rl.rules[category]
	if !ok || rule.Ceiling <= 0 {
		return true
	}

	now := rl.now()
	key := bucketKey{prefix: prefix.String(), category: category}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, exists := rl.buckets[key]
	if !exists || now.Sub(b.windowStart) >= rule.Window {
		rl.buckets[key] = &bucket{windowStart: now, count: 1}
		return true
	}
	if b.count >= rule.Ceiling {
		return false
	}
	b.count++
	return true
}

// Prune drops buckets whose window has fully elapsed. Called by the
// periodic sweep; correctness does not depend on it because stale
// buckets also reset lazily on access.
func (rl *RateLimiter) Prune() int {
	now := rl.now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	pruned := 0
	for key, b := range rl.buckets {
		rule, ok := rl.rules[key.category]
		if !ok || now.Sub(b.windowStart) >= rule.Window {
			delete(rl.buckets, key)
			pruned++
		}
	}
	return pruned
}

// middleware applies the "request" category to every inbound request.
func (rl *RateLimiter) middleware(proxyDepth int, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		prefix, err := clientPrefix(r, proxyDepth)
		if err != nil {
			Error("client_ip_unresolvable", map[string]any{"path": r.URL.Path}, err)
			http.Error(w, "internal server error", http.StatusInternalServerError)
			return
		}
		if !rl.CheckAndRecord(prefix, CategoryRequest) {
			Warn("rate_limit_exceeded", map[string]any{
				"ip":       prefix.Pretty(),
				"path":     r.URL.Path,
				"category": string(CategoryRequest),
			})
			metricThrottled.WithLabelValues(string(CategoryRequest)).Inc()
			w.Header().Set("Retry-After", "60")
			http.Error(w, "too many requests, come back later", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

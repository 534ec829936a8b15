// Package ratelimit implements fixed-window admission control backed by a
// shared counter store.
//
// Check reads a counter and writes it back without an atomic increment.
// Concurrent requests on the same key can both observe a stale count and
// both be admitted, so a key may exceed its limit by a small margin under
// contention.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Andrejs1979/cloud-code/common/clock"
	"github.com/Andrejs1979/cloud-code/common/logger"
)

const AnonymousIdentifier = "anonymous"

// Counter is the stored state of one window.
type Counter struct {
	Count   int   `json:"count"`
	ResetAt int64 `json:"resetAt"` // unix milliseconds
}

// CounterStore persists counters. Get returns (nil, nil) for a missing key.
type CounterStore interface {
	Get(ctx context.Context, key string) (*Counter, error)
	Put(ctx context.Context, key string, counter Counter, ttl time.Duration) error
}

// Result is the outcome of one admission check.
type Result struct {
	Allowed    bool
	Category   Category
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
	Message    string
}

type Limiter struct {
	store    CounterStore
	policies map[Category]Policy
	clock    clock.Clock
}

// New returns a Limiter. A nil store disables enforcement; every check is
// admitted and logged.
func New(store CounterStore, policies map[Category]Policy, c clock.Clock) *Limiter {
	if policies == nil {
		policies = DefaultPolicies()
	}
	if c == nil {
		c = clock.Real()
	}
	return &Limiter{store: store, policies: policies, clock: c}
}

func (l *Limiter) policy(category Category) (Category, Policy) {
	if p, ok := l.policies[category]; ok {
		return category, p
	}
	return CategoryDefault, l.policies[CategoryDefault]
}

// Check counts one request for identifier against category's quota.
// Store failures admit the request.
func (l *Limiter) Check(ctx context.Context, identifier string, category Category) Result {
	category, policy := l.policy(category)
	now := l.clock.Now()
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		Category:  logger.Ptr(string(category)),
		Component: "cloudcode.ratelimit",
	})

	if l.store == nil {
		slog.WarnContext(ctx, "rate limit store not configured, rate limiting disabled")
		return l.open(category, policy, now)
	}

	key := policy.KeyPrefix + ":" + identifier

	counter, err := l.store.Get(ctx, key)
	if err != nil {
		slog.WarnContext(ctx, "rate limit store error, allowing request", "error", err)
		return l.open(category, policy, now)
	}

	if counter == nil || !now.Before(time.UnixMilli(counter.ResetAt)) {
		fresh := Counter{Count: 1, ResetAt: now.Add(policy.Window).UnixMilli()}
		if err := l.store.Put(ctx, key, fresh, policy.TTL()); err != nil {
			slog.WarnContext(ctx, "rate limit store error, allowing request", "error", err)
			return l.open(category, policy, now)
		}
		return Result{
			Allowed:   true,
			Category:  category,
			Limit:     policy.Requests,
			Remaining: policy.Requests - 1,
			ResetAt:   time.UnixMilli(fresh.ResetAt),
		}
	}

	resetAt := time.UnixMilli(counter.ResetAt)
	if counter.Count >= policy.Requests {
		retryAfter := resetAt.Sub(now)
		return Result{
			Allowed:    false,
			Category:   category,
			Limit:      policy.Requests,
			Remaining:  0,
			ResetAt:    resetAt,
			RetryAfter: retryAfter,
			Message:    fmt.Sprintf("Rate limit exceeded. Try again in %d seconds.", ceilSeconds(retryAfter)),
		}
	}

	next := Counter{Count: counter.Count + 1, ResetAt: counter.ResetAt}
	if err := l.store.Put(ctx, key, next, policy.TTL()); err != nil {
		slog.WarnContext(ctx, "rate limit store error, allowing request", "error", err)
		return l.open(category, policy, now)
	}

	return Result{
		Allowed:   true,
		Category:  category,
		Limit:     policy.Requests,
		Remaining: policy.Requests - next.Count,
		ResetAt:   resetAt,
	}
}

func (l *Limiter) open(category Category, policy Policy, now time.Time) Result {
	return Result{
		Allowed:   true,
		Category:  category,
		Limit:     policy.Requests,
		Remaining: policy.Requests,
		ResetAt:   now.Add(policy.Window),
	}
}

func ceilSeconds(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64(math.Ceil(d.Seconds()))
}

// SetHeaders writes X-RateLimit-* headers, plus Retry-After on rejection.
// X-RateLimit-Reset carries the window end in unix milliseconds.
func (r Result) SetHeaders(w http.ResponseWriter) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(r.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(r.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(r.ResetAt.UnixMilli(), 10))

	if !r.Allowed {
		seconds := ceilSeconds(r.RetryAfter)
		if seconds < 1 {
			seconds = 1
		}
		w.Header().Set("Retry-After", strconv.FormatInt(seconds, 10))
	}
}

// ClientIdentifier resolves the rate limit bucket for a request:
// CF-Connecting-IP, then the first X-Forwarded-For hop, then a shared
// anonymous bucket.
func ClientIdentifier(h http.Header) string {
	if ip := strings.TrimSpace(h.Get("CF-Connecting-IP")); ip != "" {
		return ip
	}
	if xff := h.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	return AnonymousIdentifier
}

// Package ratelimit bounds outbound request volume per upstream service using
// a fixed-window counter.
//
// The fixed window is deliberately simple: O(1) per request and no background
// sweeping. A burst straddling a window boundary can admit up to twice the
// configured maximum.
package ratelimit

import (
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/bytebrushstudios/byteproxy/internal/domain"
)

// PolicySource resolves the descriptor (and so the rate limit policy) for a key.
type PolicySource interface {
	Lookup(key string) (*domain.ServiceDescriptor, error)
}

// Decision is the outcome of Acquire.
type Decision struct {
	Allowed bool
	// RetryAfter is the whole number of seconds until the window resets.
	// Only set when the request was rejected.
	RetryAfter int
	// Limit is zero when the service has no policy.
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Status is a side-effect free view of a service window.
type Status struct {
	Limit     int
	Remaining int
	ResetAt   time.Time
}

type window struct {
	mu      sync.Mutex
	count   uint
	resetAt time.Time
}

// Limiter is a per-service fixed-window rate limiter.
type Limiter struct {
	policies PolicySource
	clock    clock.Clock
	windows  sync.Map // service key -> *window
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock sets the time source. Tests use clock.NewMock().
func WithClock(c clock.Clock) Option {
	return func(l *Limiter) {
		l.clock = c
	}
}

// New creates a limiter reading policies from src.
func New(src PolicySource, opts ...Option) *Limiter {
	l := &Limiter{
		policies: src,
		clock:    clock.New(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Limiter) policy(key string) *domain.RateLimitPolicy {
	desc, err := l.policies.Lookup(key)
	if err != nil || desc == nil {
		return nil
	}
	return desc.RateLimit
}

func (l *Limiter) window(key string) *window {
	if w, ok := l.windows.Load(key); ok {
		return w.(*window)
	}
	w, _ := l.windows.LoadOrStore(key, &window{})
	return w.(*window)
}

// Acquire takes one slot from the service's current window.
// Services without a policy are always allowed.
func (l *Limiter) Acquire(key string) Decision {
	p := l.policy(key)
	if p == nil {
		return Decision{Allowed: true}
	}
	return l.acquire(key, p)
}

func (l *Limiter) acquire(key string, p *domain.RateLimitPolicy) Decision {
	w := l.window(key)
	now := l.clock.Now()
	limit := int(p.MaxRequests)

	w.mu.Lock()
	defer w.mu.Unlock()

	if !now.Before(w.resetAt) {
		w.count = 1
		w.resetAt = now.Add(p.Window)
		return Decision{Allowed: true, Limit: limit, Remaining: limit - 1, ResetAt: w.resetAt}
	}

	if w.count < p.MaxRequests {
		w.count++
		return Decision{Allowed: true, Limit: limit, Remaining: int(p.MaxRequests - w.count), ResetAt: w.resetAt}
	}

	return Decision{
		Allowed:    false,
		RetryAfter: int(math.Ceil(w.resetAt.Sub(now).Seconds())),
		Limit:      limit,
		Remaining:  0,
		ResetAt:    w.resetAt,
	}
}

// Status reports the remaining quota for key without consuming it.
// It returns false when the service is unknown or has no policy.
func (l *Limiter) Status(key string) (Status, bool) {
	p := l.policy(key)
	if p == nil {
		return Status{}, false
	}

	limit := int(p.MaxRequests)
	v, ok := l.windows.Load(key)
	if !ok {
		return Status{Limit: limit, Remaining: limit}, true
	}

	w := v.(*window)
	w.mu.Lock()
	defer w.mu.Unlock()

	if !l.clock.Now().Before(w.resetAt) {
		return Status{Limit: limit, Remaining: limit, ResetAt: w.resetAt}, true
	}
	remaining := 0
	if w.count < p.MaxRequests {
		remaining = int(p.MaxRequests - w.count)
	}
	return Status{Limit: limit, Remaining: remaining, ResetAt: w.resetAt}, true
}

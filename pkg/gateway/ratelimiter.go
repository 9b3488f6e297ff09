package gateway

import (
	"errors"
	"sync"
	"time"
)

var (
	// ErrRateLimited is returned when a key exceeded its per-minute budget.
	ErrRateLimited = errors.New("rate limit exceeded")
	// ErrTooManyConcurrent is returned when a key holds too many slots.
	ErrTooManyConcurrent = errors.New("too many concurrent requests")
)

// RateLimiter implements sliding window rate limiting per key, usually
// the remote address. A slot is held from Acquire until its release.
type RateLimiter struct {
	mu                sync.Mutex
	requestsPerMinute int
	maxConcurrent     int
	windows           map[string]*window
}

type window struct {
	requests   []time.Time
	concurrent int
}

// NewRateLimiter creates a rate limiter. Zero limits are unlimited.
func NewRateLimiter(requestsPerMinute, maxConcurrent int) *RateLimiter {
	return &RateLimiter{
		requestsPerMinute: requestsPerMinute,
		maxConcurrent:     maxConcurrent,
		windows:           make(map[string]*window),
	}
}

// Acquire takes a slot for key. The returned release is idempotent.
func (r *RateLimiter) Acquire(key string) (release func(), err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w := r.windows[key]
	if w == nil {
		w = &window{}
		r.windows[key] = w
	}
	now := time.Now()
	w.prune(now)

	if r.maxConcurrent > 0 && w.concurrent >= r.maxConcurrent {
		return nil, ErrTooManyConcurrent
	}
	if r.requestsPerMinute > 0 && len(w.requests) >= r.requestsPerMinute {
		return nil, ErrRateLimited
	}

	w.requests = append(w.requests, now)
	w.concurrent++

	var once sync.Once
	return func() {
		once.Do(func() { r.release(key) })
	}, nil
}

func (r *RateLimiter) release(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w := r.windows[key]
	if w == nil {
		return
	}
	if w.concurrent > 0 {
		w.concurrent--
	}
	w.prune(time.Now())
	if w.concurrent == 0 && len(w.requests) == 0 {
		delete(r.windows, key)
	}
}

// UpdateLimits updates the rate limits
func (r *RateLimiter) UpdateLimits(requestsPerMinute, maxConcurrent int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.requestsPerMinute = requestsPerMinute
	r.maxConcurrent = maxConcurrent
}

// GetStats returns the requests in the current window and the slots held
// for key.
func (r *RateLimiter) GetStats(key string) (requestCount, concurrentCount int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w := r.windows[key]
	if w == nil {
		return 0, 0
	}
	w.prune(time.Now())
	return len(w.requests), w.concurrent
}

// prune drops requests older than one minute.
func (w *window) prune(now time.Time) {
	cutoff := now.Add(-time.Minute)
	valid := w.requests[:0]
	for _, t := range w.requests {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	w.requests = valid
}

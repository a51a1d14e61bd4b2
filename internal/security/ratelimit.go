package security

import (
	"errors"
	"sync"
	"time"
)

// Rate limiting errors
var (
	ErrRateLimited = errors.New("security: rate limit exceeded")
)

// RateLimiter implements a token bucket rate limiter.
type RateLimiter struct {
	mu           sync.Mutex
	rate         float64 // tokens per second
	burst        int     // maximum burst size
	tokens       float64
	lastRefill   time.Time
	blockedUntil time.Time
}

// NewRateLimiter creates a new rate limiter.
// rate is the sustained rate (operations per second)
// burst is the maximum allowed burst (operations)
func NewRateLimiter(rate float64, burst int) *RateLimiter {
	return &RateLimiter{
		rate:       rate,
		burst:      burst,
		tokens:     float64(burst), // Start full
		lastRefill: time.Now(),
	}
}

// Allow checks if an operation is allowed under the rate limit.
// It returns true if allowed, false if rate limited.
func (r *RateLimiter) Allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Check if we're in a blocked period
	now := time.Now()
	if now.Before(r.blockedUntil) {
		return false
	}

	// Refill tokens based on elapsed time
	elapsed := now.Sub(r.lastRefill).Seconds()
	r.tokens += elapsed * r.rate
	if r.tokens > float64(r.burst) {
		r.tokens = float64(r.burst)
	}
	r.lastRefill = now

	// Check if we have enough tokens
	if r.tokens >= 1.0 {
		r.tokens--
		return true
	}

	return false
}

// Wait blocks until the operation is allowed or the timeout expires.
// Returns nil if allowed, ErrRateLimited on timeout.
func (r *RateLimiter) Wait(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	for {
		if r.Allow() {
			return nil
		}

		if time.Now().After(deadline) {
			return ErrRateLimited
		}

		// Wait roughly one token interval before retrying
		waitTime := time.Duration(float64(time.Second) / r.rate)
		if waitTime < time.Millisecond {
			waitTime = time.Millisecond
		}
		if waitTime > 100*time.Millisecond {
			waitTime = 100 * time.Millisecond
		}

		time.Sleep(waitTime)
	}
}

// Block temporarily blocks all operations for the specified duration.
// Used to back off a client that keeps failing authentication.
func (r *RateLimiter) Block(duration time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.blockedUntil = time.Now().Add(duration)
}

// Reset resets the rate limiter to full capacity.
func (r *RateLimiter) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.tokens = float64(r.burst)
	r.lastRefill = time.Now()
	r.blockedUntil = time.Time{}
}

// ClientLimiter implements per-client rate limiting. Keys are client
// identifiers as reported by the socket peer, e.g. "pid=1234 uid=1000".
type ClientLimiter struct {
	mu       sync.Mutex
	limiters map[string]*RateLimiter
	rate     float64
	burst    int
	idle     time.Duration // How long to keep inactive limiters
	done     chan struct{}
}

// NewClientLimiter creates a new per-client rate limiter. Limiters for
// clients idle longer than idle are swept periodically.
func NewClientLimiter(rate float64, burst int, idle time.Duration) *ClientLimiter {
	cl := &ClientLimiter{
		limiters: make(map[string]*RateLimiter),
		rate:     rate,
		burst:    burst,
		idle:     idle,
		done:     make(chan struct{}),
	}

	go cl.sweepLoop()

	return cl
}

// Allow checks if an operation from the given client is allowed.
func (cl *ClientLimiter) Allow(client string) bool {
	return cl.limiter(client).Allow()
}

// Block temporarily blocks a client.
func (cl *ClientLimiter) Block(client string, duration time.Duration) {
	cl.limiter(client).Block(duration)
}

// Close stops the sweep goroutine.
func (cl *ClientLimiter) Close() {
	close(cl.done)
}

func (cl *ClientLimiter) limiter(client string) *RateLimiter {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	limiter, ok := cl.limiters[client]
	if !ok {
		limiter = NewRateLimiter(cl.rate, cl.burst)
		cl.limiters[client] = limiter
	}
	return limiter
}

func (cl *ClientLimiter) sweepLoop() {
	ticker := time.NewTicker(cl.idle)
	defer ticker.Stop()

	for {
		select {
		case <-cl.done:
			return
		case <-ticker.C:
			cl.sweep()
		}
	}
}

func (cl *ClientLimiter) sweep() {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	now := time.Now()
	for client, limiter := range cl.limiters {
		limiter.mu.Lock()
		if now.Sub(limiter.lastRefill) > cl.idle {
			delete(cl.limiters, client)
		}
		limiter.mu.Unlock()
	}
}

// ConnectionLimiter limits the number of concurrent connections.
type ConnectionLimiter struct {
	mu        sync.Mutex
	current   int
	max       int
	perClient map[string]int
	maxPer    int
}

// NewConnectionLimiter creates a new connection limiter.
func NewConnectionLimiter(max, maxPerClient int) *ConnectionLimiter {
	return &ConnectionLimiter{
		max:       max,
		maxPer:    maxPerClient,
		perClient: make(map[string]int),
	}
}

// Acquire attempts to acquire a connection slot for the given client.
// Returns true if successful, false if a limit was reached.
func (cl *ConnectionLimiter) Acquire(client string) bool {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	if cl.current >= cl.max {
		return false
	}

	if cl.perClient[client] >= cl.maxPer {
		return false
	}

	cl.current++
	cl.perClient[client]++
	return true
}

// Release releases a connection slot.
func (cl *ConnectionLimiter) Release(client string) {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	if cl.current > 0 {
		cl.current--
	}
	if cl.perClient[client] > 0 {
		cl.perClient[client]--
		if cl.perClient[client] == 0 {
			delete(cl.perClient, client)
		}
	}
}

// Current returns the current number of connections.
func (cl *ConnectionLimiter) Current() int {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.current
}

// FailureLimiter implements progressive delays after failures, used to
// slow down repeated bad authentication attempts.
type FailureLimiter struct {
	mu           sync.Mutex
	failures     map[string]*failureRecord
	baseDelay    time.Duration
	maxDelay     time.Duration
	resetAfter   time.Duration
	maxFailures  int
	lockDuration time.Duration
}

type failureRecord struct {
	count       int
	lastFailed  time.Time
	lockedUntil time.Time
}

// NewFailureLimiter creates a new failure limiter.
func NewFailureLimiter(baseDelay, maxDelay, resetAfter time.Duration, maxFailures int, lockDuration time.Duration) *FailureLimiter {
	return &FailureLimiter{
		failures:     make(map[string]*failureRecord),
		baseDelay:    baseDelay,
		maxDelay:     maxDelay,
		resetAfter:   resetAfter,
		maxFailures:  maxFailures,
		lockDuration: lockDuration,
	}
}

// RecordFailure records a failure for the given key.
// Returns the required delay before the next attempt.
func (fl *FailureLimiter) RecordFailure(key string) time.Duration {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	now := time.Now()
	record, ok := fl.failures[key]
	if !ok {
		record = &failureRecord{}
		fl.failures[key] = record
	}

	// Reset if enough time has passed
	if now.Sub(record.lastFailed) > fl.resetAfter {
		record.count = 0
	}

	record.count++
	record.lastFailed = now

	// Exponential backoff
	delay := fl.baseDelay * time.Duration(1<<uint(record.count-1))
	if delay > fl.maxDelay {
		delay = fl.maxDelay
	}

	// Lock if max failures exceeded
	if record.count >= fl.maxFailures {
		record.lockedUntil = now.Add(fl.lockDuration)
	}

	return delay
}

// IsLocked checks if the key is currently locked.
func (fl *FailureLimiter) IsLocked(key string) bool {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	record, ok := fl.failures[key]
	if !ok {
		return false
	}

	return time.Now().Before(record.lockedUntil)
}

// RecordSuccess resets the failure count for the given key.
func (fl *FailureLimiter) RecordSuccess(key string) {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	delete(fl.failures, key)
}

// GetDelay returns the current required delay for the given key.
func (fl *FailureLimiter) GetDelay(key string) time.Duration {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	record, ok := fl.failures[key]
	if !ok {
		return 0
	}

	elapsed := time.Since(record.lastFailed)
	delay := fl.baseDelay * time.Duration(1<<uint(record.count-1))
	if delay > fl.maxDelay {
		delay = fl.maxDelay
	}

	if elapsed >= delay {
		return 0
	}

	return delay - elapsed
}

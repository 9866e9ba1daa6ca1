package middleware

import (
	"context"
	"math"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultMaxAttemptsPerMinute is the failed-auth budget per client IP.
	DefaultMaxAttemptsPerMinute = 10

	// DefaultMaxTrackedIPs caps the number of client IPs held in memory.
	DefaultMaxTrackedIPs = 10000

	sweepInterval  = time.Minute
	staleThreshold = 5 * time.Minute
)

type failureBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter throttles clients that keep failing authentication. Every
// client IP owns a token bucket holding maxPerMinute tokens and refilling at
// the same rate per minute. A failure spends one token. An empty bucket
// blocks the IP until it refills.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*failureBucket

	refill     rate.Limit
	burst      int
	maxTracked int
	now        func() time.Time
	stop       context.CancelFunc
}

// RateLimiterOption configures a RateLimiter.
type RateLimiterOption func(*RateLimiter)

// WithMaxTrackedIPs overrides DefaultMaxTrackedIPs. Non-positive values are
// ignored.
func WithMaxTrackedIPs(n int) RateLimiterOption {
	return func(rl *RateLimiter) {
		if n > 0 {
			rl.maxTracked = n
		}
	}
}

func withRateLimiterClock(now func() time.Time) RateLimiterOption {
	return func(rl *RateLimiter) { rl.now = now }
}

// NewRateLimiter returns a limiter with a background sweeper that runs until
// ctx is done or Stop is called. maxPerMinute <= 0 selects
// DefaultMaxAttemptsPerMinute.
func NewRateLimiter(ctx context.Context, maxPerMinute int, opts ...RateLimiterOption) *RateLimiter {
	if maxPerMinute <= 0 {
		maxPerMinute = DefaultMaxAttemptsPerMinute
	}

	ctx, stop := context.WithCancel(ctx)
	rl := &RateLimiter{
		buckets:    make(map[string]*failureBucket),
		refill:     rate.Every(time.Minute / time.Duration(maxPerMinute)),
		burst:      maxPerMinute,
		maxTracked: DefaultMaxTrackedIPs,
		now:        time.Now,
		stop:       stop,
	}
	for _, opt := range opts {
		opt(rl)
	}

	go rl.sweepUntilDone(ctx)
	return rl
}

// Blocked reports whether ip has no failures left in its budget. It never
// spends a token.
func (rl *RateLimiter) Blocked(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, ok := rl.buckets[ip]
	return ok && b.limiter.TokensAt(rl.now()) < 1
}

// RecordFailureAndAllow spends a token for a failed attempt from ip and
// reports whether the attempt was still inside the budget.
func (rl *RateLimiter) RecordFailureAndAllow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	return rl.bucketLocked(ip, now).limiter.AllowN(now, 1)
}

// RetryAfter returns how long ip must wait before its next attempt is
// considered. It is zero when ip is not blocked.
func (rl *RateLimiter) RetryAfter(ip string) time.Duration {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, ok := rl.buckets[ip]
	if !ok {
		return 0
	}
	tokens := b.limiter.TokensAt(rl.now())
	if tokens >= 1 {
		return 0
	}
	seconds := (1 - tokens) / float64(b.limiter.Limit())
	return time.Duration(math.Ceil(seconds * float64(time.Second)))
}

// Len returns the number of tracked client IPs.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}

// Stop ends the background sweeper.
func (rl *RateLimiter) Stop() {
	rl.stop()
}

func (rl *RateLimiter) bucketLocked(ip string, now time.Time) *failureBucket {
	b, ok := rl.buckets[ip]
	if !ok {
		if len(rl.buckets) >= rl.maxTracked {
			rl.evictLeastRecentLocked()
		}
		b = &failureBucket{limiter: rate.NewLimiter(rl.refill, rl.burst)}
		rl.buckets[ip] = b
	}
	b.lastSeen = now
	return b
}

func (rl *RateLimiter) evictLeastRecentLocked() {
	var (
		victim string
		seen   time.Time
	)
	for ip, b := range rl.buckets {
		if victim == "" || b.lastSeen.Before(seen) {
			victim, seen = ip, b.lastSeen
		}
	}
	delete(rl.buckets, victim)
}

func (rl *RateLimiter) sweepUntilDone(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.sweep()
		}
	}
}

// sweep forgets IPs that have not failed within staleThreshold.
func (rl *RateLimiter) sweep() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-staleThreshold)
	for ip, b := range rl.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(rl.buckets, ip)
		}
	}
}

// ExtractIP strips the port from a RemoteAddr-style address.
func ExtractIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

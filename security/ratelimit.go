package security

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// defaultMaxTracked caps how many distinct callers a limiter tracks.
	defaultMaxTracked = 10000

	// purgeInterval is how often stale per-caller buckets are swept.
	purgeInterval = 5 * time.Minute

	// purgeAfter is how long a caller must stay quiet before its bucket is
	// dropped.
	purgeAfter = 30 * time.Minute
)

// bucket is one caller's token bucket plus the bookkeeping the sweep needs.
type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter applies a per-caller token bucket, keyed by an opaque
// identifier (here, the client IP). Memory stays bounded: quiet callers are
// purged on a timer and, at capacity, the stalest caller is dropped to make
// room for a new one.
type RateLimiter struct {
	mu         sync.Mutex
	buckets    map[string]*bucket
	rps        rate.Limit
	burst      int
	maxTracked int
	logger     *slog.Logger

	stop     chan struct{}
	stopOnce sync.Once
}

// NewRateLimiter creates a limiter allowing requestsPerSecond sustained with
// the given burst, and starts its purge loop. Stop releases it.
func NewRateLimiter(requestsPerSecond, burst int, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}

	rl := &RateLimiter{
		buckets:    make(map[string]*bucket),
		rps:        rate.Limit(requestsPerSecond),
		burst:      burst,
		maxTracked: defaultMaxTracked,
		logger:     logger,
		stop:       make(chan struct{}),
	}

	go rl.purgeLoop()

	return rl
}

// Allow reports whether a request from identifier fits its budget.
func (rl *RateLimiter) Allow(identifier string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, ok := rl.buckets[identifier]
	if !ok {
		if rl.maxTracked > 0 && len(rl.buckets) >= rl.maxTracked {
			rl.dropStalest()
		}
		b = &bucket{limiter: rate.NewLimiter(rl.rps, rl.burst)}
		rl.buckets[identifier] = b
	}
	b.lastSeen = time.Now()

	return b.limiter.Allow()
}

// dropStalest evicts the least recently seen caller. Called with the lock
// held, only when the map is at capacity.
func (rl *RateLimiter) dropStalest() {
	var stalest string
	var when time.Time
	for id, b := range rl.buckets {
		if stalest == "" || b.lastSeen.Before(when) {
			stalest = id
			when = b.lastSeen
		}
	}
	if stalest == "" {
		return
	}

	delete(rl.buckets, stalest)
	rl.logger.Debug("Rate limiter evicted stalest caller",
		"identifier", stalest,
		"tracked", len(rl.buckets))
}

// purge drops callers that have been quiet for longer than maxIdle.
func (rl *RateLimiter) purge(maxIdle time.Duration) {
	cutoff := time.Now().Add(-maxIdle)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	removed := 0
	for id, b := range rl.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(rl.buckets, id)
			removed++
		}
	}

	if removed > 0 {
		rl.logger.Debug("Rate limiter purged quiet callers",
			"removed", removed,
			"tracked", len(rl.buckets))
	}
}

func (rl *RateLimiter) purgeLoop() {
	ticker := time.NewTicker(purgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.purge(purgeAfter)
		case <-rl.stop:
			return
		}
	}
}

// Stop ends the purge loop. Safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

// Package limits applies a per-identity token bucket to incoming requests.
// Authenticated callers are keyed by tenant so one tenant cannot starve the
// rest; anonymous callers fall back to their client address.
package limits

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	// bucketTTL is how long an idle identity keeps its bucket before the
	// sweeper reclaims it.
	bucketTTL = 5 * time.Minute

	sweepInterval = time.Minute
)

type bucket struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// Limiter holds one token bucket per identity key. Buckets refill at
// requests/period and hold a full burst of requests, so a quiet identity can
// spend its whole allowance at once.
type Limiter struct {
	requests int
	period   time.Duration

	mu      sync.Mutex
	buckets map[string]*bucket

	logger    zerolog.Logger
	ticker    *time.Ticker
	stopSweep chan struct{}
	stopOnce  sync.Once
}

func New(requests int, period time.Duration, logger zerolog.Logger) *Limiter {
	l := &Limiter{
		requests:  requests,
		period:    period,
		buckets:   make(map[string]*bucket),
		logger:    logger.With().Str("component", "rate_limiter").Logger(),
		ticker:    time.NewTicker(sweepInterval),
		stopSweep: make(chan struct{}),
	}
	go l.sweepLoop()
	return l
}

// Allow consumes one token for key, creating its bucket on first sight. When
// the bucket is empty it reports how long until the next token instead of
// queueing the request.
func (l *Limiter) Allow(key string) (bool, time.Duration) {
	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{
			limiter: rate.NewLimiter(rate.Limit(float64(l.requests)/l.period.Seconds()), l.requests),
		}
		l.buckets[key] = b
	}
	b.lastAccess = time.Now()
	l.mu.Unlock()

	res := b.limiter.Reserve()
	if delay := res.Delay(); delay > 0 {
		res.Cancel()
		return false, delay
	}
	return true, 0
}

// Requests is the configured allowance per period, exposed for response
// headers.
func (l *Limiter) Requests() int { return l.requests }

// Period is the refill window, exposed for Retry-After headers.
func (l *Limiter) Period() time.Duration { return l.period }

// Stop terminates the sweeper. Buckets already handed out keep working.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() {
		l.ticker.Stop()
		close(l.stopSweep)
	})
}

func (l *Limiter) sweepLoop() {
	for {
		select {
		case <-l.ticker.C:
			l.sweep()
		case <-l.stopSweep:
			return
		}
	}
}

// sweep drops buckets idle past the TTL so one-off identities do not
// accumulate forever.
func (l *Limiter) sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().Add(-bucketTTL)
	removed := 0
	for key, b := range l.buckets {
		if b.lastAccess.Before(cutoff) {
			delete(l.buckets, key)
			removed++
		}
	}
	if removed > 0 {
		l.logger.Debug().
			Int("removed", removed).
			Int("remaining", len(l.buckets)).
			Msg("Swept idle rate limit buckets")
	}
}

package limits

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T, requests int, period time.Duration) *Limiter {
	t.Helper()
	l := New(requests, period, zerolog.Nop())
	t.Cleanup(l.Stop)
	return l
}

func allow(l *Limiter, key string) bool {
	ok, _ := l.Allow(key)
	return ok
}

func TestAllowSpendsBurstThenDenies(t *testing.T) {
	l := newTestLimiter(t, 3, time.Minute)

	for i := 0; i < 3; i++ {
		assert.True(t, allow(l, "user:abc"), "request %d should pass", i+1)
	}

	ok, retryAfter := l.Allow("user:abc")
	assert.False(t, ok)
	assert.Greater(t, retryAfter, time.Duration(0))
}

func TestAllowKeysAreIndependent(t *testing.T) {
	l := newTestLimiter(t, 1, time.Minute)

	require.True(t, allow(l, "user:a"))
	require.False(t, allow(l, "user:a"))

	assert.True(t, allow(l, "user:b"))
	assert.True(t, allow(l, "ip:10.0.0.1"))
}

func TestAllowRefillsOverTime(t *testing.T) {
	// 100 tokens per second, bucket drained, one token back after ~10ms.
	l := newTestLimiter(t, 100, time.Second)

	for i := 0; i < 100; i++ {
		require.True(t, allow(l, "user:busy"))
	}
	require.False(t, allow(l, "user:busy"))

	assert.Eventually(t, func() bool {
		return allow(l, "user:busy")
	}, time.Second, 5*time.Millisecond)
}

func TestDeniedReservationDoesNotQueue(t *testing.T) {
	// A denied call must cancel its reservation: after two denials the next
	// token should still arrive in roughly one refill interval, not three.
	l := newTestLimiter(t, 10, time.Second)

	for i := 0; i < 10; i++ {
		require.True(t, allow(l, "user:x"))
	}

	_, first := l.Allow("user:x")
	_, second := l.Allow("user:x")
	require.Greater(t, first, time.Duration(0))
	assert.InDelta(t, float64(first), float64(second), float64(50*time.Millisecond))
}

func TestSweepDropsIdleBuckets(t *testing.T) {
	l := newTestLimiter(t, 1, time.Minute)

	l.Allow("user:stale")
	l.Allow("user:fresh")

	l.mu.Lock()
	l.buckets["user:stale"].lastAccess = time.Now().Add(-2 * bucketTTL)
	l.mu.Unlock()

	l.sweep()

	l.mu.Lock()
	defer l.mu.Unlock()
	assert.NotContains(t, l.buckets, "user:stale")
	assert.Contains(t, l.buckets, "user:fresh")
}

func TestStopIsIdempotent(t *testing.T) {
	l := New(1, time.Minute, zerolog.Nop())
	l.Stop()
	l.Stop()
}

func TestHeaderAccessors(t *testing.T) {
	l := newTestLimiter(t, 100, time.Minute)
	assert.Equal(t, 100, l.Requests())
	assert.Equal(t, time.Minute, l.Period())
}

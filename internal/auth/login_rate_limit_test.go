package auth

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 9, 1, 8, 0, 0, 0, time.UTC)

func TestLoginRateLimiter_AllowsUpToMax(t *testing.T) {
	l := NewLoginRateLimiter(5, 300*time.Second)

	for i := 0; i < 5; i++ {
		ok, retry := l.Allow("10.0.0.1", t0.Add(time.Duration(i)*time.Second))
		require.True(t, ok, "attempt %d", i+1)
		assert.Zero(t, retry)
	}

	ok, retry := l.Allow("10.0.0.1", t0.Add(10*time.Second))
	assert.False(t, ok)
	assert.Equal(t, 290*time.Second, retry)
	assert.Greater(t, retry, time.Duration(0))
	assert.LessOrEqual(t, retry, 300*time.Second)
}

func TestLoginRateLimiter_RejectionDoesNotExtendWindow(t *testing.T) {
	l := NewLoginRateLimiter(2, time.Minute)

	require.True(t, mustAllow(l, "k", t0))
	require.True(t, mustAllow(l, "k", t0.Add(time.Second)))
	require.False(t, mustAllow(l, "k", t0.Add(2*time.Second)))
	require.False(t, mustAllow(l, "k", t0.Add(30*time.Second)))

	// oldest attempt leaves the window at t0+60s
	assert.True(t, mustAllow(l, "k", t0.Add(61*time.Second)))
}

func TestLoginRateLimiter_RetryAfterRoundsUp(t *testing.T) {
	l := NewLoginRateLimiter(1, 10*time.Second)

	require.True(t, mustAllow(l, "k", t0))
	ok, retry := l.Allow("k", t0.Add(2500*time.Millisecond))
	require.False(t, ok)
	assert.Equal(t, 8*time.Second, retry)

	ok, retry = l.Allow("k", t0.Add(9999*time.Millisecond))
	require.False(t, ok)
	assert.Equal(t, time.Second, retry)
}

func TestLoginRateLimiter_KeysAreIndependent(t *testing.T) {
	l := NewLoginRateLimiter(1, time.Minute)

	assert.True(t, mustAllow(l, "a", t0))
	assert.False(t, mustAllow(l, "a", t0))
	assert.True(t, mustAllow(l, "b", t0))
}

func TestLoginRateLimiter_Defaults(t *testing.T) {
	l := NewLoginRateLimiter(0, 0)
	assert.Equal(t, 5, l.maxAttempts)
	assert.Equal(t, 300*time.Second, l.Window())
}

func TestLoginRateLimiter_Sweep(t *testing.T) {
	l := NewLoginRateLimiter(3, time.Minute)

	mustAllow(l, "old", t0)
	mustAllow(l, "fresh", t0.Add(50*time.Second))

	removed := l.Sweep(t0.Add(70 * time.Second))
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, l.size())
}

func TestLoginRateLimiter_SweepsWhenFull(t *testing.T) {
	l := NewLoginRateLimiter(3, time.Minute)
	l.maxKeys = 3

	for i := 0; i < 3; i++ {
		mustAllow(l, fmt.Sprintf("k%d", i), t0)
	}
	mustAllow(l, "late", t0.Add(2*time.Minute))

	assert.Equal(t, 1, l.size())
}

func TestLoginRateLimiter_Concurrent(t *testing.T) {
	l := NewLoginRateLimiter(5, time.Minute)

	var allowed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := l.Allow("shared", t0); ok {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(5), allowed.Load())
}

func TestLoginRateLimiter_ConcurrentWithSweep(t *testing.T) {
	for round := 0; round < 20; round++ {
		l := NewLoginRateLimiter(5, time.Minute)

		done := make(chan struct{})
		var sweepers sync.WaitGroup
		for i := 0; i < 4; i++ {
			sweepers.Add(1)
			go func() {
				defer sweepers.Done()
				for {
					select {
					case <-done:
						return
					default:
						l.Sweep(t0)
					}
				}
			}()
		}

		var allowed atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if ok, _ := l.Allow("shared", t0); ok {
					allowed.Add(1)
				}
			}()
		}
		wg.Wait()
		close(done)
		sweepers.Wait()

		require.Equal(t, int32(5), allowed.Load(), "round %d", round)
	}
}

func mustAllow(l *LoginRateLimiter, key string, now time.Time) bool {
	ok, _ := l.Allow(key, now)
	return ok
}

package auth

import (
	"math"
	"sync"
	"time"
)

const (
	defaultLoginAttempts = 5
	defaultLoginWindow   = 5 * time.Minute
	defaultLimiterKeys   = 5000
)

// LoginRateLimiter is a sliding-window counter of login attempts per client
// address. State lives in process memory only.
type LoginRateLimiter struct {
	mu          sync.Mutex
	maxAttempts int
	window      time.Duration
	buckets     map[string]*loginBucket
	maxKeys     int
}

type loginBucket struct {
	mu       sync.Mutex
	attempts []time.Time
}

func NewLoginRateLimiter(maxAttempts int, window time.Duration) *LoginRateLimiter {
	if maxAttempts <= 0 {
		maxAttempts = defaultLoginAttempts
	}
	if window <= 0 {
		window = defaultLoginWindow
	}

	return &LoginRateLimiter{
		maxAttempts: maxAttempts,
		window:      window,
		buckets:     make(map[string]*loginBucket),
		maxKeys:     defaultLimiterKeys,
	}
}

func (l *LoginRateLimiter) Window() time.Duration {
	return l.window
}

// Allow records an attempt for key unless the window is already full. When
// rejected, the second result is how long until the oldest attempt leaves the
// window, rounded up to whole seconds.
func (l *LoginRateLimiter) Allow(key string, now time.Time) (bool, time.Duration) {
	bucket := l.bucket(key, now)
	defer bucket.mu.Unlock()

	threshold := now.Add(-l.window)
	drop := 0
	for drop < len(bucket.attempts) && !bucket.attempts[drop].After(threshold) {
		drop++
	}
	bucket.attempts = bucket.attempts[drop:]

	if len(bucket.attempts) >= l.maxAttempts {
		return false, l.retryAfter(bucket.attempts[0], now)
	}

	bucket.attempts = append(bucket.attempts, now)
	return true, 0
}

func (l *LoginRateLimiter) retryAfter(oldest, now time.Time) time.Duration {
	remaining := oldest.Add(l.window).Sub(now)
	secs := time.Duration(math.Ceil(remaining.Seconds())) * time.Second
	if secs < time.Second {
		secs = time.Second
	}
	if secs > l.window {
		secs = l.window
	}
	return secs
}

// bucket returns the bucket for key with its lock held. It is taken before
// l.mu is released so a sweep cannot drop the bucket while it is still empty.
func (l *LoginRateLimiter) bucket(key string, now time.Time) *loginBucket {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		if len(l.buckets) >= l.maxKeys {
			l.sweepLocked(now)
		}
		b = &loginBucket{}
		l.buckets[key] = b
	}

	b.mu.Lock()
	return b
}

// Sweep drops buckets with no attempt inside the window and returns how many
// were removed.
func (l *LoginRateLimiter) Sweep(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sweepLocked(now)
}

func (l *LoginRateLimiter) sweepLocked(now time.Time) int {
	threshold := now.Add(-l.window)
	removed := 0
	for key, b := range l.buckets {
		b.mu.Lock()
		idle := len(b.attempts) == 0 || !b.attempts[len(b.attempts)-1].After(threshold)
		b.mu.Unlock()
		if idle {
			delete(l.buckets, key)
			removed++
		}
	}
	return removed
}

func (l *LoginRateLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/adiadia/browsertest-runner/internal/domain"
)

// RateLimitError is returned by Launch when a test was launched too often.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s: retry after %s", domain.ErrLaunchRateExceeded, e.RetryAfter)
}

func (e *RateLimitError) Unwrap() error {
	return domain.ErrLaunchRateExceeded
}

type tokenBucket struct {
	capacity        float64
	tokens          float64
	refillPerSecond float64
	lastRefill      time.Time
}

// launchLimiter keeps one token bucket per test id.
type launchLimiter struct {
	mu             sync.Mutex
	limitPerMinute int
	buckets        map[string]*tokenBucket
}

// newLaunchLimiter returns nil when limitPerMinute is zero, which disables
// limiting.
func newLaunchLimiter(limitPerMinute int) *launchLimiter {
	if limitPerMinute <= 0 {
		return nil
	}
	return &launchLimiter{
		limitPerMinute: limitPerMinute,
		buckets:        make(map[string]*tokenBucket, 32),
	}
}

// Allow takes a token for testID. When none is left it reports how long
// until the next one.
func (l *launchLimiter) Allow(testID string, now time.Time) (bool, time.Duration) {
	if l == nil {
		return true, 0
	}

	capacity := float64(l.limitPerMinute)

	l.mu.Lock()
	defer l.mu.Unlock()

	bucket, ok := l.buckets[testID]
	if !ok {
		bucket = &tokenBucket{
			capacity:        capacity,
			tokens:          capacity,
			refillPerSecond: capacity / 60.0,
			lastRefill:      now,
		}
		l.buckets[testID] = bucket
	}

	elapsedSeconds := now.Sub(bucket.lastRefill).Seconds()
	if elapsedSeconds > 0 {
		bucket.tokens = math.Min(bucket.capacity, bucket.tokens+elapsedSeconds*bucket.refillPerSecond)
		bucket.lastRefill = now
	}

	if bucket.tokens >= 1 {
		bucket.tokens--
		return true, 0
	}

	waitSeconds := math.Ceil((1 - bucket.tokens) / bucket.refillPerSecond)
	if waitSeconds < 1 {
		waitSeconds = 1
	}
	return false, time.Duration(waitSeconds) * time.Second
}

// SPDX-License-Identifier: Apache-2.0

package middleware

import (
	"math"
	"sync"
	"time"
)

// RateLimitDecision tells the capture handler what happened and what to put
// in the response headers.
type RateLimitDecision struct {
	Allowed           bool
	LimitPerMinute    int
	Remaining         int
	RetryAfterSeconds int
}

type tokenBucket struct {
	capacity        float64
	tokens          float64
	refillPerSecond float64
	lastRefill      time.Time
}

// RateLimiter holds one token bucket per team. Capture calls Allow once per
// event, so the per-minute limit is an events-per-minute budget rather than
// a request budget.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[int64]*tokenBucket
}

func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		buckets: make(map[int64]*tokenBucket, 32),
	}
}

func (l *RateLimiter) Allow(teamID int64, limitPerMinute int, now time.Time) RateLimitDecision {
	if limitPerMinute <= 0 {
		limitPerMinute = 1
	}

	capacity := float64(limitPerMinute)
	refillPerSecond := capacity / 60.0

	l.mu.Lock()
	defer l.mu.Unlock()

	bucket, ok := l.buckets[teamID]
	if !ok || bucket.capacity != capacity {
		bucket = &tokenBucket{
			capacity:        capacity,
			tokens:          capacity,
			refillPerSecond: refillPerSecond,
			lastRefill:      now,
		}
		l.buckets[teamID] = bucket
	}

	elapsedSeconds := now.Sub(bucket.lastRefill).Seconds()
	if elapsedSeconds > 0 {
		bucket.tokens += elapsedSeconds * bucket.refillPerSecond
		if bucket.tokens > bucket.capacity {
			bucket.tokens = bucket.capacity
		}
		bucket.lastRefill = now
	}

	decision := RateLimitDecision{
		Allowed:        false,
		LimitPerMinute: limitPerMinute,
		Remaining:      int(math.Floor(bucket.tokens)),
	}

	if bucket.tokens >= 1 {
		bucket.tokens -= 1
		decision.Allowed = true
		decision.Remaining = int(math.Floor(bucket.tokens))
		return decision
	}

	missingTokens := 1 - bucket.tokens
	waitSeconds := int(math.Ceil(missingTokens / bucket.refillPerSecond))
	if waitSeconds < 1 {
		waitSeconds = 1
	}
	decision.RetryAfterSeconds = waitSeconds
	return decision
}

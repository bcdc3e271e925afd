// SPDX-License-Identifier: Apache-2.0

package middleware

import (
	"testing"
	"time"
)

func TestRateLimiter(t *testing.T) {
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("allows a full burst up to the limit", func(t *testing.T) {
		limiter := NewRateLimiter()

		for i := 0; i < 5; i++ {
			decision := limiter.Allow(1, 5, base)
			if !decision.Allowed {
				t.Fatalf("event %d should be allowed", i)
			}
		}
		if decision := limiter.Allow(1, 5, base); decision.Allowed {
			t.Fatal("sixth event in the same instant should be rejected")
		}
	})

	t.Run("reports remaining budget", func(t *testing.T) {
		limiter := NewRateLimiter()

		decision := limiter.Allow(1, 10, base)
		if decision.Remaining != 9 {
			t.Fatalf("expected remaining 9 got %d", decision.Remaining)
		}
		if decision.LimitPerMinute != 10 {
			t.Fatalf("expected limit 10 got %d", decision.LimitPerMinute)
		}
	})

	t.Run("refills over time", func(t *testing.T) {
		limiter := NewRateLimiter()

		for i := 0; i < 60; i++ {
			limiter.Allow(1, 60, base)
		}
		if decision := limiter.Allow(1, 60, base); decision.Allowed {
			t.Fatal("bucket should be empty")
		}

		// 60 per minute refills one token per second.
		later := base.Add(2 * time.Second)
		decision := limiter.Allow(1, 60, later)
		if !decision.Allowed {
			t.Fatal("expected the bucket to refill after two seconds")
		}
	})

	t.Run("sets retry-after when the bucket is empty", func(t *testing.T) {
		limiter := NewRateLimiter()

		for i := 0; i < 60; i++ {
			limiter.Allow(1, 60, base)
		}
		decision := limiter.Allow(1, 60, base)
		if decision.Allowed {
			t.Fatal("bucket should be empty")
		}
		if decision.RetryAfterSeconds < 1 {
			t.Fatalf("expected a positive retry-after, got %d", decision.RetryAfterSeconds)
		}
	})

	t.Run("tracks teams independently", func(t *testing.T) {
		limiter := NewRateLimiter()

		for i := 0; i < 5; i++ {
			limiter.Allow(1, 5, base)
		}
		if decision := limiter.Allow(1, 5, base); decision.Allowed {
			t.Fatal("team 1 should be exhausted")
		}
		if decision := limiter.Allow(2, 5, base); !decision.Allowed {
			t.Fatal("team 2 has its own bucket")
		}
	})

	t.Run("resets the bucket when the limit changes", func(t *testing.T) {
		limiter := NewRateLimiter()

		for i := 0; i < 5; i++ {
			limiter.Allow(1, 5, base)
		}
		if decision := limiter.Allow(1, 100, base); !decision.Allowed {
			t.Fatal("a raised limit should start a fresh bucket")
		}
	})
}

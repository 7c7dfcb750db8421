// ABOUTME: Capped exponential backoff with equal jitter for dispatch retries
// ABOUTME: Successive delays never decrease until the cap is reached

package dispatch

import (
	"math/rand/v2"
	"time"
)

// Delay returns the wait before retry number attempt (1-based). The ceiling
// doubles per attempt up to max; the returned delay is drawn from the upper
// half of the ceiling, so consecutive delays are non-decreasing below the cap.
func Delay(base, max time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if base <= 0 {
		base = time.Millisecond
	}
	if max < base {
		max = base
	}

	ceiling := base
	for i := 1; i < attempt; i++ {
		ceiling *= 2
		if ceiling >= max {
			ceiling = max
			break
		}
	}

	half := ceiling / 2
	return half + time.Duration(rand.Int64N(int64(half)+1))
}

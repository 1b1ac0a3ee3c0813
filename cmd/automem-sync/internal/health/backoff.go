package health

import (
	"context"
	"math/rand"
	"time"
)

// applyJitter randomizes an interval by +/-25% to avoid thundering-herd
// polling against a service that is still starting.
func applyJitter(interval time.Duration) time.Duration {
	if interval <= 0 {
		return interval
	}
	jitter := time.Duration(rand.Int63n(int64(interval) / 2))
	return interval*3/4 + jitter
}

// nextInterval grows the polling interval exponentially, capped at max.
func nextInterval(current, max time.Duration, multiplier float64) time.Duration {
	if multiplier <= 1 {
		return current
	}
	next := time.Duration(float64(current) * multiplier)
	if next > max {
		return max
	}
	return next
}

// sleepWithContext sleeps for d or until the context is done, whichever
// comes first. Returns the context error on early wake.
func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

package runtime

import (
	"context"
	"math/rand"
	"time"
)

func sleepWithBackoff(ctx context.Context, backoff time.Duration, jitter time.Duration) bool {
	delay := backoff
	if jitter > 0 {
		jitterValue := time.Duration(rand.Int63n(int64(jitter) + 1))
		delay += jitterValue
	}
	if delay <= 0 {
		return true
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

package testutil

import (
	"testing"
	"time"
)

// Eventually polls fn every interval until it returns nil, failing t with the
// last error once timeout passes.
func Eventually(t testing.TB, timeout time.Duration, interval time.Duration, fn func() error) {
	t.Helper()
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		err := fn()
		if err == nil {
			return
		}
		select {
		case <-deadline.C:
			t.Fatalf("condition not met after %s: %v", timeout, err)
			return
		case <-ticker.C:
		}
	}
}

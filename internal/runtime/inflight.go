package runtime

import (
	"context"
	"sync"
)

// InflightTracker counts requests the proxy is still answering so shutdown
// can wait for fetches that are already talking to the network.
type InflightTracker struct {
	mu    sync.Mutex
	count int64
	idle  chan struct{}
}

func NewInflightTracker() *InflightTracker {
	idle := make(chan struct{})
	close(idle)
	return &InflightTracker{idle: idle}
}

func (t *InflightTracker) Inc() {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.count == 0 {
		t.idle = make(chan struct{})
	}
	t.count++
}

func (t *InflightTracker) Dec() {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.count == 0 {
		return
	}
	t.count--
	if t.count == 0 {
		close(t.idle)
	}
}

func (t *InflightTracker) Count() int64 {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count
}

// Wait blocks until no request is in flight or ctx ends.
func (t *InflightTracker) Wait(ctx context.Context) error {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	idle := t.idle
	t.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

package runtime

import (
	"context"
	"time"

	"helpdesk_offline_cache/internal/obs"
	"helpdesk_offline_cache/internal/worker"
)

const defaultBootstrapInterval = time.Minute

// Bootstrap keeps registering the initial worker until a worker is active or
// waiting. A failed first install is retried on every interval, and Kick
// starts an attempt early, for example when the origin comes back.
type Bootstrap struct {
	registration *Registration
	build        func() (*worker.Worker, error)
	interval     time.Duration
	kick         chan struct{}
}

func NewBootstrap(registration *Registration, build func() (*worker.Worker, error), interval time.Duration) *Bootstrap {
	if interval <= 0 {
		interval = defaultBootstrapInterval
	}
	return &Bootstrap{
		registration: registration,
		build:        build,
		interval:     interval,
		kick:         make(chan struct{}, 1),
	}
}

// Kick asks for an attempt without waiting for the next interval.
func (b *Bootstrap) Kick() {
	if b == nil {
		return
	}
	select {
	case b.kick <- struct{}{}:
	default:
	}
}

// Run attempts registration immediately and then on every interval or kick.
// It returns nil once a worker is registered and ctx.Err() when ctx ends
// first.
func (b *Bootstrap) Run(ctx context.Context) error {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		if b.attempt(ctx) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-b.kick:
		}
	}
}

func (b *Bootstrap) attempt(ctx context.Context) bool {
	if b.registration.Active() != nil || b.registration.Waiting() != nil {
		return true
	}
	w, err := b.build()
	if err != nil {
		obs.LogEvent(obs.Event{Name: "bootstrap", Err: err})
		return false
	}
	if _, err := b.registration.RegisterIfIdle(ctx, w); err != nil {
		b.registration.metrics.RecordLifecycle("bootstrap", "error")
		obs.LogEvent(obs.Event{Name: "bootstrap", CacheVersion: w.Version(), Err: err})
		return false
	}
	return true
}

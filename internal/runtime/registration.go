package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"helpdesk_offline_cache/internal/cache"
	"helpdesk_offline_cache/internal/obs"
	"helpdesk_offline_cache/internal/worker"
)

const (
	defaultInstallAttempts = 3
	defaultInstallBackoff  = 500 * time.Millisecond
	maxInstallBackoff      = 30 * time.Second
)

var (
	ErrNoWaitingWorker = errors.New("no waiting worker")
	ErrStoreInUse      = errors.New("store in use")
)

type Options struct {
	// InstallAttempts is the number of install tries before Register gives up.
	InstallAttempts int
	InstallBackoff  time.Duration
	Metrics         *obs.Metrics
	OnPromote       func(active *worker.Worker, previous *worker.Worker)
	// Storage is the store namespace DeleteStore removes stores from.
	Storage cache.Storage
}

// Registration hosts workers the way a browser hosts service workers: one
// active worker answers fetches, a newer installed worker may wait for
// promotion, and replaced workers become redundant.
//
// Lifecycle jobs (register, promote, store deletion) run one at a time. An
// activation prunes every store but its own, so a second install must never
// overlap it.
type Registration struct {
	active     atomic.Value
	waiting    atomic.Value
	installing atomic.Value

	// mu is held for the whole of each lifecycle job.
	mu sync.Mutex

	attempts  int
	backoff   time.Duration
	metrics   *obs.Metrics
	storage   cache.Storage
	onPromote func(active *worker.Worker, previous *worker.Worker)
}

func NewRegistration(opts Options) *Registration {
	attempts := opts.InstallAttempts
	if attempts <= 0 {
		attempts = defaultInstallAttempts
	}
	backoff := opts.InstallBackoff
	if backoff <= 0 {
		backoff = defaultInstallBackoff
	}
	return &Registration{
		attempts:  attempts,
		backoff:   backoff,
		metrics:   opts.Metrics,
		storage:   opts.Storage,
		onPromote: opts.OnPromote,
	}
}

func (r *Registration) Active() *worker.Worker {
	if r == nil {
		return nil
	}
	return load(&r.active)
}

func (r *Registration) Waiting() *worker.Worker {
	if r == nil {
		return nil
	}
	return load(&r.waiting)
}

// Installing returns the worker whose install is in progress, if any.
func (r *Registration) Installing() *worker.Worker {
	if r == nil {
		return nil
	}
	return load(&r.installing)
}

func load(value *atomic.Value) *worker.Worker {
	stored := value.Load()
	if stored == nil {
		return nil
	}
	return stored.(*worker.Worker)
}

// Register installs w and either promotes it or parks it as the waiting
// worker. A worker is promoted immediately when nothing is active yet or
// when its policy skips waiting. A previously waiting worker is replaced and
// becomes redundant.
func (r *Registration) Register(ctx context.Context, w *worker.Worker) (bool, error) {
	if w == nil {
		return false, errors.New("worker is nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registerLocked(ctx, w)
}

// RegisterIfIdle registers w only while no worker is active or waiting. It
// reports false without installing when another worker got there first.
func (r *Registration) RegisterIfIdle(ctx context.Context, w *worker.Worker) (bool, error) {
	if w == nil {
		return false, errors.New("worker is nil")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Active() != nil || r.Waiting() != nil {
		return false, nil
	}
	return r.registerLocked(ctx, w)
}

func (r *Registration) registerLocked(ctx context.Context, w *worker.Worker) (bool, error) {
	r.installing.Store(w)
	err := r.installWithRetry(ctx, w)
	r.installing.Store((*worker.Worker)(nil))
	if err != nil {
		return false, err
	}

	if r.Active() == nil || w.Policy().SkipWaiting {
		if previous := r.Waiting(); previous != nil && previous != w {
			previous.MarkRedundant()
			r.waiting.Store((*worker.Worker)(nil))
		}
		if err := r.promoteLocked(ctx, w); err != nil {
			return false, err
		}
		return true, nil
	}

	if previous := r.Waiting(); previous != nil {
		previous.MarkRedundant()
	}
	r.waiting.Store(w)
	obs.LogEvent(obs.Event{Name: "waiting", CacheVersion: w.Version(), State: w.State().String()})
	return false, nil
}

// Promote activates the waiting worker and makes it the active one.
func (r *Registration) Promote(ctx context.Context) (*worker.Worker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := r.Waiting()
	if next == nil {
		return nil, ErrNoWaitingWorker
	}
	if err := r.promoteLocked(ctx, next); err != nil {
		return nil, err
	}
	r.waiting.Store((*worker.Worker)(nil))
	return next, nil
}

// DeleteStore removes a store that no active, waiting or installing worker
// owns.
func (r *Registration) DeleteStore(ctx context.Context, name string) (bool, error) {
	if r.storage == nil {
		return false, errors.New("storage unavailable")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, w := range []*worker.Worker{r.Active(), r.Waiting(), r.Installing()} {
		if w != nil && w.Version() == name {
			return false, fmt.Errorf("%w: %s", ErrStoreInUse, name)
		}
	}
	deleted, err := r.storage.Delete(ctx, name)
	if err != nil {
		return false, err
	}
	if deleted {
		r.metrics.RecordLifecycle("delete_store", "ok")
		obs.LogEvent(obs.Event{Name: "delete_store", CacheVersion: name})
	}
	return deleted, nil
}

func (r *Registration) promoteLocked(ctx context.Context, next *worker.Worker) error {
	if err := next.Activate(ctx); err != nil {
		return fmt.Errorf("activate %s: %w", next.Version(), err)
	}
	previous := r.Active()
	r.active.Store(next)
	if previous != nil && previous != next {
		previous.MarkRedundant()
	}

	r.metrics.SetActiveVersion(next.Version())
	r.metrics.RecordLifecycle("promote", "ok")
	detail := ""
	if previous != nil {
		detail = "replaced " + previous.Version()
	}
	obs.LogEvent(obs.Event{Name: "promote", CacheVersion: next.Version(), State: next.State().String(), Detail: detail})
	if r.onPromote != nil {
		r.onPromote(next, previous)
	}
	return nil
}

func (r *Registration) installWithRetry(ctx context.Context, w *worker.Worker) error {
	backoff := r.backoff
	var err error
	for attempt := 1; attempt <= r.attempts; attempt++ {
		err = w.Install(ctx)
		if err == nil {
			return nil
		}
		if !errors.Is(err, worker.ErrInstallFailed) || attempt == r.attempts {
			break
		}
		r.metrics.RecordLifecycle("install_retry", "scheduled")
		if !sleepWithBackoff(ctx, backoff, backoff/2) {
			return errors.Join(err, ctx.Err())
		}
		backoff = min(backoff*2, maxInstallBackoff)
	}
	return err
}

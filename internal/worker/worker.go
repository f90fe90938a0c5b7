// Package worker implements the offline cache worker: a versioned store that
// is populated on install, pruned of other versions on activation, and
// consulted per request according to a policy.Policy.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"helpdesk_offline_cache/internal/cache"
	"helpdesk_offline_cache/internal/obs"
	"helpdesk_offline_cache/internal/policy"
	"helpdesk_offline_cache/internal/transport"
)

const defaultInstallConcurrency = 4

var (
	ErrInstallFailed = errors.New("worker install failed")
	ErrInvalidState  = errors.New("invalid worker state")
	ErrNetwork       = errors.New("network request failed")
)

type State int32

const (
	StateParsed State = iota
	StateInstalling
	StateInstalled
	StateActivating
	StateActivated
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateParsed:
		return "parsed"
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActivated:
		return "activated"
	case StateRedundant:
		return "redundant"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

type Config struct {
	Policy  policy.Policy
	Origin  *url.URL
	Storage cache.Storage
	Network transport.Network
	Metrics *obs.Metrics
	// InstallConcurrency bounds parallel manifest fetches.
	InstallConcurrency int
	// MaxObjectBytes caps bodies buffered for opportunistic caching.
	MaxObjectBytes int64
}

type Worker struct {
	policy      policy.Policy
	origin      *url.URL
	storage     cache.Storage
	network     transport.Network
	metrics     *obs.Metrics
	concurrency int
	maxObject   int64

	// mu serializes lifecycle transitions; fetches only read state.
	mu    sync.Mutex
	state atomic.Int32
	store atomic.Value
}

func New(cfg Config) (*Worker, error) {
	if err := cfg.Policy.Validate(); err != nil {
		return nil, err
	}
	if cfg.Origin == nil || !cfg.Origin.IsAbs() || cfg.Origin.Host == "" {
		return nil, errors.New("worker origin must be an absolute url")
	}
	if cfg.Storage == nil {
		return nil, errors.New("worker storage is required")
	}
	if cfg.Network == nil {
		return nil, errors.New("worker network is required")
	}
	concurrency := cfg.InstallConcurrency
	if concurrency <= 0 {
		concurrency = defaultInstallConcurrency
	}
	maxObject := cfg.MaxObjectBytes
	if maxObject <= 0 {
		maxObject = cache.DefaultMaxObjectBytes
	}
	return &Worker{
		policy:      cfg.Policy.Clone(),
		origin:      cfg.Origin,
		storage:     cfg.Storage,
		network:     cfg.Network,
		metrics:     cfg.Metrics,
		concurrency: concurrency,
		maxObject:   maxObject,
	}, nil
}

func (w *Worker) Policy() policy.Policy {
	return w.policy.Clone()
}

func (w *Worker) Version() string {
	return w.policy.Version
}

func (w *Worker) Origin() *url.URL {
	return w.origin
}

func (w *Worker) State() State {
	return State(w.state.Load())
}

func (w *Worker) currentStore() cache.Store {
	value := w.store.Load()
	if value == nil {
		return nil
	}
	return value.(cache.Store)
}

// Install opens the store for the policy version and fills it with every
// manifest entry. Either all entries are stored and the worker moves to
// installed, or nothing is stored and the worker returns to parsed so a later
// Install can retry.
func (w *Worker) Install(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.State() != StateParsed {
		return fmt.Errorf("%w: install from %s", ErrInvalidState, w.State())
	}
	w.state.Store(int32(StateInstalling))

	ctx, span := obs.Tracer().Start(ctx, "worker.install")
	span.SetAttributes(attribute.String("cache.version", w.policy.Version), attribute.Int("cache.manifest_size", len(w.policy.Manifest)))
	defer span.End()

	start := time.Now()
	store, err := w.install(ctx)
	if err != nil {
		w.state.Store(int32(StateParsed))
		span.RecordError(err)
		span.SetStatus(codes.Error, "install failed")
		w.metrics.RecordLifecycle("install", "error")
		obs.LogEvent(obs.Event{Name: "install", CacheVersion: w.policy.Version, State: StateParsed.String(), Duration: time.Since(start), Err: err})
		return err
	}

	w.store.Store(store)
	w.state.Store(int32(StateInstalled))
	w.metrics.RecordLifecycle("install", "ok")
	obs.LogEvent(obs.Event{Name: "install", CacheVersion: w.policy.Version, State: StateInstalled.String(), Count: len(w.policy.Manifest), Duration: time.Since(start)})
	return nil
}

func (w *Worker) install(ctx context.Context) (cache.Store, error) {
	existed, err := w.storage.Has(ctx, w.policy.Version)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInstallFailed, err)
	}
	store, err := w.storage.Open(ctx, w.policy.Version)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInstallFailed, err)
	}

	records, err := w.fetchManifest(ctx)
	if err == nil {
		err = store.PutAll(ctx, records)
	}
	if err != nil {
		if !existed {
			_, _ = w.storage.Delete(context.WithoutCancel(ctx), w.policy.Version)
		}
		return nil, fmt.Errorf("%w: %v", ErrInstallFailed, err)
	}
	return store, nil
}

func (w *Worker) fetchManifest(ctx context.Context) ([]cache.Record, error) {
	records := make([]cache.Record, len(w.policy.Manifest))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(w.concurrency)
	for i, entry := range w.policy.Manifest {
		group.Go(func() error {
			target, err := w.resolve(entry)
			if err != nil {
				return err
			}
			record, err := w.fetchForStore(groupCtx, target)
			if err != nil {
				return fmt.Errorf("manifest %s: %w", entry, err)
			}
			records[i] = record
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return records, nil
}

// Activate deletes every store except the one named by the policy version.
func (w *Worker) Activate(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.State() != StateInstalled {
		return fmt.Errorf("%w: activate from %s", ErrInvalidState, w.State())
	}
	w.state.Store(int32(StateActivating))

	ctx, span := obs.Tracer().Start(ctx, "worker.activate")
	span.SetAttributes(attribute.String("cache.version", w.policy.Version))
	defer span.End()

	start := time.Now()
	pruned, err := w.pruneStores(ctx)
	if err != nil {
		w.state.Store(int32(StateInstalled))
		span.RecordError(err)
		span.SetStatus(codes.Error, "activate failed")
		w.metrics.RecordLifecycle("activate", "error")
		obs.LogEvent(obs.Event{Name: "activate", CacheVersion: w.policy.Version, State: StateInstalled.String(), Err: err})
		return err
	}

	w.state.Store(int32(StateActivated))
	w.metrics.RecordLifecycle("activate", "ok")
	w.metrics.RecordStoresPruned(pruned)
	obs.LogEvent(obs.Event{Name: "activate", CacheVersion: w.policy.Version, State: StateActivated.String(), Count: pruned, Duration: time.Since(start)})
	return nil
}

func (w *Worker) pruneStores(ctx context.Context) (int, error) {
	names, err := w.storage.Keys(ctx)
	if err != nil {
		return 0, fmt.Errorf("list stores: %w", err)
	}
	pruned := 0
	for _, name := range names {
		if name == w.policy.Version {
			continue
		}
		deleted, err := w.storage.Delete(ctx, name)
		if err != nil {
			return pruned, fmt.Errorf("delete store %q: %w", name, err)
		}
		if deleted {
			pruned++
		}
	}
	return pruned, nil
}

// MarkRedundant retires the worker. A redundant worker passes every request
// through to the network.
func (w *Worker) MarkRedundant() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.State() == StateRedundant {
		return
	}
	w.state.Store(int32(StateRedundant))
	w.metrics.RecordLifecycle("redundant", "ok")
	obs.LogEvent(obs.Event{Name: "redundant", CacheVersion: w.policy.Version, State: StateRedundant.String()})
}

func (w *Worker) resolve(raw string) (*url.URL, error) {
	ref, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	return w.origin.ResolveReference(ref), nil
}

// ResolveURL resolves a path or URL against the worker origin.
func (w *Worker) ResolveURL(raw string) (*url.URL, error) {
	return w.resolve(raw)
}

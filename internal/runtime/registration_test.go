package runtime

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"helpdesk_offline_cache/internal/cache"
	"helpdesk_offline_cache/internal/policy"
	"helpdesk_offline_cache/internal/testutil"
	"helpdesk_offline_cache/internal/transport"
	"helpdesk_offline_cache/internal/worker"
)

type harness struct {
	origin  *testutil.Origin
	storage *cache.MemoryStorage
	client  *transport.Client
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	origin := testutil.StartOrigin(t)
	origin.Handle("/", testutil.Route{ContentType: "text/html", Body: "shell"})
	origin.Handle("/static/icons/icon-192.png", testutil.Route{ContentType: "image/png", Body: "icon"})
	client := transport.NewClient(transport.DefaultOptions())
	t.Cleanup(client.CloseIdle)
	return &harness{origin: origin, storage: cache.NewMemoryStorage(0), client: client}
}

func (h *harness) worker(t *testing.T, version string, skipWaiting bool, manifest ...string) *worker.Worker {
	t.Helper()
	return h.workerOn(t, h.storage, version, skipWaiting, manifest...)
}

func (h *harness) workerOn(t *testing.T, storage cache.Storage, version string, skipWaiting bool, manifest ...string) *worker.Worker {
	t.Helper()
	p := policy.Standard()
	p.Version = version
	p.SkipWaiting = skipWaiting
	p.Manifest = []string{"/", "/static/icons/icon-192.png"}
	if len(manifest) > 0 {
		p.Manifest = manifest
	}
	w, err := worker.New(worker.Config{Policy: p, Origin: h.origin.URL, Storage: storage, Network: h.client})
	require.NoError(t, err)
	return w
}

func (h *harness) storeNames(t *testing.T) []string {
	t.Helper()
	names, err := h.storage.Keys(context.Background())
	require.NoError(t, err)
	return names
}

func TestRegisterFirstWorkerPromotesImmediately(t *testing.T) {
	h := newHarness(t)
	var promoted []string
	reg := NewRegistration(Options{OnPromote: func(active *worker.Worker, previous *worker.Worker) {
		promoted = append(promoted, active.Version())
		assert.Nil(t, previous)
	}})
	assert.Nil(t, reg.Active())

	w := h.worker(t, "helpdesk-v2", false)
	ok, err := reg.Register(context.Background(), w)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Same(t, w, reg.Active())
	assert.Nil(t, reg.Waiting())
	assert.Equal(t, worker.StateActivated, w.State())
	assert.Equal(t, []string{"helpdesk-v2"}, promoted)
}

func TestRegisterWaitsUntilPromoted(t *testing.T) {
	h := newHarness(t)
	reg := NewRegistration(Options{})
	ctx := context.Background()

	v2 := h.worker(t, "helpdesk-v2", false)
	_, err := reg.Register(ctx, v2)
	require.NoError(t, err)

	v3 := h.worker(t, "helpdesk-v3", false)
	ok, err := reg.Register(ctx, v3)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Same(t, v2, reg.Active())
	assert.Same(t, v3, reg.Waiting())
	assert.Equal(t, worker.StateInstalled, v3.State())
	assert.ElementsMatch(t, []string{"helpdesk-v2", "helpdesk-v3"}, h.storeNames(t))

	next, err := reg.Promote(ctx)
	require.NoError(t, err)
	assert.Same(t, v3, next)
	assert.Same(t, v3, reg.Active())
	assert.Nil(t, reg.Waiting())
	assert.Equal(t, worker.StateRedundant, v2.State())
	assert.Equal(t, []string{"helpdesk-v3"}, h.storeNames(t))

	_, err = reg.Promote(ctx)
	assert.ErrorIs(t, err, ErrNoWaitingWorker)
}

func TestRegisterSkipWaitingReplacesActive(t *testing.T) {
	h := newHarness(t)
	reg := NewRegistration(Options{})
	ctx := context.Background()

	v2 := h.worker(t, "helpdesk-v2", false)
	_, err := reg.Register(ctx, v2)
	require.NoError(t, err)
	parked := h.worker(t, "helpdesk-v3-rc", false)
	_, err = reg.Register(ctx, parked)
	require.NoError(t, err)

	v3 := h.worker(t, "helpdesk-v3", true)
	ok, err := reg.Register(ctx, v3)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Same(t, v3, reg.Active())
	assert.Nil(t, reg.Waiting())
	assert.Equal(t, worker.StateRedundant, v2.State())
	assert.Equal(t, worker.StateRedundant, parked.State())
	assert.Equal(t, []string{"helpdesk-v3"}, h.storeNames(t))
}

func TestRegisterNewerWaitingReplacesOlderWaiting(t *testing.T) {
	h := newHarness(t)
	reg := NewRegistration(Options{})
	ctx := context.Background()

	_, err := reg.Register(ctx, h.worker(t, "helpdesk-v2", false))
	require.NoError(t, err)
	first := h.worker(t, "helpdesk-v3", false)
	_, err = reg.Register(ctx, first)
	require.NoError(t, err)
	second := h.worker(t, "helpdesk-v4", false)
	_, err = reg.Register(ctx, second)
	require.NoError(t, err)

	assert.Same(t, second, reg.Waiting())
	assert.Equal(t, worker.StateRedundant, first.State())
}

func TestRegisterRetriesFailedInstall(t *testing.T) {
	h := newHarness(t)
	reg := NewRegistration(Options{InstallAttempts: 3, InstallBackoff: time.Millisecond})

	h.origin.Handle("/static/late.css", testutil.Route{ContentType: "text/css", Body: "late", FailTimes: 2})
	w := h.worker(t, "helpdesk-v3", true, "/", "/static/late.css")

	ok, err := reg.Register(context.Background(), w)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, worker.StateActivated, w.State())
	assert.Equal(t, 3, h.origin.Hits(http.MethodGet, "/static/late.css"))
}

func TestRegisterGivesUpAfterAttempts(t *testing.T) {
	h := newHarness(t)
	reg := NewRegistration(Options{InstallAttempts: 2, InstallBackoff: time.Millisecond})

	w := h.worker(t, "helpdesk-v3", true, "/", "/static/missing.css")
	ok, err := reg.Register(context.Background(), w)
	require.Error(t, err)
	assert.False(t, ok)
	assert.ErrorIs(t, err, worker.ErrInstallFailed)
	assert.Nil(t, reg.Active())
	assert.Equal(t, 2, h.origin.Hits(http.MethodGet, "/static/missing.css"))
	assert.Empty(t, h.storeNames(t))
}

func TestRegisterStopsRetryingWhenCanceled(t *testing.T) {
	h := newHarness(t)
	reg := NewRegistration(Options{InstallAttempts: 5, InstallBackoff: time.Hour})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := reg.Register(ctx, h.worker(t, "helpdesk-v3", true, "/static/missing.css"))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, h.origin.Hits(http.MethodGet, "/static/missing.css"))
}

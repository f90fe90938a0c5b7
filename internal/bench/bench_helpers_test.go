package bench

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"helpdesk_offline_cache/internal/cache"
	"helpdesk_offline_cache/internal/obs"
	"helpdesk_offline_cache/internal/policy"
	"helpdesk_offline_cache/internal/proxy"
	"helpdesk_offline_cache/internal/runtime"
	"helpdesk_offline_cache/internal/testutil"
	"helpdesk_offline_cache/internal/transport"
	"helpdesk_offline_cache/internal/worker"
)

func startBenchmarkOrigin(b *testing.B) *testutil.Origin {
	b.Helper()
	origin := testutil.StartOrigin(b)
	origin.Handle("/", testutil.Route{ContentType: "text/html", Body: "<html>shell</html>"})
	origin.Handle("/tickets", testutil.Route{ContentType: "text/html", Body: "<html>tickets</html>"})
	origin.Handle("/static/js/app.js", testutil.Route{ContentType: "text/javascript", Body: string(make([]byte, 16<<10))})
	return origin
}

func openStorage(b *testing.B, driver string) cache.Storage {
	b.Helper()
	opts := cache.Options{Driver: driver}
	switch driver {
	case cache.DriverBolt:
		opts.Path = filepath.Join(b.TempDir(), "bench.bolt")
	case cache.DriverSQLite:
		opts.Path = filepath.Join(b.TempDir(), "bench.db")
	}
	storage, err := cache.Open(opts)
	if err != nil {
		b.Fatalf("open %s storage: %v", driver, err)
	}
	return storage
}

// startBenchmarkProxy serves the proxy handler with an activated standard
// worker when p is non-nil, or in passthrough mode otherwise.
func startBenchmarkProxy(b *testing.B, origin *testutil.Origin, storage cache.Storage, p *policy.Policy) (*httptest.Server, *http.Client, func()) {
	b.Helper()
	previousOutput := obs.SetOutput(io.Discard)
	network := transport.NewClient(transport.DefaultOptions())
	registration := runtime.NewRegistration(runtime.Options{})
	if p != nil {
		w, err := worker.New(worker.Config{Policy: *p, Origin: origin.URL, Storage: storage, Network: network})
		if err != nil {
			b.Fatalf("worker: %v", err)
		}
		if _, err := registration.Register(context.Background(), w); err != nil {
			b.Fatalf("register: %v", err)
		}
	}
	handler := &proxy.Handler{
		Registration: registration,
		Network:      network,
		Origin:       origin.URL,
		Inflight:     runtime.NewInflightTracker(),
	}

	server := httptest.NewServer(handler)
	client := &http.Client{
		Transport: &http.Transport{
			MaxIdleConnsPerHost: 256,
			IdleConnTimeout:     30 * time.Second,
		},
	}

	cleanup := func() {
		client.CloseIdleConnections()
		server.Close()
		network.CloseIdle()
		if storage != nil {
			_ = storage.Close()
		}
		obs.SetOutput(previousOutput)
	}
	return server, client, cleanup
}

func standardPolicy() *policy.Policy {
	p := policy.Standard()
	p.Manifest = []string{"/"}
	return &p
}

func fetch(b *testing.B, client *http.Client, url string, mode string) {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		b.Fatalf("request: %v", err)
	}
	req.Header.Set("Sec-Fetch-Mode", mode)
	resp, err := client.Do(req)
	if err != nil {
		b.Fatalf("proxy request: %v", err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b.Fatalf("status %d", resp.StatusCode)
	}
}

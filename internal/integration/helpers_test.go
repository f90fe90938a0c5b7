package integration

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"helpdesk_offline_cache/internal/admin"
	"helpdesk_offline_cache/internal/cache"
	"helpdesk_offline_cache/internal/config"
	"helpdesk_offline_cache/internal/limits"
	"helpdesk_offline_cache/internal/obs"
	"helpdesk_offline_cache/internal/policy"
	"helpdesk_offline_cache/internal/proxy"
	"helpdesk_offline_cache/internal/runtime"
	"helpdesk_offline_cache/internal/server"
	"helpdesk_offline_cache/internal/testutil"
	"helpdesk_offline_cache/internal/transport"
	"helpdesk_offline_cache/internal/worker"
)

const adminToken = "integration-admin-token"

type stack struct {
	cfg          *config.Config
	storage      cache.Storage
	registration *runtime.Registration
	metrics      *obs.Metrics
	server       *server.Server
	admin        *testutil.AdminClient
	client       *http.Client
}

// helpdeskOrigin serves the pages and assets of the helpdesk web app.
func helpdeskOrigin(t *testing.T) *testutil.Origin {
	t.Helper()
	origin := testutil.StartOrigin(t)
	origin.Handle("/", testutil.Route{ContentType: "text/html", Body: "<html>helpdesk shell</html>"})
	origin.Handle("/tickets", testutil.Route{ContentType: "text/html", Body: "<html>ticket list</html>"})
	origin.Handle("/manifest.json", testutil.Route{ContentType: "application/manifest+json", Body: `{"name":"Helpdesk"}`})
	origin.Handle("/static/icons/icon-192.png", testutil.Route{ContentType: "image/png", Body: "icon-192"})
	origin.Handle("/static/icons/icon-512.png", testutil.Route{ContentType: "image/png", Body: "icon-512"})
	origin.Handle("/static/js/app.js", testutil.Route{ContentType: "text/javascript", Body: "console.log('helpdesk')"})
	origin.Handle("/api/tickets", testutil.Route{ContentType: "application/json", Body: `[{"id":1}]`})
	return origin
}

// stackConfig renders a JSON config file; policy and extra are raw JSON
// members spliced into the top-level object.
func stackConfig(t *testing.T, origin string, driver string, policyJSON string, extra string) string {
	t.Helper()
	path := ""
	switch driver {
	case cache.DriverBolt:
		path = filepath.Join(t.TempDir(), "cache.bolt")
	case cache.DriverSQLite:
		path = filepath.Join(t.TempDir(), "cache.db")
	}
	if extra != "" {
		extra = ",\n" + extra
	}
	return fmt.Sprintf(`{
		// proxy and admin bind ephemeral ports
		"listen_addr": "127.0.0.1:0",
		"origin": %q,
		"policy": %s,
		"storage": {"driver": %q, "path": %q},
		"install": {"max_attempts": 1, "concurrency": 2},
		"admin": {"listen_addr": "127.0.0.1:0"},
		"shutdown": {"drain_ms": 1, "graceful_timeout_ms": 2000, "force_close_ms": 1}%s
	}`, origin, policyJSON, driver, path, extra)
}

// startStack wires the process the way cmd/offlinecache does and registers
// the configured worker before returning.
func startStack(t *testing.T, cfgJSON string) *stack {
	t.Helper()
	t.Setenv(config.DefaultAdminTokenEnv, adminToken)

	cfg, err := config.ParseJSON([]byte(cfgJSON))
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if _, err := config.Validate(cfg); err != nil {
		t.Fatalf("validate config: %v", err)
	}
	origin, err := cfg.OriginURL()
	if err != nil {
		t.Fatalf("origin: %v", err)
	}
	initialPolicy, err := cfg.BuildPolicy()
	if err != nil {
		t.Fatalf("policy: %v", err)
	}
	limitConfig, err := limits.FromConfig(cfg.Limits)
	if err != nil {
		t.Fatalf("limits: %v", err)
	}
	shutdownConfig, err := runtime.ShutdownFromConfig(cfg.Shutdown)
	if err != nil {
		t.Fatalf("shutdown config: %v", err)
	}

	storage, err := cache.Open(cfg.StorageOptions())
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { _ = storage.Close() })
	network := transport.NewClient(cfg.NetworkOptions())
	metrics := obs.NewMetrics()

	registration := runtime.NewRegistration(runtime.Options{
		InstallAttempts: cfg.Install.MaxAttempts,
		Metrics:         metrics,
		Storage:         storage,
	})
	newWorker := func(p policy.Policy) (*worker.Worker, error) {
		return worker.New(worker.Config{
			Policy:             p,
			Origin:             origin,
			Storage:            storage,
			Network:            network,
			Metrics:            metrics,
			InstallConcurrency: cfg.Install.Concurrency,
			MaxObjectBytes:     cfg.Storage.MaxObjectBytes,
		})
	}
	initial, err := newWorker(initialPolicy)
	if err != nil {
		t.Fatalf("worker: %v", err)
	}
	if _, err := registration.Register(context.Background(), initial); err != nil {
		t.Fatalf("register %s: %v", initial.Version(), err)
	}

	auth, err := admin.NewAuthenticator(admin.AuthConfig{Token: adminToken})
	if err != nil {
		t.Fatalf("admin auth: %v", err)
	}
	adminHandler := admin.NewHandler(admin.HandlerConfig{
		Registration: registration,
		Storage:      storage,
		NewWorker:    newWorker,
		Auth:         auth,
		History:      admin.NewHistory(0),
	})

	inflight := runtime.NewInflightTracker()
	metricsToken := ""
	if cfg.Metrics.RequireToken {
		metricsToken = metricsTokenFromEnv(t, cfg)
	}
	mux := http.NewServeMux()
	mux.Handle(cfg.MetricsPath(), metrics.HandlerWithToken(metricsToken))
	mux.Handle("/", &proxy.Handler{
		Registration: registration,
		Network:      network,
		Origin:       origin,
		Metrics:      metrics,
		Inflight:     inflight,
		Limits:       limitConfig,
	})

	srv, err := server.StartServers(mux, cfg.ListenAddress(), server.Options{
		Limits:    limitConfig,
		Shutdown:  shutdownConfig,
		Inflight:  inflight,
		CloseIdle: []func(){network.CloseIdle},
		Listeners: []server.Listener{{Name: "admin", Addr: cfg.Admin.ListenAddr, Handler: adminHandler}},
	})
	if err != nil {
		t.Fatalf("start servers: %v", err)
	}
	t.Cleanup(func() { _ = srv.Shutdown() })

	client := &http.Client{
		Timeout: 5 * time.Second,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	return &stack{
		cfg:          cfg,
		storage:      storage,
		registration: registration,
		metrics:      metrics,
		server:       srv,
		admin:        testutil.NewAdminClient(t, testutil.AdminClientConfig{BaseURL: "http://" + srv.Addr("admin"), Token: adminToken}),
		client:       client,
	}
}

func metricsTokenFromEnv(t *testing.T, cfg *config.Config) string {
	t.Helper()
	if err := config.ValidateMetricsToken(cfg); err != nil {
		t.Fatalf("metrics token: %v", err)
	}
	return os.Getenv(cfg.MetricsTokenEnv())
}

type result struct {
	status int
	source string
	body   string
}

// navigate loads path the way a browser tab does.
func (s *stack) navigate(path string) (result, error) {
	return s.do(path, "navigate", "text/html,application/xhtml+xml")
}

// subresource loads path the way a script or image tag does.
func (s *stack) subresource(path string) (result, error) {
	return s.do(path, "no-cors", "*/*")
}

func (s *stack) do(path string, mode string, accept string) (result, error) {
	req, err := http.NewRequest(http.MethodGet, "http://"+s.server.HTTPAddr+path, nil)
	if err != nil {
		return result{}, err
	}
	req.Header.Set("Sec-Fetch-Mode", mode)
	req.Header.Set("Accept", accept)
	resp, err := s.client.Do(req)
	if err != nil {
		return result{}, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return result{}, err
	}
	return result{status: resp.StatusCode, source: resp.Header.Get(proxy.SourceHeader), body: string(body)}, nil
}

func (s *stack) storeNames(t *testing.T) []string {
	t.Helper()
	names, err := s.storage.Keys(context.Background())
	if err != nil {
		t.Fatalf("list stores: %v", err)
	}
	return names
}

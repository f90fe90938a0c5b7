package main

import (
	"context"
	"crypto/tls"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"helpdesk_offline_cache/internal/admin"
	"helpdesk_offline_cache/internal/cache"
	"helpdesk_offline_cache/internal/config"
	"helpdesk_offline_cache/internal/health"
	"helpdesk_offline_cache/internal/limits"
	"helpdesk_offline_cache/internal/obs"
	"helpdesk_offline_cache/internal/policy"
	"helpdesk_offline_cache/internal/proxy"
	"helpdesk_offline_cache/internal/runtime"
	"helpdesk_offline_cache/internal/server"
	"helpdesk_offline_cache/internal/transport"
	"helpdesk_offline_cache/internal/worker"
)

const serviceName = "helpdesk-offline-cache"

func main() {
	configPath := pflag.StringP("config", "c", "", "JSON or YAML config file")
	listenAddr := pflag.String("listen", "", "proxy listen address (overrides listen_addr)")
	checkOnly := pflag.Bool("check", false, "validate the configuration and exit")
	pflag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}
	warnings, err := config.Validate(cfg)
	for _, warning := range warnings {
		log.Printf("config warning: %s", warning)
	}
	if err != nil {
		log.Fatalf("invalid config: %v", err)
	}
	if *checkOnly {
		log.Printf("config ok")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := obs.SetupTracing(ctx, serviceName)
	if err != nil {
		log.Fatalf("tracing: %v", err)
	}
	metrics := obs.NewMetrics()

	origin, err := cfg.OriginURL()
	if err != nil {
		log.Fatalf("origin: %v", err)
	}
	initialPolicy, err := cfg.BuildPolicy()
	if err != nil {
		log.Fatalf("policy: %v", err)
	}
	limitConfig, err := limits.FromConfig(cfg.Limits)
	if err != nil {
		log.Fatalf("limits: %v", err)
	}
	shutdownConfig, err := runtime.ShutdownFromConfig(cfg.Shutdown)
	if err != nil {
		log.Fatalf("shutdown: %v", err)
	}

	storage, err := cache.Open(cfg.StorageOptions())
	if err != nil {
		log.Fatalf("open cache storage: %v", err)
	}
	defer storage.Close()
	network := transport.NewClient(cfg.NetworkOptions())

	healthServer := health.NewServer()
	registration := runtime.NewRegistration(runtime.Options{
		InstallAttempts: cfg.Install.MaxAttempts,
		InstallBackoff:  time.Duration(cfg.Install.BackoffMS) * time.Millisecond,
		Metrics:         metrics,
		Storage:         storage,
		OnPromote: func(active *worker.Worker, _ *worker.Worker) {
			healthServer.SetWorkerActive(active.State() == worker.StateActivated)
		},
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
	if _, err := newWorker(initialPolicy); err != nil {
		log.Fatalf("worker: %v", err)
	}
	// Requests pass straight through until the first worker is active.
	bootstrap := runtime.NewBootstrap(registration, func() (*worker.Worker, error) {
		return newWorker(initialPolicy)
	}, time.Duration(cfg.Install.RetryIntervalMS)*time.Millisecond)
	go func() { _ = bootstrap.Run(ctx) }()

	probe := health.NewOriginProbe(origin, network, health.ProbeConfig{
		Path:           cfg.Health.ProbePath,
		Interval:       time.Duration(cfg.Health.ProbeIntervalMS) * time.Millisecond,
		Timeout:        time.Duration(cfg.Health.ProbeTimeoutMS) * time.Millisecond,
		HealthyAfter:   cfg.Health.HealthyAfter,
		UnhealthyAfter: cfg.Health.UnhealthyAfter,
	}, func(up bool) {
		log.Printf("origin %s up=%t", origin.Host, up)
		metrics.SetOriginUp(up)
		healthServer.SetOriginUp(up)
		if up {
			bootstrap.Kick()
		}
	})
	go probe.Run(ctx)

	stoppers := []server.Stopper{server.StopFunc(healthServer.Stop)}
	if cfg.Health.GRPCAddr != "" {
		ln, err := net.Listen("tcp", cfg.Health.GRPCAddr)
		if err != nil {
			log.Fatalf("health listener: %v", err)
		}
		go func() {
			if err := healthServer.Serve(ln); err != nil {
				log.Printf("health server error: %v", err)
			}
		}()
		log.Printf("health listening on %s", ln.Addr())
	}

	inflight := runtime.NewInflightTracker()
	handler := &proxy.Handler{
		Registration: registration,
		Network:      network,
		Origin:       origin,
		Metrics:      metrics,
		Inflight:     inflight,
		Limits:       limitConfig,
	}
	metricsToken := ""
	if cfg.Metrics.RequireToken {
		metricsToken = os.Getenv(cfg.MetricsTokenEnv())
	}
	mux := http.NewServeMux()
	mux.Handle(cfg.MetricsPath(), metrics.HandlerWithToken(metricsToken))
	mux.Handle("/", handler)

	var listeners []server.Listener
	if cfg.Admin.ListenAddr != "" {
		listener, err := adminListener(cfg, registration, storage, newWorker)
		if err != nil {
			log.Fatalf("admin: %v", err)
		}
		listeners = append(listeners, listener)
	}

	srv, err := server.StartServers(mux, cfg.ListenAddress(), server.Options{
		Limits:    limitConfig,
		Shutdown:  shutdownConfig,
		Inflight:  inflight,
		Stoppers:  stoppers,
		CloseIdle: []func(){network.CloseIdle},
		Listeners: listeners,
	})
	if err != nil {
		log.Fatalf("start servers: %v", err)
	}
	log.Printf("listening on http://%s origin=%s version=%s", srv.HTTPAddr, origin, initialPolicy.Version)
	if addr := srv.Addr("admin"); addr != "" {
		log.Printf("admin listening on %s", addr)
	}

	<-ctx.Done()
	log.Printf("shutting down")
	if err := srv.Shutdown(); err != nil {
		log.Printf("shutdown: %v", err)
	}
	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdownTracing(flushCtx); err != nil {
		log.Printf("flush traces: %v", err)
	}
}

func loadConfig(path string) (*config.Config, error) {
	cfg := &config.Config{}
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if err := config.ApplyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func adminListener(cfg *config.Config, registration *runtime.Registration, storage cache.Storage, newWorker admin.WorkerFactory) (server.Listener, error) {
	auth, err := admin.NewAuthenticator(admin.AuthConfig{
		Token:        os.Getenv(cfg.AdminTokenEnv()),
		ClientCAFile: cfg.Admin.ClientCAFile,
	})
	if err != nil {
		return server.Listener{}, err
	}
	var tlsConfig *tls.Config
	if cfg.Admin.CertFile != "" {
		tlsConfig, err = admin.TLSConfig(cfg.Admin.CertFile, cfg.Admin.KeyFile, cfg.Admin.ClientCAFile)
		if err != nil {
			return server.Listener{}, err
		}
	}
	return server.Listener{
		Name: "admin",
		Addr: cfg.Admin.ListenAddr,
		Handler: admin.NewHandler(admin.HandlerConfig{
			Registration: registration,
			Storage:      storage,
			NewWorker:    newWorker,
			Auth:         auth,
			RateLimiter:  admin.NewRateLimiter(admin.RateLimitConfig{}),
			History:      admin.NewHistory(0),
		}),
		TLS: tlsConfig,
	}, nil
}

package admin

import (
	"crypto/tls"
	"errors"
	"net/http"
	"time"

	"helpdesk_offline_cache/internal/cache"
	"helpdesk_offline_cache/internal/policy"
	"helpdesk_offline_cache/internal/runtime"
	"helpdesk_offline_cache/internal/worker"
)

const defaultInstallTimeout = 2 * time.Minute

// WorkerFactory builds an unstarted worker for a policy.
type WorkerFactory func(p policy.Policy) (*worker.Worker, error)

type HandlerConfig struct {
	Registration *runtime.Registration
	Storage      cache.Storage
	NewWorker    WorkerFactory
	Auth         *Authenticator
	RateLimiter  *RateLimiter
	History      *History
	// InstallTimeout bounds an update's install, retries included. Updates
	// keep installing when the admin client disconnects.
	InstallTimeout time.Duration
}

func NewHandler(cfg HandlerConfig) http.Handler {
	timeout := cfg.InstallTimeout
	if timeout <= 0 {
		timeout = defaultInstallTimeout
	}
	h := &handler{
		registration:   cfg.Registration,
		storage:        cfg.Storage,
		newWorker:      cfg.NewWorker,
		auth:           cfg.Auth,
		rateLimiter:    cfg.RateLimiter,
		history:        cfg.History,
		installTimeout: timeout,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /admin/state", h.handleState)
	mux.HandleFunc("POST /admin/update", h.handleUpdate)
	mux.HandleFunc("POST /admin/promote", h.handlePromote)
	mux.HandleFunc("DELETE /admin/stores/{name}", h.handleDeleteStore)
	h.mux = mux
	return h
}

func TLSConfig(certFile string, keyFile string, clientCAFile string) (*tls.Config, error) {
	if certFile == "" || keyFile == "" {
		return nil, errors.New("admin cert and key are required")
	}
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, err
	}
	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.NoClientCert,
		MinVersion:   tls.VersionTLS12,
		NextProtos:   []string{"h2", "http/1.1"},
	}
	if clientCAFile != "" {
		pool, err := loadCertPool(clientCAFile)
		if err != nil {
			return nil, err
		}
		cfg.ClientCAs = pool
		// The Authenticator verifies the chain so a missing certificate
		// gets a JSON 403 instead of a handshake failure.
		cfg.ClientAuth = tls.RequestClientCert
	}
	return cfg, nil
}

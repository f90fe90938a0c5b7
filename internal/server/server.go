package server

import (
	"context"
	"crypto/tls"
	"errors"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"helpdesk_offline_cache/internal/limits"
	"helpdesk_offline_cache/internal/runtime"
)

// Server owns the proxy listener plus any side listeners (admin) and shuts
// them down in order: stop accepting, run stoppers, drain, wait for
// in-flight fetches, then close.
type Server struct {
	HTTPAddr string

	servers      []*http.Server
	listeners    []net.Listener
	addrs        map[string]string
	shutdown     runtime.ShutdownConfig
	inflight     *runtime.InflightTracker
	stoppers     []Stopper
	closeIdle    []func()
	shutdownOnce sync.Once
	shutdownErr  error
}

type Stopper interface {
	Stop(ctx context.Context) error
}

type StopFunc func(ctx context.Context) error

func (s StopFunc) Stop(ctx context.Context) error {
	return s(ctx)
}

// Listener is an extra HTTP endpoint served next to the proxy.
type Listener struct {
	Name    string
	Addr    string
	Handler http.Handler
	TLS     *tls.Config
}

type Options struct {
	Limits    limits.Limits
	Shutdown  runtime.ShutdownConfig
	Inflight  *runtime.InflightTracker
	Stoppers  []Stopper
	CloseIdle []func()
	Listeners []Listener
}

func StartServers(handler http.Handler, httpAddr string, options Options) (*Server, error) {
	if handler == nil {
		return nil, errors.New("handler is nil")
	}
	if httpAddr == "" {
		return nil, errors.New("http address is required")
	}

	limitConfig := options.Limits
	if limitConfig.MaxHeaderBytes == 0 {
		limitConfig = limits.Default()
	}

	s := &Server{
		addrs:     make(map[string]string),
		shutdown:  runtime.ApplyShutdownDefaults(options.Shutdown),
		inflight:  options.Inflight,
		stoppers:  options.Stoppers,
		closeIdle: options.CloseIdle,
	}
	listeners := append([]Listener{{Name: "proxy", Addr: httpAddr, Handler: handler}}, options.Listeners...)
	for _, spec := range listeners {
		if spec.Handler == nil {
			s.closeListeners()
			return nil, errors.New(spec.Name + " handler is nil")
		}
		ln, err := net.Listen("tcp", spec.Addr)
		if err != nil {
			s.closeListeners()
			return nil, err
		}
		s.listeners = append(s.listeners, ln)
		s.addrs[spec.Name] = ln.Addr().String()

		srv := &http.Server{
			Handler:           spec.Handler,
			MaxHeaderBytes:    limitConfig.MaxHeaderBytes,
			ReadHeaderTimeout: limitConfig.ReadHeaderTimeout,
			ReadTimeout:       limitConfig.ReadTimeout,
			WriteTimeout:      limitConfig.WriteTimeout,
			IdleTimeout:       limitConfig.IdleTimeout,
		}
		s.servers = append(s.servers, srv)
		if spec.TLS != nil {
			ln = tls.NewListener(ln, spec.TLS)
		}
		go serve(srv, ln)
	}
	s.HTTPAddr = s.addrs["proxy"]
	return s, nil
}

// Addr returns the bound address of a named listener.
func (s *Server) Addr(name string) string {
	if s == nil {
		return ""
	}
	return s.addrs[name]
}

func serve(server *http.Server, ln net.Listener) {
	if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Printf("server error: %v", err)
	}
}

func (s *Server) Close() error {
	if s == nil {
		return nil
	}
	return s.Shutdown()
}

func (s *Server) Shutdown() error {
	if s == nil {
		return nil
	}
	s.shutdownOnce.Do(func() {
		s.shutdownErr = s.shutdownSequence()
	})
	return s.shutdownErr
}

func (s *Server) shutdownSequence() error {
	s.closeListeners()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), s.shutdown.GracefulTimeout)
	for _, stopper := range s.stoppers {
		if stopper == nil {
			continue
		}
		if err := stopper.Stop(stopCtx); err != nil {
			log.Printf("shutdown stopper error: %v", err)
		}
	}
	stopCancel()

	if s.shutdown.Drain > 0 {
		time.Sleep(s.shutdown.Drain)
	}

	for _, closeIdle := range s.closeIdle {
		if closeIdle != nil {
			closeIdle()
		}
	}

	gracefulCtx, gracefulCancel := context.WithTimeout(context.Background(), s.shutdown.GracefulTimeout)
	defer gracefulCancel()
	if s.inflight != nil {
		if err := s.inflight.Wait(gracefulCtx); err != nil {
			log.Printf("shutdown: %d requests still in flight", s.inflight.Count())
		}
	}
	var firstErr error
	for _, srv := range s.servers {
		if err := srv.Shutdown(gracefulCtx); err != nil && !errors.Is(err, http.ErrServerClosed) && firstErr == nil {
			firstErr = err
		}
	}
	if gracefulCtx.Err() == nil {
		return firstErr
	}

	if s.shutdown.ForceClose > 0 {
		time.Sleep(s.shutdown.ForceClose)
	}
	for _, srv := range s.servers {
		_ = srv.Close()
	}
	if firstErr != nil {
		return firstErr
	}
	return gracefulCtx.Err()
}

func (s *Server) closeListeners() {
	for _, ln := range s.listeners {
		_ = ln.Close()
	}
}

package transport

import (
	"cmp"
	"net"
	"net/http"
	"time"
)

// Options tunes the connection pool shared by installs, fetches and the
// origin probe. A short response header timeout matters here: navigations
// only fall back to the shell once the network attempt has failed.
type Options struct {
	DialTimeout           time.Duration
	TLSHandshakeTimeout   time.Duration
	ResponseHeaderTimeout time.Duration
	ExpectContinueTimeout time.Duration
	IdleConnTimeout       time.Duration
	MaxIdleConns          int
	MaxIdleConnsPerHost   int
	// MaxConnsPerHost of 0 leaves connections per host unbounded.
	MaxConnsPerHost int
}

func DefaultOptions() Options {
	return Options{
		DialTimeout:           3 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ResponseHeaderTimeout: 10 * time.Second,
		ExpectContinueTimeout: time.Second,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConns:          256,
		MaxIdleConnsPerHost:   32,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	o.DialTimeout = cmp.Or(max(o.DialTimeout, 0), d.DialTimeout)
	o.TLSHandshakeTimeout = cmp.Or(max(o.TLSHandshakeTimeout, 0), d.TLSHandshakeTimeout)
	o.ResponseHeaderTimeout = cmp.Or(max(o.ResponseHeaderTimeout, 0), d.ResponseHeaderTimeout)
	o.ExpectContinueTimeout = cmp.Or(max(o.ExpectContinueTimeout, 0), d.ExpectContinueTimeout)
	o.IdleConnTimeout = cmp.Or(max(o.IdleConnTimeout, 0), d.IdleConnTimeout)
	o.MaxIdleConns = cmp.Or(max(o.MaxIdleConns, 0), d.MaxIdleConns)
	o.MaxIdleConnsPerHost = cmp.Or(max(o.MaxIdleConnsPerHost, 0), d.MaxIdleConnsPerHost)
	o.MaxConnsPerHost = max(o.MaxConnsPerHost, 0)
	return o
}

func NewTransport(opts Options) *http.Transport {
	opts = opts.withDefaults()
	dialer := &net.Dialer{Timeout: opts.DialTimeout, KeepAlive: 30 * time.Second}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   opts.TLSHandshakeTimeout,
		ResponseHeaderTimeout: opts.ResponseHeaderTimeout,
		ExpectContinueTimeout: opts.ExpectContinueTimeout,
		IdleConnTimeout:       opts.IdleConnTimeout,
		MaxIdleConns:          opts.MaxIdleConns,
		MaxIdleConnsPerHost:   opts.MaxIdleConnsPerHost,
		MaxConnsPerHost:       opts.MaxConnsPerHost,
		ForceAttemptHTTP2:     true,
	}
}

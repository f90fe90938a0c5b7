package health

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"time"

	"helpdesk_offline_cache/internal/transport"
)

const (
	defaultProbePath      = "/"
	defaultProbeInterval  = 10 * time.Second
	defaultProbeTimeout   = 2 * time.Second
	defaultHealthyAfter   = 1
	defaultUnhealthyAfter = 2
)

type ProbeConfig struct {
	Path           string
	Interval       time.Duration
	Timeout        time.Duration
	HealthyAfter   int
	UnhealthyAfter int
}

// OriginProbe polls the origin and reports transitions between up and down.
// Any status below 500 counts as up.
type OriginProbe struct {
	target   *url.URL
	network  transport.Network
	cfg      ProbeConfig
	onChange func(up bool)

	known     bool
	up        bool
	successes int
	failures  int
}

func NewOriginProbe(origin *url.URL, network transport.Network, cfg ProbeConfig, onChange func(up bool)) *OriginProbe {
	if cfg.Path == "" {
		cfg.Path = defaultProbePath
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultProbeInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultProbeTimeout
	}
	if cfg.HealthyAfter <= 0 {
		cfg.HealthyAfter = defaultHealthyAfter
	}
	if cfg.UnhealthyAfter <= 0 {
		cfg.UnhealthyAfter = defaultUnhealthyAfter
	}
	return &OriginProbe{
		target:   origin.ResolveReference(&url.URL{Path: cfg.Path}),
		network:  network,
		cfg:      cfg,
		onChange: onChange,
	}
}

// Run probes once immediately, then every interval until ctx ends.
func (p *OriginProbe) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		p.record(p.safeProbe(ctx))
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (p *OriginProbe) safeProbe(ctx context.Context) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.target.String(), nil)
	if err != nil {
		return false
	}
	req.Header.Set("User-Agent", "offline-cache-probe")
	resp, err := p.network.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	return resp.StatusCode < http.StatusInternalServerError
}

func (p *OriginProbe) record(ok bool) {
	if ok {
		p.successes++
		p.failures = 0
		if (!p.known || !p.up) && p.successes >= p.cfg.HealthyAfter {
			p.transition(true)
		}
		return
	}
	p.failures++
	p.successes = 0
	if (!p.known || p.up) && p.failures >= p.cfg.UnhealthyAfter {
		p.transition(false)
	}
}

func (p *OriginProbe) transition(up bool) {
	p.known = true
	p.up = up
	if p.onChange != nil {
		p.onChange(up)
	}
}

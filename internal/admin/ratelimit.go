package admin

import (
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultRateLimitRPS   = 5
	defaultRateLimitBurst = 10
	defaultMaxFailures    = 20
	defaultBlockDuration  = 10 * time.Minute
	maxTrackedClients     = 4096
)

type RateLimitConfig struct {
	RPS           int
	Burst         int
	MaxFailures   int
	BlockDuration time.Duration
}

// RateLimiter throttles admin clients by IP and locks out clients that keep
// failing authentication.
type RateLimiter struct {
	mu          sync.Mutex
	clients     map[string]*client
	limit       rate.Limit
	burst       int
	maxFailures int
	blockFor    time.Duration
	now         func() time.Time
}

type client struct {
	limiter     *rate.Limiter
	failures    int
	blockedTill time.Time
	lastSeen    time.Time
}

func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	rps := cfg.RPS
	if rps <= 0 {
		rps = defaultRateLimitRPS
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = defaultRateLimitBurst
	}
	maxFailures := cfg.MaxFailures
	if maxFailures <= 0 {
		maxFailures = defaultMaxFailures
	}
	blockFor := cfg.BlockDuration
	if blockFor <= 0 {
		blockFor = defaultBlockDuration
	}
	return &RateLimiter{
		clients:     make(map[string]*client),
		limit:       rate.Limit(rps),
		burst:       burst,
		maxFailures: maxFailures,
		blockFor:    blockFor,
		now:         time.Now,
	}
}

func (l *RateLimiter) Allow(addr string) bool {
	if l == nil {
		return true
	}
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	c := l.clientLocked(clientIP(addr), now)
	if now.Before(c.blockedTill) {
		return false
	}
	return c.limiter.AllowN(now, 1)
}

func (l *RateLimiter) RecordFailure(addr string) {
	if l == nil {
		return
	}
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	c := l.clientLocked(clientIP(addr), now)
	if now.Before(c.blockedTill) {
		return
	}
	c.failures++
	if c.failures >= l.maxFailures {
		c.blockedTill = now.Add(l.blockFor)
		c.failures = 0
	}
}

func (l *RateLimiter) ResetFailures(addr string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if c := l.clients[clientIP(addr)]; c != nil {
		c.failures = 0
	}
}

func (l *RateLimiter) clientLocked(ip string, now time.Time) *client {
	c := l.clients[ip]
	if c == nil {
		if len(l.clients) >= maxTrackedClients {
			l.evictLocked(now)
		}
		c = &client{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.clients[ip] = c
	}
	c.lastSeen = now
	return c
}

// evictLocked forgets clients that are neither blocked nor recently seen.
func (l *RateLimiter) evictLocked(now time.Time) {
	for ip, c := range l.clients {
		if now.Before(c.blockedTill) {
			continue
		}
		if now.Sub(c.lastSeen) > l.blockFor {
			delete(l.clients, ip)
		}
	}
}

func clientIP(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

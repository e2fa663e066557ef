// Package ratelimit throttles exploit commands so one session cannot flood a target.
package ratelimit

import (
	"context"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"github.com/CodeMonkeyCybersecurity/seclab/internal/config"
)

type Config struct {
	// RequestsPerSecond per host. Zero disables throttling.
	RequestsPerSecond float64
	BurstSize         int
}

func DefaultConfig() Config {
	return Config{
		RequestsPerSecond: 5,
		BurstSize:         5,
	}
}

func FromExploitConfig(cfg config.ExploitConfig) Config {
	return Config{
		RequestsPerSecond: cfg.RequestsPerSecond,
		BurstSize:         cfg.BurstSize,
	}
}

// Limiter keeps one token bucket per target host.
type Limiter struct {
	mu    sync.Mutex
	limit rate.Limit
	burst int
	hosts map[string]*rate.Limiter
}

func NewLimiter(cfg Config) *Limiter {
	l := &Limiter{hosts: make(map[string]*rate.Limiter)}
	l.apply(cfg)
	return l
}

func (l *Limiter) apply(cfg Config) {
	l.limit = rate.Inf
	if cfg.RequestsPerSecond > 0 {
		l.limit = rate.Limit(cfg.RequestsPerSecond)
	}
	l.burst = cfg.BurstSize
	if l.burst < 1 {
		l.burst = 1
	}
}

func (l *Limiter) forHost(host string) *rate.Limiter {
	host = strings.ToLower(host)

	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.hosts[host]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.hosts[host] = lim
	}
	return lim
}

// WaitForHost blocks until a request to host is allowed or ctx is done.
func (l *Limiter) WaitForHost(ctx context.Context, host string) error {
	return l.forHost(host).Wait(ctx)
}

// Allow reports whether a request to host may go out now, consuming a token if so.
func (l *Limiter) Allow(host string) bool {
	return l.forHost(host).Allow()
}

// SetLimit changes the rate for every host, including ones already tracked.
func (l *Limiter) SetLimit(cfg Config) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.apply(cfg)
	for _, lim := range l.hosts {
		lim.SetLimit(l.limit)
		lim.SetBurst(l.burst)
	}
}

func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hosts = make(map[string]*rate.Limiter)
}

type Stats struct {
	TrackedHosts int
	Limit        rate.Limit
	BurstSize    int
}

func (l *Limiter) GetStats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Stats{
		TrackedHosts: len(l.hosts),
		Limit:        l.limit,
		BurstSize:    l.burst,
	}
}

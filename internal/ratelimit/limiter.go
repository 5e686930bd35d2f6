// Package ratelimit enforces the per-host minimum delay for web fetches and
// the independent request ceiling for external APIs.
package ratelimit

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// HostLimiter serializes requests to the same host and spaces them by at
// least the configured delay. Different hosts proceed in parallel.
type HostLimiter struct {
	minDelay time.Duration

	mu    sync.Mutex
	hosts map[string]*hostSlot
}

type hostSlot struct {
	lock    chan struct{}
	limiter *rate.Limiter
}

// NewHostLimiter creates a limiter with the given minimum delay between
// requests to one host. A zero delay only serializes.
func NewHostLimiter(minDelay time.Duration) *HostLimiter {
	return &HostLimiter{
		minDelay: minDelay,
		hosts:    make(map[string]*hostSlot),
	}
}

// Acquire blocks until the host of rawURL is free and its delay has passed.
// The caller must call the returned release func when the request is done.
func (l *HostLimiter) Acquire(ctx context.Context, rawURL string) (func(), error) {
	host := HostKey(rawURL)
	slot := l.slot(host)

	select {
	case slot.lock <- struct{}{}:
	case <-ctx.Done():
		return nil, eris.Wrapf(ctx.Err(), "ratelimit: acquire %s", host)
	}
	release := func() { <-slot.lock }

	start := time.Now()
	if err := slot.limiter.Wait(ctx); err != nil {
		release()
		return nil, eris.Wrapf(err, "ratelimit: wait %s", host)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		zap.L().Debug("host rate limit delay",
			zap.String("host", host),
			zap.Duration("waited", waited),
		)
	}
	return release, nil
}

// Do runs fn while holding the host slot for rawURL.
func (l *HostLimiter) Do(ctx context.Context, rawURL string, fn func(ctx context.Context) error) error {
	release, err := l.Acquire(ctx, rawURL)
	if err != nil {
		return err
	}
	defer release()
	return fn(ctx)
}

func (l *HostLimiter) slot(host string) *hostSlot {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.hosts[host]
	if !ok {
		limit := rate.Inf
		if l.minDelay > 0 {
			limit = rate.Every(l.minDelay)
		}
		s = &hostSlot{
			lock:    make(chan struct{}, 1),
			limiter: rate.NewLimiter(limit, 1),
		}
		l.hosts[host] = s
	}
	return s
}

// HostKey returns the lower-cased host of rawURL without a leading "www.",
// or "unknown" when it cannot be parsed.
func HostKey(rawURL string) string {
	if !strings.Contains(rawURL, "://") {
		rawURL = "https://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}

// Ceiling is the request ceiling for external APIs, one token bucket per
// service. It is independent of HostLimiter.
type Ceiling struct {
	rps   float64
	burst int

	mu       sync.Mutex
	services map[string]*rate.Limiter
}

// NewCeiling creates an API ceiling. Non-positive rps disables limiting.
func NewCeiling(rps float64, burst int) *Ceiling {
	if burst <= 0 {
		burst = 1
	}
	return &Ceiling{rps: rps, burst: burst, services: make(map[string]*rate.Limiter)}
}

// Wait blocks until service may issue another request.
func (c *Ceiling) Wait(ctx context.Context, service string) error {
	if c == nil {
		return nil
	}
	if err := c.limiter(service).Wait(ctx); err != nil {
		return eris.Wrapf(err, "ratelimit: api ceiling %s", service)
	}
	return nil
}

func (c *Ceiling) limiter(service string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.services[service]
	if !ok {
		limit := rate.Inf
		if c.rps > 0 {
			limit = rate.Limit(c.rps)
		}
		l = rate.NewLimiter(limit, c.burst)
		c.services[service] = l
	}
	return l
}

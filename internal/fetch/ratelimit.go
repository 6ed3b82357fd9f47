package fetch

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultRatePerHost is the steady request rate per origin host.
	DefaultRatePerHost = 1.0

	backoffInitial = 2 * time.Second
	backoffMax     = 60 * time.Second
)

// HostGate enforces a per-host request rate plus an exponential backoff
// that kicks in on 429s and sustained transient failures. All fetchers
// for HTTP sources share one gate.
type HostGate struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	backoffs map[string]*hostBackoff
	perHost  rate.Limit
}

type hostBackoff struct {
	delay time.Duration
	until time.Time
}

// NewHostGate creates a gate with the given steady rate per host.
func NewHostGate(ratePerHost float64) *HostGate {
	if ratePerHost <= 0 {
		ratePerHost = DefaultRatePerHost
	}
	return &HostGate{
		limiters: make(map[string]*rate.Limiter),
		backoffs: make(map[string]*hostBackoff),
		perHost:  rate.Limit(ratePerHost),
	}
}

func (g *HostGate) limiter(host string) *rate.Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.limiters[host]
	if !ok {
		l = rate.NewLimiter(g.perHost, 1)
		g.limiters[host] = l
	}
	return l
}

// Wait blocks until the host's rate limiter and any active backoff allow
// the next request, or the context is canceled.
func (g *HostGate) Wait(ctx context.Context, host string) error {
	g.mu.Lock()
	var pause time.Duration
	if b, ok := g.backoffs[host]; ok {
		if remaining := time.Until(b.until); remaining > 0 {
			pause = remaining
		}
	}
	g.mu.Unlock()

	if pause > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pause):
		}
	}

	return g.limiter(host).Wait(ctx)
}

// Penalize doubles the host's backoff window, starting at 2s and capped
// at 60s. Call after a 429 or a transient failure.
func (g *HostGate) Penalize(host string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	b, ok := g.backoffs[host]
	if !ok {
		b = &hostBackoff{delay: backoffInitial}
		g.backoffs[host] = b
	} else {
		b.delay *= 2
		if b.delay > backoffMax {
			b.delay = backoffMax
		}
	}
	b.until = time.Now().Add(b.delay)
}

// Forgive clears the host's backoff after a successful request.
func (g *HostGate) Forgive(host string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.backoffs, host)
}

// PenaltyFor reports the host's current backoff delay, zero when clear.
func (g *HostGate) PenaltyFor(host string) time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	if b, ok := g.backoffs[host]; ok {
		return b.delay
	}
	return 0
}

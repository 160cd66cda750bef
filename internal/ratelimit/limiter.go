package ratelimit

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter provides per-host rate limiting using token bucket algorithm
type Limiter struct {
	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
	rps      float64
	burst    int
}

// NewLimiter creates a new rate limiter with the specified RPS and burst capacity.
// A non-positive rps disables limiting.
func NewLimiter(rps float64, burst int) *Limiter {
	if burst < 1 {
		burst = 1
	}
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		rps:      rps,
		burst:    burst,
	}
}

func (l *Limiter) getLimiter(host string) *rate.Limiter {
	l.mu.RLock()
	limiter, exists := l.limiters[host]
	l.mu.RUnlock()
	if exists {
		return limiter
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if limiter, exists := l.limiters[host]; exists {
		return limiter
	}

	lim := rate.Limit(l.rps)
	if l.rps <= 0 {
		lim = rate.Inf
	}
	limiter = rate.NewLimiter(lim, l.burst)
	l.limiters[host] = limiter
	return limiter
}

// Wait blocks until a request for host is allowed or ctx is done.
func (l *Limiter) Wait(ctx context.Context, host string) error {
	return l.getLimiter(host).Wait(ctx)
}

// HostStatus is the bucket state of one host, reported on /health.
type HostStatus struct {
	Host      string        `json:"host"`
	Tokens    float64       `json:"tokens"`
	Throttled bool          `json:"throttled"`
	Wait      time.Duration `json:"wait_ns"`
}

// Status reports how long the next request to host would wait. Hosts never
// requested report a full bucket.
func (l *Limiter) Status(host string) HostStatus {
	l.mu.RLock()
	lim, ok := l.limiters[host]
	l.mu.RUnlock()
	if !ok {
		return HostStatus{Host: host, Tokens: float64(l.burst)}
	}
	return status(host, lim)
}

// Hosts returns the status of every host seen so far, sorted by name.
func (l *Limiter) Hosts() []HostStatus {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]HostStatus, 0, len(l.limiters))
	for host, lim := range l.limiters {
		out = append(out, status(host, lim))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Host < out[j].Host })
	return out
}

func status(host string, lim *rate.Limiter) HostStatus {
	r := lim.Reserve()
	wait := r.Delay()
	r.Cancel()
	return HostStatus{Host: host, Tokens: lim.Tokens(), Throttled: wait > 0, Wait: wait}
}

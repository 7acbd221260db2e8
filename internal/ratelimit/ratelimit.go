// Package ratelimit is the bridge's adaptive per-client rate limiter. Each
// client gets a token bucket plus a sliding request window; effective limits
// scale with system load and caller context. An optional Redis backend makes
// the decision distributed, degrading transparently to local state.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/raveos/rave/internal/config"
	"github.com/raveos/rave/internal/logging"
)

// maxWindowEntries bounds the per-client timestamp window.
const maxWindowEntries = 100

// CallContext carries per-call hints that relax the limits.
type CallContext struct {
	Admin      bool
	StatusOnly bool
}

func (c *CallContext) factor() float64 {
	switch {
	case c == nil:
		return 1.0
	case c.Admin:
		return 2.0
	case c.StatusOnly:
		return 1.5
	default:
		return 1.0
	}
}

type client struct {
	tokens      float64
	lastRefill  time.Time
	window      []time.Time
	lastRequest time.Time
}

// Limiter enforces adaptive per-client rate limits.
type Limiter struct {
	cfg     config.RateLimitConfig
	monitor *loadMonitor
	backend Backend // nil unless distributed mode is configured

	mu      sync.Mutex
	clients map[string]*client

	now  func() time.Time
	stop chan struct{}
	wg   sync.WaitGroup
}

// New builds a local limiter. Use WithBackend to enable distributed mode.
func New(cfg config.RateLimitConfig) *Limiter {
	return &Limiter{
		cfg:     cfg,
		monitor: newLoadMonitor(),
		clients: make(map[string]*client),
		now:     time.Now,
		stop:    make(chan struct{}),
	}
}

// WithBackend enables distributed decisions through the given backend.
func (l *Limiter) WithBackend(b Backend) *Limiter {
	l.backend = b
	return l
}

// Start launches the load sampler and the idle-client cleanup task.
func (l *Limiter) Start() {
	l.wg.Add(2)
	go func() {
		defer l.wg.Done()
		l.monitor.run(l.stop)
	}()
	go func() {
		defer l.wg.Done()
		l.cleanupLoop()
	}()
}

// Stop terminates the background tasks and waits for them.
func (l *Limiter) Stop() {
	close(l.stop)
	l.wg.Wait()
}

// Degraded reports whether a distributed backend has fallen back to local
// decisions. A purely local limiter is never degraded.
func (l *Limiter) Degraded() bool {
	if fb, ok := l.backend.(*FallbackBackend); ok {
		return fb.Degraded()
	}
	return false
}

// IsAllowed decides whether one request of the given cost may proceed.
func (l *Limiter) IsAllowed(ctx context.Context, id string, cost int, cc *CallContext) bool {
	if cost <= 0 {
		cost = 1
	}
	rpm, burst := l.effectiveLimits(cc)

	if l.backend != nil {
		refillRate := float64(rpm) / 60.0
		allowed, err := l.backend.Check(ctx, id, burst, refillRate, rpm, l.cfg.WindowSize, cost)
		if err == nil {
			return allowed
		}
		logging.Op().Warn("distributed rate limit check failed, deciding locally", "client", id, "error", err)
	}
	return l.allowLocal(id, cost, rpm, burst)
}

// effectiveLimits applies the load and context factors to the configured
// base limits, clamped to [base*min, base*max].
func (l *Limiter) effectiveLimits(cc *CallContext) (rpm, burst int) {
	factor := l.monitor.factor() * cc.factor()
	if factor < l.cfg.MinMultiplier {
		factor = l.cfg.MinMultiplier
	}
	if factor > l.cfg.MaxMultiplier {
		factor = l.cfg.MaxMultiplier
	}
	rpm = int(float64(l.cfg.RequestsPerMinute) * factor)
	burst = int(float64(l.cfg.BurstSize) * factor)
	if rpm < 1 {
		rpm = 1
	}
	if burst < 1 {
		burst = 1
	}
	return rpm, burst
}

func (l *Limiter) allowLocal(id string, cost, rpm, burst int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	c, ok := l.clients[id]
	if !ok {
		c = &client{tokens: float64(burst), lastRefill: now}
		l.clients[id] = c
	}

	// Refill from elapsed time, capped at the current burst capacity.
	refillRate := float64(rpm) / 60.0
	elapsed := now.Sub(c.lastRefill).Seconds()
	if elapsed > 0 {
		c.tokens += elapsed * refillRate
		if c.tokens > float64(burst) {
			c.tokens = float64(burst)
		}
		c.lastRefill = now
	}
	c.lastRequest = now

	if c.tokens < float64(cost) {
		return false
	}

	// Trim the sliding window, then check the per-minute allowance.
	cutoff := now.Add(-l.cfg.WindowSize)
	kept := c.window[:0]
	for _, t := range c.window {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	c.window = kept
	if len(c.window)+cost > rpm {
		return false
	}

	c.tokens -= float64(cost)
	for i := 0; i < cost; i++ {
		c.window = append(c.window, now)
	}
	if len(c.window) > maxWindowEntries {
		c.window = c.window[len(c.window)-maxWindowEntries:]
	}
	return true
}

// cleanupLoop evicts clients idle for more than twice the cleanup interval.
func (l *Limiter) cleanupLoop() {
	interval := l.cfg.CleanupInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.evictIdle(2 * interval)
		}
	}
}

func (l *Limiter) evictIdle(maxIdle time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-maxIdle)
	evicted := 0
	for id, c := range l.clients {
		if c.lastRequest.Before(cutoff) {
			delete(l.clients, id)
			evicted++
		}
	}
	if evicted > 0 {
		logging.Op().Debug("rate limiter evicted idle clients", "evicted", evicted, "remaining", len(l.clients))
	}
}

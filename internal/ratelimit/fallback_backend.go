package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/raveos/rave/internal/logging"
)

// probeInterval is the minimum time between health probes of the primary.
const probeInterval = 5 * time.Second

// FallbackBackend wraps a primary distributed backend. When the primary
// errors it degrades to denying nothing itself — the limiter falls back to
// local decisions — and periodically probes the primary to recover. This is
// a deliberate availability-over-strictness choice: a partitioned KV must
// never take the bridge down with it.
type FallbackBackend struct {
	primary       Backend
	degraded      atomic.Bool
	probeMu       sync.Mutex
	lastProbeTime atomic.Value // time.Time
}

// NewFallbackBackend wraps primary with degradation tracking.
func NewFallbackBackend(primary Backend) *FallbackBackend {
	fb := &FallbackBackend{primary: primary}
	fb.lastProbeTime.Store(time.Time{})
	return fb
}

func (f *FallbackBackend) Check(ctx context.Context, key string, maxTokens int, refillRate float64, windowLimit int, window time.Duration, cost int) (bool, error) {
	if f.degraded.Load() {
		if last, ok := f.lastProbeTime.Load().(time.Time); ok && time.Since(last) > probeInterval {
			go f.probeAndRecover(context.WithoutCancel(ctx))
		}
		return false, errDegraded
	}
	allowed, err := f.primary.Check(ctx, key, maxTokens, refillRate, windowLimit, window, cost)
	if err != nil {
		logging.Op().Warn("rate-limit primary backend error, degrading to local", "error", err)
		f.degraded.Store(true)
		f.lastProbeTime.Store(time.Now())
		return false, err
	}
	return allowed, nil
}

// probeAndRecover checks whether the primary has come back.
func (f *FallbackBackend) probeAndRecover(ctx context.Context) {
	if !f.probeMu.TryLock() {
		return
	}
	defer f.probeMu.Unlock()

	f.lastProbeTime.Store(time.Now())
	probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_, err := f.primary.Check(probeCtx, "probe:health", 1000, 1000, 1000, time.Minute, 0)
	if err == nil {
		logging.Op().Info("rate-limit primary backend recovered, resuming distributed mode")
		f.degraded.Store(false)
	}
}

// Degraded reports whether decisions are currently local-only.
func (f *FallbackBackend) Degraded() bool {
	return f.degraded.Load()
}

// errDegraded signals the limiter to decide locally.
type degradedError struct{}

func (degradedError) Error() string { return "distributed rate limiting degraded" }

var errDegraded = degradedError{}

package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/raveos/rave/internal/config"
)

func testConfig() config.RateLimitConfig {
	return config.RateLimitConfig{
		RequestsPerMinute: 60,
		BurstSize:         10,
		WindowSize:        time.Minute,
		CleanupInterval:   5 * time.Minute,
		MinMultiplier:     0.5,
		MaxMultiplier:     2.0,
	}
}

// fixedClock advances only when told to.
type fixedClock struct{ t time.Time }

func (c *fixedClock) now() time.Time          { return c.t }
func (c *fixedClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(cfg config.RateLimitConfig) (*Limiter, *fixedClock) {
	l := New(cfg)
	clock := &fixedClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	l.now = clock.now
	return l, clock
}

func TestBurstThenDenyThenRefill(t *testing.T) {
	l, clock := newTestLimiter(testConfig())
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if !l.IsAllowed(ctx, "c1", 1, nil) {
			t.Fatalf("request %d within burst denied", i+1)
		}
	}
	if l.IsAllowed(ctx, "c1", 1, nil) {
		t.Fatal("11th back-to-back request must be denied")
	}

	// One second refills one token at 60 rpm.
	clock.advance(time.Second)
	if !l.IsAllowed(ctx, "c1", 1, nil) {
		t.Fatal("request after refill must be allowed")
	}
}

func TestClientsAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(testConfig())
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		l.IsAllowed(ctx, "greedy", 1, nil)
	}
	if l.IsAllowed(ctx, "greedy", 1, nil) {
		t.Fatal("greedy client must be exhausted")
	}
	if !l.IsAllowed(ctx, "other", 1, nil) {
		t.Fatal("exhaustion of one client must not affect another")
	}
}

func TestWindowLimitsSustainedRate(t *testing.T) {
	cfg := testConfig()
	cfg.RequestsPerMinute = 20
	cfg.BurstSize = 20
	l, clock := newTestLimiter(cfg)
	ctx := context.Background()

	allowed := 0
	for i := 0; i < 40; i++ {
		if l.IsAllowed(ctx, "c1", 1, nil) {
			allowed++
		}
		clock.advance(time.Second)
	}
	// 40 s of traffic: the sliding minute window must never admit more
	// than rpm requests in any one-minute span.
	if allowed > 20 {
		t.Fatalf("allowed %d requests in 40s, rpm limit is 20", allowed)
	}
}

func TestAdminContextRaisesLimits(t *testing.T) {
	l, _ := newTestLimiter(testConfig())
	ctx := context.Background()

	admin := &CallContext{Admin: true}
	allowed := 0
	for i := 0; i < 25; i++ {
		if l.IsAllowed(ctx, "adm", 1, admin) {
			allowed++
		}
	}
	// Base burst 10, admin factor 2.0 -> 20 back-to-back.
	if allowed != 20 {
		t.Fatalf("admin burst = %d, want 20", allowed)
	}
}

func TestStatusContextFactor(t *testing.T) {
	l, _ := newTestLimiter(testConfig())
	ctx := context.Background()

	status := &CallContext{StatusOnly: true}
	allowed := 0
	for i := 0; i < 25; i++ {
		if l.IsAllowed(ctx, "st", 1, status) {
			allowed++
		}
	}
	if allowed != 15 {
		t.Fatalf("status burst = %d, want 15", allowed)
	}
}

func TestFactorClampedToMaxMultiplier(t *testing.T) {
	l, _ := newTestLimiter(testConfig())
	// Light load (1.2x) stacked with admin (2.0x) would be 2.4x unclamped.
	l.monitor.record(0.1)
	rpm, burst := l.effectiveLimits(&CallContext{Admin: true})
	if rpm != 120 || burst != 20 {
		t.Fatalf("limits = (%d, %d), want clamp at (120, 20)", rpm, burst)
	}
}

func TestLoadFactorThresholds(t *testing.T) {
	cases := []struct {
		load float64
		want float64
	}{
		{0.1, 1.2},
		{0.6, 1.0},
		{1.0, 0.8},
		{2.5, 0.5},
	}
	for _, tc := range cases {
		m := newLoadMonitor()
		m.record(tc.load)
		if got := m.factor(); got != tc.want {
			t.Errorf("factor(load=%.1f) = %.1f, want %.1f", tc.load, got, tc.want)
		}
	}
	if got := newLoadMonitor().factor(); got != 1.0 {
		t.Errorf("factor with no samples = %.1f, want 1.0", got)
	}
}

func TestLoadHistoryBounded(t *testing.T) {
	m := newLoadMonitor()
	for i := 0; i < 200; i++ {
		m.record(1.0)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.history) != historySize {
		t.Fatalf("history length = %d, want %d", len(m.history), historySize)
	}
}

func TestEvictIdleClients(t *testing.T) {
	l, clock := newTestLimiter(testConfig())
	ctx := context.Background()

	l.IsAllowed(ctx, "old", 1, nil)
	clock.advance(20 * time.Minute)
	l.IsAllowed(ctx, "fresh", 1, nil)

	l.evictIdle(10 * time.Minute)

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.clients["old"]; ok {
		t.Error("idle client not evicted")
	}
	if _, ok := l.clients["fresh"]; !ok {
		t.Error("active client wrongly evicted")
	}
}

type flakyBackend struct {
	fail  bool
	calls int
}

func (f *flakyBackend) Check(context.Context, string, int, float64, int, time.Duration, int) (bool, error) {
	f.calls++
	if f.fail {
		return false, errors.New("connection refused")
	}
	return true, nil
}

func TestBackendFailureFallsBackToLocal(t *testing.T) {
	l, _ := newTestLimiter(testConfig())
	primary := &flakyBackend{fail: true}
	l.WithBackend(NewFallbackBackend(primary))
	ctx := context.Background()

	// Primary down: decisions still happen, locally.
	if !l.IsAllowed(ctx, "c1", 1, nil) {
		t.Fatal("local fallback must still admit within limits")
	}
	if !l.Degraded() {
		t.Fatal("limiter must report degraded after backend failure")
	}
	callsAfterDegrade := primary.calls
	l.IsAllowed(ctx, "c1", 1, nil)
	if primary.calls != callsAfterDegrade {
		t.Fatal("degraded backend must not be called on the request path")
	}
}

func TestHealthyBackendDecides(t *testing.T) {
	l, _ := newTestLimiter(testConfig())
	primary := &flakyBackend{}
	l.WithBackend(NewFallbackBackend(primary))

	if !l.IsAllowed(context.Background(), "c1", 1, nil) {
		t.Fatal("healthy backend allow must pass through")
	}
	if l.Degraded() {
		t.Fatal("healthy backend must not be degraded")
	}
	if primary.calls != 1 {
		t.Fatalf("primary calls = %d, want 1", primary.calls)
	}
}

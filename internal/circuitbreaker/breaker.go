// Package circuitbreaker protects the bridge's outbound dependencies (IdP,
// systemd controller) from cascading failures.
//
// # State machine
//
//	Closed ──(failures ≥ FailureThreshold)──► Open ──(RecoveryTimeout elapsed)──► HalfOpen
//	  ▲                                                                               │
//	  ├──────────────(successes ≥ SuccessThreshold)───────────────────────────────────┘
//	  └◄──(any expected failure while half-open reopens immediately)
//
// Only errors the configured predicate classifies as expected count toward
// tripping; everything else passes through without touching the counters.
//
// # Concurrency
//
// State transitions take the mutex only around the decision and the counter
// update; the wrapped call itself runs outside the lock. HalfOpen admits at
// most MaxRequestsHalfOpen concurrent probes.
package circuitbreaker

import (
	"context"
	"sync"
	"time"

	"github.com/raveos/rave/internal/config"
	"github.com/raveos/rave/internal/logging"
	"github.com/raveos/rave/internal/raverr"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // normal operation
	StateOpen                  // requests are refused
	StateHalfOpen              // limited probe requests are allowed
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// maxHistoryEntries caps the per-breaker call history.
const maxHistoryEntries = 100

// callRecord is one entry in the bounded call history.
type callRecord struct {
	at       time.Time
	duration time.Duration
	ok       bool
}

// Breaker guards one dependency.
type Breaker struct {
	name       string
	cfg        config.BreakerConfig
	isExpected func(error) bool

	mu           sync.Mutex
	state        State
	failureCount int
	successCount int
	lastFailure  time.Time
	inFlight     int // half-open probes currently executing
	history      []callRecord

	now func() time.Time
}

// New builds a breaker. The predicate classifies errors that should count
// toward tripping; nil means every error counts.
func New(name string, cfg config.BreakerConfig, isExpected func(error) bool) *Breaker {
	if cfg.MaxRequestsHalfOpen <= 0 {
		cfg.MaxRequestsHalfOpen = 1
	}
	if isExpected == nil {
		isExpected = func(error) bool { return true }
	}
	return &Breaker{
		name:       name,
		cfg:        cfg,
		isExpected: isExpected,
		now:        time.Now,
	}
}

// Call runs fn under the breaker and the per-call timeout.
func (b *Breaker) Call(ctx context.Context, fn func(context.Context) error) error {
	if err := b.admit(); err != nil {
		return err
	}

	callCtx := ctx
	var cancel context.CancelFunc
	if b.cfg.CallTimeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, b.cfg.CallTimeout)
		defer cancel()
	}

	start := b.now()
	err := fn(callCtx)
	b.settle(err, b.now().Sub(start))
	return err
}

// admit decides whether a call may proceed and reserves a half-open slot.
func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if b.now().Sub(b.lastFailure) < b.cfg.RecoveryTimeout {
			return raverr.New(raverr.KindCircuitOpen, "circuit %q is open", b.name)
		}
		b.toHalfOpenLocked()
		b.inFlight++
		return nil
	case StateHalfOpen:
		if b.inFlight >= b.cfg.MaxRequestsHalfOpen {
			return raverr.New(raverr.KindCircuitOpen, "circuit %q is probing", b.name)
		}
		b.inFlight++
		return nil
	}
	return nil
}

// settle records the outcome of an admitted call.
func (b *Breaker) settle(err error, d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen {
		b.inFlight--
	}
	b.record(err == nil, d)

	if err == nil {
		switch b.state {
		case StateHalfOpen:
			b.successCount++
			if b.successCount >= b.cfg.SuccessThreshold {
				b.toClosedLocked()
			}
		case StateClosed:
			b.failureCount = 0
		}
		return
	}

	if !b.isExpected(err) {
		return // unexpected errors never trip the breaker
	}

	b.lastFailure = b.now()
	switch b.state {
	case StateClosed:
		b.failureCount++
		if b.failureCount >= b.cfg.FailureThreshold {
			b.toOpenLocked()
		}
	case StateHalfOpen:
		b.toOpenLocked()
	}
}

func (b *Breaker) toOpenLocked() {
	b.state = StateOpen
	b.successCount = 0
	logging.Op().Warn("circuit opened", "breaker", b.name, "failures", b.failureCount)
}

func (b *Breaker) toHalfOpenLocked() {
	b.state = StateHalfOpen
	b.successCount = 0
	b.inFlight = 0
	logging.Op().Info("circuit half-open", "breaker", b.name)
}

func (b *Breaker) toClosedLocked() {
	b.state = StateClosed
	b.failureCount = 0
	b.successCount = 0
	b.inFlight = 0
	logging.Op().Info("circuit closed", "breaker", b.name)
}

func (b *Breaker) record(ok bool, d time.Duration) {
	b.history = append(b.history, callRecord{at: b.now(), duration: d, ok: ok})
	if len(b.history) > maxHistoryEntries {
		b.history = b.history[len(b.history)-maxHistoryEntries:]
	}
}

// State returns the current state, applying the open→half-open timer.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.lastFailure) >= b.cfg.RecoveryTimeout {
		b.toHalfOpenLocked()
	}
	return b.state
}

// Stats summarize the bounded call history.
type Stats struct {
	State       string        `json:"state"`
	Calls       int           `json:"calls"`
	SuccessRate float64       `json:"success_rate"`
	AvgDuration time.Duration `json:"avg_duration"`
}

// Stats returns success rate and average duration over the call history.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := Stats{State: b.state.String(), Calls: len(b.history)}
	if len(b.history) == 0 {
		return s
	}
	ok := 0
	var total time.Duration
	for _, r := range b.history {
		if r.ok {
			ok++
		}
		total += r.duration
	}
	s.SuccessRate = float64(ok) / float64(len(b.history))
	s.AvgDuration = total / time.Duration(len(b.history))
	return s
}

// Reset returns the breaker to closed with cleared counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.toClosedLocked()
}

// ForceOpen opens the breaker regardless of counters and restarts its
// recovery timer from now.
func (b *Breaker) ForceOpen() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastFailure = b.now()
	b.toOpenLocked()
}

// ForceClosed closes the breaker regardless of counters.
func (b *Breaker) ForceClosed() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.toClosedLocked()
}

// Registry holds named breakers.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{breakers: make(map[string]*Breaker)}
}

// Register adds a breaker under its name, replacing any previous one.
func (r *Registry) Register(b *Breaker) {
	r.mu.Lock()
	r.breakers[b.name] = b
	r.mu.Unlock()
}

// Get returns the named breaker, or nil.
func (r *Registry) Get(name string) *Breaker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.breakers[name]
}

// AnyOpen reports whether any registered breaker is currently open.
func (r *Registry) AnyOpen() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, b := range r.breakers {
		if b.State() == StateOpen {
			return true
		}
	}
	return false
}

// Snapshot returns breaker name → state for health reporting.
func (r *Registry) Snapshot() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.breakers))
	for name, b := range r.breakers {
		out[name] = b.State().String()
	}
	return out
}

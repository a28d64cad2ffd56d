// Package breaker guards calls to the AI reviewer backend. A saturated
// or failing backend is converted into fast retryable failures instead
// of long blocking calls, so review records return to PENDING rather
// than being marked permanently FAILED.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"mr-review-orchestrator/internal/metrics"
)

// State of the breaker.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateHalfOpen:
		return "HALF_OPEN"
	case StateOpen:
		return "OPEN"
	default:
		return "UNKNOWN"
	}
}

// ErrOpen is returned without contacting the backend while the breaker
// is open. Callers treat it as an immediately retryable failure.
var ErrOpen = errors.New("circuit breaker is open")

// Config tunes the breaker. Zero values fall back to defaults.
type Config struct {
	Window           time.Duration // rolling window for failure accounting
	MinCalls         int           // calls required in the window before the rate is enforced
	FailureThreshold float64       // failure rate (0..1) that opens the breaker
	Cooldown         time.Duration // time to stay open before admitting trial calls
	HalfOpenMax      int           // trial calls admitted while half-open
}

func (c *Config) applyDefaults() {
	if c.Window <= 0 {
		c.Window = time.Minute
	}
	if c.MinCalls <= 0 {
		c.MinCalls = 5
	}
	if c.FailureThreshold <= 0 || c.FailureThreshold > 1 {
		c.FailureThreshold = 0.5
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	if c.HalfOpenMax <= 0 {
		c.HalfOpenMax = 1
	}
}

type outcome struct {
	at      time.Time
	success bool
}

// Health is the externally observable breaker state for the health probe.
type Health struct {
	State       string  `json:"state"`
	FailureRate float64 `json:"failure_rate"`
}

// Breaker is a rolling-window circuit breaker:
// CLOSED -> OPEN once the failure rate in the window crosses the
// threshold, OPEN -> HALF_OPEN after the cooldown, HALF_OPEN -> CLOSED
// on trial success or back to OPEN on trial failure.
type Breaker struct {
	mu       sync.Mutex
	cfg      Config
	state    State
	window   []outcome
	openedAt time.Time
	trials   int // in-flight trial calls while half-open

	now func() time.Time // injected in tests
}

func New(cfg Config) *Breaker {
	cfg.applyDefaults()
	b := &Breaker{cfg: cfg, now: time.Now}
	b.publish()
	return b
}

// Do runs fn through the breaker. While open it fails fast with ErrOpen;
// otherwise the call outcome feeds the failure window. Context
// cancellation by the caller is not held against the backend.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	if err := b.allow(); err != nil {
		return err
	}

	err := fn(ctx)
	if err != nil && errors.Is(err, context.Canceled) {
		b.discardTrial()
		return err
	}
	b.record(err == nil)
	return err
}

// Snapshot returns the current state and rolling failure rate.
func (b *Breaker) Snapshot() Health {
	b.mu.Lock()
	defer b.mu.Unlock()

	return Health{
		State:       b.state.String(),
		FailureRate: b.failureRateLocked(b.now()),
	}
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cfg.Cooldown {
			return ErrOpen
		}
		b.setState(StateHalfOpen)
		b.trials = 1
		b.publish()
		return nil
	case StateHalfOpen:
		if b.trials >= b.cfg.HalfOpenMax {
			return ErrOpen
		}
		b.trials++
		return nil
	}
	return nil
}

func (b *Breaker) record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()

	if b.state == StateHalfOpen {
		b.trials--
		if success {
			// Trial confirmed the backend recovered.
			b.window = nil
			b.trials = 0
			b.setState(StateClosed)
		} else {
			b.openedAt = now
			b.trials = 0
			b.setState(StateOpen)
		}
		b.publish()
		return
	}

	b.window = append(b.window, outcome{at: now, success: success})
	b.pruneLocked(now)

	if b.state == StateClosed && len(b.window) >= b.cfg.MinCalls &&
		b.failureRateLocked(now) >= b.cfg.FailureThreshold {
		b.openedAt = now
		b.setState(StateOpen)
	}
	b.publish()
}

// discardTrial releases a half-open trial slot when the call was
// cancelled by the caller and carries no signal about the backend.
func (b *Breaker) discardTrial() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateHalfOpen && b.trials > 0 {
		b.trials--
	}
}

func (b *Breaker) pruneLocked(now time.Time) {
	cutoff := now.Add(-b.cfg.Window)
	i := 0
	for i < len(b.window) && b.window[i].at.Before(cutoff) {
		i++
	}
	b.window = b.window[i:]
}

func (b *Breaker) failureRateLocked(now time.Time) float64 {
	b.pruneLocked(now)
	if len(b.window) == 0 {
		return 0
	}
	failures := 0
	for _, o := range b.window {
		if !o.success {
			failures++
		}
	}
	return float64(failures) / float64(len(b.window))
}

func (b *Breaker) setState(s State) {
	b.state = s
}

func (b *Breaker) publish() {
	metrics.BreakerState.Set(float64(b.state))
	metrics.BreakerFailureRate.Set(b.failureRateLocked(b.now()))
}

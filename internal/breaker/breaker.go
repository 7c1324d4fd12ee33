// Package breaker tracks per-flag error rates over a rolling window and opens
// a circuit when a flag's configured threshold is breached. While a circuit is
// open the flag manager suppresses the flag entirely.
package breaker

import (
	"log/slog"
	"sync"
	"time"

	"github.com/flipgate/flipgate/internal/core"
)

// State is the circuit state for a single flag.
type State string

const (
	// StateClosed is normal operation.
	StateClosed State = "closed"
	// StateOpen means the flag is forced off until a manual reset.
	StateOpen State = "open"
)

type outcome struct {
	at      time.Time
	failure bool
}

type circuit struct {
	threshold core.ErrorThreshold
	outcomes  []outcome
	state     State
	openedAt  time.Time
}

// Breaker holds one circuit per configured flag. Flags without a configured
// threshold never open. All methods are safe for concurrent use.
type Breaker struct {
	mu       sync.Mutex
	circuits map[string]*circuit
	log      *slog.Logger
	now      func() time.Time
	onOpen   func(flag string)
	onClose  func(flag string)
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithLogger sets the breaker's logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(b *Breaker) { b.log = log }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// WithStateChangeHooks registers callbacks invoked when a circuit opens or
// closes, e.g. to update metrics.
func WithStateChangeHooks(onOpen, onClose func(flag string)) Option {
	return func(b *Breaker) {
		b.onOpen = onOpen
		b.onClose = onClose
	}
}

// New creates an empty Breaker.
func New(opts ...Option) *Breaker {
	b := &Breaker{
		circuits: make(map[string]*circuit),
		log:      slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Configure installs or replaces the error threshold for a flag. The circuit
// keeps its current state; only the trip policy changes.
func (b *Breaker) Configure(flag string, threshold core.ErrorThreshold) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if existing, ok := b.circuits[flag]; ok {
		existing.threshold = threshold
		return
	}
	b.circuits[flag] = &circuit{threshold: threshold, state: StateClosed}
}

// Remove drops a flag's circuit entirely.
func (b *Breaker) Remove(flag string) {
	b.mu.Lock()
	delete(b.circuits, flag)
	b.mu.Unlock()
}

// IsOpen reports whether the flag's circuit is open.
func (b *Breaker) IsOpen(flag string) bool {
	return b.GetState(flag) == StateOpen
}

// GetState returns the flag's circuit state. Unconfigured flags are closed.
func (b *Breaker) GetState(flag string) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	circuit, ok := b.circuits[flag]
	if !ok {
		return StateClosed
	}
	return circuit.state
}

// RecordError records a failed outcome for the flag and opens the circuit if
// the error rate within the window now exceeds the threshold.
func (b *Breaker) RecordError(flag string) {
	b.record(flag, true)
}

// RecordSuccess records a successful outcome for the flag.
func (b *Breaker) RecordSuccess(flag string) {
	b.record(flag, false)
}

// Reset closes the flag's circuit and clears its outcome window.
func (b *Breaker) Reset(flag string) {
	b.mu.Lock()
	circuit, ok := b.circuits[flag]
	var reopened bool
	if ok {
		reopened = circuit.state == StateOpen
		circuit.state = StateClosed
		circuit.outcomes = circuit.outcomes[:0]
		circuit.openedAt = time.Time{}
	}
	b.mu.Unlock()

	if reopened {
		b.log.Info("circuit closed", "flag", flag, "trigger", "reset")
		if b.onClose != nil {
			b.onClose(flag)
		}
	}
}

func (b *Breaker) record(flag string, failure bool) {
	now := b.now()

	b.mu.Lock()
	circuit, ok := b.circuits[flag]
	if !ok {
		b.mu.Unlock()
		return
	}

	circuit.outcomes = append(circuit.outcomes, outcome{at: now, failure: failure})
	circuit.trim(now)

	opened := false
	if circuit.state == StateClosed && circuit.shouldOpen() {
		circuit.state = StateOpen
		circuit.openedAt = now
		opened = true
	}
	errorRate := circuit.errorRate()
	samples := len(circuit.outcomes)
	b.mu.Unlock()

	if opened {
		b.log.Warn("circuit opened",
			"flag", flag,
			"error_rate", errorRate,
			"samples", samples,
		)
		if b.onOpen != nil {
			b.onOpen(flag)
		}
	}
}

// trim drops outcomes older than the rolling window.
func (c *circuit) trim(now time.Time) {
	window := c.threshold.WindowDuration()
	if window <= 0 {
		return
	}

	cutoff := now.Add(-window)
	keepFrom := 0
	for keepFrom < len(c.outcomes) && c.outcomes[keepFrom].at.Before(cutoff) {
		keepFrom++
	}
	if keepFrom > 0 {
		c.outcomes = append(c.outcomes[:0], c.outcomes[keepFrom:]...)
	}
}

func (c *circuit) shouldOpen() bool {
	if len(c.outcomes) < c.threshold.MinSamples {
		return false
	}
	return c.errorRate() > c.threshold.Rate
}

func (c *circuit) errorRate() float64 {
	if len(c.outcomes) == 0 {
		return 0
	}

	failures := 0
	for _, outcome := range c.outcomes {
		if outcome.failure {
			failures++
		}
	}
	return float64(failures) / float64(len(c.outcomes))
}

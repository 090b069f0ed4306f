// Package transport provides the shared HTTP plumbing for A2A calls: a
// process-global connection pool keyed by endpoint and a per-endpoint
// circuit breaker that short-circuits calls to failing agents.
package transport

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when a breaker rejects a call without touching
// the network.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitState is the breaker state machine position.
type CircuitState int32

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

func (s CircuitState) String() string {
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

// BreakerConfig tunes one breaker. Zero values fall back to defaults.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that trips
	// the breaker from closed to open.
	FailureThreshold int

	// OpenTimeout is how long the breaker stays open before admitting
	// half-open probes.
	OpenTimeout time.Duration

	// HalfOpenMaxCalls bounds the probes admitted while half-open.
	HalfOpenMaxCalls int

	// OnStateChange is invoked outside the breaker lock on transitions.
	OnStateChange func(endpoint string, from, to CircuitState)
}

// DefaultBreakerConfig returns the standard breaker tuning.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		OpenTimeout:      30 * time.Second,
		HalfOpenMaxCalls: 3,
	}
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	d := DefaultBreakerConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = d.OpenTimeout
	}
	if c.HalfOpenMaxCalls <= 0 {
		c.HalfOpenMaxCalls = d.HalfOpenMaxCalls
	}
	return c
}

// Breaker is a three-state circuit breaker for one endpoint.
//
// closed -> open on FailureThreshold consecutive failures; open -> half-open
// after OpenTimeout; half-open -> closed on the first success; half-open ->
// open on any failure. While open, Allow returns ErrCircuitOpen immediately.
type Breaker struct {
	endpoint string
	config   BreakerConfig

	mu            sync.Mutex
	state         CircuitState
	failures      int
	halfOpenCalls int
	openedAt      time.Time
	now           func() time.Time
}

// NewBreaker creates a closed breaker for the endpoint.
func NewBreaker(endpoint string, config BreakerConfig) *Breaker {
	return &Breaker{
		endpoint: endpoint,
		config:   config.withDefaults(),
		state:    StateClosed,
		now:      time.Now,
	}
}

// Allow reports whether a call may proceed. In the open state it returns
// ErrCircuitOpen until OpenTimeout has elapsed, then admits up to
// HalfOpenMaxCalls probes.
func (b *Breaker) Allow() error {
	b.mu.Lock()

	switch b.state {
	case StateClosed:
		b.mu.Unlock()
		return nil

	case StateOpen:
		if b.now().Sub(b.openedAt) < b.config.OpenTimeout {
			b.mu.Unlock()
			return ErrCircuitOpen
		}
		b.transitionLocked(StateHalfOpen)
		b.halfOpenCalls = 1
		b.mu.Unlock()
		return nil

	case StateHalfOpen:
		if b.halfOpenCalls >= b.config.HalfOpenMaxCalls {
			b.mu.Unlock()
			return ErrCircuitOpen
		}
		b.halfOpenCalls++
		b.mu.Unlock()
		return nil
	}

	b.mu.Unlock()
	return nil
}

// Mark records the outcome of a call previously admitted by Allow.
func (b *Breaker) Mark(err error) {
	if err != nil {
		b.markFailure()
		return
	}
	b.markSuccess()
}

func (b *Breaker) markSuccess() {
	b.mu.Lock()

	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		// First probe success closes the breaker.
		b.failures = 0
		b.halfOpenCalls = 0
		b.transitionLocked(StateClosed)
	}

	b.mu.Unlock()
}

func (b *Breaker) markFailure() {
	b.mu.Lock()

	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.config.FailureThreshold {
			b.openedAt = b.now()
			b.transitionLocked(StateOpen)
		}
	case StateHalfOpen:
		b.openedAt = b.now()
		b.halfOpenCalls = 0
		b.transitionLocked(StateOpen)
	}

	b.mu.Unlock()
}

// transitionLocked swaps states and schedules the change callback. Caller
// holds b.mu.
func (b *Breaker) transitionLocked(to CircuitState) {
	from := b.state
	if from == to {
		return
	}
	b.state = to

	if b.config.OnStateChange != nil {
		endpoint := b.endpoint
		cb := b.config.OnStateChange
		go cb(endpoint, from, to)
	}
	slog.Debug("Circuit breaker state change",
		"endpoint", b.endpoint, "from", from.String(), "to", to.String())
}

// State returns the current state.
func (b *Breaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the consecutive failure count in the closed state.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// BreakerGroup lazily creates one breaker per endpoint.
type BreakerGroup struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	config   BreakerConfig
}

// NewBreakerGroup creates a group applying the config to every endpoint.
func NewBreakerGroup(config BreakerConfig) *BreakerGroup {
	return &BreakerGroup{
		breakers: make(map[string]*Breaker),
		config:   config.withDefaults(),
	}
}

// Get returns the breaker for the endpoint, creating it on first use.
func (g *BreakerGroup) Get(endpoint string) *Breaker {
	g.mu.RLock()
	b, ok := g.breakers[endpoint]
	g.mu.RUnlock()
	if ok {
		return b
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if b, ok := g.breakers[endpoint]; ok {
		return b
	}
	b = NewBreaker(endpoint, g.config)
	g.breakers[endpoint] = b
	return b
}

// States snapshots endpoint -> state for diagnostics.
func (g *BreakerGroup) States() map[string]CircuitState {
	g.mu.RLock()
	defer g.mu.RUnlock()
	states := make(map[string]CircuitState, len(g.breakers))
	for endpoint, b := range g.breakers {
		states[endpoint] = b.State()
	}
	return states
}

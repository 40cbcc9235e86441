// Package resilience provides the error taxonomy, retry loop and circuit
// breaker used for calls to the game's API and bulk export host.
package resilience

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	// CircuitClosed lets calls through.
	CircuitClosed CircuitState = iota
	// CircuitOpen rejects calls until ResetTimeout has passed.
	CircuitOpen
	// CircuitHalfOpen lets probe calls through.
	CircuitHalfOpen
)

var stateNames = [...]string{"closed", "open", "half-open"}

func (s CircuitState) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// ErrCircuitOpen is returned when a call is rejected because the circuit is open.
var ErrCircuitOpen = eris.New("circuit breaker is open")

// CircuitBreakerConfig controls circuit breaker behavior.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening.
	// Default: 5.
	FailureThreshold int

	// ResetTimeout is how long the circuit stays open. Default: 30s.
	ResetTimeout time.Duration

	// Probes is how many successes in half-open close the circuit. Default: 1.
	Probes int

	// ShouldTrip decides which errors count as failures. If nil, every error
	// except configuration errors and context cancellation trips.
	ShouldTrip func(err error) bool

	// OnStateChange is called with the breaker name on every transition.
	OnStateChange func(name string, from, to CircuitState)
}

// DefaultCircuitBreakerConfig returns the breaker defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
		Probes:           1,
	}
}

func (c CircuitBreakerConfig) withDefaults() CircuitBreakerConfig {
	def := DefaultCircuitBreakerConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = def.FailureThreshold
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = def.ResetTimeout
	}
	if c.Probes <= 0 {
		c.Probes = def.Probes
	}
	if c.ShouldTrip == nil {
		c.ShouldTrip = func(err error) bool {
			return !IsConfiguration(err) && !errors.Is(err, context.Canceled)
		}
	}
	return c
}

// CircuitBreaker guards one upstream query kind. The open to half-open
// move happens lazily when a call or State observes that ResetTimeout has
// elapsed.
type CircuitBreaker struct {
	name string
	cfg  CircuitBreakerConfig

	mu        sync.Mutex
	state     CircuitState
	failures  int
	successes int
	openedAt  time.Time

	nowFunc func() time.Time
}

// NewCircuitBreaker creates a named circuit breaker.
func NewCircuitBreaker(name string, cfg CircuitBreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{
		name:    name,
		cfg:     cfg.withDefaults(),
		nowFunc: time.Now,
	}
}

// Name returns the breaker name.
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Execute runs fn through the breaker. It returns ErrCircuitOpen without
// calling fn while the circuit is open.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if !cb.admit() {
		return eris.Wrapf(ErrCircuitOpen, "breaker %s", cb.name)
	}
	err := fn(ctx)
	cb.record(err != nil && cb.cfg.ShouldTrip(err))
	return err
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.expire()
	return cb.state
}

// Failures returns the current run of consecutive failures.
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

// Reset forces the circuit back to closed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.moveTo(CircuitClosed)
}

func (cb *CircuitBreaker) admit() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.expire()
	return cb.state != CircuitOpen
}

func (cb *CircuitBreaker) record(failed bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch {
	case !failed && cb.state == CircuitHalfOpen:
		cb.successes++
		if cb.successes >= cb.cfg.Probes {
			cb.moveTo(CircuitClosed)
		}
	case !failed:
		cb.failures = 0
	case cb.state == CircuitHalfOpen:
		cb.moveTo(CircuitOpen)
	default:
		cb.failures++
		if cb.state == CircuitClosed && cb.failures >= cb.cfg.FailureThreshold {
			cb.moveTo(CircuitOpen)
		}
	}
}

// expire must be called with mu held.
func (cb *CircuitBreaker) expire() {
	if cb.state == CircuitOpen && cb.nowFunc().Sub(cb.openedAt) >= cb.cfg.ResetTimeout {
		cb.moveTo(CircuitHalfOpen)
	}
}

// moveTo must be called with mu held. Counters restart on every state.
func (cb *CircuitBreaker) moveTo(to CircuitState) {
	from := cb.state
	if to == CircuitOpen {
		cb.openedAt = cb.nowFunc()
	}
	cb.successes = 0
	if to != CircuitOpen {
		cb.failures = 0
	}
	if from == to {
		return
	}
	cb.state = to
	zap.L().Info("circuit breaker state change",
		zap.String("breaker", cb.name),
		zap.Stringer("from", from),
		zap.Stringer("to", to),
	)
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.name, from, to)
	}
}

// BreakerSet holds one breaker per query kind, all sharing a config.
type BreakerSet struct {
	cfg CircuitBreakerConfig

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// NewBreakerSet creates an empty set.
func NewBreakerSet(cfg CircuitBreakerConfig) *BreakerSet {
	return &BreakerSet{cfg: cfg, breakers: make(map[string]*CircuitBreaker)}
}

// Get returns the breaker for kind, creating it on first use.
func (s *BreakerSet) Get(kind string) *CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	cb, ok := s.breakers[kind]
	if !ok {
		cb = NewCircuitBreaker(kind, s.cfg)
		s.breakers[kind] = cb
	}
	return cb
}

// Kinds returns the names of the breakers created so far, sorted.
func (s *BreakerSet) Kinds() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	kinds := make([]string, 0, len(s.breakers))
	for k := range s.breakers {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// States returns the current state of every breaker.
func (s *BreakerSet) States() map[string]CircuitState {
	states := make(map[string]CircuitState)
	for _, k := range s.Kinds() {
		states[k] = s.Get(k).State()
	}
	return states
}

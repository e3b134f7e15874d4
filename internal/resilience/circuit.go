// Package resilience keeps model provider calls well behaved: transient error
// detection, retry with backoff and per-provider circuit breakers.
package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// CircuitState is the state of a Breaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned without calling the provider while its breaker
// is open.
var ErrCircuitOpen = eris.New("circuit breaker is open")

// CircuitBreakerConfig controls when a provider is cut off.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failed calls that opens
	// the circuit.
	FailureThreshold int
	// ResetTimeout is how long an open circuit waits before letting one
	// probe call through.
	ResetTimeout time.Duration
	// ShouldTrip decides which errors count. Nil counts every error.
	ShouldTrip func(err error) bool
}

// DefaultCircuitBreakerConfig returns the policy used when none is
// configured.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
	}
}

// FromCircuitConfig builds a CircuitBreakerConfig from the flat config
// values. Zero values keep the defaults.
func FromCircuitConfig(failureThreshold, resetTimeoutSecs int) CircuitBreakerConfig {
	cfg := DefaultCircuitBreakerConfig()
	if failureThreshold > 0 {
		cfg.FailureThreshold = failureThreshold
	}
	if resetTimeoutSecs > 0 {
		cfg.ResetTimeout = time.Duration(resetTimeoutSecs) * time.Second
	}
	return cfg
}

// Breaker is the circuit breaker of one provider.
type Breaker struct {
	name string
	cfg  CircuitBreakerConfig
	now  func() time.Time

	mu       sync.Mutex
	state    CircuitState
	failures int
	openedAt time.Time
	probing  bool
}

// NewBreaker creates a closed breaker for the named provider.
func NewBreaker(name string, cfg CircuitBreakerConfig) *Breaker {
	d := DefaultCircuitBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = d.FailureThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = d.ResetTimeout
	}
	if cfg.ShouldTrip == nil {
		cfg.ShouldTrip = func(err error) bool { return err != nil }
	}
	return &Breaker{name: name, cfg: cfg, now: time.Now}
}

// State returns the current state. An open circuit past its reset timeout
// reports half-open.
func (b *Breaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == CircuitOpen && b.now().Sub(b.openedAt) >= b.cfg.ResetTimeout {
		return CircuitHalfOpen
	}
	return b.state
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitOpen:
		if b.now().Sub(b.openedAt) < b.cfg.ResetTimeout {
			return ErrCircuitOpen
		}
		b.setState(CircuitHalfOpen)
		b.probing = true
		return nil
	case CircuitHalfOpen:
		// One probe at a time.
		if b.probing {
			return ErrCircuitOpen
		}
		b.probing = true
	}
	return nil
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probing = false

	if err == nil || !b.cfg.ShouldTrip(err) {
		b.failures = 0
		if b.state != CircuitClosed {
			b.setState(CircuitClosed)
		}
		return
	}

	b.failures++
	if b.state == CircuitHalfOpen || b.failures >= b.cfg.FailureThreshold {
		b.openedAt = b.now()
		if b.state != CircuitOpen {
			b.setState(CircuitOpen)
		}
	}
}

func (b *Breaker) setState(to CircuitState) {
	from := b.state
	b.state = to
	zap.L().Info("provider: circuit state changed",
		zap.String("provider", b.name),
		zap.Stringer("from", from),
		zap.Stringer("to", to),
		zap.Int("failures", b.failures),
	)
}

// ExecuteVal runs fn unless the breaker is open and records the outcome.
func ExecuteVal[T any](ctx context.Context, b *Breaker, fn func(ctx context.Context) (T, error)) (T, error) {
	if err := b.allow(); err != nil {
		var zero T
		return zero, err
	}
	v, err := fn(ctx)
	b.record(err)
	return v, err
}

// Breakers holds one Breaker per provider id, created on first use.
type Breakers struct {
	cfg CircuitBreakerConfig

	mu sync.Mutex
	m  map[string]*Breaker
}

// NewBreakers creates an empty set sharing cfg.
func NewBreakers(cfg CircuitBreakerConfig) *Breakers {
	return &Breakers{cfg: cfg, m: make(map[string]*Breaker)}
}

// Get returns the breaker for a provider.
func (bs *Breakers) Get(providerID string) *Breaker {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	b, ok := bs.m[providerID]
	if !ok {
		b = NewBreaker(providerID, bs.cfg)
		bs.m[providerID] = b
	}
	return b
}

// States snapshots the state of every provider seen so far.
func (bs *Breakers) States() map[string]CircuitState {
	bs.mu.Lock()
	list := make(map[string]*Breaker, len(bs.m))
	for id, b := range bs.m {
		list[id] = b
	}
	bs.mu.Unlock()

	out := make(map[string]CircuitState, len(list))
	for id, b := range list {
		out[id] = b.State()
	}
	return out
}

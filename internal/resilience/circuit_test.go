package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(threshold int) (*Breaker, *clock) {
	c := &clock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	b := NewBreaker("anthropic", CircuitBreakerConfig{FailureThreshold: threshold, ResetTimeout: time.Minute})
	b.now = c.now
	return b, c
}

func fail(context.Context) (string, error) { return "", errors.New("boom") }
func ok(context.Context) (string, error)   { return "ok", nil }

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(2)
	ctx := context.Background()

	_, _ = ExecuteVal(ctx, b, fail)
	assert.Equal(t, CircuitClosed, b.State())
	_, _ = ExecuteVal(ctx, b, fail)
	assert.Equal(t, CircuitOpen, b.State())

	called := false
	_, err := ExecuteVal(ctx, b, func(context.Context) (string, error) {
		called = true
		return "", nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
}

func TestBreaker_SuccessResetsCount(t *testing.T) {
	b, _ := newTestBreaker(2)
	ctx := context.Background()

	_, _ = ExecuteVal(ctx, b, fail)
	_, _ = ExecuteVal(ctx, b, ok)
	_, _ = ExecuteVal(ctx, b, fail)
	assert.Equal(t, CircuitClosed, b.State())
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	b, c := newTestBreaker(1)
	ctx := context.Background()

	_, _ = ExecuteVal(ctx, b, fail)
	require.Equal(t, CircuitOpen, b.State())

	c.advance(time.Minute)
	assert.Equal(t, CircuitHalfOpen, b.State())

	v, err := ExecuteVal(ctx, b, ok)
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, CircuitClosed, b.State())
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	b, c := newTestBreaker(3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, _ = ExecuteVal(ctx, b, fail)
	}
	c.advance(time.Minute)
	_, err := ExecuteVal(ctx, b, fail)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, CircuitOpen, b.State())

	_, err = ExecuteVal(ctx, b, ok)
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestBreaker_OneProbeAtATime(t *testing.T) {
	b, c := newTestBreaker(1)
	ctx := context.Background()
	_, _ = ExecuteVal(ctx, b, fail)
	c.advance(time.Minute)

	inProbe := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = ExecuteVal(ctx, b, func(context.Context) (string, error) {
			close(inProbe)
			<-release
			return "ok", nil
		})
	}()

	<-inProbe
	_, err := ExecuteVal(ctx, b, ok)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	close(release)
	<-done
	assert.Equal(t, CircuitClosed, b.State())
}

func TestBreaker_ShouldTrip(t *testing.T) {
	b := NewBreaker("openai", CircuitBreakerConfig{FailureThreshold: 1, ShouldTrip: IsTransient})
	_, _ = ExecuteVal(context.Background(), b, fail)
	assert.Equal(t, CircuitClosed, b.State(), "permanent errors do not trip")
}

func TestBreakers_PerProvider(t *testing.T) {
	bs := NewBreakers(CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Hour})
	assert.Same(t, bs.Get("anthropic"), bs.Get("anthropic"))

	_, _ = ExecuteVal(context.Background(), bs.Get("anthropic"), fail)
	_, _ = ExecuteVal(context.Background(), bs.Get("openai"), ok)

	assert.Equal(t, map[string]CircuitState{
		"anthropic": CircuitOpen,
		"openai":    CircuitClosed,
	}, bs.States())
}

func TestFromCircuitConfig(t *testing.T) {
	cfg := FromCircuitConfig(3, 10)
	assert.Equal(t, 3, cfg.FailureThreshold)
	assert.Equal(t, 10*time.Second, cfg.ResetTimeout)

	def := FromCircuitConfig(0, 0)
	assert.Equal(t, DefaultCircuitBreakerConfig().FailureThreshold, def.FailureThreshold)
}

func TestCircuitState_String(t *testing.T) {
	assert.Equal(t, "closed", CircuitClosed.String())
	assert.Equal(t, "open", CircuitOpen.String())
	assert.Equal(t, "half-open", CircuitHalfOpen.String())
	assert.Equal(t, "unknown", CircuitState(9).String())
}

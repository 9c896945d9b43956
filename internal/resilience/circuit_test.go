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

var errUnavailable = HTTPError("speech2text", "submit", 503, "maintenance")

func tripCfg(threshold int) CircuitBreakerConfig {
	return CircuitBreakerConfig{FailureThreshold: threshold, ResetTimeout: time.Minute}
}

func fail(cb *CircuitBreaker, err error, n int) {
	for i := 0; i < n; i++ {
		_ = cb.Execute(context.Background(), func(context.Context) error { return err })
	}
}

func TestCircuitBreaker_ClosedPassesThrough(t *testing.T) {
	cb := NewCircuitBreaker("amocrm", DefaultCircuitBreakerConfig())
	calls := 0
	err := cb.Execute(context.Background(), func(context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker("speech2text", tripCfg(3))
	fail(cb, errUnavailable, 3)
	assert.Equal(t, CircuitOpen, cb.State())

	err := cb.Execute(context.Background(), func(context.Context) error {
		t.Error("should not run while open")
		return nil
	})
	assert.True(t, errors.Is(err, ErrCircuitOpen))
	assert.Contains(t, err.Error(), "speech2text")
}

func TestCircuitBreaker_PermanentErrorsDoNotTrip(t *testing.T) {
	cb := NewCircuitBreaker("amocrm", tripCfg(2))
	fail(cb, HTTPError("amocrm", "add note", 400, "bad"), 5)
	assert.Equal(t, CircuitClosed, cb.State())
	assert.Equal(t, 0, cb.Failures())
}

func TestCircuitBreaker_SuccessResetsCounter(t *testing.T) {
	cb := NewCircuitBreaker("amocrm", tripCfg(3))
	fail(cb, errUnavailable, 2)
	assert.Equal(t, 2, cb.Failures())

	require.NoError(t, cb.Execute(context.Background(), func(context.Context) error { return nil }))
	assert.Equal(t, 0, cb.Failures())
}

func TestCircuitBreaker_HalfOpenProbe(t *testing.T) {
	now := time.Now()
	cb := NewCircuitBreaker("completion", tripCfg(1))
	cb.nowFunc = func() time.Time { return now }

	fail(cb, errUnavailable, 1)
	assert.Equal(t, CircuitOpen, cb.State())

	now = now.Add(2 * time.Minute)
	assert.Equal(t, CircuitHalfOpen, cb.State())

	require.NoError(t, cb.Execute(context.Background(), func(context.Context) error { return nil }))
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	now := time.Now()
	cb := NewCircuitBreaker("completion", tripCfg(1))
	cb.nowFunc = func() time.Time { return now }

	fail(cb, errUnavailable, 1)
	now = now.Add(2 * time.Minute)
	fail(cb, errUnavailable, 1)
	assert.Equal(t, CircuitOpen, cb.State())
}

func TestCircuitBreaker_OnStateChange(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	cfg := tripCfg(1)
	cfg.OnStateChange = func(service string, from, to CircuitState) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, service+":"+from.String()+"->"+to.String())
	}
	cb := NewCircuitBreaker("bitrix24", cfg)
	fail(cb, errUnavailable, 1)
	cb.Reset()

	assert.Equal(t, []string{"bitrix24:closed->open", "bitrix24:open->closed"}, seen)
}

func TestCircuitBreaker_ConcurrentAccess(t *testing.T) {
	cb := NewCircuitBreaker("amocrm", tripCfg(1000))
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = cb.Execute(context.Background(), func(context.Context) error {
				if i%2 == 0 {
					return errUnavailable
				}
				return nil
			})
		}(i)
	}
	wg.Wait()
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestExecuteVal(t *testing.T) {
	cb := NewCircuitBreaker("completion", tripCfg(1))
	v, err := ExecuteVal(context.Background(), cb, func(context.Context) (string, error) { return "ok", nil })
	require.NoError(t, err)
	assert.Equal(t, "ok", v)

	fail(cb, errUnavailable, 1)
	v, err = ExecuteVal(context.Background(), cb, func(context.Context) (string, error) { return "nope", nil })
	assert.True(t, errors.Is(err, ErrCircuitOpen))
	assert.Empty(t, v)
}

func TestServiceBreakers(t *testing.T) {
	sb := NewServiceBreakers(tripCfg(1))
	a := sb.Get("amocrm")
	assert.Same(t, a, sb.Get("amocrm"))
	assert.NotSame(t, a, sb.Get("bitrix24"))

	fail(a, errUnavailable, 1)
	states := sb.States()
	assert.Equal(t, CircuitOpen, states["amocrm"])
	assert.Equal(t, CircuitClosed, states["bitrix24"])
}

func TestCircuitState_String(t *testing.T) {
	assert.Equal(t, "closed", CircuitClosed.String())
	assert.Equal(t, "open", CircuitOpen.String())
	assert.Equal(t, "half-open", CircuitHalfOpen.String())
	assert.Equal(t, "unknown", CircuitState(9).String())
}

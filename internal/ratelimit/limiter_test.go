package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func TestAdaptiveLimiter_BacksOffAndRecovers(t *testing.T) {
	l := NewAdaptiveLimiter(8, 1)

	l.OnRateLimit()
	assert.Equal(t, rate.Limit(4), l.Limit())
	l.OnRateLimit()
	l.OnRateLimit()
	assert.Equal(t, rate.Limit(2), l.Limit(), "floor is a quarter of the initial rate")

	for i := 0; i < 20; i++ {
		l.OnSuccess()
	}
	assert.Equal(t, rate.Limit(8), l.Limit(), "never exceeds the initial rate")
}

func TestRegistry_OneLimiterPerKey(t *testing.T) {
	r := NewRegistry(5, 0)
	a := r.For("acme")
	assert.Same(t, a, r.For("acme"))
	assert.NotSame(t, a, r.For("globex"))

	a.OnRateLimit()
	assert.Equal(t, rate.Limit(5), r.For("globex").Limit())
}

func TestRegistry_WaitHonoursContext(t *testing.T) {
	r := NewRegistry(0.001, 1)
	require.NoError(t, r.Wait(context.Background(), "acme"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.Error(t, r.Wait(ctx, "acme"))
}

package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(rdb), mr
}

func TestAllowUpToLimit(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		ok, n, err := l.Allow(ctx, "k", 3, time.Hour)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, i, n)
	}

	ok, n, err := l.Allow(ctx, "k", 3, time.Hour)
	require.NoError(t, err)
	assert.False(t, ok, "fourth grant must be denied")
	assert.Equal(t, 3, n, "denied call must not increment")
}

func TestCountWithoutConsuming(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()

	n, err := l.Count(ctx, "missing")
	require.NoError(t, err)
	assert.Zero(t, n)

	_, _, err = l.Allow(ctx, "k", 10, time.Hour)
	require.NoError(t, err)
	n, err = l.Count(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestCounterExpires(t *testing.T) {
	l, mr := newTestLimiter(t)
	ctx := context.Background()

	_, _, err := l.Allow(ctx, "k", 1, time.Minute)
	require.NoError(t, err)

	ok, _, err := l.Allow(ctx, "k", 1, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	mr.FastForward(2 * time.Minute)

	ok, _, err = l.Allow(ctx, "k", 1, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "budget must reset after the TTL")
}

func TestKeyShapes(t *testing.T) {
	at := time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC)
	assert.Equal(t, "blastcap:c1:2026-03-02", DailyKey("c1", at))
	assert.Equal(t, "blastretry:c1:2026030214", HourlyRetryKey("c1", at))
}

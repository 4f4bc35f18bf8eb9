package ratelimit

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLimiterAcquireWaitsForRefill(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 10, DefaultBurst: 1})
	ctx := context.Background()

	require.NoError(t, l.Acquire(ctx, "search"))

	start := time.Now()
	require.NoError(t, l.Acquire(ctx, "search"))
	require.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestLimiterKeysAreIndependent(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 1, DefaultBurst: 1})
	ctx := context.Background()

	require.NoError(t, l.Acquire(ctx, "gemini"))

	start := time.Now()
	require.NoError(t, l.Acquire(ctx, "websearch"))
	require.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestLimiterAcquireHonoursContext(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 0.01, DefaultBurst: 1})
	require.NoError(t, l.Acquire(context.Background(), "slow"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.Error(t, l.Acquire(ctx, "slow"))
}

func TestLimiterOverrides(t *testing.T) {
	t.Parallel()

	l := New(Config{
		DefaultRPS:   1,
		DefaultBurst: 1,
		Overrides:    map[string]Bucket{"anthropic": {RPS: 1, Burst: 3}},
	})
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		require.True(t, l.AllowAt("anthropic", now), "token %d", i)
	}
	require.False(t, l.AllowAt("anthropic", now))
	require.True(t, l.AllowAt("other", now))
	require.False(t, l.AllowAt("other", now))
}

func TestLimiterNeverExceedsBucketBound(t *testing.T) {
	t.Parallel()

	const (
		rps      = 4.0
		capacity = 3
	)
	l := New(Config{DefaultRPS: rps, DefaultBurst: capacity})
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	granted := 0
	step := 10 * time.Millisecond
	for now := start; now.Sub(start) <= 2*time.Second; now = now.Add(step) {
		// Hammer the bucket several times per instant.
		for i := 0; i < 5; i++ {
			if l.AllowAt("search", now) {
				granted++
			}
		}
		elapsed := now.Sub(start).Seconds()
		bound := capacity + int(math.Ceil(elapsed*rps))
		require.LessOrEqual(t, granted, bound, "at %.2fs", elapsed)
	}
	require.Greater(t, granted, capacity)
}

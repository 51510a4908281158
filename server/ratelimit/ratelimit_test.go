// Copyright (C) 2024 Inkwell Labs.
// See LICENSE for copying information.

package ratelimit_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"inkwell.io/inkwell/server/ratelimit"
)

func newLimiter(t *testing.T) (*ratelimit.RedisLimiter, *miniredis.Miniredis) {
	server := miniredis.RunT(t)
	limiter, err := ratelimit.OpenLimiter(context.Background(), zaptest.NewLogger(t), "redis://"+server.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, limiter.Close()) })
	return limiter, server
}

func TestAllow_WithinLimit(t *testing.T) {
	limiter, _ := newLimiter(t)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		result, err := limiter.Allow(ctx, "ws_rate_user_alice", 5, time.Minute)
		require.NoError(t, err)
		require.True(t, result.Allowed, "attempt %d", i)
		require.Equal(t, int64(i), result.Count)
	}

	result, err := limiter.Allow(ctx, "ws_rate_user_alice", 5, time.Minute)
	require.NoError(t, err)
	require.False(t, result.Allowed)
	require.Equal(t, int64(6), result.Count)
}

func TestAllow_IndependentKeys(t *testing.T) {
	limiter, _ := newLimiter(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := limiter.Allow(ctx, "ws_rate_user_alice", 2, time.Minute)
		require.NoError(t, err)
	}

	result, err := limiter.Allow(ctx, "ws_rate_ip_10.0.0.7", 2, time.Minute)
	require.NoError(t, err)
	require.True(t, result.Allowed)
	require.Equal(t, int64(1), result.Count)
}

func TestAllow_WindowExpiry(t *testing.T) {
	limiter, server := newLimiter(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := limiter.Allow(ctx, "ask_user_alice", 2, time.Minute)
		require.NoError(t, err)
	}
	result, err := limiter.Allow(ctx, "ask_user_alice", 2, time.Minute)
	require.NoError(t, err)
	require.False(t, result.Allowed)

	server.FastForward(time.Minute + time.Second)

	result, err = limiter.Allow(ctx, "ask_user_alice", 2, time.Minute)
	require.NoError(t, err)
	require.True(t, result.Allowed)
	require.Equal(t, int64(1), result.Count)
}

func TestAllow_FailsOpen(t *testing.T) {
	limiter, server := newLimiter(t)
	ctx := context.Background()

	server.Close()

	result, err := limiter.Allow(ctx, "upload_user_alice", 1, time.Minute)
	require.NoError(t, err)
	require.True(t, result.Allowed)
}

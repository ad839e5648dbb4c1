// Copyright 2025 James Ross
package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func TestInMemoryPutAndExpire(t *testing.T) {
	ctx := context.Background()
	c := NewInMemory(time.Minute)
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	require.NoError(t, c.PutInFlight(ctx, "d1"))
	ok, err := c.IsInFlight(ctx, "d1")
	require.NoError(t, err)
	require.True(t, ok)

	now = now.Add(2 * time.Minute)
	ok, err = c.IsInFlight(ctx, "d1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestInMemoryRemove(t *testing.T) {
	ctx := context.Background()
	c := NewInMemory(time.Minute)
	require.NoError(t, c.PutInFlight(ctx, "d1"))
	require.NoError(t, c.RemoveInFlight(ctx, "d1"))
	ok, err := c.IsInFlight(ctx, "d1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRedisCache(t *testing.T) {
	srv := miniredis.RunT(t)
	ctx := context.Background()
	c := NewRedis(srv.Addr(), "", time.Minute)
	defer c.Close()

	ok, err := c.IsInFlight(ctx, "d1")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, c.PutInFlight(ctx, "d1"))
	ok, err = c.IsInFlight(ctx, "d1")
	require.NoError(t, err)
	require.True(t, ok)

	srv.FastForward(2 * time.Minute)
	ok, err = c.IsInFlight(ctx, "d1")
	require.NoError(t, err)
	require.False(t, ok)
}

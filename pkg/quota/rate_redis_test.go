package quota

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisRateCountsIdenticalTimestamps(t *testing.T) {
	server := miniredis.RunT(t)
	rate := NewRedisRate(server.Addr(), "", 0)
	defer rate.Close()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, rate.Register(ctx, "tenant-a", 1000.0))
	}

	count, err := rate.CountSince(ctx, "tenant-a", 940.0)
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestRedisRateWindowExcludesOldEvents(t *testing.T) {
	server := miniredis.RunT(t)
	rate := NewRedisRate(server.Addr(), "", 0)
	defer rate.Close()

	ctx := context.Background()
	require.NoError(t, rate.Register(ctx, "tenant-a", 900.0))
	require.NoError(t, rate.Register(ctx, "tenant-a", 1000.0))
	require.NoError(t, rate.Register(ctx, "tenant-a", 1001.0))

	count, err := rate.CountSince(ctx, "tenant-a", 940.0)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestRedisRateTenantsIsolated(t *testing.T) {
	server := miniredis.RunT(t)
	rate := NewRedisRate(server.Addr(), "", 0)
	defer rate.Close()

	ctx := context.Background()
	require.NoError(t, rate.Register(ctx, "tenant-a", 1000.0))
	require.NoError(t, rate.Register(ctx, "tenant-b", 1000.0))

	count, err := rate.CountSince(ctx, "tenant-a", 940.0)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

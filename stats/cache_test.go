package stats

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHealthCheckerSnapshots(t *testing.T) {
	h := NewHealthChecker(
		func(context.Context) bool { return true },
		func(context.Context) error { return errors.New("beacon down") },
		time.Hour,
	)
	h.probe(context.Background())

	current := h.Current()
	require.True(t, current.ExecutionOK)
	require.False(t, current.BeaconOK)
	require.False(t, current.CheckedAt.IsZero())
}

func TestNetworkBlockCacheTTL(t *testing.T) {
	var calls atomic.Int64
	cache := NewNetworkBlockCache(func(context.Context) (uint64, error) {
		calls.Add(1)
		return 17_000_000, nil
	}, time.Hour)

	for i := 0; i < 5; i++ {
		tip, err := cache.Latest(context.Background())
		require.NoError(t, err)
		require.Equal(t, uint64(17_000_000), tip)
	}
	require.Equal(t, int64(1), calls.Load(), "within the TTL only one upstream call")
}

func TestNetworkBlockCacheServesStaleOnError(t *testing.T) {
	var fail atomic.Bool
	cache := NewNetworkBlockCache(func(context.Context) (uint64, error) {
		if fail.Load() {
			return 0, errors.New("rpc down")
		}
		return 42, nil
	}, time.Nanosecond)

	tip, err := cache.Latest(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(42), tip)

	fail.Store(true)
	time.Sleep(time.Millisecond)
	tip, err = cache.Latest(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(42), tip, "stale value served while upstream is down")
}

func TestNetworkBlockCacheFirstErrorSurfaces(t *testing.T) {
	cache := NewNetworkBlockCache(func(context.Context) (uint64, error) {
		return 0, errors.New("rpc down")
	}, time.Hour)

	_, err := cache.Latest(context.Background())
	require.Error(t, err)
}

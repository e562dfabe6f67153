package config

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("ETH_RPC_URL", "https://rpc.example.org")
	t.Setenv("BEACON_RPC_URL", "https://beacon.example.org")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "sqlite:./data/indexer.db", cfg.DatabaseURL)
	require.Equal(t, 3000, cfg.APIPort)
	require.Equal(t, 8, cfg.WorkerPoolSize)
	require.Equal(t, int64(10), cfg.MaxConcurrentBlocks)
	require.Equal(t, int64(50), cfg.MaxConcurrentTxReceipts)
	require.Equal(t, 32, cfg.BlockQueueSize())
	require.Equal(t, int64(20), cfg.EthRPCMaxConcurrent)
	require.Equal(t, 3*time.Second, cfg.BlockFetchInterval)
	require.Equal(t, 30*time.Second, cfg.WorkerTimeout)
	require.Equal(t, "info", cfg.LogLevel)
	require.False(t, cfg.StartBlockSet)
	require.Empty(t, cfg.KafkaBrokers)
}

func TestLoadOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("WORKER_POOL_SIZE", "4")
	t.Setenv("BLOCK_QUEUE_SIZE_MULTIPLIER", "2")
	t.Setenv("START_BLOCK", "-100")
	t.Setenv("ETH_RPC_MIN_INTERVAL_MS", "25")
	t.Setenv("KAFKA_BROKERS", "broker1:9092, broker2:9092")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 8, cfg.BlockQueueSize())
	require.True(t, cfg.StartBlockSet)
	require.Equal(t, int64(-100), cfg.StartBlock)
	require.Equal(t, 25*time.Millisecond, cfg.EthRPCMinInterval)
	require.Equal(t, []string{"broker1:9092", "broker2:9092"}, cfg.KafkaBrokers)
}

func TestLoadRejectsMissingBeaconURL(t *testing.T) {
	t.Setenv("ETH_RPC_URL", "https://rpc.example.org")
	t.Setenv("BEACON_RPC_URL", "")

	_, err := Load()
	require.ErrorContains(t, err, "BEACON_RPC_URL")
}

func TestLoadRejectsBadScheme(t *testing.T) {
	t.Setenv("ETH_RPC_URL", "https://rpc.example.org")
	t.Setenv("BEACON_RPC_URL", "ftp://beacon.example.org")

	_, err := Load()
	require.ErrorContains(t, err, "http or ws")
}

type fakeStartBlockStore struct {
	cached *int64
	inited []int64
}

func (f *fakeStartBlockStore) StartBlock(context.Context) (*int64, error) {
	return f.cached, nil
}

func (f *fakeStartBlockStore) InitStartBlock(_ context.Context, n int64) error {
	f.inited = append(f.inited, n)
	return nil
}

func noTip(context.Context) (uint64, error) {
	return 0, errors.New("tip lookup not expected")
}

func TestResolveStartBlockCacheWins(t *testing.T) {
	cached := int64(17_000_000)
	store := &fakeStartBlockStore{cached: &cached}
	cfg := &Config{StartBlock: 5, StartBlockSet: true}

	got, err := cfg.ResolveStartBlock(context.Background(), store, noTip)
	require.NoError(t, err)
	require.Equal(t, int64(17_000_000), got)
	require.Empty(t, store.inited, "cached value must not be rewritten")
}

func TestResolveStartBlockAbsolute(t *testing.T) {
	store := &fakeStartBlockStore{}
	cfg := &Config{StartBlock: 12345, StartBlockSet: true}

	got, err := cfg.ResolveStartBlock(context.Background(), store, noTip)
	require.NoError(t, err)
	require.Equal(t, int64(12345), got)
	require.Equal(t, []int64{12345}, store.inited)
}

func TestResolveStartBlockNegativeOffset(t *testing.T) {
	store := &fakeStartBlockStore{}
	cfg := &Config{StartBlock: -100, StartBlockSet: true}
	tip := func(context.Context) (uint64, error) { return 17_000_000, nil }

	got, err := cfg.ResolveStartBlock(context.Background(), store, tip)
	require.NoError(t, err)
	require.Equal(t, int64(16_999_900), got)
}

func TestResolveStartBlockNegativeClampsToGenesis(t *testing.T) {
	store := &fakeStartBlockStore{}
	cfg := &Config{StartBlock: -1000, StartBlockSet: true}
	tip := func(context.Context) (uint64, error) { return 5, nil }

	got, err := cfg.ResolveStartBlock(context.Background(), store, tip)
	require.NoError(t, err)
	require.Equal(t, int64(0), got)
}

func TestResolveStartBlockUnset(t *testing.T) {
	store := &fakeStartBlockStore{}
	cfg := &Config{}

	got, err := cfg.ResolveStartBlock(context.Background(), store, noTip)
	require.NoError(t, err)
	require.Equal(t, int64(0), got)
	require.Equal(t, []int64{0}, store.inited)
}

// Package config loads indexer settings from the process environment, with
// optional .env overlay for local runs.
package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/joho/godotenv"
)

// Config holds every runtime setting. All values come from the environment;
// zero rows of configuration live in the database except the resolved start
// block.
type Config struct {
	DatabaseURL  string
	EthRPCURL    string
	BeaconRPCURL string
	APIPort      int

	// StartBlock as configured. Negative means an offset from the chain
	// tip at first launch; SetStartBlock holds whether the variable was
	// present at all, since unset and 0 resolve identically but warn
	// differently against a cached value.
	StartBlock    int64
	StartBlockSet bool

	MaxConcurrentBlocks      int64
	WorkerPoolSize           int
	MaxConcurrentTxReceipts  int64
	BlockQueueSizeMultiplier int

	EthRPCMinInterval      time.Duration
	BeaconRPCMinInterval   time.Duration
	EthRPCMaxConcurrent    int64
	BeaconRPCMaxConcurrent int64

	AccountBatchSize            int
	RPCBatchSize                int
	MaxConcurrentBalanceFetches int64

	TokenBalanceUpdateInterval time.Duration
	TokenRefreshInterval       time.Duration

	SyncDelay          time.Duration
	BlockFetchInterval time.Duration
	WorkerTimeout      time.Duration

	BigQueryCredentialsPath string

	KafkaBrokers []string
	KafkaTopic   string

	LogLevel string
}

// Load reads .env (when present) and the process environment, applies
// defaults, and validates. Validation failures are fatal to the caller;
// nothing else about configuration is.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Warn("Could not read .env file", "err", err)
	}

	cfg := &Config{
		DatabaseURL:  envStr("DATABASE_URL", "sqlite:./data/indexer.db"),
		EthRPCURL:    os.Getenv("ETH_RPC_URL"),
		BeaconRPCURL: os.Getenv("BEACON_RPC_URL"),
		APIPort:      envInt("API_PORT", 3000),

		MaxConcurrentBlocks:      envInt64("MAX_CONCURRENT_BLOCKS", 10),
		WorkerPoolSize:           envInt("WORKER_POOL_SIZE", 8),
		MaxConcurrentTxReceipts:  envInt64("MAX_CONCURRENT_TX_RECEIPTS", 50),
		BlockQueueSizeMultiplier: envInt("BLOCK_QUEUE_SIZE_MULTIPLIER", 4),

		EthRPCMinInterval:      envMillis("ETH_RPC_MIN_INTERVAL_MS", 0),
		BeaconRPCMinInterval:   envMillis("BEACON_RPC_MIN_INTERVAL_MS", 0),
		EthRPCMaxConcurrent:    envInt64("ETH_RPC_MAX_CONCURRENT", 20),
		BeaconRPCMaxConcurrent: envInt64("BEACON_RPC_MAX_CONCURRENT", 10),

		AccountBatchSize:            envInt("ACCOUNT_BATCH_SIZE", 100),
		RPCBatchSize:                envInt("RPC_BATCH_SIZE", 10),
		MaxConcurrentBalanceFetches: envInt64("MAX_CONCURRENT_BALANCE_FETCHES", 10),

		TokenBalanceUpdateInterval: envMillis("TOKEN_BALANCE_UPDATE_INTERVAL_MS", 10),
		TokenRefreshInterval:       envMillis("TOKEN_REFRESH_INTERVAL_MS", 50),

		SyncDelay:          envSeconds("SYNC_DELAY_SECONDS", 0),
		BlockFetchInterval: envSeconds("BLOCK_FETCH_INTERVAL_SECONDS", 3),
		WorkerTimeout:      envSeconds("WORKER_TIMEOUT_SECONDS", 30),

		BigQueryCredentialsPath: os.Getenv("BIGQUERY_SERVICE_ACCOUNT_PATH"),
		KafkaTopic:              envStr("KAFKA_TOPIC", "eth-indexer.blocks"),

		LogLevel: envStr("LOG_LEVEL", "info"),
	}

	if raw := os.Getenv("START_BLOCK"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid START_BLOCK %q: %w", raw, err)
		}
		cfg.StartBlock = n
		cfg.StartBlockSet = true
	}

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		for _, b := range strings.Split(brokers, ",") {
			if b = strings.TrimSpace(b); b != "" {
				cfg.KafkaBrokers = append(cfg.KafkaBrokers, b)
			}
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.BeaconRPCURL == "" {
		return fmt.Errorf("BEACON_RPC_URL is required")
	}
	if !strings.HasPrefix(c.BeaconRPCURL, "http") && !strings.HasPrefix(c.BeaconRPCURL, "ws") {
		return fmt.Errorf("BEACON_RPC_URL must start with http or ws, got %q", c.BeaconRPCURL)
	}
	if c.EthRPCURL == "" {
		return fmt.Errorf("ETH_RPC_URL is required")
	}
	if !strings.HasPrefix(c.EthRPCURL, "http") && !strings.HasPrefix(c.EthRPCURL, "ws") {
		return fmt.Errorf("ETH_RPC_URL must start with http or ws, got %q", c.EthRPCURL)
	}
	if c.WorkerPoolSize < 1 {
		return fmt.Errorf("WORKER_POOL_SIZE must be at least 1")
	}
	if c.BlockQueueSizeMultiplier < 1 {
		return fmt.Errorf("BLOCK_QUEUE_SIZE_MULTIPLIER must be at least 1")
	}
	return nil
}

// BlockQueueSize is the bounded fetch queue capacity.
func (c *Config) BlockQueueSize() int {
	return c.WorkerPoolSize * c.BlockQueueSizeMultiplier
}

// StartBlockStore is the persisted start-block cache.
type StartBlockStore interface {
	StartBlock(ctx context.Context) (cached *int64, err error)
	InitStartBlock(ctx context.Context, startBlock int64) error
}

// LatestBlockFunc resolves the current chain tip; only consulted for
// negative offsets.
type LatestBlockFunc func(ctx context.Context) (uint64, error)

// ResolveStartBlock decides where indexing begins. The cache row from the
// first launch always wins; the environment only matters on a fresh
// database. Negative values offset backwards from the chain tip.
func (c *Config) ResolveStartBlock(ctx context.Context, store StartBlockStore, latest LatestBlockFunc) (int64, error) {
	cached, err := store.StartBlock(ctx)
	if err != nil {
		return 0, fmt.Errorf("read start block cache: %w", err)
	}
	if cached != nil {
		if c.StartBlockSet && c.StartBlock >= 0 && c.StartBlock != *cached {
			log.Warn("START_BLOCK differs from cached start block; cache wins",
				"env", c.StartBlock, "cached", *cached)
		}
		return *cached, nil
	}

	var resolved int64
	switch {
	case !c.StartBlockSet || c.StartBlock == 0:
		resolved = 0
	case c.StartBlock > 0:
		resolved = c.StartBlock
	default:
		tip, err := latest(ctx)
		if err != nil {
			return 0, fmt.Errorf("resolve chain tip for relative start block: %w", err)
		}
		resolved = int64(tip) + c.StartBlock
		if resolved < 0 {
			resolved = 0
		}
	}

	if err := store.InitStartBlock(ctx, resolved); err != nil {
		return 0, fmt.Errorf("persist start block: %w", err)
	}
	log.Info("Resolved indexing start block", "block", resolved)
	return resolved, nil
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		log.Warn("Invalid integer in environment, using default", "key", key, "value", raw, "default", def)
		return def
	}
	return n
}

func envInt64(key string, def int64) int64 {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Warn("Invalid integer in environment, using default", "key", key, "value", raw, "default", def)
		return def
	}
	return n
}

func envMillis(key string, defMillis int64) time.Duration {
	return time.Duration(envInt64(key, defMillis)) * time.Millisecond
}

func envSeconds(key string, defSeconds int64) time.Duration {
	return time.Duration(envInt64(key, defSeconds)) * time.Second
}

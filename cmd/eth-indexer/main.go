// eth-indexer ingests execution-layer blocks with their receipts, logs,
// token transfers and consensus-layer metadata into SQLite, and serves the
// indexed state over HTTP.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/mattn/go-isatty"
	"github.com/urfave/cli/v2"

	"github.com/estevaopbs/eth-indexer/api"
	"github.com/estevaopbs/eth-indexer/beaconapi"
	"github.com/estevaopbs/eth-indexer/config"
	"github.com/estevaopbs/eth-indexer/ethrpc"
	"github.com/estevaopbs/eth-indexer/events"
	"github.com/estevaopbs/eth-indexer/historical"
	"github.com/estevaopbs/eth-indexer/indexer"
	"github.com/estevaopbs/eth-indexer/ratelimit"
	"github.com/estevaopbs/eth-indexer/stats"
	"github.com/estevaopbs/eth-indexer/storage"
	"github.com/estevaopbs/eth-indexer/tokens"
)

func main() {
	app := &cli.App{
		Name:   "eth-indexer",
		Usage:  "continuously index Ethereum blocks, transactions, accounts and tokens",
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer store.Close()

	ethExec := ratelimit.NewExecutor("eth-rpc", int(cfg.EthRPCMaxConcurrent), cfg.EthRPCMinInterval)
	defer ethExec.Close()
	beaconExec := ratelimit.NewExecutor("beacon-rpc", int(cfg.BeaconRPCMaxConcurrent), cfg.BeaconRPCMinInterval)
	defer beaconExec.Close()

	ethClient, err := ethrpc.Dial(ctx, cfg.EthRPCURL, ethExec)
	if err != nil {
		return err
	}
	defer ethClient.Close()
	beaconClient := beaconapi.New(cfg.BeaconRPCURL, beaconExec)

	if !ethClient.CheckConnection(ctx) {
		log.Warn("Execution RPC not reachable at startup, continuing anyway")
	}
	if err := beaconClient.TestConnection(ctx); err != nil {
		log.Warn("Beacon node not reachable at startup, continuing anyway", "err", err)
	}

	startBlock, err := cfg.ResolveStartBlock(ctx, &startBlockCache{store}, ethClient.LatestBlockNumber)
	if err != nil {
		return err
	}

	histSvc := historical.New(store, cfg.BigQueryCredentialsPath)
	if err := histSvc.Initialize(ctx, startBlock); err != nil {
		log.Warn("Historical transaction count unavailable", "err", err)
	}

	tokenSvc := tokens.New(store, ethClient, cfg.TokenBalanceUpdateInterval, cfg.TokenRefreshInterval)
	go tokenSvc.RunRefreshLoop(ctx)

	publisher, err := events.NewPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
	if err != nil {
		return err
	}
	defer publisher.Close()
	if publisher.Enabled() {
		log.Info("Publishing block events", "topic", cfg.KafkaTopic, "brokers", cfg.KafkaBrokers)
	}

	txProc := indexer.NewTxProcessor(ethClient, store,
		cfg.MaxConcurrentBalanceFetches, cfg.RPCBatchSize, cfg.TokenBalanceUpdateInterval)
	blockProc := indexer.NewBlockProcessor(ethClient, beaconClient, store, txProc,
		tokenSvc, publisher, cfg.MaxConcurrentTxReceipts)
	ix := indexer.New(ethClient, store, blockProc, indexer.Options{
		StartBlock:         startBlock,
		WorkerPoolSize:     cfg.WorkerPoolSize,
		QueueSize:          cfg.BlockQueueSize(),
		MaxConcurrentBlock: cfg.MaxConcurrentBlocks,
		FetchInterval:      cfg.BlockFetchInterval,
		WorkerTimeout:      cfg.WorkerTimeout,
	})

	if cfg.SyncDelay > 0 {
		log.Info("Delaying indexer start", "delay", cfg.SyncDelay)
		select {
		case <-time.After(cfg.SyncDelay):
		case <-ctx.Done():
			return nil
		}
	}
	if err := ix.Start(ctx); err != nil {
		return err
	}
	defer ix.Stop()

	health := stats.NewHealthChecker(ethClient.CheckConnection, beaconClient.TestConnection, time.Minute)
	go health.Run(ctx)
	network := stats.NewNetworkBlockCache(ethClient.LatestBlockNumber, 10*time.Second)

	apiServer := api.NewServer(store, ethClient, histSvc, health, network, startBlock)
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.APIPort),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info("HTTP API listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("HTTP server failed", "err", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP shutdown incomplete", "err", err)
	}
	return nil
}

// startBlockCache adapts the storage layer to the start-block resolution
// interface.
type startBlockCache struct {
	store *storage.Store
}

func (a *startBlockCache) StartBlock(ctx context.Context) (*int64, error) {
	c, err := a.store.StartBlock(ctx)
	if err != nil || c == nil {
		return nil, err
	}
	return &c.StartBlock, nil
}

func (a *startBlockCache) InitStartBlock(ctx context.Context, startBlock int64) error {
	return a.store.InitStartBlock(ctx, startBlock)
}

func setupLogging(level string) {
	lvl, err := log.LvlFromString(level)
	if err != nil {
		lvl = log.LvlInfo
	}
	useColor := isatty.IsTerminal(os.Stderr.Fd())
	handler := log.StreamHandler(os.Stderr, log.TerminalFormat(useColor))
	log.Root().SetHandler(log.LvlFilterHandler(lvl, handler))
}

// Package indexer contains the continuous block fetcher, the worker pool
// and the per-block processing pipeline.
package indexer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"golang.org/x/sync/semaphore"
)

var (
	blocksProcessedMeter = metrics.NewRegisteredMeter("indexer/blocks/processed", nil)
	blocksFailedMeter    = metrics.NewRegisteredMeter("indexer/blocks/failed", nil)
	queueGauge           = metrics.NewRegisteredGauge("indexer/queue/depth", nil)
	headGauge            = metrics.NewRegisteredGauge("indexer/head", nil)
)

// LatestStore reads the resume point from persistence.
type LatestStore interface {
	LatestBlockNumber(ctx context.Context) (int64, bool, error)
}

// Options tune the fetcher and worker pool.
type Options struct {
	StartBlock         int64
	WorkerPoolSize     int
	QueueSize          int
	MaxConcurrentBlock int64
	FetchInterval      time.Duration
	WorkerTimeout      time.Duration
}

// Indexer drives continuous block ingestion: a single fetcher discovers new
// chain tips and streams block numbers through a bounded queue to a pool of
// workers.
type Indexer struct {
	client    ExecutionClient
	store     LatestStore
	processor *BlockProcessor
	opts      Options

	nextBlock    atomic.Int64
	networkBlock atomic.Int64
	running      atomic.Bool

	queue     chan int64
	blockGate *semaphore.Weighted
	wg        sync.WaitGroup
	cancel    context.CancelFunc
}

// New builds the indexer. Start launches the fetcher and workers.
func New(client ExecutionClient, store LatestStore, processor *BlockProcessor, opts Options) *Indexer {
	if opts.WorkerPoolSize < 1 {
		opts.WorkerPoolSize = 1
	}
	if opts.QueueSize < 1 {
		opts.QueueSize = opts.WorkerPoolSize * 4
	}
	if opts.MaxConcurrentBlock < 1 {
		opts.MaxConcurrentBlock = 1
	}
	if opts.FetchInterval <= 0 {
		opts.FetchInterval = 3 * time.Second
	}
	if opts.WorkerTimeout <= 0 {
		opts.WorkerTimeout = 10 * time.Second
	}
	return &Indexer{
		client:    client,
		store:     store,
		processor: processor,
		opts:      opts,
		queue:     make(chan int64, opts.QueueSize),
		blockGate: semaphore.NewWeighted(opts.MaxConcurrentBlock),
	}
}

// NextBlock is the next block number the fetcher will enqueue.
func (ix *Indexer) NextBlock() int64 {
	return ix.nextBlock.Load()
}

// NetworkBlock is the last observed chain tip.
func (ix *Indexer) NetworkBlock() int64 {
	return ix.networkBlock.Load()
}

// Running reports whether the loops are active.
func (ix *Indexer) Running() bool {
	return ix.running.Load()
}

// Status is a point-in-time snapshot of indexing progress.
type Status struct {
	Running      bool  `json:"running"`
	NextBlock    int64 `json:"next_block"`
	NetworkBlock int64 `json:"network_block"`
	QueueDepth   int   `json:"queue_depth"`
}

func (ix *Indexer) Status() Status {
	return Status{
		Running:      ix.running.Load(),
		NextBlock:    ix.nextBlock.Load(),
		NetworkBlock: ix.networkBlock.Load(),
		QueueDepth:   len(ix.queue),
	}
}

// Start seeds the resume point and launches the fetcher and worker pool.
// Indexing resumes from max(latest indexed block + 1, configured start
// block).
func (ix *Indexer) Start(ctx context.Context) error {
	latest, ok, err := ix.store.LatestBlockNumber(ctx)
	if err != nil {
		return err
	}
	next := ix.opts.StartBlock
	if ok && latest+1 > next {
		next = latest + 1
	}
	ix.nextBlock.Store(next)
	ix.running.Store(true)

	runCtx, cancel := context.WithCancel(ctx)
	ix.cancel = cancel

	ix.wg.Add(1)
	go ix.fetchLoop(runCtx)
	for i := 0; i < ix.opts.WorkerPoolSize; i++ {
		ix.wg.Add(1)
		go ix.workerLoop(runCtx, i)
	}

	log.Info("Indexer started", "next_block", next, "workers", ix.opts.WorkerPoolSize,
		"queue_size", ix.opts.QueueSize, "max_concurrent_blocks", ix.opts.MaxConcurrentBlock)
	return nil
}

// Stop terminates both loops, waits for in-flight blocks to finish and joins
// any pending async token passes.
func (ix *Indexer) Stop() {
	if !ix.running.CompareAndSwap(true, false) {
		return
	}
	ix.cancel()
	ix.wg.Wait()
	ix.processor.Wait()
	log.Info("Indexer stopped", "next_block", ix.nextBlock.Load())
}

// fetchLoop refreshes the chain tip and enqueues pending block numbers on a
// fixed cadence.
func (ix *Indexer) fetchLoop(ctx context.Context) {
	defer ix.wg.Done()
	ticker := time.NewTicker(ix.opts.FetchInterval)
	defer ticker.Stop()

	ix.fetchAndQueue(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !ix.running.Load() {
				return
			}
			ix.fetchAndQueue(ctx)
		}
	}
}

// fetchAndQueue advances nextBlock as far as the tip and the queue capacity
// allow. Enqueues are non-blocking: a full queue stops the batch and the
// next tick recomputes from nextBlock, so back-pressure never loses blocks.
func (ix *Indexer) fetchAndQueue(ctx context.Context) {
	tip, err := ix.client.LatestBlockNumber(ctx)
	if err != nil {
		log.Warn("Chain tip refresh failed", "err", err)
		return
	}
	ix.networkBlock.Store(int64(tip))
	headGauge.Update(int64(tip))

	for ix.nextBlock.Load() <= int64(tip) {
		select {
		case ix.queue <- ix.nextBlock.Load():
			ix.nextBlock.Add(1)
			queueGauge.Update(int64(len(ix.queue)))
		default:
			return
		}
	}
}

// workerLoop consumes block numbers under the global concurrency gate. The
// receive timeout bounds how long shutdown can lag behind Stop.
func (ix *Indexer) workerLoop(ctx context.Context, id int) {
	defer ix.wg.Done()
	timer := time.NewTimer(ix.opts.WorkerTimeout)
	defer timer.Stop()

	for ix.running.Load() {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(ix.opts.WorkerTimeout)

		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			continue
		case number := <-ix.queue:
			queueGauge.Update(int64(len(ix.queue)))
			if err := ix.blockGate.Acquire(ctx, 1); err != nil {
				return
			}
			if err := ix.processor.ProcessBlock(ctx, number); err != nil {
				blocksFailedMeter.Mark(1)
				log.Error("Block processing failed", "worker", id, "block", number, "err", err)
			} else {
				blocksProcessedMeter.Mark(1)
			}
			ix.blockGate.Release(1)
		}
	}
}

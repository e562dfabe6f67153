package indexer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/sync/semaphore"

	"github.com/estevaopbs/eth-indexer/beaconapi"
	"github.com/estevaopbs/eth-indexer/ethrpc"
	"github.com/estevaopbs/eth-indexer/storage"
	"github.com/estevaopbs/eth-indexer/tokens"
)

// BlockStore is the persistence surface the block processor writes through.
type BlockStore interface {
	InsertBlock(ctx context.Context, b *storage.Block) error
	InsertWithdrawal(ctx context.Context, w *storage.Withdrawal) error
	InsertTransactionsBatch(ctx context.Context, txs []*storage.Transaction) error
	InsertLogsBatch(ctx context.Context, logs []*storage.Log) error
	InsertTokenTransfersBatch(ctx context.Context, transfers []*storage.TokenTransfer) error
	UpsertAccountsBatch(ctx context.Context, accounts []*storage.Account) error
}

// BlockProcessor runs one block end-to-end: fetch, assemble, persist. Any
// error fails only that block; every write is idempotent so the block can be
// observed again later.
type BlockProcessor struct {
	client    ExecutionClient
	beacon    BeaconReader
	store     BlockStore
	txproc    *TxProcessor
	tokens    TokenService
	publisher BlockPublisher

	receiptSem *semaphore.Weighted

	wg sync.WaitGroup
}

// NewBlockProcessor wires the processor. beacon, tokens and publisher may be
// nil; the corresponding steps are skipped.
func NewBlockProcessor(client ExecutionClient, beacon BeaconReader, store BlockStore, txproc *TxProcessor, tokenSvc TokenService, publisher BlockPublisher, maxConcurrentReceipts int64) *BlockProcessor {
	if maxConcurrentReceipts < 1 {
		maxConcurrentReceipts = 1
	}
	return &BlockProcessor{
		client:     client,
		beacon:     beacon,
		store:      store,
		txproc:     txproc,
		tokens:     tokenSvc,
		publisher:  publisher,
		receiptSem: semaphore.NewWeighted(maxConcurrentReceipts),
	}
}

// Wait blocks until async token passes spawned by ProcessBlock finish.
func (p *BlockProcessor) Wait() {
	p.wg.Wait()
}

// ProcessBlock fetches and persists one block.
func (p *BlockProcessor) ProcessBlock(ctx context.Context, number int64) error {
	block, err := p.client.BlockByNumber(ctx, uint64(number))
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return fmt.Errorf("block %d not found", number)
		}
		return fmt.Errorf("fetch block %d: %w", number, err)
	}

	// Consensus fields resolve in parallel with the receipt fan-out;
	// both are joined before their consumers run.
	beaconCh := make(chan *beaconapi.BlockData, 1)
	go func() {
		beaconCh <- p.fetchBeaconData(ctx, uint64(number))
	}()
	pairsCh := make(chan []TxWithReceipt, 1)
	go func() {
		pairsCh <- p.fetchReceipts(ctx, block)
	}()

	row := convertBlock(block, <-beaconCh)
	if err := p.store.InsertBlock(ctx, row); err != nil {
		return fmt.Errorf("persist block %d: %w", number, err)
	}

	for _, w := range block.Withdrawals() {
		err := p.store.InsertWithdrawal(ctx, &storage.Withdrawal{
			BlockNumber:     number,
			WithdrawalIndex: int64(w.Index),
			ValidatorIndex:  int64(w.Validator),
			Address:         lowerAddr(w.Address),
			Amount:          fmt.Sprintf("%d", w.Amount),
		})
		if err != nil {
			log.Error("Failed to persist withdrawal", "block", number, "index", w.Index, "err", err)
		}
	}

	pairs := <-pairsCh
	collections, err := p.txproc.CollectBlockData(ctx, number, pairs)
	if err != nil {
		return fmt.Errorf("assemble block %d: %w", number, err)
	}

	// Fixed write order; a failed batch is logged and the rest still run
	// so one bad row cannot wedge later blocks.
	if err := p.store.InsertTransactionsBatch(ctx, collections.Transactions); err != nil {
		log.Error("Transaction batch failed", "block", number, "err", err)
	}
	if err := p.store.InsertLogsBatch(ctx, collections.Logs); err != nil {
		log.Error("Log batch failed", "block", number, "err", err)
	}
	if err := p.store.InsertTokenTransfersBatch(ctx, collections.Transfers); err != nil {
		log.Error("Token transfer batch failed", "block", number, "err", err)
	}
	if err := p.store.UpsertAccountsBatch(ctx, collections.Accounts); err != nil {
		log.Error("Account batch failed", "block", number, "err", err)
	}

	if p.tokens != nil && len(collections.Transfers) > 0 {
		p.runTokenPass(ctx, number, collections.Transfers)
	}

	if p.publisher != nil {
		if err := p.publisher.PublishBlock(row); err != nil {
			log.Warn("Block publish failed", "block", number, "err", err)
		}
	}

	log.Debug("Processed block", "number", number,
		"txs", len(collections.Transactions), "logs", len(collections.Logs),
		"transfers", len(collections.Transfers))
	return nil
}

// fetchBeaconData resolves consensus fields best-effort; any failure means
// null fields, never a failed block.
func (p *BlockProcessor) fetchBeaconData(ctx context.Context, number uint64) *beaconapi.BlockData {
	if p.beacon == nil {
		return nil
	}
	data, err := p.beacon.BlockData(ctx, number)
	if err != nil {
		log.Warn("Beacon data unavailable", "block", number, "err", err)
		return nil
	}
	return data
}

// fetchReceipts fans out one receipt fetch per transaction under the local
// semaphore. Pairs whose receipt cannot be fetched are dropped from the
// batch; the block's declared transaction count still records them.
func (p *BlockProcessor) fetchReceipts(ctx context.Context, block *types.Block) []TxWithReceipt {
	txs := block.Transactions()
	results := make([]*TxWithReceipt, len(txs))

	var wg sync.WaitGroup
	for i, tx := range txs {
		if err := p.receiptSem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(i int, tx *types.Transaction) {
			defer wg.Done()
			defer p.receiptSem.Release(1)

			receipt, err := p.client.TransactionReceipt(ctx, tx.Hash())
			if err != nil {
				if errors.Is(err, ethereum.NotFound) {
					log.Debug("Receipt not found, dropping transaction", "tx", tx.Hash(), "block", block.NumberU64())
				} else {
					log.Warn("Receipt fetch failed, dropping transaction", "tx", tx.Hash(), "block", block.NumberU64(), "err", err)
				}
				return
			}
			from, err := p.client.TransactionSender(ctx, tx, block.Hash(), uint(i))
			if err != nil {
				log.Warn("Sender recovery failed, dropping transaction", "tx", tx.Hash(), "err", err)
				return
			}
			results[i] = &TxWithReceipt{Tx: tx, Receipt: receipt, From: from}
		}(i, tx)
	}
	wg.Wait()

	pairs := make([]TxWithReceipt, 0, len(txs))
	for _, r := range results {
		if r != nil {
			pairs = append(pairs, *r)
		}
	}
	return pairs
}

// runTokenPass spawns the asynchronous discovery and balance refresh for the
// block's transfers.
func (p *BlockProcessor) runTokenPass(ctx context.Context, number int64, transfers []*storage.TokenTransfer) {
	perToken := make(map[string]int64)
	triples := make([]tokens.Transfer, 0, len(transfers))
	for _, tr := range transfers {
		perToken[tr.TokenAddress]++
		triples = append(triples, tokens.Transfer{Token: tr.TokenAddress, From: tr.FromAddress, To: tr.ToAddress})
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for token, count := range perToken {
			if err := p.tokens.DiscoverToken(ctx, token, number, count); err != nil {
				if errors.Is(err, ethrpc.ErrNotERC20) {
					log.Debug("Transfer emitter is not an ERC-20 token", "token", token, "block", number)
				} else {
					log.Warn("Token discovery failed", "token", token, "block", number, "err", err)
				}
			}
		}
		p.tokens.UpdateBalancesForTransfers(ctx, triples, number)
	}()
}

// convertBlock projects an execution block plus optional consensus data into
// the storage row.
func convertBlock(block *types.Block, beacon *beaconapi.BlockData) *storage.Block {
	header := block.Header()

	row := &storage.Block{
		Number:           block.Number().Int64(),
		Hash:             block.Hash().Hex(),
		ParentHash:       block.ParentHash().Hex(),
		Timestamp:        int64(block.Time()),
		GasUsed:          int64(block.GasUsed()),
		GasLimit:         int64(block.GasLimit()),
		TransactionCount: int64(len(block.Transactions())),
	}

	miner := strings.ToLower(block.Coinbase().Hex())
	row.Miner = &miner
	difficulty := block.Difficulty().String()
	row.Difficulty = &difficulty
	size := int64(block.Size())
	row.SizeBytes = &size
	if baseFee := block.BaseFee(); baseFee != nil {
		s := baseFee.String()
		row.BaseFeePerGas = &s
	}
	if extra := block.Extra(); len(extra) > 0 {
		s := hexutil.Encode(extra)
		row.ExtraData = &s
	}
	stateRoot := block.Root().Hex()
	row.StateRoot = &stateRoot
	nonce := fmt.Sprintf("0x%016x", block.Nonce())
	row.Nonce = &nonce
	if header.WithdrawalsHash != nil {
		s := header.WithdrawalsHash.Hex()
		row.WithdrawalsRoot = &s
	}
	if header.BlobGasUsed != nil {
		n := int64(*header.BlobGasUsed)
		row.BlobGasUsed = &n
	}
	if header.ExcessBlobGas != nil {
		n := int64(*header.ExcessBlobGas)
		row.ExcessBlobGas = &n
	}
	if ws := block.Withdrawals(); ws != nil {
		n := int64(len(ws))
		row.WithdrawalCount = &n
	}

	if beacon != nil {
		row.Slot = beacon.Slot
		row.ProposerIndex = beacon.ProposerIndex
		row.Epoch = beacon.Epoch
		row.SlotRoot = beacon.SlotRoot
		row.ParentRoot = beacon.ParentRoot
		row.BeaconDepositCount = beacon.DepositCount
		row.Graffiti = beacon.Graffiti
		row.RandaoReveal = beacon.RandaoReveal
		row.RandaoMix = beacon.RandaoMix
	}
	return row
}

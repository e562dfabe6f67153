package indexer

import (
	"context"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/estevaopbs/eth-indexer/storage"
)

// transferTopic is the keccak256 of Transfer(address,address,uint256), the
// topic0 of every ERC-20 transfer log.
var transferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

const accountCacheSize = 4096

// TxWithReceipt pairs a transaction with its receipt and resolved sender.
type TxWithReceipt struct {
	Tx      *types.Transaction
	Receipt *types.Receipt
	From    common.Address
}

// BlockCollections are the four row sets one block contributes, ready for
// batched insertion. Account rows carry per-block deltas; the persistence
// layer accumulates them.
type BlockCollections struct {
	Transactions []*storage.Transaction
	Logs         []*storage.Log
	Transfers    []*storage.TokenTransfer
	Accounts     []*storage.Account
}

// AccountReader is the read-through backing of the account cache.
type AccountReader interface {
	Account(ctx context.Context, address string) (*storage.Account, error)
}

// TxProcessor projects (transaction, receipt) pairs into storable rows. It
// performs no writes itself.
type TxProcessor struct {
	client   ExecutionClient
	store    AccountReader
	accounts *lru.Cache[string, *storage.Account]

	balanceSem    *semaphore.Weighted
	rpcBatchSize  int
	batchInterval time.Duration
}

// NewTxProcessor builds the processor. maxConcurrentBalanceFetches bounds
// parallel eth_getBalance calls; the address list is walked in chunks of
// rpcBatchSize with batchInterval between chunks.
func NewTxProcessor(client ExecutionClient, store AccountReader, maxConcurrentBalanceFetches int64, rpcBatchSize int, batchInterval time.Duration) *TxProcessor {
	if maxConcurrentBalanceFetches < 1 {
		maxConcurrentBalanceFetches = 1
	}
	if rpcBatchSize < 1 {
		rpcBatchSize = 10
	}
	cache, _ := lru.New[string, *storage.Account](accountCacheSize)
	return &TxProcessor{
		client:        client,
		store:         store,
		accounts:      cache,
		balanceSem:    semaphore.NewWeighted(maxConcurrentBalanceFetches),
		rpcBatchSize:  rpcBatchSize,
		batchInterval: batchInterval,
	}
}

// CollectBlockData derives the four collections for one block.
func (p *TxProcessor) CollectBlockData(ctx context.Context, blockNumber int64, pairs []TxWithReceipt) (*BlockCollections, error) {
	out := &BlockCollections{}
	touched := make(map[string]int64)

	for _, pair := range pairs {
		from := lowerAddr(pair.From)
		touched[from]++

		var to *string
		if pair.Tx.To() != nil {
			s := lowerAddr(*pair.Tx.To())
			to = &s
			touched[s]++
		}

		out.Transactions = append(out.Transactions, &storage.Transaction{
			Hash:             lowerHash(pair.Tx.Hash()),
			BlockNumber:      blockNumber,
			FromAddress:      from,
			ToAddress:        to,
			Value:            pair.Tx.Value().String(),
			GasUsed:          int64(pair.Receipt.GasUsed),
			GasPrice:         pair.Tx.GasPrice().String(),
			Status:           int64(pair.Receipt.Status),
			TransactionIndex: int64(pair.Receipt.TransactionIndex),
		})

		for _, l := range pair.Receipt.Logs {
			out.Logs = append(out.Logs, projectLog(l))
			if transfer := decodeTransfer(l); transfer != nil {
				out.Transfers = append(out.Transfers, transfer)
			}
		}
	}

	accounts, err := p.prepareAccounts(ctx, blockNumber, touched)
	if err != nil {
		return nil, err
	}
	out.Accounts = accounts
	return out, nil
}

// prepareAccounts fetches the native balance of every touched address at the
// block height and produces delta rows. A failed balance read degrades to
// "0" rather than failing the block.
func (p *TxProcessor) prepareAccounts(ctx context.Context, blockNumber int64, touched map[string]int64) ([]*storage.Account, error) {
	addrs := make([]string, 0, len(touched))
	for a := range touched {
		addrs = append(addrs, a)
	}

	rows := make([]*storage.Account, len(addrs))
	for start := 0; start < len(addrs); start += p.rpcBatchSize {
		end := start + p.rpcBatchSize
		if end > len(addrs) {
			end = len(addrs)
		}

		g, gctx := errgroup.WithContext(ctx)
		for i := start; i < end; i++ {
			i := i
			addr := addrs[i]
			g.Go(func() error {
				if err := p.balanceSem.Acquire(gctx, 1); err != nil {
					return err
				}
				defer p.balanceSem.Release(1)

				balance := "0"
				if b, err := p.client.BalanceAt(gctx, common.HexToAddress(addr), uint64(blockNumber)); err != nil {
					log.Debug("Balance fetch failed, defaulting to zero", "address", addr, "block", blockNumber, "err", err)
				} else {
					balance = b.String()
				}
				rows[i] = p.accountRow(gctx, addr, touched[addr], balance, blockNumber)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}

		if p.batchInterval > 0 && end < len(addrs) {
			select {
			case <-time.After(p.batchInterval):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	return rows, nil
}

// accountRow builds the delta row for one address and keeps the in-memory
// view current. The cache is read-through to the persistence layer so a
// restart does not reset observation counters in the cached view.
func (p *TxProcessor) accountRow(ctx context.Context, addr string, delta int64, balance string, blockNumber int64) *storage.Account {
	current, ok := p.accounts.Get(addr)
	if !ok {
		if existing, err := p.store.Account(ctx, addr); err == nil && existing != nil {
			current = existing
		}
	}

	merged := storage.Account{
		Address:          addr,
		Balance:          balance,
		TransactionCount: delta,
		FirstSeenBlock:   blockNumber,
		LastSeenBlock:    blockNumber,
	}
	if current != nil {
		merged.TransactionCount = current.TransactionCount + delta
		if current.FirstSeenBlock < merged.FirstSeenBlock {
			merged.FirstSeenBlock = current.FirstSeenBlock
		}
		if current.LastSeenBlock > merged.LastSeenBlock {
			merged.LastSeenBlock = current.LastSeenBlock
		}
	}
	p.accounts.Add(addr, &merged)

	return &storage.Account{
		Address:          addr,
		Balance:          balance,
		TransactionCount: delta,
		FirstSeenBlock:   blockNumber,
		LastSeenBlock:    blockNumber,
	}
}

func projectLog(l *types.Log) *storage.Log {
	row := &storage.Log{
		TransactionHash: lowerHash(l.TxHash),
		BlockNumber:     int64(l.BlockNumber),
		Address:         lowerAddr(l.Address),
		LogIndex:        int64(l.Index),
	}
	topics := []**string{&row.Topic0, &row.Topic1, &row.Topic2, &row.Topic3}
	for i, t := range l.Topics {
		if i >= len(topics) {
			break
		}
		s := lowerHash(t)
		*topics[i] = &s
	}
	if len(l.Data) > 0 {
		data := hexutil.Encode(l.Data)
		row.Data = &data
	}
	return row
}

// decodeTransfer recognizes an ERC-20 Transfer log: topic0 is the Transfer
// signature, topics 1 and 2 carry the padded addresses and the trailing 32
// data bytes the amount. Logs with less than a full amount word still count
// as transfers with amount zero.
func decodeTransfer(l *types.Log) *storage.TokenTransfer {
	if len(l.Topics) < 3 || l.Topics[0] != transferTopic {
		return nil
	}
	amount := new(big.Int)
	if len(l.Data) >= 32 {
		amount.SetBytes(l.Data[len(l.Data)-32:])
	}
	return &storage.TokenTransfer{
		TransactionHash: lowerHash(l.TxHash),
		BlockNumber:     int64(l.BlockNumber),
		TokenAddress:    lowerAddr(l.Address),
		FromAddress:     lowerAddr(common.BytesToAddress(l.Topics[1].Bytes()[12:])),
		ToAddress:       lowerAddr(common.BytesToAddress(l.Topics[2].Bytes()[12:])),
		Amount:          amount.String(),
		TokenType:       "ERC20",
	}
}

func lowerAddr(a common.Address) string {
	return strings.ToLower(a.Hex())
}

func lowerHash(h common.Hash) string {
	return h.Hex()
}

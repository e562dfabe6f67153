package indexer

import (
	"context"
	"errors"
	"math/big"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"github.com/estevaopbs/eth-indexer/storage"
	"github.com/estevaopbs/eth-indexer/tokens"
)

type fakeClient struct {
	mu       sync.Mutex
	tip      uint64
	tipErr   error
	blocks   map[uint64]*types.Block
	receipts map[common.Hash]*types.Receipt
	senders  map[common.Hash]common.Address
	balances map[common.Address]*big.Int
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		blocks:   make(map[uint64]*types.Block),
		receipts: make(map[common.Hash]*types.Receipt),
		senders:  make(map[common.Hash]common.Address),
		balances: make(map[common.Address]*big.Int),
	}
}

func (f *fakeClient) LatestBlockNumber(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tip, f.tipErr
}

func (f *fakeClient) BlockByNumber(_ context.Context, number uint64) (*types.Block, error) {
	if b, ok := f.blocks[number]; ok {
		return b, nil
	}
	return nil, ethereum.NotFound
}

func (f *fakeClient) TransactionReceipt(_ context.Context, txHash common.Hash) (*types.Receipt, error) {
	if r, ok := f.receipts[txHash]; ok {
		return r, nil
	}
	return nil, ethereum.NotFound
}

func (f *fakeClient) TransactionSender(_ context.Context, tx *types.Transaction, _ common.Hash, _ uint) (common.Address, error) {
	if from, ok := f.senders[tx.Hash()]; ok {
		return from, nil
	}
	return common.Address{}, errors.New("unknown sender")
}

func (f *fakeClient) BalanceAt(_ context.Context, account common.Address, _ uint64) (*big.Int, error) {
	if b, ok := f.balances[account]; ok {
		return b, nil
	}
	return nil, errors.New("balance unavailable")
}

type fakeLatestStore struct {
	latest int64
	ok     bool
}

func (f *fakeLatestStore) LatestBlockNumber(context.Context) (int64, bool, error) {
	return f.latest, f.ok, nil
}

type fakeTokenService struct {
	mu         sync.Mutex
	discovered map[string]int64
	updates    int
}

func (f *fakeTokenService) DiscoverToken(_ context.Context, address string, _ int64, transfers int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.discovered == nil {
		f.discovered = make(map[string]int64)
	}
	f.discovered[address] += transfers
	return nil
}

func (f *fakeTokenService) UpdateBalancesForTransfers(_ context.Context, _ []tokens.Transfer, _ int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates++
}

func newBlock(number uint64, txs []*types.Transaction, withdrawals []*types.Withdrawal) *types.Block {
	header := &types.Header{
		Number:     new(big.Int).SetUint64(number),
		Time:       1681338455 + number*12,
		GasLimit:   30_000_000,
		GasUsed:    12_000_000,
		Difficulty: big.NewInt(0),
		BaseFee:    big.NewInt(20_000_000_000),
	}
	block := types.NewBlockWithHeader(header).WithBody(txs, nil)
	if withdrawals != nil {
		block = block.WithWithdrawals(withdrawals)
	}
	return block
}

func padAddress(a common.Address) common.Hash {
	return common.BytesToHash(common.LeftPadBytes(a.Bytes(), 32))
}

func TestDecodeTransfer(t *testing.T) {
	token := common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")
	from := common.HexToAddress("0x00000000000000000000000000000000000000A1")
	to := common.HexToAddress("0x00000000000000000000000000000000000000B1")

	l := &types.Log{
		Address:     token,
		Topics:      []common.Hash{transferTopic, padAddress(from), padAddress(to)},
		Data:        common.LeftPadBytes(big.NewInt(0x64).Bytes(), 32),
		BlockNumber: 100,
		TxHash:      common.HexToHash("0x01"),
	}

	tr := decodeTransfer(l)
	require.NotNil(t, tr)
	require.Equal(t, "100", tr.Amount)
	require.Equal(t, "0xc02aaa39b223fe8d0a0e5c4f27ead9083c756cc2", tr.TokenAddress)
	require.Equal(t, "0x00000000000000000000000000000000000000a1", tr.FromAddress)
	require.Equal(t, "0x00000000000000000000000000000000000000b1", tr.ToAddress)
	require.Equal(t, "ERC20", tr.TokenType)
}

func TestDecodeTransferRejectsNonTransfers(t *testing.T) {
	from := common.HexToAddress("0xa1")

	// Too few topics (ERC-721 style indexed tokenId logs carry 4, plain
	// events fewer).
	require.Nil(t, decodeTransfer(&types.Log{
		Topics: []common.Hash{transferTopic, padAddress(from)},
		Data:   make([]byte, 32),
	}))
	// Wrong signature.
	require.Nil(t, decodeTransfer(&types.Log{
		Topics: []common.Hash{common.HexToHash("0x01"), padAddress(from), padAddress(from)},
		Data:   make([]byte, 32),
	}))
}

func TestDecodeTransferShortDataYieldsZeroAmount(t *testing.T) {
	from := common.HexToAddress("0xa1")

	tr := decodeTransfer(&types.Log{
		Topics: []common.Hash{transferTopic, padAddress(from), padAddress(from)},
		Data:   []byte{0x64},
	})
	require.NotNil(t, tr, "a matching signature always produces a transfer row")
	require.Equal(t, "0", tr.Amount)

	tr = decodeTransfer(&types.Log{
		Topics: []common.Hash{transferTopic, padAddress(from), padAddress(from)},
	})
	require.NotNil(t, tr)
	require.Equal(t, "0", tr.Amount)
}

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.Open(context.Background(), "sqlite:"+filepath.Join(t.TempDir(), "indexer.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestCollectBlockData(t *testing.T) {
	client := newFakeClient()
	store := newTestStore(t)
	proc := NewTxProcessor(client, store, 4, 10, 0)
	ctx := context.Background()

	to := common.HexToAddress("0x00000000000000000000000000000000000000B1")
	tx := types.NewTx(&types.LegacyTx{
		Nonce: 1, To: &to, Value: big.NewInt(1_000_000_000_000_000_000),
		Gas: 21000, GasPrice: big.NewInt(30_000_000_000),
	})
	from := common.HexToAddress("0x00000000000000000000000000000000000000A1")
	client.balances[from] = big.NewInt(5)

	receipt := &types.Receipt{Status: 1, GasUsed: 21000, TransactionIndex: 0}
	out, err := proc.CollectBlockData(ctx, 100, []TxWithReceipt{{Tx: tx, Receipt: receipt, From: from}})
	require.NoError(t, err)

	require.Len(t, out.Transactions, 1)
	row := out.Transactions[0]
	require.Equal(t, "0x00000000000000000000000000000000000000a1", row.FromAddress)
	require.Equal(t, "0x00000000000000000000000000000000000000b1", *row.ToAddress)
	require.Equal(t, "1000000000000000000", row.Value)
	require.Equal(t, int64(1), row.Status)

	require.Len(t, out.Accounts, 2)
	byAddr := map[string]*storage.Account{}
	for _, a := range out.Accounts {
		byAddr[a.Address] = a
	}
	require.Equal(t, "5", byAddr["0x00000000000000000000000000000000000000a1"].Balance)
	// Recipient balance fetch fails in the fake; the row degrades to "0".
	require.Equal(t, "0", byAddr["0x00000000000000000000000000000000000000b1"].Balance)
	require.Equal(t, int64(1), byAddr["0x00000000000000000000000000000000000000a1"].TransactionCount)
}

func TestProcessBlockEndToEnd(t *testing.T) {
	client := newFakeClient()
	store := newTestStore(t)
	tokenSvc := &fakeTokenService{}
	proc := NewTxProcessor(client, store, 4, 10, 0)
	bp := NewBlockProcessor(client, nil, store, proc, tokenSvc, nil, 8)
	ctx := context.Background()

	token := common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")
	from := common.HexToAddress("0x00000000000000000000000000000000000000A1")
	to := common.HexToAddress("0x00000000000000000000000000000000000000B1")

	tx := types.NewTx(&types.LegacyTx{
		Nonce: 7, To: &token, Gas: 60000, GasPrice: big.NewInt(30_000_000_000), Value: big.NewInt(0),
	})
	block := newBlock(200, []*types.Transaction{tx}, []*types.Withdrawal{
		{Index: 5, Validator: 9, Address: from, Amount: 12_000_000},
	})
	client.blocks[200] = block
	client.senders[tx.Hash()] = from
	client.receipts[tx.Hash()] = &types.Receipt{
		Status: 1, GasUsed: 52000, TransactionIndex: 0,
		Logs: []*types.Log{{
			Address:     token,
			Topics:      []common.Hash{transferTopic, padAddress(from), padAddress(to)},
			Data:        common.LeftPadBytes(big.NewInt(0x64).Bytes(), 32),
			BlockNumber: 200,
			TxHash:      tx.Hash(),
			Index:       0,
		}},
	}

	require.NoError(t, bp.ProcessBlock(ctx, 200))
	bp.Wait()

	got, err := store.BlockByNumber(ctx, 200)
	require.NoError(t, err)
	require.Equal(t, block.Hash().Hex(), got.Hash)
	require.Equal(t, int64(1), got.TransactionCount)
	require.Equal(t, int64(1), *got.WithdrawalCount)
	require.Equal(t, "20000000000", *got.BaseFeePerGas)

	gotTx, err := store.TransactionByHash(ctx, tx.Hash().Hex())
	require.NoError(t, err)
	require.NotNil(t, gotTx)
	require.Equal(t, int64(52000), gotTx.GasUsed)

	logs, err := store.LogsByTransaction(ctx, tx.Hash().Hex())
	require.NoError(t, err)
	require.Len(t, logs, 1)

	transfers, err := store.TokenTransfersByTransaction(ctx, tx.Hash().Hex())
	require.NoError(t, err)
	require.Len(t, transfers, 1)
	require.Equal(t, "100", transfers[0].Amount)

	ws, err := store.WithdrawalsByBlock(ctx, 200)
	require.NoError(t, err)
	require.Len(t, ws, 1)
	require.Equal(t, "12000000", ws[0].Amount)

	tokenSvc.mu.Lock()
	require.Equal(t, int64(1), tokenSvc.discovered["0xc02aaa39b223fe8d0a0e5c4f27ead9083c756cc2"])
	require.Equal(t, 1, tokenSvc.updates)
	tokenSvc.mu.Unlock()

	// Reprocessing the same block leaves counts unchanged.
	require.NoError(t, bp.ProcessBlock(ctx, 200))
	bp.Wait()
	ws, err = store.WithdrawalsByBlock(ctx, 200)
	require.NoError(t, err)
	require.Len(t, ws, 1)
	n, err := store.StoredTransactionCount(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}

func TestProcessBlockNotFound(t *testing.T) {
	client := newFakeClient()
	store := newTestStore(t)
	proc := NewTxProcessor(client, store, 4, 10, 0)
	bp := NewBlockProcessor(client, nil, store, proc, nil, nil, 8)

	require.Error(t, bp.ProcessBlock(context.Background(), 999))
}

func TestProcessBlockDropsMissingReceipts(t *testing.T) {
	client := newFakeClient()
	store := newTestStore(t)
	proc := NewTxProcessor(client, store, 4, 10, 0)
	bp := NewBlockProcessor(client, nil, store, proc, nil, nil, 8)
	ctx := context.Background()

	to := common.HexToAddress("0xb1")
	tx := types.NewTx(&types.LegacyTx{Nonce: 1, To: &to, Gas: 21000, GasPrice: big.NewInt(1), Value: big.NewInt(1)})
	client.blocks[300] = newBlock(300, []*types.Transaction{tx}, nil)
	// No receipt registered: the pair is dropped, the block still persists.

	require.NoError(t, bp.ProcessBlock(ctx, 300))

	got, err := store.BlockByNumber(ctx, 300)
	require.NoError(t, err)
	require.Equal(t, int64(1), got.TransactionCount, "declared count keeps the dropped transaction")

	n, err := store.StoredTransactionCount(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(0), n)
}

func TestStartSeedsResumePoint(t *testing.T) {
	client := newFakeClient()
	client.tipErr = errors.New("tip not available yet")
	store := newTestStore(t)
	proc := NewTxProcessor(client, store, 4, 10, 0)
	bp := NewBlockProcessor(client, nil, store, proc, nil, nil, 8)

	ix := New(client, &fakeLatestStore{latest: 110, ok: true}, bp, Options{
		StartBlock: 100, WorkerPoolSize: 2, QueueSize: 32,
		MaxConcurrentBlock: 2, FetchInterval: time.Hour, WorkerTimeout: 10 * time.Millisecond,
	})
	require.NoError(t, ix.Start(context.Background()))
	defer ix.Stop()

	require.Equal(t, int64(111), ix.NextBlock(), "resume from max(db_latest+1, start_block)")
	require.True(t, ix.Running())

	st := ix.Status()
	require.True(t, st.Running)
	require.Equal(t, int64(111), st.NextBlock)

	ix.Stop()
	require.False(t, ix.Status().Running)
}

func TestFetchAndQueueEnqueuesThroughTip(t *testing.T) {
	client := newFakeClient()
	client.tip = 115
	ix := New(client, &fakeLatestStore{}, nil, Options{WorkerPoolSize: 2, QueueSize: 32})
	ix.nextBlock.Store(111)

	ix.fetchAndQueue(context.Background())

	require.Equal(t, int64(115), ix.NetworkBlock())
	require.Equal(t, int64(116), ix.NextBlock())
	var got []int64
	for len(ix.queue) > 0 {
		got = append(got, <-ix.queue)
	}
	require.Equal(t, []int64{111, 112, 113, 114, 115}, got)
}

func TestFetchAndQueueBackPressure(t *testing.T) {
	client := newFakeClient()
	client.tip = 10_000
	ix := New(client, &fakeLatestStore{}, nil, Options{WorkerPoolSize: 2, QueueSize: 8})
	ix.nextBlock.Store(0)

	ix.fetchAndQueue(context.Background())
	require.Equal(t, int64(8), ix.NextBlock(), "full queue stops the batch")
	require.Len(t, ix.queue, 8)

	// Draining and re-ticking resumes exactly where the pointer stopped.
	for i := 0; i < 4; i++ {
		<-ix.queue
	}
	ix.fetchAndQueue(context.Background())
	require.Equal(t, int64(12), ix.NextBlock())
}

func TestIndexerProcessesQueuedBlocks(t *testing.T) {
	client := newFakeClient()
	client.tip = 102
	store := newTestStore(t)
	proc := NewTxProcessor(client, store, 4, 10, 0)
	bp := NewBlockProcessor(client, nil, store, proc, nil, nil, 8)
	for n := uint64(100); n <= 102; n++ {
		client.blocks[n] = newBlock(n, nil, nil)
	}

	ix := New(client, &fakeLatestStore{}, bp, Options{
		StartBlock: 100, WorkerPoolSize: 2, QueueSize: 8,
		MaxConcurrentBlock: 2, FetchInterval: 10 * time.Millisecond, WorkerTimeout: 10 * time.Millisecond,
	})
	require.NoError(t, ix.Start(context.Background()))
	defer ix.Stop()

	require.Eventually(t, func() bool {
		latest, ok, err := store.LatestBlockNumber(context.Background())
		return err == nil && ok && latest == 102
	}, 5*time.Second, 20*time.Millisecond)
}

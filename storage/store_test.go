package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), "sqlite:"+filepath.Join(t.TempDir(), "indexer.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func strptr(s string) *string { return &s }
func i64ptr(n int64) *int64   { return &n }

func testBlock(number int64) *Block {
	return &Block{
		Number:           number,
		Hash:             fmt.Sprintf("0xhash%d", number),
		ParentHash:       fmt.Sprintf("0xhash%d", number-1),
		Timestamp:        1681338455 + number*12,
		GasUsed:          12_000_000,
		GasLimit:         30_000_000,
		TransactionCount: 2,
		Miner:            strptr("0x690b9a9e9aa1c9db991c7721a92d351db4fac990"),
		Nonce:            strptr("0x0000000000000000"),
	}
}

func TestOpenCreatesParentDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "indexer.db")
	s, err := Open(context.Background(), "sqlite:"+path)
	require.NoError(t, err)
	defer s.Close()

	require.FileExists(t, path)
}

func TestMigrationsAreIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "indexer.db")
	ctx := context.Background()

	s, err := Open(ctx, "sqlite:"+path)
	require.NoError(t, err)
	require.NoError(t, s.InsertBlock(ctx, testBlock(1)))
	require.NoError(t, s.Close())

	// Reopening must replay nothing and keep existing rows.
	s, err = Open(ctx, "sqlite:"+path)
	require.NoError(t, err)
	defer s.Close()

	b, err := s.BlockByNumber(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, b)
}

func TestInsertBlockOverwrites(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := testBlock(17_000_000)
	first.Graffiti = strptr("stale")
	require.NoError(t, s.InsertBlock(ctx, first))

	second := testBlock(17_000_000)
	second.GasUsed = 13_000_000
	second.Slot = i64ptr(6162619)
	require.NoError(t, s.InsertBlock(ctx, second))

	got, err := s.BlockByNumber(ctx, 17_000_000)
	require.NoError(t, err)
	require.Equal(t, int64(13_000_000), got.GasUsed)
	require.Equal(t, int64(6162619), *got.Slot)
	// Reinsertion replaces every column, including ones the new row left unset.
	require.Nil(t, got.Graffiti)

	count, err := s.BlockCount(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), count)
}

func TestWithdrawalUniqueness(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	w := &Withdrawal{BlockNumber: 17_000_000, WithdrawalIndex: 42, ValidatorIndex: 1234, Address: "0xabc", Amount: "12000000"}
	for i := 0; i < 3; i++ {
		require.NoError(t, s.InsertWithdrawal(ctx, w))
	}

	ws, err := s.WithdrawalsByBlock(ctx, 17_000_000)
	require.NoError(t, err)
	require.Len(t, ws, 1)
	require.Equal(t, int64(42), ws[0].WithdrawalIndex)
}

func TestTransactionUpsertIsDeterministic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tx := &Transaction{
		Hash: "0xaaa", BlockNumber: 100, FromAddress: "0xfrom", ToAddress: strptr("0xto"),
		Value: "1000000000000000000", GasUsed: 21000, GasPrice: "30000000000", Status: 1, TransactionIndex: 0,
	}
	require.NoError(t, s.InsertTransactionsBatch(ctx, []*Transaction{tx}))

	tx.GasUsed = 22000
	tx.Status = 0
	require.NoError(t, s.InsertTransactionsBatch(ctx, []*Transaction{tx}))

	got, err := s.TransactionByHash(ctx, "0xaaa")
	require.NoError(t, err)
	require.Equal(t, int64(22000), got.GasUsed)
	require.Equal(t, int64(0), got.Status)

	n, err := s.StoredTransactionCount(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}

func TestAccountUpsertMonotonicity(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertAccountsBatch(ctx, []*Account{
		{Address: "0xabc", Balance: "100", TransactionCount: 2, FirstSeenBlock: 50, LastSeenBlock: 50},
	}))
	// A replayed older block must not move first_seen forward or last_seen
	// backward; observation counts keep accumulating.
	require.NoError(t, s.UpsertAccountsBatch(ctx, []*Account{
		{Address: "0xabc", Balance: "90", TransactionCount: 1, FirstSeenBlock: 40, LastSeenBlock: 40},
	}))
	require.NoError(t, s.UpsertAccountsBatch(ctx, []*Account{
		{Address: "0xabc", Balance: "120", TransactionCount: 3, FirstSeenBlock: 60, LastSeenBlock: 60},
	}))

	a, err := s.Account(ctx, "0xabc")
	require.NoError(t, err)
	require.Equal(t, int64(40), a.FirstSeenBlock)
	require.Equal(t, int64(60), a.LastSeenBlock)
	require.Equal(t, int64(6), a.TransactionCount)
	require.Equal(t, "120", a.Balance)
}

func TestTokenUpsertPreservesMetadata(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertToken(ctx, &Token{
		Address: "0xtoken", Name: strptr("Wrapped Ether"), Symbol: strptr("WETH"), Decimals: i64ptr(18),
		TokenType: "ERC20", FirstSeenBlock: 100, LastSeenBlock: 100, TotalTransfers: 1,
	}))
	// Later sightings without metadata must not erase what discovery found.
	require.NoError(t, s.UpsertToken(ctx, &Token{
		Address: "0xtoken", TokenType: "ERC20", FirstSeenBlock: 200, LastSeenBlock: 200, TotalTransfers: 3,
	}))

	tok, err := s.Token(ctx, "0xtoken")
	require.NoError(t, err)
	require.Equal(t, "Wrapped Ether", *tok.Name)
	require.Equal(t, "WETH", *tok.Symbol)
	require.Equal(t, int64(18), *tok.Decimals)
	require.Equal(t, int64(100), tok.FirstSeenBlock)
	require.Equal(t, int64(200), tok.LastSeenBlock)
	require.Equal(t, int64(4), tok.TotalTransfers)
}

func TestTokenBalanceUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertTokenBalance(ctx, &TokenBalance{
		AccountAddress: "0xacc", TokenAddress: "0xtoken", Balance: "100", BlockNumber: 10, LastUpdatedBlock: 10,
	}))
	require.NoError(t, s.UpsertTokenBalance(ctx, &TokenBalance{
		AccountAddress: "0xacc", TokenAddress: "0xtoken", Balance: "250", BlockNumber: 20, LastUpdatedBlock: 20,
	}))

	holders, _, err := s.TokenHolders(ctx, "0xtoken", PageParams{Page: 1, PerPage: 10})
	require.NoError(t, err)
	require.Len(t, holders, 1)
	require.Equal(t, "250", holders[0].Balance)
	require.Equal(t, int64(20), holders[0].LastUpdatedBlock)
}

func TestStaleTokenBalances(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := int64(1); i <= 5; i++ {
		require.NoError(t, s.UpsertTokenBalance(ctx, &TokenBalance{
			AccountAddress: fmt.Sprintf("0xacc%d", i), TokenAddress: "0xtoken",
			Balance: "1", BlockNumber: i * 10, LastUpdatedBlock: i * 10,
		}))
	}

	stale, err := s.StaleTokenBalances(ctx, 35, 10)
	require.NoError(t, err)
	require.Len(t, stale, 3)
	// Oldest first.
	require.Equal(t, int64(10), stale[0].LastUpdatedBlock)
}

func TestBlockPaginationAndSince(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for n := int64(1); n <= 25; n++ {
		require.NoError(t, s.InsertBlock(ctx, testBlock(n)))
	}

	blocks, meta, err := s.Blocks(ctx, PageParams{Page: 2, PerPage: 10})
	require.NoError(t, err)
	require.Len(t, blocks, 10)
	require.Equal(t, int64(15), blocks[0].Number, "descending order, second page")
	require.Equal(t, int64(25), meta.Total)
	require.Equal(t, int64(3), meta.TotalPages)
	require.True(t, meta.HasNext)

	_, meta, err = s.Blocks(ctx, PageParams{Page: 3, PerPage: 10})
	require.NoError(t, err)
	require.False(t, meta.HasNext)

	since, err := s.BlocksSince(ctx, 22, 100)
	require.NoError(t, err)
	require.Len(t, since, 3)
	require.Equal(t, int64(23), since[0].Number)
	require.Equal(t, int64(25), since[2].Number)

	latest, ok, err := s.LatestBlockNumber(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(25), latest)
}

func TestLatestBlockNumberEmpty(t *testing.T) {
	s := newTestStore(t)

	_, ok, err := s.LatestBlockNumber(context.Background())
	require.NoError(t, err)
	require.False(t, ok)
}

func TestTransactionFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var txs []*Transaction
	for i := int64(0); i < 10; i++ {
		txs = append(txs, &Transaction{
			Hash: fmt.Sprintf("0xtx%d", i), BlockNumber: 100 + i, FromAddress: "0xfrom",
			Value: "0", GasUsed: 21000, GasPrice: "1", Status: i % 2, TransactionIndex: 0,
		})
	}
	require.NoError(t, s.InsertTransactionsBatch(ctx, txs))

	failed := int64(0)
	got, meta, err := s.Transactions(ctx, TxFilter{Status: &failed}, PageParams{Page: 1, PerPage: 100})
	require.NoError(t, err)
	require.Len(t, got, 5)
	require.Equal(t, int64(5), meta.Total)

	from, to := int64(103), int64(105)
	got, meta, err = s.Transactions(ctx, TxFilter{FromBlock: &from, ToBlock: &to}, PageParams{Page: 1, PerPage: 100})
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, int64(105), got[0].BlockNumber, "newest first")

	since, err := s.TransactionsSince(ctx, 107, 100)
	require.NoError(t, err)
	require.Len(t, since, 2)
	require.Equal(t, int64(108), since[0].BlockNumber)
}

func TestDeclaredVersusStoredCounts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	b := testBlock(7)
	b.TransactionCount = 5
	require.NoError(t, s.InsertBlock(ctx, b))
	require.NoError(t, s.InsertTransactionsBatch(ctx, []*Transaction{
		{Hash: "0x1", BlockNumber: 7, FromAddress: "0xf", Value: "0", GasUsed: 21000, GasPrice: "1", Status: 1, TransactionIndex: 0},
		{Hash: "0x2", BlockNumber: 7, FromAddress: "0xf", Value: "0", GasUsed: 21000, GasPrice: "1", Status: 1, TransactionIndex: 1},
	}))

	declared, err := s.DeclaredTransactionCount(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(5), declared)

	stored, err := s.StoredTransactionCount(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), stored)

	num, count, err := s.CurrentBlockTxInfo(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(7), num)
	require.Equal(t, int64(5), count)
}

func TestLogsAndTransfersByTransaction(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertLogsBatch(ctx, []*Log{
		{TransactionHash: "0xtx", BlockNumber: 1, Address: "0xc", Topic0: strptr("0xt0"), LogIndex: 1},
		{TransactionHash: "0xtx", BlockNumber: 1, Address: "0xc", Topic0: strptr("0xt0"), LogIndex: 0},
	}))
	require.NoError(t, s.InsertTokenTransfersBatch(ctx, []*TokenTransfer{
		{TransactionHash: "0xtx", BlockNumber: 1, TokenAddress: "0xc", FromAddress: "0xa", ToAddress: "0xb", Amount: "100", TokenType: "ERC20"},
	}))

	logs, err := s.LogsByTransaction(ctx, "0xtx")
	require.NoError(t, err)
	require.Len(t, logs, 2)
	require.Equal(t, int64(0), logs[0].LogIndex, "log index order")

	transfers, err := s.TokenTransfersByTransaction(ctx, "0xtx")
	require.NoError(t, err)
	require.Len(t, transfers, 1)
	require.Equal(t, "100", transfers[0].Amount)
}

func TestStartBlockCache(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	cache, err := s.StartBlock(ctx)
	require.NoError(t, err)
	require.Nil(t, cache)

	require.Error(t, s.SetHistoricalTransactionCount(ctx, 1), "total before init must fail")

	require.NoError(t, s.InitStartBlock(ctx, 17_000_000))
	// A second init is a no-op; the first resolution wins.
	require.NoError(t, s.InitStartBlock(ctx, 99))

	cache, err = s.StartBlock(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(17_000_000), cache.StartBlock)
	require.Nil(t, cache.TotalTransactionsBefore)

	require.NoError(t, s.SetHistoricalTransactionCount(ctx, 1_900_000_000))
	cache, err = s.StartBlock(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1_900_000_000), *cache.TotalTransactionsBefore)
}

func TestPageParamsNormalize(t *testing.T) {
	p := PageParams{Page: 0, PerPage: 1000}.Normalize()
	require.Equal(t, int64(1), p.Page)
	require.Equal(t, int64(100), p.PerPage)

	meta := NewPageMeta(PageParams{Page: 1, PerPage: 10}, 0)
	require.Equal(t, int64(0), meta.TotalPages)
	require.False(t, meta.HasNext)
}

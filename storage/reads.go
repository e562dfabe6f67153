package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const blockColumns = `number, hash, parent_hash, timestamp, gas_used, gas_limit, transaction_count,
	miner, difficulty, size_bytes, base_fee_per_gas, extra_data, state_root, nonce,
	withdrawals_root, blob_gas_used, excess_blob_gas, withdrawal_count,
	slot, proposer_index, epoch, slot_root, parent_root, beacon_deposit_count,
	graffiti, randao_reveal, randao_mix`

func scanBlock(row interface{ Scan(...interface{}) error }) (*Block, error) {
	var b Block
	err := row.Scan(
		&b.Number, &b.Hash, &b.ParentHash, &b.Timestamp, &b.GasUsed, &b.GasLimit, &b.TransactionCount,
		&b.Miner, &b.Difficulty, &b.SizeBytes, &b.BaseFeePerGas, &b.ExtraData, &b.StateRoot, &b.Nonce,
		&b.WithdrawalsRoot, &b.BlobGasUsed, &b.ExcessBlobGas, &b.WithdrawalCount,
		&b.Slot, &b.ProposerIndex, &b.Epoch, &b.SlotRoot, &b.ParentRoot, &b.BeaconDepositCount,
		&b.Graffiti, &b.RandaoReveal, &b.RandaoMix)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// LatestBlockNumber returns the highest indexed block number, or (0, false)
// when nothing is indexed yet.
func (s *Store) LatestBlockNumber(ctx context.Context) (int64, bool, error) {
	var n sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(number) FROM blocks`).Scan(&n); err != nil {
		return 0, false, fmt.Errorf("latest block number: %w", err)
	}
	return n.Int64, n.Valid, nil
}

// BlockByNumber fetches one block, or nil when absent.
func (s *Store) BlockByNumber(ctx context.Context, number int64) (*Block, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+blockColumns+` FROM blocks WHERE number = ?`, number)
	b, err := scanBlock(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("block %d: %w", number, err)
	}
	return b, nil
}

// BlockByHash fetches one block by hash, or nil when absent.
func (s *Store) BlockByHash(ctx context.Context, hash string) (*Block, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+blockColumns+` FROM blocks WHERE hash = ?`, hash)
	b, err := scanBlock(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("block %s: %w", hash, err)
	}
	return b, nil
}

// Blocks returns one page of blocks in descending number order plus the
// pagination envelope.
func (s *Store) Blocks(ctx context.Context, params PageParams) ([]*Block, PageMeta, error) {
	p := params.Normalize()
	total, err := s.BlockCount(ctx)
	if err != nil {
		return nil, PageMeta{}, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+blockColumns+` FROM blocks ORDER BY number DESC LIMIT ? OFFSET ?`,
		p.PerPage, p.Offset())
	if err != nil {
		return nil, PageMeta{}, fmt.Errorf("list blocks: %w", err)
	}
	defer rows.Close()

	blocks := make([]*Block, 0, p.PerPage)
	for rows.Next() {
		b, err := scanBlock(rows)
		if err != nil {
			return nil, PageMeta{}, fmt.Errorf("scan block: %w", err)
		}
		blocks = append(blocks, b)
	}
	return blocks, NewPageMeta(p, total), rows.Err()
}

// BlocksSince returns up to limit blocks with number strictly greater than
// after, in ascending order. It backs incremental polling clients.
func (s *Store) BlocksSince(ctx context.Context, after int64, limit int64) ([]*Block, error) {
	if limit < 1 || limit > maxPerPage {
		limit = maxPerPage
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+blockColumns+` FROM blocks WHERE number > ? ORDER BY number ASC LIMIT ?`,
		after, limit)
	if err != nil {
		return nil, fmt.Errorf("blocks since %d: %w", after, err)
	}
	defer rows.Close()

	var blocks []*Block
	for rows.Next() {
		b, err := scanBlock(rows)
		if err != nil {
			return nil, fmt.Errorf("scan block: %w", err)
		}
		blocks = append(blocks, b)
	}
	return blocks, rows.Err()
}

// BlockCount returns the number of indexed block rows.
func (s *Store) BlockCount(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM blocks`).Scan(&n); err != nil {
		return 0, fmt.Errorf("block count: %w", err)
	}
	return n, nil
}

const txColumns = `hash, block_number, from_address, to_address, value, gas_used, gas_price, status, transaction_index`

func scanTx(row interface{ Scan(...interface{}) error }) (*Transaction, error) {
	var t Transaction
	err := row.Scan(&t.Hash, &t.BlockNumber, &t.FromAddress, &t.ToAddress, &t.Value, &t.GasUsed, &t.GasPrice, &t.Status, &t.TransactionIndex)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// TransactionByHash fetches one transaction, or nil when absent.
func (s *Store) TransactionByHash(ctx context.Context, hash string) (*Transaction, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+txColumns+` FROM transactions WHERE hash = ?`, hash)
	t, err := scanTx(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("transaction %s: %w", hash, err)
	}
	return t, nil
}

func (f TxFilter) where() (string, []interface{}) {
	clause := ""
	var args []interface{}
	add := func(cond string, arg interface{}) {
		if clause == "" {
			clause = " WHERE " + cond
		} else {
			clause += " AND " + cond
		}
		args = append(args, arg)
	}
	if f.Status != nil {
		add("status = ?", *f.Status)
	}
	if f.FromBlock != nil {
		add("block_number >= ?", *f.FromBlock)
	}
	if f.ToBlock != nil {
		add("block_number <= ?", *f.ToBlock)
	}
	return clause, args
}

// Transactions returns one page of transactions matching filter, newest
// first (block descending, then transaction index descending).
func (s *Store) Transactions(ctx context.Context, filter TxFilter, params PageParams) ([]*Transaction, PageMeta, error) {
	p := params.Normalize()
	where, args := filter.where()

	var total int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM transactions`+where, args...).Scan(&total); err != nil {
		return nil, PageMeta{}, fmt.Errorf("count transactions: %w", err)
	}

	query := `SELECT ` + txColumns + ` FROM transactions` + where +
		` ORDER BY block_number DESC, transaction_index DESC LIMIT ? OFFSET ?`
	rows, err := s.db.QueryContext(ctx, query, append(args, p.PerPage, p.Offset())...)
	if err != nil {
		return nil, PageMeta{}, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	txs := make([]*Transaction, 0, p.PerPage)
	for rows.Next() {
		t, err := scanTx(rows)
		if err != nil {
			return nil, PageMeta{}, fmt.Errorf("scan transaction: %w", err)
		}
		txs = append(txs, t)
	}
	return txs, NewPageMeta(p, total), rows.Err()
}

// TransactionsSince returns up to limit transactions from blocks strictly
// after the given number, in ascending (block, index) order.
func (s *Store) TransactionsSince(ctx context.Context, afterBlock int64, limit int64) ([]*Transaction, error) {
	if limit < 1 || limit > maxPerPage {
		limit = maxPerPage
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+txColumns+` FROM transactions WHERE block_number > ?
		ORDER BY block_number ASC, transaction_index ASC LIMIT ?`, afterBlock, limit)
	if err != nil {
		return nil, fmt.Errorf("transactions since %d: %w", afterBlock, err)
	}
	defer rows.Close()

	var txs []*Transaction
	for rows.Next() {
		t, err := scanTx(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		txs = append(txs, t)
	}
	return txs, rows.Err()
}

// TransactionsByBlock returns all transactions of one block in index order.
func (s *Store) TransactionsByBlock(ctx context.Context, number int64) ([]*Transaction, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+txColumns+` FROM transactions WHERE block_number = ? ORDER BY transaction_index ASC`, number)
	if err != nil {
		return nil, fmt.Errorf("transactions of block %d: %w", number, err)
	}
	defer rows.Close()

	var txs []*Transaction
	for rows.Next() {
		t, err := scanTx(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		txs = append(txs, t)
	}
	return txs, rows.Err()
}

// StoredTransactionCount returns the number of transaction rows actually
// persisted.
func (s *Store) StoredTransactionCount(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM transactions`).Scan(&n); err != nil {
		return 0, fmt.Errorf("transaction count: %w", err)
	}
	return n, nil
}

// DeclaredTransactionCount sums the transaction_count column over all
// indexed blocks. It can exceed the stored count when receipts were dropped.
func (s *Store) DeclaredTransactionCount(ctx context.Context) (int64, error) {
	var n sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT SUM(transaction_count) FROM blocks`).Scan(&n); err != nil {
		return 0, fmt.Errorf("declared transaction count: %w", err)
	}
	return n.Int64, nil
}

// CurrentBlockTxInfo reports the latest indexed block number together with
// its declared transaction count.
func (s *Store) CurrentBlockTxInfo(ctx context.Context) (blockNumber, txCount int64, err error) {
	row := s.db.QueryRowContext(ctx, `SELECT number, transaction_count FROM blocks ORDER BY number DESC LIMIT 1`)
	if err := row.Scan(&blockNumber, &txCount); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, 0, nil
		}
		return 0, 0, fmt.Errorf("current block tx info: %w", err)
	}
	return blockNumber, txCount, nil
}

// LogsByTransaction returns the logs of one transaction in log index order.
func (s *Store) LogsByTransaction(ctx context.Context, txHash string) ([]*Log, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, transaction_hash, block_number, address, topic0, topic1, topic2, topic3, data, log_index
		FROM logs WHERE transaction_hash = ? ORDER BY log_index ASC`, txHash)
	if err != nil {
		return nil, fmt.Errorf("logs of %s: %w", txHash, err)
	}
	defer rows.Close()

	var logs []*Log
	for rows.Next() {
		var l Log
		if err := rows.Scan(&l.ID, &l.TransactionHash, &l.BlockNumber, &l.Address, &l.Topic0, &l.Topic1, &l.Topic2, &l.Topic3, &l.Data, &l.LogIndex); err != nil {
			return nil, fmt.Errorf("scan log: %w", err)
		}
		logs = append(logs, &l)
	}
	return logs, rows.Err()
}

// TokenTransfersByTransaction returns the decoded token transfers of one
// transaction.
func (s *Store) TokenTransfersByTransaction(ctx context.Context, txHash string) ([]*TokenTransfer, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, transaction_hash, block_number, token_address, from_address, to_address, amount, token_type, token_id
		FROM token_transfers WHERE transaction_hash = ? ORDER BY id ASC`, txHash)
	if err != nil {
		return nil, fmt.Errorf("token transfers of %s: %w", txHash, err)
	}
	defer rows.Close()

	var transfers []*TokenTransfer
	for rows.Next() {
		var tr TokenTransfer
		if err := rows.Scan(&tr.ID, &tr.TransactionHash, &tr.BlockNumber, &tr.TokenAddress, &tr.FromAddress, &tr.ToAddress, &tr.Amount, &tr.TokenType, &tr.TokenID); err != nil {
			return nil, fmt.Errorf("scan token transfer: %w", err)
		}
		transfers = append(transfers, &tr)
	}
	return transfers, rows.Err()
}

// Account fetches one account row, or nil when the address was never seen.
func (s *Store) Account(ctx context.Context, address string) (*Account, error) {
	var a Account
	err := s.db.QueryRowContext(ctx, `
		SELECT address, balance, transaction_count, first_seen_block, last_seen_block
		FROM accounts WHERE address = ?`, address).
		Scan(&a.Address, &a.Balance, &a.TransactionCount, &a.FirstSeenBlock, &a.LastSeenBlock)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("account %s: %w", address, err)
	}
	return &a, nil
}

// AccountCount returns the number of distinct observed addresses.
func (s *Store) AccountCount(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM accounts`).Scan(&n); err != nil {
		return 0, fmt.Errorf("account count: %w", err)
	}
	return n, nil
}

// WithdrawalsByBlock returns the withdrawals of one block in index order.
func (s *Store) WithdrawalsByBlock(ctx context.Context, number int64) ([]*Withdrawal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, block_number, withdrawal_index, validator_index, address, amount
		FROM withdrawals WHERE block_number = ? ORDER BY withdrawal_index ASC`, number)
	if err != nil {
		return nil, fmt.Errorf("withdrawals of block %d: %w", number, err)
	}
	defer rows.Close()

	var ws []*Withdrawal
	for rows.Next() {
		var w Withdrawal
		if err := rows.Scan(&w.ID, &w.BlockNumber, &w.WithdrawalIndex, &w.ValidatorIndex, &w.Address, &w.Amount); err != nil {
			return nil, fmt.Errorf("scan withdrawal: %w", err)
		}
		ws = append(ws, &w)
	}
	return ws, rows.Err()
}

const tokenColumns = `address, name, symbol, decimals, token_type, first_seen_block, last_seen_block, total_transfers`

func scanToken(row interface{ Scan(...interface{}) error }) (*Token, error) {
	var t Token
	err := row.Scan(&t.Address, &t.Name, &t.Symbol, &t.Decimals, &t.TokenType, &t.FirstSeenBlock, &t.LastSeenBlock, &t.TotalTransfers)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// Token fetches one token row, or nil when the contract was never seen.
func (s *Store) Token(ctx context.Context, address string) (*Token, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+tokenColumns+` FROM tokens WHERE address = ?`, address)
	t, err := scanToken(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("token %s: %w", address, err)
	}
	return t, nil
}

// Tokens returns one page of discovered tokens ordered by transfer volume.
func (s *Store) Tokens(ctx context.Context, params PageParams) ([]*Token, PageMeta, error) {
	p := params.Normalize()
	var total int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tokens`).Scan(&total); err != nil {
		return nil, PageMeta{}, fmt.Errorf("count tokens: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+tokenColumns+` FROM tokens ORDER BY total_transfers DESC, address ASC LIMIT ? OFFSET ?`,
		p.PerPage, p.Offset())
	if err != nil {
		return nil, PageMeta{}, fmt.Errorf("list tokens: %w", err)
	}
	defer rows.Close()

	tokens := make([]*Token, 0, p.PerPage)
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, PageMeta{}, fmt.Errorf("scan token: %w", err)
		}
		tokens = append(tokens, t)
	}
	return tokens, NewPageMeta(p, total), rows.Err()
}

// TokenHolders returns one page of balances for a token, largest balances
// first by numeric value.
func (s *Store) TokenHolders(ctx context.Context, token string, params PageParams) ([]*TokenBalance, PageMeta, error) {
	p := params.Normalize()
	var total int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM token_balances WHERE token_address = ?`, token).Scan(&total); err != nil {
		return nil, PageMeta{}, fmt.Errorf("count holders of %s: %w", token, err)
	}
	// Balances are decimal strings; CAST keeps ordering numeric for values
	// within float precision, with the string as a tie-breaker.
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, account_address, token_address, balance, block_number, last_updated_block
		FROM token_balances WHERE token_address = ?
		ORDER BY CAST(balance AS REAL) DESC, balance DESC LIMIT ? OFFSET ?`,
		token, p.PerPage, p.Offset())
	if err != nil {
		return nil, PageMeta{}, fmt.Errorf("list holders of %s: %w", token, err)
	}
	defer rows.Close()

	holders := make([]*TokenBalance, 0, p.PerPage)
	for rows.Next() {
		var b TokenBalance
		if err := rows.Scan(&b.ID, &b.AccountAddress, &b.TokenAddress, &b.Balance, &b.BlockNumber, &b.LastUpdatedBlock); err != nil {
			return nil, PageMeta{}, fmt.Errorf("scan token balance: %w", err)
		}
		holders = append(holders, &b)
	}
	return holders, NewPageMeta(p, total), rows.Err()
}

// TokenBalancesByAccount returns every tracked token balance for an account.
func (s *Store) TokenBalancesByAccount(ctx context.Context, account string) ([]*TokenBalance, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, account_address, token_address, balance, block_number, last_updated_block
		FROM token_balances WHERE account_address = ?
		ORDER BY CAST(balance AS REAL) DESC, token_address ASC`, account)
	if err != nil {
		return nil, fmt.Errorf("token balances of %s: %w", account, err)
	}
	defer rows.Close()

	var balances []*TokenBalance
	for rows.Next() {
		var b TokenBalance
		if err := rows.Scan(&b.ID, &b.AccountAddress, &b.TokenAddress, &b.Balance, &b.BlockNumber, &b.LastUpdatedBlock); err != nil {
			return nil, fmt.Errorf("scan token balance: %w", err)
		}
		balances = append(balances, &b)
	}
	return balances, rows.Err()
}

// StaleTokenBalances returns up to limit (account, token) pairs whose stored
// balance was last refreshed before the given block.
func (s *Store) StaleTokenBalances(ctx context.Context, olderThanBlock int64, limit int64) ([]*TokenBalance, error) {
	if limit < 1 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, account_address, token_address, balance, block_number, last_updated_block
		FROM token_balances WHERE last_updated_block < ?
		ORDER BY last_updated_block ASC LIMIT ?`, olderThanBlock, limit)
	if err != nil {
		return nil, fmt.Errorf("stale token balances: %w", err)
	}
	defer rows.Close()

	var stale []*TokenBalance
	for rows.Next() {
		var b TokenBalance
		if err := rows.Scan(&b.ID, &b.AccountAddress, &b.TokenAddress, &b.Balance, &b.BlockNumber, &b.LastUpdatedBlock); err != nil {
			return nil, fmt.Errorf("scan token balance: %w", err)
		}
		stale = append(stale, &b)
	}
	return stale, rows.Err()
}

// StartBlock returns the cached indexing start point, or nil when this is a
// fresh database.
func (s *Store) StartBlock(ctx context.Context) (*StartBlockCache, error) {
	var c StartBlockCache
	err := s.db.QueryRowContext(ctx, `SELECT start_block, total_transactions_before FROM start_block_cache WHERE id = 1`).
		Scan(&c.StartBlock, &c.TotalTransactionsBefore)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("start block cache: %w", err)
	}
	return &c, nil
}

// HistoricalTransactionCount returns the persisted pre-start transaction
// total, or nil when it was never resolved.
func (s *Store) HistoricalTransactionCount(ctx context.Context) (*int64, error) {
	c, err := s.StartBlock(ctx)
	if err != nil || c == nil {
		return nil, err
	}
	return c.TotalTransactionsBefore, nil
}

// InitStartBlock records the resolved start block on first run. An existing
// row wins: the cache is written once and only its transaction total is
// updated afterwards.
func (s *Store) InitStartBlock(ctx context.Context, startBlock int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO start_block_cache (id, start_block) VALUES (1, ?)
		ON CONFLICT(id) DO NOTHING`, startBlock)
	if err != nil {
		return fmt.Errorf("init start block cache: %w", err)
	}
	return nil
}

// SetHistoricalTransactionCount stores the pre-start transaction total once
// the historical source resolved it.
func (s *Store) SetHistoricalTransactionCount(ctx context.Context, total int64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE start_block_cache SET total_transactions_before = ? WHERE id = 1`, total)
	if err != nil {
		return fmt.Errorf("set historical transaction count: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errors.New("start block cache not initialized")
	}
	return nil
}

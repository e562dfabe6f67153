package storage

import (
	"context"
	"fmt"
	"strings"
)

// InsertBlock inserts or fully replaces a block row keyed by number.
// Reprocessing a block is a plain overwrite so a crash mid-block leaves no
// stale columns behind.
func (s *Store) InsertBlock(ctx context.Context, b *Block) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO blocks (
			number, hash, parent_hash, timestamp, gas_used, gas_limit, transaction_count,
			miner, difficulty, size_bytes, base_fee_per_gas, extra_data, state_root, nonce,
			withdrawals_root, blob_gas_used, excess_blob_gas, withdrawal_count,
			slot, proposer_index, epoch, slot_root, parent_root, beacon_deposit_count,
			graffiti, randao_reveal, randao_mix
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(number) DO UPDATE SET
			hash = excluded.hash,
			parent_hash = excluded.parent_hash,
			timestamp = excluded.timestamp,
			gas_used = excluded.gas_used,
			gas_limit = excluded.gas_limit,
			transaction_count = excluded.transaction_count,
			miner = excluded.miner,
			difficulty = excluded.difficulty,
			size_bytes = excluded.size_bytes,
			base_fee_per_gas = excluded.base_fee_per_gas,
			extra_data = excluded.extra_data,
			state_root = excluded.state_root,
			nonce = excluded.nonce,
			withdrawals_root = excluded.withdrawals_root,
			blob_gas_used = excluded.blob_gas_used,
			excess_blob_gas = excluded.excess_blob_gas,
			withdrawal_count = excluded.withdrawal_count,
			slot = excluded.slot,
			proposer_index = excluded.proposer_index,
			epoch = excluded.epoch,
			slot_root = excluded.slot_root,
			parent_root = excluded.parent_root,
			beacon_deposit_count = excluded.beacon_deposit_count,
			graffiti = excluded.graffiti,
			randao_reveal = excluded.randao_reveal,
			randao_mix = excluded.randao_mix`,
		b.Number, b.Hash, b.ParentHash, b.Timestamp, b.GasUsed, b.GasLimit, b.TransactionCount,
		b.Miner, b.Difficulty, b.SizeBytes, b.BaseFeePerGas, b.ExtraData, b.StateRoot, b.Nonce,
		b.WithdrawalsRoot, b.BlobGasUsed, b.ExcessBlobGas, b.WithdrawalCount,
		b.Slot, b.ProposerIndex, b.Epoch, b.SlotRoot, b.ParentRoot, b.BeaconDepositCount,
		b.Graffiti, b.RandaoReveal, b.RandaoMix)
	if err != nil {
		return fmt.Errorf("insert block %d: %w", b.Number, err)
	}
	return nil
}

// InsertWithdrawal records one validator withdrawal. Duplicate
// (block_number, withdrawal_index) pairs are silently skipped so reprocessing
// a block never doubles its withdrawals.
func (s *Store) InsertWithdrawal(ctx context.Context, w *Withdrawal) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO withdrawals (block_number, withdrawal_index, validator_index, address, amount)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(block_number, withdrawal_index) DO NOTHING`,
		w.BlockNumber, w.WithdrawalIndex, w.ValidatorIndex, w.Address, w.Amount)
	if err != nil {
		return fmt.Errorf("insert withdrawal %d/%d: %w", w.BlockNumber, w.WithdrawalIndex, err)
	}
	return nil
}

// InsertTransactionsBatch upserts a batch of transactions keyed by hash in a
// single multi-row statement.
func (s *Store) InsertTransactionsBatch(ctx context.Context, txs []*Transaction) error {
	if len(txs) == 0 {
		return nil
	}
	var sb strings.Builder
	sb.WriteString(`
		INSERT INTO transactions (hash, block_number, from_address, to_address, value, gas_used, gas_price, status, transaction_index)
		VALUES `)
	args := make([]interface{}, 0, len(txs)*9)
	for i, tx := range txs {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(?, ?, ?, ?, ?, ?, ?, ?, ?)")
		args = append(args, tx.Hash, tx.BlockNumber, tx.FromAddress, tx.ToAddress, tx.Value, tx.GasUsed, tx.GasPrice, tx.Status, tx.TransactionIndex)
	}
	sb.WriteString(`
		ON CONFLICT(hash) DO UPDATE SET
			block_number = excluded.block_number,
			from_address = excluded.from_address,
			to_address = excluded.to_address,
			value = excluded.value,
			gas_used = excluded.gas_used,
			gas_price = excluded.gas_price,
			status = excluded.status,
			transaction_index = excluded.transaction_index`)
	if _, err := s.db.ExecContext(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("insert %d transactions: %w", len(txs), err)
	}
	return nil
}

// InsertLogsBatch appends a batch of log rows.
func (s *Store) InsertLogsBatch(ctx context.Context, logs []*Log) error {
	if len(logs) == 0 {
		return nil
	}
	var sb strings.Builder
	sb.WriteString(`
		INSERT INTO logs (transaction_hash, block_number, address, topic0, topic1, topic2, topic3, data, log_index)
		VALUES `)
	args := make([]interface{}, 0, len(logs)*9)
	for i, l := range logs {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(?, ?, ?, ?, ?, ?, ?, ?, ?)")
		args = append(args, l.TransactionHash, l.BlockNumber, l.Address, l.Topic0, l.Topic1, l.Topic2, l.Topic3, l.Data, l.LogIndex)
	}
	if _, err := s.db.ExecContext(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("insert %d logs: %w", len(logs), err)
	}
	return nil
}

// InsertTokenTransfersBatch appends a batch of decoded token transfers.
func (s *Store) InsertTokenTransfersBatch(ctx context.Context, transfers []*TokenTransfer) error {
	if len(transfers) == 0 {
		return nil
	}
	var sb strings.Builder
	sb.WriteString(`
		INSERT INTO token_transfers (transaction_hash, block_number, token_address, from_address, to_address, amount, token_type, token_id)
		VALUES `)
	args := make([]interface{}, 0, len(transfers)*8)
	for i, tr := range transfers {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(?, ?, ?, ?, ?, ?, ?, ?)")
		args = append(args, tr.TransactionHash, tr.BlockNumber, tr.TokenAddress, tr.FromAddress, tr.ToAddress, tr.Amount, tr.TokenType, tr.TokenID)
	}
	if _, err := s.db.ExecContext(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("insert %d token transfers: %w", len(transfers), err)
	}
	return nil
}

// UpsertAccountsBatch upserts a batch of accounts in a single statement. The
// caller deduplicates addresses within the batch; on conflict the balance is
// replaced, the observation count accumulates and last_seen_block ratchets
// forward while first_seen_block keeps its original value.
func (s *Store) UpsertAccountsBatch(ctx context.Context, accounts []*Account) error {
	if len(accounts) == 0 {
		return nil
	}
	var sb strings.Builder
	sb.WriteString(`
		INSERT INTO accounts (address, balance, transaction_count, first_seen_block, last_seen_block)
		VALUES `)
	args := make([]interface{}, 0, len(accounts)*5)
	for i, a := range accounts {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(?, ?, ?, ?, ?)")
		args = append(args, a.Address, a.Balance, a.TransactionCount, a.FirstSeenBlock, a.LastSeenBlock)
	}
	sb.WriteString(`
		ON CONFLICT(address) DO UPDATE SET
			balance = excluded.balance,
			transaction_count = accounts.transaction_count + excluded.transaction_count,
			first_seen_block = MIN(accounts.first_seen_block, excluded.first_seen_block),
			last_seen_block = MAX(accounts.last_seen_block, excluded.last_seen_block)`)
	if _, err := s.db.ExecContext(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("upsert %d accounts: %w", len(accounts), err)
	}
	return nil
}

// UpsertToken records a token sighting. Metadata columns keep their existing
// non-null values when the new row carries nulls, last_seen_block ratchets
// forward, and the transfer counter accumulates.
func (s *Store) UpsertToken(ctx context.Context, t *Token) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tokens (address, name, symbol, decimals, token_type, first_seen_block, last_seen_block, total_transfers)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(address) DO UPDATE SET
			name = COALESCE(excluded.name, tokens.name),
			symbol = COALESCE(excluded.symbol, tokens.symbol),
			decimals = COALESCE(excluded.decimals, tokens.decimals),
			last_seen_block = MAX(tokens.last_seen_block, excluded.last_seen_block),
			total_transfers = tokens.total_transfers + excluded.total_transfers`,
		t.Address, t.Name, t.Symbol, t.Decimals, t.TokenType, t.FirstSeenBlock, t.LastSeenBlock, t.TotalTransfers)
	if err != nil {
		return fmt.Errorf("upsert token %s: %w", t.Address, err)
	}
	return nil
}

// UpsertTokenBalance replaces the stored balance of one (account, token)
// pair.
func (s *Store) UpsertTokenBalance(ctx context.Context, b *TokenBalance) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO token_balances (account_address, token_address, balance, block_number, last_updated_block)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(account_address, token_address) DO UPDATE SET
			balance = excluded.balance,
			block_number = excluded.block_number,
			last_updated_block = excluded.last_updated_block`,
		b.AccountAddress, b.TokenAddress, b.Balance, b.BlockNumber, b.LastUpdatedBlock)
	if err != nil {
		return fmt.Errorf("upsert token balance %s/%s: %w", b.AccountAddress, b.TokenAddress, err)
	}
	return nil
}

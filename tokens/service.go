// Package tokens maintains the token registry and per-holder balances for
// contracts observed through Transfer events.
package tokens

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	"github.com/estevaopbs/eth-indexer/ethrpc"
	"github.com/estevaopbs/eth-indexer/storage"
)

const zeroAddress = "0x0000000000000000000000000000000000000000"

// ERC20Reader issues the contract probes the service needs. *ethrpc.Client
// satisfies it.
type ERC20Reader interface {
	TokenName(ctx context.Context, token common.Address) (string, error)
	TokenSymbol(ctx context.Context, token common.Address) (string, error)
	TokenDecimals(ctx context.Context, token common.Address) (uint8, error)
	TokenBalanceAt(ctx context.Context, token, holder common.Address, blockNumber uint64) (string, error)
	LatestBlockNumber(ctx context.Context) (uint64, error)
}

// TokenStore is the persistence surface the service writes through.
type TokenStore interface {
	Token(ctx context.Context, address string) (*storage.Token, error)
	UpsertToken(ctx context.Context, t *storage.Token) error
	UpsertTokenBalance(ctx context.Context, b *storage.TokenBalance) error
	StaleTokenBalances(ctx context.Context, olderThanBlock int64, limit int64) ([]*storage.TokenBalance, error)
}

// Transfer is one decoded Transfer event, reduced to its addresses.
type Transfer struct {
	Token string
	From  string
	To    string
}

// Service discovers token contracts and keeps holder balances current.
type Service struct {
	store  TokenStore
	reader ERC20Reader

	balanceInterval time.Duration
	refreshInterval time.Duration
	refreshBatch    int64
}

// New creates the service. balanceInterval spaces successive balanceOf
// probes so bulk updates do not monopolize the RPC rate limiter.
func New(store TokenStore, reader ERC20Reader, balanceInterval, refreshInterval time.Duration) *Service {
	return &Service{
		store:           store,
		reader:          reader,
		balanceInterval: balanceInterval,
		refreshInterval: refreshInterval,
		refreshBatch:    50,
	}
}

// DiscoverToken records a token sighting and, for contracts not yet known,
// probes name/symbol/decimals. A new contract where all three probes come
// back empty is rejected with ErrNotERC20 and no row is written; a later
// sighting never erases metadata an earlier probe found.
func (s *Service) DiscoverToken(ctx context.Context, address string, blockNumber int64, transfers int64) error {
	existing, err := s.store.Token(ctx, address)
	if err != nil {
		return err
	}

	row := &storage.Token{
		Address:        address,
		TokenType:      "ERC20",
		FirstSeenBlock: blockNumber,
		LastSeenBlock:  blockNumber,
		TotalTransfers: transfers,
	}

	if existing == nil || existing.Name == nil {
		addr := common.HexToAddress(address)
		if name, err := s.reader.TokenName(ctx, addr); err == nil {
			row.Name = &name
		} else if !isProbeSkip(err) {
			log.Warn("Token name probe failed", "token", address, "err", err)
		} else {
			log.Debug("Address is not an ERC-20 token", "token", address, "err", err)
		}
		if symbol, err := s.reader.TokenSymbol(ctx, addr); err == nil {
			row.Symbol = &symbol
		}
		if decimals, err := s.reader.TokenDecimals(ctx, addr); err == nil {
			d := int64(decimals)
			row.Decimals = &d
		}
	}

	if existing == nil && row.Name == nil && row.Symbol == nil && row.Decimals == nil {
		return fmt.Errorf("%w: %s", ethrpc.ErrNotERC20, address)
	}
	return s.store.UpsertToken(ctx, row)
}

// UpdateBalancesForTransfers refreshes the balance of every (account, token)
// pair touched by the given transfers, reading state at blockNumber. The
// zero address (mint/burn counterparty) is skipped, as is any pair whose
// probe says the target is not an ERC-20 contract.
func (s *Service) UpdateBalancesForTransfers(ctx context.Context, transfers []Transfer, blockNumber int64) {
	type pair struct{ account, token string }
	seen := make(map[pair]struct{})
	var pairs []pair
	for _, tr := range transfers {
		for _, account := range []string{tr.From, tr.To} {
			if account == zeroAddress || account == "" {
				continue
			}
			p := pair{account: account, token: tr.Token}
			if _, ok := seen[p]; ok {
				continue
			}
			seen[p] = struct{}{}
			pairs = append(pairs, p)
		}
	}

	for i, p := range pairs {
		if ctx.Err() != nil {
			return
		}
		s.updateBalance(ctx, p.account, p.token, blockNumber)
		if s.balanceInterval > 0 && i < len(pairs)-1 {
			select {
			case <-time.After(s.balanceInterval):
			case <-ctx.Done():
				return
			}
		}
	}
}

// updateBalance probes one balanceOf and persists the result. Non-token
// targets are a debug-level skip; transport errors are warned and skipped so
// one flaky contract cannot stall the batch.
func (s *Service) updateBalance(ctx context.Context, account, token string, blockNumber int64) {
	balance, err := s.reader.TokenBalanceAt(ctx, common.HexToAddress(token), common.HexToAddress(account), uint64(blockNumber))
	if err != nil {
		if isProbeSkip(err) {
			log.Debug("Skipping balance of non-token contract", "token", token, "account", account)
		} else {
			log.Warn("Token balance read failed", "token", token, "account", account, "err", err)
		}
		return
	}
	err = s.store.UpsertTokenBalance(ctx, &storage.TokenBalance{
		AccountAddress:   account,
		TokenAddress:     token,
		Balance:          balance,
		BlockNumber:      blockNumber,
		LastUpdatedBlock: blockNumber,
	})
	if err != nil {
		log.Error("Failed to persist token balance", "token", token, "account", account, "err", err)
	}
}

// RefreshStaleBalances re-reads one batch of balances whose last update
// predates the current chain tip and returns how many were refreshed.
func (s *Service) RefreshStaleBalances(ctx context.Context) (int, error) {
	tip, err := s.reader.LatestBlockNumber(ctx)
	if err != nil {
		return 0, err
	}
	stale, err := s.store.StaleTokenBalances(ctx, int64(tip), s.refreshBatch)
	if err != nil {
		return 0, err
	}
	for i, b := range stale {
		if ctx.Err() != nil {
			return i, ctx.Err()
		}
		s.updateBalance(ctx, b.AccountAddress, b.TokenAddress, int64(tip))
		if s.balanceInterval > 0 && i < len(stale)-1 {
			select {
			case <-time.After(s.balanceInterval):
			case <-ctx.Done():
				return i + 1, ctx.Err()
			}
		}
	}
	return len(stale), nil
}

// RunRefreshLoop keeps refreshing stale balances until ctx is cancelled.
func (s *Service) RunRefreshLoop(ctx context.Context) {
	if s.refreshInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.RefreshStaleBalances(ctx); err != nil && ctx.Err() == nil {
				log.Warn("Stale balance refresh failed", "err", err)
			} else if n > 0 {
				log.Debug("Refreshed stale token balances", "count", n)
			}
		}
	}
}

func isProbeSkip(err error) bool {
	return errors.Is(err, ethrpc.ErrNotContract) || errors.Is(err, ethrpc.ErrNotERC20)
}

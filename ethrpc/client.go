// Package ethrpc is a typed facade over the execution-layer JSON-RPC.
// Every outbound call is routed through a rate-limited executor so that one
// endpoint's concurrency and spacing limits apply to all callers.
package ethrpc

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/estevaopbs/eth-indexer/ratelimit"
)

// Client wraps an ethclient connection behind a rate-limited executor.
type Client struct {
	eth  *ethclient.Client
	rpc  *rpc.Client
	exec *ratelimit.Executor
}

// Dial connects to the execution endpoint at url.
func Dial(ctx context.Context, url string, exec *ratelimit.Executor) (*Client, error) {
	rpcClient, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial execution rpc %s: %w", url, err)
	}
	return &Client{
		eth:  ethclient.NewClient(rpcClient),
		rpc:  rpcClient,
		exec: exec,
	}, nil
}

// Close tears down the underlying RPC connection.
func (c *Client) Close() {
	c.rpc.Close()
}

// LatestBlockNumber returns the chain head number.
func (c *Client) LatestBlockNumber(ctx context.Context) (uint64, error) {
	return ratelimit.Do(ctx, c.exec, c.eth.BlockNumber)
}

// BlockByNumber fetches a block with its full transaction bodies. A missing
// block surfaces as ethereum.NotFound.
func (c *Client) BlockByNumber(ctx context.Context, number uint64) (*types.Block, error) {
	return ratelimit.Do(ctx, c.exec, func(ctx context.Context) (*types.Block, error) {
		return c.eth.BlockByNumber(ctx, new(big.Int).SetUint64(number))
	})
}

// BlockByHash fetches a block with its full transaction bodies.
func (c *Client) BlockByHash(ctx context.Context, hash common.Hash) (*types.Block, error) {
	return ratelimit.Do(ctx, c.exec, func(ctx context.Context) (*types.Block, error) {
		return c.eth.BlockByHash(ctx, hash)
	})
}

// TransactionReceipt fetches the receipt for a mined transaction.
func (c *Client) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	return ratelimit.Do(ctx, c.exec, func(ctx context.Context) (*types.Receipt, error) {
		return c.eth.TransactionReceipt(ctx, txHash)
	})
}

// TransactionSender resolves the sender of a transaction previously fetched
// as part of a block. The sender is served from the client-side cache when
// available, falling back to an RPC lookup.
func (c *Client) TransactionSender(ctx context.Context, tx *types.Transaction, blockHash common.Hash, index uint) (common.Address, error) {
	return ratelimit.Do(ctx, c.exec, func(ctx context.Context) (common.Address, error) {
		return c.eth.TransactionSender(ctx, tx, blockHash, index)
	})
}

// BalanceAt returns the native balance of account at the given height.
func (c *Client) BalanceAt(ctx context.Context, account common.Address, blockNumber uint64) (*big.Int, error) {
	return ratelimit.Do(ctx, c.exec, func(ctx context.Context) (*big.Int, error) {
		return c.eth.BalanceAt(ctx, account, new(big.Int).SetUint64(blockNumber))
	})
}

// LatestBalance returns the native balance of account at the chain head.
func (c *Client) LatestBalance(ctx context.Context, account common.Address) (*big.Int, error) {
	return ratelimit.Do(ctx, c.exec, func(ctx context.Context) (*big.Int, error) {
		return c.eth.BalanceAt(ctx, account, nil)
	})
}

// CodeAt returns the contract code deployed at account, or an empty slice
// for an externally owned account.
func (c *Client) CodeAt(ctx context.Context, account common.Address) ([]byte, error) {
	return ratelimit.Do(ctx, c.exec, func(ctx context.Context) ([]byte, error) {
		return c.eth.CodeAt(ctx, account, nil)
	})
}

// CallContract executes a read-only contract call. A nil blockNumber means
// the chain head.
func (c *Client) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return ratelimit.Do(ctx, c.exec, func(ctx context.Context) ([]byte, error) {
		return c.eth.CallContract(ctx, msg, blockNumber)
	})
}

// CheckConnection probes the endpoint with a head-number request.
func (c *Client) CheckConnection(ctx context.Context) bool {
	if _, err := c.LatestBlockNumber(ctx); err != nil {
		log.Error("Execution RPC connection check failed", "err", err)
		return false
	}
	log.Debug("Execution RPC connection check succeeded")
	return true
}

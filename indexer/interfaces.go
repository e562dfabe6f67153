package indexer

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/estevaopbs/eth-indexer/beaconapi"
	"github.com/estevaopbs/eth-indexer/storage"
	"github.com/estevaopbs/eth-indexer/tokens"
)

// ExecutionClient is the execution-layer surface the indexer consumes.
// *ethrpc.Client satisfies it.
type ExecutionClient interface {
	LatestBlockNumber(ctx context.Context) (uint64, error)
	BlockByNumber(ctx context.Context, number uint64) (*types.Block, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	TransactionSender(ctx context.Context, tx *types.Transaction, blockHash common.Hash, index uint) (common.Address, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber uint64) (*big.Int, error)
}

// BeaconReader resolves consensus-layer fields for an execution block.
// *beaconapi.Client satisfies it.
type BeaconReader interface {
	BlockData(ctx context.Context, blockNumber uint64) (*beaconapi.BlockData, error)
}

// TokenService runs the post-persistence token pass. *tokens.Service
// satisfies it.
type TokenService interface {
	DiscoverToken(ctx context.Context, address string, blockNumber int64, transfers int64) error
	UpdateBalancesForTransfers(ctx context.Context, transfers []tokens.Transfer, blockNumber int64)
}

// BlockPublisher emits one event per persisted block. *events.Publisher
// satisfies it.
type BlockPublisher interface {
	PublishBlock(block *storage.Block) error
}

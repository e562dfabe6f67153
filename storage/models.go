package storage

// Block is one canonical execution-layer block together with its optional
// consensus-layer fields. Reinsertion by number overwrites every other
// column.
type Block struct {
	Number           int64  `json:"number"`
	Hash             string `json:"hash"`
	ParentHash       string `json:"parent_hash"`
	Timestamp        int64  `json:"timestamp"`
	GasUsed          int64  `json:"gas_used"`
	GasLimit         int64  `json:"gas_limit"`
	TransactionCount int64  `json:"transaction_count"`

	Miner           *string `json:"miner"`
	Difficulty      *string `json:"difficulty"`
	SizeBytes       *int64  `json:"size_bytes"`
	BaseFeePerGas   *string `json:"base_fee_per_gas"`
	ExtraData       *string `json:"extra_data"`
	StateRoot       *string `json:"state_root"`
	Nonce           *string `json:"nonce"`
	WithdrawalsRoot *string `json:"withdrawals_root"`
	BlobGasUsed     *int64  `json:"blob_gas_used"`
	ExcessBlobGas   *int64  `json:"excess_blob_gas"`
	WithdrawalCount *int64  `json:"withdrawal_count"`

	Slot               *int64  `json:"slot"`
	ProposerIndex      *int64  `json:"proposer_index"`
	Epoch              *int64  `json:"epoch"`
	SlotRoot           *string `json:"slot_root"`
	ParentRoot         *string `json:"parent_root"`
	BeaconDepositCount *int64  `json:"beacon_deposit_count"`
	Graffiti           *string `json:"graffiti"`
	RandaoReveal       *string `json:"randao_reveal"`
	RandaoMix          *string `json:"randao_mix"`
}

// Transaction is one indexed transaction keyed by hash. Value and gas price
// are decimal strings because they routinely exceed 64-bit precision.
type Transaction struct {
	Hash             string  `json:"hash"`
	BlockNumber      int64   `json:"block_number"`
	FromAddress      string  `json:"from_address"`
	ToAddress        *string `json:"to_address"`
	Value            string  `json:"value"`
	GasUsed          int64   `json:"gas_used"`
	GasPrice         string  `json:"gas_price"`
	Status           int64   `json:"status"`
	TransactionIndex int64   `json:"transaction_index"`
}

// Log is one event record emitted during transaction execution.
type Log struct {
	ID              int64   `json:"id"`
	TransactionHash string  `json:"transaction_hash"`
	BlockNumber     int64   `json:"block_number"`
	Address         string  `json:"address"`
	Topic0          *string `json:"topic0"`
	Topic1          *string `json:"topic1"`
	Topic2          *string `json:"topic2"`
	Topic3          *string `json:"topic3"`
	Data            *string `json:"data"`
	LogIndex        int64   `json:"log_index"`
}

// TokenTransfer is a transfer event decoded from a log matching the ERC-20
// Transfer topic signature.
type TokenTransfer struct {
	ID              int64   `json:"id"`
	TransactionHash string  `json:"transaction_hash"`
	BlockNumber     int64   `json:"block_number"`
	TokenAddress    string  `json:"token_address"`
	FromAddress     string  `json:"from_address"`
	ToAddress       string  `json:"to_address"`
	Amount          string  `json:"amount"`
	TokenType       string  `json:"token_type"`
	TokenID         *string `json:"token_id"`
}

// Account is one observed address. TransactionCount counts observations by
// this indexer, not the on-chain nonce.
type Account struct {
	Address          string `json:"address"`
	Balance          string `json:"balance"`
	TransactionCount int64  `json:"transaction_count"`
	FirstSeenBlock   int64  `json:"first_seen_block"`
	LastSeenBlock    int64  `json:"last_seen_block"`
}

// Withdrawal is one validator withdrawal, keyed by (block, index). Amount is
// denominated in Gwei.
type Withdrawal struct {
	ID              int64  `json:"id"`
	BlockNumber     int64  `json:"block_number"`
	WithdrawalIndex int64  `json:"withdrawal_index"`
	ValidatorIndex  int64  `json:"validator_index"`
	Address         string `json:"address"`
	Amount          string `json:"amount"`
}

// Token is one discovered token contract.
type Token struct {
	Address        string  `json:"address"`
	Name           *string `json:"name"`
	Symbol         *string `json:"symbol"`
	Decimals       *int64  `json:"decimals"`
	TokenType      string  `json:"token_type"`
	FirstSeenBlock int64   `json:"first_seen_block"`
	LastSeenBlock  int64   `json:"last_seen_block"`
	TotalTransfers int64   `json:"total_transfers"`
}

// TokenBalance is the last observed balance of one (account, token) pair.
type TokenBalance struct {
	ID               int64  `json:"id"`
	AccountAddress   string `json:"account_address"`
	TokenAddress     string `json:"token_address"`
	Balance          string `json:"balance"`
	BlockNumber      int64  `json:"block_number"`
	LastUpdatedBlock int64  `json:"last_updated_block"`
}

// StartBlockCache is the singleton row recording where indexing started and,
// once known, how many transactions the chain held before that point.
type StartBlockCache struct {
	StartBlock              int64  `json:"start_block"`
	TotalTransactionsBefore *int64 `json:"total_transactions_before"`
}

// TxFilter narrows transaction list queries.
type TxFilter struct {
	Status    *int64
	FromBlock *int64
	ToBlock   *int64
}

// PageParams are caller-supplied pagination inputs.
type PageParams struct {
	Page    int64
	PerPage int64
}

// maxPerPage caps page sizes regardless of what the caller asks for.
const maxPerPage = 100

// Normalize clamps the parameters into range: page >= 1, 1 <= per_page <= 100.
func (p PageParams) Normalize() PageParams {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.PerPage < 1 {
		p.PerPage = 10
	}
	if p.PerPage > maxPerPage {
		p.PerPage = maxPerPage
	}
	return p
}

// Offset returns the row offset for the normalized page.
func (p PageParams) Offset() int64 {
	n := p.Normalize()
	return (n.Page - 1) * n.PerPage
}

// PageMeta is the pagination envelope attached to every list response.
type PageMeta struct {
	CurrentPage int64 `json:"current_page"`
	PerPage     int64 `json:"per_page"`
	Total       int64 `json:"total"`
	TotalPages  int64 `json:"total_pages"`
	HasNext     bool  `json:"has_next"`
}

// NewPageMeta derives the envelope for a total row count.
func NewPageMeta(params PageParams, total int64) PageMeta {
	n := params.Normalize()
	pages := total / n.PerPage
	if total%n.PerPage != 0 {
		pages++
	}
	return PageMeta{
		CurrentPage: n.Page,
		PerPage:     n.PerPage,
		Total:       total,
		TotalPages:  pages,
		HasNext:     n.Page < pages,
	}
}

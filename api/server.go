// Package api serves the indexed chain state over HTTP. Handlers read from
// the persistence layer, with opportunistic live RPC fallback for entities
// not yet indexed.
package api

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/gorilla/mux"

	"github.com/estevaopbs/eth-indexer/stats"
	"github.com/estevaopbs/eth-indexer/storage"
)

// LiveReader is the minimal RPC surface used for fallback reads.
type LiveReader interface {
	BlockByNumber(ctx context.Context, number uint64) (*types.Block, error)
	LatestBalance(ctx context.Context, account common.Address) (*big.Int, error)
}

// HistoricalCounter reports the pre-start transaction total.
type HistoricalCounter interface {
	Count() int64
}

// Server is the read API.
type Server struct {
	store      *storage.Store
	live       LiveReader
	historical HistoricalCounter
	health     *stats.HealthChecker
	network    *stats.NetworkBlockCache
	startBlock int64

	router *mux.Router
}

// NewServer wires routes. live, historical, health and network may be nil;
// the affected endpoints degrade.
func NewServer(store *storage.Store, live LiveReader, historical HistoricalCounter, health *stats.HealthChecker, network *stats.NetworkBlockCache, startBlock int64) *Server {
	s := &Server{
		store:      store,
		live:       live,
		historical: historical,
		health:     health,
		network:    network,
		startBlock: startBlock,
		router:     mux.NewRouter(),
	}

	r := s.router.PathPrefix("/api").Subrouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	r.HandleFunc("/network/latest", s.handleNetworkLatest).Methods(http.MethodGet)
	r.HandleFunc("/blocks", s.handleBlocks).Methods(http.MethodGet)
	r.HandleFunc("/blocks/since", s.handleBlocksSince).Methods(http.MethodGet)
	r.HandleFunc("/blocks/{number:[0-9]+}", s.handleBlockByNumber).Methods(http.MethodGet)
	r.HandleFunc("/transactions", s.handleTransactions).Methods(http.MethodGet)
	r.HandleFunc("/transactions/live", s.handleTransactionsLive).Methods(http.MethodGet)
	r.HandleFunc("/transactions/since", s.handleTransactionsSince).Methods(http.MethodGet)
	r.HandleFunc("/transactions/{hash:0x[0-9a-fA-F]{64}}", s.handleTransactionByHash).Methods(http.MethodGet)
	r.HandleFunc("/accounts/{address:0x[0-9a-fA-F]{40}}", s.handleAccount).Methods(http.MethodGet)
	r.HandleFunc("/tokens", s.handleTokens).Methods(http.MethodGet)
	r.HandleFunc("/tokens/{address:0x[0-9a-fA-F]{40}}", s.handleToken).Methods(http.MethodGet)
	r.HandleFunc("/tokens/{address:0x[0-9a-fA-F]{40}}/holders", s.handleTokenHolders).Methods(http.MethodGet)
	r.HandleFunc("/search/{query}", s.handleSearch).Methods(http.MethodGet)

	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug("Response encode failed", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func pageParams(r *http.Request) storage.PageParams {
	q := r.URL.Query()
	page, _ := strconv.ParseInt(q.Get("page"), 10, 64)
	perPage, _ := strconv.ParseInt(q.Get("per_page"), 10, 64)
	return storage.PageParams{Page: page, PerPage: perPage}.Normalize()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{"status": "ok"}
	if s.health != nil {
		current := s.health.Current()
		resp["execution_ok"] = current.ExecutionOK
		resp["beacon_ok"] = current.BeaconOK
		if !current.ExecutionOK || !current.BeaconOK {
			resp["status"] = "degraded"
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	latest, haveBlocks, err := s.store.LatestBlockNumber(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	blockCount, err := s.store.BlockCount(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	stored, err := s.store.StoredTransactionCount(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	declared, err := s.store.DeclaredTransactionCount(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	accounts, err := s.store.AccountCount(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	var historicalCount int64
	if s.historical != nil {
		historicalCount = s.historical.Count()
	}

	resp := map[string]interface{}{
		"latest_block":               latest,
		"block_count":                blockCount,
		"transaction_count":          historicalCount + stored,
		"indexed_transaction_count":  stored,
		"declared_transaction_count": declared,
		"account_count":              accounts,
		"start_block":                s.startBlock,
	}

	if s.network != nil {
		if tip, err := s.network.Latest(ctx); err == nil {
			resp["network_block"] = tip
			if haveBlocks && tip > 0 {
				resp["sync_percentage"] = percentage(latest, int64(tip))
				resp["indexing_percentage"] = percentage(latest-s.startBlock+1, int64(tip)-s.startBlock+1)
			}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func percentage(part, whole int64) float64 {
	if whole <= 0 {
		return 0
	}
	p := float64(part) / float64(whole) * 100
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

func (s *Server) handleNetworkLatest(w http.ResponseWriter, r *http.Request) {
	if s.network == nil {
		writeError(w, http.StatusServiceUnavailable, "network tip not available")
		return
	}
	tip, err := s.network.Latest(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"latest_network_block": tip})
}

func (s *Server) handleBlocks(w http.ResponseWriter, r *http.Request) {
	blocks, meta, err := s.store.Blocks(r.Context(), pageParams(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"blocks": blocks, "pagination": meta})
}

func (s *Server) handleBlocksSince(w http.ResponseWriter, r *http.Request) {
	after, err := strconv.ParseInt(r.URL.Query().Get("block"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "block query parameter must be an integer")
		return
	}
	blocks, err := s.store.BlocksSince(r.Context(), after, 100)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"blocks": blocks})
}

func (s *Server) handleBlockByNumber(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	number, err := strconv.ParseInt(mux.Vars(r)["number"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid block number")
		return
	}

	block, err := s.store.BlockByNumber(ctx, number)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if block == nil {
		if live := s.liveBlock(ctx, number); live != nil {
			writeJSON(w, http.StatusOK, map[string]interface{}{"block": live, "live": true})
			return
		}
		writeError(w, http.StatusNotFound, "block not found")
		return
	}

	withdrawals, err := s.store.WithdrawalsByBlock(ctx, number)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"block": block, "withdrawals": withdrawals})
}

// liveBlock fetches a not-yet-indexed block straight from the node, reduced
// to the execution-layer columns.
func (s *Server) liveBlock(ctx context.Context, number int64) *storage.Block {
	if s.live == nil || number < 0 {
		return nil
	}
	b, err := s.live.BlockByNumber(ctx, uint64(number))
	if err != nil {
		log.Debug("Live block fallback failed", "block", number, "err", err)
		return nil
	}
	miner := strings.ToLower(b.Coinbase().Hex())
	return &storage.Block{
		Number:           b.Number().Int64(),
		Hash:             b.Hash().Hex(),
		ParentHash:       b.ParentHash().Hex(),
		Timestamp:        int64(b.Time()),
		GasUsed:          int64(b.GasUsed()),
		GasLimit:         int64(b.GasLimit()),
		TransactionCount: int64(len(b.Transactions())),
		Miner:            &miner,
	}
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var filter storage.TxFilter
	if raw := q.Get("status"); raw != "" {
		status, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "status must be 0 or 1")
			return
		}
		filter.Status = &status
	}
	if raw := q.Get("from_block"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "from_block must be an integer")
			return
		}
		filter.FromBlock = &n
	}
	if raw := q.Get("to_block"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "to_block must be an integer")
			return
		}
		filter.ToBlock = &n
	}

	txs, meta, err := s.store.Transactions(r.Context(), filter, pageParams(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"transactions": txs, "pagination": meta})
}

func (s *Server) handleTransactionsLive(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	number, declared, err := s.store.CurrentBlockTxInfo(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	txs, err := s.store.TransactionsByBlock(ctx, number)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"block_number":      number,
		"transaction_count": declared,
		"transactions":      txs,
	})
}

func (s *Server) handleTransactionsSince(w http.ResponseWriter, r *http.Request) {
	after, err := strconv.ParseInt(r.URL.Query().Get("block"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "block query parameter must be an integer")
		return
	}
	txs, err := s.store.TransactionsSince(r.Context(), after, 100)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"transactions": txs})
}

func (s *Server) handleTransactionByHash(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	hash := strings.ToLower(mux.Vars(r)["hash"])

	tx, err := s.store.TransactionByHash(ctx, hash)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if tx == nil {
		writeError(w, http.StatusNotFound, "transaction not found")
		return
	}
	logs, err := s.store.LogsByTransaction(ctx, hash)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	transfers, err := s.store.TokenTransfersByTransaction(ctx, hash)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"transaction":     tx,
		"logs":            logs,
		"token_transfers": transfers,
	})
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	address := strings.ToLower(mux.Vars(r)["address"])

	account, err := s.store.Account(ctx, address)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if account == nil {
		// Never-observed addresses still get a live balance when the
		// node is reachable.
		if s.live != nil {
			if balance, err := s.live.LatestBalance(ctx, common.HexToAddress(address)); err == nil {
				writeJSON(w, http.StatusOK, map[string]interface{}{
					"account": storage.Account{Address: address, Balance: balance.String()},
					"live":    true,
				})
				return
			}
		}
		writeError(w, http.StatusNotFound, "account not found")
		return
	}
	balances, err := s.store.TokenBalancesByAccount(ctx, address)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"account":        account,
		"token_balances": balances,
	})
}

func (s *Server) handleTokens(w http.ResponseWriter, r *http.Request) {
	tokens, meta, err := s.store.Tokens(r.Context(), pageParams(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tokens": tokens, "pagination": meta})
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	token, err := s.store.Token(r.Context(), strings.ToLower(mux.Vars(r)["address"]))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if token == nil {
		writeError(w, http.StatusNotFound, "token not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"token": token})
}

func (s *Server) handleTokenHolders(w http.ResponseWriter, r *http.Request) {
	holders, meta, err := s.store.TokenHolders(r.Context(), strings.ToLower(mux.Vars(r)["address"]), pageParams(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"holders": holders, "pagination": meta})
}

// handleSearch classifies the query by shape: block number, 32-byte hash
// (block first, then transaction) or 20-byte address (account first, then
// token).
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	query := strings.ToLower(strings.TrimSpace(mux.Vars(r)["query"]))

	switch {
	case isDigits(query):
		number, err := strconv.ParseInt(query, 10, 64)
		if err != nil {
			break
		}
		if block, err := s.store.BlockByNumber(ctx, number); err == nil && block != nil {
			writeJSON(w, http.StatusOK, map[string]interface{}{"type": "block", "result": block})
			return
		}
	case strings.HasPrefix(query, "0x") && len(query) == 66:
		if block, err := s.store.BlockByHash(ctx, query); err == nil && block != nil {
			writeJSON(w, http.StatusOK, map[string]interface{}{"type": "block", "result": block})
			return
		}
		if tx, err := s.store.TransactionByHash(ctx, query); err == nil && tx != nil {
			writeJSON(w, http.StatusOK, map[string]interface{}{"type": "transaction", "result": tx})
			return
		}
	case strings.HasPrefix(query, "0x") && len(query) == 42:
		if account, err := s.store.Account(ctx, query); err == nil && account != nil {
			writeJSON(w, http.StatusOK, map[string]interface{}{"type": "account", "result": account})
			return
		}
		if token, err := s.store.Token(ctx, query); err == nil && token != nil {
			writeJSON(w, http.StatusOK, map[string]interface{}{"type": "token", "result": token})
			return
		}
	}
	writeError(w, http.StatusNotFound, "no match for query")
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Package historical resolves how many transactions the chain held before
// the indexer's start block. The authoritative source is the public
// BigQuery Ethereum dataset; without credentials (or on query failure) a
// coarse per-height estimate stands in.
package historical

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/oauth2/google"
)

const (
	bigqueryScope    = "https://www.googleapis.com/auth/bigquery.readonly"
	bigqueryEndpoint = "https://bigquery.googleapis.com/bigquery/v2/projects/%s/queries"
)

// CacheStore is the subset of the persistence layer the service needs.
type CacheStore interface {
	// HistoricalTransactionCount returns the persisted pre-start total,
	// or nil when it was never resolved.
	HistoricalTransactionCount(ctx context.Context) (*int64, error)
	SetHistoricalTransactionCount(ctx context.Context, total int64) error
}

// Service caches the pre-start transaction total for stats reads.
type Service struct {
	store           CacheStore
	credentialsPath string
	httpClient      *http.Client

	mu    sync.RWMutex
	count *int64
}

// New creates the service. credentialsPath may be empty, in which case
// Initialize falls straight through to the estimator.
func New(store CacheStore, credentialsPath string) *Service {
	return &Service{
		store:           store,
		credentialsPath: credentialsPath,
		httpClient:      &http.Client{Timeout: 60 * time.Second},
	}
}

// Initialize resolves the historical count for startBlock, in order of
// preference: persisted cache, BigQuery, estimate. Only exact sources are
// persisted; an estimate is recomputed on every launch so a later run with
// credentials can still upgrade it.
func (s *Service) Initialize(ctx context.Context, startBlock int64) error {
	if cached, err := s.store.HistoricalTransactionCount(ctx); err != nil {
		return fmt.Errorf("read historical count cache: %w", err)
	} else if cached != nil {
		log.Info("Historical transaction count loaded from cache", "count", *cached)
		s.set(*cached)
		return nil
	}

	if startBlock <= 0 {
		s.set(0)
		return nil
	}

	if s.credentialsPath != "" {
		count, err := s.queryBigQuery(ctx, startBlock)
		if err == nil {
			log.Info("Historical transaction count resolved via BigQuery", "count", count, "start_block", startBlock)
			if err := s.store.SetHistoricalTransactionCount(ctx, count); err != nil {
				log.Error("Failed to persist historical transaction count", "err", err)
			}
			s.set(count)
			return nil
		}
		log.Warn("BigQuery historical count failed, falling back to estimate", "err", err)
	}

	estimate := EstimateCount(startBlock)
	log.Warn("Using estimated historical transaction count", "estimate", estimate, "start_block", startBlock)
	s.set(estimate)
	return nil
}

// Count returns the resolved total, or 0 before initialization.
func (s *Service) Count() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.count == nil {
		return 0
	}
	return *s.count
}

func (s *Service) set(n int64) {
	s.mu.Lock()
	s.count = &n
	s.mu.Unlock()
}

// countQuery builds the warehouse query counting every transaction up to
// and including startBlock.
func countQuery(startBlock int64) string {
	return fmt.Sprintf(
		"SELECT COUNT(*) as total_transactions FROM `bigquery-public-data.crypto_ethereum.transactions` WHERE block_number <= %d",
		startBlock)
}

// queryBigQuery runs countQuery against the public crypto_ethereum dataset,
// authenticating with the service account key on disk.
func (s *Service) queryBigQuery(ctx context.Context, startBlock int64) (int64, error) {
	keyJSON, err := os.ReadFile(s.credentialsPath)
	if err != nil {
		return 0, fmt.Errorf("read service account key: %w", err)
	}

	conf, err := google.JWTConfigFromJSON(keyJSON, bigqueryScope)
	if err != nil {
		return 0, fmt.Errorf("parse service account key: %w", err)
	}
	var key struct {
		ProjectID string `json:"project_id"`
	}
	if err := json.Unmarshal(keyJSON, &key); err != nil || key.ProjectID == "" {
		return 0, fmt.Errorf("service account key has no project_id")
	}

	body, err := json.Marshal(map[string]interface{}{
		"query":        countQuery(startBlock),
		"useLegacySql": false,
	})
	if err != nil {
		return 0, err
	}

	url := fmt.Sprintf(bigqueryEndpoint, key.ProjectID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	client := conf.Client(ctx)
	client.Timeout = s.httpClient.Timeout
	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("bigquery request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return 0, fmt.Errorf("bigquery status %d: %s", resp.StatusCode, msg)
	}

	return parseQueryResponse(resp.Body)
}

// parseQueryResponse walks the BigQuery jobs.query response down to
// rows[0].f[0].v, the single COUNT(*) cell.
func parseQueryResponse(r io.Reader) (int64, error) {
	var result struct {
		JobComplete bool `json:"jobComplete"`
		Rows        []struct {
			F []struct {
				V string `json:"v"`
			} `json:"f"`
		} `json:"rows"`
	}
	if err := json.NewDecoder(r).Decode(&result); err != nil {
		return 0, fmt.Errorf("decode bigquery response: %w", err)
	}
	if !result.JobComplete {
		return 0, fmt.Errorf("bigquery job did not complete synchronously")
	}
	if len(result.Rows) == 0 || len(result.Rows[0].F) == 0 {
		return 0, fmt.Errorf("bigquery response has no rows")
	}
	n, err := strconv.ParseInt(result.Rows[0].F[0].V, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse bigquery count %q: %w", result.Rows[0].F[0].V, err)
	}
	return n, nil
}

// EstimateCount approximates the cumulative mainnet transaction count below
// a block height. The table is deliberately coarse; it only feeds progress
// statistics.
func EstimateCount(blockNumber int64) int64 {
	switch {
	case blockNumber <= 0:
		return 0
	case blockNumber <= 1_000_000:
		return 100_000
	case blockNumber <= 4_000_000:
		return 50_000_000
	case blockNumber <= 8_000_000:
		return 350_000_000
	case blockNumber <= 12_000_000:
		return 950_000_000
	case blockNumber <= 15_000_000:
		return 1_500_000_000
	case blockNumber <= 17_000_000:
		return 1_800_000_000
	case blockNumber <= 20_000_000:
		return 2_200_000_000
	default:
		return 2_500_000_000
	}
}

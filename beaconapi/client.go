// Package beaconapi is a typed facade over the consensus-layer Beacon HTTP
// API. It carries its own rate-limited executor, independent of the execution
// RPC limits.
package beaconapi

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ethereum/go-ethereum/log"

	"github.com/estevaopbs/eth-indexer/ratelimit"
)

// Merge transition constants linking execution block numbers to consensus
// slots. Slot estimation is fixed-interval from these anchors.
const (
	MergeBlock uint64 = 15537394
	MergeSlot  uint64 = 4700013

	SlotsPerEpoch uint64 = 32
)

// Client talks to a Beacon node over its REST API.
type Client struct {
	base string
	http *http.Client
	exec *ratelimit.Executor
}

// New creates a Beacon client for the node at baseURL.
func New(baseURL string, exec *ratelimit.Executor) *Client {
	return &Client{
		base: strings.TrimRight(baseURL, "/"),
		http: &http.Client{Timeout: 30 * time.Second},
		exec: exec,
	}
}

// Header is a beacon block header as served by the headers endpoint.
type Header struct {
	Slot          string `json:"slot"`
	ProposerIndex string `json:"proposer_index"`
	ParentRoot    string `json:"parent_root"`
	StateRoot     string `json:"state_root"`
	BodyRoot      string `json:"body_root"`
}

// Block is a beacon block as served by the blocks endpoint.
type Block struct {
	Slot          string    `json:"slot"`
	ProposerIndex string    `json:"proposer_index"`
	ParentRoot    string    `json:"parent_root"`
	StateRoot     string    `json:"state_root"`
	Body          BlockBody `json:"body"`
}

// BlockBody carries the subset of the block body the indexer consumes.
type BlockBody struct {
	RandaoReveal     string `json:"randao_reveal"`
	Graffiti         string `json:"graffiti"`
	ExecutionPayload *struct {
		PrevRandao  string `json:"prev_randao"`
		BlockNumber string `json:"block_number"`
	} `json:"execution_payload"`
}

// BlockData is the loose consensus-layer record attached to an execution
// block. Every field is optional; a missing slot or a 404 from the node
// degrades fields to nil instead of failing the block.
type BlockData struct {
	Slot          *int64  `json:"slot"`
	ProposerIndex *int64  `json:"proposer_index"`
	Epoch         *int64  `json:"epoch"`
	SlotRoot      *string `json:"slot_root"`
	ParentRoot    *string `json:"parent_root"`
	DepositCount  *int64  `json:"beacon_deposit_count"`
	Graffiti      *string `json:"graffiti"`
	RandaoReveal  *string `json:"randao_reveal"`
	RandaoMix     *string `json:"randao_mix"`
}

// TestConnection probes the node health endpoint.
func (c *Client) TestConnection(ctx context.Context) error {
	found, err := c.getJSON(ctx, "/eth/v1/node/health", nil)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("beacon node health endpoint not available")
	}
	return nil
}

// BlockHeader fetches the header for a slot. A nil header means the slot has
// no canonical block.
func (c *Client) BlockHeader(ctx context.Context, slot uint64) (*Header, error) {
	var envelope struct {
		Data Header `json:"data"`
	}
	found, err := c.getJSON(ctx, fmt.Sprintf("/eth/v1/beacon/headers/%d", slot), &envelope)
	if err != nil || !found {
		return nil, err
	}
	return &envelope.Data, nil
}

// Block fetches the full beacon block for a slot. A nil block means the slot
// has no canonical block.
func (c *Client) Block(ctx context.Context, slot uint64) (*Block, error) {
	var envelope struct {
		Data struct {
			Message Block `json:"message"`
		} `json:"data"`
	}
	found, err := c.getJSON(ctx, fmt.Sprintf("/eth/v2/beacon/blocks/%d", slot), &envelope)
	if err != nil || !found {
		return nil, err
	}
	return &envelope.Data.Message, nil
}

// DepositCount returns the beacon chain deposit count from the deposit
// snapshot endpoint.
func (c *Client) DepositCount(ctx context.Context) (uint64, error) {
	var envelope struct {
		Data struct {
			DepositCount string `json:"deposit_count"`
		} `json:"data"`
	}
	found, err := c.getJSON(ctx, "/eth/v1/beacon/deposit_snapshot", &envelope)
	if err != nil {
		return 0, err
	}
	if !found || envelope.Data.DepositCount == "" {
		return 0, nil
	}
	n, err := strconv.ParseUint(envelope.Data.DepositCount, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse deposit count: %w", err)
	}
	return n, nil
}

// SlotForBlock estimates the consensus slot backing an execution block.
// Pre-merge blocks have no slot.
func SlotForBlock(blockNumber uint64) (uint64, bool) {
	if blockNumber < MergeBlock {
		return 0, false
	}
	return MergeSlot + (blockNumber - MergeBlock), true
}

// Epoch returns the epoch containing slot.
func Epoch(slot uint64) uint64 {
	return slot / SlotsPerEpoch
}

// BlockData aggregates the consensus fields for an execution block. Missing
// slots and 404 responses degrade to nil fields rather than errors.
func (c *Client) BlockData(ctx context.Context, blockNumber uint64) (*BlockData, error) {
	data := &BlockData{}

	slot, ok := SlotForBlock(blockNumber)
	if !ok {
		return data, nil
	}

	block, err := c.Block(ctx, slot)
	if err != nil {
		return nil, err
	}

	epoch := int64(Epoch(slot))
	if block == nil {
		// Slot estimate missed (empty slot): keep the positional fields.
		slotNum := int64(slot)
		data.Slot = &slotNum
		data.Epoch = &epoch
		return data, nil
	}

	slotNum, _ := strconv.ParseInt(block.Slot, 10, 64)
	proposer, _ := strconv.ParseInt(block.ProposerIndex, 10, 64)
	data.Slot = &slotNum
	data.ProposerIndex = &proposer
	data.Epoch = &epoch
	data.SlotRoot = &block.StateRoot
	data.ParentRoot = &block.ParentRoot
	data.RandaoReveal = &block.Body.RandaoReveal
	if payload := block.Body.ExecutionPayload; payload != nil {
		data.RandaoMix = &payload.PrevRandao
	}
	if graffiti := decodeGraffiti(block.Body.Graffiti); graffiti != "" {
		data.Graffiti = &graffiti
	}

	if count, err := c.DepositCount(ctx); err == nil {
		n := int64(count)
		data.DepositCount = &n
	} else {
		log.Debug("Beacon deposit count unavailable", "block", blockNumber, "err", err)
	}

	return data, nil
}

// decodeGraffiti turns 0x-prefixed graffiti bytes into printable UTF-8 when
// possible, falling back to the raw hex string.
func decodeGraffiti(graffiti string) string {
	if !strings.HasPrefix(graffiti, "0x") || len(graffiti) <= 2 {
		return graffiti
	}
	raw, err := hex.DecodeString(graffiti[2:])
	if err != nil {
		return graffiti
	}
	decoded := strings.TrimRight(string(raw), "\x00")
	if decoded == "" || !utf8.ValidString(decoded) {
		return graffiti
	}
	return decoded
}

// getJSON issues a rate-limited GET. It reports found=false on HTTP 404 and
// decodes the body into v otherwise. A nil v skips decoding.
func (c *Client) getJSON(ctx context.Context, path string, v interface{}) (bool, error) {
	type response struct {
		found bool
	}
	res, err := ratelimit.Do(ctx, c.exec, func(ctx context.Context) (response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
		if err != nil {
			return response{}, err
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return response{}, fmt.Errorf("beacon request %s: %w", path, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusNotFound {
			return response{found: false}, nil
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return response{}, fmt.Errorf("beacon request %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
		}
		if v != nil {
			if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
				return response{}, fmt.Errorf("decode beacon response %s: %w", path, err)
			}
		}
		return response{found: true}, nil
	})
	if err != nil {
		return false, err
	}
	return res.found, nil
}

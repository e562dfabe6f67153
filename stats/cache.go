// Package stats holds small time-based caches that keep the read API from
// hammering the upstream nodes on every request.
package stats

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
)

// Health is a point-in-time connectivity snapshot.
type Health struct {
	ExecutionOK bool      `json:"execution_ok"`
	BeaconOK    bool      `json:"beacon_ok"`
	CheckedAt   time.Time `json:"checked_at"`
}

// HealthChecker probes both upstream nodes on a fixed cadence and serves the
// last result.
type HealthChecker struct {
	checkExecution func(ctx context.Context) bool
	checkBeacon    func(ctx context.Context) error
	interval       time.Duration

	mu      sync.RWMutex
	current Health
}

// NewHealthChecker builds the checker; Run starts probing.
func NewHealthChecker(checkExecution func(ctx context.Context) bool, checkBeacon func(ctx context.Context) error, interval time.Duration) *HealthChecker {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	return &HealthChecker{
		checkExecution: checkExecution,
		checkBeacon:    checkBeacon,
		interval:       interval,
	}
}

// Run probes immediately and then on every tick until ctx is cancelled.
func (h *HealthChecker) Run(ctx context.Context) {
	h.probe(ctx)
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.probe(ctx)
		}
	}
}

func (h *HealthChecker) probe(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	snapshot := Health{CheckedAt: time.Now()}
	snapshot.ExecutionOK = h.checkExecution(probeCtx)
	if err := h.checkBeacon(probeCtx); err != nil {
		log.Debug("Beacon health probe failed", "err", err)
	} else {
		snapshot.BeaconOK = true
	}

	h.mu.Lock()
	h.current = snapshot
	h.mu.Unlock()
}

// Current returns the last snapshot; the zero value before the first probe.
func (h *HealthChecker) Current() Health {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current
}

// NetworkBlockCache memoizes the chain tip for a short TTL.
type NetworkBlockCache struct {
	fetch func(ctx context.Context) (uint64, error)
	ttl   time.Duration

	mu        sync.Mutex
	value     uint64
	fetchedAt time.Time
}

// NewNetworkBlockCache wraps a tip lookup with a TTL.
func NewNetworkBlockCache(fetch func(ctx context.Context) (uint64, error), ttl time.Duration) *NetworkBlockCache {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &NetworkBlockCache{fetch: fetch, ttl: ttl}
}

// Latest returns the cached tip, refreshing it when the TTL lapsed. A failed
// refresh serves the stale value when one exists.
func (c *NetworkBlockCache) Latest(ctx context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.fetchedAt.IsZero() && time.Since(c.fetchedAt) < c.ttl {
		return c.value, nil
	}
	tip, err := c.fetch(ctx)
	if err != nil {
		if !c.fetchedAt.IsZero() {
			log.Debug("Chain tip refresh failed, serving stale value", "err", err)
			return c.value, nil
		}
		return 0, err
	}
	c.value = tip
	c.fetchedAt = time.Now()
	return tip, nil
}

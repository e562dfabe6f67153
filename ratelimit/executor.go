// Package ratelimit serialises outbound RPC traffic to a single endpoint
// under two independent limits: a maximum number of in-flight requests and a
// minimum spacing between request starts.
package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/sync/semaphore"
)

// ErrExecutorUnavailable is returned when the executor has been closed and
// can no longer accept or answer requests.
var ErrExecutorUnavailable = errors.New("ratelimit: executor unavailable")

// Executor is a dispatcher-fronted request gate. Callers submit opaque calls
// through Do; the dispatcher admits them in submission order, each call then
// holds one of maxConcurrent permits and observes the minimum start spacing
// before invoking its adapter. Calls that have acquired their permit are free
// to complete out of order.
type Executor struct {
	name     string
	interval time.Duration
	sem      *semaphore.Weighted

	requests chan func()
	quit     chan struct{}
	stopOnce sync.Once

	// spacing serialises request starts. A request sleeps the full interval
	// while holding both its permit and this lock, so starts are at least
	// interval apart even under high concurrency.
	spacing sync.Mutex
}

// NewExecutor creates an executor and starts its dispatcher.
func NewExecutor(name string, maxConcurrent int, minInterval time.Duration) *Executor {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	e := &Executor{
		name:     name,
		interval: minInterval,
		sem:      semaphore.NewWeighted(int64(maxConcurrent)),
		// The buffer only absorbs submission bursts. The dispatcher never
		// blocks (admitted calls wait on the semaphore in their own
		// goroutine), so it drains continuously and submissions beyond the
		// capacity queue up without a fixed limit.
		requests: make(chan func(), 512),
		quit:     make(chan struct{}),
	}
	go e.dispatch()
	log.Info("RPC executor started", "name", name, "maxConcurrent", maxConcurrent, "minInterval", minInterval)
	return e
}

// Name returns the executor's endpoint label.
func (e *Executor) Name() string { return e.name }

// Close shuts the executor down. Waiters still blocked on a reply receive
// ErrExecutorUnavailable; in-flight adapter calls are not interrupted.
func (e *Executor) Close() {
	e.stopOnce.Do(func() {
		close(e.quit)
		log.Info("RPC executor stopped", "name", e.name)
	})
}

func (e *Executor) dispatch() {
	for {
		select {
		case <-e.quit:
			return
		case run := <-e.requests:
			go run()
		}
	}
}

type result[T any] struct {
	value T
	err   error
}

// Do submits call through the executor and waits for its result. Adapter
// errors propagate verbatim; executor shutdown surfaces as
// ErrExecutorUnavailable.
func Do[T any](ctx context.Context, e *Executor, call func(context.Context) (T, error)) (T, error) {
	var zero T
	reply := make(chan result[T], 1)

	run := func() {
		if err := e.sem.Acquire(ctx, 1); err != nil {
			reply <- result[T]{err: err}
			return
		}
		defer e.sem.Release(1)

		if e.interval > 0 {
			e.spacing.Lock()
			select {
			case <-time.After(e.interval):
			case <-ctx.Done():
				e.spacing.Unlock()
				reply <- result[T]{err: ctx.Err()}
				return
			}
			e.spacing.Unlock()
		}

		value, err := call(ctx)
		reply <- result[T]{value: value, err: err}
	}

	select {
	case e.requests <- run:
	case <-e.quit:
		return zero, ErrExecutorUnavailable
	case <-ctx.Done():
		return zero, ctx.Err()
	}

	select {
	case res := <-reply:
		return res.value, res.err
	case <-e.quit:
		return zero, ErrExecutorUnavailable
	}
}

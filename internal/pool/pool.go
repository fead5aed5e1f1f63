// Package pool implements the worker pool / dispatcher (C6): it spawns
// and stops per-item workers, routes requests by item id, and fans out
// synchronized tick commands. Item-id routing is kept in a
// github.com/tidwall/btree.BTreeG rather than a plain map so iteration
// (tick_all, stats listing) is deterministic — the same library the
// teacher uses for its price-level index (internal/engine/orderbook.go),
// repurposed here for the worker registry.
package pool

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"fenrir/internal/common"
	"fenrir/internal/config"
	"fenrir/internal/errs"
	"fenrir/internal/priceengine"
	"fenrir/internal/worker"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/btree"
	tomb "gopkg.in/tomb.v2"
)

// RNGFactory builds a fresh RNG for a newly spawned worker, so each
// instrument's price process draws an independent stream.
type RNGFactory func(itemID string) priceengine.RNG

// DefaultRNGFactory seeds each worker's RNG from the current time plus
// a hash of its item id, avoiding identical streams across instruments
// spawned in the same tick.
func DefaultRNGFactory(itemID string) priceengine.RNG {
	seed := time.Now().UnixNano()
	for _, r := range itemID {
		seed = seed*31 + int64(r)
	}
	return priceengine.NewMathRandRNG(seed)
}

type handle struct {
	itemID string
	w      *worker.Worker

	mu sync.Mutex // guards tomb across supervisor restarts and Stop
	tb *tomb.Tomb
}

// TickResult is tick_all's per-worker outcome.
type TickResult struct {
	Trades       []*common.Trade
	CurrentPrice float64
	Err          error
}

// Pool owns every spawned worker and routes requests to them.
type Pool struct {
	cfg        config.Config
	rngFactory RNGFactory

	mu       sync.RWMutex
	handles  *btree.BTreeG[*handle]
	stopped  atomic.Bool
	restarts atomic.Int64
}

// New builds an empty pool.
func New(cfg config.Config, rngFactory RNGFactory) *Pool {
	if rngFactory == nil {
		rngFactory = DefaultRNGFactory
	}
	return &Pool{
		cfg:        cfg,
		rngFactory: rngFactory,
		handles: btree.NewBTreeG(func(a, b *handle) bool {
			return a.itemID < b.itemID
		}),
	}
}

// Spawn starts a worker for itemID if one does not already exist.
// Idempotent: spawning an existing item is a no-op.
func (p *Pool) Spawn(ctx context.Context, itemID string, initialPrice float64) error {
	p.mu.Lock()
	if _, ok := p.handles.Get(&handle{itemID: itemID}); ok {
		p.mu.Unlock()
		return nil
	}

	w := worker.New(itemID, p.cfg, p.rngFactory(itemID))
	h := &handle{itemID: itemID, w: w, tb: &tomb.Tomb{}}
	h.tb.Go(func() error { return w.Run(h.tb) })
	p.handles.Set(h)
	p.mu.Unlock()

	go p.supervise(h)

	_, err := w.Send(ctx, worker.Initialize{ItemID: itemID, InitialPrice: initialPrice})
	return err
}

// supervise restarts a worker with exponential backoff whenever its
// tomb dies with a non-nil error (a panic inside a request handler).
// A nil error means graceful shutdown; the supervisor exits.
func (p *Pool) supervise(h *handle) {
	for {
		h.mu.Lock()
		tb := h.tb
		h.mu.Unlock()

		err := tb.Wait()
		if err == nil || p.stopped.Load() {
			return
		}

		p.restarts.Add(1)
		backoff := restartBackoff(h.w.CrashCount())
		log.Warn().Str("itemID", h.itemID).Dur("backoff", backoff).Err(err).Msg("restarting crashed worker")
		time.Sleep(backoff)

		if p.stopped.Load() {
			return
		}

		newTomb := &tomb.Tomb{}
		h.mu.Lock()
		h.tb = newTomb
		h.mu.Unlock()
		newTomb.Go(func() error { return h.w.Run(newTomb) })
	}
}

// restartBackoff implements spec.md's min(100ms * 2^n, 10s) policy.
func restartBackoff(crashCount int) time.Duration {
	n := crashCount - 1 // crashCount was already incremented for this crash
	if n < 0 {
		n = 0
	}
	ms := 100 * math.Pow(2, float64(n))
	if ms > 10000 {
		ms = 10000
	}
	return time.Duration(ms) * time.Millisecond
}

// Remove gracefully stops and deletes itemID's worker.
func (p *Pool) Remove(ctx context.Context, itemID string) error {
	p.mu.Lock()
	h, ok := p.handles.Delete(&handle{itemID: itemID})
	p.mu.Unlock()
	if !ok {
		return nil
	}

	h.mu.Lock()
	tb := h.tb
	h.mu.Unlock()
	tb.Kill(nil)
	return tb.Wait()
}

func (p *Pool) lookup(itemID string) (*handle, error) {
	p.mu.RLock()
	h, ok := p.handles.Get(&handle{itemID: itemID})
	p.mu.RUnlock()
	if !ok {
		return nil, errs.New(errs.NoWorker, fmt.Sprintf("no worker for item %s", itemID))
	}
	return h, nil
}

// Submit routes order to the worker owning order.ItemID.
func (p *Pool) Submit(ctx context.Context, order *common.Order) (worker.OrderSubmitted, error) {
	h, err := p.lookup(order.ItemID)
	if err != nil {
		return worker.OrderSubmitted{}, err
	}
	resp, err := h.w.Send(ctx, worker.Submit{Order: order})
	if err != nil {
		return worker.OrderSubmitted{}, err
	}
	return resp.(worker.OrderSubmitted), nil
}

// Cancel routes a cancel request to itemID's worker.
func (p *Pool) Cancel(ctx context.Context, itemID, orderID string) (worker.OrderCancelled, error) {
	h, err := p.lookup(itemID)
	if err != nil {
		return worker.OrderCancelled{}, err
	}
	resp, err := h.w.Send(ctx, worker.Cancel{OrderID: orderID})
	if err != nil {
		return worker.OrderCancelled{}, err
	}
	return resp.(worker.OrderCancelled), nil
}

// GetOrderBook routes a snapshot request to itemID's worker.
func (p *Pool) GetOrderBook(ctx context.Context, itemID string) (worker.OrderBookSnapshot, error) {
	h, err := p.lookup(itemID)
	if err != nil {
		return worker.OrderBookSnapshot{}, err
	}
	resp, err := h.w.Send(ctx, worker.GetOrderBook{})
	if err != nil {
		return worker.OrderBookSnapshot{}, err
	}
	return resp.(worker.OrderBookSnapshot), nil
}

// Tick routes a single Tick request to itemID's worker.
func (p *Pool) Tick(ctx context.Context, itemID string) (worker.TickCompleted, error) {
	h, err := p.lookup(itemID)
	if err != nil {
		return worker.TickCompleted{}, err
	}
	resp, err := h.w.Send(ctx, worker.Tick{})
	if err != nil {
		return worker.TickCompleted{}, err
	}
	return resp.(worker.TickCompleted), nil
}

// TickAll issues Tick to every worker in parallel and collects all
// responses before returning. There is no cross-worker ordering
// guarantee beyond per-worker sequential consistency.
func (p *Pool) TickAll(ctx context.Context) map[string]TickResult {
	p.mu.RLock()
	items := make([]*handle, 0, p.handles.Len())
	p.handles.Scan(func(h *handle) bool {
		items = append(items, h)
		return true
	})
	p.mu.RUnlock()

	results := make(map[string]TickResult, len(items))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, h := range items {
		h := h
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := h.w.Send(ctx, worker.Tick{})
			var tr TickResult
			if err != nil {
				tr = TickResult{Err: err}
			} else {
				tc := resp.(worker.TickCompleted)
				tr = TickResult{Trades: tc.Trades, CurrentPrice: tc.CurrentPrice}
			}
			mu.Lock()
			results[h.itemID] = tr
			mu.Unlock()
		}()
	}
	wg.Wait()
	return results
}

// Items returns every spawned item id in ascending order (the registry
// is a btree, so this is a cheap in-order scan).
func (p *Pool) Items() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, p.handles.Len())
	p.handles.Scan(func(h *handle) bool {
		out = append(out, h.itemID)
		return true
	})
	return out
}

// ForceCrash deliberately crashes itemID's worker via the fault-injection
// hook, exercising the supervised restart path without waiting for a
// genuine handler bug. Returns the WORKER_UNAVAILABLE error the in-flight
// call gets, matching what any other in-flight caller would see.
func (p *Pool) ForceCrash(ctx context.Context, itemID string) (any, error) {
	h, err := p.lookup(itemID)
	if err != nil {
		return nil, err
	}
	return h.w.Send(ctx, worker.ForceCrash{})
}

// GetMarket routes a GetMarket request to itemID's worker.
func (p *Pool) GetMarket(ctx context.Context, itemID string) (worker.MarketSnapshot, error) {
	h, err := p.lookup(itemID)
	if err != nil {
		return worker.MarketSnapshot{}, err
	}
	resp, err := h.w.Send(ctx, worker.GetMarket{})
	if err != nil {
		return worker.MarketSnapshot{}, err
	}
	return resp.(worker.MarketSnapshot), nil
}

// EnsureAccount routes an EnsureAccount request to itemID's worker.
func (p *Pool) EnsureAccount(ctx context.Context, itemID, playerID string, startingBalance float64) error {
	h, err := p.lookup(itemID)
	if err != nil {
		return err
	}
	_, err = h.w.Send(ctx, worker.EnsureAccount{PlayerID: playerID, StartingBalance: startingBalance})
	return err
}

// GetAccount routes a GetAccount request to itemID's worker.
func (p *Pool) GetAccount(ctx context.Context, itemID, playerID string) (worker.AccountSnapshot, error) {
	h, err := p.lookup(itemID)
	if err != nil {
		return worker.AccountSnapshot{}, err
	}
	resp, err := h.w.Send(ctx, worker.GetAccount{PlayerID: playerID})
	if err != nil {
		return worker.AccountSnapshot{}, err
	}
	return resp.(worker.AccountSnapshot), nil
}

// ActiveWorkers reports the number of workers currently registered
// (spawned, whether running or crashed awaiting restart).
func (p *Pool) ActiveWorkers() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.handles.Len()
}

// WorkersRestarted reports the cumulative restart count across every
// worker this pool has ever supervised.
func (p *Pool) WorkersRestarted() int64 {
	return p.restarts.Load()
}

// Stop stops every worker, awaiting each.
func (p *Pool) Stop(ctx context.Context) error {
	p.stopped.Store(true)

	p.mu.Lock()
	items := make([]*handle, 0, p.handles.Len())
	p.handles.Scan(func(h *handle) bool {
		items = append(items, h)
		return true
	})
	p.mu.Unlock()

	var firstErr error
	for _, h := range items {
		h.mu.Lock()
		tb := h.tb
		h.mu.Unlock()
		tb.Kill(nil)
		if err := tb.Wait(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

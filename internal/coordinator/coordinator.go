// Package coordinator implements the tick coordinator and update bus
// (C7): a bounded task queue drained by a fixed pool of runners, a
// periodic ticker that enqueues one MarketTick task per watched item
// (each served by a single pool.Tick call), and a
// many-producer/many-consumer broadcast of MarketUpdate events with
// bounded, drop-oldest subscriber channels. Grounded on the teacher's
// tomb.Tomb supervised-loop idiom (internal/worker.go) generalized from
// one task kind to a queue of polymorphic tasks.
package coordinator

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"fenrir/internal/common"
	"fenrir/internal/config"
	"fenrir/internal/errs"
	"fenrir/internal/pool"

	"github.com/rs/zerolog/log"
	tomb "gopkg.in/tomb.v2"
)

// UpdateType discriminates a MarketUpdate's reason for existing.
type UpdateType string

const (
	// UpdateInit is sent once to a subscriber, immediately on attach,
	// for every item currently spawned, so it never has to wait for the
	// next tick to learn where the market stands.
	UpdateInit UpdateType = "init"
	// UpdatePrice is sent to every subscriber after every tick.
	UpdatePrice UpdateType = "price"
	// UpdateTrade is sent in addition to UpdatePrice whenever a tick
	// actually matched one or more trades.
	UpdateTrade UpdateType = "trade"
)

// MarketUpdate is broadcast on subscriber attach and after every tick.
type MarketUpdate struct {
	Type         UpdateType
	ItemID       string
	CurrentPrice float64
	BestBid      *float64
	BestAsk      *float64
	Trades       []*common.Trade // populated only when Type == UpdateTrade
	Timestamp    time.Time
}

// Stats are read-only counters: orders processed, trades matched,
// updates broadcast, active workers, workers restarted, and the time of
// the last completed tick. Uptime is not tracked.
type Stats struct {
	OrdersProcessed  int64
	TradesMatched    int64
	UpdatesSent      int64
	ActiveWorkers    int
	WorkersRestarted int64
	LastTick         time.Time
}

type taskKind int

const (
	taskProcessOrder taskKind = iota
	taskMarketTick
)

type task struct {
	kind  taskKind
	order *common.Order
	item  string
	done  chan taskResult
}

type taskResult struct {
	submitted any
	err       error
}

const updateBufferPerSubscriber = 64

// Coordinator owns the task queue, the runner pool draining it, the
// periodic tick timer, and the subscriber fan-out.
type Coordinator struct {
	cfg  config.Config
	pool *pool.Pool

	queue chan task

	subMu   sync.Mutex
	subs    map[int]chan MarketUpdate
	nextSub int

	ordersProcessed atomic.Int64
	tradesMatched   atomic.Int64
	updatesSent     atomic.Int64
	dropped         atomic.Int64

	lastTickMu sync.Mutex
	lastTick   time.Time

	watchedItems func() []string
}

// New builds a coordinator over an already-populated pool. watchedItems
// supplies the set of item ids to tick on every timer firing; the
// coordinator calls it fresh each tick so items spawned later are
// picked up automatically.
func New(cfg config.Config, p *pool.Pool, watchedItems func() []string) *Coordinator {
	return &Coordinator{
		cfg:          cfg,
		pool:         p,
		queue:        make(chan task, cfg.QueueCapacity),
		subs:         make(map[int]chan MarketUpdate),
		watchedItems: watchedItems,
	}
}

// Run starts the runner pool and the tick timer under t, and blocks
// until t dies.
func (c *Coordinator) Run(t *tomb.Tomb) error {
	for i := 0; i < c.cfg.WorkerPoolSize; i++ {
		t.Go(func() error { return c.runTaskLoop(t) })
	}
	t.Go(func() error { return c.runTickLoop(t) })
	<-t.Dying()
	return nil
}

func (c *Coordinator) runTaskLoop(t *tomb.Tomb) error {
	for {
		select {
		case <-t.Dying():
			return nil
		case tk := <-c.queue:
			c.execute(tk)
		}
	}
}

func (c *Coordinator) runTickLoop(t *tomb.Tomb) error {
	ticker := time.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.Dying():
			return nil
		case <-ticker.C:
			for _, itemID := range c.watchedItems() {
				itemID := itemID
				select {
				case c.queue <- task{kind: taskMarketTick, item: itemID}:
				default:
					c.dropped.Add(1)
					log.Warn().Str("itemID", itemID).Msg("tick enqueue dropped: queue full")
				}
			}
		}
	}
}

func (c *Coordinator) execute(tk task) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
	defer cancel()

	switch tk.kind {
	case taskProcessOrder:
		resp, err := c.pool.Submit(ctx, tk.order)
		c.ordersProcessed.Add(1)
		if tk.done != nil {
			tk.done <- taskResult{submitted: resp, err: err}
		}
	case taskMarketTick:
		tc, err := c.pool.Tick(ctx, tk.item)
		if err != nil {
			log.Error().Str("itemID", tk.item).Err(err).Msg("tick failed")
			return
		}
		c.tradesMatched.Add(int64(len(tc.Trades)))
		c.lastTickMu.Lock()
		c.lastTick = time.Now()
		c.lastTickMu.Unlock()

		// Best bid/ask come from the worker's own BestBid()/BestAsk(),
		// which skip a resting market order (it has no price); indexing
		// a raw order-book snapshot directly would instead read a market
		// buy's zero price as the best bid.
		market, err := c.pool.GetMarket(ctx, tk.item)
		var bestBid, bestAsk *float64
		if err == nil {
			bestBid = market.BestBid
			bestAsk = market.BestAsk
		}

		c.publish(MarketUpdate{
			Type:         UpdatePrice,
			ItemID:       tk.item,
			CurrentPrice: tc.CurrentPrice,
			BestBid:      bestBid,
			BestAsk:      bestAsk,
			Timestamp:    time.Now(),
		})

		if len(tc.Trades) > 0 {
			c.publish(MarketUpdate{
				Type:         UpdateTrade,
				ItemID:       tk.item,
				CurrentPrice: tc.CurrentPrice,
				BestBid:      bestBid,
				BestAsk:      bestAsk,
				Trades:       tc.Trades,
				Timestamp:    time.Now(),
			})
		}
	}
}

// ProcessOrder enqueues order for asynchronous submission, returning
// errs.Backpressure if the queue is full rather than blocking the
// caller.
func (c *Coordinator) ProcessOrder(ctx context.Context, order *common.Order) (any, error) {
	done := make(chan taskResult, 1)
	select {
	case c.queue <- task{kind: taskProcessOrder, order: order, done: done}:
	default:
		return nil, errs.New(errs.Backpressure, "order queue is full")
	}

	select {
	case r := <-done:
		return r.submitted, r.err
	case <-ctx.Done():
		return nil, errs.Wrap(errs.Timeout, "order processing did not complete in time", ctx.Err())
	}
}

// Subscribe returns a channel of MarketUpdate events and an unsubscribe
// func. The channel is bounded; a slow subscriber drops its oldest
// buffered update rather than stalling the publisher. Immediately on
// attach, the subscriber receives one UpdateInit event per currently
// spawned item so it has a starting snapshot instead of waiting for the
// next tick.
func (c *Coordinator) Subscribe(ctx context.Context) (<-chan MarketUpdate, func()) {
	ch := make(chan MarketUpdate, updateBufferPerSubscriber)

	c.subMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	c.subMu.Unlock()

	for _, itemID := range c.pool.Items() {
		snap, err := c.pool.GetMarket(ctx, itemID)
		if err != nil {
			continue
		}
		select {
		case ch <- MarketUpdate{
			Type:         UpdateInit,
			ItemID:       itemID,
			CurrentPrice: snap.CurrentPrice,
			BestBid:      snap.BestBid,
			BestAsk:      snap.BestAsk,
			Timestamp:    time.Now(),
		}:
		default:
		}
	}

	return ch, func() {
		c.subMu.Lock()
		delete(c.subs, id)
		c.subMu.Unlock()
	}
}

func (c *Coordinator) publish(update MarketUpdate) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, ch := range c.subs {
		select {
		case ch <- update:
		default:
			// Drop the oldest buffered update to make room, per
			// spec.md's backpressure policy for the update bus.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- update:
			default:
			}
		}
	}
	c.updatesSent.Add(1)
}

// Stats returns a snapshot of the coordinator's read-only counters.
func (c *Coordinator) Stats() Stats {
	c.lastTickMu.Lock()
	lastTick := c.lastTick
	c.lastTickMu.Unlock()

	return Stats{
		OrdersProcessed:  c.ordersProcessed.Load(),
		TradesMatched:    c.tradesMatched.Load(),
		UpdatesSent:      c.updatesSent.Load(),
		ActiveWorkers:    c.pool.ActiveWorkers(),
		WorkersRestarted: c.pool.WorkersRestarted(),
		LastTick:         lastTick,
	}
}

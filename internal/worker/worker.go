package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"fenrir/internal/book"
	"fenrir/internal/common"
	"fenrir/internal/config"
	"fenrir/internal/errs"
	"fenrir/internal/ledger"
	"fenrir/internal/priceengine"

	"github.com/rs/zerolog/log"
	tomb "gopkg.in/tomb.v2"
)

// State is the worker's lifecycle state (spec.md §4.5).
type State int32

const (
	Stopped State = iota
	Starting
	Running
	Stopping
	Crashed
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Crashed:
		return "crashed"
	default:
		return "unknown"
	}
}

// Stats are read-only counters exposed on demand.
type Stats struct {
	OrdersProcessed int64
	TradesMatched   int64
}

type call struct {
	req    Request
	respCh chan result
}

type result struct {
	resp any
	err  error
}

const inboxCapacity = 256

// Worker owns exactly one book, one price engine, and the ledger slice
// for players who have traded its item. It is a serial agent: one
// request is handled at a time, mirroring the teacher's tomb.Tomb
// actor idiom (internal/net/server.go, internal/worker.go).
type Worker struct {
	ItemID string
	cfg    config.Config

	book   *book.Book
	engine *priceengine.Engine
	ledger *ledger.Ledger

	state         atomic.Int32
	crashCount    int
	lastCrashTime time.Time

	inbox chan call
	t     *tomb.Tomb

	// orderOwners maps a resting or just-matched order id back to its
	// player, so Tick's settlement step can credit/debit the right
	// account after the book has already popped a filled order out of
	// its own index.
	orderOwners map[string]string

	// reservedUnitPrice records, per buy order id, the per-unit price
	// that was actually reserved at submission (order.Price for a limit
	// buy, the engine's current price at submission time for a market
	// buy). Settlement needs this to refund the gap between what was
	// reserved and what the trade actually cost when the fill price
	// improves on the reservation.
	reservedUnitPrice map[string]float64

	ordersProcessed atomic.Int64
	tradesMatched   atomic.Int64

	mu sync.Mutex // guards crashCount/lastCrashTime, read by CrashCount/LastCrashTime
}

// New constructs a worker for itemID but does not start it; callers
// start Run and then send Initialize, which Run's loop serves (as
// pool.Spawn does).
func New(itemID string, cfg config.Config, rng priceengine.RNG) *Worker {
	w := &Worker{
		ItemID:            itemID,
		cfg:               cfg,
		book:              book.New(itemID),
		ledger:            ledger.New(),
		inbox:             make(chan call, inboxCapacity),
		orderOwners:       make(map[string]string),
		reservedUnitPrice: make(map[string]float64),
	}
	w.engine = priceengine.New(priceengine.State{
		ItemID:         itemID,
		Drift:          cfg.Drift,
		Volatility:     cfg.Volatility,
		TimeStep:       cfg.TimeStep,
		BaseAdjustment: cfg.BaseAdjustment,
		PressureFactor: cfg.PressureFactor,
		TimeWindow:     cfg.TimeWindow,
		PriceFloor:     cfg.PriceFloor,
	}, rng, time.Now)
	w.state.Store(int32(Starting))
	return w
}

// State reports the worker's current lifecycle state.
func (w *Worker) State() State { return State(w.state.Load()) }

// CrashCount and LastCrashTime report restart bookkeeping, used by the
// pool's exponential backoff policy.
func (w *Worker) CrashCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.crashCount
}

func (w *Worker) LastCrashTime() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastCrashTime
}

// Stats returns read-only counters.
func (w *Worker) Stats() Stats {
	return Stats{
		OrdersProcessed: w.ordersProcessed.Load(),
		TradesMatched:   w.tradesMatched.Load(),
	}
}

// Run starts the worker's actor loop under t. It returns when t dies:
// cleanly (stop requested) with nil, or with a non-nil error if a
// request handler panicked, in which case Run has already marked this
// worker Crashed and the caller (pool) schedules a restart.
func (w *Worker) Run(t *tomb.Tomb) error {
	w.t = t
	w.state.Store(int32(Running))
	log.Info().Str("itemID", w.ItemID).Msg("worker starting")

	for {
		select {
		case <-t.Dying():
			w.state.Store(int32(Stopping))
			w.drain()
			w.state.Store(int32(Stopped))
			log.Info().Str("itemID", w.ItemID).Msg("worker stopped")
			return nil
		case c := <-w.inbox:
			if err := w.handleSafely(c); err != nil {
				w.mu.Lock()
				w.crashCount++
				w.lastCrashTime = time.Now()
				w.mu.Unlock()
				w.state.Store(int32(Crashed))
				log.Error().Str("itemID", w.ItemID).Err(err).Msg("worker crashed")
				return err
			}
		}
	}
}

// drain fails every call still queued in the inbox with
// WORKER_UNAVAILABLE so no caller blocks forever on a stopped worker.
func (w *Worker) drain() {
	for {
		select {
		case c := <-w.inbox:
			c.respCh <- result{err: errs.New(errs.WorkerUnavailable, "worker is stopping")}
		default:
			return
		}
	}
}

// handleSafely dispatches one request, recovering from a panic so the
// in-flight caller gets WORKER_UNAVAILABLE instead of hanging, and
// propagates the panic as an error so Run can crash the worker.
func (w *Worker) handleSafely(c call) (crashErr error) {
	defer func() {
		if r := recover(); r != nil {
			c.respCh <- result{err: errs.New(errs.WorkerUnavailable, "worker crashed mid-request")}
			crashErr = fmt.Errorf("panic handling %T: %v", c.req, r)
		}
	}()

	resp, err := w.dispatch(c.req)
	c.respCh <- result{resp: resp, err: err}
	return nil
}

// Send delivers req to the worker and blocks for a response or ctx's
// deadline, matching spec.md's bounded per-request timeout. It is safe
// to call from any goroutine (the dispatcher, tests).
func (w *Worker) Send(ctx context.Context, req Request) (any, error) {
	if w.State() == Crashed || w.State() == Stopping || w.State() == Stopped {
		return nil, errs.New(errs.WorkerUnavailable, "worker is "+w.State().String())
	}

	respCh := make(chan result, 1)
	select {
	case w.inbox <- call{req: req, respCh: respCh}:
	case <-ctx.Done():
		return nil, errs.Wrap(errs.Timeout, "worker inbox did not accept request in time", ctx.Err())
	}

	select {
	case r := <-respCh:
		return r.resp, r.err
	case <-ctx.Done():
		return nil, errs.Wrap(errs.Timeout, "worker did not respond in time", ctx.Err())
	}
}

func (w *Worker) dispatch(req Request) (any, error) {
	switch r := req.(type) {
	case Initialize:
		return w.handleInitialize(r)
	case Submit:
		return w.handleSubmit(r)
	case Cancel:
		return w.handleCancel(r)
	case GetOrderBook:
		return w.handleGetOrderBook(r)
	case GetMarket:
		return w.handleGetMarket(r)
	case EnsureAccount:
		return w.handleEnsureAccount(r)
	case GetAccount:
		return w.handleGetAccount(r)
	case Tick:
		return w.handleTick(r)
	case ForceCrash:
		panic("forced crash via ForceCrash request")
	default:
		return nil, errs.New(errs.Invariant, fmt.Sprintf("unhandled request type %T", req))
	}
}

func (w *Worker) handleInitialize(r Initialize) (any, error) {
	w.engine.State.CurrentPrice = r.InitialPrice
	return Acknowledged{}, nil
}

// handleSubmit reserves resources and places the order. The reserved
// amount for a buy is price*quantity, or currentPrice*quantity for a
// market buy (no limit price is available as a reference). A sell
// reserves the inventory it offers; sellers without enough inventory
// are rejected here rather than allowed to mint inventory later (per
// spec.md's design-note resolution of the lazy-account/auto-mint bug).
func (w *Worker) handleSubmit(r Submit) (any, error) {
	order := r.Order
	if order.Kind == common.Limit && order.Price <= 0 {
		return nil, errs.New(errs.Validation, "limit order requires a positive price")
	}
	if order.Quantity <= 0 {
		return nil, errs.New(errs.Validation, "order quantity must be positive")
	}

	acct := w.ledger.GetOrCreate(order.PlayerID, w.cfg.StartingBalance)

	var reservedUnitPrice float64
	switch order.Side {
	case common.Buy:
		reservedUnitPrice = order.Price
		if order.IsMarket() {
			reservedUnitPrice = w.engine.State.CurrentPrice
		}
		reserve := reservedUnitPrice * order.Quantity
		if !w.ledger.HasBalance(acct.PlayerID, reserve) {
			return nil, errs.New(errs.InsufficientFunds, "insufficient balance to reserve order")
		}
		if err := w.ledger.AdjustBalance(acct.PlayerID, -reserve); err != nil {
			return nil, err
		}
	case common.Sell:
		if !w.ledger.HasInventory(acct.PlayerID, order.ItemID, order.Quantity) {
			return nil, errs.New(errs.InsufficientInventory, "insufficient inventory to reserve order")
		}
		if err := w.ledger.AdjustInventory(acct.PlayerID, order.ItemID, -order.Quantity); err != nil {
			return nil, err
		}
	}

	if err := w.book.Add(order); err != nil {
		// Refund whatever was just reserved; the book rejected the
		// order so nothing should be left debited.
		w.refundReservationAt(order, reservedUnitPrice)
		return nil, err
	}
	w.orderOwners[order.ID] = order.PlayerID
	if order.Side == common.Buy {
		w.reservedUnitPrice[order.ID] = reservedUnitPrice
	}

	w.engine.RecordOrder(order.Side == common.Buy, order.Quantity)
	w.ordersProcessed.Add(1)

	return OrderSubmitted{OrderID: order.ID, Trades: nil}, nil
}

// refundReservationAt refunds order's reservation at unitPrice, the
// per-unit price actually locked in at submission time. A market buy's
// reservation cannot be recovered from order.Price (always zero), and
// re-reading the engine's current price at refund time would refund the
// wrong amount once the price has since moved — so the caller always
// supplies the price that was reserved, not the price that is current.
func (w *Worker) refundReservationAt(order *common.Order, unitPrice float64) {
	switch order.Side {
	case common.Buy:
		_ = w.ledger.AdjustBalance(order.PlayerID, unitPrice*order.Quantity)
	case common.Sell:
		_ = w.ledger.AdjustInventory(order.PlayerID, order.ItemID, order.Quantity)
	}
}

func (w *Worker) handleCancel(r Cancel) (any, error) {
	order, ok := w.book.Get(r.OrderID)
	if !ok {
		return nil, errs.New(errs.UnknownOrder, "no such order")
	}
	if !w.book.Remove(r.OrderID) {
		return nil, errs.New(errs.UnknownOrder, "no such order")
	}

	w.refundReservationAt(order, w.reservedUnitPrice[r.OrderID])
	delete(w.orderOwners, r.OrderID)
	delete(w.reservedUnitPrice, r.OrderID)
	return OrderCancelled{OrderID: r.OrderID}, nil
}

func (w *Worker) handleGetOrderBook(r GetOrderBook) (any, error) {
	return OrderBookSnapshot{Bids: w.book.Bids(), Asks: w.book.Asks()}, nil
}

func (w *Worker) handleGetMarket(r GetMarket) (any, error) {
	var bestBid, bestAsk *float64
	if p, ok := w.book.BestBid(); ok {
		bestBid = &p
	}
	if p, ok := w.book.BestAsk(); ok {
		bestAsk = &p
	}
	return MarketSnapshot{
		CurrentPrice: w.engine.State.CurrentPrice,
		Volatility:   w.engine.State.Volatility,
		BestBid:      bestBid,
		BestAsk:      bestAsk,
	}, nil
}

// handleEnsureAccount seeds an account the first time a player is seen
// on this item; it never resets an existing balance, so calling it
// repeatedly with different startingBalance values after the first is
// a no-op.
func (w *Worker) handleEnsureAccount(r EnsureAccount) (any, error) {
	w.ledger.GetOrCreate(r.PlayerID, r.StartingBalance)
	return Acknowledged{}, nil
}

func (w *Worker) handleGetAccount(r GetAccount) (any, error) {
	snap, ok := w.ledger.Snapshot(r.PlayerID)
	if !ok {
		return nil, errs.New(errs.Validation, "no account for player "+r.PlayerID+" on this item")
	}
	return AccountSnapshot{Balance: snap.Balance, Inventory: snap.Inventory}, nil
}

// handleTick steps the engine and runs the matcher, settling both
// sides of every trade: the buyer gains inventory, the seller gains
// cash at the trade price.
func (w *Worker) handleTick(r Tick) (any, error) {
	price := w.engine.Step()
	trades := w.book.Match()

	for _, trade := range trades {
		w.settleTrade(trade)
	}
	w.tradesMatched.Add(int64(len(trades)))

	return TickCompleted{Trades: trades, CurrentPrice: price}, nil
}

// settleTrade credits the buyer's inventory and the seller's cash at
// the trade price, then forgets any order id the book has fully
// consumed. Trades only carry order ids, so settlement needs a side
// channel back to each order's owner; orderOwners is that channel.
//
// A buy reserves quantity at its own limit price (or the engine's
// current price, for a market buy) when submitted, but book.Match
// settles a cross against a limit ask at the ask's price. Whenever that trade price
// undercuts what the buyer reserved, the difference is still sitting in
// the buyer's balance as an over-reservation and must be handed back
// here rather than silently absorbed by the worker.
func (w *Worker) settleTrade(trade *common.Trade) {
	if buyer, ok := w.orderOwners[trade.BuyOrderID]; ok {
		if err := w.ledger.AdjustInventory(buyer, trade.ItemID, trade.Quantity); err != nil {
			log.Error().Str("itemID", w.ItemID).Err(err).Msg("failed to credit buyer inventory on settlement")
		}
		if reservedUnitPrice, ok := w.reservedUnitPrice[trade.BuyOrderID]; ok {
			refund := (reservedUnitPrice - trade.Price) * trade.Quantity
			if refund != 0 {
				if err := w.ledger.AdjustBalance(buyer, refund); err != nil {
					log.Error().Str("itemID", w.ItemID).Err(err).Msg("failed to refund buyer's price-improved reservation")
				}
			}
		}
	}
	if seller, ok := w.orderOwners[trade.SellOrderID]; ok {
		if err := w.ledger.AdjustBalance(seller, trade.Price*trade.Quantity); err != nil {
			log.Error().Str("itemID", w.ItemID).Err(err).Msg("failed to credit seller balance on settlement")
		}
	}

	if _, stillResting := w.book.Get(trade.BuyOrderID); !stillResting {
		delete(w.orderOwners, trade.BuyOrderID)
		delete(w.reservedUnitPrice, trade.BuyOrderID)
	}
	if _, stillResting := w.book.Get(trade.SellOrderID); !stillResting {
		delete(w.orderOwners, trade.SellOrderID)
	}
}

// Package worker implements the per-instrument market worker (C5): an
// actor that owns one order book, one price engine, and the ledger
// slice for players who have traded its item, and serves a tagged
// request/response protocol one request at a time.
package worker

import "fenrir/internal/common"

// Request is the sealed set of messages a worker accepts.
type Request interface{ isRequest() }

// Initialize sets the price engine's starting price. The worker is
// already Running by the time its loop serves this request.
type Initialize struct {
	ItemID       string
	InitialPrice float64
}

// Submit reserves funds or inventory and places order in the book. No
// matching occurs on submission.
type Submit struct {
	Order *common.Order
}

// Cancel removes orderID from the book and refunds the unfilled
// remainder.
type Cancel struct {
	OrderID string
}

// GetOrderBook requests a snapshot of both sides of the book.
type GetOrderBook struct{}

// GetMarket requests the current price, volatility, and top of book.
type GetMarket struct{}

// EnsureAccount seeds playerID's account with startingBalance if this
// worker has never seen the player before; idempotent otherwise.
type EnsureAccount struct {
	PlayerID        string
	StartingBalance float64
}

// GetAccount requests playerID's balance and inventory as known to this
// worker (scoped to the single item the worker trades).
type GetAccount struct {
	PlayerID string
}

// Tick steps the price engine and runs the matcher once.
type Tick struct{}

// ForceCrash deliberately panics the handler, exercising the same
// crash/restart path a genuine handler bug would take. It exists so the
// pool's supervised-restart behavior (backoff, state preservation) can
// be triggered on demand instead of only by an actual bug.
type ForceCrash struct{}

func (Initialize) isRequest()    {}
func (Submit) isRequest()        {}
func (Cancel) isRequest()        {}
func (GetOrderBook) isRequest()  {}
func (GetMarket) isRequest()     {}
func (EnsureAccount) isRequest() {}
func (GetAccount) isRequest()    {}
func (Tick) isRequest()          {}
func (ForceCrash) isRequest()    {}

// Acknowledged confirms Initialize.
type Acknowledged struct{}

// OrderSubmitted confirms Submit. Trades is always empty: matching
// happens on Tick, never on submission.
type OrderSubmitted struct {
	OrderID string
	Trades  []*common.Trade
}

// OrderCancelled confirms Cancel.
type OrderCancelled struct {
	OrderID string
}

// OrderBookSnapshot answers GetOrderBook.
type OrderBookSnapshot struct {
	Bids []*common.Order
	Asks []*common.Order
}

// TickCompleted answers Tick.
type TickCompleted struct {
	Trades       []*common.Trade
	CurrentPrice float64
}

// MarketSnapshot answers GetMarket.
type MarketSnapshot struct {
	CurrentPrice float64
	Volatility   float64
	BestBid      *float64
	BestAsk      *float64
}

// AccountSnapshot answers GetAccount.
type AccountSnapshot struct {
	Balance   float64
	Inventory map[string]float64
}

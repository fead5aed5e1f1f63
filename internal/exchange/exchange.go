// Package exchange implements the dispatch façade (C8): the single
// public entry point a caller uses to create a session, submit and
// cancel orders, read a market or order book, and subscribe to the
// update bus, without knowing that any of it is backed by per-item
// actors. Grounded on the teacher's top-level Engine (internal/engine/
// engine.go), which plays the same "one object, many instruments"
// role over its own orderbook map.
package exchange

import (
	"context"
	"sync"
	"time"

	"fenrir/internal/common"
	"fenrir/internal/config"
	"fenrir/internal/coordinator"
	"fenrir/internal/errs"
	"fenrir/internal/pool"
	"fenrir/internal/worker"

	"github.com/google/uuid"
)

// OrderRequest is submit_order's input shape.
type OrderRequest struct {
	ItemID   string
	Side     common.Side
	Kind     common.Kind
	Price    float64
	Quantity float64
}

// Market is get_market's response shape.
type Market struct {
	ItemID       string
	CurrentPrice float64
	Volatility   float64
	BestBid      *float64
	BestAsk      *float64
}

// Account is get_account's response shape, aggregated across every
// item the player has traded.
type Account struct {
	Balance   float64
	Inventory map[string]float64
}

// Exchange is the façade. It is safe for concurrent use.
type Exchange struct {
	cfg   config.Config
	pool  *pool.Pool
	coord *coordinator.Coordinator

	mu       sync.Mutex
	sessions map[string]float64 // playerID -> starting balance at session creation
	homeItem map[string]string  // playerID -> first item traded, for balance lookup
}

// New builds a façade over an already-running pool and coordinator.
func New(cfg config.Config, p *pool.Pool, c *coordinator.Coordinator) *Exchange {
	return &Exchange{
		cfg:      cfg,
		pool:     p,
		coord:    c,
		sessions: make(map[string]float64),
		homeItem: make(map[string]string),
	}
}

// CreateSession registers a new player with initialBalance and returns
// its id. initialBalance seeds the player's account the first time
// they trade on each item (spec.md's per-item account scoping means
// there is no single global balance to credit up front).
func (e *Exchange) CreateSession(initialBalance float64) string {
	playerID := uuid.NewString()
	e.mu.Lock()
	e.sessions[playerID] = initialBalance
	e.mu.Unlock()
	return playerID
}

// SubmitOrder validates req, ensures the player has an account on
// req.ItemID, and forwards the order to the tick coordinator's order
// queue. status is "accepted" unless the worker rejects it, in which
// case the error carries the reason (errs.InsufficientFunds,
// errs.InsufficientInventory, errs.Validation, errs.NoWorker, ...).
func (e *Exchange) SubmitOrder(ctx context.Context, playerID string, req OrderRequest) (orderID string, status string, err error) {
	e.mu.Lock()
	startingBalance, known := e.sessions[playerID]
	if !known {
		e.mu.Unlock()
		return "", "", errs.New(errs.Validation, "unknown player: call CreateSession first")
	}
	if _, hasHome := e.homeItem[playerID]; !hasHome {
		e.homeItem[playerID] = req.ItemID
	}
	e.mu.Unlock()

	if req.Quantity <= 0 {
		return "", "", errs.New(errs.Validation, "quantity must be positive")
	}
	if req.Kind == common.Limit && req.Price <= 0 {
		return "", "", errs.New(errs.Validation, "limit order requires a positive price")
	}

	if err := e.pool.EnsureAccount(ctx, req.ItemID, playerID, startingBalance); err != nil {
		return "", "", err
	}

	order := &common.Order{
		ID:            uuid.NewString(),
		PlayerID:      playerID,
		ItemID:        req.ItemID,
		Side:          req.Side,
		Kind:          req.Kind,
		Price:         req.Price,
		Quantity:      req.Quantity,
		TotalQuantity: req.Quantity,
		Timestamp:     time.Now(),
		Status:        common.Pending,
	}

	resp, err := e.coord.ProcessOrder(ctx, order)
	if err != nil {
		return "", "", err
	}
	submitted := resp.(worker.OrderSubmitted)
	return submitted.OrderID, "accepted", nil
}

// CancelOrder removes orderID from itemID's book and refunds whatever
// it had reserved.
func (e *Exchange) CancelOrder(ctx context.Context, itemID, orderID string) error {
	_, err := e.pool.Cancel(ctx, itemID, orderID)
	return err
}

// GetOrderBook returns a snapshot of itemID's resting bids and asks.
func (e *Exchange) GetOrderBook(ctx context.Context, itemID string) (worker.OrderBookSnapshot, error) {
	return e.pool.GetOrderBook(ctx, itemID)
}

// GetMarket returns itemID's current price, volatility, and top of book.
func (e *Exchange) GetMarket(ctx context.Context, itemID string) (Market, error) {
	snap, err := e.pool.GetMarket(ctx, itemID)
	if err != nil {
		return Market{}, err
	}
	return Market{
		ItemID:       itemID,
		CurrentPrice: snap.CurrentPrice,
		Volatility:   snap.Volatility,
		BestBid:      snap.BestBid,
		BestAsk:      snap.BestAsk,
	}, nil
}

// GetAccount aggregates playerID's balance and inventory across every
// item it has traded: inventory is merged (item ids are disjoint per
// worker, so this is exact), while balance is read from the player's
// home item — the first item they ever traded on — since each worker
// keeps an independent copy of spec.md's per-item AccountState rather
// than one global ledger.
func (e *Exchange) GetAccount(ctx context.Context, playerID string) (Account, error) {
	e.mu.Lock()
	startingBalance, known := e.sessions[playerID]
	home := e.homeItem[playerID]
	e.mu.Unlock()
	if !known {
		return Account{}, errs.New(errs.Validation, "unknown player")
	}

	out := Account{Balance: startingBalance, Inventory: make(map[string]float64)}
	for _, itemID := range e.pool.Items() {
		snap, err := e.pool.GetAccount(ctx, itemID, playerID)
		if err != nil {
			continue // player has never traded this item
		}
		for item, qty := range snap.Inventory {
			out.Inventory[item] += qty
		}
		if itemID == home {
			out.Balance = snap.Balance
		}
	}
	return out, nil
}

// SubscribeMarket returns a stream of MarketUpdate events and an
// unsubscribe func.
func (e *Exchange) SubscribeMarket(ctx context.Context) (<-chan coordinator.MarketUpdate, func()) {
	return e.coord.Subscribe(ctx)
}

// Package book implements the double-sided limit order book (C2): two
// price-time priority heaps plus an id index, and the matching loop
// that sweeps crossing orders into trades. It generalizes the teacher's
// three competing book designs (internal/order_book.go,
// internal/book/{buy,sell}_book.go, internal/engine/orderbook.go) into
// one, built on the heap.Heap primitive from internal/heap.
package book

import (
	"math"
	"time"

	"fenrir/internal/common"
	"fenrir/internal/errs"
	"fenrir/internal/heap"

	"github.com/rs/zerolog/log"
)

// Clock is the type of the book's trade-timestamp source; matches
// spec.md's clock.now() external collaborator. New always installs
// time.Now and the book exposes no way to replace it.
type Clock func() time.Time

// Book is one instrument's order book. It is owned exclusively by the
// market worker that created it; nothing else may touch it concurrently.
type Book struct {
	ItemID string

	bids *heap.Heap[*common.Order]
	asks *heap.Heap[*common.Order]
	index map[string]*common.Order

	nextTradeID uint64
	now         Clock
}

// New builds an empty book for itemID. A market buy is always the most
// aggressive bid and a market sell always the most aggressive ask, so
// they sort ahead of every limit order on their side regardless of
// price; within the same effective price, earlier timestamp wins.
func New(itemID string) *Book {
	bidLess := func(a, b *common.Order) bool {
		pa, pb := effectivePrice(a), effectivePrice(b)
		if pa == pb {
			return a.Timestamp.Before(b.Timestamp)
		}
		return pa > pb
	}
	askLess := func(a, b *common.Order) bool {
		pa, pb := effectivePrice(a), effectivePrice(b)
		if pa == pb {
			return a.Timestamp.Before(b.Timestamp)
		}
		return pa < pb
	}
	return &Book{
		ItemID: itemID,
		bids:   heap.New(bidLess),
		asks:   heap.New(askLess),
		index:  make(map[string]*common.Order),
		now:    time.Now,
	}
}

// effectivePrice gives market orders a price that always wins priority
// on their own side: +Inf for a market buy (most aggressive bid), -Inf
// for a market sell (most aggressive ask).
func effectivePrice(o *common.Order) float64 {
	if !o.IsMarket() {
		return o.Price
	}
	if o.Side == common.Buy {
		return math.Inf(1)
	}
	return math.Inf(-1)
}

// Add places order in the correct heap by side and records it in the id
// index. Rejects malformed orders: limit orders must carry a price,
// quantity must be positive, and the id must not already be in the book.
func (b *Book) Add(order *common.Order) error {
	if order.Kind == common.Limit && order.Price <= 0 {
		return errs.New(errs.Validation, "limit order requires a positive price")
	}
	if order.Quantity <= 0 {
		return errs.New(errs.Validation, "order quantity must be positive")
	}
	if _, exists := b.index[order.ID]; exists {
		return errs.New(errs.Validation, "order id already present in book")
	}

	switch order.Side {
	case common.Buy:
		b.bids.Push(order)
	case common.Sell:
		b.asks.Push(order)
	default:
		return errs.New(errs.Validation, "unknown order side")
	}
	b.index[order.ID] = order
	return nil
}

// Remove deletes orderID from its heap and the id index. Idempotent:
// returns false if the order is not resting in the book.
func (b *Book) Remove(orderID string) bool {
	order, ok := b.index[orderID]
	if !ok {
		return false
	}
	var removed bool
	switch order.Side {
	case common.Buy:
		removed = b.bids.RemoveFirst(func(o *common.Order) bool { return o.ID == orderID })
	case common.Sell:
		removed = b.asks.RemoveFirst(func(o *common.Order) bool { return o.ID == orderID })
	}
	if !removed {
		// Index and heap disagree: a bug, not a user-facing condition.
		log.Error().Str("itemID", b.ItemID).Str("orderID", orderID).Msg("book invariant violated: id index out of sync with heap")
		return false
	}
	delete(b.index, orderID)
	return true
}

// Get returns a snapshot (defensive copy) of orderID's resting order.
func (b *Book) Get(orderID string) (*common.Order, bool) {
	order, ok := b.index[orderID]
	if !ok {
		return nil, false
	}
	return order.Clone(), true
}

// BestBid returns the highest resting bid price, if any limit bid rests
// (a resting market buy has no price to report).
func (b *Book) BestBid() (float64, bool) {
	return bestLimitPrice(b.bids)
}

// BestAsk returns the lowest resting ask price, if any limit ask rests.
func (b *Book) BestAsk() (float64, bool) {
	return bestLimitPrice(b.asks)
}

func bestLimitPrice(h *heap.Heap[*common.Order]) (float64, bool) {
	top, ok := h.Peek()
	if !ok || top.IsMarket() {
		return 0, false
	}
	return top.Price, true
}

// Bids returns a price-time-priority-ordered snapshot of resting buy
// orders for inspection (GetOrderBook). Heap.Snapshot is not globally
// sorted, so the result is sorted here for a stable, readable view.
func (b *Book) Bids() []*common.Order {
	return sortedSnapshot(b.bids, true)
}

// Asks returns a price-time-priority-ordered snapshot of resting sell
// orders.
func (b *Book) Asks() []*common.Order {
	return sortedSnapshot(b.asks, false)
}

func sortedSnapshot(h *heap.Heap[*common.Order], descending bool) []*common.Order {
	items := h.Snapshot()
	out := make([]*common.Order, len(items))
	for i, o := range items {
		out[i] = o.Clone()
	}
	// Simple insertion sort: books are small enough (per-instrument,
	// per-worker) that this never shows up in a profile.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0; j-- {
			pa, pb := effectivePrice(out[j]), effectivePrice(out[j-1])
			var outOfOrder bool
			if pa == pb {
				outOfOrder = out[j].Timestamp.Before(out[j-1].Timestamp)
			} else if descending {
				outOfOrder = pa > pb
			} else {
				outOfOrder = pa < pb
			}
			if !outOfOrder {
				break
			}
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// Match repeatedly consumes the best bid/ask pair while they cross,
// emitting one Trade per consumed quantity. It never fails: absence of
// a crossing pair is a normal terminal state.
func (b *Book) Match() []*common.Trade {
	var trades []*common.Trade

	for {
		bid, bidOK := b.bids.Peek()
		ask, askOK := b.asks.Peek()
		if !bidOK || !askOK {
			break
		}

		crosses := bid.IsMarket() || ask.IsMarket() || bid.Price >= ask.Price
		if !crosses {
			break
		}

		if bid.IsMarket() && ask.IsMarket() {
			// No reference price is recoverable from the book alone;
			// this combination should not occur because market orders
			// are matched immediately against resting liquidity.
			log.Warn().Str("itemID", b.ItemID).Msg("refusing to match two market orders with no reference price")
			break
		}

		price := tradePrice(bid, ask)
		qty := min(bid.Quantity, ask.Quantity) // builtin min (go1.21+)

		b.nextTradeID++
		trade := &common.Trade{
			ID:          b.nextTradeID,
			BuyOrderID:  bid.ID,
			SellOrderID: ask.ID,
			ItemID:      b.ItemID,
			Quantity:    qty,
			Price:       price,
			Timestamp:   b.now(),
		}
		trades = append(trades, trade)

		bid.Quantity -= qty
		ask.Quantity -= qty

		if bid.Quantity == 0 {
			bid.Status = common.Filled
			b.bids.Pop()
			delete(b.index, bid.ID)
		} else {
			bid.Status = common.Partial
		}

		if ask.Quantity == 0 {
			ask.Status = common.Filled
			b.asks.Pop()
			delete(b.index, ask.ID)
		} else {
			ask.Status = common.Partial
		}
	}

	return trades
}

// tradePrice implements spec.md's trade-price rule: a market order
// trades at the opposing limit's price; two crossing limits trade at
// the resting ask's price (the teacher's unconditional convention,
// preserved per spec.md's open-question resolution).
func tradePrice(bid, ask *common.Order) float64 {
	switch {
	case bid.IsMarket() && !ask.IsMarket():
		return ask.Price
	case ask.IsMarket() && !bid.IsMarket():
		return bid.Price
	default:
		return ask.Price
	}
}

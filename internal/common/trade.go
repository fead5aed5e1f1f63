package common

import (
	"fmt"
	"time"
)

// Trade is immutable once emitted by a book's matcher: the core never
// stores it past the Tick response that carries it out.
type Trade struct {
	ID          uint64 // monotonic per book
	BuyOrderID  string
	SellOrderID string
	ItemID      string
	Quantity    float64
	Price       float64
	Timestamp   time.Time
}

func (t Trade) String() string {
	return fmt.Sprintf(
		`ID:          %d
ItemID:      %s
BuyOrderID:  %s
SellOrderID: %s
Quantity:    %g
Price:       %f
Timestamp:   %v`,
		t.ID,
		t.ItemID,
		t.BuyOrderID,
		t.SellOrderID,
		t.Quantity,
		t.Price,
		t.Timestamp.Format(time.RFC3339),
	)
}

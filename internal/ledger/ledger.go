// Package ledger implements per-player account bookkeeping (C4): a
// balance and a per-item inventory, with try-apply semantics so a
// failed adjustment never leaves partial state behind. This realizes
// spec.md's design note "typed pre-checks, not post-checks."
package ledger

import (
	"fenrir/internal/errs"
)

// dustEpsilon absorbs float64 rounding noise left behind by repeated
// fractional-quantity settlement, so a holding that should be exactly
// zero actually gets purged from the inventory map.
const dustEpsilon = 1e-9

// Account is one player's balance and inventory, scoped to the single
// item the owning worker trades (spec.md §3: a worker owns the
// AccountState entries for players who have interacted with its item).
type Account struct {
	PlayerID  string
	Balance   float64
	Inventory map[string]float64
}

// Snapshot returns a deep copy; the caller cannot mutate ledger state
// through the returned value.
func (a *Account) Snapshot() Account {
	inv := make(map[string]float64, len(a.Inventory))
	for k, v := range a.Inventory {
		inv[k] = v
	}
	return Account{PlayerID: a.PlayerID, Balance: a.Balance, Inventory: inv}
}

// Ledger holds every account a single worker has created so far.
type Ledger struct {
	accounts map[string]*Account
}

// New builds an empty ledger.
func New() *Ledger {
	return &Ledger{accounts: make(map[string]*Account)}
}

// GetOrCreate returns playerID's account, creating it with
// startingBalance on first reference.
func (l *Ledger) GetOrCreate(playerID string, startingBalance float64) *Account {
	acct, ok := l.accounts[playerID]
	if !ok {
		acct = &Account{
			PlayerID:  playerID,
			Balance:   startingBalance,
			Inventory: make(map[string]float64),
		}
		l.accounts[playerID] = acct
	}
	return acct
}

// Snapshot returns a defensive copy of playerID's account, or false if
// the player has never been referenced.
func (l *Ledger) Snapshot(playerID string) (Account, bool) {
	acct, ok := l.accounts[playerID]
	if !ok {
		return Account{}, false
	}
	return acct.Snapshot(), true
}

// Restore overwrites playerID's account with snap, used to undo a
// partially-applied sequence (the ledger itself never leaves partial
// state, but callers composing several ledger calls as one logical
// operation can use this to roll back).
func (l *Ledger) Restore(snap Account) {
	cp := snap.Snapshot()
	l.accounts[snap.PlayerID] = &cp
}

// HasBalance reports whether playerID's account (if any) can cover
// amount without going negative.
func (l *Ledger) HasBalance(playerID string, amount float64) bool {
	acct, ok := l.accounts[playerID]
	if !ok {
		return false
	}
	return acct.Balance >= amount
}

// HasInventory reports whether playerID's account (if any) holds at
// least qty of item.
func (l *Ledger) HasInventory(playerID, item string, qty float64) bool {
	acct, ok := l.accounts[playerID]
	if !ok {
		return false
	}
	return acct.Inventory[item] >= qty
}

// AdjustBalance applies delta to playerID's balance. A negative delta
// that would drive the balance below zero fails with
// INSUFFICIENT_FUNDS and leaves the account untouched.
func (l *Ledger) AdjustBalance(playerID string, delta float64) error {
	acct, ok := l.accounts[playerID]
	if !ok {
		return errs.New(errs.UnknownOrder, "no account for player "+playerID)
	}
	next := acct.Balance + delta
	if next < 0 {
		return errs.New(errs.InsufficientFunds, "balance would go negative")
	}
	acct.Balance = next
	return nil
}

// AdjustInventory applies delta to playerID's holdings of item. A
// negative delta that would drive the quantity below zero fails with
// INSUFFICIENT_INVENTORY and leaves the account untouched. Items whose
// quantity settles within dustEpsilon of zero are purged from the
// inventory map, rather than left behind as float rounding noise.
func (l *Ledger) AdjustInventory(playerID, item string, delta float64) error {
	acct, ok := l.accounts[playerID]
	if !ok {
		return errs.New(errs.UnknownOrder, "no account for player "+playerID)
	}
	next := acct.Inventory[item] + delta
	if next < -dustEpsilon {
		return errs.New(errs.InsufficientInventory, "inventory would go negative")
	}
	if next <= dustEpsilon {
		delete(acct.Inventory, item)
	} else {
		acct.Inventory[item] = next
	}
	return nil
}

package ledger

import (
	"github.com/pkg/errors"
)

// Account tracks what one character owns and how much of it is reserved.
// Keys of both maps are Resource.String().
type Account struct {
	CharacterID string

	// Balances is everything the character owns, held or not.
	Balances map[string]int64

	// Held is the part of Balances reserved by active holds.
	Held map[string]int64
}

// NewAccount creates an account with nothing in it
func NewAccount(characterID string) *Account {
	return &Account{
		CharacterID: characterID,
		Balances:    make(map[string]int64),
		Held:        make(map[string]int64),
	}
}

// Available returns what can still be reserved
// Formula: Balance - Held
func (a *Account) Available(r Resource) int64 {
	k := r.String()
	return a.Balances[k] - a.Held[k]
}

// Clone returns a deep copy.
func (a *Account) Clone() *Account {
	cp := NewAccount(a.CharacterID)
	for k, v := range a.Balances {
		cp.Balances[k] = v
	}
	for k, v := range a.Held {
		cp.Held[k] = v
	}
	return cp
}

// Validate checks account invariants
func (a *Account) Validate() error {
	for k, bal := range a.Balances {
		if bal < 0 {
			return errors.Errorf("negative balance of %s: %d", k, bal)
		}
	}
	for k, held := range a.Held {
		if held < 0 {
			return errors.Errorf("negative held %s: %d", k, held)
		}
		if held > a.Balances[k] {
			return errors.Errorf("held %s (%d) exceeds balance (%d)", k, held, a.Balances[k])
		}
	}
	return nil
}

type HoldState int8

const (
	HoldActive HoldState = iota
	HoldSettled
	HoldReleased
)

func (s HoldState) String() string {
	switch s {
	case HoldActive:
		return "active"
	case HoldSettled:
		return "settled"
	case HoldReleased:
		return "released"
	default:
		return "unknown"
	}
}

// Hold is an escrow reservation. Amount is what is still reserved; it
// shrinks as settlements draw from it.
type Hold struct {
	ID          string
	CharacterID string
	Resource    Resource
	Amount      int64
	Reason      string // order id or lot id
	State       HoldState
}

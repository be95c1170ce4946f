// Package ledger defines the boundary through which the engines reserve,
// transfer and return currency, commodities and items, and ships an
// in-memory implementation used by tests and single-node deployments.
package ledger

import (
	"context"
	"strings"

	"github.com/pkg/errors"
)

var (
	// ErrInsufficientBalance is returned by Hold when the character's available
	// balance of the resource is below the requested amount.
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrUnknownHold         = errors.New("unknown hold")
	ErrHoldClosed          = errors.New("hold already settled or released")
	ErrInvalidAmount       = errors.New("invalid amount")
)

type ResourceKind int8

const (
	KindCurrency ResourceKind = iota
	KindCommodity
	KindItem
)

func (k ResourceKind) String() string {
	switch k {
	case KindCurrency:
		return "currency"
	case KindCommodity:
		return "commodity"
	case KindItem:
		return "item"
	default:
		return "unknown"
	}
}

// Resource identifies something a character can own: a currency, a fungible
// commodity stack, or a unique item reference.
type Resource struct {
	Kind ResourceKind
	ID   string
}

func Currency(code string) Resource { return Resource{Kind: KindCurrency, ID: code} }
func Commodity(id string) Resource  { return Resource{Kind: KindCommodity, ID: id} }
func Item(ref string) Resource      { return Resource{Kind: KindItem, ID: ref} }
func (r Resource) String() string   { return r.Kind.String() + ":" + r.ID }
func (r Resource) IsItem() bool     { return r.Kind == KindItem }
func (r Resource) IsCurrency() bool { return r.Kind == KindCurrency }

// ParseResource is the inverse of Resource.String.
func ParseResource(s string) (Resource, error) {
	kind, id, ok := strings.Cut(s, ":")
	if !ok || id == "" {
		return Resource{}, errors.Errorf("malformed resource %q", s)
	}
	switch kind {
	case "currency":
		return Currency(id), nil
	case "commodity":
		return Commodity(id), nil
	case "item":
		return Item(id), nil
	}
	return Resource{}, errors.Errorf("unknown resource kind %q", kind)
}

// Transfer moves Amount out of an active hold into To's balance. When To is
// the hold owner the amount simply returns to them.
type Transfer struct {
	HoldID string
	To     string
	Amount int64
}

// Settlement is one atomic commit: either every transfer applies or none do.
// ID makes the commit idempotent; replaying an applied settlement is a no-op.
type Settlement struct {
	ID        string
	Transfers []Transfer
}

// Ledger is the single source of truth for balances.
//
// Hold reserves amount of resource from characterID. Commit applies a
// settlement atomically. Release returns whatever is left of a hold to its
// owner and reports how much that was; releasing a closed hold returns 0.
type Ledger interface {
	Hold(ctx context.Context, characterID string, r Resource, amount int64, reason string) (string, error)
	Commit(ctx context.Context, s Settlement) error
	Release(ctx context.Context, holdID string) (int64, error)
}

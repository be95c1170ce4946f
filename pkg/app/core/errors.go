// Package core holds the domain types and error kinds shared by the order
// book, matching, auction and coordinator packages.
package core

import (
	"github.com/pkg/errors"
)

// Error kinds surfaced by every engine operation. Callers classify with
// errors.Is; the returned error usually wraps one of these with context.
var (
	ErrInvalidOrder      = errors.New("invalid order")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrNotFound          = errors.New("not found")
	ErrNotOwner          = errors.New("not owner")
	ErrMarketClosed      = errors.New("market closed")
	ErrLotNotActive      = errors.New("lot not active")
	ErrBidTooLow         = errors.New("bid too low")
	ErrItemUnavailable   = errors.New("item unavailable")
	ErrSettlementFailed  = errors.New("settlement failed")
)

var kinds = []struct {
	err  error
	name string
}{
	{ErrInvalidOrder, "InvalidOrder"},
	{ErrInsufficientFunds, "InsufficientFunds"},
	{ErrNotFound, "NotFound"},
	{ErrNotOwner, "NotOwner"},
	{ErrMarketClosed, "MarketClosed"},
	{ErrLotNotActive, "LotNotActive"},
	{ErrBidTooLow, "BidTooLow"},
	{ErrItemUnavailable, "ItemUnavailable"},
	{ErrSettlementFailed, "SettlementFailed"},
}

// Kind returns the name of the error kind err belongs to, "" for nil and
// "Internal" for anything unclassified.
func Kind(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return "Internal"
}

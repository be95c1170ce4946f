// Package orderbook keeps the resting limit orders of one commodity in one
// market in price-time priority.
package orderbook

import (
	"github.com/google/btree"
	"github.com/pkg/errors"

	"github.com/uhyunpark/bazaar/pkg/app/core"
	"github.com/uhyunpark/bazaar/pkg/app/core/market"
)

const degree = 32

type PriceLevel struct {
	Price  int64
	Qty    int64 // total remaining qty at this price level
	Orders int
}

// Book is the order book of a single (market, commodity).
//
// Bids are ordered by (price desc, seq asc), asks by (price asc, seq asc), so
// the minimum of each tree is the best order of that side. A Book is owned by
// one matching engine and is not safe for concurrent mutation.
type Book struct {
	commodity market.Commodity

	bids *btree.BTreeG[*core.Order]
	asks *btree.BTreeG[*core.Order]

	// Order index for O(log n) removal by id
	index map[string]*core.Order
}

func bidLess(a, b *core.Order) bool {
	if a.Price != b.Price {
		return a.Price > b.Price
	}
	return a.Seq < b.Seq
}

func askLess(a, b *core.Order) bool {
	if a.Price != b.Price {
		return a.Price < b.Price
	}
	return a.Seq < b.Seq
}

func New(c market.Commodity) *Book {
	return &Book{
		commodity: c,
		bids:      btree.NewG(degree, bidLess),
		asks:      btree.NewG(degree, askLess),
		index:     make(map[string]*core.Order),
	}
}

func (b *Book) Commodity() market.Commodity { return b.commodity }

func (b *Book) side(s core.Side) *btree.BTreeG[*core.Order] {
	if s == core.Buy {
		return b.bids
	}
	return b.asks
}

// Insert rests a limit order. The book keeps the pointer; callers mutate the
// order only through Reduce.
func (b *Book) Insert(o *core.Order) error {
	if o == nil {
		return errors.Wrap(core.ErrInvalidOrder, "nil order")
	}
	if o.Kind != core.Limit {
		return errors.Wrapf(core.ErrInvalidOrder, "order %s: only limit orders rest", o.ID)
	}
	if o.Side != core.Buy && o.Side != core.Sell {
		return errors.Wrapf(core.ErrInvalidOrder, "order %s: unknown side", o.ID)
	}
	if err := b.commodity.ValidatePrice(o.Price); err != nil {
		return errors.Wrapf(err, "order %s", o.ID)
	}
	if err := b.commodity.ValidateQuantity(o.Remaining); err != nil {
		return errors.Wrapf(err, "order %s", o.ID)
	}
	if _, exists := b.index[o.ID]; exists {
		return errors.Wrapf(core.ErrInvalidOrder, "order %s already resting", o.ID)
	}

	b.side(o.Side).ReplaceOrInsert(o)
	b.index[o.ID] = o
	return nil
}

// PeekBest returns the best-priced resting order of a side.
func (b *Book) PeekBest(s core.Side) (*core.Order, bool) {
	return b.side(s).Min()
}

// Get returns a resting order by id.
func (b *Book) Get(id string) (*core.Order, bool) {
	o, ok := b.index[id]
	return o, ok
}

// Remove takes a resting order off the book.
func (b *Book) Remove(id string) (*core.Order, error) {
	o, ok := b.index[id]
	if !ok {
		return nil, errors.Wrapf(core.ErrNotFound, "order %s not resting", id)
	}
	b.side(o.Side).Delete(o)
	delete(b.index, id)
	return o, nil
}

// Reduce applies a fill of qty to a resting order and removes it once its
// remaining quantity reaches zero.
func (b *Book) Reduce(id string, qty int64) (*core.Order, error) {
	o, ok := b.index[id]
	if !ok {
		return nil, errors.Wrapf(core.ErrNotFound, "order %s not resting", id)
	}
	if qty <= 0 || qty > o.Remaining {
		return nil, errors.Wrapf(core.ErrInvalidOrder, "reduce %s by %d (remaining %d)", id, qty, o.Remaining)
	}

	// price and seq are the tree key and do not change here
	o.Fill(qty)
	if o.Remaining == 0 {
		b.side(o.Side).Delete(o)
		delete(b.index, id)
	}
	return o, nil
}

// Walk visits resting orders of a side in priority order until fn returns false.
func (b *Book) Walk(s core.Side, fn func(o *core.Order) bool) {
	b.side(s).Ascend(func(o *core.Order) bool { return fn(o) })
}

// Levels aggregates a side into price levels, best first.
// depth <= 0 returns every level.
func (b *Book) Levels(s core.Side, depth int) []PriceLevel {
	var levels []PriceLevel
	b.side(s).Ascend(func(o *core.Order) bool {
		n := len(levels)
		if n > 0 && levels[n-1].Price == o.Price {
			levels[n-1].Qty += o.Remaining
			levels[n-1].Orders++
			return true
		}
		if depth > 0 && n == depth {
			return false
		}
		levels = append(levels, PriceLevel{Price: o.Price, Qty: o.Remaining, Orders: 1})
		return true
	})
	return levels
}

// BestBid returns the highest bid price
// Returns 0 if no bids
func (b *Book) BestBid() int64 {
	if o, ok := b.bids.Min(); ok {
		return o.Price
	}
	return 0
}

// BestAsk returns the lowest ask price
// Returns 0 if no asks
func (b *Book) BestAsk() int64 {
	if o, ok := b.asks.Min(); ok {
		return o.Price
	}
	return 0
}

// Crossed reports whether the best bid is priced above the best ask.
// A book is never left crossed after an engine operation completes.
func (b *Book) Crossed() bool {
	bid, okb := b.bids.Min()
	ask, oka := b.asks.Min()
	return okb && oka && bid.Price > ask.Price
}

// Len returns the number of resting orders on a side.
func (b *Book) Len(s core.Side) int { return b.side(s).Len() }

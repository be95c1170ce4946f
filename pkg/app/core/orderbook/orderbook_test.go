package orderbook

import (
	"errors"
	"testing"

	"github.com/uhyunpark/bazaar/pkg/app/core"
	"github.com/uhyunpark/bazaar/pkg/app/core/market"
)

var chips = market.Commodity{ID: "chips", TickSize: 5, LotSize: 1}

func limit(id string, side core.Side, price, qty int64, seq uint64) *core.Order {
	return &core.Order{
		ID:          id,
		CharacterID: "char-" + id,
		CommodityID: chips.ID,
		Side:        side,
		Kind:        core.Limit,
		Price:       price,
		Quantity:    qty,
		Remaining:   qty,
		Seq:         seq,
	}
}

func TestInsertValidation(t *testing.T) {
	tests := []struct {
		name  string
		order *core.Order
	}{
		{"off tick", limit("a", core.Buy, 101, 1, 1)},
		{"zero qty", limit("b", core.Buy, 100, 0, 2)},
		{"market order", &core.Order{ID: "c", Side: core.Buy, Kind: core.Market, Remaining: 1}},
		{"no side", &core.Order{ID: "d", Kind: core.Limit, Price: 100, Remaining: 1}},
		{"nil", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := New(chips)
			err := b.Insert(tt.order)
			if !errors.Is(err, core.ErrInvalidOrder) {
				t.Fatalf("Insert() error = %v, want ErrInvalidOrder", err)
			}
			if b.Len(core.Buy) != 0 || b.Len(core.Sell) != 0 {
				t.Error("rejected order must not rest")
			}
		})
	}

	b := New(chips)
	if err := b.Insert(limit("dup", core.Sell, 100, 1, 1)); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := b.Insert(limit("dup", core.Sell, 105, 1, 2)); !errors.Is(err, core.ErrInvalidOrder) {
		t.Errorf("duplicate id: got %v, want ErrInvalidOrder", err)
	}
}

func TestPriceTimePriority(t *testing.T) {
	b := New(chips)
	orders := []*core.Order{
		limit("b1", core.Buy, 100, 5, 1),
		limit("b2", core.Buy, 110, 5, 2),
		limit("b3", core.Buy, 110, 5, 3),
		limit("s1", core.Sell, 130, 5, 4),
		limit("s2", core.Sell, 120, 5, 5),
		limit("s3", core.Sell, 120, 5, 6),
	}
	for _, o := range orders {
		if err := b.Insert(o); err != nil {
			t.Fatalf("insert %s: %v", o.ID, err)
		}
	}

	var bids, asks []string
	b.Walk(core.Buy, func(o *core.Order) bool { bids = append(bids, o.ID); return true })
	b.Walk(core.Sell, func(o *core.Order) bool { asks = append(asks, o.ID); return true })

	wantBids := []string{"b2", "b3", "b1"}
	wantAsks := []string{"s2", "s3", "s1"}
	for i := range wantBids {
		if bids[i] != wantBids[i] {
			t.Errorf("bid order = %v, want %v", bids, wantBids)
			break
		}
	}
	for i := range wantAsks {
		if asks[i] != wantAsks[i] {
			t.Errorf("ask order = %v, want %v", asks, wantAsks)
			break
		}
	}

	best, ok := b.PeekBest(core.Buy)
	if !ok || best.ID != "b2" {
		t.Errorf("best bid = %v, want b2", best)
	}
	best, ok = b.PeekBest(core.Sell)
	if !ok || best.ID != "s2" {
		t.Errorf("best ask = %v, want s2", best)
	}
	if b.BestBid() != 110 || b.BestAsk() != 120 {
		t.Errorf("best prices = %d/%d, want 110/120", b.BestBid(), b.BestAsk())
	}
	if b.Crossed() {
		t.Error("book should not be crossed")
	}
}

func TestRemoveAndReduce(t *testing.T) {
	b := New(chips)
	_ = b.Insert(limit("s1", core.Sell, 100, 10, 1))
	_ = b.Insert(limit("s2", core.Sell, 100, 4, 2))

	o, err := b.Reduce("s1", 6)
	if err != nil {
		t.Fatalf("reduce: %v", err)
	}
	if o.Remaining != 4 || o.Filled != 6 || o.Status != core.OrderPartiallyFilled {
		t.Errorf("after partial reduce: remaining=%d filled=%d status=%s", o.Remaining, o.Filled, o.Status)
	}
	if best, _ := b.PeekBest(core.Sell); best.ID != "s1" {
		t.Error("partial reduce must keep time priority")
	}

	if _, err := b.Reduce("s1", 5); !errors.Is(err, core.ErrInvalidOrder) {
		t.Errorf("over-reduce: got %v, want ErrInvalidOrder", err)
	}

	o, err = b.Reduce("s1", 4)
	if err != nil {
		t.Fatalf("reduce: %v", err)
	}
	if o.Status != core.OrderFilled {
		t.Errorf("status = %s, want filled", o.Status)
	}
	if _, ok := b.Get("s1"); ok {
		t.Error("filled order must leave the book")
	}

	if _, err := b.Remove("s1"); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("remove filled: got %v, want ErrNotFound", err)
	}
	if _, err := b.Reduce("nope", 1); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("reduce unknown: got %v, want ErrNotFound", err)
	}

	if _, err := b.Remove("s2"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, ok := b.PeekBest(core.Sell); ok {
		t.Error("book should be empty")
	}
}

func TestLevels(t *testing.T) {
	b := New(chips)
	_ = b.Insert(limit("b1", core.Buy, 100, 3, 1))
	_ = b.Insert(limit("b2", core.Buy, 100, 2, 2))
	_ = b.Insert(limit("b3", core.Buy, 95, 7, 3))
	_ = b.Insert(limit("b4", core.Buy, 90, 1, 4))

	levels := b.Levels(core.Buy, 0)
	if len(levels) != 3 {
		t.Fatalf("levels = %d, want 3", len(levels))
	}
	if levels[0] != (PriceLevel{Price: 100, Qty: 5, Orders: 2}) {
		t.Errorf("top level = %+v", levels[0])
	}
	if levels[1].Price != 95 || levels[2].Price != 90 {
		t.Errorf("levels not sorted best first: %+v", levels)
	}

	top := b.Levels(core.Buy, 2)
	if len(top) != 2 || top[1].Qty != 7 {
		t.Errorf("depth-limited levels = %+v", top)
	}
	if len(b.Levels(core.Sell, 0)) != 0 {
		t.Error("empty side should have no levels")
	}
}

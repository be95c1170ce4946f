package matching

import (
	"context"
	"testing"

	"pgregory.net/rapid"

	"github.com/uhyunpark/bazaar/pkg/app/core"
)

var traders = []string{"v", "judy", "panam", "river"}

const (
	startEddies = 1_000_000
	startOre    = 500
)

// drawOp submits or cancels something on e and returns the trades it made.
func drawOp(t *rapid.T, e *Engine, i int) []core.Trade {
	ctx := context.Background()
	character := rapid.SampledFrom(traders).Draw(t, "character")

	if open := e.OpenOrders(character); len(open) > 0 && rapid.IntRange(0, 4).Draw(t, "cancel") == 0 {
		o := rapid.SampledFrom(open).Draw(t, "victim")
		if _, err := e.Cancel(ctx, o.ID, character); err != nil {
			t.Fatalf("op %d: cancel %s: %v", i, o.ID, err)
		}
		return nil
	}

	req := SubmitRequest{
		CharacterID: character,
		CommodityID: "ore",
		Side:        rapid.SampledFrom([]core.Side{core.Buy, core.Sell}).Draw(t, "side"),
		Kind:        rapid.SampledFrom([]core.OrderKind{core.Limit, core.Limit, core.Market}).Draw(t, "kind"),
		Quantity:    rapid.Int64Range(1, 40).Draw(t, "qty"),
	}
	if req.Kind == core.Limit {
		req.Price = 5 * rapid.Int64Range(18, 22).Draw(t, "ticks")
	}

	res, err := e.Submit(ctx, req)
	if err != nil {
		// running out of funds or goods is a legitimate outcome
		if core.Kind(err) != "InsufficientFunds" {
			t.Fatalf("op %d: submit %+v: %v", i, req, err)
		}
		return nil
	}
	return res.Trades
}

func TestPropertyBookNeverCrossed(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		e, l := newTestEngine(t)
		for _, c := range traders {
			fund(t, l, c, startEddies, startOre)
		}

		n := rapid.IntRange(1, 60).Draw(t, "ops")
		for i := 0; i < n; i++ {
			drawOp(t, e, i)
			if err := e.Validate(); err != nil {
				t.Fatalf("after op %d: %v", i, err)
			}
		}
	})
}

func TestPropertyQuantityConservation(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		e, l := newTestEngine(t)
		for _, c := range traders {
			fund(t, l, c, startEddies, startOre)
		}

		var traded int64
		n := rapid.IntRange(1, 60).Draw(t, "ops")
		for i := 0; i < n; i++ {
			for _, tr := range drawOp(t, e, i) {
				traded += tr.Quantity
			}
		}

		// each unit traded reduces one buy and one sell order
		var filledBuy, filledSell int64
		for _, o := range e.orders {
			if o.Side == core.Buy {
				filledBuy += o.Filled
			} else {
				filledSell += o.Filled
			}
		}
		if filledBuy != traded || filledSell != traded {
			t.Fatalf("traded %d, buy fills %d, sell fills %d", traded, filledBuy, filledSell)
		}
	})
}

func TestPropertyValueConservation(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		e, l := newTestEngine(t)
		for _, c := range traders {
			fund(t, l, c, startEddies, startOre)
		}
		wantEddies := l.Total(eddies)
		wantOre := l.Total(ore)

		n := rapid.IntRange(1, 60).Draw(t, "ops")
		for i := 0; i < n; i++ {
			drawOp(t, e, i)
			if got := l.Total(eddies); got != wantEddies {
				t.Fatalf("after op %d: eddies total %d, want %d", i, got, wantEddies)
			}
			if got := l.Total(ore); got != wantOre {
				t.Fatalf("after op %d: ore total %d, want %d", i, got, wantOre)
			}
			if err := l.Validate(); err != nil {
				t.Fatalf("after op %d: %v", i, err)
			}
		}

		// with every order cancelled nothing may remain reserved
		for _, c := range traders {
			if _, err := e.CancelAll(context.Background(), c); err != nil {
				t.Fatalf("cancel all %s: %v", c, err)
			}
		}
		if got := l.ActiveHolds(); got != 0 {
			t.Fatalf("%d holds still active", got)
		}
		for _, c := range traders {
			if l.Held(c, eddies) != 0 || l.Held(c, ore) != 0 {
				t.Fatalf("%s still has reserved balance", c)
			}
		}
	})
}

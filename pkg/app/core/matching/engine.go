// Package matching runs continuous price-time priority matching for the
// commodity books of one market and settles every trade through the ledger.
package matching

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/uhyunpark/bazaar/pkg/app/core"
	"github.com/uhyunpark/bazaar/pkg/app/core/ledger"
	"github.com/uhyunpark/bazaar/pkg/app/core/market"
	"github.com/uhyunpark/bazaar/pkg/app/core/orderbook"
	"github.com/uhyunpark/bazaar/pkg/metrics"
	"github.com/uhyunpark/bazaar/pkg/util"
)

const (
	defaultTradeHistory = 200
	volumeWindow        = 24 * time.Hour
)

// TradeJournal durably records settled trades.
type TradeJournal interface {
	SaveTrade(t core.Trade) error
	RecentTrades(marketID, commodityID string, limit int) ([]core.Trade, error)
}

type Config struct {
	Currency     ledger.Resource
	Clock        util.Clock
	Journal      TradeJournal
	Metrics      *metrics.Collectors
	TradeHistory int // trades kept in memory per commodity
}

type SubmitRequest struct {
	CharacterID string
	CommodityID string
	Side        core.Side
	Kind        core.OrderKind
	Price       int64 // ignored for market orders
	Quantity    int64
}

// Result reports an accepted submission. Order.Filled < Order.Quantity means a
// partial fill; the remainder is resting (limit) or cancelled (market).
type Result struct {
	Order  *core.Order
	Trades []core.Trade
}

// Unsettled is a trade the engine decided on but the ledger refused to commit.
// Nothing of it was applied; reconciliation is left to an operator.
type Unsettled struct {
	Trade      core.Trade
	Settlement ledger.Settlement
	Err        error
	At         time.Time
}

// Snapshot is an aggregated view of one commodity book with its recent
// trading activity.
type Snapshot struct {
	MarketID    string
	CommodityID string
	Bids        []orderbook.PriceLevel
	Asks        []orderbook.PriceLevel
	LastPrice   int64 // 0 before the first trade
	Volume24h   int64 // quantity traded in the trailing 24 hours
	Trades24h   int
}

type fill struct {
	at  time.Time
	qty int64
}

// Engine owns the books of one market. It is not safe for concurrent use;
// the coordinator serializes every call for a market.
type Engine struct {
	market   *market.Market
	ledger   ledger.Ledger
	currency ledger.Resource
	clock    util.Clock
	journal  TradeJournal
	metrics  *metrics.Collectors

	books     map[string]*orderbook.Book // commodity id -> book
	orders    map[string]*core.Order
	seq       uint64
	trades    map[string][]core.Trade // commodity id -> recent trades, oldest first
	fills     map[string][]fill       // commodity id -> fills inside volumeWindow
	lastPrice map[string]int64
	history   int
	unsettled []Unsettled

	// OnTrade is called after each trade settles.
	OnTrade func(core.Trade)
	Logger  *zap.SugaredLogger
}

func New(m *market.Market, l ledger.Ledger, cfg Config) *Engine {
	if cfg.Clock == nil {
		cfg.Clock = util.RealClock{}
	}
	if cfg.TradeHistory <= 0 {
		cfg.TradeHistory = defaultTradeHistory
	}
	e := &Engine{
		market:    m,
		ledger:    l,
		currency:  cfg.Currency,
		clock:     cfg.Clock,
		journal:   cfg.Journal,
		metrics:   cfg.Metrics,
		books:     make(map[string]*orderbook.Book),
		orders:    make(map[string]*core.Order),
		trades:    make(map[string][]core.Trade),
		fills:     make(map[string][]fill),
		lastPrice: make(map[string]int64),
		history:   cfg.TradeHistory,
		Logger:    zap.NewNop().Sugar(),
	}
	for _, c := range m.Commodities() {
		e.books[c.ID] = orderbook.New(c)
	}
	return e
}

func (e *Engine) MarketID() string { return e.market.ID }

// Submit validates, reserves, matches and, for limit orders, rests the
// unfilled remainder.
func (e *Engine) Submit(ctx context.Context, req SubmitRequest) (*Result, error) {
	res, err := e.submit(ctx, req)
	if err != nil {
		e.metrics.OrderRejected(e.market.ID, core.Kind(err))
	}
	return res, err
}

func (e *Engine) submit(ctx context.Context, req SubmitRequest) (*Result, error) {
	if req.CharacterID == "" {
		return nil, errors.Wrap(core.ErrInvalidOrder, "character id required")
	}
	if req.Side != core.Buy && req.Side != core.Sell {
		return nil, errors.Wrapf(core.ErrInvalidOrder, "unknown side %d", req.Side)
	}
	c, err := e.market.ValidateOrder(req.CommodityID, req.Kind, req.Price, req.Quantity)
	if err != nil {
		return nil, err
	}
	book := e.books[c.ID]

	o := &core.Order{
		ID:          uuid.NewString(),
		CharacterID: req.CharacterID,
		MarketID:    e.market.ID,
		CommodityID: c.ID,
		Side:        req.Side,
		Kind:        req.Kind,
		Price:       req.Price,
		Quantity:    req.Quantity,
		Remaining:   req.Quantity,
		Status:      core.OrderOpen,
		CreatedAt:   e.clock.Now(),
	}
	if o.Kind == core.Market {
		o.Price = 0
	}

	resource, amount, err := e.reservation(book, o)
	if err != nil {
		return nil, err
	}

	if amount == 0 {
		// market order facing an empty opposite side
		e.accept(o)
		o.Status = core.OrderCancelled
		e.metrics.OrderCancelled(e.market.ID)
		e.Logger.Infow("order_unfillable", "market", e.market.ID, "order", o.ID, "commodity", o.CommodityID, "side", o.Side.String())
		return &Result{Order: o.Clone()}, nil
	}

	holdID, err := e.ledger.Hold(ctx, o.CharacterID, resource, amount, "order:"+o.ID)
	if err != nil {
		if errors.Is(err, ledger.ErrInsufficientBalance) {
			return nil, errors.Wrapf(core.ErrInsufficientFunds, "order by %s: %v", o.CharacterID, err)
		}
		return nil, errors.Wrapf(err, "hold for order by %s", o.CharacterID)
	}
	o.HoldID = holdID
	e.accept(o)

	e.Logger.Infow("order_accepted",
		"market", e.market.ID,
		"order", o.ID,
		"character", o.CharacterID,
		"commodity", o.CommodityID,
		"side", o.Side.String(),
		"kind", o.Kind.String(),
		"price", o.Price,
		"qty", o.Quantity,
	)

	trades, err := e.match(ctx, book, o)
	if err != nil {
		return &Result{Order: o.Clone(), Trades: trades}, err
	}

	switch {
	case o.Remaining == 0:
		e.releaseHold(ctx, o)
	case o.Kind == core.Market:
		o.Status = core.OrderCancelled
		e.releaseHold(ctx, o)
		e.metrics.OrderCancelled(e.market.ID)
	default:
		if err := book.Insert(o); err != nil {
			// validated above; reaching this is a bug
			e.releaseHold(ctx, o)
			o.Status = core.OrderCancelled
			return &Result{Order: o.Clone(), Trades: trades}, errors.Wrapf(err, "rest order %s", o.ID)
		}
	}
	e.updateResting(book)

	return &Result{Order: o.Clone(), Trades: trades}, nil
}

func (e *Engine) accept(o *core.Order) {
	e.seq++
	o.Seq = e.seq
	e.orders[o.ID] = o
	e.metrics.OrderSubmitted(e.market.ID, o.Side.String(), o.Kind.String())
}

// reservation returns what the order must hold before matching. Market
// orders reserve only what the opposite side can fill right now; zero means
// nothing is fillable.
func (e *Engine) reservation(book *orderbook.Book, o *core.Order) (ledger.Resource, int64, error) {
	commodity := ledger.Commodity(o.CommodityID)
	switch {
	case o.Side == core.Sell && o.Kind == core.Limit:
		return commodity, o.Quantity, nil

	case o.Side == core.Sell:
		var fillable int64
		book.Walk(core.Buy, func(bid *core.Order) bool {
			fillable += min(bid.Remaining, o.Quantity-fillable)
			return fillable < o.Quantity
		})
		return commodity, fillable, nil

	case o.Kind == core.Limit:
		if o.Quantity > math.MaxInt64/o.Price {
			return ledger.Resource{}, 0, errors.Wrapf(core.ErrInvalidOrder, "notional %d x %d overflows", o.Price, o.Quantity)
		}
		return e.currency, o.Price * o.Quantity, nil

	default:
		var (
			left     = o.Quantity
			cost     int64
			overflow bool
		)
		book.Walk(core.Sell, func(ask *core.Order) bool {
			q := min(ask.Remaining, left)
			if q > (math.MaxInt64-cost)/ask.Price {
				overflow = true
				return false
			}
			cost += q * ask.Price
			left -= q
			return left > 0
		})
		if overflow {
			return ledger.Resource{}, 0, errors.Wrapf(core.ErrInvalidOrder, "market buy of %d overflows", o.Quantity)
		}
		return e.currency, cost, nil
	}
}

func crosses(taker, maker *core.Order) bool {
	if taker.Kind == core.Market {
		return true
	}
	if taker.Side == core.Buy {
		return taker.Price >= maker.Price
	}
	return taker.Price <= maker.Price
}

func (e *Engine) match(ctx context.Context, book *orderbook.Book, taker *core.Order) ([]core.Trade, error) {
	var trades []core.Trade
	for taker.Remaining > 0 {
		maker, ok := book.PeekBest(taker.Side.Opposite())
		if !ok || !crosses(taker, maker) {
			break
		}
		qty := min(taker.Remaining, maker.Remaining)

		buy, sell := taker, maker
		if taker.Side == core.Sell {
			buy, sell = maker, taker
		}
		t := core.Trade{
			ID:          uuid.NewString(),
			MarketID:    e.market.ID,
			CommodityID: taker.CommodityID,
			BuyOrderID:  buy.ID,
			SellOrderID: sell.ID,
			BuyerID:     buy.CharacterID,
			SellerID:    sell.CharacterID,
			Price:       maker.Price,
			Quantity:    qty,
			TakerSide:   taker.Side,
			Timestamp:   e.clock.Now(),
		}
		s := e.settlement(t, buy, sell)

		// the book is only touched once the ledger has applied the trade
		if err := e.ledger.Commit(ctx, s); err != nil {
			return trades, e.abort(ctx, taker, t, s, err)
		}
		if _, err := book.Reduce(maker.ID, qty); err != nil {
			return trades, errors.Wrapf(err, "reduce maker %s", maker.ID)
		}
		taker.Fill(qty)

		e.record(t)
		trades = append(trades, t)
	}
	return trades, nil
}

// settlement builds the single atomic commit for a trade: currency to the
// seller, goods to the buyer, and the buyer's price improvement back to the
// buyer.
func (e *Engine) settlement(t core.Trade, buy, sell *core.Order) ledger.Settlement {
	s := ledger.Settlement{
		ID: "trade:" + t.ID,
		Transfers: []ledger.Transfer{
			{HoldID: buy.HoldID, To: sell.CharacterID, Amount: t.Notional()},
			{HoldID: sell.HoldID, To: buy.CharacterID, Amount: t.Quantity},
		},
	}
	if buy.Kind == core.Limit && buy.Price > t.Price {
		s.Transfers = append(s.Transfers, ledger.Transfer{
			HoldID: buy.HoldID,
			To:     buy.CharacterID,
			Amount: (buy.Price - t.Price) * t.Quantity,
		})
	}
	return s
}

// abort handles a refused commit: the maker stays as it was, the taker is
// cancelled with its remaining hold returned, and the trade is kept for
// reconciliation.
func (e *Engine) abort(ctx context.Context, taker *core.Order, t core.Trade, s ledger.Settlement, cause error) error {
	e.unsettled = append(e.unsettled, Unsettled{Trade: t, Settlement: s, Err: cause, At: e.clock.Now()})
	e.metrics.SettlementFailed(e.market.ID, "matching")
	e.Logger.Errorw("settlement_failed",
		"market", e.market.ID,
		"trade", t.ID,
		"buy_order", t.BuyOrderID,
		"sell_order", t.SellOrderID,
		"price", t.Price,
		"qty", t.Quantity,
		"err", cause,
	)

	taker.Status = core.OrderCancelled
	e.releaseHold(ctx, taker)
	return errors.Wrapf(core.ErrSettlementFailed, "trade %s: %v", t.ID, cause)
}

func (e *Engine) releaseHold(ctx context.Context, o *core.Order) {
	if o.HoldID == "" {
		return
	}
	released, err := e.ledger.Release(ctx, o.HoldID)
	if err != nil {
		e.Logger.Errorw("hold_release_failed", "market", e.market.ID, "order", o.ID, "hold", o.HoldID, "err", err)
		return
	}
	if released > 0 {
		e.Logger.Debugw("hold_released", "order", o.ID, "amount", released)
	}
}

func (e *Engine) record(t core.Trade) {
	h := append(e.trades[t.CommodityID], t)
	if len(h) > e.history {
		h = h[len(h)-e.history:]
	}
	e.trades[t.CommodityID] = h

	e.lastPrice[t.CommodityID] = t.Price
	f := append(e.fills[t.CommodityID], fill{at: t.Timestamp, qty: t.Quantity})
	cutoff := t.Timestamp.Add(-volumeWindow)
	for len(f) > 0 && !f[0].at.After(cutoff) {
		f = f[1:]
	}
	e.fills[t.CommodityID] = f

	if e.journal != nil {
		if err := e.journal.SaveTrade(t); err != nil {
			e.Logger.Warnw("trade_journal_failed", "trade", t.ID, "err", err)
		}
	}
	e.metrics.Trade(e.market.ID, t.CommodityID, t.Quantity)
	e.Logger.Infow("trade",
		"market", e.market.ID,
		"trade", t.ID,
		"commodity", t.CommodityID,
		"buyer", t.BuyerID,
		"seller", t.SellerID,
		"price", t.Price,
		"qty", t.Quantity,
	)
	if e.OnTrade != nil {
		e.OnTrade(t)
	}
}

func (e *Engine) updateResting(book *orderbook.Book) {
	id := book.Commodity().ID
	e.metrics.SetResting(e.market.ID, id, core.Buy.String(), book.Len(core.Buy))
	e.metrics.SetResting(e.market.ID, id, core.Sell.String(), book.Len(core.Sell))
}

// Cancel removes a resting order and returns its whole remaining hold.
func (e *Engine) Cancel(ctx context.Context, orderID, characterID string) (*core.Order, error) {
	o, ok := e.orders[orderID]
	if !ok {
		return nil, errors.Wrapf(core.ErrNotFound, "order %s", orderID)
	}
	if o.CharacterID != characterID {
		return nil, errors.Wrapf(core.ErrNotOwner, "order %s", orderID)
	}
	if o.Status.Terminal() {
		return nil, errors.Wrapf(core.ErrNotFound, "order %s is %s", orderID, o.Status)
	}

	if _, err := e.ledger.Release(ctx, o.HoldID); err != nil {
		return nil, errors.Wrapf(err, "release hold of order %s", orderID)
	}
	book := e.books[o.CommodityID]
	if _, err := book.Remove(o.ID); err != nil {
		e.Logger.Warnw("cancel_not_resting", "order", o.ID, "err", err)
	}
	o.Status = core.OrderCancelled
	e.updateResting(book)
	e.metrics.OrderCancelled(e.market.ID)

	e.Logger.Infow("order_cancelled", "market", e.market.ID, "order", o.ID, "character", characterID, "remaining", o.Remaining)
	return o.Clone(), nil
}

// CancelAll cancels every open order of a character in this market.
func (e *Engine) CancelAll(ctx context.Context, characterID string) ([]*core.Order, error) {
	var out []*core.Order
	for _, o := range e.OpenOrders(characterID) {
		c, err := e.Cancel(ctx, o.ID, characterID)
		if err != nil {
			return out, err
		}
		out = append(out, c)
	}
	return out, nil
}

// Order returns a copy of any order this engine has seen.
func (e *Engine) Order(id string) (*core.Order, error) {
	o, ok := e.orders[id]
	if !ok {
		return nil, errors.Wrapf(core.ErrNotFound, "order %s", id)
	}
	return o.Clone(), nil
}

// OpenOrders lists a character's resting orders in submission order. An
// empty characterID lists every resting order.
func (e *Engine) OpenOrders(characterID string) []*core.Order {
	var out []*core.Order
	for _, o := range e.orders {
		if o.Status.Terminal() {
			continue
		}
		if characterID != "" && o.CharacterID != characterID {
			continue
		}
		out = append(out, o.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// Book returns the top depth price levels of each side; depth <= 0 means all.
func (e *Engine) Book(commodityID string, depth int) (Snapshot, error) {
	book, ok := e.books[commodityID]
	if !ok {
		return Snapshot{}, errors.Wrapf(core.ErrNotFound, "commodity %s in market %s", commodityID, e.market.ID)
	}
	snap := Snapshot{
		MarketID:    e.market.ID,
		CommodityID: commodityID,
		Bids:        book.Levels(core.Buy, depth),
		Asks:        book.Levels(core.Sell, depth),
		LastPrice:   e.lastPrice[commodityID],
	}
	// read-only: pruning happens in record
	cutoff := e.clock.Now().Add(-volumeWindow)
	for _, f := range e.fills[commodityID] {
		if f.at.After(cutoff) {
			snap.Volume24h += f.qty
			snap.Trades24h++
		}
	}
	return snap, nil
}

// Trades returns up to limit recent trades of a commodity, newest first.
func (e *Engine) Trades(commodityID string, limit int) ([]core.Trade, error) {
	if _, ok := e.books[commodityID]; !ok {
		return nil, errors.Wrapf(core.ErrNotFound, "commodity %s in market %s", commodityID, e.market.ID)
	}
	if e.journal != nil {
		return e.journal.RecentTrades(e.market.ID, commodityID, limit)
	}
	h := e.trades[commodityID]
	if limit <= 0 || limit > len(h) {
		limit = len(h)
	}
	out := make([]core.Trade, 0, limit)
	for i := len(h) - 1; i >= len(h)-limit; i-- {
		out = append(out, h[i])
	}
	return out, nil
}

// Unsettled returns trades whose commit failed.
func (e *Engine) Unsettled() []Unsettled {
	out := make([]Unsettled, len(e.unsettled))
	copy(out, e.unsettled)
	return out
}

// Validate checks that no book is left crossed and that every resting order
// is open and consistent.
func (e *Engine) Validate() error {
	for id, book := range e.books {
		if book.Crossed() {
			return errors.Errorf("book %s crossed: bid %d > ask %d", id, book.BestBid(), book.BestAsk())
		}
	}
	for _, o := range e.orders {
		if o.Filled+o.Remaining != o.Quantity {
			return errors.Errorf("order %s: filled %d + remaining %d != %d", o.ID, o.Filled, o.Remaining, o.Quantity)
		}
		_, resting := e.books[o.CommodityID].Get(o.ID)
		if resting == o.Status.Terminal() {
			return errors.Errorf("order %s is %s but resting=%v", o.ID, o.Status, resting)
		}
	}
	return nil
}

package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/bazaar/pkg/app/core"
	"github.com/uhyunpark/bazaar/pkg/app/core/auction"
	"github.com/uhyunpark/bazaar/pkg/app/core/market"
	"github.com/uhyunpark/bazaar/pkg/app/core/matching"
	"github.com/uhyunpark/bazaar/pkg/app/core/orderbook"
)

// API request/response types for REST endpoints and WebSocket messages

// Amount is a currency amount in minor units with its display form.
type Amount struct {
	Minor   int64  `json:"minor"`
	Display string `json:"display"` // e.g. "12.50" with 2 decimals
}

// formatter renders minor units with a fixed number of decimals.
type formatter struct {
	decimals int32
}

func (f formatter) amount(minor int64) Amount {
	return Amount{Minor: minor, Display: decimal.New(minor, -f.decimals).StringFixed(f.decimals)}
}

// ==============================
// REST Response Types
// ==============================

type CommodityInfo struct {
	ID       string `json:"id"`
	TickSize int64  `json:"tickSize"` // Minimum price increment
	LotSize  int64  `json:"lotSize"`  // Minimum quantity increment
}

type MarketInfo struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Status      string          `json:"status"` // "open", "closed"
	Commodities []CommodityInfo `json:"commodities"`
}

// OrderbookSnapshot represents current orderbook state
type OrderbookSnapshot struct {
	MarketID    string       `json:"marketId"`
	CommodityID string       `json:"commodityId"`
	Bids        []PriceLevel `json:"bids"` // Sorted high to low
	Asks        []PriceLevel `json:"asks"` // Sorted low to high
	LastPrice   *Amount      `json:"lastPrice,omitempty"`
	Volume24h   int64        `json:"volume24h"`
	Trades24h   int          `json:"trades24h"`
	Timestamp   int64        `json:"timestamp"` // Unix milliseconds
}

type PriceLevel struct {
	Price  Amount `json:"price"`
	Size   int64  `json:"size"`
	Orders int    `json:"orders"`
}

type TradeInfo struct {
	ID          string `json:"id"`
	MarketID    string `json:"marketId"`
	CommodityID string `json:"commodityId"`
	BuyOrderID  string `json:"buyOrderId"`
	SellOrderID string `json:"sellOrderId"`
	BuyerID     string `json:"buyerId"`
	SellerID    string `json:"sellerId"`
	Price       Amount `json:"price"`
	Size        int64  `json:"size"`
	TakerSide   string `json:"takerSide"` // "buy" or "sell"
	Timestamp   int64  `json:"timestamp"` // Unix milliseconds
}

type OrderInfo struct {
	ID          string `json:"id"`
	CharacterID string `json:"characterId"`
	MarketID    string `json:"marketId"`
	CommodityID string `json:"commodityId"`
	Side        string `json:"side"` // "buy" or "sell"
	Type        string `json:"type"` // "limit" or "market"
	Price       Amount `json:"price"`
	Size        int64  `json:"size"`
	Filled      int64  `json:"filled"`
	Remaining   int64  `json:"remaining"`
	Status      string `json:"status"` // "open", "partially_filled", "filled", "cancelled"
	Timestamp   int64  `json:"timestamp"`
}

type LotInfo struct {
	ID           string  `json:"id"`
	MarketID     string  `json:"marketId"`
	SellerID     string  `json:"sellerId"`
	Item         string  `json:"item"`
	Quantity     int64   `json:"quantity"`
	StartPrice   Amount  `json:"startPrice"`
	BuyoutPrice  *Amount `json:"buyoutPrice,omitempty"`
	ReservePrice *Amount `json:"reservePrice,omitempty"`
	MinIncrement Amount  `json:"minIncrement"`
	CurrentBid   *Amount `json:"currentBid,omitempty"`
	NextMinimum  Amount  `json:"nextMinimum"`
	LeadingBidID string  `json:"leadingBidId,omitempty"`
	BidCount     int     `json:"bidCount"`
	Status       string  `json:"status"` // "active", "sold", "expired_unsold", "cancelled", "pending_settlement"
	ExpiresAt    int64   `json:"expiresAt"`
	CreatedAt    int64   `json:"createdAt"`
}

type BidInfo struct {
	ID       string `json:"id"`
	LotID    string `json:"lotId"`
	BidderID string `json:"bidderId"`
	Amount   Amount `json:"amount"`
	Kind     string `json:"kind"`   // "normal" or "buyout"
	Status   string `json:"status"` // "leading", "outbid", "won", "refunded"
	PlacedAt int64  `json:"placedAt"`
}

// CharacterBid is one of a character's bids with the lot it was placed on.
type CharacterBid struct {
	Lot LotInfo `json:"lot"`
	Bid BidInfo `json:"bid"`
}

// CreateSellOrder200Response is returned when a sell order is accepted
type CreateSellOrder200Response struct {
	OrderID string      `json:"orderId"`
	Status  string      `json:"status"`
	Order   OrderInfo   `json:"order"`
	Trades  []TradeInfo `json:"trades"`
}

// MatchOrders200Response is returned for any submitted order and lists
// the trades it produced
type MatchOrders200Response struct {
	Order   OrderInfo   `json:"order"`
	Trades  []TradeInfo `json:"trades"`
	Matched int64       `json:"matched"`
}

type CancelOrder200Response struct {
	OrderID  string `json:"orderId"`
	Status   string `json:"status"`
	Released int64  `json:"released"` // quantity left unfilled
}

type BidOnLot200Response struct {
	Lot     LotInfo `json:"lot"`
	Bid     BidInfo `json:"bid"`
	Settled bool    `json:"settled"` // true when the bid reached the buyout price
}

type BuyoutLot200Response struct {
	Lot LotInfo `json:"lot"`
	Bid BidInfo `json:"bid"`
}

type CreateLot200Response struct {
	Lot LotInfo `json:"lot"`
}

// ErrorResponse is returned for all errors
type ErrorResponse struct {
	Error   string `json:"error"` // error kind, e.g. "BidTooLow"
	Message string `json:"message"`
}

// ==============================
// REST Request Types
// ==============================

// SubmitOrderRequest is the payload for POST /api/v1/markets/{market}/orders
type SubmitOrderRequest struct {
	CommodityID string `json:"commodityId"`
	Side        string `json:"side"` // "buy" or "sell"
	Type        string `json:"type"` // "limit" (default) or "market"
	Price       int64  `json:"price"`
	Size        int64  `json:"size"`
}

// CreateSellOrderRequest is the payload for POST /api/v1/markets/{market}/sell-orders
type CreateSellOrderRequest struct {
	CommodityID string `json:"commodityId"`
	Price       int64  `json:"price"`
	Size        int64  `json:"size"`
}

type CreateLotRequest struct {
	Item         string `json:"item"`
	Quantity     int64  `json:"quantity"`
	StartPrice   int64  `json:"startPrice"`
	BuyoutPrice  int64  `json:"buyoutPrice"`
	ReservePrice int64  `json:"reservePrice"`
	MinIncrement int64  `json:"minIncrement"`
	DurationSec  int64  `json:"durationSec"`
}

type BidOnLotRequest struct {
	Amount int64 `json:"amount"`
}

// ==============================
// WebSocket Message Types
// ==============================

// WSSubscribeRequest is sent by client to subscribe to channels
type WSSubscribeRequest struct {
	Op       string   `json:"op"`       // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"` // e.g., ["orderbook:night-city:ore", "trades:night-city:ore", "lots:night-city"]
}

// OrderbookUpdate is pushed after every change to a book
type OrderbookUpdate struct {
	Type string `json:"type"` // "orderbook"
	OrderbookSnapshot
}

// TradeUpdate is pushed when a trade executes
type TradeUpdate struct {
	Type string `json:"type"` // "trade"
	TradeInfo
}

// LotUpdate is pushed when a lot changes status
type LotUpdate struct {
	Type string `json:"type"` // "lot"
	LotInfo
}

// ==============================
// Conversions
// ==============================

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func (f formatter) market(m *market.Market) MarketInfo {
	info := MarketInfo{ID: m.ID, Name: m.Name, Status: m.Status.String()}
	for _, c := range m.Commodities() {
		info.Commodities = append(info.Commodities, CommodityInfo{ID: c.ID, TickSize: c.TickSize, LotSize: c.LotSize})
	}
	return info
}

func (f formatter) levels(in []orderbook.PriceLevel) []PriceLevel {
	out := make([]PriceLevel, len(in))
	for i, l := range in {
		out[i] = PriceLevel{Price: f.amount(l.Price), Size: l.Qty, Orders: l.Orders}
	}
	return out
}

func (f formatter) book(s matching.Snapshot, at time.Time) OrderbookSnapshot {
	return OrderbookSnapshot{
		MarketID:    s.MarketID,
		CommodityID: s.CommodityID,
		Bids:        f.levels(s.Bids),
		Asks:        f.levels(s.Asks),
		LastPrice:   f.optional(s.LastPrice),
		Volume24h:   s.Volume24h,
		Trades24h:   s.Trades24h,
		Timestamp:   millis(at),
	}
}

func (f formatter) trade(t core.Trade) TradeInfo {
	return TradeInfo{
		ID:          t.ID,
		MarketID:    t.MarketID,
		CommodityID: t.CommodityID,
		BuyOrderID:  t.BuyOrderID,
		SellOrderID: t.SellOrderID,
		BuyerID:     t.BuyerID,
		SellerID:    t.SellerID,
		Price:       f.amount(t.Price),
		Size:        t.Quantity,
		TakerSide:   t.TakerSide.String(),
		Timestamp:   millis(t.Timestamp),
	}
}

func (f formatter) trades(in []core.Trade) []TradeInfo {
	out := make([]TradeInfo, len(in))
	for i, t := range in {
		out[i] = f.trade(t)
	}
	return out
}

func (f formatter) order(o *core.Order) OrderInfo {
	return OrderInfo{
		ID:          o.ID,
		CharacterID: o.CharacterID,
		MarketID:    o.MarketID,
		CommodityID: o.CommodityID,
		Side:        o.Side.String(),
		Type:        o.Kind.String(),
		Price:       f.amount(o.Price),
		Size:        o.Quantity,
		Filled:      o.Filled,
		Remaining:   o.Remaining,
		Status:      o.Status.String(),
		Timestamp:   millis(o.CreatedAt),
	}
}

func (f formatter) optional(minor int64) *Amount {
	if minor == 0 {
		return nil
	}
	a := f.amount(minor)
	return &a
}

func (f formatter) lot(l *auction.Lot) LotInfo {
	return LotInfo{
		ID:           l.ID,
		MarketID:     l.MarketID,
		SellerID:     l.SellerID,
		Item:         l.Item,
		Quantity:     l.Quantity,
		StartPrice:   f.amount(l.StartPrice),
		BuyoutPrice:  f.optional(l.BuyoutPrice),
		ReservePrice: f.optional(l.ReservePrice),
		MinIncrement: f.amount(l.MinIncrement),
		CurrentBid:   f.optional(l.LeadingBid),
		NextMinimum:  f.amount(l.NextMinimum()),
		LeadingBidID: l.LeadingBidID,
		BidCount:     l.BidCount,
		Status:       l.Status.String(),
		ExpiresAt:    millis(l.Expiry),
		CreatedAt:    millis(l.CreatedAt),
	}
}

func (f formatter) bid(b *auction.Bid) BidInfo {
	return BidInfo{
		ID:       b.ID,
		LotID:    b.LotID,
		BidderID: b.BidderID,
		Amount:   f.amount(b.Amount),
		Kind:     b.Kind.String(),
		Status:   b.Status.String(),
		PlacedAt: millis(b.PlacedAt),
	}
}

package core

import "time"

type Side int8

const (
	Buy  Side = 1
	Sell Side = -1
)

func (s Side) String() string {
	switch s {
	case Buy:
		return "buy"
	case Sell:
		return "sell"
	default:
		return "unknown"
	}
}

// Opposite returns the side an order of this side matches against.
func (s Side) Opposite() Side { return -s }

// ParseSide accepts "buy"/"sell" as used on the wire.
func ParseSide(s string) (Side, bool) {
	switch s {
	case "buy", "BUY", "Buy":
		return Buy, true
	case "sell", "SELL", "Sell":
		return Sell, true
	}
	return 0, false
}

type OrderKind int8

const (
	Limit OrderKind = iota
	Market
)

func (k OrderKind) String() string {
	switch k {
	case Limit:
		return "limit"
	case Market:
		return "market"
	default:
		return "unknown"
	}
}

func ParseOrderKind(s string) (OrderKind, bool) {
	switch s {
	case "limit", "LIMIT", "":
		return Limit, true
	case "market", "MARKET":
		return Market, true
	}
	return 0, false
}

// OrderStatus represents the lifecycle state of an order.
// Filled and Cancelled are terminal.
type OrderStatus int8

const (
	OrderOpen OrderStatus = iota
	OrderPartiallyFilled
	OrderFilled
	OrderCancelled
)

func (s OrderStatus) String() string {
	switch s {
	case OrderOpen:
		return "open"
	case OrderPartiallyFilled:
		return "partially_filled"
	case OrderFilled:
		return "filled"
	case OrderCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether the status can no longer change.
func (s OrderStatus) Terminal() bool {
	return s == OrderFilled || s == OrderCancelled
}

// Order is a buy or sell instruction for one commodity in one market.
//
// Prices are integer currency units per commodity unit, quantities are integer
// commodity units. Quantity == Filled + Remaining holds from the moment the
// reservation succeeds.
type Order struct {
	ID          string
	CharacterID string
	MarketID    string
	CommodityID string
	Side        Side
	Kind        OrderKind
	Price       int64 // zero for market orders
	Quantity    int64 // requested
	Remaining   int64
	Filled      int64
	Status      OrderStatus
	Seq         uint64 // time priority within the market
	HoldID      string
	CreatedAt   time.Time
}

// Clone returns a copy safe to hand out of the engine.
func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	cp := *o
	return &cp
}

// Fill applies a match of qty to the order and updates its status.
func (o *Order) Fill(qty int64) {
	o.Remaining -= qty
	o.Filled += qty
	if o.Remaining == 0 {
		o.Status = OrderFilled
	} else {
		o.Status = OrderPartiallyFilled
	}
}

// Trade is the immutable record of one match event.
type Trade struct {
	ID          string
	MarketID    string
	CommodityID string
	BuyOrderID  string
	SellOrderID string
	BuyerID     string
	SellerID    string
	Price       int64
	Quantity    int64
	TakerSide   Side
	Timestamp   time.Time
}

// Notional is price × quantity in currency units.
func (t Trade) Notional() int64 { return t.Price * t.Quantity }

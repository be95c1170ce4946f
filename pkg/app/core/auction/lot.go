// Package auction implements English auctions: item lots that collect
// ascending bids until a buyout or their expiry, settled through the ledger.
package auction

import (
	"sort"
	"time"

	"github.com/uhyunpark/bazaar/pkg/app/core/ledger"
)

type LotStatus int8

const (
	LotActive LotStatus = iota
	LotSold
	LotExpiredUnsold
	LotCancelled
	// LotPending: the outcome is decided but the ledger has not applied it
	// yet. The sweeper retries it; no bids are accepted.
	LotPending
)

func (s LotStatus) String() string {
	switch s {
	case LotActive:
		return "active"
	case LotSold:
		return "sold"
	case LotExpiredUnsold:
		return "expired_unsold"
	case LotCancelled:
		return "cancelled"
	case LotPending:
		return "pending_settlement"
	default:
		return "unknown"
	}
}

func (s LotStatus) Terminal() bool {
	return s == LotSold || s == LotExpiredUnsold || s == LotCancelled
}

type BidStatus int8

const (
	BidLeading BidStatus = iota
	BidOutbid
	BidWon
	BidRefunded
)

func (s BidStatus) String() string {
	switch s {
	case BidLeading:
		return "leading"
	case BidOutbid:
		return "outbid"
	case BidWon:
		return "won"
	case BidRefunded:
		return "refunded"
	default:
		return "unknown"
	}
}

type BidKind int8

const (
	BidNormal BidKind = iota
	BidBuyout
)

func (k BidKind) String() string {
	if k == BidBuyout {
		return "buyout"
	}
	return "normal"
}

// Lot is one listing. Amounts are in minor currency units; BuyoutPrice and
// ReservePrice are zero when not set.
type Lot struct {
	ID           string
	MarketID     string
	SellerID     string
	Item         string // item reference held from the seller
	Quantity     int64
	StartPrice   int64
	BuyoutPrice  int64
	ReservePrice int64
	MinIncrement int64
	Expiry       time.Time
	Status       LotStatus
	HoldID       string
	LeadingBidID string
	LeadingBid   int64 // amount of the leading bid, 0 if none
	BidCount     int
	CreatedAt    time.Time
	SettledAt    time.Time

	pending *outcome
}

func (l *Lot) Clone() *Lot {
	if l == nil {
		return nil
	}
	cp := *l
	cp.pending = nil
	return &cp
}

// NextMinimum is the lowest amount the next bid may offer.
func (l *Lot) NextMinimum() int64 {
	if l.LeadingBidID == "" {
		return l.StartPrice
	}
	return l.LeadingBid + l.MinIncrement
}

type Bid struct {
	ID       string
	LotID    string
	BidderID string
	Amount   int64
	Kind     BidKind
	Status   BidStatus
	HoldID   string
	PlacedAt time.Time
}

func (b *Bid) Clone() *Bid {
	if b == nil {
		return nil
	}
	cp := *b
	return &cp
}

// outcome is a decided lot transition. It is applied in full before the lot
// and its bids change status, and replayed unchanged after a failure.
type outcome struct {
	status     LotStatus
	settlement *ledger.Settlement
	releases   []string // hold ids returned to their owners
	winner     string   // bid id marked won
	refunded   string   // bid id marked refunded
	attempts   int
}

// SortNewestFirst orders lots by creation time, latest first.
func SortNewestFirst(lots []*Lot) {
	sort.Slice(lots, func(i, j int) bool {
		if !lots[i].CreatedAt.Equal(lots[j].CreatedAt) {
			return lots[i].CreatedAt.After(lots[j].CreatedAt)
		}
		return lots[i].ID < lots[j].ID
	})
}

// SortBidsNewestFirst orders bids by placement time, latest first.
func SortBidsNewestFirst(bids []PlacedBid) {
	sort.Slice(bids, func(i, j int) bool {
		a, b := bids[i].Bid, bids[j].Bid
		if !a.PlacedAt.Equal(b.PlacedAt) {
			return a.PlacedAt.After(b.PlacedAt)
		}
		return a.ID < b.ID
	})
}

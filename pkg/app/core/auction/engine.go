package auction

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/uhyunpark/bazaar/pkg/app/core"
	"github.com/uhyunpark/bazaar/pkg/app/core/ledger"
	"github.com/uhyunpark/bazaar/pkg/metrics"
	"github.com/uhyunpark/bazaar/pkg/util"
)

const defaultRetention = 1000

// Archive durably stores lots that reached a terminal status.
type Archive interface {
	ArchiveLot(l *Lot, bids []*Bid) error
	LoadLot(id string) (*Lot, []*Bid, error)
}

type Config struct {
	Currency            ledger.Resource
	Clock               util.Clock
	Archive             Archive
	Metrics             *metrics.Collectors
	DefaultMinIncrement int64
	MaxDuration         time.Duration // 0 means unlimited
	Retention           int           // closed lots kept in memory
}

type CreateLotRequest struct {
	SellerID     string
	Item         string
	Quantity     int64 // defaults to 1
	StartPrice   int64
	BuyoutPrice  int64
	ReservePrice int64
	MinIncrement int64 // defaults to Config.DefaultMinIncrement
	Expiry       time.Time
	Duration     time.Duration // used when Expiry is zero
}

// BidResult reports an accepted bid. Settled is true when the bid bought the
// lot outright.
type BidResult struct {
	Lot     *Lot
	Bid     *Bid
	Settled bool
}

// PlacedBid is a bid together with the lot it was placed on.
type PlacedBid struct {
	Lot *Lot
	Bid *Bid
}

type closedLot struct {
	lot  *Lot
	bids []*Bid
}

// Engine runs the auctions of one market. Calls must be serialized by the
// caller.
type Engine struct {
	marketID string
	ledger   ledger.Ledger
	cfg      Config
	store    *Store

	closed      map[string]closedLot
	closedOrder []string

	// OnLot is called whenever a lot gets a new leading bid or changes status.
	OnLot  func(*Lot)
	Logger *zap.SugaredLogger
}

func New(marketID string, l ledger.Ledger, cfg Config) *Engine {
	if cfg.Clock == nil {
		cfg.Clock = util.RealClock{}
	}
	if cfg.DefaultMinIncrement <= 0 {
		cfg.DefaultMinIncrement = 1
	}
	if cfg.Retention <= 0 {
		cfg.Retention = defaultRetention
	}
	return &Engine{
		marketID: marketID,
		ledger:   l,
		cfg:      cfg,
		store:    NewStore(),
		closed:   make(map[string]closedLot),
		Logger:   zap.NewNop().Sugar(),
	}
}

// CreateLot lists an item and holds it from the seller until the lot closes.
func (e *Engine) CreateLot(ctx context.Context, req CreateLotRequest) (*Lot, error) {
	now := e.cfg.Clock.Now()
	if req.Quantity == 0 {
		req.Quantity = 1
	}
	if req.MinIncrement == 0 {
		req.MinIncrement = e.cfg.DefaultMinIncrement
	}
	if req.Expiry.IsZero() && req.Duration > 0 {
		req.Expiry = now.Add(req.Duration)
	}
	if err := e.validateLot(req, now); err != nil {
		return nil, err
	}

	lot := &Lot{
		ID:           uuid.NewString(),
		MarketID:     e.marketID,
		SellerID:     req.SellerID,
		Item:         req.Item,
		Quantity:     req.Quantity,
		StartPrice:   req.StartPrice,
		BuyoutPrice:  req.BuyoutPrice,
		ReservePrice: req.ReservePrice,
		MinIncrement: req.MinIncrement,
		Expiry:       req.Expiry,
		Status:       LotActive,
		CreatedAt:    now,
	}

	holdID, err := e.ledger.Hold(ctx, req.SellerID, ledger.Item(req.Item), req.Quantity, "lot:"+lot.ID)
	if err != nil {
		if errors.Is(err, ledger.ErrInsufficientBalance) {
			return nil, errors.Wrapf(core.ErrItemUnavailable, "item %s x%d from %s: %v", req.Item, req.Quantity, req.SellerID, err)
		}
		return nil, errors.Wrapf(err, "hold item %s", req.Item)
	}
	lot.HoldID = holdID

	if err := e.store.Add(lot); err != nil {
		e.release(ctx, holdID, lot.ID)
		return nil, err
	}
	e.cfg.Metrics.SetActiveLots(e.marketID, e.store.ActiveCount())

	e.Logger.Infow("lot_created",
		"market", e.marketID,
		"lot", lot.ID,
		"seller", lot.SellerID,
		"item", lot.Item,
		"qty", lot.Quantity,
		"start_price", lot.StartPrice,
		"buyout_price", lot.BuyoutPrice,
		"expiry", lot.Expiry,
	)
	e.notify(lot)
	return lot.Clone(), nil
}

func (e *Engine) validateLot(req CreateLotRequest, now time.Time) error {
	switch {
	case req.SellerID == "":
		return errors.Wrap(core.ErrInvalidOrder, "seller id required")
	case req.Item == "":
		return errors.Wrap(core.ErrInvalidOrder, "item reference required")
	case req.Quantity < 0:
		return errors.Wrapf(core.ErrInvalidOrder, "quantity %d", req.Quantity)
	case req.StartPrice <= 0:
		return errors.Wrapf(core.ErrInvalidOrder, "start price %d must be positive", req.StartPrice)
	case req.MinIncrement <= 0:
		return errors.Wrapf(core.ErrInvalidOrder, "min increment %d must be positive", req.MinIncrement)
	case req.BuyoutPrice != 0 && req.BuyoutPrice < req.StartPrice:
		return errors.Wrapf(core.ErrInvalidOrder, "buyout %d below start price %d", req.BuyoutPrice, req.StartPrice)
	case req.ReservePrice < 0:
		return errors.Wrapf(core.ErrInvalidOrder, "reserve %d", req.ReservePrice)
	case req.BuyoutPrice != 0 && req.ReservePrice > req.BuyoutPrice:
		return errors.Wrapf(core.ErrInvalidOrder, "reserve %d above buyout %d", req.ReservePrice, req.BuyoutPrice)
	case !req.Expiry.After(now):
		return errors.Wrapf(core.ErrInvalidOrder, "expiry %s is not in the future", req.Expiry)
	case e.cfg.MaxDuration > 0 && req.Expiry.Sub(now) > e.cfg.MaxDuration:
		return errors.Wrapf(core.ErrInvalidOrder, "lot duration %s exceeds %s", req.Expiry.Sub(now), e.cfg.MaxDuration)
	}
	return nil
}

// PlaceBid reserves amount from the bidder and makes the bid leading. A bid
// at or above the buyout price settles the lot immediately at the buyout
// price, provided the buyout price still meets the next minimum.
func (e *Engine) PlaceBid(ctx context.Context, lotID, bidderID string, amount int64) (*BidResult, error) {
	res, err := e.placeBid(ctx, lotID, bidderID, amount, BidNormal)
	e.cfg.Metrics.Bid(e.marketID, bidOutcome(res, err))
	return res, err
}

// Buyout bids exactly the buyout price. It only has to beat the leading bid,
// not the increment.
func (e *Engine) Buyout(ctx context.Context, lotID, characterID string) (*BidResult, error) {
	lot, err := e.activeLot(lotID)
	if err != nil {
		return nil, err
	}
	if lot.BuyoutPrice == 0 {
		return nil, errors.Wrapf(core.ErrInvalidOrder, "lot %s has no buyout price", lotID)
	}
	res, err := e.placeBid(ctx, lotID, characterID, lot.BuyoutPrice, BidBuyout)
	e.cfg.Metrics.Bid(e.marketID, bidOutcome(res, err))
	return res, err
}

func bidOutcome(res *BidResult, err error) string {
	switch {
	case err == nil && res.Settled:
		return "buyout"
	case err == nil:
		return "leading"
	default:
		return core.Kind(err)
	}
}

func (e *Engine) activeLot(lotID string) (*Lot, error) {
	lot, err := e.store.Get(lotID)
	if err != nil {
		if e.wasClosed(lotID) {
			return nil, errors.Wrapf(core.ErrLotNotActive, "lot %s is closed", lotID)
		}
		return nil, err
	}
	if lot.Status != LotActive {
		return nil, errors.Wrapf(core.ErrLotNotActive, "lot %s is %s", lotID, lot.Status)
	}
	if now := e.cfg.Clock.Now(); !now.Before(lot.Expiry) {
		return nil, errors.Wrapf(core.ErrLotNotActive, "lot %s expired at %s", lotID, lot.Expiry)
	}
	return lot, nil
}

// wasClosed reports whether the lot closed in this market, including lots
// that only remain in the archive.
func (e *Engine) wasClosed(lotID string) bool {
	if _, ok := e.closed[lotID]; ok {
		return true
	}
	if e.cfg.Archive == nil {
		return false
	}
	lot, _, err := e.cfg.Archive.LoadLot(lotID)
	return err == nil && lot.MarketID == e.marketID
}

func (e *Engine) placeBid(ctx context.Context, lotID, bidderID string, amount int64, kind BidKind) (*BidResult, error) {
	if bidderID == "" {
		return nil, errors.Wrap(core.ErrInvalidOrder, "bidder id required")
	}
	lot, err := e.activeLot(lotID)
	if err != nil {
		return nil, err
	}
	if bidderID == lot.SellerID {
		return nil, errors.Wrapf(core.ErrNotOwner, "%s cannot bid on own lot %s", bidderID, lotID)
	}

	buyout := lot.BuyoutPrice > 0 && amount >= lot.BuyoutPrice
	if buyout {
		amount = lot.BuyoutPrice
	}
	switch floor := lot.NextMinimum(); {
	case kind == BidBuyout:
		// an explicit buyout only has to beat the leader
		if lot.LeadingBidID != "" && amount <= lot.LeadingBid {
			return nil, errors.Wrapf(core.ErrBidTooLow, "buyout %d does not beat leading bid %d", amount, lot.LeadingBid)
		}
	case amount < floor:
		return nil, errors.Wrapf(core.ErrBidTooLow, "bid %d on lot %s, minimum is %d", amount, lotID, floor)
	}
	if buyout {
		kind = BidBuyout
	}

	bid := &Bid{
		ID:       uuid.NewString(),
		LotID:    lot.ID,
		BidderID: bidderID,
		Amount:   amount,
		Kind:     kind,
		Status:   BidLeading,
		PlacedAt: e.cfg.Clock.Now(),
	}
	holdID, err := e.ledger.Hold(ctx, bidderID, e.cfg.Currency, amount, "lot:"+lot.ID)
	if err != nil {
		if errors.Is(err, ledger.ErrInsufficientBalance) {
			return nil, errors.Wrapf(core.ErrInsufficientFunds, "bid %d by %s: %v", amount, bidderID, err)
		}
		return nil, errors.Wrapf(err, "hold bid by %s", bidderID)
	}
	bid.HoldID = holdID

	if prev, ok := e.store.Leading(lot); ok {
		if _, err := e.ledger.Release(ctx, prev.HoldID); err != nil {
			// keep the previous leader; undo the new reservation
			e.release(ctx, holdID, lot.ID)
			return nil, errors.Wrapf(err, "refund outbid %s", prev.ID)
		}
		prev.Status = BidOutbid
	}

	e.store.AddBid(bid)
	lot.LeadingBidID = bid.ID
	lot.LeadingBid = bid.Amount
	lot.BidCount++

	e.Logger.Infow("bid_placed",
		"market", e.marketID,
		"lot", lot.ID,
		"bid", bid.ID,
		"bidder", bidderID,
		"amount", amount,
		"kind", kind.String(),
	)

	if !buyout {
		e.notify(lot)
		return &BidResult{Lot: lot.Clone(), Bid: bid.Clone()}, nil
	}

	err = e.apply(ctx, lot, e.soldOutcome(lot, bid))
	return &BidResult{Lot: lot.Clone(), Bid: bid.Clone(), Settled: err == nil}, err
}

// CancelLot withdraws an active lot that has no bids and returns the item.
func (e *Engine) CancelLot(ctx context.Context, lotID, sellerID string) (*Lot, error) {
	lot, err := e.store.Get(lotID)
	if err != nil {
		if e.wasClosed(lotID) {
			return nil, errors.Wrapf(core.ErrLotNotActive, "lot %s is closed", lotID)
		}
		return nil, err
	}
	if lot.SellerID != sellerID {
		return nil, errors.Wrapf(core.ErrNotOwner, "lot %s", lotID)
	}
	if lot.Status != LotActive {
		return nil, errors.Wrapf(core.ErrLotNotActive, "lot %s is %s", lotID, lot.Status)
	}
	if lot.LeadingBidID != "" {
		return nil, errors.Wrapf(core.ErrLotNotActive, "lot %s already has bids", lotID)
	}

	if err := e.apply(ctx, lot, &outcome{status: LotCancelled, releases: []string{lot.HoldID}}); err != nil {
		return lot.Clone(), err
	}
	return lot.Clone(), nil
}

// Sweep closes every lot whose expiry is at or before now and retries lots
// left pending by a failed settlement. It returns the lots it touched.
// Sweeping the same instant twice does nothing the second time.
func (e *Engine) Sweep(ctx context.Context, now time.Time) []*Lot {
	var touched []*Lot

	for _, lot := range e.store.Pending() {
		o := lot.pending
		o.attempts++
		e.Logger.Infow("lot_settlement_retry", "market", e.marketID, "lot", lot.ID, "attempt", o.attempts)
		if err := e.apply(ctx, lot, o); err == nil {
			touched = append(touched, lot.Clone())
		}
	}

	for _, lot := range e.store.Due(now) {
		var o *outcome
		leader, hasBid := e.store.Leading(lot)
		switch {
		case hasBid && leader.Amount >= lot.ReservePrice:
			o = e.soldOutcome(lot, leader)
		case hasBid:
			e.Logger.Infow("lot_reserve_not_met", "market", e.marketID, "lot", lot.ID, "leading", leader.Amount, "reserve", lot.ReservePrice)
			o = &outcome{status: LotExpiredUnsold, releases: []string{leader.HoldID, lot.HoldID}, refunded: leader.ID}
		default:
			o = &outcome{status: LotExpiredUnsold, releases: []string{lot.HoldID}}
		}
		_ = e.apply(ctx, lot, o) // failures are parked as pending
		touched = append(touched, lot.Clone())
	}
	return touched
}

func (e *Engine) soldOutcome(lot *Lot, bid *Bid) *outcome {
	return &outcome{
		status: LotSold,
		settlement: &ledger.Settlement{
			ID: "lot:" + lot.ID,
			Transfers: []ledger.Transfer{
				{HoldID: bid.HoldID, To: lot.SellerID, Amount: bid.Amount},
				{HoldID: lot.HoldID, To: bid.BidderID, Amount: lot.Quantity},
			},
		},
		winner: bid.ID,
	}
}

// apply runs an outcome against the ledger. On failure the lot is parked as
// pending with the same outcome so a retry cannot double-transfer.
func (e *Engine) apply(ctx context.Context, lot *Lot, o *outcome) error {
	if err := e.settle(ctx, o); err != nil {
		lot.pending = o
		e.store.SetStatus(lot, LotPending)
		e.cfg.Metrics.SettlementFailed(e.marketID, "auction")
		e.cfg.Metrics.SetActiveLots(e.marketID, e.store.ActiveCount())
		e.Logger.Errorw("lot_settlement_failed",
			"market", e.marketID,
			"lot", lot.ID,
			"target", o.status.String(),
			"attempt", o.attempts,
			"err", err,
		)
		e.notify(lot)
		return errors.Wrapf(core.ErrSettlementFailed, "lot %s: %v", lot.ID, err)
	}

	if b, ok := e.store.Bid(o.winner); ok {
		b.Status = BidWon
	}
	if b, ok := e.store.Bid(o.refunded); ok {
		b.Status = BidRefunded
	}
	lot.pending = nil
	lot.SettledAt = e.cfg.Clock.Now()
	e.store.SetStatus(lot, o.status)
	e.cfg.Metrics.LotClosed(e.marketID, o.status.String())
	e.cfg.Metrics.SetActiveLots(e.marketID, e.store.ActiveCount())

	e.Logger.Infow("lot_closed",
		"market", e.marketID,
		"lot", lot.ID,
		"status", o.status.String(),
		"seller", lot.SellerID,
		"leading_bid", lot.LeadingBid,
	)
	e.notify(lot)
	e.archive(lot.ID)
	return nil
}

func (e *Engine) settle(ctx context.Context, o *outcome) error {
	if o.settlement != nil {
		if err := e.ledger.Commit(ctx, *o.settlement); err != nil {
			return errors.Wrapf(err, "commit %s", o.settlement.ID)
		}
	}
	for _, id := range o.releases {
		if _, err := e.ledger.Release(ctx, id); err != nil {
			return errors.Wrapf(err, "release %s", id)
		}
	}
	return nil
}

func (e *Engine) release(ctx context.Context, holdID, lotID string) {
	if _, err := e.ledger.Release(ctx, holdID); err != nil {
		e.Logger.Errorw("hold_release_failed", "market", e.marketID, "lot", lotID, "hold", holdID, "err", err)
	}
}

func (e *Engine) archive(lotID string) {
	lot, bids, err := e.store.Remove(lotID)
	if err != nil {
		e.Logger.Warnw("lot_archive_failed", "lot", lotID, "err", err)
		return
	}
	if e.cfg.Archive != nil {
		if err := e.cfg.Archive.ArchiveLot(lot, bids); err != nil {
			e.Logger.Warnw("lot_archive_failed", "lot", lotID, "err", err)
		}
	}

	e.closed[lotID] = closedLot{lot: lot, bids: bids}
	e.closedOrder = append(e.closedOrder, lotID)
	if len(e.closedOrder) > e.cfg.Retention {
		delete(e.closed, e.closedOrder[0])
		e.closedOrder = e.closedOrder[1:]
	}
}

func (e *Engine) notify(lot *Lot) {
	if e.OnLot != nil {
		e.OnLot(lot.Clone())
	}
}

// Lot returns an open, pending or closed lot.
func (e *Engine) Lot(id string) (*Lot, error) {
	if lot, err := e.store.Get(id); err == nil {
		return lot.Clone(), nil
	}
	if c, ok := e.closed[id]; ok {
		return c.lot.Clone(), nil
	}
	if e.cfg.Archive != nil {
		lot, _, err := e.cfg.Archive.LoadLot(id)
		if err == nil && lot.MarketID == e.marketID {
			return lot, nil
		}
	}
	return nil, errors.Wrapf(core.ErrNotFound, "lot %s", id)
}

// Bids returns the bid history of a lot, oldest first.
func (e *Engine) Bids(lotID string) ([]*Bid, error) {
	var bids []*Bid
	if _, err := e.store.Get(lotID); err == nil {
		bids = e.store.Bids(lotID)
	} else if c, ok := e.closed[lotID]; ok {
		bids = c.bids
	} else if e.cfg.Archive != nil {
		lot, archived, err := e.cfg.Archive.LoadLot(lotID)
		if err != nil || lot.MarketID != e.marketID {
			return nil, errors.Wrapf(core.ErrNotFound, "lot %s", lotID)
		}
		return archived, nil
	} else {
		return nil, errors.Wrapf(core.ErrNotFound, "lot %s", lotID)
	}

	out := make([]*Bid, len(bids))
	for i, b := range bids {
		out[i] = b.Clone()
	}
	return out, nil
}

// ActiveLots lists lots open for bidding, soonest expiry first.
func (e *Engine) ActiveLots() []*Lot {
	active := e.store.Active()
	out := make([]*Lot, len(active))
	for i, l := range active {
		out[i] = l.Clone()
	}
	return out
}

// LotsBySeller lists a seller's lots that are open, pending or still in the
// closed-lot history, newest first.
func (e *Engine) LotsBySeller(sellerID string) []*Lot {
	var out []*Lot
	for _, l := range e.store.Lots() {
		if l.SellerID == sellerID {
			out = append(out, l.Clone())
		}
	}
	for _, c := range e.closed {
		if c.lot.SellerID == sellerID {
			out = append(out, c.lot.Clone())
		}
	}
	SortNewestFirst(out)
	return out
}

// BidsByBidder lists every bid a character placed on lots this engine still
// holds, most recent first.
func (e *Engine) BidsByBidder(bidderID string) []PlacedBid {
	var out []PlacedBid
	collect := func(l *Lot, bids []*Bid) {
		for _, b := range bids {
			if b.BidderID == bidderID {
				out = append(out, PlacedBid{Lot: l.Clone(), Bid: b.Clone()})
			}
		}
	}
	for _, l := range e.store.Lots() {
		collect(l, e.store.Bids(l.ID))
	}
	for _, c := range e.closed {
		collect(c.lot, c.bids)
	}
	SortBidsNewestFirst(out)
	return out
}

// PendingLots lists lots waiting for a settlement retry.
func (e *Engine) PendingLots() []*Lot {
	pending := e.store.Pending()
	out := make([]*Lot, len(pending))
	for i, l := range pending {
		out[i] = l.Clone()
	}
	return out
}

func (e *Engine) Validate() error { return e.store.Validate() }

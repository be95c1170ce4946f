package exchange

import (
	"context"
	"sort"

	"github.com/pkg/errors"

	"github.com/uhyunpark/bazaar/pkg/app/core"
	"github.com/uhyunpark/bazaar/pkg/app/core/auction"
	"github.com/uhyunpark/bazaar/pkg/app/core/matching"
)

// SubmitOrder places a limit or market order in an open market.
func (c *Coordinator) SubmitOrder(ctx context.Context, marketID string, req matching.SubmitRequest) (*matching.Result, error) {
	var res *matching.Result
	err := c.Route(ctx, marketID, func(ctx context.Context, m *Market) error {
		if err := c.requireOpen(marketID); err != nil {
			return err
		}
		var err error
		res, err = m.Matching.Submit(ctx, req)
		if res != nil {
			c.publishBook(m, req.CommodityID)
		}
		return err
	})
	return res, err
}

// CancelOrder is accepted in closed markets too.
func (c *Coordinator) CancelOrder(ctx context.Context, marketID, orderID, characterID string) (*core.Order, error) {
	var o *core.Order
	err := c.Route(ctx, marketID, func(ctx context.Context, m *Market) error {
		var err error
		o, err = m.Matching.Cancel(ctx, orderID, characterID)
		if err == nil {
			c.publishBook(m, o.CommodityID)
		}
		return err
	})
	return o, err
}

// CancelAllOrders cancels every open order of a character in one market.
func (c *Coordinator) CancelAllOrders(ctx context.Context, marketID, characterID string) ([]*core.Order, error) {
	var out []*core.Order
	err := c.Route(ctx, marketID, func(ctx context.Context, m *Market) error {
		var err error
		out, err = m.Matching.CancelAll(ctx, characterID)
		touched := make(map[string]bool)
		for _, o := range out {
			if !touched[o.CommodityID] {
				touched[o.CommodityID] = true
				c.publishBook(m, o.CommodityID)
			}
		}
		return err
	})
	return out, err
}

// GetOrderBook returns aggregated price levels without queueing behind
// pending operations.
func (c *Coordinator) GetOrderBook(marketID, commodityID string, depth int) (matching.Snapshot, error) {
	var (
		snap matching.Snapshot
		err  error
	)
	if rerr := c.read(marketID, func(m *Market) { snap, err = m.Matching.Book(commodityID, depth) }); rerr != nil {
		return snap, rerr
	}
	return snap, err
}

func (c *Coordinator) GetOrder(marketID, orderID string) (*core.Order, error) {
	var (
		o   *core.Order
		err error
	)
	if rerr := c.read(marketID, func(m *Market) { o, err = m.Matching.Order(orderID) }); rerr != nil {
		return nil, rerr
	}
	return o, err
}

func (c *Coordinator) RecentTrades(marketID, commodityID string, limit int) ([]core.Trade, error) {
	var (
		trades []core.Trade
		err    error
	)
	if rerr := c.read(marketID, func(m *Market) { trades, err = m.Matching.Trades(commodityID, limit) }); rerr != nil {
		return nil, rerr
	}
	return trades, err
}

// ListActiveOrders returns a character's resting orders across all markets.
func (c *Coordinator) ListActiveOrders(characterID string) []*core.Order {
	var out []*core.Order
	for _, id := range c.marketIDs() {
		c.actors[id].read(func(m *Market) {
			out = append(out, m.Matching.OpenOrders(characterID)...)
		})
	}
	return out
}

// CreateLot lists an item for auction in an open market.
func (c *Coordinator) CreateLot(ctx context.Context, marketID string, req auction.CreateLotRequest) (*auction.Lot, error) {
	var lot *auction.Lot
	err := c.Route(ctx, marketID, func(ctx context.Context, m *Market) error {
		if err := c.requireOpen(marketID); err != nil {
			return err
		}
		var err error
		lot, err = m.Auction.CreateLot(ctx, req)
		return err
	})
	return lot, err
}

func (c *Coordinator) PlaceBid(ctx context.Context, marketID, lotID, bidderID string, amount int64) (*auction.BidResult, error) {
	var res *auction.BidResult
	err := c.Route(ctx, marketID, func(ctx context.Context, m *Market) error {
		if err := c.requireOpen(marketID); err != nil {
			return err
		}
		var err error
		res, err = m.Auction.PlaceBid(ctx, lotID, bidderID, amount)
		return err
	})
	return res, err
}

func (c *Coordinator) BuyoutLot(ctx context.Context, marketID, lotID, characterID string) (*auction.BidResult, error) {
	var res *auction.BidResult
	err := c.Route(ctx, marketID, func(ctx context.Context, m *Market) error {
		if err := c.requireOpen(marketID); err != nil {
			return err
		}
		var err error
		res, err = m.Auction.Buyout(ctx, lotID, characterID)
		return err
	})
	return res, err
}

// CancelLot is accepted in closed markets too.
func (c *Coordinator) CancelLot(ctx context.Context, marketID, lotID, sellerID string) (*auction.Lot, error) {
	var lot *auction.Lot
	err := c.Route(ctx, marketID, func(ctx context.Context, m *Market) error {
		var err error
		lot, err = m.Auction.CancelLot(ctx, lotID, sellerID)
		return err
	})
	return lot, err
}

func (c *Coordinator) GetLot(marketID, lotID string) (*auction.Lot, error) {
	var (
		lot *auction.Lot
		err error
	)
	if rerr := c.read(marketID, func(m *Market) { lot, err = m.Auction.Lot(lotID) }); rerr != nil {
		return nil, rerr
	}
	return lot, err
}

func (c *Coordinator) LotBids(marketID, lotID string) ([]*auction.Bid, error) {
	var (
		bids []*auction.Bid
		err  error
	)
	if rerr := c.read(marketID, func(m *Market) { bids, err = m.Auction.Bids(lotID) }); rerr != nil {
		return nil, rerr
	}
	return bids, err
}

// ListActiveLots lists open lots of one market, or of every market when
// marketID is empty, soonest expiry first.
func (c *Coordinator) ListActiveLots(marketID string) ([]*auction.Lot, error) {
	ids := []string{marketID}
	if marketID == "" {
		ids = c.marketIDs()
	}

	var out []*auction.Lot
	for _, id := range ids {
		a, ok := c.actors[id]
		if !ok {
			return nil, errors.Wrapf(core.ErrNotFound, "market %s", id)
		}
		a.read(func(m *Market) { out = append(out, m.Auction.ActiveLots()...) })
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Expiry.Before(out[j].Expiry) })
	return out, nil
}

// LotsBySeller lists a character's lots across all markets, newest first.
func (c *Coordinator) LotsBySeller(characterID string) []*auction.Lot {
	var out []*auction.Lot
	for _, id := range c.marketIDs() {
		c.actors[id].read(func(m *Market) {
			out = append(out, m.Auction.LotsBySeller(characterID)...)
		})
	}
	auction.SortNewestFirst(out)
	return out
}

// BidsByBidder lists a character's bids across all markets, most recent
// first.
func (c *Coordinator) BidsByBidder(characterID string) []auction.PlacedBid {
	var out []auction.PlacedBid
	for _, id := range c.marketIDs() {
		c.actors[id].read(func(m *Market) {
			out = append(out, m.Auction.BidsByBidder(characterID)...)
		})
	}
	auction.SortBidsNewestFirst(out)
	return out
}

package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/bazaar/pkg/app/core"
	"github.com/uhyunpark/bazaar/pkg/app/core/auction"
	"github.com/uhyunpark/bazaar/pkg/app/core/ledger"
	"github.com/uhyunpark/bazaar/pkg/app/core/market"
	"github.com/uhyunpark/bazaar/pkg/app/core/matching"
	"github.com/uhyunpark/bazaar/pkg/app/exchange"
	"github.com/uhyunpark/bazaar/pkg/util"
)

var epoch = time.Date(2077, 1, 1, 0, 0, 0, 0, time.UTC)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func trade(id, marketID, commodityID string, at time.Time) core.Trade {
	return core.Trade{
		ID: id, MarketID: marketID, CommodityID: commodityID,
		BuyerID: "judy", SellerID: "v", Price: 10, Quantity: 1, Timestamp: at,
	}
}

func TestRecentTradesNewestFirst(t *testing.T) {
	s := openStore(t)
	require.NoError(t, s.SaveTrade(trade("t1", "night-city", "ore", epoch)))
	require.NoError(t, s.SaveTrade(trade("t2", "night-city", "ore", epoch.Add(time.Second))))
	require.NoError(t, s.SaveTrade(trade("t3", "night-city", "ore", epoch.Add(time.Second)))) // same instant
	require.NoError(t, s.SaveTrade(trade("x1", "night-city", "chips", epoch.Add(time.Minute))))
	require.NoError(t, s.SaveTrade(trade("p1", "pacifica", "ore", epoch.Add(time.Minute))))

	got, err := s.RecentTrades("night-city", "ore", 10)
	require.NoError(t, err)
	ids := make([]string, len(got))
	for i, tr := range got {
		ids[i] = tr.ID
	}
	assert.Equal(t, []string{"t3", "t2", "t1"}, ids)
	assert.True(t, got[0].Timestamp.Equal(epoch.Add(time.Second)))

	got, err = s.RecentTrades("night-city", "ore", 2)
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = s.RecentTrades("atlantis", "ore", 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestArchiveLot(t *testing.T) {
	s := openStore(t)

	lot := &auction.Lot{
		ID: "lot-1", MarketID: "night-city", SellerID: "v", Item: "mantis-blades", Quantity: 1,
		StartPrice: 100, MinIncrement: 10, Expiry: epoch.Add(time.Hour),
		Status: auction.LotSold, LeadingBidID: "bid-2", LeadingBid: 110, BidCount: 2,
	}
	bids := []*auction.Bid{
		{ID: "bid-1", LotID: "lot-1", BidderID: "judy", Amount: 100, Status: auction.BidRefunded},
		{ID: "bid-2", LotID: "lot-1", BidderID: "panam", Amount: 110, Status: auction.BidWon},
	}
	require.NoError(t, s.ArchiveLot(lot, bids))

	gotLot, gotBids, err := s.LoadLot("lot-1")
	require.NoError(t, err)
	assert.Equal(t, auction.LotSold, gotLot.Status)
	assert.Equal(t, int64(110), gotLot.LeadingBid)
	assert.True(t, gotLot.Expiry.Equal(lot.Expiry))
	require.Len(t, gotBids, 2)
	assert.Equal(t, auction.BidWon, gotBids[1].Status)

	_, _, err = s.LoadLot("lot-404")
	require.ErrorIs(t, err, core.ErrNotFound)
}

func TestBalancesSurviveReopen(t *testing.T) {
	dir := t.TempDir()
	eddies := ledger.Currency("eddies")
	katana := ledger.Item("katana-0451")

	s, err := Open(dir)
	require.NoError(t, err)
	l, err := ledger.NewPersistent(s)
	require.NoError(t, err)
	require.NoError(t, l.Deposit("v", eddies, 500))
	require.NoError(t, l.Deposit("v", katana, 1))

	// held amounts are not persisted
	_, err = l.Hold(context.Background(), "v", eddies, 200, "order")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(dir)
	require.NoError(t, err)
	defer s.Close()
	accs, err := s.LoadAccounts()
	require.NoError(t, err)
	require.Len(t, accs, 1)
	assert.Equal(t, "v", accs[0].CharacterID)
	assert.Equal(t, int64(500), accs[0].Balances[eddies.String()])
	assert.Equal(t, int64(1), accs[0].Balances[katana.String()])
	assert.Empty(t, accs[0].Held)

	l, err = ledger.NewPersistent(s)
	require.NoError(t, err)
	assert.Equal(t, int64(500), l.Available("v", eddies))
}

func TestJournalBacksCoordinator(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	eddies := ledger.Currency("eddies")

	reg := market.NewRegistry()
	m, err := market.NewMarket("night-city", "Night City", market.Open, market.Commodity{ID: "ore", TickSize: 1, LotSize: 1})
	require.NoError(t, err)
	require.NoError(t, reg.Register(m))

	l, err := ledger.NewPersistent(s)
	require.NoError(t, err)
	require.NoError(t, l.Deposit("v", ledger.Commodity("ore"), 10))
	require.NoError(t, l.Deposit("v", ledger.Item("deck"), 1))
	require.NoError(t, l.Deposit("judy", eddies, 1_000))

	clock := util.NewManualClock(epoch)
	c := exchange.New(reg, l, exchange.Config{Currency: eddies, Clock: clock, Journal: s, SweepInterval: time.Hour}, nil)
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- c.Run(runCtx) }()
	defer func() {
		cancel()
		require.NoError(t, <-done)
	}()

	_, err = c.SubmitOrder(ctx, "night-city", matching.SubmitRequest{
		CharacterID: "v", CommodityID: "ore", Side: core.Sell, Kind: core.Limit, Price: 20, Quantity: 5,
	})
	require.NoError(t, err)
	_, err = c.SubmitOrder(ctx, "night-city", matching.SubmitRequest{
		CharacterID: "judy", CommodityID: "ore", Side: core.Buy, Kind: core.Market, Quantity: 3,
	})
	require.NoError(t, err)

	trades, err := s.RecentTrades("night-city", "ore", 10)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, int64(3), trades[0].Quantity)

	lot, err := c.CreateLot(ctx, "night-city", auction.CreateLotRequest{
		SellerID: "v", Item: "deck", StartPrice: 50, Duration: time.Minute,
	})
	require.NoError(t, err)
	_, err = c.CancelLot(ctx, "night-city", lot.ID, "v")
	require.NoError(t, err)

	archived, _, err := s.LoadLot(lot.ID)
	require.NoError(t, err)
	assert.Equal(t, auction.LotCancelled, archived.Status)
}

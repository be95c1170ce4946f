package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/bazaar/pkg/app/core"
	"github.com/uhyunpark/bazaar/pkg/app/core/ledger"
	"github.com/uhyunpark/bazaar/pkg/app/core/market"
	"github.com/uhyunpark/bazaar/pkg/app/exchange"
	"github.com/uhyunpark/bazaar/pkg/metrics"
	"github.com/uhyunpark/bazaar/pkg/util"
)

var eddies = ledger.Currency("eddies")

type fixture struct {
	srv    *Server
	hub    *Hub
	ledger *ledger.Memory
	h      http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg := market.NewRegistry()
	m, err := market.NewMarket("night-city", "Night City", market.Open, market.Commodity{ID: "ore", TickSize: 5, LotSize: 1})
	require.NoError(t, err)
	require.NoError(t, reg.Register(m))

	l := ledger.NewMemory()
	require.NoError(t, l.Deposit("v", ledger.Commodity("ore"), 100))
	require.NoError(t, l.Deposit("v", ledger.Item("mantis-blades"), 1))
	require.NoError(t, l.Deposit("judy", eddies, 10_000))

	promReg := prometheus.NewRegistry()
	hub := NewHub(2, nil)
	coord := exchange.New(reg, l, exchange.Config{
		Currency: eddies,
		Clock:    util.NewManualClock(time.Date(2077, 1, 1, 0, 0, 0, 0, time.UTC)),
		Metrics:  metrics.New(promReg),
		Listener: hub,
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- coord.Run(ctx) }()
	go hub.Run(ctx)
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})

	srv := NewServer(coord, hub, Config{Decimals: 2, Gatherer: promReg}, nil)
	return &fixture{srv: srv, hub: hub, ledger: l, h: srv.Handler()}
}

func (f *fixture) do(t *testing.T, method, path, character string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if character != "" {
		req.Header.Set(CharacterHeader, character)
	}
	rec := httptest.NewRecorder()
	f.h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out), rec.Body.String())
	return out
}

func TestMarkets(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, "GET", "/api/v1/markets", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	markets := decode[[]MarketInfo](t, rec)
	require.Len(t, markets, 1)
	assert.Equal(t, "open", markets[0].Status)
	assert.Equal(t, []CommodityInfo{{ID: "ore", TickSize: 5, LotSize: 1}}, markets[0].Commodities)

	rec = f.do(t, "POST", "/api/v1/markets/night-city/close", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "closed", decode[MarketInfo](t, rec).Status)

	rec = f.do(t, "GET", "/api/v1/markets/atlantis", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NotFound", decode[ErrorResponse](t, rec).Error)
}

func TestSellThenMatch(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, "POST", "/api/v1/markets/night-city/sell-orders", "v", CreateSellOrderRequest{CommodityID: "ore", Price: 1250, Size: 4})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	sell := decode[CreateSellOrder200Response](t, rec)
	assert.Equal(t, "open", sell.Status)
	assert.Equal(t, "12.50", sell.Order.Price.Display)

	rec = f.do(t, "POST", "/api/v1/markets/night-city/orders", "judy", SubmitOrderRequest{CommodityID: "ore", Side: "buy", Type: "market", Size: 3})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	match := decode[MatchOrders200Response](t, rec)
	assert.Equal(t, int64(3), match.Matched)
	require.Len(t, match.Trades, 1)
	assert.Equal(t, sell.OrderID, match.Trades[0].SellOrderID)
	assert.Equal(t, int64(1250), match.Trades[0].Price.Minor)

	rec = f.do(t, "GET", "/api/v1/markets/night-city/orderbook/ore?depth=5", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	book := decode[OrderbookSnapshot](t, rec)
	require.Len(t, book.Asks, 1)
	assert.Equal(t, int64(1), book.Asks[0].Size)
	require.NotNil(t, book.LastPrice)
	assert.Equal(t, "12.50", book.LastPrice.Display)
	assert.Equal(t, int64(3), book.Volume24h)
	assert.Equal(t, 1, book.Trades24h)

	rec = f.do(t, "GET", "/api/v1/markets/night-city/trades/ore", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]TradeInfo](t, rec), 1)

	rec = f.do(t, "GET", "/api/v1/characters/v/orders", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]OrderInfo](t, rec), 1)

	// only the owner may cancel
	rec = f.do(t, "DELETE", "/api/v1/markets/night-city/orders/"+sell.OrderID, "judy", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, "DELETE", "/api/v1/markets/night-city/orders/"+sell.OrderID, "v", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	cancelled := decode[CancelOrder200Response](t, rec)
	assert.Equal(t, "cancelled", cancelled.Status)
	assert.Equal(t, int64(1), cancelled.Released)
	assert.Equal(t, int64(97), f.ledger.Available("v", ledger.Commodity("ore")))
}

func TestErrorStatus(t *testing.T) {
	f := newFixture(t)

	cases := []struct {
		name      string
		method    string
		path      string
		character string
		body      any
		status    int
		kind      string
	}{
		{"missing character", "POST", "/api/v1/markets/night-city/orders", "", SubmitOrderRequest{}, http.StatusUnauthorized, "MissingCharacter"},
		{"bad side", "POST", "/api/v1/markets/night-city/orders", "v", SubmitOrderRequest{CommodityID: "ore", Side: "hold", Size: 1}, http.StatusBadRequest, "InvalidOrder"},
		{"off tick", "POST", "/api/v1/markets/night-city/orders", "v", SubmitOrderRequest{CommodityID: "ore", Side: "sell", Price: 7, Size: 1}, http.StatusBadRequest, "InvalidOrder"},
		{"unknown market", "POST", "/api/v1/markets/atlantis/orders", "v", SubmitOrderRequest{CommodityID: "ore", Side: "sell", Price: 5, Size: 1}, http.StatusNotFound, "NotFound"},
		{"no funds", "POST", "/api/v1/markets/night-city/orders", "v", SubmitOrderRequest{CommodityID: "ore", Side: "buy", Price: 5, Size: 1}, http.StatusPaymentRequired, "InsufficientFunds"},
		{"no item", "POST", "/api/v1/markets/night-city/lots", "judy", CreateLotRequest{Item: "mantis-blades", StartPrice: 100, DurationSec: 60}, http.StatusPaymentRequired, "ItemUnavailable"},
		{"unknown lot", "POST", "/api/v1/markets/night-city/lots/nope/bids", "judy", BidOnLotRequest{Amount: 100}, http.StatusNotFound, "NotFound"},
		{"unknown order", "GET", "/api/v1/markets/night-city/orders/nope", "", nil, http.StatusNotFound, "NotFound"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := f.do(t, tc.method, tc.path, tc.character, tc.body)
			assert.Equal(t, tc.status, rec.Code, rec.Body.String())
			assert.Equal(t, tc.kind, decode[ErrorResponse](t, rec).Error)
		})
	}
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{core.ErrBidTooLow, http.StatusBadRequest},
		{core.ErrItemUnavailable, http.StatusPaymentRequired},
		{core.ErrNotOwner, http.StatusForbidden},
		{core.ErrLotNotActive, http.StatusConflict},
		{core.ErrMarketClosed, http.StatusConflict},
		{core.ErrSettlementFailed, http.StatusBadGateway},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{exchange.ErrStopped, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.status, statusFor(tc.err), tc.err.Error())
	}
}

func TestLotLifecycle(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, "POST", "/api/v1/markets/night-city/lots", "v", CreateLotRequest{
		Item: "mantis-blades", StartPrice: 1000, BuyoutPrice: 5000, MinIncrement: 100, DurationSec: 3600,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	lot := decode[CreateLot200Response](t, rec).Lot
	assert.Equal(t, "10.00", lot.StartPrice.Display)
	assert.Equal(t, "50.00", lot.BuyoutPrice.Display)
	assert.Nil(t, lot.ReservePrice)

	rec = f.do(t, "GET", "/api/v1/lots", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]LotInfo](t, rec), 1)

	lotPath := "/api/v1/markets/night-city/lots/" + lot.ID
	rec = f.do(t, "POST", lotPath+"/bids", "v", BidOnLotRequest{Amount: 1000})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, "POST", lotPath+"/bids", "judy", BidOnLotRequest{Amount: 1000})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	bid := decode[BidOnLot200Response](t, rec)
	assert.Equal(t, "leading", bid.Bid.Status)
	assert.Equal(t, int64(1100), bid.Lot.NextMinimum.Minor)

	rec = f.do(t, "POST", lotPath+"/bids", "judy", BidOnLotRequest{Amount: 1050})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "BidTooLow", decode[ErrorResponse](t, rec).Error)

	// a lot with bids cannot be cancelled
	rec = f.do(t, "DELETE", lotPath, "v", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, "POST", lotPath+"/buyout", "judy", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	buyout := decode[BuyoutLot200Response](t, rec)
	assert.Equal(t, "sold", buyout.Lot.Status)
	assert.Equal(t, "won", buyout.Bid.Status)

	rec = f.do(t, "GET", lotPath+"/bids", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	bids := decode[[]BidInfo](t, rec)
	require.Len(t, bids, 2)
	assert.Equal(t, "outbid", bids[0].Status)

	assert.Equal(t, int64(1), f.ledger.Balance("judy", ledger.Item("mantis-blades")))
	assert.Equal(t, int64(5000), f.ledger.Balance("v", eddies))

	rec = f.do(t, "GET", "/api/v1/characters/v/lots", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	mine := decode[[]LotInfo](t, rec)
	require.Len(t, mine, 1)
	assert.Equal(t, "sold", mine[0].Status)

	rec = f.do(t, "GET", "/api/v1/characters/v/lots?status=active", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[[]LotInfo](t, rec))

	rec = f.do(t, "GET", "/api/v1/characters/judy/bids", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	placed := decode[[]CharacterBid](t, rec)
	require.Len(t, placed, 2)
	for _, p := range placed {
		assert.Equal(t, lot.ID, p.Lot.ID)
		assert.Equal(t, "judy", p.Bid.BidderID)
	}
}

func TestMetricsAndHealth(t *testing.T) {
	f := newFixture(t)
	f.do(t, "POST", "/api/v1/markets/night-city/sell-orders", "v", CreateSellOrderRequest{CommodityID: "ore", Price: 10, Size: 1})

	rec := f.do(t, "GET", "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "bazaar_orders_submitted_total")

	rec = f.do(t, "GET", "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestWebSocketPushesTrades(t *testing.T) {
	f := newFixture(t)
	ts := httptest.NewServer(f.h)
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	channel := tradeChannel("night-city", "ore")
	require.NoError(t, conn.WriteJSON(WSSubscribeRequest{Op: "subscribe", Channels: []string{channel}}))
	require.Eventually(t, func() bool {
		f.hub.mu.RLock()
		defer f.hub.mu.RUnlock()
		for c := range f.hub.clients {
			if c.IsSubscribed(channel) {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	f.do(t, "POST", "/api/v1/markets/night-city/sell-orders", "v", CreateSellOrderRequest{CommodityID: "ore", Price: 10, Size: 1})
	f.do(t, "POST", "/api/v1/markets/night-city/orders", "judy", SubmitOrderRequest{CommodityID: "ore", Side: "buy", Price: 10, Size: 1})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var update TradeUpdate
	require.NoError(t, conn.ReadJSON(&update))
	assert.Equal(t, "trade", update.Type)
	assert.Equal(t, "0.10", update.Price.Display)
	assert.Equal(t, "buy", update.TakerSide)
}

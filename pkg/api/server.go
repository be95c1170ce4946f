// Package api exposes the coordinator over REST and pushes market events to
// WebSocket subscribers.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/uhyunpark/bazaar/pkg/app/core"
	"github.com/uhyunpark/bazaar/pkg/app/core/auction"
	"github.com/uhyunpark/bazaar/pkg/app/core/matching"
	"github.com/uhyunpark/bazaar/pkg/app/exchange"
	"github.com/uhyunpark/bazaar/pkg/util"
)

// CharacterHeader carries the acting character. Authentication happens in
// front of this server.
const CharacterHeader = "X-Character-ID"

const (
	defaultDepth = 20
	defaultLimit = 50
)

type Config struct {
	AllowedOrigins []string
	Decimals       int32 // currency decimals used for display amounts
	Gatherer       prometheus.Gatherer
}

// Server handles REST API and WebSocket connections
type Server struct {
	coord  *exchange.Coordinator
	router *mux.Router
	hub    *Hub
	fmt    formatter
	cfg    Config
	logger *zap.SugaredLogger
}

// NewServer creates a new API server
func NewServer(coord *exchange.Coordinator, hub *Hub, cfg Config, logger *zap.SugaredLogger) *Server {
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		coord:  coord,
		router: mux.NewRouter(),
		hub:    hub,
		fmt:    formatter{decimals: cfg.Decimals},
		cfg:    cfg,
		logger: util.NopIfNil(logger),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Market endpoints
	api.HandleFunc("/markets", s.handleGetMarkets).Methods("GET")
	api.HandleFunc("/markets/{market}", s.handleGetMarket).Methods("GET")
	api.HandleFunc("/markets/{market}/open", s.handleOpenMarket).Methods("POST")
	api.HandleFunc("/markets/{market}/close", s.handleCloseMarket).Methods("POST")
	api.HandleFunc("/markets/{market}/orderbook/{commodity}", s.handleGetOrderbook).Methods("GET")
	api.HandleFunc("/markets/{market}/trades/{commodity}", s.handleGetTrades).Methods("GET")

	// Orders
	api.HandleFunc("/markets/{market}/orders", s.handleSubmitOrder).Methods("POST")
	api.HandleFunc("/markets/{market}/sell-orders", s.handleCreateSellOrder).Methods("POST")
	api.HandleFunc("/markets/{market}/orders", s.handleCancelAllOrders).Methods("DELETE")
	api.HandleFunc("/markets/{market}/orders/{order}", s.handleGetOrder).Methods("GET")
	api.HandleFunc("/markets/{market}/orders/{order}", s.handleCancelOrder).Methods("DELETE")
	api.HandleFunc("/characters/{character}/orders", s.handleGetCharacterOrders).Methods("GET")
	api.HandleFunc("/characters/{character}/lots", s.handleGetCharacterLots).Methods("GET")
	api.HandleFunc("/characters/{character}/bids", s.handleGetCharacterBids).Methods("GET")

	// Auction lots
	api.HandleFunc("/lots", s.handleListLots).Methods("GET")
	api.HandleFunc("/markets/{market}/lots", s.handleListLots).Methods("GET")
	api.HandleFunc("/markets/{market}/lots", s.handleCreateLot).Methods("POST")
	api.HandleFunc("/markets/{market}/lots/{lot}", s.handleGetLot).Methods("GET")
	api.HandleFunc("/markets/{market}/lots/{lot}", s.handleCancelLot).Methods("DELETE")
	api.HandleFunc("/markets/{market}/lots/{lot}/bids", s.handleGetBids).Methods("GET")
	api.HandleFunc("/markets/{market}/lots/{lot}/bids", s.handleBidOnLot).Methods("POST")
	api.HandleFunc("/markets/{market}/lots/{lot}/buyout", s.handleBuyoutLot).Methods("POST")

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.Handle("/metrics", promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{})).Methods("GET")
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Handler returns the router wrapped with CORS.
func (s *Server) Handler() http.Handler {
	origins := s.cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:3000", "http://localhost:3001"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization", CharacterHeader},
		AllowCredentials: true,
	})
	return c.Handler(s.router)
}

// Start serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.logger.Infow("api_server_started", "addr", addr)

	select {
	case err := <-errCh:
		return errors.Wrap(err, "api server")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "api shutdown")
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.logger.Infow("api_server_stopped", "addr", addr)
	return nil
}

// ==============================
// Markets
// ==============================

func (s *Server) handleGetMarkets(w http.ResponseWriter, r *http.Request) {
	markets := s.coord.Markets()
	response := make([]MarketInfo, len(markets))
	for i, m := range markets {
		response[i] = s.fmt.market(m)
	}
	respondJSON(w, response)
}

func (s *Server) handleGetMarket(w http.ResponseWriter, r *http.Request) {
	m, err := s.coord.Market(mux.Vars(r)["market"])
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, s.fmt.market(m))
}

func (s *Server) handleOpenMarket(w http.ResponseWriter, r *http.Request) {
	s.setMarketStatus(w, r, s.coord.OpenMarket)
}

func (s *Server) handleCloseMarket(w http.ResponseWriter, r *http.Request) {
	s.setMarketStatus(w, r, s.coord.CloseMarket)
}

func (s *Server) setMarketStatus(w http.ResponseWriter, r *http.Request, set func(context.Context, string) error) {
	id := mux.Vars(r)["market"]
	if err := set(r.Context(), id); err != nil {
		s.respondErr(w, err)
		return
	}
	s.handleGetMarket(w, r)
}

func (s *Server) handleGetOrderbook(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	snap, err := s.coord.GetOrderBook(vars["market"], vars["commodity"], queryInt(r, "depth", defaultDepth))
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, s.fmt.book(snap, time.Now()))
}

func (s *Server) handleGetTrades(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	trades, err := s.coord.RecentTrades(vars["market"], vars["commodity"], queryInt(r, "limit", defaultLimit))
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, s.fmt.trades(trades))
}

// ==============================
// Orders
// ==============================

func (s *Server) handleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	character, ok := s.character(w, r)
	if !ok {
		return
	}
	var req SubmitOrderRequest
	if !decodeBody(w, r, &req) {
		return
	}
	side, ok := core.ParseSide(req.Side)
	if !ok {
		respondError(w, http.StatusBadRequest, "InvalidOrder", "side must be buy or sell")
		return
	}
	kind, ok := core.ParseOrderKind(req.Type)
	if !ok {
		respondError(w, http.StatusBadRequest, "InvalidOrder", "type must be limit or market")
		return
	}

	res, err := s.submit(r, matching.SubmitRequest{
		CharacterID: character,
		CommodityID: req.CommodityID,
		Side:        side,
		Kind:        kind,
		Price:       req.Price,
		Quantity:    req.Size,
	})
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, MatchOrders200Response{
		Order:   s.fmt.order(res.Order),
		Trades:  s.fmt.trades(res.Trades),
		Matched: res.Order.Filled,
	})
}

func (s *Server) handleCreateSellOrder(w http.ResponseWriter, r *http.Request) {
	character, ok := s.character(w, r)
	if !ok {
		return
	}
	var req CreateSellOrderRequest
	if !decodeBody(w, r, &req) {
		return
	}

	res, err := s.submit(r, matching.SubmitRequest{
		CharacterID: character,
		CommodityID: req.CommodityID,
		Side:        core.Sell,
		Kind:        core.Limit,
		Price:       req.Price,
		Quantity:    req.Size,
	})
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, CreateSellOrder200Response{
		OrderID: res.Order.ID,
		Status:  res.Order.Status.String(),
		Order:   s.fmt.order(res.Order),
		Trades:  s.fmt.trades(res.Trades),
	})
}

func (s *Server) submit(r *http.Request, req matching.SubmitRequest) (*matching.Result, error) {
	marketID := mux.Vars(r)["market"]
	res, err := s.coord.SubmitOrder(r.Context(), marketID, req)
	if err != nil {
		s.logger.Infow("order_rejected", "market", marketID, "character", req.CharacterID, "kind", core.Kind(err), "err", err)
	}
	return res, err
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	o, err := s.coord.GetOrder(vars["market"], vars["order"])
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, s.fmt.order(o))
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	character, ok := s.character(w, r)
	if !ok {
		return
	}
	vars := mux.Vars(r)
	o, err := s.coord.CancelOrder(r.Context(), vars["market"], vars["order"], character)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, CancelOrder200Response{
		OrderID:  o.ID,
		Status:   o.Status.String(),
		Released: o.Quantity - o.Filled,
	})
}

func (s *Server) handleCancelAllOrders(w http.ResponseWriter, r *http.Request) {
	character, ok := s.character(w, r)
	if !ok {
		return
	}
	orders, err := s.coord.CancelAllOrders(r.Context(), mux.Vars(r)["market"], character)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	response := make([]CancelOrder200Response, len(orders))
	for i, o := range orders {
		response[i] = CancelOrder200Response{OrderID: o.ID, Status: o.Status.String(), Released: o.Quantity - o.Filled}
	}
	respondJSON(w, response)
}

func (s *Server) handleGetCharacterOrders(w http.ResponseWriter, r *http.Request) {
	orders := s.coord.ListActiveOrders(mux.Vars(r)["character"])
	response := make([]OrderInfo, len(orders))
	for i, o := range orders {
		response[i] = s.fmt.order(o)
	}
	respondJSON(w, response)
}

// ==============================
// Lots
// ==============================

// handleGetCharacterLots lists a seller's lots, optionally filtered by
// ?status=active|sold|expired_unsold|cancelled|pending_settlement.
func (s *Server) handleGetCharacterLots(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	response := []LotInfo{}
	for _, l := range s.coord.LotsBySeller(mux.Vars(r)["character"]) {
		if status != "" && l.Status.String() != status {
			continue
		}
		response = append(response, s.fmt.lot(l))
	}
	respondJSON(w, response)
}

func (s *Server) handleGetCharacterBids(w http.ResponseWriter, r *http.Request) {
	bids := s.coord.BidsByBidder(mux.Vars(r)["character"])
	response := make([]CharacterBid, len(bids))
	for i, b := range bids {
		response[i] = CharacterBid{Lot: s.fmt.lot(b.Lot), Bid: s.fmt.bid(b.Bid)}
	}
	respondJSON(w, response)
}

func (s *Server) handleListLots(w http.ResponseWriter, r *http.Request) {
	lots, err := s.coord.ListActiveLots(mux.Vars(r)["market"])
	if err != nil {
		s.respondErr(w, err)
		return
	}
	response := make([]LotInfo, len(lots))
	for i, l := range lots {
		response[i] = s.fmt.lot(l)
	}
	respondJSON(w, response)
}

func (s *Server) handleCreateLot(w http.ResponseWriter, r *http.Request) {
	character, ok := s.character(w, r)
	if !ok {
		return
	}
	var req CreateLotRequest
	if !decodeBody(w, r, &req) {
		return
	}

	lot, err := s.coord.CreateLot(r.Context(), mux.Vars(r)["market"], auction.CreateLotRequest{
		SellerID:     character,
		Item:         req.Item,
		Quantity:     req.Quantity,
		StartPrice:   req.StartPrice,
		BuyoutPrice:  req.BuyoutPrice,
		ReservePrice: req.ReservePrice,
		MinIncrement: req.MinIncrement,
		Duration:     time.Duration(req.DurationSec) * time.Second,
	})
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, CreateLot200Response{Lot: s.fmt.lot(lot)})
}

func (s *Server) handleGetLot(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	lot, err := s.coord.GetLot(vars["market"], vars["lot"])
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, s.fmt.lot(lot))
}

func (s *Server) handleCancelLot(w http.ResponseWriter, r *http.Request) {
	character, ok := s.character(w, r)
	if !ok {
		return
	}
	vars := mux.Vars(r)
	lot, err := s.coord.CancelLot(r.Context(), vars["market"], vars["lot"], character)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, s.fmt.lot(lot))
}

func (s *Server) handleGetBids(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	bids, err := s.coord.LotBids(vars["market"], vars["lot"])
	if err != nil {
		s.respondErr(w, err)
		return
	}
	response := make([]BidInfo, len(bids))
	for i, b := range bids {
		response[i] = s.fmt.bid(b)
	}
	respondJSON(w, response)
}

func (s *Server) handleBidOnLot(w http.ResponseWriter, r *http.Request) {
	character, ok := s.character(w, r)
	if !ok {
		return
	}
	var req BidOnLotRequest
	if !decodeBody(w, r, &req) {
		return
	}
	vars := mux.Vars(r)
	res, err := s.coord.PlaceBid(r.Context(), vars["market"], vars["lot"], character, req.Amount)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, BidOnLot200Response{Lot: s.fmt.lot(res.Lot), Bid: s.fmt.bid(res.Bid), Settled: res.Settled})
}

func (s *Server) handleBuyoutLot(w http.ResponseWriter, r *http.Request) {
	character, ok := s.character(w, r)
	if !ok {
		return
	}
	vars := mux.Vars(r)
	res, err := s.coord.BuyoutLot(r.Context(), vars["market"], vars["lot"], character)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, BuyoutLot200Response{Lot: s.fmt.lot(res.Lot), Bid: s.fmt.bid(res.Bid)})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]any{"status": "ok", "markets": len(s.coord.Markets()), "wsClients": s.hub.Clients()})
}

// ==============================
// Helper Functions
// ==============================

func (s *Server) character(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.Header.Get(CharacterHeader)
	if id == "" {
		respondError(w, http.StatusUnauthorized, "MissingCharacter", "missing "+CharacterHeader+" header")
		return "", false
	}
	return id, true
}

// statusFor maps an error kind onto an HTTP status.
func statusFor(err error) int {
	switch core.Kind(err) {
	case "InvalidOrder", "BidTooLow":
		return http.StatusBadRequest
	case "InsufficientFunds", "ItemUnavailable":
		return http.StatusPaymentRequired
	case "NotFound":
		return http.StatusNotFound
	case "NotOwner":
		return http.StatusForbidden
	case "MarketClosed", "LotNotActive":
		return http.StatusConflict
	case "SettlementFailed":
		return http.StatusBadGateway
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusGatewayTimeout
	case errors.Is(err, exchange.ErrStopped):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) respondErr(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Warnw("request_failed", "status", status, "err", err)
	}
	respondError(w, status, core.Kind(err), err.Error())
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		respondError(w, http.StatusBadRequest, "InvalidRequest", err.Error())
		return false
	}
	return true
}

func queryInt(r *http.Request, key string, def int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || v <= 0 {
		return def
	}
	return v
}

func respondJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, kind string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   kind,
		Message: message,
	})
}

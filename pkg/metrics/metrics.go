// Package metrics exposes Prometheus collectors for the matching and
// auction engines. A nil *Collectors is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "bazaar"

type Collectors struct {
	ordersSubmitted    *prometheus.CounterVec
	ordersRejected     *prometheus.CounterVec
	ordersCancelled    *prometheus.CounterVec
	trades             *prometheus.CounterVec
	tradedVolume       *prometheus.CounterVec
	bids               *prometheus.CounterVec
	lotsClosed         *prometheus.CounterVec
	settlementFailures *prometheus.CounterVec
	restingOrders      *prometheus.GaugeVec
	activeLots         *prometheus.GaugeVec
	mailboxDepth       *prometheus.GaugeVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		ordersSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "orders_submitted_total",
			Help: "Orders accepted by the matching engine.",
		}, []string{"market", "side", "kind"}),
		ordersRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "orders_rejected_total",
			Help: "Order submissions rejected, by error kind.",
		}, []string{"market", "kind"}),
		ordersCancelled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "orders_cancelled_total",
			Help: "Orders cancelled by their owner or as unfilled market remainder.",
		}, []string{"market"}),
		trades: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "trades_total",
			Help: "Settled trades.",
		}, []string{"market", "commodity"}),
		tradedVolume: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "traded_quantity_total",
			Help: "Commodity units changing hands.",
		}, []string{"market", "commodity"}),
		bids: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "auction_bids_total",
			Help: "Auction bids by outcome.",
		}, []string{"market", "outcome"}),
		lotsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "auction_lots_closed_total",
			Help: "Lots reaching a terminal status.",
		}, []string{"market", "status"}),
		settlementFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "settlement_failures_total",
			Help: "Ledger commits that failed after a match or auction decision.",
		}, []string{"market", "source"}),
		restingOrders: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "resting_orders",
			Help: "Orders resting in the book.",
		}, []string{"market", "commodity", "side"}),
		activeLots: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "auction_active_lots",
			Help: "Lots open for bidding.",
		}, []string{"market"}),
		mailboxDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "market_mailbox_depth",
			Help: "Operations queued for a market actor.",
		}, []string{"market"}),
	}
	if reg != nil {
		reg.MustRegister(
			c.ordersSubmitted, c.ordersRejected, c.ordersCancelled,
			c.trades, c.tradedVolume, c.bids, c.lotsClosed,
			c.settlementFailures, c.restingOrders, c.activeLots, c.mailboxDepth,
		)
	}
	return c
}

func (c *Collectors) OrderSubmitted(market, side, kind string) {
	if c == nil {
		return
	}
	c.ordersSubmitted.WithLabelValues(market, side, kind).Inc()
}

func (c *Collectors) OrderRejected(market, errKind string) {
	if c == nil {
		return
	}
	c.ordersRejected.WithLabelValues(market, errKind).Inc()
}

func (c *Collectors) OrderCancelled(market string) {
	if c == nil {
		return
	}
	c.ordersCancelled.WithLabelValues(market).Inc()
}

func (c *Collectors) Trade(market, commodity string, qty int64) {
	if c == nil {
		return
	}
	c.trades.WithLabelValues(market, commodity).Inc()
	c.tradedVolume.WithLabelValues(market, commodity).Add(float64(qty))
}

func (c *Collectors) Bid(market, outcome string) {
	if c == nil {
		return
	}
	c.bids.WithLabelValues(market, outcome).Inc()
}

func (c *Collectors) LotClosed(market, status string) {
	if c == nil {
		return
	}
	c.lotsClosed.WithLabelValues(market, status).Inc()
}

func (c *Collectors) SettlementFailed(market, source string) {
	if c == nil {
		return
	}
	c.settlementFailures.WithLabelValues(market, source).Inc()
}

func (c *Collectors) SetResting(market, commodity, side string, n int) {
	if c == nil {
		return
	}
	c.restingOrders.WithLabelValues(market, commodity, side).Set(float64(n))
}

func (c *Collectors) SetActiveLots(market string, n int) {
	if c == nil {
		return
	}
	c.activeLots.WithLabelValues(market).Set(float64(n))
}

func (c *Collectors) SetMailboxDepth(market string, n int) {
	if c == nil {
		return
	}
	c.mailboxDepth.WithLabelValues(market).Set(float64(n))
}

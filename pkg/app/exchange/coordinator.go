// Package exchange routes economy operations to per-market actors. Each
// market has exactly one writer; different markets run in parallel.
package exchange

import (
	"context"
	"sort"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/uhyunpark/bazaar/pkg/app/core"
	"github.com/uhyunpark/bazaar/pkg/app/core/auction"
	"github.com/uhyunpark/bazaar/pkg/app/core/ledger"
	"github.com/uhyunpark/bazaar/pkg/app/core/market"
	"github.com/uhyunpark/bazaar/pkg/app/core/matching"
	"github.com/uhyunpark/bazaar/pkg/metrics"
	"github.com/uhyunpark/bazaar/pkg/util"
)

// ErrStopped is returned by operations routed after Run has returned.
var ErrStopped = errors.New("coordinator stopped")

const (
	defaultMailbox       = 256
	defaultSweepInterval = time.Second
	defaultBookDepth     = 20
)

// Journal persists trades and closed lots.
type Journal interface {
	matching.TradeJournal
	auction.Archive
}

// Listener receives market events from the actors. Calls are made on the
// actor goroutine and must not block.
type Listener interface {
	OnTrade(t core.Trade)
	OnBook(s matching.Snapshot)
	OnLot(l *auction.Lot)
}

type Config struct {
	Currency            ledger.Resource
	Clock               util.Clock
	SweepInterval       time.Duration
	Mailbox             int
	DefaultMinIncrement int64
	MaxLotDuration      time.Duration
	BookDepth           int // levels pushed to the listener after each change
	Journal             Journal
	Metrics             *metrics.Collectors
	Listener            Listener
}

type Coordinator struct {
	registry *market.Registry
	actors   map[string]*actor
	cfg      Config
	stopped  chan struct{}

	Logger *zap.SugaredLogger
}

// New builds one actor with a matching and an auction engine for every market
// in the registry. Nothing runs until Run is called.
func New(reg *market.Registry, l ledger.Ledger, cfg Config, logger *zap.SugaredLogger) *Coordinator {
	logger = util.NopIfNil(logger)
	if cfg.Clock == nil {
		cfg.Clock = util.RealClock{}
	}
	if cfg.Mailbox <= 0 {
		cfg.Mailbox = defaultMailbox
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	if cfg.BookDepth <= 0 {
		cfg.BookDepth = defaultBookDepth
	}

	c := &Coordinator{
		registry: reg,
		actors:   make(map[string]*actor),
		cfg:      cfg,
		stopped:  make(chan struct{}),
		Logger:   logger,
	}

	for _, m := range reg.List() {
		mcfg := matching.Config{Currency: cfg.Currency, Clock: cfg.Clock, Metrics: cfg.Metrics}
		acfg := auction.Config{
			Currency:            cfg.Currency,
			Clock:               cfg.Clock,
			Metrics:             cfg.Metrics,
			DefaultMinIncrement: cfg.DefaultMinIncrement,
			MaxDuration:         cfg.MaxLotDuration,
		}
		if cfg.Journal != nil {
			mcfg.Journal = cfg.Journal
			acfg.Archive = cfg.Journal
		}

		me := matching.New(m, l, mcfg)
		me.Logger = logger.With("component", "matching")
		ae := auction.New(m.ID, l, acfg)
		ae.Logger = logger.With("component", "auction")
		if cfg.Listener != nil {
			me.OnTrade = cfg.Listener.OnTrade
			ae.OnLot = cfg.Listener.OnLot
		}

		c.actors[m.ID] = newActor(&Market{ID: m.ID, Matching: me, Auction: ae}, cfg.Mailbox, cfg.Metrics, logger)
	}
	return c
}

// Run starts the market actors and the expiry sweeper and blocks until ctx
// is cancelled or one of them fails.
func (c *Coordinator) Run(ctx context.Context) error {
	defer close(c.stopped)

	g, ctx := errgroup.WithContext(ctx)
	for _, a := range c.actors {
		a := a
		g.Go(func() error { return a.run(ctx) })
	}
	g.Go(func() error { return c.sweepLoop(ctx) })

	c.Logger.Infow("coordinator_started", "markets", len(c.actors), "sweep_interval", c.cfg.SweepInterval)
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (c *Coordinator) sweepLoop(ctx context.Context) error {
	ticker := c.cfg.Clock.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C():
			c.dispatchSweep(ctx, now)
		}
	}
}

// dispatchSweep queues a sweep on every market without waiting for it. A
// market whose mailbox is full skips this tick.
func (c *Coordinator) dispatchSweep(ctx context.Context, now time.Time) {
	for id, a := range c.actors {
		env := envelope{ctx: ctx, op: sweepOp(now), result: make(chan error, 1)}
		select {
		case a.mailbox <- env:
		default:
			c.Logger.Warnw("sweep_skipped", "market", id, "queued", len(a.mailbox))
		}
	}
}

func sweepOp(now time.Time) Op {
	return func(ctx context.Context, m *Market) error {
		m.Auction.Sweep(ctx, now)
		return nil
	}
}

// Sweep runs an expiry sweep on every market and waits for all of them.
func (c *Coordinator) Sweep(ctx context.Context, now time.Time) ([]*auction.Lot, error) {
	var touched []*auction.Lot
	for _, id := range c.marketIDs() {
		err := c.Route(ctx, id, func(ctx context.Context, m *Market) error {
			touched = append(touched, m.Auction.Sweep(ctx, now)...)
			return nil
		})
		if err != nil {
			return touched, err
		}
	}
	return touched, nil
}

// Route runs op on the actor of marketID and waits for its result.
// Operations on one market run in the order Route was called. ctx bounds the
// wait for a mailbox slot and the time until op starts; a started op always
// runs to completion and its result is returned.
func (c *Coordinator) Route(ctx context.Context, marketID string, op Op) error {
	a, ok := c.actors[marketID]
	if !ok {
		return errors.Wrapf(core.ErrNotFound, "market %s", marketID)
	}

	env := envelope{ctx: ctx, op: op, result: make(chan error, 1)}
	select {
	case a.mailbox <- env:
		c.cfg.Metrics.SetMailboxDepth(marketID, len(a.mailbox))
	case <-ctx.Done():
		return ctx.Err()
	case <-c.stopped:
		return ErrStopped
	}

	// once queued the actor reports the outcome, including ctx expiry before
	// the operation started
	select {
	case err := <-env.result:
		return err
	case <-c.stopped:
		return ErrStopped
	}
}

func (c *Coordinator) read(marketID string, fn func(m *Market)) error {
	a, ok := c.actors[marketID]
	if !ok {
		return errors.Wrapf(core.ErrNotFound, "market %s", marketID)
	}
	a.read(fn)
	return nil
}

func (c *Coordinator) marketIDs() []string {
	ids := make([]string, 0, len(c.actors))
	for id := range c.actors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (c *Coordinator) requireOpen(marketID string) error {
	open, err := c.registry.IsOpen(marketID)
	if err != nil {
		return err
	}
	if !open {
		return errors.Wrapf(core.ErrMarketClosed, "market %s", marketID)
	}
	return nil
}

func (c *Coordinator) publishBook(m *Market, commodityID string) {
	if c.cfg.Listener == nil {
		return
	}
	if snap, err := m.Matching.Book(commodityID, c.cfg.BookDepth); err == nil {
		c.cfg.Listener.OnBook(snap)
	}
}

// Markets lists every market with its current status.
func (c *Coordinator) Markets() []*market.Market { return c.registry.List() }

func (c *Coordinator) Market(id string) (*market.Market, error) { return c.registry.Get(id) }

// OpenMarket lets a market accept orders, bids and listings again.
func (c *Coordinator) OpenMarket(ctx context.Context, marketID string) error {
	return c.setStatus(ctx, marketID, market.Open)
}

// CloseMarket stops new orders, bids and listings. Cancellations, expiry and
// pending settlements keep running.
func (c *Coordinator) CloseMarket(ctx context.Context, marketID string) error {
	return c.setStatus(ctx, marketID, market.Closed)
}

func (c *Coordinator) setStatus(ctx context.Context, marketID string, status market.Status) error {
	return c.Route(ctx, marketID, func(ctx context.Context, m *Market) error {
		if err := c.registry.SetStatus(marketID, status); err != nil {
			return err
		}
		c.Logger.Infow("market_status_changed", "market", marketID, "status", status.String())
		return nil
	})
}

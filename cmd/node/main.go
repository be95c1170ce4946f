package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/uhyunpark/bazaar/params"
	"github.com/uhyunpark/bazaar/pkg/api"
	"github.com/uhyunpark/bazaar/pkg/app/core/ledger"
	"github.com/uhyunpark/bazaar/pkg/app/exchange"
	"github.com/uhyunpark/bazaar/pkg/metrics"
	"github.com/uhyunpark/bazaar/pkg/storage"
	"github.com/uhyunpark/bazaar/pkg/util"
)

func main() {
	// Load config from .env file and environment variables
	cfg := params.LoadFromEnv("") // "" means load from .env in current directory

	// Setup logging (write to both console and file)
	logger, err := util.NewLoggerWithFile(cfg.Log.File, cfg.Log.Level)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", cfg.Log.File, "level", cfg.Log.Level)

	if err := run(cfg, sugar); err != nil {
		sugar.Fatalw("node_failed", "err", err)
	}
	sugar.Info("node_stopped")
}

func run(cfg params.Config, sugar *zap.SugaredLogger) error {
	// ---- World ----
	world, err := params.LoadWorld(cfg.Exchange.WorldFile)
	if err != nil {
		return err
	}
	registry, err := world.Registry()
	if err != nil {
		return errors.Wrap(err, "build markets")
	}

	// ---- Ledger & journal ----
	var (
		book    *ledger.Memory
		journal exchange.Journal
	)
	if cfg.Storage.DataDir != "" {
		store, err := storage.Open(cfg.Storage.DataDir)
		if err != nil {
			return err
		}
		defer store.Close()

		if book, err = ledger.NewPersistent(store); err != nil {
			return err
		}
		journal = store
		sugar.Infow("storage_opened", "data_dir", cfg.Storage.DataDir, "accounts", book.Restored())
		if book.Restored() == 0 {
			if err := seed(book, world.Grants); err != nil {
				return err
			}
		}
	} else {
		book = ledger.NewMemory()
		sugar.Warn("storage_disabled - balances and trades are kept in memory only")
		if err := seed(book, world.Grants); err != nil {
			return err
		}
	}
	book.Logger = sugar.With("component", "ledger")

	// ---- Coordinator ----
	mc := metrics.New(prometheus.DefaultRegisterer)
	hub := api.NewHub(cfg.Currency.Decimals, sugar.With("component", "ws"))
	coord := exchange.New(registry, book, exchange.Config{
		Currency:            ledger.Currency(cfg.Currency.Code),
		Clock:               util.RealClock{},
		SweepInterval:       cfg.Exchange.SweepInterval,
		Mailbox:             cfg.Exchange.Mailbox,
		DefaultMinIncrement: cfg.Exchange.DefaultMinIncrement,
		MaxLotDuration:      cfg.Exchange.MaxLotDuration,
		Journal:             journal,
		Metrics:             mc,
		Listener:            hub,
	}, sugar.With("component", "exchange"))

	// ---- API Server ----
	apiServer := api.NewServer(coord, hub, api.Config{
		AllowedOrigins: cfg.API.AllowedOrigins,
		Decimals:       cfg.Currency.Decimals,
		Gatherer:       prometheus.DefaultGatherer,
	}, sugar.With("component", "api"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sugar.Infow("node_starting",
		"markets", registry.Count(),
		"currency", cfg.Currency.Code,
		"sweep_interval_ms", cfg.Exchange.SweepInterval.Milliseconds(),
		"api_addr", cfg.API.Addr)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return coord.Run(ctx) })
	g.Go(func() error { hub.Run(ctx); return nil })
	g.Go(func() error { return apiServer.Start(ctx, cfg.API.Addr) })
	g.Go(func() error { progress(ctx, coord, sugar); return nil })
	return g.Wait()
}

// seed applies the world grants to a fresh ledger.
func seed(l *ledger.Memory, grants []params.Grant) error {
	for _, g := range grants {
		r, err := ledger.ParseResource(g.Resource)
		if err != nil {
			return errors.Wrapf(err, "grant to %s", g.Character)
		}
		if err := l.Deposit(g.Character, r, g.Amount); err != nil {
			return errors.Wrapf(err, "grant %s to %s", g.Resource, g.Character)
		}
	}
	return nil
}

// progress logs a summary of the exchange periodically.
func progress(ctx context.Context, coord *exchange.Coordinator, sugar *zap.SugaredLogger) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			lots, _ := coord.ListActiveLots("")
			sugar.Infow("exchange_progress",
				"markets", len(coord.Markets()),
				"open_orders", len(coord.ListActiveOrders("")),
				"active_lots", len(lots))
		}
	}
}

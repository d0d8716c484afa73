package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"go.uber.org/zap"

	"github.com/uhyunpark/marketsim/params"
	"github.com/uhyunpark/marketsim/pkg/api"
	"github.com/uhyunpark/marketsim/pkg/app/core/account"
	"github.com/uhyunpark/marketsim/pkg/app/core/market"
	"github.com/uhyunpark/marketsim/pkg/app/core/orderbook"
	"github.com/uhyunpark/marketsim/pkg/app/core/session"
	"github.com/uhyunpark/marketsim/pkg/app/core/settlement"
	"github.com/uhyunpark/marketsim/pkg/app/exchange"
	"github.com/uhyunpark/marketsim/pkg/feed"
	"github.com/uhyunpark/marketsim/pkg/storage"
	"github.com/uhyunpark/marketsim/pkg/util"
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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, sugar); err != nil {
		sugar.Fatalw("exchange_failed", "err", err)
	}
	sugar.Info("exchange_stopped")
}

func run(ctx context.Context, cfg params.Config, sugar *zap.SugaredLogger) error {
	clock := util.RealClock{}
	loc := cfg.Session.Location()

	// ---- Ledger store ----
	store, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer store.Close()
	sugar.Infow("store_opened", "driver", cfg.Store.Driver)

	if cfg.Store.SeedFile != "" {
		seed, err := storage.LoadSeed(cfg.Store.SeedFile)
		if err != nil {
			return err
		}
		// seeded closes belong to the previous session
		yesterday := account.DateOf(clock.Now().AddDate(0, 0, -1), loc)
		if err := storage.ApplySeed(ctx, store, seed, yesterday); err != nil {
			return err
		}
		sugar.Infow("seed_applied", "file", cfg.Store.SeedFile,
			"instruments", len(seed.Instruments), "portfolios", len(seed.Portfolios))
	}

	var journal storage.Journal = storage.NewNopJournal()
	if cfg.Store.JournalFile != "" {
		fj, err := storage.NewFileJournal(cfg.Store.JournalFile)
		if err != nil {
			return err
		}
		defer fj.Close()
		journal = fj
		sugar.Infow("journal_opened", "file", cfg.Store.JournalFile)
	}

	registry := market.NewRegistry(store)
	if err := registry.Load(ctx); err != nil {
		return err
	}
	sugar.Infow("instruments_loaded", "count", registry.Count())

	// ---- Book update sinks ----
	var wg sync.WaitGroup
	feedCtx, stopFeeds := context.WithCancel(context.Background())
	defer func() {
		stopFeeds()
		wg.Wait()
	}()

	var srv *api.Server
	publishers := feed.Fanout{exchange.PublisherFunc(func(s exchange.BookSnapshot) { srv.Publish(s) })}
	var sinks []*feed.Sink
	if len(cfg.Feed.KafkaBrokers) > 0 {
		sinks = append(sinks, feed.NewKafkaSink(cfg.Feed.KafkaBrokers, cfg.Feed.KafkaTopic, cfg.Feed.BufferSize, sugar))
	}
	if cfg.Feed.RedisAddr != "" {
		sinks = append(sinks, feed.NewRedisSink(cfg.Feed.RedisAddr, cfg.Feed.RedisChannel, cfg.Feed.BufferSize, sugar))
	}
	for _, sink := range sinks {
		publishers = append(publishers, sink)
		wg.Add(1)
		go func(s *feed.Sink) {
			defer wg.Done()
			s.Run(feedCtx)
			if err := s.Close(); err != nil {
				sugar.Warnw("feed_close_failed", "sink", s.Name(), "err", err)
			}
		}(sink)
	}

	// ---- Engine ----
	engine := exchange.New(exchange.Options{
		Book:      orderbook.New(clock),
		Settler:   settlement.NewExecutor(store, sugar),
		Session:   session.NewController(store, clock, loc, cfg.Session.OpenOnStart, sugar),
		Registry:  registry,
		Journal:   journal,
		Publisher: publishers,
		Clock:     clock,
		Logger:    sugar,
		Depth:     cfg.Engine.BookDepth,
		QueueSize: cfg.Engine.QueueSize,
	})

	// ---- API Server ----
	srv = api.NewServer(engine, store, cfg.API, sugar)

	engineCtx, stopEngine := context.WithCancel(context.Background())
	defer stopEngine()
	go func() {
		if err := engine.Run(engineCtx); err != nil && !errors.Is(err, context.Canceled) {
			sugar.Errorw("engine_failed", "err", err)
		}
	}()

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Start(engineCtx) }()

	sugar.Infow("exchange_starting",
		"addr", cfg.API.Addr,
		"session_open", engine.IsOpen(),
		"sinks", len(sinks))

	return serveUntil(ctx, serveErr, func(runErr error) {
		// Shutdown order: stop taking requests, then let the engine finish
		// its current command, then the sinks and the store.
		sugar.Infow("exchange_shutting_down", "err", runErr)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.API.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			sugar.Warnw("api_shutdown_failed", "err", err)
		}
		stopEngine()
		<-engine.Done()
	})
}

// serveUntil waits for a signal or for the server to exit, then runs
// shutdown on either path before returning the server's error.
func serveUntil(ctx context.Context, serveErr <-chan error, shutdown func(error)) error {
	var err error
	select {
	case <-ctx.Done():
	case err = <-serveErr:
	}
	shutdown(err)
	return err
}

func openStore(ctx context.Context, cfg params.Store) (storage.Store, error) {
	switch cfg.Driver {
	case "pebble", "":
		return storage.NewPebbleStore(cfg.PebblePath)
	case "postgres":
		if cfg.PostgresDSN == "" {
			return nil, errors.New("POSTGRES_DSN is required for the postgres store")
		}
		return storage.NewPostgresStore(ctx, cfg.PostgresDSN)
	default:
		return nil, errors.New("unknown STORE_DRIVER " + cfg.Driver)
	}
}

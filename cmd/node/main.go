package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"go.uber.org/zap"

	"github.com/uhyunpark/hyperspot/params"
	"github.com/uhyunpark/hyperspot/pkg/api"
	"github.com/uhyunpark/hyperspot/pkg/app/core/engine"
	"github.com/uhyunpark/hyperspot/pkg/app/core/market"
	"github.com/uhyunpark/hyperspot/pkg/feed"
	"github.com/uhyunpark/hyperspot/pkg/metrics"
	"github.com/uhyunpark/hyperspot/pkg/pricefeed"
	"github.com/uhyunpark/hyperspot/pkg/storage"
	"github.com/uhyunpark/hyperspot/pkg/util"
)

func main() {
	// Load config from .env file and environment variables
	cfg, err := params.LoadFromEnv("") // "" means load from .env in current directory
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// Setup logging (write to both console and file)
	logger, err := util.NewLoggerWithFile(cfg.Node.LogLevel, cfg.Node.LogFile)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", cfg.Node.LogFile, "level", cfg.Node.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- Markets ----
	markets, sims, err := cfg.Markets.Build()
	if err != nil {
		sugar.Fatalw("markets_invalid", "file", cfg.MarketsFile, "err", err)
	}
	registry := market.NewMarketRegistry()
	for _, m := range markets {
		if err := registry.RegisterMarket(m); err != nil {
			sugar.Fatalw("market_register_failed", "pair", m.Pair, "err", err)
		}
	}

	// ---- Storage ----
	store, err := storage.Open(cfg.Node.DataDir, sugar)
	if err != nil {
		sugar.Fatalw("storage_open_failed", "dir", cfg.Node.DataDir, "err", err)
	}
	defer store.Close()

	recovered, err := store.Load(cfg.Node.TradeHistory)
	if err != nil {
		sugar.Fatalw("storage_load_failed", "err", err)
	}

	// ---- Exchange ----
	m := metrics.NewMetrics()
	x, err := engine.NewExchange(engine.Options{
		Registry:     registry,
		Logger:       sugar,
		Metrics:      m,
		Journal:      store,
		TradeHistory: cfg.Node.TradeHistory,
	})
	if err != nil {
		sugar.Fatalw("exchange_init_failed", "err", err)
	}
	if err := x.Restore(recovered); err != nil {
		sugar.Fatalw("restore_failed", "err", err)
	}
	sugar.Infow("state_restored",
		"orders", len(recovered.Orders),
		"trades", len(recovered.Trades),
		"reservations", len(recovered.Ledger.Reservations))

	// ---- Market data feeds (optional) ----
	sinks := openSinks(ctx, cfg.Feeds, sugar)
	var fanout *feed.Fanout
	if len(sinks) > 0 {
		fanout = feed.NewFanout(sinks, cfg.Feeds.BufferSize, sugar, m)
		x.Subscribe(fanout)
		fanout.Start(ctx)
	}

	var wg sync.WaitGroup

	// ---- Price simulators (optional) ----
	// Disable with: SIMULATE_PRICES=false, then push prices to POST /api/v1/markets/{symbol}/price
	if cfg.PriceFeed.Simulate {
		for _, sc := range sims {
			sim, err := pricefeed.NewSimulator(sc, x, util.RealClock{}, sugar)
			if err != nil {
				sugar.Fatalw("simulator_init_failed", "pair", sc.Pair, "err", err)
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				sim.Run(ctx)
			}()
			sugar.Infow("simulator_started", "pair", sc.Pair, "min", sc.Min, "max", sc.Max, "interval", sc.Interval)
		}
	} else {
		sugar.Info("simulator_disabled - prices come from the price endpoint only")
	}

	// ---- API Server ----
	apiServer := api.NewServer(x, api.Options{
		FeedToken:      cfg.Node.FeedToken,
		AuthWindow:     cfg.Node.AuthWindow,
		AllowedOrigins: cfg.Node.AllowedOrigins,
		Logger:         sugar,
		Metrics:        m,
	})

	sugar.Infow("node_starting",
		"markets", registry.Count(),
		"api_addr", cfg.Node.APIAddr,
		"data_dir", cfg.Node.DataDir,
		"feeds", len(sinks))

	if err := apiServer.Start(ctx, cfg.Node.APIAddr); err != nil {
		sugar.Errorw("api_server_failed", "err", err)
		stop()
	}

	wg.Wait()
	if fanout != nil {
		if err := fanout.Close(); err != nil {
			sugar.Warnw("feed_close_failed", "err", err)
		}
	}
	sugar.Info("node_stopped")
}

// openSinks connects every configured feed. A sink that cannot connect is
// logged and skipped; trading does not depend on the feeds.
func openSinks(ctx context.Context, cfg params.Feeds, sugar *zap.SugaredLogger) []feed.Sink {
	var sinks []feed.Sink

	if cfg.RedisAddr != "" {
		s, err := feed.NewRedisSink(feed.RedisConfig{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		if err != nil {
			sugar.Warnw("feed_redis_unavailable", "addr", cfg.RedisAddr, "err", err)
		} else {
			sinks = append(sinks, s)
		}
	}

	if len(cfg.KafkaBrokers) > 0 {
		sinks = append(sinks, feed.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaTopic))
	}

	if cfg.NatsURL != "" {
		s, err := feed.NewNatsSink(cfg.NatsURL, "")
		if err != nil {
			sugar.Warnw("feed_nats_unavailable", "url", cfg.NatsURL, "err", err)
		} else {
			sinks = append(sinks, s)
		}
	}

	if cfg.GossipListen != "" {
		s, err := feed.NewGossipSink(ctx, feed.GossipConfig{
			ListenAddr: cfg.GossipListen,
			Bootstrap:  cfg.GossipBootstrap,
			Topic:      cfg.GossipTopic,
			Logger:     sugar,
		})
		if err != nil {
			sugar.Warnw("feed_gossip_unavailable", "listen", cfg.GossipListen, "err", err)
		} else {
			sugar.Infow("feed_gossip_listening", "peer_id", s.Host().ID().String(), "addrs", s.Host().Addrs())
			sinks = append(sinks, s)
		}
	}

	for _, s := range sinks {
		sugar.Infow("feed_enabled", "sink", s.Name())
	}
	return sinks
}

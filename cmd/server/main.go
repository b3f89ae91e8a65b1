package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/gyaneshwarpardhi/paystream/internal/aggregate"
	"github.com/gyaneshwarpardhi/paystream/internal/api"
	"github.com/gyaneshwarpardhi/paystream/internal/config"
	"github.com/gyaneshwarpardhi/paystream/internal/dedup"
	"github.com/gyaneshwarpardhi/paystream/internal/logging"
	"github.com/gyaneshwarpardhi/paystream/internal/pipeline"
	"github.com/gyaneshwarpardhi/paystream/internal/router"
	"github.com/gyaneshwarpardhi/paystream/internal/simulator"
	"github.com/gyaneshwarpardhi/paystream/internal/store"
	"github.com/gyaneshwarpardhi/paystream/internal/store/memory"
	"github.com/gyaneshwarpardhi/paystream/internal/store/redisstore"
	"github.com/gyaneshwarpardhi/paystream/internal/transport"
)

func main() {
	addr := flag.String("addr", ":8080", "HTTP listen address")
	cfgPath := flag.String("config", "configs/paystream.yaml", "Path to YAML config")
	flag.Parse()

	// ── Load config ──────────────────────────────────────────────────────────
	loader, err := config.NewLoader(*cfgPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	cfg := loader.Config()
	if err := config.Validate(cfg); err != nil {
		slog.Error("config validation failed", "err", err)
		os.Exit(1)
	}

	logger, level := logging.New(cfg.Log)
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── State store ───────────────────────────────────────────────────────────
	// Applied transaction ids live in the store, committed with the totals.
	var st store.Store
	agg := cfg.Aggregation
	switch cfg.Store.Backend {
	case config.BackendRedis:
		rdb := newRedis(cfg.Store.Redis)
		defer rdb.Close()
		st = redisstore.New(rdb, redisstore.Options{
			Prefix:     cfg.Store.Redis.Prefix,
			Retention:  agg.Retention,
			AppliedTTL: agg.DedupTTL,
		})
	default:
		st = memory.New(cfg.Store.SnapshotPath, agg.Retention, dedup.NewLRU(agg.DedupCapacity, agg.DedupTTL))
	}

	engine := aggregate.New(st, aggregate.Options{
		Window:          agg.Window,
		RetryMaxElapsed: agg.RetryMaxElapsed,
		MaxSkew:         agg.MaxSkew,
	}, logger)
	if err := engine.Init(ctx); err != nil {
		slog.Error("failed to initialise state store", "err", err)
		os.Exit(1)
	}
	slog.Info("state store ready", "backend", cfg.Store.Backend, "retention", agg.Retention, "window", agg.Window)

	// ── Transport ─────────────────────────────────────────────────────────────
	var tr transport.Transport
	switch cfg.Transport.Backend {
	case config.BackendRedis:
		rdb := newRedis(cfg.Transport.Redis)
		defer rdb.Close()
		tr = transport.NewRedisStreams(rdb, transport.RedisOptions{
			Prefix:   cfg.Transport.Redis.Prefix,
			Group:    cfg.Transport.Group,
			Consumer: cfg.Transport.Consumer,
			Block:    cfg.Transport.Block,
			MaxLen:   cfg.Transport.MaxLen,
		})
	default:
		tr = transport.NewMemory(cfg.Transport.Capacity)
	}

	// ── Pipeline ──────────────────────────────────────────────────────────────
	rt := router.New(router.Options{UnroutableChannel: cfg.Pipeline.UnroutableChannel})
	pipe := pipeline.New(tr, rt, engine, pipeline.Options{
		Workers:    cfg.Pipeline.Workers,
		QueueDepth: cfg.Pipeline.QueueDepth,
	}, logger)
	if err := pipe.Start(ctx); err != nil {
		slog.Error("failed to start pipeline", "err", err)
		os.Exit(1)
	}

	if cfg.Simulator.Enabled {
		sim := simulator.New(tr, simulator.Options{
			Interval:    cfg.Simulator.Interval,
			FailureRate: cfg.Simulator.Rate(),
		}, logger)
		go sim.Run(ctx)
	}

	// ── Hot-reload watcher ────────────────────────────────────────────────────
	loader.OnChange(func(newCfg *config.Config) {
		if err := config.Validate(newCfg); err != nil {
			slog.Warn("hot-reload skipped: config invalid", "err", err)
			return
		}
		level.Set(logging.ParseLevel(newCfg.Log.Level))
		slog.Info("config hot-reloaded", "log_level", newCfg.Log.Level, "query_default_range", newCfg.Query.DefaultRange)
	})
	stopWatch, err := loader.Watch()
	if err != nil {
		slog.Warn("config watcher unavailable (hot-reload disabled)", "err", err)
	} else {
		defer stopWatch()
	}

	// ── HTTP server ───────────────────────────────────────────────────────────
	handler := api.New(api.Deps{
		Store:     st,
		Publisher: tr,
		Queue:     pipe,
		Loader:    loader,
		Log:       logger,
	})
	srv := &http.Server{
		Addr:         *addr,
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("server starting", "addr", *addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("shutting down…")

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutCancel()
	_ = srv.Shutdown(shutCtx)
	cancel() // stop fetch loops and the simulator
	pipe.Shutdown()
	if err := tr.Close(); err != nil {
		slog.Warn("transport close failed", "err", err)
	}
	if err := engine.Close(shutCtx); err != nil {
		slog.Error("state store flush failed", "err", err)
	}
	slog.Info("goodbye")
}

func newRedis(rc config.RedisConf) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     rc.Addr,
		Password: rc.Password,
		DB:       rc.DB,
	})
}

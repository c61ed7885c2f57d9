package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/playperu/tabletop/internal/chatlog"
	"github.com/playperu/tabletop/internal/config"
	"github.com/playperu/tabletop/internal/database"
	"github.com/playperu/tabletop/internal/engine/relay"
	"github.com/playperu/tabletop/internal/fabric"
	"github.com/playperu/tabletop/internal/handler/health"
	"github.com/playperu/tabletop/internal/migrations"
	"github.com/playperu/tabletop/internal/server"
	"github.com/playperu/tabletop/internal/store"
	"github.com/playperu/tabletop/internal/telemetry"
	"github.com/playperu/tabletop/internal/turns"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, stdout io.Writer) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))

	// --- Tracing ---
	shutdownTracing, err := telemetry.Setup(ctx, cfg.ServiceName, cfg.OTELEndpoint)
	if err != nil {
		return fmt.Errorf("setting up tracing: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("flushing traces", "error", err)
		}
	}()

	// --- SQLite ---
	db, err := database.Open(ctx, cfg.DBPath)
	if err != nil {
		return fmt.Errorf("connecting to sqlite: %w", err)
	}
	defer db.Close()

	if err := migrations.Run(db); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	logger.Info("connected to sqlite", "path", cfg.DBPath)

	checks := map[string]health.Checker{"sqlite": health.SQLite(db)}

	// --- Broadcast fabric ---
	var fab fabric.Fabric = fabric.NewBroker()
	if cfg.Fabric == config.FabricRedis {
		rdb, err := openRedis(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("connecting to redis: %w", err)
		}
		defer rdb.Close()
		logger.Info("connected to redis")

		fab = fabric.NewRedis(rdb, cfg.RedisPrefix, logger)
		checks["redis"] = health.Redis(rdb)
	}

	st := store.NewSQLiteStore(db)
	tracker := turns.NewTracker(st, fab, turns.LogNotifier{Logger: logger}, logger)
	defer tracker.Wait()
	sweeper := turns.NewSweeper(tracker, cfg.SweepInterval, logger)

	// --- HTTP Server ---
	srv := server.New(cfg.HTTPAddr, logger, server.Deps{
		Store:   st,
		Engine:  relay.New(),
		Fabric:  fab,
		Tracker: tracker,
		Chat:    chatlog.New(st),
		Logger:  logger,
	}, func(r chi.Router) {
		r.Mount("/healthz", health.NewHandler(logger, checks).Routes())
	})

	// --- Run ---
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting http server", "addr", cfg.HTTPAddr)
		return srv.Run(gctx)
	})

	g.Go(func() error {
		logger.Info("starting archive sweeper", "interval", cfg.SweepInterval)
		return sweeper.Run(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down http server")
		return srv.Shutdown(context.Background())
	})

	return g.Wait()
}

func openRedis(ctx context.Context, rawURL string) (*redis.Client, error) {
	opt, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}
	return rdb, nil
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/rickgao/coinpulse/internal/api"
	"github.com/rickgao/coinpulse/internal/cache"
	"github.com/rickgao/coinpulse/internal/config"
	"github.com/rickgao/coinpulse/internal/connection"
	"github.com/rickgao/coinpulse/internal/database"
	"github.com/rickgao/coinpulse/internal/model"
	"github.com/rickgao/coinpulse/internal/poller"
	"github.com/rickgao/coinpulse/internal/price"
	"github.com/rickgao/coinpulse/internal/reconnect"
	"github.com/rickgao/coinpulse/internal/server"
	"github.com/rickgao/coinpulse/internal/stream"
	"github.com/rickgao/coinpulse/internal/version"
	"github.com/rickgao/coinpulse/internal/writer"
)

func main() {
	configPath := flag.String("config", "configs/pricefeed.local.yaml", "path to config file")
	flag.Parse()

	// Bootstrap logger until the configured level is known
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err, "config", *configPath)
		os.Exit(1)
	}

	logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.Log.SlogLevel(),
	})).With("instance_id", cfg.Instance.ID)
	slog.SetDefault(logger)

	logger.Info("starting pricefeed",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
		"ws_url", cfg.Feed.WSURL,
	)

	if err := run(cfg, logger); err != nil {
		logger.Error("pricefeed stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("pricefeed stopped")
}

func run(cfg *config.ServiceConfig, logger *slog.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var (
		sinks      []price.Sink
		opts       []server.Option
		quoteCache *cache.QuoteCache
		tickWriter *writer.PriceWriter
		pool       *pgxpool.Pool
	)

	// Redis quote cache
	if cfg.Cache.Enabled {
		quoteCache = cache.NewQuoteCache(cache.Config{
			Addr:      cfg.Cache.Addr,
			Password:  cfg.Cache.Password,
			DB:        cfg.Cache.DB,
			KeyPrefix: cfg.Cache.KeyPrefix,
			TTL:       cfg.Cache.TTL,
		}, logger.With("component", "cache"))
		defer quoteCache.Close()

		if err := quoteCache.Ping(ctx); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		logger.Info("redis connected", "addr", cfg.Cache.Addr)

		sinks = append(sinks, quoteCache)
		opts = append(opts, server.WithHealthCheck("redis", quoteCache))
	}

	// Price history
	if cfg.Database.Enabled {
		logger.Info("connecting to database",
			"host", cfg.Database.Host,
			"port", cfg.Database.Port,
			"database", cfg.Database.Name,
		)

		var err error
		pool, err = database.Connect(ctx, cfg.Database)
		if err != nil {
			return fmt.Errorf("database: %w", err)
		}
		defer pool.Close()

		hyper, err := database.EnsureSchema(ctx, pool)
		if err != nil {
			return fmt.Errorf("database schema: %w", err)
		}
		logger.Info("database connected", "hypertable", hyper)

		queue := stream.NewQueue[model.Quote](1024, cfg.Writer.BufferSize)
		tickWriter = writer.NewPriceWriter(writer.WriterConfig{
			BatchSize:     cfg.Writer.BatchSize,
			FlushInterval: cfg.Writer.FlushInterval,
		}, queue, pool, logger.With("component", "writer"))

		if err := tickWriter.Start(ctx); err != nil {
			return fmt.Errorf("start writer: %w", err)
		}
		defer func() {
			stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer stopCancel()
			if err := tickWriter.Stop(stopCtx); err != nil {
				logger.Warn("writer stop", "error", err)
			}
		}()

		sinks = append(sinks, tickWriter)
		opts = append(opts,
			server.WithHealthCheck("postgres", pool),
			server.WithStats("writer", func() any { return tickWriter.Stats() }),
		)
	}

	// Shared socket
	feed := connection.NewFeed(connection.FeedConfig{
		Client: connection.ClientConfig{
			URL:              cfg.Feed.WSURL,
			APIKey:           cfg.Feed.APIKey,
			HandshakeTimeout: cfg.Feed.HandshakeTimeout,
			PingInterval:     cfg.Feed.PingInterval,
			PingTimeout:      cfg.Feed.PingTimeout,
			WriteTimeout:     cfg.Feed.WriteTimeout,
			BufferSize:       cfg.Feed.BufferSize,
		},
		Strategy: reconnect.Strategy{
			InitialDelay: cfg.Reconnect.InitialDelay,
			Multiplier:   cfg.Reconnect.Multiplier,
			MaxAttempts:  cfg.Reconnect.MaxAttempts,
			MaxDelay:     cfg.Reconnect.MaxDelay,
		},
		ObserverBufferSize: cfg.Feed.ObserverBufferSize,
	}, logger.With("component", "feed"))
	defer feed.Close()

	tracker := price.NewTracker(logger.With("component", "tracker"), sinks...)
	defer tracker.Close()

	screens := price.NewRegistry(feed, tracker, logger.With("component", "screens"))
	defer screens.Close()

	// Warm start from the cache before screens subscribe
	if quoteCache != nil {
		warmStart(ctx, cfg, quoteCache, tracker, logger)
	}

	for _, sc := range cfg.Screens {
		screen, err := screens.Open(sc.Name)
		if err != nil {
			return fmt.Errorf("open screen %s: %w", sc.Name, err)
		}
		if err := screen.Watch(sc.Coins...); err != nil {
			return fmt.Errorf("watch %s: %w", sc.Name, err)
		}
		logger.Info("screen ready", "screen", sc.Name, "coins", len(sc.Coins))
	}

	// REST fallback, active only while the socket has given up
	apiClient := api.NewClient(
		cfg.API.RestURL,
		cfg.API.APIKey,
		api.WithLogger(logger.With("component", "api")),
		api.WithTimeout(cfg.API.Timeout),
		api.WithRetries(cfg.API.MaxRetries, time.Second),
	)
	fallback := poller.New(poller.Config{
		Interval:    cfg.Poller.Interval,
		BatchSize:   cfg.Poller.BatchSize,
		Concurrency: cfg.Poller.Concurrency,
		Timeout:     cfg.Poller.Timeout,
	}, apiClient, feed, tracker, func() bool {
		return feed.State() == connection.Failed
	}, logger.With("component", "poller"))

	opts = append(opts, server.WithStats("poller", func() any { return fallback.Stats() }))

	if cfg.Log.SlogLevel() > slog.LevelDebug {
		gin.SetMode(gin.ReleaseMode)
	}
	httpServer := &http.Server{
		Addr:    cfg.HTTP.Addr,
		Handler: server.New(feed, tracker, screens, logger, opts...).Handler(),
	}

	updates := feed.PriceUpdates()
	defer updates.Close()

	if err := fallback.Start(ctx); err != nil {
		return fmt.Errorf("start poller: %w", err)
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer stopCancel()
		fallback.Stop(stopCtx)
	}()

	if err := feed.Connect(ctx); err != nil {
		return fmt.Errorf("connect feed: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return tracker.Run(gctx, updates.C())
	})

	g.Go(func() error {
		logger.Info("starting http server", "addr", cfg.HTTP.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		superviseFeed(gctx, feed, cfg.Feed.RestartInterval, logger)
		return nil
	})

	logger.Info("pricefeed running",
		"screens", len(cfg.Screens),
		"health_url", "http://localhost"+cfg.HTTP.Addr+"/health",
	)

	err := g.Wait()

	logger.Info("shutting down...")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// warmStart seeds the tracker with cached quotes for every configured coin.
func warmStart(ctx context.Context, cfg *config.ServiceConfig, qc *cache.QuoteCache, tracker *price.Tracker, logger *slog.Logger) {
	var ids []string
	for _, sc := range cfg.Screens {
		ids = append(ids, sc.Coins...)
	}
	if len(ids) == 0 {
		return
	}

	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	quotes, err := qc.GetMany(cctx, ids)
	if err != nil {
		logger.Warn("cache warm start failed", "error", err)
		return
	}
	n := tracker.Seed(quotes)
	logger.Info("cache warm start", "requested", len(ids), "seeded", n)
}

// superviseFeed logs state changes and restarts the socket loop every
// interval while the feed sits in FAILED. The poller covers the gap.
func superviseFeed(ctx context.Context, feed connection.Feed, interval time.Duration, logger *slog.Logger) {
	states := feed.ConnectionState()
	defer states.Close()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-states.C():
			if !ok {
				return
			}
			logger.Info("feed state", "state", s)
		case <-ticker.C:
			if feed.State() != connection.Failed {
				continue
			}
			logger.Info("restarting price socket after fallback")
			if err := feed.Connect(ctx); err != nil {
				logger.Warn("restart failed", "error", err)
			}
		}
	}
}

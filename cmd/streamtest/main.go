// streamtest connects to the price socket and prints quotes to the console.
// Usage: go run ./cmd/streamtest --config configs/pricefeed.example.yaml --coins bitcoin,ethereum
//
// Point ws_url at cmd/mockfeed for a local run.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rickgao/coinpulse/internal/config"
	"github.com/rickgao/coinpulse/internal/connection"
	"github.com/rickgao/coinpulse/internal/model"
	"github.com/rickgao/coinpulse/internal/price"
	"github.com/rickgao/coinpulse/internal/reconnect"
	"github.com/rickgao/coinpulse/internal/stream"
)

func main() {
	configPath := flag.String("config", "configs/pricefeed.example.yaml", "path to config file")
	coins := flag.String("coins", "bitcoin,ethereum,solana", "comma-separated coin ids to watch")
	verbose := flag.Bool("verbose", false, "print full quote JSON")
	flag.Parse()

	// Setup logger
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))

	// Load config
	cfg, err := config.LoadWithDefaults(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ids := strings.Split(*coins, ",")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

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
	}, logger)
	defer feed.Close()

	tracker := price.NewTracker(logger)
	defer tracker.Close()

	updates := feed.PriceUpdates()
	go tracker.Run(ctx, updates.C())

	screen := price.NewScreen("console", feed, tracker, logger)
	defer screen.Close()

	if err := screen.Watch(ids...); err != nil {
		logger.Error("failed to watch coins", "error", err)
		os.Exit(1)
	}

	quotes := screen.Updates()
	go printQuotes(ctx, quotes, *verbose)

	states := feed.ConnectionState()
	go printStates(ctx, states)

	logger.Info("connecting", "url", cfg.Feed.WSURL, "coins", ids)
	if err := feed.Connect(ctx); err != nil {
		logger.Error("failed to connect", "error", err)
		os.Exit(1)
	}

	// Stats printer
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				feedStats := feed.Stats()
				trackerStats := tracker.Stats()
				logger.Info("stats",
					"state", feedStats.State,
					"connects", feedStats.Connects,
					"received", feedStats.MessagesReceived,
					"price_updates", feedStats.PriceUpdates,
					"parse_errors", feedStats.ParseErrors,
					"applied", trackerStats.Applied,
					"stale", trackerStats.Stale,
					"dropped", quotes.Dropped(),
				)
			}
		}
	}()

	logger.Info("streaming started - press Ctrl+C to stop")

	<-ctx.Done()

	logger.Info("shutting down...")
	updates.Close()
	logger.Info("shutdown complete")
}

func printQuotes(ctx context.Context, sub *stream.Subscription[model.Quote], verbose bool) {
	for {
		select {
		case <-ctx.Done():
			return
		case q, ok := <-sub.C():
			if !ok {
				return
			}
			if verbose {
				data, _ := json.MarshalIndent(q, "", "  ")
				fmt.Printf("[QUOTE] %s\n", data)
				continue
			}
			fmt.Printf("[QUOTE] %-10s %s %s (prev %s) source=%s\n",
				q.CoinID, arrow(q.Direction), q.Price, q.PreviousPrice, q.Source)
		}
	}
}

func printStates(ctx context.Context, sub *stream.Subscription[connection.ConnectionState]) {
	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-sub.C():
			if !ok {
				return
			}
			fmt.Printf("[STATE] %s\n", s)
		}
	}
}

func arrow(d model.PriceDirection) string {
	switch d {
	case model.Up:
		return "▲"
	case model.Down:
		return "▼"
	default:
		return "="
	}
}

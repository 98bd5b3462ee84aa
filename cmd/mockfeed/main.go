// mockfeed serves a simulated price exchange for local development.
//
//	go run ./cmd/mockfeed --addr :8090 --tick 500ms
//
// Endpoints: GET /ws (price socket), GET /v1/prices?ids=a,b (REST),
// GET /health, POST /admin/drop (closes every socket to exercise reconnects).
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/rickgao/coinpulse/internal/exchange"
	"github.com/rickgao/coinpulse/internal/version"
)

func main() {
	addr := flag.String("addr", ":8090", "listen address")
	tick := flag.Duration("tick", time.Second, "price tick interval")
	volatility := flag.Float64("volatility", 0.005, "max relative move per tick")
	seed := flag.Uint64("seed", uint64(time.Now().UnixNano()), "random walk seed")
	debug := flag.Bool("debug", false, "debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg := exchange.DefaultConfig()
	cfg.TickInterval = *tick
	cfg.Volatility = *volatility
	cfg.Seed = *seed

	srv := exchange.NewServer(cfg, logger)
	httpServer := &http.Server{
		Addr:    *addr,
		Handler: srv.Handler(),
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info("starting mockfeed",
		"version", version.Version,
		"addr", *addr,
		"tick", *tick,
		"seed", *seed,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx)
	})
	g.Go(func() error {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("mockfeed stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("mockfeed stopped", "stats", srv.Stats())
}

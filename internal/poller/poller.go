package poller

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rickgao/coinpulse/internal/model"
)

// CoinSource provides the coins to poll.
type CoinSource interface {
	ActiveCoins() []string
}

// PriceFetcher fetches prices over REST.
type PriceFetcher interface {
	GetPrices(ctx context.Context, ids []string) ([]model.PriceUpdate, error)
}

// UpdateHandler receives fetched updates.
type UpdateHandler interface {
	HandleUpdate(ctx context.Context, u model.PriceUpdate)
}

// UpdateHandlerFunc is a function adapter for UpdateHandler.
type UpdateHandlerFunc func(context.Context, model.PriceUpdate)

func (f UpdateHandlerFunc) HandleUpdate(ctx context.Context, u model.PriceUpdate) {
	f(ctx, u)
}

// Gate reports whether a poll cycle should run. A nil Gate always polls.
type Gate func() bool

// Config holds poller configuration.
type Config struct {
	Interval    time.Duration // Poll interval (default: 10s)
	BatchSize   int           // Coin ids per request (default: 50)
	Concurrency int           // Max concurrent requests (default: 4)
	Timeout     time.Duration // Per-request timeout (default: 10s)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Interval:    10 * time.Second,
		BatchSize:   50,
		Concurrency: 4,
		Timeout:     10 * time.Second,
	}
}

// Stats provides statistics about the poller.
type Stats struct {
	Cycles  int64 `json:"cycles"`
	Skipped int64 `json:"skipped"` // Ticks where the gate was closed
	Fetched int64 `json:"fetched"`
	Errors  int64 `json:"errors"`
}

// Poller periodically fetches prices via REST while its gate is open.
type Poller struct {
	cfg     Config
	client  PriceFetcher
	coins   CoinSource
	handler UpdateHandler
	gate    Gate
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	cycles  atomic.Int64
	skipped atomic.Int64
	fetched atomic.Int64
	errors  atomic.Int64
}

// New creates a new Poller.
func New(cfg Config, client PriceFetcher, coins CoinSource, handler UpdateHandler, gate Gate, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	return &Poller{
		cfg:     cfg,
		client:  client,
		coins:   coins,
		handler: handler,
		gate:    gate,
		logger:  logger,
	}
}

// Start begins the polling loop.
func (p *Poller) Start(ctx context.Context) error {
	p.ctx, p.cancel = context.WithCancel(ctx)

	p.wg.Add(1)
	go p.run()

	p.logger.Info("fallback poller started",
		"interval", p.cfg.Interval,
		"batch_size", p.cfg.BatchSize,
		"concurrency", p.cfg.Concurrency,
	)

	return nil
}

// Stop gracefully shuts down the poller.
func (p *Poller) Stop(ctx context.Context) error {
	if p.cancel != nil {
		p.cancel()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("fallback poller stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns current statistics.
func (p *Poller) Stats() Stats {
	return Stats{
		Cycles:  p.cycles.Load(),
		Skipped: p.skipped.Load(),
		Fetched: p.fetched.Load(),
		Errors:  p.errors.Load(),
	}
}

// run is the main polling loop.
func (p *Poller) run() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			if p.gate != nil && !p.gate() {
				p.skipped.Add(1)
				continue
			}
			p.PollOnce(p.ctx)
		}
	}
}

// PollOnce fetches every active coin once, ignoring the gate.
func (p *Poller) PollOnce(ctx context.Context) {
	start := time.Now()
	p.cycles.Add(1)

	coins := p.coins.ActiveCoins()
	if len(coins) == 0 {
		p.logger.Debug("no active coins to poll")
		return
	}

	var g errgroup.Group
	g.SetLimit(p.cfg.Concurrency)

	var fetched, failed atomic.Int64
	for _, batch := range batches(coins, p.cfg.BatchSize) {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			n, err := p.pollBatch(ctx, batch)
			if err != nil {
				p.logger.Warn("failed to poll prices",
					"coins", len(batch),
					"error", err,
				)
				failed.Add(1)
				return nil
			}
			fetched.Add(int64(n))
			return nil
		})
	}
	g.Wait()

	p.fetched.Add(fetched.Load())
	p.errors.Add(failed.Load())

	p.logger.Info("poll cycle complete",
		"coins", len(coins),
		"fetched", fetched.Load(),
		"errors", failed.Load(),
		"duration", time.Since(start),
	)
}

// pollBatch fetches and handles one batch of coins.
func (p *Poller) pollBatch(ctx context.Context, ids []string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	updates, err := p.client.GetPrices(ctx, ids)
	if err != nil {
		return 0, err
	}

	if p.handler != nil {
		for _, u := range updates {
			p.handler.HandleUpdate(ctx, u)
		}
	}
	return len(updates), nil
}

// batches splits ids into chunks of at most size.
func batches(ids []string, size int) [][]string {
	var out [][]string
	for len(ids) > size {
		out = append(out, ids[:size:size])
		ids = ids[size:]
	}
	if len(ids) > 0 {
		out = append(out, ids)
	}
	return out
}

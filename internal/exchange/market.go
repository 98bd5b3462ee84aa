// Package exchange is a simulated price exchange. It speaks the same
// WebSocket and REST protocol as the production feed and is used by
// cmd/mockfeed and by end-to-end tests.
package exchange

import (
	"math/rand/v2"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rickgao/coinpulse/internal/model"
)

// Config configures the simulated market.
type Config struct {
	TickInterval  time.Duration     // How often subscribed coins move (default: 1s)
	Volatility    float64           // Max relative move per tick (default: 0.005)
	Seed          uint64            // RNG seed; equal seeds give equal walks
	InitialPrices map[string]string // Starting prices; unknown coins get a random one
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		TickInterval: time.Second,
		Volatility:   0.005,
		Seed:         1,
		InitialPrices: map[string]string{
			"bitcoin":  "64000.00",
			"ethereum": "3100.00",
			"solana":   "145.00",
		},
	}
}

var (
	minPrice  = decimal.New(1, -8)
	pricePrec = int32(8)
)

// Market holds a random-walk price per coin.
type Market struct {
	mu         sync.Mutex
	rng        *rand.Rand
	prices     map[string]decimal.Decimal
	volatility float64
	now        func() time.Time
}

// NewMarket creates a market from cfg.
func NewMarket(cfg Config) *Market {
	if cfg.Volatility <= 0 {
		cfg.Volatility = DefaultConfig().Volatility
	}

	m := &Market{
		rng:        rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
		prices:     make(map[string]decimal.Decimal, len(cfg.InitialPrices)),
		volatility: cfg.Volatility,
		now:        time.Now,
	}
	for id, p := range cfg.InitialPrices {
		if d, err := decimal.NewFromString(p); err == nil && d.IsPositive() {
			m.prices[id] = d
		}
	}
	return m
}

// Price returns the current price of coinID, listing the coin if needed.
func (m *Market) Price(coinID string) model.PriceUpdate {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateLocked(coinID, m.priceLocked(coinID))
}

// Step moves every coin in coinIDs one tick and returns the new prices.
func (m *Market) Step(coinIDs []string) []model.PriceUpdate {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]model.PriceUpdate, 0, len(coinIDs))
	for _, id := range coinIDs {
		cur := m.priceLocked(id)

		move := decimal.NewFromFloat((m.rng.Float64()*2 - 1) * m.volatility)
		next := cur.Add(cur.Mul(move)).Round(pricePrec)
		if next.LessThan(minPrice) {
			next = minPrice
		}
		m.prices[id] = next

		out = append(out, m.updateLocked(id, next))
	}
	return out
}

func (m *Market) priceLocked(coinID string) decimal.Decimal {
	if p, ok := m.prices[coinID]; ok {
		return p
	}
	// Unlisted coins start somewhere between 1 and 1000.
	p := decimal.NewFromFloat(1 + m.rng.Float64()*999).Round(2)
	m.prices[coinID] = p
	return p
}

func (m *Market) updateLocked(coinID string, p decimal.Decimal) model.PriceUpdate {
	return model.PriceUpdate{
		CoinID:    coinID,
		Price:     p.String(),
		Timestamp: m.now().UnixMilli(),
		Source:    model.SourceWebSocket,
	}
}

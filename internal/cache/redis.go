// Package cache mirrors the latest quote per coin into Redis so screens can
// show a price before the first live update arrives.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rickgao/coinpulse/internal/model"
)

// Config holds Redis connection settings.
type Config struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string        // Prepended to every coin id (default "quote:")
	TTL       time.Duration // 0 keeps quotes forever
}

// QuoteCache stores quotes as JSON under KeyPrefix+coinID.
type QuoteCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger *slog.Logger
}

// NewQuoteCache creates a cache client. It does not dial until first use.
func NewQuoteCache(cfg Config, logger *slog.Logger) *QuoteCache {
	if logger == nil {
		logger = slog.Default()
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "quote:"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &QuoteCache{
		client: client,
		prefix: prefix,
		ttl:    cfg.TTL,
		logger: logger,
	}
}

func (c *QuoteCache) key(coinID string) string {
	return c.prefix + coinID
}

// HandleQuote stores q as the latest quote for its coin.
func (c *QuoteCache) HandleQuote(ctx context.Context, q model.Quote) error {
	data, err := json.Marshal(q)
	if err != nil {
		return fmt.Errorf("marshal quote: %w", err)
	}
	if err := c.client.Set(ctx, c.key(q.CoinID), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", q.CoinID, err)
	}
	return nil
}

// Get returns the cached quote for coinID. The bool is false on a miss.
func (c *QuoteCache) Get(ctx context.Context, coinID string) (model.Quote, bool, error) {
	data, err := c.client.Get(ctx, c.key(coinID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.Quote{}, false, nil
	}
	if err != nil {
		return model.Quote{}, false, fmt.Errorf("get %s: %w", coinID, err)
	}

	var q model.Quote
	if err := json.Unmarshal(data, &q); err != nil {
		return model.Quote{}, false, fmt.Errorf("unmarshal %s: %w", coinID, err)
	}
	return q, true, nil
}

// GetMany returns the cached quotes for coinIDs. Misses and undecodable
// entries are skipped.
func (c *QuoteCache) GetMany(ctx context.Context, coinIDs []string) ([]model.Quote, error) {
	if len(coinIDs) == 0 {
		return nil, nil
	}

	keys := make([]string, len(coinIDs))
	for i, id := range coinIDs {
		keys[i] = c.key(id)
	}

	vals, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("mget: %w", err)
	}

	quotes := make([]model.Quote, 0, len(vals))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var q model.Quote
		if err := json.Unmarshal([]byte(s), &q); err != nil {
			c.logger.Warn("skipping bad cache entry", "coin_id", coinIDs[i], "error", err)
			continue
		}
		quotes = append(quotes, q)
	}
	return quotes, nil
}

// Ping checks the Redis connection.
func (c *QuoteCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis client.
func (c *QuoteCache) Close() error {
	return c.client.Close()
}

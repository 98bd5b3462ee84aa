package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const createPriceTicks = `
CREATE TABLE IF NOT EXISTS price_ticks (
	tick_id        UUID        NOT NULL,
	exchange_ts    BIGINT      NOT NULL,
	received_at    BIGINT      NOT NULL,
	coin_id        TEXT        NOT NULL,
	price          NUMERIC     NOT NULL,
	previous_price NUMERIC     NOT NULL,
	direction      TEXT        NOT NULL,
	source         TEXT        NOT NULL,
	PRIMARY KEY (coin_id, exchange_ts, source)
)`

const hasTimescale = `SELECT EXISTS (SELECT 1 FROM pg_extension WHERE extname = 'timescaledb')`

// exchange_ts is in milliseconds; one chunk per day.
const createHypertable = `
SELECT create_hypertable('price_ticks', 'exchange_ts',
	chunk_time_interval => 86400000, if_not_exists => TRUE)`

// EnsureSchema creates the price_ticks table if it does not exist.
// Returns true if the table is a TimescaleDB hypertable.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) (bool, error) {
	if _, err := pool.Exec(ctx, createPriceTicks); err != nil {
		return false, fmt.Errorf("create price_ticks: %w", err)
	}

	var timescale bool
	if err := pool.QueryRow(ctx, hasTimescale).Scan(&timescale); err != nil {
		return false, fmt.Errorf("check timescaledb: %w", err)
	}
	if !timescale {
		return false, nil
	}

	if _, err := pool.Exec(ctx, createHypertable); err != nil {
		return false, fmt.Errorf("create hypertable: %w", err)
	}
	return true, nil
}

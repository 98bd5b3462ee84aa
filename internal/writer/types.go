package writer

import (
	"errors"
	"time"
)

var (
	// ErrWriterClosed is returned when a quote is handed to a stopped writer.
	ErrWriterClosed = errors.New("writer closed")

	// ErrNoDatabase is returned by flushes on a writer built without a pool.
	ErrNoDatabase = errors.New("no database pool")
)

// WriterConfig holds batching parameters.
type WriterConfig struct {
	// BatchSize is the number of rows to accumulate before flushing.
	BatchSize int

	// FlushInterval is the maximum time between flushes.
	FlushInterval time.Duration
}

// DefaultWriterConfig returns sensible defaults.
func DefaultWriterConfig() WriterConfig {
	return WriterConfig{
		BatchSize:     500,
		FlushInterval: 2 * time.Second,
	}
}

// priceTickRow represents a row for the price_ticks table.
type priceTickRow struct {
	TickID        string // UUID
	ExchangeTs    int64  // Milliseconds
	ReceivedAt    int64  // Microseconds
	CoinID        string
	Price         string // Decimal string
	PreviousPrice string
	Direction     string // UP, DOWN, UNCHANGED
	Source        string // ws, rest
}

// WriterMetrics holds metrics for a writer.
type WriterMetrics struct {
	Inserts   int64 `json:"inserts"`
	Conflicts int64 `json:"conflicts"`
	Errors    int64 `json:"errors"`
	Flushes   int64 `json:"flushes"`
}

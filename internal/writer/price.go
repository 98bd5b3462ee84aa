package writer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rickgao/coinpulse/internal/model"
	"github.com/rickgao/coinpulse/internal/stream"
)

const insertPriceTick = `
	INSERT INTO price_ticks (tick_id, exchange_ts, received_at, coin_id, price, previous_price, direction, source)
	VALUES ($1, $2, $3, $4, $5::text::numeric, $6::text::numeric, $7, $8)
	ON CONFLICT (coin_id, exchange_ts, source) DO NOTHING
`

// PriceWriter consumes quotes from its input queue and writes to the
// price_ticks table.
type PriceWriter struct {
	cfg    WriterConfig
	logger *slog.Logger

	// Input, filled through HandleQuote
	input *stream.Queue[model.Quote]

	// Database
	db *pgxpool.Pool

	// Batching
	batch       []priceTickRow
	batchMu     sync.Mutex
	flushTicker *time.Ticker

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Metrics
	metrics WriterMetrics

	now func() time.Time
}

// NewPriceWriter creates a new PriceWriter.
func NewPriceWriter(
	cfg WriterConfig,
	input *stream.Queue[model.Quote],
	db *pgxpool.Pool,
	logger *slog.Logger,
) *PriceWriter {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = DefaultWriterConfig().BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultWriterConfig().FlushInterval
	}
	return &PriceWriter{
		cfg:    cfg,
		input:  input,
		db:     db,
		logger: logger,
		batch:  make([]priceTickRow, 0, cfg.BatchSize),
		now:    time.Now,
	}
}

// HandleQuote queues q for writing. It never blocks; when the input queue is
// full the oldest quote is dropped.
func (w *PriceWriter) HandleQuote(_ context.Context, q model.Quote) error {
	if q.Source == model.SourceCache {
		return nil
	}
	if !w.input.Send(q) {
		return ErrWriterClosed
	}
	return nil
}

// Start begins consuming quotes and writing to the database.
func (w *PriceWriter) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.flushTicker = time.NewTicker(w.cfg.FlushInterval)

	// Consumer goroutine
	w.wg.Add(1)
	go w.consumeLoop()

	// Flush ticker goroutine
	w.wg.Add(1)
	go w.flushLoop()

	w.logger.Info("price writer started",
		"batch_size", w.cfg.BatchSize,
		"flush_interval", w.cfg.FlushInterval,
	)
	return nil
}

// Stop gracefully shuts down the writer, writing whatever is still queued.
func (w *PriceWriter) Stop(ctx context.Context) error {
	w.logger.Info("stopping price writer")

	w.input.Close()
	if w.cancel != nil {
		w.cancel()
	}

	if w.flushTicker != nil {
		w.flushTicker.Stop()
	}

	// Wait for goroutines
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info("price writer stopped")
	case <-ctx.Done():
		w.logger.Warn("price writer stop timed out")
	}

	// Final flush with the caller's deadline; w.ctx is already cancelled.
	for _, q := range w.input.DrainTo(0) {
		w.addRow(w.transform(q))
	}
	w.flush(ctx)

	return nil
}

// Stats returns current metrics.
func (w *PriceWriter) Stats() WriterMetrics {
	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	return w.metrics
}

// consumeLoop reads from the input queue and accumulates batches.
func (w *PriceWriter) consumeLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		default:
		}

		quotes := w.input.DrainTo(w.cfg.BatchSize)
		if len(quotes) == 0 {
			select {
			case <-w.ctx.Done():
				return
			case <-time.After(10 * time.Millisecond):
				continue
			}
		}

		for _, q := range quotes {
			if w.addRow(w.transform(q)) {
				w.flush(w.ctx)
			}
		}
	}
}

// flushLoop periodically flushes the batch.
func (w *PriceWriter) flushLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-w.flushTicker.C:
			w.flush(w.ctx)
		}
	}
}

// addRow appends row and reports whether the batch is full.
func (w *PriceWriter) addRow(row priceTickRow) bool {
	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	w.batch = append(w.batch, row)
	return len(w.batch) >= w.cfg.BatchSize
}

// transform converts a Quote to a priceTickRow.
func (w *PriceWriter) transform(q model.Quote) priceTickRow {
	return priceTickRow{
		TickID:        uuid.NewString(),
		ExchangeTs:    q.Timestamp,
		ReceivedAt:    w.now().UnixMicro(),
		CoinID:        q.CoinID,
		Price:         q.Price.String(),
		PreviousPrice: q.PreviousPrice.String(),
		Direction:     q.Direction.String(),
		Source:        string(q.Source),
	}
}

// flush writes the current batch to the database.
func (w *PriceWriter) flush(ctx context.Context) {
	w.batchMu.Lock()
	if len(w.batch) == 0 {
		w.batchMu.Unlock()
		return
	}

	// Take ownership of current batch
	batch := w.batch
	w.batch = make([]priceTickRow, 0, w.cfg.BatchSize)
	w.batchMu.Unlock()

	if ctx.Err() != nil {
		w.requeue(batch)
		return
	}

	start := time.Now()

	conflicts, err := w.batchInsert(ctx, batch)
	if err != nil && ctx.Err() != nil {
		// Cut short by shutdown; Stop's final flush writes these rows.
		w.logger.Warn("batch insert interrupted, rows kept", "count", len(batch))
		w.requeue(batch)
		return
	}
	if err != nil {
		w.logger.Error("batch insert failed", "error", err, "count", len(batch))
		w.batchMu.Lock()
		w.metrics.Errors++
		w.batchMu.Unlock()
		return
	}

	w.batchMu.Lock()
	w.metrics.Inserts += int64(len(batch) - conflicts)
	w.metrics.Conflicts += int64(conflicts)
	w.metrics.Flushes++
	w.batchMu.Unlock()

	w.logger.Debug("flushed price ticks",
		"count", len(batch),
		"conflicts", conflicts,
		"duration", time.Since(start),
	)
}

// requeue puts rows back ahead of anything batched since they were taken.
func (w *PriceWriter) requeue(rows []priceTickRow) {
	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	w.batch = append(rows, w.batch...)
}

// batchInsert inserts rows using pgx.Batch with ON CONFLICT DO NOTHING.
func (w *PriceWriter) batchInsert(ctx context.Context, rows []priceTickRow) (conflicts int, err error) {
	if w.db == nil {
		return 0, ErrNoDatabase
	}

	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(insertPriceTick,
			r.TickID, r.ExchangeTs, r.ReceivedAt, r.CoinID, r.Price, r.PreviousPrice, r.Direction, r.Source)
	}

	results := w.db.SendBatch(ctx, batch)
	defer results.Close()

	for range rows {
		ct, err := results.Exec()
		if err != nil {
			return 0, err
		}
		if ct.RowsAffected() == 0 {
			conflicts++
		}
	}

	return conflicts, nil
}

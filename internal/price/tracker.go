package price

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/rickgao/coinpulse/internal/model"
	"github.com/rickgao/coinpulse/internal/stream"
)

// Sink receives every accepted quote (cache mirror, tick writer).
type Sink interface {
	HandleQuote(ctx context.Context, q model.Quote) error
}

// TrackerStats provides statistics about the tracker.
type TrackerStats struct {
	Coins    int   `json:"coins"`
	Applied  int64 `json:"applied"`
	Stale    int64 `json:"stale"`   // Older than the stored quote
	Invalid  int64 `json:"invalid"` // Unparseable price
	Seeded   int64 `json:"seeded"`
	SinkErrs int64 `json:"sink_errors"`
}

// Tracker keeps the latest quote per coin.
type Tracker struct {
	logger *slog.Logger
	sinks  []Sink

	mu     sync.RWMutex
	quotes map[string]model.Quote

	out *stream.Broadcaster[model.Quote]

	applied  atomic.Int64
	stale    atomic.Int64
	invalid  atomic.Int64
	seeded   atomic.Int64
	sinkErrs atomic.Int64
}

// NewTracker creates a tracker that forwards accepted quotes to sinks.
func NewTracker(logger *slog.Logger, sinks ...Sink) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		logger: logger,
		sinks:  sinks,
		quotes: make(map[string]model.Quote),
		out:    stream.NewBroadcaster[model.Quote](0),
	}
}

// Apply folds u into the stored quote for its coin. It returns false, with a
// nil error, when u is older than what is stored.
func (t *Tracker) Apply(u model.PriceUpdate) (model.Quote, bool, error) {
	t.mu.Lock()
	prev, ok := t.quotes[u.CoinID]
	if ok && u.Timestamp < prev.Timestamp {
		t.mu.Unlock()
		t.stale.Add(1)
		return prev, false, nil
	}

	var prevPtr *model.Quote
	if ok {
		prevPtr = &prev
	}
	q, err := NextQuote(prevPtr, u)
	if err != nil {
		t.mu.Unlock()
		t.invalid.Add(1)
		return model.Quote{}, false, err
	}
	t.quotes[u.CoinID] = q
	// Publish under the lock so observers see quotes in apply order.
	t.out.Publish(q)
	t.mu.Unlock()

	t.applied.Add(1)
	return q, true, nil
}

// HandleUpdate applies u and hands the resulting quote to every sink.
// Invalid and stale updates are logged and dropped.
func (t *Tracker) HandleUpdate(ctx context.Context, u model.PriceUpdate) {
	q, ok, err := t.Apply(u)
	if err != nil {
		t.logger.Warn("dropping price update", "coin_id", u.CoinID, "source", u.Source, "error", err)
		return
	}
	if !ok {
		t.logger.Debug("ignoring out-of-order update",
			"coin_id", u.CoinID,
			"timestamp", u.Timestamp,
			"stored", q.Timestamp,
		)
		return
	}

	for _, s := range t.sinks {
		if err := s.HandleQuote(ctx, q); err != nil {
			t.sinkErrs.Add(1)
			t.logger.Warn("sink failed", "coin_id", q.CoinID, "error", err)
		}
	}
}

// Run consumes updates until the channel closes or ctx ends.
func (t *Tracker) Run(ctx context.Context, updates <-chan model.PriceUpdate) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case u, ok := <-updates:
			if !ok {
				return nil
			}
			t.HandleUpdate(ctx, u)
		}
	}
}

// Seed stores cached quotes for coins the tracker has not seen yet. Seeded
// quotes are Unchanged and are not sent to sinks. Returns how many were used.
func (t *Tracker) Seed(quotes []model.Quote) int {
	used := 0

	t.mu.Lock()
	defer t.mu.Unlock()

	for _, q := range quotes {
		if q.CoinID == "" {
			continue
		}
		if _, ok := t.quotes[q.CoinID]; ok {
			continue
		}
		q.PreviousPrice = q.Price
		q.Direction = model.Unchanged
		q.Source = model.SourceCache
		t.quotes[q.CoinID] = q
		t.out.Publish(q)
		used++
	}

	t.seeded.Add(int64(used))
	return used
}

// Quote returns the latest quote for coinID.
func (t *Tracker) Quote(coinID string) (model.Quote, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	q, ok := t.quotes[coinID]
	return q, ok
}

// Snapshot returns the stored quotes for coinIDs, or every quote when none
// are given, sorted by coin id.
func (t *Tracker) Snapshot(coinIDs ...string) []model.Quote {
	t.mu.RLock()
	out := make([]model.Quote, 0, len(t.quotes))
	if len(coinIDs) == 0 {
		for _, q := range t.quotes {
			out = append(out, q)
		}
	} else {
		for _, id := range coinIDs {
			if q, ok := t.quotes[id]; ok {
				out = append(out, q)
			}
		}
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CoinID < out[j].CoinID })
	return out
}

// Quotes returns a stream of every accepted quote.
func (t *Tracker) Quotes() *stream.Subscription[model.Quote] {
	return t.out.Subscribe()
}

// Stats returns current statistics.
func (t *Tracker) Stats() TrackerStats {
	t.mu.RLock()
	coins := len(t.quotes)
	t.mu.RUnlock()

	return TrackerStats{
		Coins:    coins,
		Applied:  t.applied.Load(),
		Stale:    t.stale.Load(),
		Invalid:  t.invalid.Load(),
		Seeded:   t.seeded.Load(),
		SinkErrs: t.sinkErrs.Load(),
	}
}

// Close ends the quote stream.
func (t *Tracker) Close() {
	t.out.Close()
}

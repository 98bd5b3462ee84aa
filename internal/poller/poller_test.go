package poller

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rickgao/coinpulse/internal/api"
	"github.com/rickgao/coinpulse/internal/model"
)

// mockCoinSource returns a fixed list of coins.
type mockCoinSource struct {
	coins []string
}

func (m *mockCoinSource) ActiveCoins() []string {
	return m.coins
}

// echoServer answers /v1/prices with price "1" for every requested id.
func echoServer(t *testing.T, onRequest func(ids []string)) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ids := strings.Split(r.URL.Query().Get("ids"), ",")
		if onRequest != nil {
			onRequest(ids)
		}

		var resp api.PricesResponse
		for _, id := range ids {
			resp.Prices = append(resp.Prices, api.APIPrice{CoinID: id, Price: "1", Timestamp: 1})
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(server.Close)
	return server
}

func TestPoller_PollOnce(t *testing.T) {
	var requests atomic.Int32
	server := echoServer(t, func([]string) { requests.Add(1) })
	client := api.NewClient(server.URL, "", api.WithTimeout(5*time.Second))

	coins := &mockCoinSource{coins: []string{"bitcoin", "cardano", "ethereum", "solana", "tether"}}

	var updateCount atomic.Int32
	handler := UpdateHandlerFunc(func(_ context.Context, u model.PriceUpdate) {
		if u.Source != model.SourceREST {
			t.Errorf("Source = %q, want rest", u.Source)
		}
		updateCount.Add(1)
	})

	cfg := Config{
		Interval:    time.Hour, // Long interval, we'll trigger manually.
		BatchSize:   2,
		Concurrency: 10,
		Timeout:     5 * time.Second,
	}

	p := New(cfg, client, coins, handler, nil, nil)
	p.PollOnce(context.Background())

	if got := updateCount.Load(); got != 5 {
		t.Errorf("updateCount = %d, want 5", got)
	}
	if got := requests.Load(); got != 3 {
		t.Errorf("requests = %d, want 3", got)
	}
	if stats := p.Stats(); stats.Fetched != 5 || stats.Errors != 0 || stats.Cycles != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestPoller_CountsErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	client := api.NewClient(server.URL, "")
	coins := &mockCoinSource{coins: []string{"bitcoin", "ethereum"}}

	p := New(Config{Interval: time.Hour, BatchSize: 1, Concurrency: 2, Timeout: time.Second}, client, coins, nil, nil, nil)
	p.PollOnce(context.Background())

	if got := p.Stats().Errors; got != 2 {
		t.Errorf("Errors = %d, want 2", got)
	}
}

func TestPoller_GateControlsPolling(t *testing.T) {
	server := echoServer(t, nil)
	client := api.NewClient(server.URL, "")
	coins := &mockCoinSource{coins: []string{"bitcoin"}}

	var open atomic.Bool
	var called atomic.Int32
	handler := UpdateHandlerFunc(func(context.Context, model.PriceUpdate) {
		called.Add(1)
	})

	cfg := Config{
		Interval:    20 * time.Millisecond,
		BatchSize:   10,
		Concurrency: 1,
		Timeout:     time.Second,
	}
	p := New(cfg, client, coins, handler, open.Load, nil)

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer p.Stop(context.Background())

	time.Sleep(100 * time.Millisecond)
	if called.Load() != 0 {
		t.Fatal("poller ran while gate was closed")
	}
	if p.Stats().Skipped == 0 {
		t.Error("expected skipped cycles while gate was closed")
	}

	open.Store(true)
	deadline := time.Now().Add(2 * time.Second)
	for called.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if called.Load() == 0 {
		t.Error("handler was never called after gate opened")
	}
}

func TestPoller_StartStop(t *testing.T) {
	server := echoServer(t, nil)
	client := api.NewClient(server.URL, "")
	coins := &mockCoinSource{coins: []string{"bitcoin"}}

	var called atomic.Bool
	handler := UpdateHandlerFunc(func(context.Context, model.PriceUpdate) {
		called.Store(true)
	})

	cfg := Config{
		Interval:    50 * time.Millisecond,
		BatchSize:   10,
		Concurrency: 10,
		Timeout:     5 * time.Second,
	}

	p := New(cfg, client, coins, handler, nil, nil)

	ctx := context.Background()
	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// Wait for at least one poll.
	time.Sleep(150 * time.Millisecond)

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	if err := p.Stop(stopCtx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	if !called.Load() {
		t.Error("handler was never called")
	}
}

func TestPoller_Concurrency(t *testing.T) {
	var inFlight atomic.Int32
	var maxInFlight atomic.Int32

	server := echoServer(t, func([]string) {
		current := inFlight.Add(1)
		defer inFlight.Add(-1)

		// Track max concurrent requests.
		for {
			old := maxInFlight.Load()
			if current <= old || maxInFlight.CompareAndSwap(old, current) {
				break
			}
		}

		// Simulate some work.
		time.Sleep(50 * time.Millisecond)
	})

	client := api.NewClient(server.URL, "")

	// 20 coins, one per request.
	var coinList []string
	for i := 0; i < 20; i++ {
		coinList = append(coinList, "coin-"+string(rune('a'+i)))
	}
	coins := &mockCoinSource{coins: coinList}

	cfg := Config{
		Interval:    time.Hour,
		BatchSize:   1,
		Concurrency: 5, // Limit to 5 concurrent.
		Timeout:     5 * time.Second,
	}

	p := New(cfg, client, coins, nil, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	p.PollOnce(ctx)

	if got := maxInFlight.Load(); got > 5 {
		t.Errorf("maxInFlight = %d, want <= 5", got)
	}
	if got := p.Stats().Fetched; got != 20 {
		t.Errorf("Fetched = %d, want 20", got)
	}
}

func TestBatches(t *testing.T) {
	tests := []struct {
		ids  []string
		size int
		want [][]string
	}{
		{nil, 2, nil},
		{[]string{"a"}, 2, [][]string{{"a"}}},
		{[]string{"a", "b"}, 2, [][]string{{"a", "b"}}},
		{[]string{"a", "b", "c"}, 2, [][]string{{"a", "b"}, {"c"}}},
	}

	for _, tt := range tests {
		if got := batches(tt.ids, tt.size); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("batches(%v, %d) = %v, want %v", tt.ids, tt.size, got, tt.want)
		}
	}
}

package exchange

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/rickgao/coinpulse/internal/api"
	"github.com/rickgao/coinpulse/internal/connection"
	"github.com/rickgao/coinpulse/internal/model"
	"github.com/rickgao/coinpulse/internal/reconnect"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

func TestMarket_Deterministic(t *testing.T) {
	cfg := DefaultConfig()
	a := NewMarket(cfg)
	b := NewMarket(cfg)

	ids := []string{"bitcoin", "ethereum", "dogecoin"}
	for i := 0; i < 20; i++ {
		ua := a.Step(ids)
		ub := b.Step(ids)
		for j := range ua {
			if ua[j].CoinID != ub[j].CoinID || ua[j].Price != ub[j].Price {
				t.Fatalf("step %d: %+v != %+v", i, ua[j], ub[j])
			}
		}
	}
}

func TestMarket_Step(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Volatility = 0.01
	m := NewMarket(cfg)

	start := decimal.RequireFromString("64000")
	prev := start
	for i := 0; i < 100; i++ {
		u := m.Step([]string{"bitcoin"})
		if len(u) != 1 {
			t.Fatalf("Step returned %d updates, want 1", len(u))
		}
		p, err := decimal.NewFromString(u[0].Price)
		if err != nil {
			t.Fatalf("price %q: %v", u[0].Price, err)
		}
		if !p.IsPositive() {
			t.Fatalf("price %s is not positive", p)
		}

		// One tick never moves more than the volatility.
		limit := prev.Mul(decimal.NewFromFloat(0.0101))
		if p.Sub(prev).Abs().GreaterThan(limit) {
			t.Fatalf("tick %d moved %s -> %s", i, prev, p)
		}
		prev = p
	}
}

func TestMarket_PriceListsUnknownCoin(t *testing.T) {
	m := NewMarket(DefaultConfig())

	first := m.Price("dogecoin")
	again := m.Price("dogecoin")
	if first.Price != again.Price {
		t.Errorf("price changed without a tick: %s -> %s", first.Price, again.Price)
	}

	p := decimal.RequireFromString(first.Price)
	if p.LessThan(decimal.NewFromInt(1)) || p.GreaterThan(decimal.NewFromInt(1000)) {
		t.Errorf("listing price %s outside [1, 1000]", p)
	}

	if got := m.Price("bitcoin").Price; got != "64000" {
		t.Errorf("bitcoin = %s, want 64000", got)
	}
}

// --- WebSocket protocol ---

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	srv := NewServer(DefaultConfig(), nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("decode %q: %v", data, err)
	}
	return m
}

func send(t *testing.T, conn *websocket.Conn, action connection.Action, ids ...string) {
	t.Helper()
	data, err := connection.EncodeSubscription(action, ids)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestServer_SubscribeSendsSnapshotAndTicks(t *testing.T) {
	srv, ts := newTestServer(t)
	conn := dial(t, ts)

	send(t, conn, connection.ActionSubscribe, "bitcoin", "ethereum")

	ack := readFrame(t, conn)
	if ack["type"] != connection.TypeSubscribed {
		t.Fatalf("ack = %v, want subscribed", ack)
	}

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		f := readFrame(t, conn)
		if f["type"] != connection.TypePriceUpdate {
			t.Fatalf("frame = %v, want price_update", f)
		}
		seen[f["coinId"].(string)] = true
	}
	if !seen["bitcoin"] || !seen["ethereum"] {
		t.Errorf("snapshot coins = %v", seen)
	}

	if n := srv.Tick(); n != 2 {
		t.Errorf("Tick sent %d frames, want 2", n)
	}
	readFrame(t, conn)
	readFrame(t, conn)

	send(t, conn, connection.ActionUnsubscribe, "bitcoin", "ethereum")
	if ack := readFrame(t, conn); ack["type"] != connection.TypeUnsubscribed {
		t.Fatalf("ack = %v, want unsubscribed", ack)
	}
	if n := srv.Tick(); n != 0 {
		t.Errorf("Tick after unsubscribe sent %d frames, want 0", n)
	}

	stats := srv.Stats()
	if stats.Sessions != 1 || stats.Requests != 2 || stats.Ticks != 2 {
		t.Errorf("Stats = %+v", stats)
	}
}

func TestServer_BadRequest(t *testing.T) {
	srv, ts := newTestServer(t)
	conn := dial(t, ts)

	if err := conn.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if f := readFrame(t, conn); f["type"] != connection.TypeError {
		t.Errorf("frame = %v, want error", f)
	}

	send(t, conn, connection.Action("resubscribe"), "bitcoin")
	f := readFrame(t, conn)
	if f["type"] != connection.TypeError || !strings.Contains(f["message"].(string), "resubscribe") {
		t.Errorf("frame = %v, want unknown action error", f)
	}

	if got := srv.Stats().BadRequests; got != 2 {
		t.Errorf("BadRequests = %d, want 2", got)
	}
}

func TestServer_Prices(t *testing.T) {
	_, ts := newTestServer(t)

	client := api.NewClient(ts.URL, "")
	updates, err := client.GetPrices(context.Background(), []string{"bitcoin", "solana"})
	if err != nil {
		t.Fatalf("GetPrices: %v", err)
	}

	got := map[string]string{}
	for _, u := range updates {
		if u.Source != model.SourceREST {
			t.Errorf("%s source = %q, want rest", u.CoinID, u.Source)
		}
		got[u.CoinID] = u.Price
	}
	want := map[string]string{"bitcoin": "64000", "solana": "145"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("prices = %v, want %v", got, want)
	}

	resp, err := http.Get(ts.URL + "/v1/prices")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing ids status = %d, want 400", resp.StatusCode)
	}
}

// TestFeedAgainstExchange drives the real feed through a connect, a server
// side drop and a reconnect.
func TestFeedAgainstExchange(t *testing.T) {
	srv, ts := newTestServer(t)

	feed := connection.NewFeed(connection.FeedConfig{
		Client: connection.ClientConfig{
			URL:              wsURL(ts),
			HandshakeTimeout: time.Second,
			WriteTimeout:     time.Second,
			BufferSize:       100,
		},
		Strategy: reconnect.Strategy{
			InitialDelay: 10 * time.Millisecond,
			Multiplier:   2,
			MaxAttempts:  3,
			MaxDelay:     50 * time.Millisecond,
		},
		ObserverBufferSize: 64,
	}, nil)
	t.Cleanup(func() { feed.Close() })

	updates := feed.PriceUpdates()
	defer updates.Close()

	if err := feed.Subscribe("watchlist", []string{"bitcoin"}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := feed.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if _, err := connection.AwaitState(ctx, feed, connection.Connected); err != nil {
		t.Fatalf("AwaitState: %v", err)
	}

	next := func() model.PriceUpdate {
		t.Helper()
		select {
		case u := <-updates.C():
			return u
		case <-ctx.Done():
			t.Fatal("timeout waiting for price update")
			return model.PriceUpdate{}
		}
	}

	if u := next(); u.CoinID != "bitcoin" || u.Price != "64000" {
		t.Fatalf("snapshot = %+v, want bitcoin 64000", u)
	}

	if n := srv.DropAll(); n != 1 {
		t.Fatalf("DropAll closed %d sessions, want 1", n)
	}

	// The resubscribe after reconnecting brings a fresh snapshot.
	if u := next(); u.CoinID != "bitcoin" {
		t.Fatalf("update after reconnect = %+v", u)
	}
	if got := feed.Stats().Connects; got != 2 {
		t.Errorf("Connects = %d, want 2", got)
	}

	if n := srv.Tick(); n != 1 {
		t.Fatalf("Tick sent %d frames, want 1", n)
	}
	if u := next(); u.CoinID != "bitcoin" {
		t.Errorf("tick update = %+v", u)
	}
}

package connection

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rickgao/coinpulse/internal/model"
	"github.com/rickgao/coinpulse/internal/reconnect"
)

// mockExchange is a price server that records subscription requests and
// lets tests push frames or drop every connection.
type mockExchange struct {
	t        *testing.T
	server   *httptest.Server
	requests chan SubscriptionRequest

	mu    sync.Mutex
	conns []*websocket.Conn
}

func newMockExchange(t *testing.T) *mockExchange {
	t.Helper()

	m := &mockExchange{
		t:        t,
		requests: make(chan SubscriptionRequest, 100),
	}
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	m.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		m.mu.Lock()
		m.conns = append(m.conns, conn)
		m.mu.Unlock()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var req SubscriptionRequest
			if err := json.Unmarshal(data, &req); err != nil {
				t.Logf("bad request %q: %v", data, err)
				continue
			}
			m.requests <- req
		}
	}))
	t.Cleanup(m.server.Close)

	return m
}

func (m *mockExchange) url() string {
	return wsURL(m.server)
}

// push writes a raw frame to every live connection.
func (m *mockExchange) push(frame string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.conns {
		if err := c.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
			m.t.Logf("push: %v", err)
		}
	}
}

// dropAll closes every live connection without a close handshake.
func (m *mockExchange) dropAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.conns {
		c.Close()
	}
	m.conns = nil
}

func (m *mockExchange) nextRequest(t *testing.T) SubscriptionRequest {
	t.Helper()
	select {
	case req := <-m.requests:
		return req
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for subscription request")
		return SubscriptionRequest{}
	}
}

func (m *mockExchange) expectNoRequest(t *testing.T) {
	t.Helper()
	select {
	case req := <-m.requests:
		t.Fatalf("unexpected request: %+v", req)
	case <-time.After(100 * time.Millisecond):
	}
}

func testFeedConfig(url string) FeedConfig {
	return FeedConfig{
		Client: ClientConfig{
			URL:              url,
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
	}
}

func newTestFeed(t *testing.T, url string) Feed {
	t.Helper()
	f := NewFeed(testFeedConfig(url), nil)
	t.Cleanup(func() { f.Close() })
	return f
}

func awaitState(t *testing.T, f Feed, want ConnectionState) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if got, err := AwaitState(ctx, f, want); err != nil {
		t.Fatalf("waiting for %s: state %s, %v", want, got, err)
	}
}

func assertRequest(t *testing.T, got SubscriptionRequest, action Action, coins ...string) {
	t.Helper()
	if got.Action != action || !reflect.DeepEqual(got.CoinIDs, coins) {
		t.Errorf("request = %s %v, want %s %v", got.Action, got.CoinIDs, action, coins)
	}
}

func TestFeed_ConnectReplaysActiveSet(t *testing.T) {
	m := newMockExchange(t)
	f := newTestFeed(t, m.url())

	if err := f.Subscribe("portfolio", []string{"ethereum", "bitcoin"}); err != nil {
		t.Fatalf("Subscribe before connect: %v", err)
	}
	m.expectNoRequest(t)

	if err := f.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	awaitState(t, f, Connected)

	assertRequest(t, m.nextRequest(t), ActionSubscribe, "bitcoin", "ethereum")
	m.expectNoRequest(t)

	if got := f.Stats().Connects; got != 1 {
		t.Errorf("Connects = %d, want 1", got)
	}
}

func TestFeed_CoalescesSubscriptions(t *testing.T) {
	m := newMockExchange(t)
	f := newTestFeed(t, m.url())

	if err := f.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	awaitState(t, f, Connected)

	steps := []struct {
		name  string
		apply func() error
	}{
		{"a watches bitcoin", func() error { return f.Subscribe("a", []string{"bitcoin"}) }},
		{"b watches bitcoin and solana", func() error { return f.Subscribe("b", []string{"bitcoin", "solana"}) }},
		{"a leaves bitcoin", func() error { return f.Unsubscribe("a", []string{"bitcoin"}) }},
		{"b leaves everything", func() error { return f.UnsubscribeAll("b") }},
	}
	for _, s := range steps {
		if err := s.apply(); err != nil {
			t.Fatalf("%s: %v", s.name, err)
		}
	}

	assertRequest(t, m.nextRequest(t), ActionSubscribe, "bitcoin")
	assertRequest(t, m.nextRequest(t), ActionSubscribe, "solana")
	assertRequest(t, m.nextRequest(t), ActionUnsubscribe, "bitcoin", "solana")
	m.expectNoRequest(t)

	if coins := f.ActiveCoins(); len(coins) != 0 {
		t.Errorf("ActiveCoins = %v, want empty", coins)
	}
}

func TestFeed_PriceUpdatesFanOut(t *testing.T) {
	m := newMockExchange(t)
	f := newTestFeed(t, m.url())

	if err := f.Subscribe("ticker", []string{"bitcoin"}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := f.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	awaitState(t, f, Connected)
	m.nextRequest(t)

	first := f.PriceUpdates()
	defer first.Close()
	second := f.PriceUpdates()
	defer second.Close()

	m.push(`{"type":"price_update","coinId":"bitcoin","price":"64000.10","timestamp":1000}`)
	m.push(`{"type":"price_update","coinId":"ethereum","price":"3000","timestamp":1000}`)
	m.push(`not json`)
	m.push(`{"type":"subscribed","coinIds":["bitcoin"]}`)
	m.push(`{"type":"price_update","coinId":"bitcoin","price":"64001.00","timestamp":2000}`)

	want := []model.PriceUpdate{
		{CoinID: "bitcoin", Price: "64000.10", Timestamp: 1000, Source: model.SourceWebSocket},
		{CoinID: "bitcoin", Price: "64001.00", Timestamp: 2000, Source: model.SourceWebSocket},
	}

	for _, sub := range []struct {
		name string
		c    <-chan model.PriceUpdate
	}{{"first", first.C()}, {"second", second.C()}} {
		for i, w := range want {
			select {
			case got := <-sub.c:
				if got != w {
					t.Errorf("%s observer update %d = %+v, want %+v", sub.name, i, got, w)
				}
			case <-time.After(2 * time.Second):
				t.Fatalf("%s observer: timeout waiting for update %d", sub.name, i)
			}
		}
	}

	stats := f.Stats()
	if stats.PriceUpdates != 2 {
		t.Errorf("PriceUpdates = %d, want 2", stats.PriceUpdates)
	}
	if stats.Ignored != 1 {
		t.Errorf("Ignored = %d, want 1", stats.Ignored)
	}
	if stats.ParseErrors != 1 {
		t.Errorf("ParseErrors = %d, want 1", stats.ParseErrors)
	}
	if stats.MessagesReceived != 5 {
		t.Errorf("MessagesReceived = %d, want 5", stats.MessagesReceived)
	}
	if f.State() != Connected {
		t.Errorf("State = %s after malformed frame, want CONNECTED", f.State())
	}
}

func TestFeed_ReconnectResubscribes(t *testing.T) {
	m := newMockExchange(t)
	f := newTestFeed(t, m.url())

	states := f.ConnectionState()
	defer states.Close()

	if err := f.Subscribe("watchlist", []string{"bitcoin", "ethereum"}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := f.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	awaitState(t, f, Connected)
	assertRequest(t, m.nextRequest(t), ActionSubscribe, "bitcoin", "ethereum")

	m.dropAll()

	assertRequest(t, m.nextRequest(t), ActionSubscribe, "bitcoin", "ethereum")
	awaitState(t, f, Connected)

	wantSeq := []ConnectionState{Disconnected, Connecting, Connected, Reconnecting, Connected}
	for i, want := range wantSeq {
		select {
		case got := <-states.C():
			if got != want {
				t.Fatalf("state %d = %s, want %s", i, got, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timeout waiting for state %d (%s)", i, want)
		}
	}

	stats := f.Stats()
	if stats.Connects != 2 {
		t.Errorf("Connects = %d, want 2", stats.Connects)
	}
	if stats.ReconnectTries != 1 {
		t.Errorf("ReconnectTries = %d, want 1", stats.ReconnectTries)
	}
}

func TestFeed_FailsAfterMaxAttempts(t *testing.T) {
	f := newTestFeed(t, "ws://127.0.0.1:1")

	if err := f.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	awaitState(t, f, Failed)

	if got := f.Stats().ReconnectTries; got != 3 {
		t.Errorf("ReconnectTries = %d, want 3", got)
	}

	// A later Connect starts a fresh loop.
	if err := f.Connect(context.Background()); err != nil {
		t.Fatalf("Connect after FAILED: %v", err)
	}
	if s := f.State(); s == Failed {
		t.Errorf("State = %s right after Connect, want a fresh attempt", s)
	}
	awaitState(t, f, Failed)
}

func TestFeed_ConnectDisconnectIdempotent(t *testing.T) {
	m := newMockExchange(t)
	f := newTestFeed(t, m.url())

	if err := f.Disconnect(); err != nil {
		t.Fatalf("Disconnect on idle feed: %v", err)
	}
	if f.State() != Disconnected {
		t.Errorf("State = %s, want DISCONNECTED", f.State())
	}

	for i := 0; i < 3; i++ {
		if err := f.Connect(context.Background()); err != nil {
			t.Fatalf("Connect #%d: %v", i, err)
		}
	}
	awaitState(t, f, Connected)

	if got := f.Stats().Connects; got != 1 {
		t.Errorf("Connects = %d, want 1", got)
	}

	for i := 0; i < 2; i++ {
		if err := f.Disconnect(); err != nil {
			t.Fatalf("Disconnect #%d: %v", i, err)
		}
		if f.State() != Disconnected {
			t.Errorf("State after Disconnect #%d = %s, want DISCONNECTED", i, f.State())
		}
	}

	// Subscriptions survive a disconnect and are replayed on reconnect.
	if err := f.Subscribe("a", []string{"cardano"}); err != nil {
		t.Fatalf("Subscribe while disconnected: %v", err)
	}
	if err := f.Connect(context.Background()); err != nil {
		t.Fatalf("Connect after Disconnect: %v", err)
	}
	assertRequest(t, m.nextRequest(t), ActionSubscribe, "cardano")
}

func TestFeed_LateObserverSeesCurrentState(t *testing.T) {
	m := newMockExchange(t)
	f := newTestFeed(t, m.url())

	if err := f.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	awaitState(t, f, Connected)

	late := f.ConnectionState()
	defer late.Close()

	select {
	case s := <-late.C():
		if s != Connected {
			t.Errorf("first state = %s, want CONNECTED", s)
		}
	case <-time.After(time.Second):
		t.Fatal("late observer received nothing")
	}
}

func TestFeed_CloseEndsStreams(t *testing.T) {
	m := newMockExchange(t)
	f := NewFeed(testFeedConfig(m.url()), nil)

	if err := f.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	awaitState(t, f, Connected)

	updates := f.PriceUpdates()
	states := f.ConnectionState()

	if err := f.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	waitClosed(t, "state", states.C())
	waitClosed(t, "update", updates.C())

	if err := f.Connect(context.Background()); !errors.Is(err, ErrAlreadyClosed) {
		t.Errorf("Connect after Close = %v, want ErrAlreadyClosed", err)
	}
}

func TestFeed_EmptyOwner(t *testing.T) {
	f := newTestFeed(t, "ws://127.0.0.1:1")

	if err := f.Subscribe("", []string{"bitcoin"}); !errors.Is(err, ErrEmptyOwner) {
		t.Errorf("Subscribe = %v, want ErrEmptyOwner", err)
	}
	if err := f.Unsubscribe("", []string{"bitcoin"}); !errors.Is(err, ErrEmptyOwner) {
		t.Errorf("Unsubscribe = %v, want ErrEmptyOwner", err)
	}
	if err := f.UnsubscribeAll(""); !errors.Is(err, ErrEmptyOwner) {
		t.Errorf("UnsubscribeAll = %v, want ErrEmptyOwner", err)
	}
}

// waitClosed drains c until it is closed.
func waitClosed[T any](t *testing.T, name string, c <-chan T) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-c:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatalf("%s stream not closed", name)
		}
	}
}

// brokenClient accepts the connection but fails every write.
type brokenClient struct {
	sendErr error
	sends   int
}

func (b *brokenClient) Connect(context.Context) error       { return nil }
func (b *brokenClient) Close() error                        { return nil }
func (b *brokenClient) Messages() <-chan TimestampedMessage { return nil }
func (b *brokenClient) Errors() <-chan error                { return nil }
func (b *brokenClient) IsConnected() bool                   { return true }
func (b *brokenClient) Send([]byte) error                   { b.sends++; return b.sendErr }

func TestFeed_FailedSendIsRecordedAndRecycles(t *testing.T) {
	f := NewFeed(testFeedConfig("ws://127.0.0.1:1"), nil).(*feed)
	t.Cleanup(func() { f.Close() })

	bc := &brokenClient{sendErr: errors.New("write: broken pipe")}
	f.client = bc

	if err := f.Subscribe("screen-1", []string{"bitcoin"}); err != nil {
		t.Fatalf("Subscribe = %v, want nil", err)
	}
	if bc.sends != 1 {
		t.Errorf("sends = %d, want 1", bc.sends)
	}
	if got := f.ActiveCoins(); !reflect.DeepEqual(got, []string{"bitcoin"}) {
		t.Errorf("ActiveCoins = %v, want [bitcoin]", got)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := f.pump(ctx); !errors.Is(err, errResync) {
		t.Errorf("pump = %v, want errResync", err)
	}
}

func TestFeed_SendAfterSocketDroppedIsRecorded(t *testing.T) {
	f := NewFeed(testFeedConfig("ws://127.0.0.1:1"), nil).(*feed)
	t.Cleanup(func() { f.Close() })

	f.client = &brokenClient{sendErr: ErrNotConnected}

	if err := f.Subscribe("screen-1", []string{"bitcoin"}); err != nil {
		t.Fatalf("Subscribe = %v, want nil", err)
	}
	if err := f.Unsubscribe("screen-1", []string{"bitcoin"}); err != nil {
		t.Fatalf("Unsubscribe = %v, want nil", err)
	}
	if got := f.ActiveCoins(); len(got) != 0 {
		t.Errorf("ActiveCoins = %v, want empty", got)
	}

	// The socket reports its own failure; no extra recycle is queued.
	select {
	case <-f.resync:
		t.Error("resync signalled for a socket that is already down")
	default:
	}
}

// TestFeed_LostRequestReplayedOnReconnect breaks the live socket's writes
// and checks the recorded coin reaches the server after the recycle.
func TestFeed_LostRequestReplayedOnReconnect(t *testing.T) {
	m := newMockExchange(t)
	f := NewFeed(testFeedConfig(m.url()), nil).(*feed)
	t.Cleanup(func() { f.Close() })

	if err := f.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	awaitState(t, f, Connected)

	// Close the socket underneath the client so the next write fails.
	f.connMu.RLock()
	c := f.client.(*client)
	f.connMu.RUnlock()
	c.mu.RLock()
	c.conn.UnderlyingConn().Close()
	c.mu.RUnlock()

	if err := f.Subscribe("screen-1", []string{"bitcoin"}); err != nil {
		t.Fatalf("Subscribe = %v, want nil", err)
	}

	// Whichever side notices first, the reconnect replays the coin.
	assertRequest(t, m.nextRequest(t), ActionSubscribe, "bitcoin")
}

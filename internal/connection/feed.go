package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rickgao/coinpulse/internal/model"
	"github.com/rickgao/coinpulse/internal/stream"
	"github.com/rickgao/coinpulse/internal/subscription"
)

// Feed is the single logical price socket shared by every screen.
type Feed interface {
	// Connect starts the connection lifecycle. It is a no-op while the feed
	// is connecting, connected or reconnecting.
	Connect(ctx context.Context) error

	// Disconnect stops the lifecycle and closes the socket. It is a no-op
	// when already disconnected.
	Disconnect() error

	// Close disconnects and ends every stream handed out by the feed.
	Close() error

	// Subscribe records owner's interest in coinIDs. Only coins that nobody
	// watched before are sent to the server.
	Subscribe(owner string, coinIDs []string) error

	// Unsubscribe drops owner's interest in coinIDs. Coins are removed on
	// the server only when their last owner leaves.
	Unsubscribe(owner string, coinIDs []string) error

	// UnsubscribeAll drops everything owner holds.
	UnsubscribeAll(owner string) error

	// ConnectionState returns a stream that starts with the current state.
	ConnectionState() *stream.Subscription[ConnectionState]

	// PriceUpdates returns a stream of decoded price updates.
	PriceUpdates() *stream.Subscription[model.PriceUpdate]

	// State returns the current connection state.
	State() ConnectionState

	// ActiveCoins returns the aggregate subscription set.
	ActiveCoins() []string

	// Stats returns current feed statistics.
	Stats() FeedStats
}

// feed implements the Feed interface.
type feed struct {
	cfg    FeedConfig
	logger *slog.Logger

	// Subscription set. subMu serializes set mutations together with the
	// matching wire send so request order follows mutation order.
	subMu sync.Mutex
	subs  *subscription.Multiplexer

	// Output streams
	states  *stream.Broadcaster[ConnectionState]
	updates *stream.Broadcaster[model.PriceUpdate]

	// Lifecycle loop
	lifeMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	closed bool

	// Current socket, nil while down. Written under subMu and connMu.
	connMu sync.RWMutex
	client Client

	// resync asks pump to recycle the socket after a request was lost.
	resync chan struct{}

	// Stats
	connects       atomic.Int64
	reconnectTries atomic.Int64
	received       atomic.Int64
	priceUpdates   atomic.Int64
	parseErrors    atomic.Int64
	ignored        atomic.Int64
}

// NewFeed creates a new Feed. It does not connect until Connect is called.
func NewFeed(cfg FeedConfig, logger *slog.Logger) Feed {
	if logger == nil {
		logger = slog.Default()
	}

	return &feed{
		cfg:     cfg,
		logger:  logger,
		subs:    subscription.NewMultiplexer(),
		states:  stream.NewStateBroadcaster(Disconnected, cfg.ObserverBufferSize),
		updates: stream.NewBroadcaster[model.PriceUpdate](cfg.ObserverBufferSize),
		resync:  make(chan struct{}, 1),
	}
}

// Connect starts the lifecycle loop unless it is already running.
func (f *feed) Connect(ctx context.Context) error {
	f.lifeMu.Lock()
	defer f.lifeMu.Unlock()

	if f.closed {
		return ErrAlreadyClosed
	}

	if f.done != nil {
		select {
		case <-f.done:
			// Previous loop gave up (FAILED) or its context ended.
			f.cancel()
		default:
			return nil
		}
	}

	loopCtx, cancel := context.WithCancel(ctx)
	f.cancel = cancel
	f.done = make(chan struct{})

	f.setState(Connecting)
	go f.run(loopCtx, f.done)

	f.logger.Info("price feed connecting", "url", f.cfg.Client.URL)
	return nil
}

// Disconnect stops the lifecycle loop and waits for it to exit.
func (f *feed) Disconnect() error {
	f.lifeMu.Lock()
	defer f.lifeMu.Unlock()

	f.stopLocked()
	return nil
}

// Close disconnects and closes all streams.
func (f *feed) Close() error {
	f.lifeMu.Lock()
	defer f.lifeMu.Unlock()

	if f.closed {
		return nil
	}
	f.closed = true

	f.stopLocked()
	f.states.Close()
	f.updates.Close()

	f.logger.Info("price feed closed")
	return nil
}

// stopLocked cancels the loop and records DISCONNECTED. Caller holds lifeMu.
func (f *feed) stopLocked() {
	if f.cancel == nil {
		return
	}

	f.cancel()
	<-f.done
	f.cancel = nil
	f.done = nil

	f.dropClient()
	f.setState(Disconnected)

	f.logger.Info("price feed disconnected")
}

// Subscribe records interest and sends newly active coins.
func (f *feed) Subscribe(owner string, coinIDs []string) error {
	if owner == "" {
		return ErrEmptyOwner
	}

	f.subMu.Lock()
	defer f.subMu.Unlock()

	added := f.subs.Add(owner, coinIDs)
	if len(added) == 0 {
		return nil
	}

	f.logger.Debug("coins activated", "owner", owner, "coins", added)
	f.sendLocked(ActionSubscribe, added)
	return nil
}

// Unsubscribe drops interest and sends coins that became inactive.
func (f *feed) Unsubscribe(owner string, coinIDs []string) error {
	if owner == "" {
		return ErrEmptyOwner
	}

	f.subMu.Lock()
	defer f.subMu.Unlock()

	removed := f.subs.Remove(owner, coinIDs)
	if len(removed) == 0 {
		return nil
	}

	f.logger.Debug("coins released", "owner", owner, "coins", removed)
	f.sendLocked(ActionUnsubscribe, removed)
	return nil
}

// UnsubscribeAll drops everything owner holds.
func (f *feed) UnsubscribeAll(owner string) error {
	if owner == "" {
		return ErrEmptyOwner
	}

	f.subMu.Lock()
	defer f.subMu.Unlock()

	removed := f.subs.RemoveOwner(owner)
	if len(removed) == 0 {
		return nil
	}

	f.logger.Debug("owner released", "owner", owner, "coins", removed)
	f.sendLocked(ActionUnsubscribe, removed)
	return nil
}

// sendLocked sends a subscription request if a socket is up. Without a
// socket the change is only recorded; the active set is replayed on the next
// connect. A failed send is also only recorded: if the socket is still the
// current one, pump is told to reconnect so the replay covers the lost
// request. Caller holds subMu.
func (f *feed) sendLocked(action Action, coinIDs []string) {
	f.connMu.RLock()
	c := f.client
	f.connMu.RUnlock()

	if c == nil {
		return
	}

	err := f.send(c, action, coinIDs)
	if err == nil {
		return
	}

	f.connMu.RLock()
	current := f.client == c
	f.connMu.RUnlock()

	f.logger.Warn("subscription recorded, socket send failed",
		"action", action,
		"coins", coinIDs,
		"error", err,
	)

	if current && !errors.Is(err, ErrNotConnected) {
		select {
		case f.resync <- struct{}{}:
		default:
		}
	}
}

func (f *feed) send(c Client, action Action, coinIDs []string) error {
	data, err := EncodeSubscription(action, coinIDs)
	if err != nil {
		return err
	}
	return c.Send(data)
}

// ConnectionState returns a state stream that replays the current state.
func (f *feed) ConnectionState() *stream.Subscription[ConnectionState] {
	return f.states.Subscribe()
}

// PriceUpdates returns a stream of price updates.
func (f *feed) PriceUpdates() *stream.Subscription[model.PriceUpdate] {
	return f.updates.Subscribe()
}

// State returns the current connection state.
func (f *feed) State() ConnectionState {
	s, _ := f.states.Latest()
	return s
}

// ActiveCoins returns the aggregate subscription set.
func (f *feed) ActiveCoins() []string {
	return f.subs.Active()
}

// Stats returns current statistics.
func (f *feed) Stats() FeedStats {
	subStats := f.subs.Stats()
	return FeedStats{
		State:            f.State(),
		Connects:         f.connects.Load(),
		ReconnectTries:   f.reconnectTries.Load(),
		MessagesReceived: f.received.Load(),
		PriceUpdates:     f.priceUpdates.Load(),
		ParseErrors:      f.parseErrors.Load(),
		Ignored:          f.ignored.Load(),
		Owners:           subStats.Owners,
		ActiveCoins:      subStats.ActiveCoins,
	}
}

// setState publishes s if it differs from the current state.
func (f *feed) setState(s ConnectionState) {
	if cur, _ := f.states.Latest(); cur == s {
		return
	}
	f.states.Publish(s)
	f.logger.Debug("connection state", "state", s)
}

// run is the lifecycle loop: connect, pump until the socket fails, back off,
// and give up once the strategy says to fall back.
func (f *feed) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	attempt := 0
	for {
		err := f.connectOnce(ctx)
		if err == nil {
			attempt = 0
			f.cfg.Strategy.Reset()
			err = f.pump(ctx)
			f.dropClient()
		}

		if ctx.Err() != nil {
			f.setState(Disconnected)
			return
		}

		f.logger.Warn("price socket down", "attempt", attempt, "error", err)

		if f.cfg.Strategy.ShouldFallback(attempt) {
			f.setState(Failed)
			f.logger.Error("price socket failed, falling back",
				"attempts", attempt,
				"error", err,
			)
			return
		}

		f.setState(Reconnecting)
		delay := f.cfg.Strategy.NextDelay(attempt)
		attempt++
		f.reconnectTries.Add(1)

		f.logger.Info("attempting reconnection", "attempt", attempt, "delay", delay)

		select {
		case <-ctx.Done():
			f.setState(Disconnected)
			return
		case <-time.After(delay):
		}
	}
}

// connectOnce dials, replays the active set, and announces CONNECTED.
func (f *feed) connectOnce(ctx context.Context) error {
	n := f.connects.Load() + 1
	c := NewClient(f.cfg.Client, f.logger.With("conn", n))
	if err := c.Connect(ctx); err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	f.subMu.Lock()
	defer f.subMu.Unlock()

	if active := f.subs.Active(); len(active) > 0 {
		if err := f.send(c, ActionSubscribe, active); err != nil {
			c.Close()
			return fmt.Errorf("resubscribe: %w", err)
		}
		f.logger.Info("subscriptions replayed", "coins", len(active))
	}

	// The replay above covers any request lost on the previous socket.
	select {
	case <-f.resync:
	default:
	}

	f.connMu.Lock()
	f.client = c
	f.connMu.Unlock()

	f.connects.Add(1)
	f.setState(Connected)
	return nil
}

// dropClient closes and forgets the current socket.
func (f *feed) dropClient() {
	f.connMu.Lock()
	c := f.client
	f.client = nil
	f.connMu.Unlock()

	if c != nil {
		c.Close()
	}
}

// pump forwards socket frames until the socket fails or ctx ends.
func (f *feed) pump(ctx context.Context) error {
	f.connMu.RLock()
	c := f.client
	f.connMu.RUnlock()

	if c == nil {
		return ErrNotConnected
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-c.Errors():
			return err
		case <-f.resync:
			return errResync
		case msg := <-c.Messages():
			f.handleFrame(msg)
		}
	}
}

// handleFrame decodes one server message and publishes price updates.
func (f *feed) handleFrame(msg TimestampedMessage) {
	f.received.Add(1)

	fr, err := decodeFrame(msg.Data)
	if err != nil {
		f.parseErrors.Add(1)
		f.logger.Warn("dropping malformed frame", "error", err, "bytes", len(msg.Data))
		return
	}

	switch fr.Type {
	case TypePriceUpdate:
		if !f.subs.IsActive(fr.Price.CoinID) {
			f.ignored.Add(1)
			return
		}
		f.priceUpdates.Add(1)
		f.updates.Publish(fr.Price.ToModel())

	case TypeSubscribed, TypeUnsubscribed:
		f.logger.Debug("subscription acknowledged", "type", fr.Type, "coins", fr.Ack.CoinIDs)

	case TypeError:
		f.logger.Warn("server error", "message", fr.Ack.Message)

	default:
		f.logger.Debug("skipping message type", "type", fr.Type)
	}
}

// AwaitState blocks until the feed reaches one of want or ctx ends.
func AwaitState(ctx context.Context, f Feed, want ...ConnectionState) (ConnectionState, error) {
	sub := f.ConnectionState()
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return f.State(), ctx.Err()
		case s, ok := <-sub.C():
			if !ok {
				return f.State(), ErrAlreadyClosed
			}
			for _, w := range want {
				if s == w {
					return s, nil
				}
			}
		}
	}
}

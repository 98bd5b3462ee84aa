package connection

import (
	"errors"
	"time"

	"github.com/rickgao/coinpulse/internal/reconnect"
	"github.com/rickgao/coinpulse/internal/stream"
)

// Errors
var (
	ErrNotConnected    = errors.New("not connected")
	ErrStaleConnection = errors.New("connection stale (no ping)")
	ErrAlreadyClosed   = errors.New("already closed")
	ErrEmptyOwner      = errors.New("subscription owner is required")
	ErrEmptyFrame      = errors.New("empty frame")
	ErrMissingCoinID   = errors.New("price update without coinId")
	ErrMissingPrice    = errors.New("price update without price")

	errResync = errors.New("subscription request lost, reconnecting")
)

// ConnectionState is the lifecycle state of the shared price socket.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
	Reconnecting
	Failed
)

// String returns the upper-case state name.
func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "DISCONNECTED"
	case Connecting:
		return "CONNECTING"
	case Connected:
		return "CONNECTED"
	case Reconnecting:
		return "RECONNECTING"
	case Failed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// MarshalText renders the state by name.
func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// TimestampedMessage wraps raw message data with receive timestamp.
type TimestampedMessage struct {
	Data       []byte    // Raw message bytes from WebSocket
	ReceivedAt time.Time // Local timestamp when ReadMessage() returned
}

// Message types on the wire.
const (
	TypePriceUpdate  = "price_update"
	TypeSubscribed   = "subscribed"
	TypeUnsubscribed = "unsubscribed"
	TypeError        = "error"
)

// Action is the verb of a subscription request.
type Action string

const (
	ActionSubscribe   Action = "subscribe"
	ActionUnsubscribe Action = "unsubscribe"
)

// SubscriptionRequest is sent by the client to change its coin set.
type SubscriptionRequest struct {
	Action  Action   `json:"action"`
	CoinIDs []string `json:"coinIds"`
}

// PriceUpdateMessage is a price tick pushed by the server.
type PriceUpdateMessage struct {
	Type      string `json:"type"`      // "price_update"
	CoinID    string `json:"coinId"`    // e.g. "bitcoin"
	Price     string `json:"price"`     // decimal string, e.g. "64000.12"
	Timestamp int64  `json:"timestamp"` // ms since epoch
}

// AckMessage is the server's answer to a subscription request.
type AckMessage struct {
	Type    string   `json:"type"` // "subscribed", "unsubscribed", "error"
	CoinIDs []string `json:"coinIds,omitempty"`
	Message string   `json:"message,omitempty"`
}

// ClientConfig configures a WebSocket client.
type ClientConfig struct {
	URL              string        // WebSocket URL (e.g., wss://stream.example.com/v1/prices)
	APIKey           string        // Sent as X-API-Key when set
	HandshakeTimeout time.Duration // Dial + upgrade deadline
	PingInterval     time.Duration // How often we ping the server
	PingTimeout      time.Duration // Max time without ping/pong before considering connection stale
	WriteTimeout     time.Duration // Write deadline for sends
	BufferSize       int           // Message channel buffer size
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		HandshakeTimeout: 10 * time.Second,
		PingInterval:     20 * time.Second,
		PingTimeout:      60 * time.Second,
		WriteTimeout:     5 * time.Second,
		BufferSize:       1000,
	}
}

// FeedConfig configures the shared Feed.
type FeedConfig struct {
	Client             ClientConfig
	Strategy           reconnect.Strategy
	ObserverBufferSize int // Per-observer queue limit for streams
}

// DefaultFeedConfig returns sensible defaults.
func DefaultFeedConfig() FeedConfig {
	return FeedConfig{
		Client:             DefaultClientConfig(),
		Strategy:           reconnect.Default(),
		ObserverBufferSize: stream.DefaultQueueLimit,
	}
}

// FeedStats provides statistics about the feed.
type FeedStats struct {
	State            ConnectionState `json:"state"`
	Connects         int64           `json:"connects"`
	ReconnectTries   int64           `json:"reconnect_tries"`
	MessagesReceived int64           `json:"messages_received"`
	PriceUpdates     int64           `json:"price_updates"`
	ParseErrors      int64           `json:"parse_errors"`
	Ignored          int64           `json:"ignored"` // Updates for coins nobody watches
	Owners           int             `json:"owners"`
	ActiveCoins      int             `json:"active_coins"`
}

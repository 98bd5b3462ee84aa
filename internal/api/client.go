package api

import (
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/rickgao/coinpulse/internal/reconnect"
)

const (
	defaultTimeout = 30 * time.Second
	maxRetryDelay  = 30 * time.Second
)

// Client fetches prices from the REST endpoint of the price server.
type Client struct {
	baseURL string
	apiKey  string
	hc      *http.Client
	logger  *slog.Logger

	// backoff spaces out retries of 5xx and 429 replies. MaxAttempts is
	// the number of retries after the first try.
	backoff reconnect.Strategy

	flight singleflight.Group
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// NewClient creates a client for baseURL. apiKey may be empty.
func NewClient(baseURL, apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		hc:      &http.Client{Timeout: defaultTimeout},
		logger:  slog.Default(),
		backoff: reconnect.Strategy{
			InitialDelay: time.Second,
			Multiplier:   2,
			MaxAttempts:  3,
			MaxDelay:     maxRetryDelay,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// WithTimeout bounds each HTTP attempt, including a shared price request.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.hc.Timeout = d
		}
	}
}

// WithRetries sets how many times a retryable reply is retried and the
// first delay; later delays double.
func WithRetries(retries int, initial time.Duration) ClientOption {
	return func(c *Client) {
		c.backoff.MaxAttempts = retries
		c.backoff.InitialDelay = initial
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

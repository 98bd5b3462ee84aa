// Package reconnect computes retry delays for the price feed socket.
package reconnect

import (
	"math"
	"time"
)

// Default strategy parameters.
const (
	DefaultInitialDelay = 1 * time.Second
	DefaultMultiplier   = 2.0
	DefaultMaxAttempts  = 3
	DefaultMaxDelay     = 30 * time.Second
)

// Strategy is an exponential backoff policy with a fallback threshold.
// It keeps no counters: callers own the attempt number.
type Strategy struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxAttempts  int
	MaxDelay     time.Duration
}

// Default returns the strategy used when nothing is configured.
func Default() Strategy {
	return Strategy{
		InitialDelay: DefaultInitialDelay,
		Multiplier:   DefaultMultiplier,
		MaxAttempts:  DefaultMaxAttempts,
		MaxDelay:     DefaultMaxDelay,
	}
}

// NextDelay returns min(InitialDelay * Multiplier^attempt, MaxDelay).
// Negative attempts are treated as 0.
func (s Strategy) NextDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	// Compare in float space so huge attempts cannot overflow the Duration.
	delay := float64(s.InitialDelay) * math.Pow(s.Multiplier, float64(attempt))
	if math.IsNaN(delay) || delay >= float64(s.MaxDelay) {
		return s.MaxDelay
	}
	if delay < 0 {
		return 0
	}

	return time.Duration(delay)
}

// ShouldFallback reports whether the caller should stop retrying.
func (s Strategy) ShouldFallback(attempt int) bool {
	return attempt >= s.MaxAttempts
}

// Reset is a no-op; the strategy is stateless.
func (s Strategy) Reset() {}

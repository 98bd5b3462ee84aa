package model

import "github.com/shopspring/decimal"

// -----------------------------------------------------------------------------
// Feed Types
// -----------------------------------------------------------------------------

// PriceUpdate is a decoded price tick for a single coin.
type PriceUpdate struct {
	CoinID    string // Coin id (e.g., "bitcoin")
	Price     string // Decimal string exactly as received
	Timestamp int64  // Exchange timestamp (ms since epoch)
	Source    Source // Where the update came from
}

// Source identifies the origin of a price.
type Source string

const (
	SourceWebSocket Source = "ws"
	SourceREST      Source = "rest"
	SourceCache     Source = "cache"
)

// -----------------------------------------------------------------------------
// Presentation Types
// -----------------------------------------------------------------------------

// PriceDirection is derived per update by comparing against the prior price.
// It is never persisted.
type PriceDirection int

const (
	Unchanged PriceDirection = iota
	Up
	Down
)

// String returns the upper-case name of the direction.
func (d PriceDirection) String() string {
	switch d {
	case Up:
		return "UP"
	case Down:
		return "DOWN"
	default:
		return "UNCHANGED"
	}
}

// MarshalText renders the direction by name so JSON output is readable.
func (d PriceDirection) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText parses a direction name. Unknown names decode as Unchanged.
func (d *PriceDirection) UnmarshalText(text []byte) error {
	switch string(text) {
	case "UP":
		*d = Up
	case "DOWN":
		*d = Down
	default:
		*d = Unchanged
	}
	return nil
}

// Quote is the latest known price for a coin together with its direction.
type Quote struct {
	CoinID        string          `json:"coinId"`
	Price         decimal.Decimal `json:"price"`
	PreviousPrice decimal.Decimal `json:"previousPrice"`
	Direction     PriceDirection  `json:"direction"`
	Timestamp     int64           `json:"timestamp"` // ms since epoch
	Source        Source          `json:"source"`
}

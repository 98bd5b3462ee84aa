package api

import "errors"

// PricesResponse from GET /v1/prices
type PricesResponse struct {
	Prices []APIPrice `json:"prices"`
}

// APIPrice is one coin's latest price.
type APIPrice struct {
	CoinID    string `json:"coinId"`
	Price     string `json:"price"`     // Decimal string
	Timestamp int64  `json:"timestamp"` // ms since epoch
}

// ErrNotFound is returned when the server has no price for a coin.
var ErrNotFound = errors.New("price not found")

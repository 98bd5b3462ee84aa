package price

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/rickgao/coinpulse/internal/model"
)

// ErrInvalidPrice is returned for price strings that are not decimals.
var ErrInvalidPrice = errors.New("invalid price")

// Direction compares cur with prev. Equal values (100 and 100.00) are
// Unchanged.
func Direction(prev, cur decimal.Decimal) model.PriceDirection {
	switch cur.Cmp(prev) {
	case 1:
		return model.Up
	case -1:
		return model.Down
	default:
		return model.Unchanged
	}
}

// ParsePrice parses a wire price string.
func ParsePrice(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w %q: %v", ErrInvalidPrice, s, err)
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w %q: negative", ErrInvalidPrice, s)
	}
	return d, nil
}

// NextQuote builds the quote that follows prev for update u. prev is nil for
// the first price of a coin.
func NextQuote(prev *model.Quote, u model.PriceUpdate) (model.Quote, error) {
	p, err := ParsePrice(u.Price)
	if err != nil {
		return model.Quote{}, err
	}

	q := model.Quote{
		CoinID:        u.CoinID,
		Price:         p,
		PreviousPrice: p,
		Direction:     model.Unchanged,
		Timestamp:     u.Timestamp,
		Source:        u.Source,
	}
	if prev != nil {
		q.PreviousPrice = prev.Price
		q.Direction = Direction(prev.Price, p)
	}
	return q, nil
}

package api

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/sync/singleflight"

	"github.com/rickgao/coinpulse/internal/model"
)

// GetPrices fetches the latest price of each coin in ids. Entries without a
// coin id or price are skipped. Concurrent calls for the same set of ids
// share one request. The shared request is not tied to any one caller, so a
// caller that gives up returns ctx.Err() without failing the others.
func (c *Client) GetPrices(ctx context.Context, ids []string) ([]model.PriceUpdate, error) {
	ids = normalizeIDs(ids)
	if len(ids) == 0 {
		return nil, nil
	}

	key := strings.Join(ids, ",")
	ch := c.flight.DoChan(key, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.hc.Timeout)
		defer cancel()

		query := url.Values{}
		query.Set("ids", key)

		var resp PricesResponse
		if err := c.getJSON(fctx, "/v1/prices", query, &resp); err != nil {
			return nil, err
		}
		return resp.Prices, nil
	})

	var res singleflight.Result
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("get prices: %w", ctx.Err())
	case res = <-ch:
	}
	if res.Err != nil {
		return nil, fmt.Errorf("get prices: %w", res.Err)
	}
	if res.Shared {
		c.logger.Debug("price request shared", "ids", key)
	}

	v := res.Val
	prices := v.([]APIPrice)
	out := make([]model.PriceUpdate, 0, len(prices))
	for _, p := range prices {
		if p.CoinID == "" || p.Price == "" {
			continue
		}
		out = append(out, p.ToModel())
	}
	return out, nil
}

// GetPrice fetches the latest price of a single coin.
func (c *Client) GetPrice(ctx context.Context, id string) (model.PriceUpdate, error) {
	prices, err := c.GetPrices(ctx, []string{id})
	if err != nil {
		return model.PriceUpdate{}, err
	}
	for _, p := range prices {
		if p.CoinID == id {
			return p, nil
		}
	}
	return model.PriceUpdate{}, fmt.Errorf("get price %s: %w", id, ErrNotFound)
}

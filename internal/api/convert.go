package api

import (
	"sort"
	"strings"

	"github.com/rickgao/coinpulse/internal/model"
)

// ToModel converts an API price to a model.PriceUpdate tagged as REST.
func (p APIPrice) ToModel() model.PriceUpdate {
	return model.PriceUpdate{
		CoinID:    p.CoinID,
		Price:     p.Price,
		Timestamp: p.Timestamp,
		Source:    model.SourceREST,
	}
}

// normalizeIDs trims, dedupes and sorts coin ids so equal sets share a
// request key.
func normalizeIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

package pricing

import (
	"sort"

	"github.com/shopspring/decimal"

	"fx-cost-desk/internal/rates"
)

// Comparison lines our cost price up against the competitor's quotes.
type Comparison struct {
	Currency       string          `json:"currency"`
	CostPrice      decimal.Decimal `json:"costPrice"`
	CompetitorBuy  decimal.Decimal `json:"competitorBuy"`
	CompetitorSell decimal.Decimal `json:"competitorSell"`
	SpreadPct      decimal.Decimal `json:"spreadPct"`
}

// Compare builds one comparison per currency present in both inputs, sorted by code.
// SpreadPct is positive when the competitor's buy quote is above our cost price.
func Compare(costs CostPriceSet, competitor rates.CompetitorRates) []Comparison {
	out := make([]Comparison, 0, len(costs))
	for code, cost := range costs {
		quote, ok := competitor[code]
		if !ok || !cost.Buy.IsPositive() {
			continue
		}
		spread := decimal.Zero
		if quote.Buy.IsPositive() {
			spread = quote.Buy.Div(cost.Buy).Sub(one).Mul(hundred)
		}
		out = append(out, Comparison{
			Currency:       code,
			CostPrice:      cost.Buy,
			CompetitorBuy:  quote.Buy,
			CompetitorSell: quote.Sell,
			SpreadPct:      spread,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Currency < out[j].Currency })
	return out
}

package pricing

import (
	"github.com/shopspring/decimal"

	"fx-cost-desk/internal/rates"
)

var (
	hundred = decimal.NewFromInt(100)
	one     = decimal.NewFromInt(1)
)

// ComputeCostPrice returns the NGN cost of one unit of a currency quoted at
// fxRateVsUSD, marked up by marginPercent. Zero means unavailable.
func ComputeCostPrice(baseNGNPerUSDT, fxRateVsUSD, marginPercent decimal.Decimal) decimal.Decimal {
	if !baseNGNPerUSDT.IsPositive() || !fxRateVsUSD.IsPositive() {
		return decimal.Zero
	}
	return baseNGNPerUSDT.Div(fxRateVsUSD).Mul(one.Add(marginPercent.Div(hundred)))
}

// ComputeSellPrice applies the margin as a discount instead of a markup.
func ComputeSellPrice(baseNGNPerUSDT, fxRateVsUSD, marginPercent decimal.Decimal) decimal.Decimal {
	if !baseNGNPerUSDT.IsPositive() || !fxRateVsUSD.IsPositive() {
		return decimal.Zero
	}
	sell := baseNGNPerUSDT.Div(fxRateVsUSD).Mul(one.Sub(marginPercent.Div(hundred)))
	if sell.IsNegative() {
		return decimal.Zero
	}
	return sell
}

// CostPrice is one currency line of a CostPriceSet.
type CostPrice struct {
	Buy  decimal.Decimal `json:"buy"`
	Sell decimal.Decimal `json:"sell"`
}

// CostPriceSet maps a currency code to its computed NGN prices.
type CostPriceSet map[string]CostPrice

// Buys flattens the set to its buy side.
func (s CostPriceSet) Buys() map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(s))
	for code, p := range s {
		out[code] = p.Buy
	}
	return out
}

// ComputeSet derives cost prices for every currency with a usable reference
// rate. It reports false, and computes nothing, when the base rate is
// invalid or the reference set is empty.
func ComputeSet(base rates.Rate, ref rates.ReferenceRates, margins rates.MarginSettings, currencies []string) (CostPriceSet, bool) {
	if !base.Valid() || len(ref) == 0 {
		return nil, false
	}

	set := make(CostPriceSet, len(currencies))
	for _, raw := range currencies {
		code := rates.NormalizeCode(raw)
		fx := one
		if code != rates.Base {
			v, ok := ref[code]
			if !ok || !v.IsPositive() {
				continue
			}
			fx = v
		}
		margin := margins.For(code)
		set[code] = CostPrice{
			Buy:  ComputeCostPrice(base.Value, fx, margin),
			Sell: ComputeSellPrice(base.Value, fx, margin),
		}
	}
	return set, true
}

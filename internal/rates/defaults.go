package rates

import "github.com/shopspring/decimal"

// DefaultUSDTNGN is the last-resort USDT/NGN rate when every tier is empty.
var DefaultUSDTNGN = decimal.NewFromInt(1580)

// DefaultReferenceRates returns the hardcoded last-resort FX table.
func DefaultReferenceRates() ReferenceRates {
	return ReferenceRates{
		"USD": decimal.NewFromInt(1),
		"EUR": decimal.RequireFromString("0.92"),
		"GBP": decimal.RequireFromString("0.79"),
		"CAD": decimal.RequireFromString("1.36"),
	}
}

// DefaultCompetitorRates returns the hardcoded competitor table used when
// the competitor is unreachable or rate limited.
func DefaultCompetitorRates() CompetitorRates {
	return CompetitorRates{
		"USD": {Buy: decimal.NewFromInt(1610), Sell: decimal.NewFromInt(1560)},
		"EUR": {Buy: decimal.NewFromInt(1850), Sell: decimal.NewFromInt(1780)},
		"GBP": {Buy: decimal.NewFromInt(2150), Sell: decimal.NewFromInt(2080)},
		"CAD": {Buy: decimal.NewFromInt(1180), Sell: decimal.NewFromInt(1130)},
	}
}

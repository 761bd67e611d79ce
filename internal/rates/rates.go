package rates

import (
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Source tags where a rate value came from.
type Source string

const (
	SourceBybit   Source = "bybit"
	SourceAPI     Source = "api"
	SourceManual  Source = "manual"
	SourceCache   Source = "cache"
	SourceDefault Source = "default"
)

// Base is the currency every reference rate is quoted against.
const Base = "USD"

// Rate is a NGN price for one unit of something, tagged with its origin.
type Rate struct {
	Value     decimal.Decimal `json:"rate"`
	Source    Source          `json:"source"`
	Timestamp time.Time       `json:"timestamp"`
}

// Valid reports whether the rate may be propagated to consumers.
func (r Rate) Valid() bool {
	return r.Value.IsPositive()
}

// FromFloat converts an upstream float into a decimal, rejecting NaN, Inf and non-positive values.
func FromFloat(f float64) (decimal.Decimal, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f <= 0 {
		return decimal.Decimal{}, false
	}
	return decimal.NewFromFloat(f), true
}

// MarginSettings holds the percentage markups applied to conversions.
type MarginSettings struct {
	USDMargin             decimal.Decimal `json:"usdMargin"`
	OtherCurrenciesMargin decimal.Decimal `json:"otherCurrenciesMargin"`
	UpdatedAt             time.Time       `json:"updatedAt"`
}

// For returns the margin that applies to the given currency.
func (m MarginSettings) For(code string) decimal.Decimal {
	if NormalizeCode(code) == Base {
		return m.USDMargin
	}
	return m.OtherCurrenciesMargin
}

// Equal compares the margin values, ignoring timestamps.
func (m MarginSettings) Equal(o MarginSettings) bool {
	return m.USDMargin.Equal(o.USDMargin) && m.OtherCurrenciesMargin.Equal(o.OtherCurrenciesMargin)
}

// ReferenceRates maps a currency code to its value against USD.
type ReferenceRates map[string]decimal.Decimal

// Clone returns a copy with USD pinned to one.
func (r ReferenceRates) Clone() ReferenceRates {
	out := make(ReferenceRates, len(r)+1)
	for code, v := range r {
		out[code] = v
	}
	out[Base] = decimal.NewFromInt(1)
	return out
}

// CompetitorQuote is a competitor's NGN buy/sell pair for one currency.
type CompetitorQuote struct {
	Buy  decimal.Decimal `json:"buy"`
	Sell decimal.Decimal `json:"sell"`
}

// CompetitorRates maps a currency code to the competitor's quotes.
type CompetitorRates map[string]CompetitorQuote

// Clone copies the map.
func (c CompetitorRates) Clone() CompetitorRates {
	out := make(CompetitorRates, len(c))
	for code, q := range c {
		out[code] = q
	}
	return out
}

// NormalizeCode upper-cases and trims a currency code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

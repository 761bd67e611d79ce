package pricing

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fx-cost-desk/internal/rates"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestComputeCostPriceMatchesFormula(t *testing.T) {
	bases := []string{"0.5", "1", "950", "1580", "1612.37"}
	fxs := []string{"0.0001", "0.79", "0.88", "1", "1.36", "150.2"}
	margins := []string{"0", "0.5", "2.5", "3", "10", "100"}

	for _, b := range bases {
		for _, f := range fxs {
			for _, m := range margins {
				got := ComputeCostPrice(d(b), d(f), d(m))
				want := d(b).InexactFloat64() / d(f).InexactFloat64() * (1 + d(m).InexactFloat64()/100)
				assert.InDeltaf(t, want, got.InexactFloat64(), want*1e-9, "base=%s fx=%s margin=%s", b, f, m)

				again := ComputeCostPrice(d(b), d(f), d(m))
				assert.Truef(t, got.Equal(again), "not deterministic for base=%s fx=%s margin=%s", b, f, m)
			}
		}
	}
}

func TestComputeCostPriceUSDLineIgnoresDivision(t *testing.T) {
	got := ComputeCostPrice(d("1580"), decimal.NewFromInt(1), d("2.5"))
	assert.True(t, got.Equal(d("1580").Mul(d("1.025"))), "got %s", got)
}

func TestComputeCostPriceNonPositiveGuard(t *testing.T) {
	cases := []struct {
		name string
		base string
		fx   string
	}{
		{"zero base", "0", "1"},
		{"negative base", "-1580", "0.88"},
		{"zero fx", "1580", "0"},
		{"negative fx", "1580", "-0.88"},
		{"both zero", "0", "0"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.True(t, ComputeCostPrice(d(tc.base), d(tc.fx), d("3")).IsZero())
			assert.True(t, ComputeSellPrice(d(tc.base), d(tc.fx), d("3")).IsZero())
		})
	}
}

func TestComputeSellPriceClampsAtZero(t *testing.T) {
	assert.True(t, ComputeSellPrice(d("1580"), d("1"), d("150")).IsZero())
	assert.True(t, ComputeSellPrice(d("1580"), d("1"), d("2.5")).Equal(d("1540.5")))
}

func TestComputeSetScenarios(t *testing.T) {
	base := rates.Rate{Value: d("1580"), Source: rates.SourceBybit}
	ref := rates.ReferenceRates{"USD": d("1"), "EUR": d("0.88")}
	margins := rates.MarginSettings{USDMargin: d("2.5"), OtherCurrenciesMargin: d("3.0")}

	set, ok := ComputeSet(base, ref, margins, []string{"USD", "eur", "GBP"})
	require.True(t, ok)

	assert.True(t, set["USD"].Buy.Equal(d("1619.5")), "USD cost %s", set["USD"].Buy)

	eur := set["EUR"].Buy
	assert.InDelta(t, 1580.0/0.88*1.03, eur.InexactFloat64(), 1e-9)
	assert.Equal(t, "1849.32", eur.StringFixed(2))

	_, hasGBP := set["GBP"]
	assert.False(t, hasGBP, "currencies without a reference rate are omitted")
}

func TestComputeSetSkipsWithoutInputs(t *testing.T) {
	margins := rates.MarginSettings{USDMargin: d("2.5"), OtherCurrenciesMargin: d("3")}

	_, ok := ComputeSet(rates.Rate{Value: decimal.Zero}, rates.DefaultReferenceRates(), margins, []string{"USD"})
	assert.False(t, ok)

	_, ok = ComputeSet(rates.Rate{Value: d("1580")}, rates.ReferenceRates{}, margins, []string{"USD"})
	assert.False(t, ok)
}

func TestCompare(t *testing.T) {
	costs := CostPriceSet{
		"USD": {Buy: d("1600")},
		"EUR": {Buy: d("1800")},
		"CAD": {Buy: d("1200")},
	}
	competitor := rates.CompetitorRates{
		"USD": {Buy: d("1640"), Sell: d("1560")},
		"EUR": {Buy: d("1782"), Sell: d("1700")},
	}

	got := Compare(costs, competitor)
	require.Len(t, got, 2)
	assert.Equal(t, "EUR", got[0].Currency)
	assert.Equal(t, "-1", got[0].SpreadPct.StringFixed(0))
	assert.Equal(t, "USD", got[1].Currency)
	assert.Equal(t, "2.5", got[1].SpreadPct.StringFixed(1))
}

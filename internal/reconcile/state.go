package reconcile

import (
	"time"

	"fx-cost-desk/internal/pricing"
	"fx-cost-desk/internal/rates"
)

// State is a point-in-time copy of everything the engine owns.
type State struct {
	Version uint64 `json:"version"`

	USDTNGN     rates.Rate `json:"usdtNgn"`
	PrimaryTier Tier       `json:"primaryTier"`

	Margins rates.MarginSettings `json:"margins"`

	Reference     rates.ReferenceRates `json:"referenceRates"`
	ReferenceTier Tier                 `json:"referenceTier"`

	CostPrices pricing.CostPriceSet `json:"costPrices"`

	Competitor          rates.CompetitorRates `json:"competitorRates"`
	CompetitorTier      Tier                  `json:"competitorTier"`
	CompetitorUpdatedAt time.Time             `json:"competitorUpdatedAt"`
	CooldownUntil       time.Time             `json:"cooldownUntil"`

	Comparisons []pricing.Comparison `json:"comparisons"`

	LastUpdated time.Time `json:"lastUpdated"`
}

// Clone deep-copies the maps and slices.
func (s State) Clone() State {
	out := s
	if s.Reference != nil {
		out.Reference = make(rates.ReferenceRates, len(s.Reference))
		for k, v := range s.Reference {
			out.Reference[k] = v
		}
	}
	if s.CostPrices != nil {
		out.CostPrices = make(pricing.CostPriceSet, len(s.CostPrices))
		for k, v := range s.CostPrices {
			out.CostPrices[k] = v
		}
	}
	if s.Competitor != nil {
		out.Competitor = s.Competitor.Clone()
	}
	if s.Comparisons != nil {
		out.Comparisons = append([]pricing.Comparison(nil), s.Comparisons...)
	}
	return out
}

// CooldownRemaining reports the competitor cooldown left at now, rounded up
// to whole seconds.
func (s State) CooldownRemaining(now time.Time) time.Duration {
	return ceilSeconds(s.CooldownUntil.Sub(now))
}

func ceilSeconds(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	secs := d / time.Second
	if d%time.Second != 0 {
		secs++
	}
	return secs * time.Second
}

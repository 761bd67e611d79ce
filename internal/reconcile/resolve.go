package reconcile

import (
	"fx-cost-desk/internal/rates"
)

// Tier names the fallback level a value was taken from.
type Tier string

const (
	TierFresh   Tier = "fresh"
	TierDurable Tier = "durable"
	TierMemory  Tier = "memory"
	TierDefault Tier = "default"
)

// Resolve returns the first valid candidate in the order fresh, durable,
// memory, fallback. An invalid fallback still wins when nothing else does.
func Resolve(fresh, durable, memory, fallback rates.Rate) (rates.Rate, Tier) {
	switch {
	case fresh.Valid():
		return fresh, TierFresh
	case durable.Valid():
		return durable, TierDurable
	case memory.Valid():
		return memory, TierMemory
	default:
		return fallback, TierDefault
	}
}

// ResolveReference applies the same order to reference rate sets. A set
// counts only when it carries at least one currency besides USD. Currencies
// missing from the winning set are filled from the lower tiers.
func ResolveReference(fresh, durable, memory, fallback rates.ReferenceRates) (rates.ReferenceRates, Tier) {
	tiers := []struct {
		ref  rates.ReferenceRates
		tier Tier
	}{
		{fresh, TierFresh},
		{durable, TierDurable},
		{memory, TierMemory},
		{fallback, TierDefault},
	}

	for i, t := range tiers {
		if !usable(t.ref) && t.tier != TierDefault {
			continue
		}
		out := t.ref.Clone()
		for _, lower := range tiers[i+1:] {
			for code, v := range lower.ref {
				if _, ok := out[code]; !ok && v.IsPositive() {
					out[code] = v
				}
			}
		}
		return out, t.tier
	}
	return fallback.Clone(), TierDefault
}

func usable(ref rates.ReferenceRates) bool {
	for code, v := range ref {
		if code != rates.Base && v.IsPositive() {
			return true
		}
	}
	return false
}

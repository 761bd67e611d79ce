package alerting

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"fx-cost-desk/internal/pricing"
)

// SpreadOptions configure the spread alerter.
type SpreadOptions struct {
	ThresholdPct decimal.Decimal
	Cooldown     time.Duration
}

// SpreadAlerter sends one alert per currency per cooldown window whenever
// the competitor's buy quote drifts beyond the threshold from our cost price.
type SpreadAlerter struct {
	notifier Notifier
	opts     SpreadOptions

	mu       sync.Mutex
	lastSent map[string]time.Time
	now      func() time.Time
	logger   zerolog.Logger
}

// NewSpreadAlerter wires a notifier into an alerter. A nil notifier or a
// non-positive threshold disables it.
func NewSpreadAlerter(notifier Notifier, opts SpreadOptions, logger zerolog.Logger) *SpreadAlerter {
	return &SpreadAlerter{
		notifier: notifier,
		opts:     opts,
		lastSent: make(map[string]time.Time),
		now:      time.Now,
		logger:   logger.With().Str("component", "spread_alerts").Logger(),
	}
}

// Enabled reports whether Evaluate can send anything.
func (a *SpreadAlerter) Enabled() bool {
	return a != nil && a.notifier != nil && a.opts.ThresholdPct.IsPositive()
}

// Evaluate sends alerts for every comparison beyond the threshold and
// returns the ones sent.
func (a *SpreadAlerter) Evaluate(ctx context.Context, usdtNGN decimal.Decimal, comparisons []pricing.Comparison) []Notification {
	if !a.Enabled() {
		return nil
	}

	sent := make([]Notification, 0)
	for _, cmp := range comparisons {
		if !cmp.CompetitorBuy.IsPositive() || cmp.SpreadPct.Abs().LessThanOrEqual(a.opts.ThresholdPct) {
			continue
		}
		now := a.now()
		if !a.reserve(cmp.Currency, now) {
			a.logger.Debug().Str("currency", cmp.Currency).Msg("spread alert suppressed by cooldown")
			continue
		}

		note := Notification{
			Timestamp:      now,
			Currency:       cmp.Currency,
			CostPrice:      cmp.CostPrice,
			CompetitorBuy:  cmp.CompetitorBuy,
			CompetitorSell: cmp.CompetitorSell,
			SpreadPct:      cmp.SpreadPct,
			ThresholdPct:   a.opts.ThresholdPct,
			Direction:      ClassifySpread(cmp.SpreadPct),
			USDTNGNRate:    usdtNGN,
		}
		if err := a.notifier.Notify(ctx, note); err != nil {
			a.release(cmp.Currency)
			a.logger.Error().Err(err).Str("currency", cmp.Currency).Msg("failed to dispatch spread alert")
			continue
		}
		sent = append(sent, note)
	}
	return sent
}

func (a *SpreadAlerter) reserve(currency string, now time.Time) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if last, ok := a.lastSent[currency]; ok && now.Sub(last) < a.opts.Cooldown {
		return false
	}
	a.lastSent[currency] = now
	return true
}

func (a *SpreadAlerter) release(currency string) {
	a.mu.Lock()
	delete(a.lastSent, currency)
	a.mu.Unlock()
}

// ClassifySpread names the sign of a spread.
func ClassifySpread(d decimal.Decimal) string {
	switch d.Sign() {
	case 1:
		return "competitor_above"
	case -1:
		return "competitor_below"
	default:
		return "flat"
	}
}

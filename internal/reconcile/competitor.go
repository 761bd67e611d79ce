package reconcile

import (
	"context"
	"fmt"
	"time"

	"fx-cost-desk/internal/alerting"
	"fx-cost-desk/internal/fetcher"
	"fx-cost-desk/internal/metrics"
	"fx-cost-desk/internal/notify"
	"fx-cost-desk/internal/rates"
	"fx-cost-desk/internal/storage"
)

const (
	rateLimitKey          = "competitor:rate_limit_reset"
	competitorSnapshotKey = "competitor:last_good"
)

// CompetitorOutcome describes one competitor refresh.
type CompetitorOutcome struct {
	State    State
	Skipped  bool
	Cooldown time.Duration
	Fetched  int
	Tier     Tier
	Err      error
	Alerts   []alerting.Notification
}

// CompetitorCooldown reports how long until the competitor may be called again.
func (e *Engine) CompetitorCooldown(ctx context.Context) time.Duration {
	return ceilSeconds(e.rateLimitReset(ctx).Sub(e.now()))
}

// RefreshCompetitor fetches the competitor's quotes unless a rate-limit
// cooldown is active, in which case it does nothing and reports the
// remaining cooldown. Missing quotes are filled from the last good snapshot
// and then from the defaults.
func (e *Engine) RefreshCompetitor(ctx context.Context) (CompetitorOutcome, error) {
	now := e.now()
	if reset := e.rateLimitReset(ctx); reset.After(now) {
		remaining := ceilSeconds(reset.Sub(now))
		metrics.UpstreamFetches.WithLabelValues("competitor", "skipped").Inc()
		e.logger.Info().Dur("cooldown", remaining).Msg("competitor refresh skipped; rate limit active")
		return CompetitorOutcome{State: e.State(), Skipped: true, Cooldown: remaining, Tier: e.State().CompetitorTier}, nil
	}

	var (
		pairs fetcher.PairRates
		err   error
	)
	if e.deps.Competitor != nil {
		started := time.Now()
		pairs, err = e.deps.Competitor.FetchAll(ctx, e.opts.Currencies)
		metrics.UpstreamLatency.WithLabelValues("competitor").Observe(time.Since(started).Seconds())
	} else {
		err = fetcher.ErrNoRate
	}

	out := CompetitorOutcome{Fetched: len(pairs), Err: err}
	var cooldownUntil time.Time
	if wait, limited := fetcher.IsRateLimited(err); limited {
		if wait <= 0 {
			wait = e.opts.CompetitorCooldown
		}
		cooldownUntil = now.Add(wait)
		out.Cooldown = ceilSeconds(wait)
		e.markRateLimited(ctx, cooldownUntil, wait)
		metrics.UpstreamFetches.WithLabelValues("competitor", string(fetcher.KindRateLimited)).Inc()
		e.notify(notify.Warning, "Competitor rate limited", fmt.Sprintf("next attempt in %d seconds", int(out.Cooldown.Seconds())))
	} else if err != nil {
		metrics.UpstreamFetches.WithLabelValues("competitor", outcomeLabel(err)).Inc()
		e.notify(notify.Info, "Competitor unavailable", "showing last known competitor rates")
	} else {
		metrics.UpstreamFetches.WithLabelValues("competitor", "ok").Inc()
	}

	fetchedAt := e.now().UTC()
	var lastGood rates.CompetitorRates
	st, subErr := e.submit(ctx, func(ls *loopState) bool {
		if len(pairs) > 0 {
			ls.lastGoodCompetitor = mergeCompetitor(e.opts.Currencies, ls.lastGoodCompetitor, pairs, nil)
			ls.CompetitorUpdatedAt = fetchedAt
		}
		lastGood = ls.lastGoodCompetitor.Clone()

		switch {
		case len(pairs) > 0:
			out.Tier = TierFresh
		case len(ls.lastGoodCompetitor) > 0:
			out.Tier = TierMemory
		default:
			out.Tier = TierDefault
		}
		ls.Competitor = mergeCompetitor(e.opts.Currencies, ls.lastGoodCompetitor, nil, rates.DefaultCompetitorRates())
		ls.CompetitorTier = out.Tier
		ls.CooldownUntil = cooldownUntil
		return true
	})
	if subErr != nil {
		return out, subErr
	}
	out.State = st
	metrics.ReconcileTier.WithLabelValues("competitor", string(out.Tier)).Inc()

	e.logger.Info().
		Int("pairs", len(pairs)).
		Str("tier", string(out.Tier)).
		AnErr("err", err).
		Msg("competitor cycle reconciled")

	if out.Tier == TierFresh {
		if e.deps.Cache != nil {
			if cerr := e.deps.Cache.Set(ctx, competitorSnapshotKey, lastGood, e.opts.CompetitorTTL); cerr != nil {
				e.logger.Warn().Err(cerr).Msg("cache competitor snapshot failed")
			}
		}
		out.Alerts = e.deps.Alerts.Evaluate(ctx, st.USDTNGN.Value, st.Comparisons)
	}
	return out, nil
}

func (e *Engine) markRateLimited(ctx context.Context, until time.Time, wait time.Duration) {
	e.logger.Warn().Time("until", until).Dur("wait", wait).Msg("competitor rate limited")
	e.writeThrough("save rate limit reset", func(ctx context.Context, p *storage.Adapter) bool {
		return p.SaveRateLimitReset(ctx, until)
	})
	if e.deps.Cache == nil {
		return
	}
	if err := e.deps.Cache.Set(ctx, rateLimitKey, until.UnixMilli(), wait); err != nil {
		e.logger.Warn().Err(err).Msg("persist rate limit reset failed")
	}
}

// rateLimitReset returns the later of the cached reset time and the one in state.
func (e *Engine) rateLimitReset(ctx context.Context) time.Time {
	reset := e.State().CooldownUntil
	if e.deps.Cache == nil {
		return reset
	}
	var ms int64
	if e.deps.Cache.Get(ctx, rateLimitKey, &ms) {
		if cached := time.UnixMilli(ms); cached.After(reset) {
			reset = cached
		}
	}
	return reset
}

func (e *Engine) loadCompetitorSnapshot(ctx context.Context) (rates.CompetitorRates, bool) {
	if e.deps.Cache == nil {
		return nil, false
	}
	var snap rates.CompetitorRates
	if !e.deps.Cache.Get(ctx, competitorSnapshotKey, &snap) || len(snap) == 0 {
		return nil, false
	}
	return snap, true
}

// mergeCompetitor builds a quote per code, field by field: fresh pair
// rates first, then base, then defaults. Nothing is ever zero-filled; a
// code with no value in any layer is left out.
func mergeCompetitor(codes []string, base rates.CompetitorRates, fresh fetcher.PairRates, defaults rates.CompetitorRates) rates.CompetitorRates {
	out := make(rates.CompetitorRates, len(codes))
	for _, raw := range codes {
		code := rates.NormalizeCode(raw)
		var q rates.CompetitorQuote
		if d, ok := defaults[code]; ok {
			q = d
		}
		if b, ok := base[code]; ok {
			if b.Buy.IsPositive() {
				q.Buy = b.Buy
			}
			if b.Sell.IsPositive() {
				q.Sell = b.Sell
			}
		}
		if fresh != nil {
			buy, sell, hasBuy, hasSell := fresh.Quote(code)
			if hasBuy {
				q.Buy = buy
			}
			if hasSell {
				q.Sell = sell
			}
		}
		if q.Buy.IsPositive() || q.Sell.IsPositive() {
			out[code] = q
		}
	}
	return out
}

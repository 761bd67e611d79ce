package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"fx-cost-desk/internal/fetcher"
	"fx-cost-desk/internal/metrics"
	"fx-cost-desk/internal/notify"
	"fx-cost-desk/internal/rates"
	"fx-cost-desk/internal/retry"
	"fx-cost-desk/internal/storage"
)

// Trigger tells who asked for a primary refresh.
type Trigger string

const (
	TriggerAuto   Trigger = "auto"
	TriggerManual Trigger = "manual"
)

func (t Trigger) snapshotSource() rates.SnapshotSource {
	if t == TriggerManual {
		return rates.SnapshotRefresh
	}
	return rates.SnapshotAuto
}

// PrimaryOutcome describes one USDT/NGN plus reference refresh cycle.
type PrimaryOutcome struct {
	State         State
	RateTier      Tier
	ReferenceTier Tier
	PrimaryErr    error
	ReferenceErr  error
	Attempts      int
}

// Fresh reports whether both sources answered.
func (o PrimaryOutcome) Fresh() bool {
	return o.RateTier == TierFresh && o.ReferenceTier == TierFresh
}

// RefreshPrimary fetches the USDT/NGN rate through the retry controller and
// the reference rates, then reconciles both against the fallback tiers.
func (e *Engine) RefreshPrimary(ctx context.Context, trigger Trigger) (out PrimaryOutcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error().Str("panic", fmt.Sprint(r)).Str("trigger", string(trigger)).Msg("primary refresh panicked")
			e.notify(notify.Error, "Unexpected error", "rate refresh aborted")
			err = fmt.Errorf("primary refresh panicked: %v", r)
		}
	}()

	params := e.opts.AutoRetry
	if trigger == TriggerManual {
		params = e.opts.ManualRetry
	}

	var fresh rates.Rate
	res := e.deps.Retry.Do(ctx, params, e.attemptP2P)
	out.Attempts = res.Attempts
	if res.OK {
		fresh = rates.Rate{Value: res.Rate, Source: rates.SourceBybit, Timestamp: e.now().UTC()}
	} else {
		out.PrimaryErr = res.Err
	}

	freshRef, refErr := e.fetchReference(ctx)
	out.ReferenceErr = refErr

	var (
		durable    rates.Rate
		durableRef rates.ReferenceRates
	)
	if !fresh.Valid() {
		durable, _ = e.deps.Persist.FetchLatestRate(ctx)
	}
	if refErr != nil {
		durableRef, _ = e.deps.Persist.FetchReferenceRates(ctx)
	}

	var accepted bool
	st, err := e.submit(ctx, func(ls *loopState) bool {
		rate, tier := Resolve(fresh, durable, ls.lastGoodRate, e.defaultRate())
		ref, refTier := ResolveReference(freshRef, durableRef, ls.lastGoodRef, rates.DefaultReferenceRates())
		out.RateTier, out.ReferenceTier = tier, refTier

		if tier == TierFresh {
			ls.lastGoodRate = rate
		}
		if refTier == TierFresh {
			ls.lastGoodRef = ref.Clone()
		}
		ls.USDTNGN, ls.PrimaryTier = rate, tier
		ls.Reference, ls.ReferenceTier = ref, refTier
		accepted = tier == TierFresh
		return true
	})
	if err != nil {
		return out, err
	}
	out.State = st

	metrics.ReconcileTier.WithLabelValues("usdt_ngn", string(out.RateTier)).Inc()
	metrics.ReconcileTier.WithLabelValues("reference", string(out.ReferenceTier)).Inc()
	e.logTiers(trigger, out)
	e.notifyTiers(out)

	if accepted {
		snap := e.snapshotOf(st, trigger.snapshotSource())
		e.writeThrough("save rate", func(ctx context.Context, p *storage.Adapter) bool {
			return p.SaveRate(ctx, st.USDTNGN.Value, st.USDTNGN.Source)
		})
		e.writeThrough("append snapshot", func(ctx context.Context, p *storage.Adapter) bool {
			return p.AppendHistoricalSnapshot(ctx, snap)
		})
	}
	if out.ReferenceTier == TierFresh {
		ref := st.Reference.Clone()
		e.writeThrough("save reference rates", func(ctx context.Context, p *storage.Adapter) bool {
			return p.SaveReferenceRates(ctx, ref, rates.SourceAPI)
		})
	}
	return out, nil
}

func (e *Engine) attemptP2P(ctx context.Context) (decimal.Decimal, error) {
	if e.deps.P2P == nil {
		return decimal.Decimal{}, fetcher.ErrNoRate
	}
	started := time.Now()
	quote, err := e.deps.P2P.FetchP2P(ctx)
	metrics.UpstreamLatency.WithLabelValues("p2p").Observe(time.Since(started).Seconds())
	if err != nil {
		metrics.UpstreamFetches.WithLabelValues("p2p", outcomeLabel(err)).Inc()
		return decimal.Decimal{}, err
	}
	rate, method, err := fetcher.SelectRate(quote)
	if err != nil {
		metrics.UpstreamFetches.WithLabelValues("p2p", "empty").Inc()
		return decimal.Decimal{}, err
	}
	metrics.UpstreamFetches.WithLabelValues("p2p", "ok").Inc()
	e.logger.Debug().Str("rate", rate.String()).Str("method", method).Int("traders", quote.TotalTraders).Msg("p2p rate selected")
	return rate, nil
}

func (e *Engine) fetchReference(ctx context.Context) (rates.ReferenceRates, error) {
	if e.deps.Reference == nil {
		return nil, fetcher.ErrNoRate
	}
	started := time.Now()
	ref, err := e.deps.Reference.FetchReference(ctx, e.opts.Currencies)
	metrics.UpstreamLatency.WithLabelValues("fxapi").Observe(time.Since(started).Seconds())
	if err != nil {
		metrics.UpstreamFetches.WithLabelValues("fxapi", outcomeLabel(err)).Inc()
		e.logger.Warn().Err(err).Msg("reference fetch failed")
		return nil, err
	}
	metrics.UpstreamFetches.WithLabelValues("fxapi", "ok").Inc()
	return ref, nil
}

func (e *Engine) defaultRate() rates.Rate {
	return rates.Rate{Value: e.opts.DefaultUSDTNGN, Source: rates.SourceDefault, Timestamp: e.now().UTC()}
}

func (e *Engine) logTiers(trigger Trigger, out PrimaryOutcome) {
	ev := e.logger.Info()
	if !out.Fresh() {
		ev = e.logger.Warn()
	}
	ev.Str("trigger", string(trigger)).
		Str("rate_tier", string(out.RateTier)).
		Str("reference_tier", string(out.ReferenceTier)).
		Str("usdt_ngn", out.State.USDTNGN.Value.String()).
		Int("attempts", out.Attempts).
		AnErr("primary_err", out.PrimaryErr).
		AnErr("reference_err", out.ReferenceErr).
		Msg("primary cycle reconciled")
}

func (e *Engine) notifyTiers(out PrimaryOutcome) {
	primaryOK := out.RateTier == TierFresh
	secondaryOK := out.ReferenceTier == TierFresh
	desc := fmt.Sprintf("USDT/NGN %s from %s", out.State.USDTNGN.Value.StringFixed(2), out.RateTier)
	if out.RateTier == TierDefault || out.ReferenceTier == TierDefault {
		desc += "; showing default data"
	}

	switch {
	case primaryOK && secondaryOK:
		e.notify(notify.Success, "All sources succeeded", desc)
	case !primaryOK && secondaryOK:
		e.notify(notify.Warning, "Primary source failed: using fallback", desc)
	case primaryOK && !secondaryOK:
		e.notify(notify.Warning, "Secondary source failed: using cache", desc)
	default:
		e.notify(notify.Warning, "All sources failed: using cache", desc)
	}
}

// SetManualRate accepts an operator-entered USDT/NGN rate.
func (e *Engine) SetManualRate(ctx context.Context, value decimal.Decimal) (State, error) {
	if !value.IsPositive() {
		e.notify(notify.Error, "Invalid rate", ErrInvalidRate.Error())
		return State{}, ErrInvalidRate
	}
	fresh := rates.Rate{Value: value, Source: rates.SourceManual, Timestamp: e.now().UTC()}

	st, err := e.submit(ctx, func(ls *loopState) bool {
		ls.USDTNGN, ls.PrimaryTier = fresh, TierFresh
		ls.lastGoodRate = fresh
		return true
	})
	if err != nil {
		return State{}, err
	}

	metrics.ReconcileTier.WithLabelValues("usdt_ngn", string(TierFresh)).Inc()
	e.logger.Info().Str("rate", value.String()).Msg("manual rate accepted")
	e.notify(notify.Success, "Rate updated", fmt.Sprintf("USDT/NGN set to %s", value.StringFixed(2)))

	snap := e.snapshotOf(st, rates.SnapshotManual)
	e.writeThrough("save rate", func(ctx context.Context, p *storage.Adapter) bool {
		return p.SaveRate(ctx, value, rates.SourceManual)
	})
	e.writeThrough("append snapshot", func(ctx context.Context, p *storage.Adapter) bool {
		return p.AppendHistoricalSnapshot(ctx, snap)
	})
	return st, nil
}

// SetMargins validates and applies new margins.
func (e *Engine) SetMargins(ctx context.Context, usd, other decimal.Decimal) (State, error) {
	if usd.IsNegative() || other.IsNegative() {
		e.notify(notify.Error, "Invalid margin", ErrInvalidMargin.Error())
		return State{}, ErrInvalidMargin
	}
	m := rates.MarginSettings{USDMargin: usd, OtherCurrenciesMargin: other, UpdatedAt: e.now().UTC()}

	st, err := e.submit(ctx, func(ls *loopState) bool {
		ls.Margins = m
		return true
	})
	if err != nil {
		return State{}, err
	}

	e.logger.Info().Str("usd_margin", usd.String()).Str("other_margin", other.String()).Msg("margins updated")
	e.notify(notify.Success, "Margins updated", fmt.Sprintf("USD %s%%, others %s%%", usd.String(), other.String()))
	e.writeThrough("save margin settings", func(ctx context.Context, p *storage.Adapter) bool {
		return p.SaveMarginSettings(ctx, m)
	})
	return st, nil
}

// ApplyRemoteRate folds a rate written by another session. It is not
// persisted again. Reports whether the state changed.
func (e *Engine) ApplyRemoteRate(ctx context.Context, r rates.Rate) (bool, error) {
	if !r.Valid() {
		return false, nil
	}
	var changed bool
	_, err := e.submit(ctx, func(ls *loopState) bool {
		if ls.USDTNGN.Value.Equal(r.Value) {
			return false
		}
		ls.USDTNGN, ls.PrimaryTier = r, TierFresh
		ls.lastGoodRate = r
		changed = true
		return true
	})
	if changed {
		e.logger.Info().Str("rate", r.Value.String()).Str("source", string(r.Source)).Msg("remote rate applied")
	}
	return changed, err
}

// ApplyRemoteMargins folds margins written by another session.
func (e *Engine) ApplyRemoteMargins(ctx context.Context, m rates.MarginSettings) (bool, error) {
	if m.USDMargin.IsNegative() || m.OtherCurrenciesMargin.IsNegative() {
		return false, nil
	}
	var changed bool
	_, err := e.submit(ctx, func(ls *loopState) bool {
		if ls.Margins.Equal(m) {
			return false
		}
		ls.Margins = m
		changed = true
		return true
	})
	if changed {
		e.logger.Info().Str("usd_margin", m.USDMargin.String()).Str("other_margin", m.OtherCurrenciesMargin.String()).Msg("remote margins applied")
	}
	return changed, err
}

// Load seeds the state from the database: margins, the latest rate and the
// last good reference rates. Missing rows keep the defaults.
func (e *Engine) Load(ctx context.Context) (State, error) {
	margins, hasMargins := e.deps.Persist.FetchMarginSettings(ctx)
	rate, hasRate := e.deps.Persist.FetchLatestRate(ctx)
	ref, hasRef := e.deps.Persist.FetchReferenceRates(ctx)
	competitor, hasCompetitor := e.loadCompetitorSnapshot(ctx)
	cooldown := e.rateLimitReset(ctx)
	if persisted, ok := e.deps.Persist.FetchRateLimitReset(ctx); ok && persisted.After(cooldown) {
		cooldown = persisted
	}

	st, err := e.submit(ctx, func(ls *loopState) bool {
		if hasMargins {
			ls.Margins = margins
		}
		if hasRate {
			ls.USDTNGN, ls.PrimaryTier = rate, TierDurable
		}
		if hasRef {
			ls.Reference, ls.ReferenceTier = ref.Clone(), TierDurable
		}
		if hasCompetitor {
			ls.Competitor, ls.CompetitorTier = mergeCompetitor(e.opts.Currencies, competitor, nil, rates.DefaultCompetitorRates()), TierDurable
			ls.lastGoodCompetitor = competitor.Clone()
		}
		ls.CooldownUntil = cooldown
		return true
	})
	if err != nil {
		return State{}, err
	}
	e.logger.Info().
		Bool("margins", hasMargins).
		Bool("rate", hasRate).
		Bool("reference", hasRef).
		Bool("competitor", hasCompetitor).
		Msg("state loaded from storage")
	return st, nil
}

// RetryStatus exposes the controller state.
func (e *Engine) RetryStatus() retry.Status {
	return e.deps.Retry.Status()
}

func outcomeLabel(err error) string {
	if err == nil {
		return "ok"
	}
	if k := fetcher.KindOf(err); k != "" {
		return string(k)
	}
	return "error"
}

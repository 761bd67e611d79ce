package storage

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"fx-cost-desk/internal/rates"
)

// Adapter wraps a Repository with fail-soft semantics: writes report
// success as a bool, reads report (value, ok), and nothing returns an
// error. A nil repository turns every call into a miss.
type Adapter struct {
	repo      Repository
	timeout   time.Duration
	onFailure func(op string)
	logger    zerolog.Logger
}

// AdapterOption customises an Adapter.
type AdapterOption func(*Adapter)

// WithFailureHook is called with the operation name after every failed call.
func WithFailureHook(fn func(op string)) AdapterOption {
	return func(a *Adapter) { a.onFailure = fn }
}

// WithTimeout bounds every repository call.
func WithTimeout(d time.Duration) AdapterOption {
	return func(a *Adapter) { a.timeout = d }
}

// NewAdapter builds an Adapter. repo may be nil when persistence is disabled.
func NewAdapter(repo Repository, logger zerolog.Logger, opts ...AdapterOption) *Adapter {
	a := &Adapter{
		repo:    repo,
		timeout: 5 * time.Second,
		logger:  logger.With().Str("component", "persistence").Logger(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Enabled reports whether a repository is attached.
func (a *Adapter) Enabled() bool {
	return a != nil && a.repo != nil
}

// SaveRate appends a USDT/NGN observation.
func (a *Adapter) SaveRate(ctx context.Context, value decimal.Decimal, source rates.Source) bool {
	if !a.Enabled() || !value.IsPositive() {
		return false
	}
	ctx, cancel := a.bound(ctx)
	defer cancel()
	return a.check("save_rate", a.repo.InsertRate(ctx, value, string(source)))
}

// FetchLatestRate returns the newest valid persisted rate, tagged as cache.
func (a *Adapter) FetchLatestRate(ctx context.Context) (rates.Rate, bool) {
	if !a.Enabled() {
		return rates.Rate{}, false
	}
	ctx, cancel := a.bound(ctx)
	defer cancel()

	rec, err := a.repo.LatestRate(ctx)
	if errors.Is(err, ErrNotFound) {
		return rates.Rate{}, false
	}
	if !a.check("fetch_latest_rate", err) {
		return rates.Rate{}, false
	}
	r := rates.Rate{Value: rec.Rate, Source: rates.SourceCache, Timestamp: rec.CreatedAt}
	if !r.Valid() {
		return rates.Rate{}, false
	}
	return r, true
}

// SaveMarginSettings appends a margin row.
func (a *Adapter) SaveMarginSettings(ctx context.Context, m rates.MarginSettings) bool {
	if !a.Enabled() {
		return false
	}
	ctx, cancel := a.bound(ctx)
	defer cancel()
	return a.check("save_margin_settings", a.repo.InsertMarginSettings(ctx, m.USDMargin, m.OtherCurrenciesMargin))
}

// FetchMarginSettings returns the current margins.
func (a *Adapter) FetchMarginSettings(ctx context.Context) (rates.MarginSettings, bool) {
	if !a.Enabled() {
		return rates.MarginSettings{}, false
	}
	ctx, cancel := a.bound(ctx)
	defer cancel()

	rec, err := a.repo.LatestMarginSettings(ctx)
	if errors.Is(err, ErrNotFound) {
		return rates.MarginSettings{}, false
	}
	if !a.check("fetch_margin_settings", err) {
		return rates.MarginSettings{}, false
	}
	return rates.MarginSettings{
		USDMargin:             rec.USDMargin,
		OtherCurrenciesMargin: rec.OtherCurrenciesMargin,
		UpdatedAt:             rec.CreatedAt,
	}, true
}

// AppendHistoricalSnapshot appends an immutable snapshot.
func (a *Adapter) AppendHistoricalSnapshot(ctx context.Context, snap rates.HistoricalSnapshot) bool {
	if !a.Enabled() {
		return false
	}
	ctx, cancel := a.bound(ctx)
	defer cancel()
	return a.check("append_historical_snapshot", a.repo.InsertHistoricalSnapshot(ctx, snap))
}

// SaveReferenceRates upserts the last good reference rates.
func (a *Adapter) SaveReferenceRates(ctx context.Context, ref rates.ReferenceRates, source rates.Source) bool {
	if !a.Enabled() || len(ref) == 0 {
		return false
	}
	ctx, cancel := a.bound(ctx)
	defer cancel()
	return a.check("save_reference_rates", a.repo.UpsertCurrencyRates(ctx, ref, string(source)))
}

// FetchReferenceRates returns the persisted reference rates with USD pinned.
// An empty table is a miss.
func (a *Adapter) FetchReferenceRates(ctx context.Context) (rates.ReferenceRates, bool) {
	if !a.Enabled() {
		return nil, false
	}
	ctx, cancel := a.bound(ctx)
	defer cancel()

	recs, err := a.repo.ListActiveCurrencyRates(ctx)
	if !a.check("fetch_reference_rates", err) {
		return nil, false
	}
	ref := make(rates.ReferenceRates, len(recs))
	for _, rec := range recs {
		if rec.Rate.IsPositive() {
			ref[rates.NormalizeCode(rec.CurrencyCode)] = rec.Rate
		}
	}
	if len(ref) == 0 {
		return nil, false
	}
	return ref.Clone(), true
}

const rateLimitResetKey = "competitor_rate_limit_reset"

// SaveRateLimitReset records when the competitor may be called again. The
// row expires at that instant.
func (a *Adapter) SaveRateLimitReset(ctx context.Context, until time.Time) bool {
	if !a.Enabled() || until.IsZero() {
		return false
	}
	ctx, cancel := a.bound(ctx)
	defer cancel()
	return a.check("save_rate_limit_reset", a.repo.PutValue(ctx, rateLimitResetKey, strconv.FormatInt(until.UnixMilli(), 10), until))
}

// FetchRateLimitReset returns a persisted reset that has not passed yet.
func (a *Adapter) FetchRateLimitReset(ctx context.Context) (time.Time, bool) {
	if !a.Enabled() {
		return time.Time{}, false
	}
	ctx, cancel := a.bound(ctx)
	defer cancel()

	raw, err := a.repo.GetValue(ctx, rateLimitResetKey)
	if errors.Is(err, ErrNotFound) {
		return time.Time{}, false
	}
	if !a.check("fetch_rate_limit_reset", err) {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		a.logger.Warn().Str("value", raw).Msg("unparsable rate limit reset ignored")
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

func (a *Adapter) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if a.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, a.timeout)
}

func (a *Adapter) check(op string, err error) bool {
	if err == nil {
		return true
	}
	a.logger.Error().Err(err).Str("op", op).Msg("persistence call failed")
	if a.onFailure != nil {
		a.onFailure(op)
	}
	return false
}

package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fx-cost-desk/internal/rates"
)

type fakeRepo struct {
	err       error
	rates     []RateRecord
	margins   []MarginRecord
	currency  map[string]CurrencyRateRecord
	snapshots []rates.HistoricalSnapshot
	values    map[string]string
	expiry    map[string]time.Time
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		currency: make(map[string]CurrencyRateRecord),
		values:   make(map[string]string),
		expiry:   make(map[string]time.Time),
	}
}

func (f *fakeRepo) PutValue(_ context.Context, key, value string, expiresAt time.Time) error {
	if f.err != nil {
		return f.err
	}
	f.values[key], f.expiry[key] = value, expiresAt
	return nil
}

func (f *fakeRepo) GetValue(_ context.Context, key string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	v, ok := f.values[key]
	if !ok || (!f.expiry[key].IsZero() && !f.expiry[key].After(time.Now())) {
		return "", ErrNotFound
	}
	return v, nil
}

func (f *fakeRepo) InsertRate(_ context.Context, rate decimal.Decimal, source string) error {
	if f.err != nil {
		return f.err
	}
	f.rates = append(f.rates, RateRecord{ID: int64(len(f.rates) + 1), Rate: rate, Source: source, CreatedAt: time.Now()})
	return nil
}

func (f *fakeRepo) LatestRate(context.Context) (RateRecord, error) {
	if f.err != nil {
		return RateRecord{}, f.err
	}
	if len(f.rates) == 0 {
		return RateRecord{}, ErrNotFound
	}
	return f.rates[len(f.rates)-1], nil
}

func (f *fakeRepo) InsertMarginSettings(_ context.Context, usd, other decimal.Decimal) error {
	if f.err != nil {
		return f.err
	}
	f.margins = append(f.margins, MarginRecord{USDMargin: usd, OtherCurrenciesMargin: other, CreatedAt: time.Now()})
	return nil
}

func (f *fakeRepo) LatestMarginSettings(context.Context) (MarginRecord, error) {
	if f.err != nil {
		return MarginRecord{}, f.err
	}
	if len(f.margins) == 0 {
		return MarginRecord{}, ErrNotFound
	}
	return f.margins[len(f.margins)-1], nil
}

func (f *fakeRepo) UpsertCurrencyRates(_ context.Context, ref rates.ReferenceRates, source string) error {
	if f.err != nil {
		return f.err
	}
	for code, v := range ref {
		if code == rates.Base {
			continue
		}
		f.currency[code] = CurrencyRateRecord{CurrencyCode: code, Rate: v, IsActive: true, Source: source}
	}
	return nil
}

func (f *fakeRepo) ListActiveCurrencyRates(context.Context) ([]CurrencyRateRecord, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([]CurrencyRateRecord, 0, len(f.currency))
	for _, rec := range f.currency {
		out = append(out, rec)
	}
	return out, nil
}

func (f *fakeRepo) InsertHistoricalSnapshot(_ context.Context, snap rates.HistoricalSnapshot) error {
	if f.err != nil {
		return f.err
	}
	f.snapshots = append(f.snapshots, snap)
	return nil
}

func (f *fakeRepo) ListRecentSnapshots(context.Context, int) ([]rates.HistoricalSnapshot, error) {
	return f.snapshots, f.err
}

func (f *fakeRepo) ListSnapshotsBetween(context.Context, time.Time, time.Time) ([]rates.HistoricalSnapshot, error) {
	return f.snapshots, f.err
}

func TestAdapterRoundTrip(t *testing.T) {
	repo := newFakeRepo()
	a := NewAdapter(repo, zerolog.Nop())
	ctx := context.Background()

	_, ok := a.FetchLatestRate(ctx)
	assert.False(t, ok, "empty table is a miss")

	require.True(t, a.SaveRate(ctx, decimal.NewFromInt(1580), rates.SourceBybit))
	r, ok := a.FetchLatestRate(ctx)
	require.True(t, ok)
	assert.True(t, r.Value.Equal(decimal.NewFromInt(1580)))
	assert.Equal(t, rates.SourceCache, r.Source)

	require.True(t, a.SaveMarginSettings(ctx, rates.MarginSettings{USDMargin: decimal.RequireFromString("2.5"), OtherCurrenciesMargin: decimal.NewFromInt(3)}))
	m, ok := a.FetchMarginSettings(ctx)
	require.True(t, ok)
	assert.True(t, m.USDMargin.Equal(decimal.RequireFromString("2.5")))

	require.True(t, a.SaveReferenceRates(ctx, rates.ReferenceRates{"EUR": decimal.RequireFromString("0.88"), "USD": decimal.NewFromInt(1)}, rates.SourceAPI))
	ref, ok := a.FetchReferenceRates(ctx)
	require.True(t, ok)
	assert.True(t, ref["USD"].Equal(decimal.NewFromInt(1)))
	assert.True(t, ref["EUR"].Equal(decimal.RequireFromString("0.88")))

	require.True(t, a.AppendHistoricalSnapshot(ctx, rates.HistoricalSnapshot{USDTNGNRate: decimal.NewFromInt(1580), Source: rates.SnapshotAuto}))
	assert.Len(t, repo.snapshots, 1)
}

func TestAdapterRateLimitReset(t *testing.T) {
	repo := newFakeRepo()
	a := NewAdapter(repo, zerolog.Nop())
	ctx := context.Background()

	_, ok := a.FetchRateLimitReset(ctx)
	assert.False(t, ok)

	until := time.Now().Add(45 * time.Second).Truncate(time.Millisecond)
	require.True(t, a.SaveRateLimitReset(ctx, until))
	got, ok := a.FetchRateLimitReset(ctx)
	require.True(t, ok)
	assert.True(t, got.Equal(until))
	assert.True(t, repo.expiry[rateLimitResetKey].Equal(until), "row expires with the cooldown")

	require.True(t, a.SaveRateLimitReset(ctx, time.Now().Add(-time.Second)))
	_, ok = a.FetchRateLimitReset(ctx)
	assert.False(t, ok, "a passed reset is a miss")

	repo.values[rateLimitResetKey], repo.expiry[rateLimitResetKey] = "soon", time.Time{}
	_, ok = a.FetchRateLimitReset(ctx)
	assert.False(t, ok)
}

func TestAdapterFailSoft(t *testing.T) {
	repo := newFakeRepo()
	repo.err = errors.New("connection refused")

	var failed []string
	a := NewAdapter(repo, zerolog.Nop(), WithFailureHook(func(op string) { failed = append(failed, op) }))
	ctx := context.Background()

	assert.False(t, a.SaveRate(ctx, decimal.NewFromInt(1580), rates.SourceBybit))
	_, ok := a.FetchLatestRate(ctx)
	assert.False(t, ok)
	_, ok = a.FetchMarginSettings(ctx)
	assert.False(t, ok)
	assert.False(t, a.AppendHistoricalSnapshot(ctx, rates.HistoricalSnapshot{}))

	assert.Equal(t, []string{"save_rate", "fetch_latest_rate", "fetch_margin_settings", "append_historical_snapshot"}, failed)
}

func TestAdapterDisabled(t *testing.T) {
	a := NewAdapter(nil, zerolog.Nop())
	ctx := context.Background()

	assert.False(t, a.Enabled())
	assert.False(t, a.SaveRate(ctx, decimal.NewFromInt(1), rates.SourceManual))
	_, ok := a.FetchReferenceRates(ctx)
	assert.False(t, ok)
}

func TestAdapterRejectsNonPositiveRate(t *testing.T) {
	repo := newFakeRepo()
	a := NewAdapter(repo, zerolog.Nop())
	assert.False(t, a.SaveRate(context.Background(), decimal.Zero, rates.SourceManual))
	assert.Empty(t, repo.rates)
}

func TestMigrationFilesOrdered(t *testing.T) {
	files, err := migrationFiles("../../migrations")
	require.NoError(t, err)
	require.NotEmpty(t, files)
	assert.Contains(t, files[0], "001_init.sql")
}

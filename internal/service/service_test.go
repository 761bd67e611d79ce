package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fx-cost-desk/internal/cache"
	"fx-cost-desk/internal/fetcher"
	"fx-cost-desk/internal/notify"
	"fx-cost-desk/internal/rates"
	"fx-cost-desk/internal/realtime"
	"fx-cost-desk/internal/reconcile"
	"fx-cost-desk/internal/retry"
)

type blockingP2P struct {
	release chan struct{}
	calls   atomic.Int32
}

func (b *blockingP2P) FetchP2P(ctx context.Context) (fetcher.P2PQuote, error) {
	b.calls.Add(1)
	if b.release != nil {
		select {
		case <-b.release:
		case <-ctx.Done():
			return fetcher.P2PQuote{}, ctx.Err()
		}
	}
	return fetcher.P2PQuote{Range: fetcher.PriceRange{Median: 1600}}, nil
}

type staticReference struct{}

func (staticReference) FetchReference(context.Context, []string) (rates.ReferenceRates, error) {
	return rates.ReferenceRates{"EUR": decimal.RequireFromString("0.9")}, nil
}

type limitedCompetitor struct{ calls atomic.Int32 }

func (l *limitedCompetitor) FetchAll(context.Context, []string) (fetcher.PairRates, error) {
	l.calls.Add(1)
	return nil, &fetcher.FetchError{Source: "competitor", Kind: fetcher.KindRateLimited, RetryAfter: 45 * time.Second, Err: errors.New("429")}
}

type fakeLocker struct {
	acquired bool
	mu       sync.Mutex
	unlocked int
}

func (f *fakeLocker) TryAdvisoryLock(context.Context, int64) (func(), bool, error) {
	if !f.acquired {
		return nil, false, nil
	}
	return func() {
		f.mu.Lock()
		f.unlocked++
		f.mu.Unlock()
	}, true, nil
}

type harness struct {
	svc   *Service
	eng   *reconcile.Engine
	p2p   *blockingP2P
	comp  *limitedCompetitor
	notes *notify.Center
}

func newHarness(t *testing.T, locker *fakeLocker) *harness {
	t.Helper()
	p2p := &blockingP2P{}
	comp := &limitedCompetitor{}
	notes := notify.NewCenter(notify.Options{}, nil, zerolog.Nop())
	eng := reconcile.New(reconcile.Options{
		Currencies:     []string{"USD", "EUR"},
		DefaultMargins: rates.MarginSettings{USDMargin: decimal.NewFromInt(1), OtherCurrenciesMargin: decimal.NewFromInt(2)},
		AutoRetry:      retry.Params{MaxRetries: 1},
		ManualRetry:    retry.Params{MaxRetries: 1},
	}, reconcile.Dependencies{
		P2P:        p2p,
		Reference:  staticReference{},
		Competitor: comp,
		Cache:      cache.New(nil, zerolog.Nop()),
		Notifier:   notes,
		Retry:      retry.New(5, zerolog.Nop(), retry.WithSleep(func(context.Context, time.Duration) error { return nil })),
	}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = eng.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	deps := Dependencies{Engine: eng, Notifications: notes}
	if locker != nil {
		deps.Locker = locker
	}
	svc := New(Options{AdvisoryLockKey: 42}, deps, zerolog.Nop())
	return &harness{svc: svc, eng: eng, p2p: p2p, comp: comp, notes: notes}
}

func TestRefreshNowRejectsOverlap(t *testing.T) {
	h := newHarness(t, nil)
	h.p2p.release = make(chan struct{})
	ctx := context.Background()

	errs := make(chan error, 1)
	go func() {
		_, err := h.svc.RefreshNow(ctx)
		errs <- err
	}()
	require.Eventually(t, h.svc.Refreshing, time.Second, 5*time.Millisecond)

	_, err := h.svc.RefreshNow(ctx)
	assert.ErrorIs(t, err, ErrRefreshInFlight)

	close(h.p2p.release)
	require.NoError(t, <-errs)
	assert.False(t, h.svc.Refreshing())
	assert.Equal(t, int32(1), h.p2p.calls.Load())
}

func TestRefreshNowResetsPrimaryCountdown(t *testing.T) {
	h := newHarness(t, nil)
	h.svc.primary.Set(5 * time.Second)

	out, err := h.svc.RefreshNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, reconcile.TierFresh, out.RateTier)
	assert.Equal(t, 60*time.Second, h.svc.Countdowns()[timerPrimary])
}

func TestAutoRefreshRespectsAdvisoryLock(t *testing.T) {
	locker := &fakeLocker{}
	h := newHarness(t, locker)

	assert.Equal(t, time.Duration(0), h.svc.firePrimary(context.Background()))
	assert.Equal(t, int32(0), h.p2p.calls.Load(), "another instance holds the lock")

	locker.acquired = true
	h.svc.firePrimary(context.Background())
	assert.Equal(t, int32(1), h.p2p.calls.Load())
	assert.Equal(t, 1, locker.unlocked)
}

func TestCompetitorCountdownFollowsCooldown(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	assert.Equal(t, 45*time.Second, h.svc.fireCompetitor(ctx))

	out, err := h.svc.RefreshCompetitor(ctx)
	require.NoError(t, err)
	assert.True(t, out.Skipped)
	assert.Equal(t, 45*time.Second, h.svc.Countdowns()[timerCompetitor])
	assert.Equal(t, int32(1), h.comp.calls.Load())
}

func TestHandleEventFoldsRemoteChanges(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.svc.HandleEvent(ctx, realtime.Event{Type: realtime.RateChanged, Payload: json.RawMessage(`{"rate":1640,"source":"manual","created_at":"2024-03-01T12:00:00Z"}`)})
	assert.True(t, h.eng.State().USDTNGN.Value.Equal(decimal.NewFromInt(1640)))

	h.svc.HandleEvent(ctx, realtime.Event{Type: realtime.MarginChanged, Payload: json.RawMessage(`{"usd_margin":0.75,"other_currencies_margin":1.5,"created_at":"2024-03-01T12:00:00Z"}`)})
	assert.True(t, h.eng.State().Margins.OtherCurrenciesMargin.Equal(decimal.RequireFromString("1.5")))

	payload := json.RawMessage(`{"id":"0b7f6bb0-3c44-4a0d-9d6f-6b1c1e1e2a10","user_id":"system","title":"Rate updated","type":"success","read":false,"created_at":"2024-03-01T12:00:00Z"}`)
	h.svc.HandleEvent(ctx, realtime.Event{Type: realtime.NotificationCreated, Payload: payload})
	h.svc.HandleEvent(ctx, realtime.Event{Type: realtime.NotificationCreated, Payload: payload})

	list := h.notes.List(ctx, "system")
	var matches int
	for _, n := range list {
		if n.ID.String() == "0b7f6bb0-3c44-4a0d-9d6f-6b1c1e1e2a10" {
			matches++
		}
	}
	assert.Equal(t, 1, matches)

	// Malformed payloads are logged and dropped.
	h.svc.HandleEvent(ctx, realtime.Event{Type: realtime.RateChanged, Payload: json.RawMessage(`{`)})
	assert.True(t, h.eng.State().USDTNGN.Value.Equal(decimal.NewFromInt(1640)))
}

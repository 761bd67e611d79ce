package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fx-cost-desk/internal/notify"
	"fx-cost-desk/internal/pricing"
	"fx-cost-desk/internal/rates"
	"fx-cost-desk/internal/reconcile"
	"fx-cost-desk/internal/service"
)

type fakeDesk struct {
	state      reconcile.State
	refreshErr error
	margins    [2]decimal.Decimal
	manual     decimal.Decimal
	panicOn    bool
}

func (f *fakeDesk) State() reconcile.State { return f.state }

func (f *fakeDesk) Countdowns() map[string]time.Duration {
	return map[string]time.Duration{"primary": 42 * time.Second, "competitor": 0}
}

func (f *fakeDesk) Refreshing() bool { return false }

func (f *fakeDesk) RefreshNow(context.Context) (reconcile.PrimaryOutcome, error) {
	if f.panicOn {
		panic("boom")
	}
	if f.refreshErr != nil {
		return reconcile.PrimaryOutcome{}, f.refreshErr
	}
	return reconcile.PrimaryOutcome{State: f.state, RateTier: reconcile.TierFresh, ReferenceTier: reconcile.TierFresh, Attempts: 1}, nil
}

func (f *fakeDesk) RefreshCompetitor(context.Context) (reconcile.CompetitorOutcome, error) {
	return reconcile.CompetitorOutcome{State: f.state, Skipped: true, Cooldown: 45 * time.Second, Tier: reconcile.TierDefault}, nil
}

func (f *fakeDesk) SetManualRate(_ context.Context, v decimal.Decimal) (reconcile.State, error) {
	if !v.IsPositive() {
		return reconcile.State{}, reconcile.ErrInvalidRate
	}
	f.manual = v
	return f.state, nil
}

func (f *fakeDesk) SetMargins(_ context.Context, usd, other decimal.Decimal) (reconcile.State, error) {
	if usd.IsNegative() || other.IsNegative() {
		return reconcile.State{}, reconcile.ErrInvalidMargin
	}
	f.margins = [2]decimal.Decimal{usd, other}
	return f.state, nil
}

func sampleState() reconcile.State {
	return reconcile.State{
		USDTNGN:   rates.Rate{Value: decimal.NewFromInt(1600), Source: rates.SourceBybit, Timestamp: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)},
		Reference: rates.ReferenceRates{"USD": decimal.NewFromInt(1), "EUR": decimal.RequireFromString("0.85")},
		CostPrices: pricing.CostPriceSet{
			"USD": {Buy: decimal.NewFromInt(1608), Sell: decimal.NewFromInt(1592)},
			"EUR": {Buy: decimal.RequireFromString("1901.176"), Sell: decimal.RequireFromString("1863.53")},
		},
		LastUpdated: time.Date(2024, 3, 1, 12, 0, 5, 0, time.UTC),
	}
}

func newTestServer(t *testing.T, hideSell bool) (*Server, *fakeDesk, *notify.Center) {
	t.Helper()
	desk := &fakeDesk{state: sampleState()}
	notes := notify.NewCenter(notify.Options{}, nil, zerolog.Nop())
	srv := New(Options{HideSellPrice: hideSell}, desk, notes, nil, zerolog.Nop())
	return srv, desk, notes
}

func do(t *testing.T, srv *Server, method, target, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestGetRatesFull(t *testing.T) {
	srv, _, _ := newTestServer(t, true)
	rec := do(t, srv, http.MethodGet, "/rates", "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode(t, rec)
	usdt := body["usdt_ngn"].(map[string]any)
	assert.Equal(t, float64(1600), usdt["rate"])
	assert.Equal(t, "bybit", usdt["source"])

	eur := body["currencies"].(map[string]any)["EUR"].(map[string]any)
	assert.Equal(t, 1901.18, eur["buy"])
	assert.Nil(t, eur["sell"], "sell is hidden as null, never 0")
	assert.Equal(t, 0.85, eur["fx_rate"])
	assert.Contains(t, body, "last_updated")
}

func TestGetRatesShowsSellWhenAllowed(t *testing.T) {
	srv, _, _ := newTestServer(t, false)
	body := decode(t, do(t, srv, http.MethodGet, "/rates?currency=usd", ""))
	currencies := body["currencies"].(map[string]any)
	require.Len(t, currencies, 1)
	assert.Equal(t, float64(1592), currencies["USD"].(map[string]any)["sell"])
}

func TestGetRatesSimple(t *testing.T) {
	srv, _, _ := newTestServer(t, true)

	all := decode(t, do(t, srv, http.MethodGet, "/rates?format=simple", ""))
	assert.Equal(t, float64(1600), all["usdt_ngn"])
	assert.Equal(t, float64(1608), all["rates"].(map[string]any)["USD"])

	one := decode(t, do(t, srv, http.MethodGet, "/rates?format=simple&currency=EUR", ""))
	assert.Equal(t, "EUR", one["currency"])
	assert.Equal(t, 1901.18, one["rate"])
}

func TestGetRatesRejectsBadInput(t *testing.T) {
	srv, _, _ := newTestServer(t, true)

	rec := do(t, srv, http.MethodGet, "/rates?format=xml", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_format", decode(t, rec)["error"])

	rec = do(t, srv, http.MethodGet, "/rates?currency=JPY", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetStateIncludesCountdowns(t *testing.T) {
	srv, _, _ := newTestServer(t, true)
	body := decode(t, do(t, srv, http.MethodGet, "/state", ""))
	assert.Equal(t, float64(42), body["countdowns"].(map[string]any)["primary"])
	assert.Equal(t, false, body["refreshing"])
	eur := body["costPrices"].(map[string]any)["EUR"].(map[string]any)
	assert.Nil(t, eur["sell"])
}

func TestPostRefreshConflict(t *testing.T) {
	srv, desk, _ := newTestServer(t, true)
	assert.Equal(t, http.StatusOK, do(t, srv, http.MethodPost, "/refresh", "").Code)

	desk.refreshErr = service.ErrRefreshInFlight
	rec := do(t, srv, http.MethodPost, "/refresh", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "refresh_in_flight", decode(t, rec)["error"])
}

func TestPostManualRate(t *testing.T) {
	srv, desk, _ := newTestServer(t, true)

	assert.Equal(t, http.StatusOK, do(t, srv, http.MethodPost, "/rates/manual", `{"rate":1625.5}`).Code)
	assert.True(t, desk.manual.Equal(decimal.RequireFromString("1625.5")))

	assert.Equal(t, http.StatusBadRequest, do(t, srv, http.MethodPost, "/rates/manual", `{"rate":-3}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, srv, http.MethodPost, "/rates/manual", `{}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, srv, http.MethodPost, "/rates/manual", `{"rate":"abc"}`).Code)
}

func TestPutMargins(t *testing.T) {
	srv, desk, _ := newTestServer(t, true)

	rec := do(t, srv, http.MethodPut, "/margins", `{"usdMargin":0,"otherCurrenciesMargin":"3.5"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, desk.margins[0].IsZero())
	assert.True(t, desk.margins[1].Equal(decimal.RequireFromString("3.5")))

	assert.Equal(t, http.StatusBadRequest, do(t, srv, http.MethodPut, "/margins", `{"usdMargin":-1,"otherCurrenciesMargin":1}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, srv, http.MethodPut, "/margins", `{"usdMargin":1}`).Code)
}

func TestPostCompetitorRefreshReportsCooldown(t *testing.T) {
	srv, _, _ := newTestServer(t, true)
	body := decode(t, do(t, srv, http.MethodPost, "/competitor/refresh", ""))
	assert.Equal(t, true, body["skipped"])
	assert.Equal(t, float64(45), body["cooldownSeconds"])
}

func TestNotificationRoutes(t *testing.T) {
	srv, _, notes := newTestServer(t, true)
	ctx := context.Background()
	n := notes.Publish(ctx, "desk-a", notify.Info, "Competitor unavailable", "")
	notes.Publish(ctx, "desk-b", notify.Info, "其他会话", "")

	body := decode(t, do(t, srv, http.MethodGet, "/notifications", "", "X-User-ID", "desk-a"))
	list := body["notifications"].([]any)
	require.Len(t, list, 1)
	assert.Equal(t, float64(1), body["unread"])

	assert.Equal(t, http.StatusBadRequest, do(t, srv, http.MethodPost, "/notifications/not-a-uuid/read", "", "X-User-ID", "desk-a").Code)
	assert.Equal(t, http.StatusNotFound, do(t, srv, http.MethodPost, "/notifications/"+uuid.NewString()+"/read", "", "X-User-ID", "desk-a").Code)
	assert.Equal(t, http.StatusNoContent, do(t, srv, http.MethodPost, "/notifications/"+n.ID.String()+"/read", "", "X-User-ID", "desk-a").Code)
	assert.Equal(t, 0, notes.UnreadCount(ctx, "desk-a"))

	assert.Equal(t, http.StatusNoContent, do(t, srv, http.MethodDelete, "/notifications", "", "X-User-ID", "desk-a").Code)
	assert.Empty(t, notes.List(ctx, "desk-a"))
	assert.Len(t, notes.List(ctx, "desk-b"), 1)
}

func TestPanicBecomesErrorNotification(t *testing.T) {
	srv, desk, notes := newTestServer(t, true)
	desk.panicOn = true

	rec := do(t, srv, http.MethodPost, "/refresh", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	list := notes.List(context.Background(), notes.DefaultOwner())
	require.NotEmpty(t, list)
	assert.Equal(t, notify.Error, list[0].Type)
	assert.Equal(t, "Unexpected error", list[0].Title)
}

func TestHealthAndMetrics(t *testing.T) {
	srv, _, _ := newTestServer(t, true)
	assert.Equal(t, "ok", decode(t, do(t, srv, http.MethodGet, "/healthz", ""))["status"])

	rec := do(t, srv, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

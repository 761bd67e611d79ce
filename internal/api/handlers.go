package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"fx-cost-desk/internal/notify"
	"fx-cost-desk/internal/pricing"
	"fx-cost-desk/internal/reconcile"
	"fx-cost-desk/internal/service"
)

type usdtNGNView struct {
	Rate      json.Number `json:"rate"`
	Source    string      `json:"source,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

type priceView struct {
	Buy    json.Number  `json:"buy"`
	Sell   *json.Number `json:"sell"`
	FXRate json.Number  `json:"fx_rate,omitempty"`
}

type fullRates struct {
	USDTNGN     usdtNGNView          `json:"usdt_ngn"`
	Currencies  map[string]priceView `json:"currencies"`
	LastUpdated time.Time            `json:"last_updated"`
}

type simpleRates struct {
	Rates   map[string]json.Number `json:"rates"`
	USDTNGN json.Number            `json:"usdt_ngn"`
}

type simpleRate struct {
	Currency string      `json:"currency"`
	Rate     json.Number `json:"rate"`
	USDTNGN  json.Number `json:"usdt_ngn"`
}

type stateView struct {
	reconcile.State
	CostPrices map[string]priceView `json:"costPrices"`
	Countdowns map[string]int64     `json:"countdowns"`
	Refreshing bool                 `json:"refreshing"`
}

type manualRateRequest struct {
	Rate decimal.NullDecimal `json:"rate"`
}

type marginsRequest struct {
	USDMargin             decimal.NullDecimal `json:"usdMargin"`
	OtherCurrenciesMargin decimal.NullDecimal `json:"otherCurrenciesMargin"`
}

type notificationsView struct {
	Notifications []notify.Notification `json:"notifications"`
	Unread        int                   `json:"unread"`
}

func number(d decimal.Decimal, places int32) json.Number {
	return json.Number(d.Round(places).String())
}

func (s *Server) price(p pricing.CostPrice, fx decimal.Decimal) priceView {
	v := priceView{Buy: number(p.Buy, 2)}
	if !s.opts.HideSellPrice && p.Sell.IsPositive() {
		sell := number(p.Sell, 2)
		v.Sell = &sell
	}
	if fx.IsPositive() {
		v.FXRate = number(fx, 6)
	}
	return v
}

func (s *Server) prices(st reconcile.State) map[string]priceView {
	out := make(map[string]priceView, len(st.CostPrices))
	for code, p := range st.CostPrices {
		out[code] = s.price(p, st.Reference[code])
	}
	return out
}

func (s *Server) getRates(c *gin.Context) {
	format := strings.ToLower(c.DefaultQuery("format", "full"))
	if format != "full" && format != "simple" {
		c.JSON(http.StatusBadRequest, errorBody("invalid_format", "format must be full or simple"))
		return
	}
	currency := strings.ToUpper(strings.TrimSpace(c.DefaultQuery("currency", "all")))

	st := s.desk.State()
	if currency != "ALL" {
		if _, ok := st.CostPrices[currency]; !ok {
			c.JSON(http.StatusNotFound, errorBody("unknown_currency", "no cost price for "+currency))
			return
		}
	}
	base := number(st.USDTNGN.Value, 2)

	if format == "simple" {
		if currency != "ALL" {
			c.JSON(http.StatusOK, simpleRate{Currency: currency, Rate: number(st.CostPrices[currency].Buy, 2), USDTNGN: base})
			return
		}
		out := simpleRates{Rates: make(map[string]json.Number, len(st.CostPrices)), USDTNGN: base}
		for code, p := range st.CostPrices {
			out.Rates[code] = number(p.Buy, 2)
		}
		c.JSON(http.StatusOK, out)
		return
	}

	currencies := s.prices(st)
	if currency != "ALL" {
		currencies = map[string]priceView{currency: currencies[currency]}
	}
	c.JSON(http.StatusOK, fullRates{
		USDTNGN: usdtNGNView{
			Rate:      base,
			Source:    string(st.USDTNGN.Source),
			Timestamp: st.USDTNGN.Timestamp,
		},
		Currencies:  currencies,
		LastUpdated: st.LastUpdated,
	})
}

func (s *Server) stateView(st reconcile.State) stateView {
	countdowns := make(map[string]int64)
	for name, d := range s.desk.Countdowns() {
		countdowns[name] = int64(d.Round(time.Second) / time.Second)
	}
	return stateView{
		State:      st,
		CostPrices: s.prices(st),
		Countdowns: countdowns,
		Refreshing: s.desk.Refreshing(),
	}
}

func (s *Server) getState(c *gin.Context) {
	c.JSON(http.StatusOK, s.stateView(s.desk.State()))
}

func (s *Server) postRefresh(c *gin.Context) {
	out, err := s.desk.RefreshNow(c.Request.Context())
	switch {
	case errors.Is(err, service.ErrRefreshInFlight):
		c.JSON(http.StatusConflict, errorBody("refresh_in_flight", err.Error()))
		return
	case err != nil:
		s.logger.Error().Err(err).Msg("manual refresh failed")
		c.JSON(http.StatusServiceUnavailable, errorBody("refresh_failed", err.Error()))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"rateTier":      out.RateTier,
		"referenceTier": out.ReferenceTier,
		"attempts":      out.Attempts,
		"state":         s.stateView(out.State),
	})
}

func (s *Server) postManualRate(c *gin.Context) {
	var req manualRateRequest
	if err := c.ShouldBindJSON(&req); err != nil || !req.Rate.Valid {
		c.JSON(http.StatusBadRequest, errorBody("invalid_body", "rate is required"))
		return
	}
	st, err := s.desk.SetManualRate(c.Request.Context(), req.Rate.Decimal)
	if errors.Is(err, reconcile.ErrInvalidRate) {
		c.JSON(http.StatusBadRequest, errorBody("invalid_rate", err.Error()))
		return
	}
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, errorBody("unavailable", err.Error()))
		return
	}
	c.JSON(http.StatusOK, s.stateView(st))
}

func (s *Server) putMargins(c *gin.Context) {
	var req marginsRequest
	if err := c.ShouldBindJSON(&req); err != nil || !req.USDMargin.Valid || !req.OtherCurrenciesMargin.Valid {
		c.JSON(http.StatusBadRequest, errorBody("invalid_body", "usdMargin and otherCurrenciesMargin are required"))
		return
	}
	st, err := s.desk.SetMargins(c.Request.Context(), req.USDMargin.Decimal, req.OtherCurrenciesMargin.Decimal)
	if errors.Is(err, reconcile.ErrInvalidMargin) {
		c.JSON(http.StatusBadRequest, errorBody("invalid_margin", err.Error()))
		return
	}
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, errorBody("unavailable", err.Error()))
		return
	}
	c.JSON(http.StatusOK, s.stateView(st))
}

func (s *Server) postCompetitorRefresh(c *gin.Context) {
	out, err := s.desk.RefreshCompetitor(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, errorBody("unavailable", err.Error()))
		return
	}
	codes := make([]string, 0, len(out.State.Competitor))
	for code := range out.State.Competitor {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	c.JSON(http.StatusOK, gin.H{
		"skipped":         out.Skipped,
		"cooldownSeconds": int64(out.Cooldown / time.Second),
		"fetched":         out.Fetched,
		"tier":            out.Tier,
		"currencies":      codes,
		"comparisons":     out.State.Comparisons,
	})
}

func (s *Server) listNotifications(c *gin.Context) {
	owner := s.owner(c)
	list := s.notes.List(c.Request.Context(), owner)
	if list == nil {
		list = []notify.Notification{}
	}
	c.JSON(http.StatusOK, notificationsView{Notifications: list, Unread: s.notes.UnreadCount(c.Request.Context(), owner)})
}

func (s *Server) markNotificationRead(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorBody("invalid_id", "notification id must be a uuid"))
		return
	}
	err = s.notes.MarkRead(c.Request.Context(), s.owner(c), id)
	if errors.Is(err, notify.ErrUnknownNotification) {
		c.JSON(http.StatusNotFound, errorBody("not_found", err.Error()))
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorBody("internal", err.Error()))
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) clearNotifications(c *gin.Context) {
	if err := s.notes.Clear(c.Request.Context(), s.owner(c)); err != nil {
		c.JSON(http.StatusInternalServerError, errorBody("internal", err.Error()))
		return
	}
	c.Status(http.StatusNoContent)
}

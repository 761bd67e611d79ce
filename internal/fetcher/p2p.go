package fetcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"fx-cost-desk/internal/rates"
)

const sourceP2P = "p2p"

// P2POptions parameterise the P2P proxy fetcher.
type P2POptions struct {
	ProxyURL     string
	CurrencyID   string
	TokenID      string
	VerifiedOnly bool
	Timeout      time.Duration
	UserAgent    string
}

// Trader is a single seller offer from the order book.
type Trader struct {
	Nickname       string    `json:"nickname"`
	Price          flexFloat `json:"price"`
	AvailableQty   flexFloat `json:"available_quantity"`
	MinAmount      flexFloat `json:"min_amount"`
	MaxAmount      flexFloat `json:"max_amount"`
	Verified       bool      `json:"is_verified"`
	CompletionRate flexFloat `json:"completion_rate"`
	OrderCount     int       `json:"order_count"`
}

// PriceRange is the proxy's order book aggregate.
type PriceRange struct {
	Min     flexFloat `json:"min"`
	Max     flexFloat `json:"max"`
	Average flexFloat `json:"average"`
	Median  flexFloat `json:"median"`
	Mode    flexFloat `json:"mode"`
}

// P2PQuote is the decoded proxy response.
type P2PQuote struct {
	Traders      []Trader
	TotalTraders int
	Range        PriceRange
	FetchedAt    time.Time
}

// P2P calls the server-side proxy that fronts the exchange's P2P API.
type P2P struct {
	opts   P2POptions
	logger zerolog.Logger
	client *http.Client
}

// NewP2P constructs a P2P fetcher.
func NewP2P(opts P2POptions, logger zerolog.Logger) *P2P {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 25 * time.Second
	}
	opts.Timeout = timeout
	opts.ProxyURL = strings.TrimRight(opts.ProxyURL, "/")

	return &P2P{
		opts:   opts,
		logger: logger.With().Str("component", "p2p_fetcher").Logger(),
		client: &http.Client{Timeout: timeout},
	}
}

// FetchP2P posts the order book query to the proxy.
func (p *P2P) FetchP2P(ctx context.Context) (P2PQuote, error) {
	if p.opts.ProxyURL == "" {
		return P2PQuote{}, errors.New("p2p proxy url not configured")
	}

	ctx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	defer cancel()

	reqPayload := p2pRequest{
		CurrencyID:       p.opts.CurrencyID,
		TokenID:          p.opts.TokenID,
		VerifiedOnly:     p.opts.VerifiedOnly,
		RequestTimestamp: time.Now().UnixMilli(),
		ClientInfo:       clientInfo{UserAgent: p.userAgent(), Platform: "server"},
	}

	body, err := json.Marshal(reqPayload)
	if err != nil {
		return P2PQuote{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.opts.ProxyURL, bytes.NewReader(body))
	if err != nil {
		return P2PQuote{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", p.userAgent())

	resp, err := p.client.Do(req)
	if err != nil {
		return P2PQuote{}, transportError(sourceP2P, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return P2PQuote{}, transportError(sourceP2P, err)
	}

	if resp.StatusCode != http.StatusOK {
		return P2PQuote{}, parseHTTPError(sourceP2P, resp, payload)
	}

	var res p2pResponse
	if err := json.Unmarshal(payload, &res); err != nil {
		return P2PQuote{}, malformed(sourceP2P, err)
	}
	if !res.Success {
		msg := res.Error
		if msg == "" {
			msg = "proxy reported failure"
		}
		return P2PQuote{}, &FetchError{Source: sourceP2P, Kind: KindStatus, Status: resp.StatusCode, Err: errors.New(msg)}
	}
	if len(res.Traders) == 0 && res.MarketSummary.TotalTraders == 0 {
		return P2PQuote{}, empty(sourceP2P, "no traders in order book")
	}

	fetchedAt := time.Now().UTC()
	if res.Timestamp > 0 {
		fetchedAt = time.UnixMilli(res.Timestamp).UTC()
	}

	p.logger.Debug().
		Int("traders", len(res.Traders)).
		Float64("median", float64(res.MarketSummary.PriceRange.Median)).
		Msg("p2p order book received")

	return P2PQuote{
		Traders:      res.Traders,
		TotalTraders: res.MarketSummary.TotalTraders,
		Range:        res.MarketSummary.PriceRange,
		FetchedAt:    fetchedAt,
	}, nil
}

// SelectRate picks the representative price: median, then average, then
// mode, then the lowest verified seller. ErrNoRate when none is usable.
func SelectRate(q P2PQuote) (decimal.Decimal, string, error) {
	candidates := []struct {
		method string
		value  flexFloat
	}{
		{"median", q.Range.Median},
		{"average", q.Range.Average},
		{"mode", q.Range.Mode},
	}
	for _, c := range candidates {
		if v, ok := rates.FromFloat(float64(c.value)); ok {
			return v, c.method, nil
		}
	}

	var lowest decimal.Decimal
	found := false
	for _, t := range q.Traders {
		if !t.Verified {
			continue
		}
		v, ok := rates.FromFloat(float64(t.Price))
		if !ok {
			continue
		}
		if !found || v.LessThan(lowest) {
			lowest = v
			found = true
		}
	}
	if found {
		return lowest, "lowest_verified", nil
	}
	return decimal.Decimal{}, "", ErrNoRate
}

func (p *P2P) userAgent() string {
	if ua := strings.TrimSpace(p.opts.UserAgent); ua != "" {
		return ua
	}
	return "fxdesk/1.0"
}

type clientInfo struct {
	UserAgent string `json:"userAgent"`
	Platform  string `json:"platform"`
}

type p2pRequest struct {
	CurrencyID       string     `json:"currencyId"`
	TokenID          string     `json:"tokenId"`
	VerifiedOnly     bool       `json:"verifiedOnly"`
	RequestTimestamp int64      `json:"requestTimestamp"`
	ClientInfo       clientInfo `json:"clientInfo"`
}

type p2pResponse struct {
	Success       bool     `json:"success"`
	Traders       []Trader `json:"traders"`
	MarketSummary struct {
		TotalTraders int        `json:"total_traders"`
		PriceRange   PriceRange `json:"price_range"`
	} `json:"market_summary"`
	Timestamp int64  `json:"timestamp"`
	Error     string `json:"error"`
}

var _ P2PFetcher = (*P2P)(nil)

// parseHTTPError turns a non-2xx response into a FetchError.
func parseHTTPError(source string, resp *http.Response, payload []byte) error {
	fe := &FetchError{Source: source, Kind: KindStatus, Status: resp.StatusCode}
	if resp.StatusCode == http.StatusTooManyRequests {
		fe.Kind = KindRateLimited
		fe.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
	}

	var apiErr struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		switch {
		case apiErr.Message != "":
			fe.Err = errors.New(apiErr.Message)
		case apiErr.Error != "":
			fe.Err = errors.New(apiErr.Error)
		}
	}
	if fe.Err == nil && len(payload) > 0 {
		fe.Err = errors.New(strings.TrimSpace(string(payload)))
	}
	if fe.Err == nil {
		fe.Err = fmt.Errorf("http %d", resp.StatusCode)
	}
	return fe
}

func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	var secs int
	if _, err := fmt.Sscanf(v, "%d", &secs); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

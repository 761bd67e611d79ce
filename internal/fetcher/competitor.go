package fetcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"fx-cost-desk/internal/rates"
)

const (
	sourceCompetitor = "competitor"
	localCurrency    = "NGN"
)

// CompetitorOptions parameterise the competitor fetcher.
type CompetitorOptions struct {
	BaseURL           string
	Timeout           time.Duration
	RequestsPerMinute int
	Concurrency       int
}

// Pair is a directed conversion.
type Pair struct {
	From string
	To   string
}

func (p Pair) String() string { return p.From + "-" + p.To }

// PairRate is the competitor's answer for one pair.
type PairRate struct {
	Rate           decimal.Decimal
	ReversedRate   decimal.Decimal
	Provider       string
	RateType       string
	OvernightDelta float64
}

// PairRates holds the pairs that were fetched successfully.
type PairRates map[Pair]PairRate

// Quote folds both directions of a currency into NGN buy/sell values.
// Buy comes from X→NGN, sell from the reversed NGN→X rate.
func (pr PairRates) Quote(code string) (buy, sell decimal.Decimal, hasBuy, hasSell bool) {
	code = rates.NormalizeCode(code)
	if r, ok := pr[Pair{From: code, To: localCurrency}]; ok && r.Rate.IsPositive() {
		buy, hasBuy = r.Rate, true
	}
	if r, ok := pr[Pair{From: localCurrency, To: code}]; ok && r.ReversedRate.IsPositive() {
		sell, hasSell = r.ReversedRate, true
	}
	return buy, sell, hasBuy, hasSell
}

// Competitor fetches the competitor's per-pair rates in parallel.
type Competitor struct {
	opts    CompetitorOptions
	limiter *rate.Limiter
	logger  zerolog.Logger
	client  *http.Client
}

// NewCompetitor builds the fetcher.
func NewCompetitor(opts CompetitorOptions, logger zerolog.Logger) *Competitor {
	if opts.Timeout <= 0 {
		opts.Timeout = 8 * time.Second
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")

	limit := rate.Inf
	burst := opts.Concurrency
	if opts.RequestsPerMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(opts.RequestsPerMinute))
		if burst > opts.RequestsPerMinute {
			burst = opts.RequestsPerMinute
		}
	}

	return &Competitor{
		opts:    opts,
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger.With().Str("component", "competitor_fetcher").Logger(),
		client:  &http.Client{Timeout: opts.Timeout},
	}
}

// FetchAll requests NGN→X and X→NGN for every code. Individual failures are
// dropped; an error is returned only when every pair failed, or alongside
// the partial result when the competitor signalled a rate limit.
func (c *Competitor) FetchAll(ctx context.Context, codes []string) (PairRates, error) {
	if c.opts.BaseURL == "" {
		return nil, errors.New("competitor base url not configured")
	}

	pairs := make([]Pair, 0, len(codes)*2)
	for _, code := range pairCodes(codes) {
		pairs = append(pairs, Pair{From: localCurrency, To: code}, Pair{From: code, To: localCurrency})
	}

	var (
		mu          sync.Mutex
		out         = make(PairRates, len(pairs))
		lastErr     error
		rateLimited error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.Concurrency)
	for _, pair := range pairs {
		pair := pair
		g.Go(func() error {
			pr, err := c.fetchPair(gctx, pair)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				c.logger.Debug().Err(err).Str("pair", pair.String()).Msg("competitor pair failed")
				lastErr = err
				if _, limited := IsRateLimited(err); limited {
					rateLimited = err
				}
				return nil
			}
			out[pair] = pr
			return nil
		})
	}
	_ = g.Wait()

	c.logger.Info().Int("requested", len(pairs)).Int("succeeded", len(out)).Msg("competitor rates fetched")

	if rateLimited != nil {
		return out, rateLimited
	}
	if len(out) == 0 && lastErr != nil {
		return nil, lastErr
	}
	return out, nil
}

func (c *Competitor) fetchPair(ctx context.Context, pair Pair) (PairRate, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return PairRate{}, transportError(sourceCompetitor, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	var reqPayload competitorRequest
	reqPayload.CurrencyFrom.Label = pair.From
	reqPayload.CurrencyTo.Label = pair.To

	body, err := json.Marshal(reqPayload)
	if err != nil {
		return PairRate{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.BaseURL, bytes.NewReader(body))
	if err != nil {
		return PairRate{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return PairRate{}, transportError(sourceCompetitor, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return PairRate{}, transportError(sourceCompetitor, err)
	}
	if resp.StatusCode != http.StatusOK {
		return PairRate{}, parseHTTPError(sourceCompetitor, resp, payload)
	}

	var res competitorResponse
	if err := json.Unmarshal(payload, &res); err != nil {
		return PairRate{}, malformed(sourceCompetitor, err)
	}
	if !res.Success {
		return PairRate{}, empty(sourceCompetitor, "unsuccessful response for "+pair.String())
	}

	pr := PairRate{Provider: res.Provider, RateType: res.RateType}
	if delta := float64(res.OvernightPercentChange); !math.IsNaN(delta) && !math.IsInf(delta, 0) {
		pr.OvernightDelta = delta
	}
	if v, ok := rates.FromFloat(float64(res.Rate)); ok {
		pr.Rate = v
	}
	if v, ok := rates.FromFloat(float64(res.ReversedRate)); ok {
		pr.ReversedRate = v
	}
	if !pr.Rate.IsPositive() && !pr.ReversedRate.IsPositive() {
		return PairRate{}, empty(sourceCompetitor, "no usable rate for "+pair.String())
	}
	return pr, nil
}

func pairCodes(codes []string) []string {
	seen := make(map[string]struct{}, len(codes))
	out := make([]string, 0, len(codes))
	for _, c := range codes {
		code := rates.NormalizeCode(c)
		if code == "" || code == localCurrency {
			continue
		}
		if _, dup := seen[code]; dup {
			continue
		}
		seen[code] = struct{}{}
		out = append(out, code)
	}
	sort.Strings(out)
	return out
}

type competitorRequest struct {
	CurrencyFrom struct {
		Label string `json:"label"`
	} `json:"currencyFrom"`
	CurrencyTo struct {
		Label string `json:"label"`
	} `json:"currencyTo"`
}

type competitorResponse struct {
	Success                bool      `json:"success"`
	Rate                   flexFloat `json:"rate"`
	RateAfterSpread        flexFloat `json:"rateAfterSpread"`
	ReversedRate           flexFloat `json:"reversedRate"`
	UnitSpread             flexFloat `json:"unitSpread"`
	Provider               string    `json:"provider"`
	RateType               string    `json:"rateType"`
	OvernightPercentChange flexFloat `json:"overnightPercentChange"`
}

var _ CompetitorFetcher = (*Competitor)(nil)

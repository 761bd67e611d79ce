package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"fx-cost-desk/internal/cache"
	"fx-cost-desk/internal/rates"
)

const sourceFXAPI = "fxapi"

// FXAPIOptions parameterise the currency conversion fetcher.
type FXAPIOptions struct {
	BaseURL  string
	APIKey   string
	Timeout  time.Duration
	CacheTTL time.Duration
}

// FXAPI fetches reference rates against USD, cached in its own cache for CacheTTL.
type FXAPI struct {
	opts   FXAPIOptions
	cache  *cache.Cache
	logger zerolog.Logger
	client *http.Client
}

// NewFXAPI builds the fetcher. c may be nil to disable caching.
func NewFXAPI(opts FXAPIOptions, c *cache.Cache, logger zerolog.Logger) *FXAPI {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 30 * time.Minute
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	if opts.BaseURL == "" {
		opts.BaseURL = "https://api.currencyapi.com/v3"
	}

	return &FXAPI{
		opts:   opts,
		cache:  c,
		logger: logger.With().Str("component", "fxapi_fetcher").Logger(),
		client: &http.Client{Timeout: opts.Timeout},
	}
}

// FetchReference returns each requested code's value against USD. USD is
// always present and pinned to one.
func (f *FXAPI) FetchReference(ctx context.Context, codes []string) (rates.ReferenceRates, error) {
	wanted := normalizeCodes(codes)
	key := "fxapi:" + strings.Join(wanted, ",")

	if f.cache != nil {
		var cached map[string]string
		if f.cache.Get(ctx, key, &cached) {
			if ref, ok := decodeCached(cached); ok {
				f.logger.Debug().Str("key", key).Msg("reference rates served from cache")
				return ref, nil
			}
		}
	}

	ref, err := f.fetch(ctx, wanted)
	if err != nil {
		return nil, err
	}

	if f.cache != nil {
		encoded := make(map[string]string, len(ref))
		for code, v := range ref {
			encoded[code] = v.String()
		}
		if err := f.cache.Set(ctx, key, encoded, f.opts.CacheTTL); err != nil {
			f.logger.Warn().Err(err).Msg("failed to cache reference rates")
		}
	}
	return ref, nil
}

func (f *FXAPI) fetch(ctx context.Context, codes []string) (rates.ReferenceRates, error) {
	if f.opts.APIKey == "" {
		return nil, errors.New("fxapi api key not configured")
	}

	ctx, cancel := context.WithTimeout(ctx, f.opts.Timeout)
	defer cancel()

	query := url.Values{}
	query.Set("apikey", f.opts.APIKey)
	query.Set("base_currency", rates.Base)
	query.Set("currencies", strings.Join(codes, ","))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.opts.BaseURL+"/latest?"+query.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, transportError(sourceFXAPI, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transportError(sourceFXAPI, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, parseHTTPError(sourceFXAPI, resp, payload)
	}

	var res struct {
		Data map[string]json.RawMessage `json:"data"`
		Meta struct {
			LastUpdatedAt string `json:"last_updated_at"`
		} `json:"meta"`
	}
	if err := json.Unmarshal(payload, &res); err != nil {
		return nil, malformed(sourceFXAPI, err)
	}

	ref := rates.ReferenceRates{}
	for code, raw := range res.Data {
		v, err := decodeRateValue(raw)
		if err != nil {
			f.logger.Warn().Err(err).Str("currency", code).Msg("skipping malformed reference rate")
			continue
		}
		if d, ok := rates.FromFloat(v); ok {
			ref[rates.NormalizeCode(code)] = d
		}
	}

	ref = ref.Clone()
	if len(ref) <= 1 && len(codes) > 0 {
		return nil, empty(sourceFXAPI, "no usable reference rates in response")
	}

	f.logger.Info().Int("currencies", len(ref)).Str("last_updated_at", res.Meta.LastUpdatedAt).Msg("reference rates fetched")
	return ref, nil
}

// decodeRateValue accepts both `"EUR": 0.92` and `"EUR": {"value": 0.92}`.
func decodeRateValue(raw json.RawMessage) (float64, error) {
	var v flexFloat
	if err := json.Unmarshal(raw, &v); err == nil {
		return float64(v), nil
	}
	var obj struct {
		Value flexFloat `json:"value"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return 0, fmt.Errorf("decode rate value: %w", err)
	}
	return float64(obj.Value), nil
}

func decodeCached(m map[string]string) (rates.ReferenceRates, bool) {
	if len(m) == 0 {
		return nil, false
	}
	ref := make(rates.ReferenceRates, len(m))
	for code, s := range m {
		v, err := decimal.NewFromString(s)
		if err != nil || !v.IsPositive() {
			return nil, false
		}
		ref[code] = v
	}
	return ref.Clone(), true
}

func normalizeCodes(codes []string) []string {
	seen := make(map[string]struct{}, len(codes))
	out := make([]string, 0, len(codes))
	for _, c := range codes {
		code := rates.NormalizeCode(c)
		if code == "" || code == rates.Base {
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

var _ ReferenceFetcher = (*FXAPI)(nil)

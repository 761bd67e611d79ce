package fetcher

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func competitorServer(t *testing.T, handle func(from, to string, w http.ResponseWriter)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req competitorRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("解析请求体失败: %v", err)
		}
		handle(req.CurrencyFrom.Label, req.CurrencyTo.Label, w)
	}))
}

func TestCompetitorPartialFailure(t *testing.T) {
	failing := map[string]bool{"NGN-EUR": true, "GBP-NGN": true, "CAD-NGN": true}
	srv := competitorServer(t, func(from, to string, w http.ResponseWriter) {
		if failing[from+"-"+to] {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"success": true, "rate": 1600.5, "reversedRate": 1550.25, "provider": "p"})
	})
	defer srv.Close()

	c := NewCompetitor(CompetitorOptions{BaseURL: srv.URL, Timeout: time.Second, Concurrency: 3}, noopLogger())
	got, err := c.FetchAll(context.Background(), []string{"USD", "EUR", "GBP", "CAD"})
	if err != nil {
		t.Fatalf("部分失败不应返回错误: %v", err)
	}
	if len(got) != 5 {
		t.Fatalf("期望 5 个成功 pair, 实际 %d", len(got))
	}
	for pair := range failing {
		for k := range got {
			if k.String() == pair {
				t.Fatalf("失败的 pair %s 不应出现在结果中", pair)
			}
		}
	}

	buy, sell, hasBuy, hasSell := got.Quote("EUR")
	if !hasBuy || hasSell {
		t.Fatalf("EUR 应只有 buy: hasBuy=%v hasSell=%v", hasBuy, hasSell)
	}
	if !buy.Equal(decimal.RequireFromString("1600.5")) || !sell.IsZero() {
		t.Fatalf("EUR buy/sell 不正确: %s/%s", buy, sell)
	}
}

func TestCompetitorAllFailed(t *testing.T) {
	srv := competitorServer(t, func(from, to string, w http.ResponseWriter) {
		_ = json.NewEncoder(w).Encode(map[string]any{"success": false})
	})
	defer srv.Close()

	c := NewCompetitor(CompetitorOptions{BaseURL: srv.URL, Timeout: time.Second}, noopLogger())
	if _, err := c.FetchAll(context.Background(), []string{"USD"}); err == nil {
		t.Fatal("全部失败应返回错误")
	}
}

func TestCompetitorRateLimited(t *testing.T) {
	srv := competitorServer(t, func(from, to string, w http.ResponseWriter) {
		if to == "NGN" {
			w.Header().Set("Retry-After", "120")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"success": true, "rate": 0.0006, "reversedRate": 1560})
	})
	defer srv.Close()

	c := NewCompetitor(CompetitorOptions{BaseURL: srv.URL, Timeout: time.Second}, noopLogger())
	got, err := c.FetchAll(context.Background(), []string{"USD"})
	wait, limited := IsRateLimited(err)
	if !limited || wait != 2*time.Minute {
		t.Fatalf("应返回限流错误及 Retry-After: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("限流时仍应返回已成功的 pair, 实际 %d", len(got))
	}
}

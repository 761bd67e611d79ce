package fetcher

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"fx-cost-desk/internal/cache"
)

func TestFXAPIMissingKey(t *testing.T) {
	f := NewFXAPI(FXAPIOptions{BaseURL: "http://localhost"}, nil, noopLogger())
	if _, err := f.FetchReference(context.Background(), []string{"EUR"}); err == nil {
		t.Fatal("缺少 api key 应报错")
	}
}

func TestFXAPIFetchAndCache(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.URL.Path != "/latest" {
			t.Fatalf("路径应为 /latest, 实际 %s", r.URL.Path)
		}
		if r.URL.Query().Get("apikey") != "secret" {
			t.Fatalf("apikey 未传递")
		}
		if r.URL.Query().Get("currencies") != "CAD,EUR,GBP" {
			t.Fatalf("currencies 参数不正确: %s", r.URL.Query().Get("currencies"))
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{
				"EUR": 0.88,
				"GBP": map[string]any{"code": "GBP", "value": 0.79},
				"CAD": "1.36",
			},
			"meta": map[string]any{"last_updated_at": "2024-01-01T00:00:00Z"},
		})
	}))
	defer srv.Close()

	c := cache.New(nil, noopLogger())
	f := NewFXAPI(FXAPIOptions{BaseURL: srv.URL, APIKey: "secret", Timeout: time.Second}, c, noopLogger())

	ref, err := f.FetchReference(context.Background(), []string{"USD", "eur", "GBP", "CAD", "EUR"})
	if err != nil {
		t.Fatalf("不应报错: %v", err)
	}
	if !ref["USD"].Equal(decimal.NewFromInt(1)) {
		t.Fatalf("USD 应固定为 1, 实际 %s", ref["USD"])
	}
	if !ref["EUR"].Equal(decimal.RequireFromString("0.88")) || !ref["GBP"].Equal(decimal.RequireFromString("0.79")) || !ref["CAD"].Equal(decimal.RequireFromString("1.36")) {
		t.Fatalf("汇率解析不正确: %v", ref)
	}

	if _, err := f.FetchReference(context.Background(), []string{"GBP", "EUR", "CAD"}); err != nil {
		t.Fatalf("缓存命中不应报错: %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("第二次应命中缓存, 实际请求 %d 次", calls.Load())
	}
}

func TestFXAPIEmptyData(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{"EUR": 0}})
	}))
	defer srv.Close()

	f := NewFXAPI(FXAPIOptions{BaseURL: srv.URL, APIKey: "k", Timeout: time.Second}, nil, noopLogger())
	if _, err := f.FetchReference(context.Background(), []string{"EUR"}); KindOf(err) != KindEmpty {
		t.Fatalf("无有效汇率应返回 empty, 实际 %v", err)
	}
}

func TestFXAPIMalformed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html>"))
	}))
	defer srv.Close()

	f := NewFXAPI(FXAPIOptions{BaseURL: srv.URL, APIKey: "k", Timeout: time.Second}, nil, noopLogger())
	if _, err := f.FetchReference(context.Background(), []string{"EUR"}); KindOf(err) != KindMalformed {
		t.Fatalf("非 JSON 应返回 malformed, 实际 %v", err)
	}
}

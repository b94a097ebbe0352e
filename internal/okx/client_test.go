package okx

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	appconfig "coindash/config"
)

func testClient(baseURL string) *Client {
	return NewClient(appconfig.OkxSourceConfig{
		BaseURL:  baseURL,
		InstType: "SPOT",
		Timeout:  time.Second,
		ConnectionPool: appconfig.ConnectionPoolConfig{
			MaxIdleConns:    1,
			MaxConnsPerHost: 1,
			IdleConnTimeout: time.Second,
		},
	})
}

func TestGetInstruments(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v5/public/instruments" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.URL.Query().Get("instType") != "SPOT" {
			t.Errorf("unexpected instType: %s", r.URL.Query().Get("instType"))
		}
		w.Write([]byte(`{"code":"0","msg":"","data":[{"instId":"BTC-USDT","baseCcy":"BTC","quoteCcy":"USDT","state":"live"}]}`))
	}))
	defer srv.Close()

	instruments, err := testClient(srv.URL).GetInstruments(context.Background())
	if err != nil {
		t.Fatalf("GetInstruments failed: %v", err)
	}
	if len(instruments) != 1 || instruments[0].InstID != "BTC-USDT" || instruments[0].State != "live" {
		t.Fatalf("unexpected instruments: %+v", instruments)
	}
}

func TestGetTickersFiltersAndPreservesRequestOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":"0","msg":"","data":[
			{"instId":"DOGE-USDT","last":"0.1","open24h":"0.09","vol24h":"10","ts":"1700000000000"},
			{"instId":"ETH-USDT","last":"2000","open24h":"1900","vol24h":"50","ts":"1700000000000"},
			{"instId":"BTC-USDT","last":"50000","open24h":"49000","vol24h":"100","ts":"1700000000000"}
		]}`))
	}))
	defer srv.Close()

	tickers, err := testClient(srv.URL).GetTickers(context.Background(), []string{"BTC-USDT", "ETH-USDT", "XRP-USDT"})
	if err != nil {
		t.Fatalf("GetTickers failed: %v", err)
	}
	if len(tickers) != 2 {
		t.Fatalf("expected 2 tickers, got %d", len(tickers))
	}
	if tickers[0].InstID != "BTC-USDT" || tickers[1].InstID != "ETH-USDT" {
		t.Fatalf("request order not preserved: %+v", tickers)
	}
}

func TestStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).GetSupportedTickers(context.Background())
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if statusErr.Code != http.StatusTooManyRequests {
		t.Fatalf("unexpected status code: %d", statusErr.Code)
	}
}

func TestAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":"50013","msg":"System busy","data":[]}`))
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).GetInstruments(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Code != "50013" {
		t.Fatalf("unexpected api code: %s", apiErr.Code)
	}
}

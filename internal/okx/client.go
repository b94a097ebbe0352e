package okx

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	appconfig "coindash/config"
	"coindash/logger"
)

// Client issues REST requests against the OKX v5 public market endpoints.
// It returns raw typed records; classification of transport failures and
// validation of field contents happen upstream.
type Client struct {
	httpClient *http.Client
	baseURL    string
	instType   string
	log        *logger.Log
}

// NewClient builds a Client from the OKX source configuration.
func NewClient(cfg appconfig.OkxSourceConfig) *Client {
	transport := &http.Transport{
		MaxIdleConns:        cfg.ConnectionPool.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.ConnectionPool.MaxIdleConns,
		MaxConnsPerHost:     cfg.ConnectionPool.MaxConnsPerHost,
		IdleConnTimeout:     cfg.ConnectionPool.IdleConnTimeout,
		DisableCompression:  false,
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	instType := cfg.InstType
	if instType == "" {
		instType = "SPOT"
	}

	return &Client{
		httpClient: &http.Client{
			Transport: userAgentTransport{agent: cfg.UserAgent, base: transport},
			Timeout:   timeout,
		},
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		instType: instType,
		log:      logger.GetLogger(),
	}
}

// GetInstruments fetches the instrument list for the configured instrument type.
func (c *Client) GetInstruments(ctx context.Context) ([]Instrument, error) {
	endpoint := fmt.Sprintf("%s/api/v5/public/instruments?instType=%s", c.baseURL, url.QueryEscape(c.instType))
	return doList[Instrument](ctx, c, endpoint, "instruments")
}

// GetTickers fetches 24h tickers for the requested symbols. The exchange
// returns the full ticker table per instrument type; the result is filtered
// down to the requested symbols preserving the order of the request.
func (c *Client) GetTickers(ctx context.Context, symbols []string) ([]Ticker, error) {
	all, err := c.GetSupportedTickers(ctx)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]Ticker, len(all))
	for _, t := range all {
		byID[t.InstID] = t
	}

	tickers := make([]Ticker, 0, len(symbols))
	for _, sym := range symbols {
		if t, ok := byID[sym]; ok {
			tickers = append(tickers, t)
		}
	}
	return tickers, nil
}

// GetSupportedTickers fetches the full ticker table for the configured
// instrument type.
func (c *Client) GetSupportedTickers(ctx context.Context) ([]Ticker, error) {
	endpoint := fmt.Sprintf("%s/api/v5/market/tickers?instType=%s", c.baseURL, url.QueryEscape(c.instType))
	return doList[Ticker](ctx, c, endpoint, "tickers")
}

func doList[T any](ctx context.Context, c *Client, endpoint, operation string) ([]T, error) {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", operation, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", operation, err)
	}
	defer resp.Body.Close()

	log := c.log.WithComponent("okx_client")
	logger.LogPerformanceEntry(log, "okx_client", operation, time.Since(start), nil)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Code: resp.StatusCode, Status: resp.Status}
	}

	var payload apiResponse[T]
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", operation, err)
	}

	if payload.Code != "0" {
		return nil, &APIError{Code: payload.Code, Msg: payload.Msg}
	}

	logger.RecordStreamMessage(operation+"_rest", len(payload.Data))
	return payload.Data, nil
}

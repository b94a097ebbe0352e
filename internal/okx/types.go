package okx

import "fmt"

// apiResponse is the OKX v5 REST envelope. A non-zero code signals an
// API-level failure even when HTTP reports 200.
type apiResponse[T any] struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
	Data []T    `json:"data"`
}

// Instrument is the raw instrument record as returned by
// /api/v5/public/instruments. Fields stay strings; validation and numeric
// parsing happen in the mapper.
type Instrument struct {
	InstID   string `json:"instId"`
	BaseCcy  string `json:"baseCcy"`
	QuoteCcy string `json:"quoteCcy"`
	State    string `json:"state"`
}

// Ticker is the raw 24h ticker record as returned by /api/v5/market/tickers.
type Ticker struct {
	InstID    string `json:"instId"`
	Last      string `json:"last"`
	Open24h   string `json:"open24h"`
	Vol24h    string `json:"vol24h"`
	VolCcy24h string `json:"volCcy24h"`
	Ts        string `json:"ts"`
}

// StatusError reports a non-2xx HTTP response from the exchange.
type StatusError struct {
	Code   int
	Status string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("okx: unexpected status %s", e.Status)
}

// APIError reports an OKX envelope with a non-zero result code.
type APIError struct {
	Code string
	Msg  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("okx: api error code=%s msg=%s", e.Code, e.Msg)
}

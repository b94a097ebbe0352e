package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"

	"coindash/internal/mapper"
	"coindash/internal/okx"
)

// ErrOffline is returned when operations are suspended pending externally
// confirmed connectivity.
var ErrOffline = errors.New("supervisor offline: network attempts suspended")

// FailureKind classifies an operation failure for retry and offline decisions.
type FailureKind int

const (
	KindUnknown FailureKind = iota
	KindNetwork             // no connectivity, DNS failure
	KindTimeout
	KindConnection // refused, reset, generic transport
	KindRateLimited
	KindServer     // HTTP 5xx or exchange-side envelope errors
	KindClientData // validation, mapping, HTTP 4xx
)

func (k FailureKind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindTimeout:
		return "timeout"
	case KindConnection:
		return "connection"
	case KindRateLimited:
		return "rate_limited"
	case KindServer:
		return "server"
	case KindClientData:
		return "client_data"
	default:
		return "unknown"
	}
}

// Retryable reports whether a failure of this kind is eligible for retry.
// Rate-limited failures are retryable but carry a mandatory delay floor.
// Client data failures never retry; re-sending bad data cannot succeed.
func (k FailureKind) Retryable() bool {
	switch k {
	case KindTimeout, KindConnection, KindServer, KindRateLimited, KindNetwork:
		return true
	default:
		return false
	}
}

// Failure is the typed error surfaced to callers once retries are exhausted
// or when the failure is not retryable.
type Failure struct {
	Kind     FailureKind
	Err      error
	Attempts int
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s failure after %d attempt(s): %v", f.Kind, f.Attempts, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// Classify inspects an error chain and assigns a failure kind.
func Classify(err error) FailureKind {
	if err == nil {
		return KindUnknown
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return KindNetwork
	}

	if errors.Is(err, syscall.ENETUNREACH) || errors.Is(err, syscall.ENETDOWN) || errors.Is(err, syscall.EHOSTUNREACH) {
		return KindNetwork
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}

	var statusErr *okx.StatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.Code == http.StatusTooManyRequests:
			return KindRateLimited
		case statusErr.Code >= 500:
			return KindServer
		default:
			return KindClientData
		}
	}

	// Exchange envelope errors are server-side conditions ("system busy").
	var apiErr *okx.APIError
	if errors.As(err, &apiErr) {
		return KindServer
	}

	var mapErr *mapper.MappingError
	if errors.As(err, &mapErr) {
		return KindClientData
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return KindConnection
	}

	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return KindConnection
	}

	return KindUnknown
}

// ShouldGoOffline reports whether a failure indicates the network itself is
// gone, as opposed to the exchange misbehaving. API and data errors never
// flip the engine offline. Exposed for callers mirroring the decision.
func ShouldGoOffline(err error) bool {
	return Classify(err) == KindNetwork
}

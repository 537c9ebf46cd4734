package canonical

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// FailureKind is the closed set of dispatch failure classes adapters may
// report. The router never sees a raw upstream error.
type FailureKind string

const (
	FailureTimeout   FailureKind = "timeout"
	FailureRateLimit FailureKind = "rate_limited"
	FailureAuth      FailureKind = "auth"
	FailureUpstream  FailureKind = "upstream_error"
	FailureMalformed FailureKind = "malformed_response"
	FailureNetwork   FailureKind = "network"
)

// ProviderError wraps an upstream failure with its classified kind and
// the provider that produced it.
type ProviderError struct {
	Provider string
	Kind     FailureKind
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Provider, e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

func NewProviderError(provider string, kind FailureKind, err error) *ProviderError {
	return &ProviderError{Provider: provider, Kind: kind, Err: err}
}

// ClassifyTransportError maps a client-side HTTP error (no response
// received) onto the failure set.
func ClassifyTransportError(provider string, err error) *ProviderError {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &ProviderError{Provider: provider, Kind: FailureTimeout, Err: err}
	case errors.Is(err, context.Canceled):
		return &ProviderError{Provider: provider, Kind: FailureTimeout, Err: err}
	default:
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return &ProviderError{Provider: provider, Kind: FailureTimeout, Err: err}
		}
		return &ProviderError{Provider: provider, Kind: FailureNetwork, Err: err}
	}
}

// ClassifyStatus maps a non-2xx upstream status onto the failure set.
func ClassifyStatus(provider string, status int, body string) *ProviderError {
	err := fmt.Errorf("upstream status %d: %s", status, body)
	switch {
	case status == 401 || status == 403:
		return &ProviderError{Provider: provider, Kind: FailureAuth, Err: err}
	case status == 429:
		return &ProviderError{Provider: provider, Kind: FailureRateLimit, Err: err}
	case status >= 500:
		return &ProviderError{Provider: provider, Kind: FailureUpstream, Err: err}
	default:
		return &ProviderError{Provider: provider, Kind: FailureMalformed, Err: err}
	}
}

package llms

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies provider failures into the common kind set every
// adapter must translate into.
type ErrorKind string

const (
	ErrKindAuth      ErrorKind = "auth"
	ErrKindRateLimit ErrorKind = "rate_limit"
	ErrKindBadReq    ErrorKind = "bad_request"
	ErrKindTimeout   ErrorKind = "timeout"
	ErrKindUpstream  ErrorKind = "upstream"
	ErrKindMalformed ErrorKind = "malformed_response"
)

// ProviderError is the common error shape surfaced by all adapters.
type ProviderError struct {
	Provider string
	Kind     ErrorKind
	Status   int
	Message  string
	Err      error
}

func (e *ProviderError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: %s (HTTP %d): %s", e.Provider, e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Provider, e.Kind, e.Message)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// kindFromStatus maps an upstream HTTP status to an ErrorKind.
func kindFromStatus(status int) ErrorKind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrKindAuth
	case status == http.StatusTooManyRequests:
		return ErrKindRateLimit
	case status >= 400 && status < 500:
		return ErrKindBadReq
	default:
		return ErrKindUpstream
	}
}

// wrapTransportError classifies a transport-level failure.
func wrapTransportError(provider string, err error) *ProviderError {
	kind := ErrKindUpstream
	if errors.Is(err, context.DeadlineExceeded) {
		kind = ErrKindTimeout
	}
	return &ProviderError{
		Provider: provider,
		Kind:     kind,
		Message:  err.Error(),
		Err:      err,
	}
}

// statusError builds a ProviderError from an upstream error response body.
func statusError(provider string, status int, body string) *ProviderError {
	return &ProviderError{
		Provider: provider,
		Kind:     kindFromStatus(status),
		Status:   status,
		Message:  body,
	}
}

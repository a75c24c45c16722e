package channel

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/capitalize-ai/handover-engine/internal/model"
)

// ErrorKind classifies delivery failures.
type ErrorKind string

const (
	RateLimited   ErrorKind = "rate_limited"
	AuthFailed    ErrorKind = "auth_failed"
	NetworkError  ErrorKind = "network_error"
	InvalidTarget ErrorKind = "invalid_target"
)

// DeliveryError is the typed failure returned by Adapter.Send.
type DeliveryError struct {
	Kind    ErrorKind
	Channel model.Channel
	Err     error
}

func (e *DeliveryError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s delivery failed: %s", e.Channel, e.Kind)
	}
	return fmt.Sprintf("%s delivery failed: %s: %v", e.Channel, e.Kind, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Retryable reports whether the failure is transient.
func (e *DeliveryError) Retryable() bool {
	return e.Kind == RateLimited || e.Kind == NetworkError
}

// NewDeliveryError builds a DeliveryError.
func NewDeliveryError(ch model.Channel, kind ErrorKind, err error) *DeliveryError {
	return &DeliveryError{Kind: kind, Channel: ch, Err: err}
}

// AsDeliveryError extracts a DeliveryError. Unknown errors become NetworkError
// so they are never treated as success.
func AsDeliveryError(ch model.Channel, err error) *DeliveryError {
	if err == nil {
		return nil
	}
	var de *DeliveryError
	if errors.As(err, &de) {
		return de
	}
	return FromTransport(ch, err)
}

// FromTransport maps a transport error, including context expiry, to NetworkError.
func FromTransport(ch model.Channel, err error) *DeliveryError {
	if errors.Is(err, context.DeadlineExceeded) {
		return NewDeliveryError(ch, NetworkError, fmt.Errorf("provider call timed out: %w", err))
	}
	return NewDeliveryError(ch, NetworkError, err)
}

// FromHTTPStatus maps a provider HTTP status to a delivery error. It returns
// nil for 2xx codes.
func FromHTTPStatus(ch model.Channel, status int, body string) *DeliveryError {
	if status >= 200 && status < 300 {
		return nil
	}
	err := fmt.Errorf("provider returned %d: %s", status, body)
	switch {
	case status == http.StatusTooManyRequests:
		return NewDeliveryError(ch, RateLimited, err)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return NewDeliveryError(ch, AuthFailed, err)
	case status >= 400 && status < 500:
		return NewDeliveryError(ch, InvalidTarget, err)
	default:
		return NewDeliveryError(ch, NetworkError, err)
	}
}

// failed builds the result/error pair for a failed send.
func failed(de *DeliveryError) (DeliveryResult, error) {
	status := StatusProviderError
	if de.Kind == InvalidTarget || de.Kind == AuthFailed {
		status = StatusRejected
	}
	reason := string(de.Kind)
	if de.Err != nil {
		reason = de.Err.Error()
	}
	return DeliveryResult{Status: status, Reason: reason}, de
}

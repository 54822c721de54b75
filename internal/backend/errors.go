package backend

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrNoCredential is returned when no credential is stored for a provider.
var ErrNoCredential = errors.New("backend: no credential configured")

// Kind is the failure taxonomy used for metrics and logging.
type Kind string

const (
	KindConfiguration Kind = "configuration"
	KindTransient     Kind = "transient"
	KindBackend       Kind = "backend"
	KindEncoding      Kind = "encoding"
	KindUnknown       Kind = "unknown"
)

// NetworkError is a transient transport failure. Adapters may retry these.
type NetworkError struct {
	Reason  string
	Timeout bool
	Err     error
}

func (e *NetworkError) Error() string {
	if e.Timeout {
		return "network error: request timeout: " + e.Reason
	}
	return "network error: " + e.Reason
}

func (e *NetworkError) Unwrap() error { return e.Err }

// BackendError is a failure reported by the provider itself.
type BackendError struct {
	StatusCode int
	Message    string
}

func (e *BackendError) Error() string {
	if e.StatusCode == 0 {
		return "backend error: " + e.Message
	}
	return fmt.Sprintf("backend error: HTTP %d: %s", e.StatusCode, e.Message)
}

// HTTPStatusCode exposes the upstream status for callers that only care
// about the code.
func (e *BackendError) HTTPStatusCode() int { return e.StatusCode }

// ModelNotFound reports whether the provider rejected the requested model.
func (e *BackendError) ModelNotFound() bool {
	msg := strings.ToLower(e.Message)
	if !strings.Contains(msg, "model") && e.StatusCode != 404 {
		return false
	}
	return strings.Contains(msg, "not found") ||
		strings.Contains(msg, "does not exist") ||
		strings.Contains(msg, "not supported") ||
		e.StatusCode == 404
}

// EncodingError means the request body could not be built.
type EncodingError struct {
	Err error
}

func (e *EncodingError) Error() string { return "encoding error: " + e.Err.Error() }

func (e *EncodingError) Unwrap() error { return e.Err }

// Classify maps any adapter error onto the failure taxonomy.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}
	var (
		netErr  *NetworkError
		bErr    *BackendError
		encErr  *EncodingError
		dnsErr  *net.DNSError
		opErr   *net.OpError
		timeout interface{ Timeout() bool }
	)
	switch {
	case errors.Is(err, ErrNoCredential):
		return KindConfiguration
	case errors.As(err, &encErr):
		return KindEncoding
	case errors.As(err, &bErr):
		return KindBackend
	case errors.As(err, &netErr),
		errors.Is(err, context.DeadlineExceeded),
		errors.As(err, &dnsErr),
		errors.As(err, &opErr):
		return KindTransient
	case errors.As(err, &timeout) && timeout.Timeout():
		return KindTransient
	default:
		return KindUnknown
	}
}

// IsTimeout reports whether err is a timeout of any flavour.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	var netErr *NetworkError
	if errors.As(err, &netErr) && netErr.Timeout {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}

// Describe renders err the way it is shown to the user in a tagged response.
func Describe(err error) string {
	switch {
	case errors.Is(err, ErrNoCredential):
		return "No API key found. Please add your API key in settings."
	case IsTimeout(err) && !isNetworkError(err):
		return "Request timed out. Please try again."
	default:
		return err.Error()
	}
}

func isNetworkError(err error) bool {
	var netErr *NetworkError
	return errors.As(err, &netErr)
}

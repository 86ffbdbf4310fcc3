// Package reliability classifies failures for the manual retry hint shown to
// users. Nothing in parley retries on its own.
package reliability

import (
	"context"
	"errors"
	"net"

	"github.com/antoniostano/parley/internal/fault"
)

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// Retryable reports whether repeating the failed operation unchanged may
// succeed. Rejections (bad credentials, denied microphone, malformed answers)
// are not retryable; overload, timeouts and lost connections are.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var fe *fault.Error
	if errors.As(err, &fe) && fe.Status != 0 {
		return IsRetryableHTTPStatus(fe.Status)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	return fault.Is(err, fault.KindTransport)
}

// Package fault classifies the failures a voice session can surface.
package fault

import (
	"errors"
	"fmt"
	"strings"
)

// Kind is a short machine-readable failure class.
type Kind string

const (
	KindUnknown Kind = "unknown"

	// KindMediaAccess: capture permission denied or no usable device.
	KindMediaAccess Kind = "media_access"
	// KindCredential: backend misconfiguration, network failure or a non-success
	// credential response.
	KindCredential Kind = "credential"
	// KindNegotiation: malformed or rejected offer/answer exchange.
	KindNegotiation Kind = "negotiation"
	// KindTransport: unexpected loss of an established session.
	KindTransport Kind = "transport"
)

// Error is a classified failure. Status and Body are set when the failure came
// from an HTTP exchange; Body holds the peer's raw response text.
type Error struct {
	Kind   Kind
	Op     string
	Status int
	Body   string
	Err    error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Op != "" {
		b.WriteString(": ")
		b.WriteString(e.Op)
	}
	if e.Status != 0 {
		fmt.Fprintf(&b, ": status %d", e.Status)
	}
	if e.Body != "" {
		b.WriteString(": ")
		b.WriteString(e.Body)
	} else if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a classified error.
func New(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// HTTP creates a classified error for a non-success HTTP response.
func HTTP(kind Kind, op string, status int, body string) error {
	return &Error{Kind: kind, Op: op, Status: status, Body: strings.TrimSpace(body)}
}

// Wrap classifies err (no-op if err is nil or already classified).
func Wrap(err error, kind Kind, op string) error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return err
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the failure class, if present.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}

// Is reports whether err carries the given class.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

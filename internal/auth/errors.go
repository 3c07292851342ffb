package auth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"syscall"
)

// Kind classifies a failed call to the authority.
type Kind int

const (
	KindUnknown Kind = iota
	// KindTransientNetwork covers connection resets, timeouts, DNS failures,
	// refused connections and dropped sockets. Retried with a fixed delay.
	KindTransientNetwork
	// KindBackendUnavailable means the health probe failed. Never retried.
	KindBackendUnavailable
	// KindUnauthorized is a 403 from the authority. Terminal.
	KindUnauthorized
	// KindSessionExpired is a 401. Verify renews the session once.
	KindSessionExpired
	// KindValidation is a malformed local request.
	KindValidation
)

func (k Kind) String() string {
	switch k {
	case KindTransientNetwork:
		return "transient_network"
	case KindBackendUnavailable:
		return "backend_unavailable"
	case KindUnauthorized:
		return "unauthorized"
	case KindSessionExpired:
		return "session_expired"
	case KindValidation:
		return "validation"
	default:
		return "unknown"
	}
}

// Error is returned by every Client operation that talks to the authority.
type Error struct {
	Kind    Kind
	Status  int // HTTP status from the authority, 0 if none was received
	Message string
	Err     error
}

func (e *Error) Error() string { return e.Message }

func (e *Error) Unwrap() error { return e.Err }

// HTTPStatus maps the error to the status the control server answers with.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindTransientNetwork:
		return http.StatusServiceUnavailable
	case KindBackendUnavailable:
		return http.StatusBadGateway
	case KindUnauthorized:
		return http.StatusForbidden
	case KindValidation:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// KindOf returns the kind of err, KindUnknown if it is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// StatusOf returns the control server status for err.
func StatusOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.HTTPStatus()
	}
	return http.StatusInternalServerError
}

func newError(kind Kind, status int, format string, args ...any) *Error {
	return &Error{Kind: kind, Status: status, Message: fmt.Sprintf(format, args...)}
}

func kindForStatus(code int) Kind {
	switch code {
	case http.StatusUnauthorized:
		return KindSessionExpired
	case http.StatusForbidden:
		return KindUnauthorized
	default:
		return KindUnknown
	}
}

// transportError wraps an error from http.Client.Do.
func transportError(err error) *Error {
	kind := KindUnknown
	if isTransient(err) {
		kind = KindTransientNetwork
	}
	return &Error{Kind: kind, Message: err.Error(), Err: err}
}

func isTransient(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	for _, errno := range []error{syscall.ECONNRESET, syscall.ECONNREFUSED, syscall.ETIMEDOUT, syscall.EPIPE} {
		if errors.Is(err, errno) {
			return true
		}
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}
	// The server hung up before answering.
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}

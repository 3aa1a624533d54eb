package model

import (
	"errors"
	"net/http"
)

var (
	// ErrCredentialMissing is returned when a request carries neither a session cookie nor a bearer token.
	ErrCredentialMissing = errors.New("credential missing")

	// ErrInvalidSession is returned when the identity service rejects the credential.
	ErrInvalidSession = errors.New("invalid session")

	// ErrIdentityUnavailable is returned when the identity service cannot be reached.
	ErrIdentityUnavailable = errors.New("identity service unavailable")

	// ErrTransportKeyMissing is returned when no transport API key is configured.
	ErrTransportKeyMissing = errors.New("transport api key not configured")

	// ErrIssuanceFailed is returned when the transport vendor fails to mint a token.
	ErrIssuanceFailed = errors.New("token issuance failed")
)

// Kind classifies every failure that crosses the realtime boundary. The set
// is closed: callers switch on it instead of probing error shapes.
type Kind int

const (
	KindUnknown Kind = iota
	KindUnauthenticated
	KindServiceUnavailable
	KindConfiguration
	KindUpstreamIssuance
	KindTransportDisconnect
)

// String returns the kind name used in logs and audit records.
func (k Kind) String() string {
	switch k {
	case KindUnauthenticated:
		return "unauthenticated"
	case KindServiceUnavailable:
		return "service_unavailable"
	case KindConfiguration:
		return "configuration_error"
	case KindUpstreamIssuance:
		return "upstream_issuance_error"
	case KindTransportDisconnect:
		return "transport_disconnect"
	default:
		return "unknown"
	}
}

// HTTPStatus maps a kind onto the status code of the token endpoint.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindServiceUnavailable:
		return http.StatusServiceUnavailable
	case KindConfiguration:
		return http.StatusInternalServerError
	case KindUpstreamIssuance:
		return http.StatusBadGateway
	case KindTransportDisconnect:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether a client may retry automatically after this kind
// of failure. Authentication and configuration failures are terminal.
func (k Kind) Retryable() bool {
	switch k {
	case KindServiceUnavailable, KindUpstreamIssuance, KindTransportDisconnect:
		return true
	default:
		return false
	}
}

// KindFromStatus is the inverse of HTTPStatus, used by clients of the token endpoint.
func KindFromStatus(status int) Kind {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return KindUnauthenticated
	case http.StatusServiceUnavailable:
		return KindServiceUnavailable
	case http.StatusInternalServerError:
		return KindConfiguration
	case http.StatusBadGateway:
		return KindUpstreamIssuance
	default:
		return KindUnknown
	}
}

// Error is a classified failure. Message is safe to show to the caller; Err
// carries the underlying cause for logs.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a classified error.
func NewError(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf returns the kind of err, or KindUnknown when err is not classified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// MessageOf returns the caller-facing message of a classified error.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "Internal server error"
}

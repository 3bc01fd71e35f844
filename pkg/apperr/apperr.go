// Package apperr defines the error taxonomy shared by the pipeline.
//
// The kinds matter operationally: a Forbidden task callback must return 403
// so Cloud Tasks drops the delivery, while a Transient failure must return
// 5xx so the queue retries it.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind int

const (
	// Forbidden means the caller failed authentication or authorization.
	// Never retried.
	Forbidden Kind = iota
	// AuthorizationRevoked means the athlete's Strava grant is gone and a
	// human must re-connect. Never retried.
	AuthorizationRevoked
	// RateLimited means the Strava API returned 429. Retried by the queue.
	RateLimited
	// Transient covers infrastructure failures (network, Firestore, KMS).
	// Retried by the queue.
	Transient
	// NotFound means the referenced entity does not exist.
	NotFound
	// Geometry means a polyline or GeoJSON input could not be decoded.
	Geometry
)

func (k Kind) String() string {
	switch k {
	case Forbidden:
		return "forbidden"
	case AuthorizationRevoked:
		return "authorization_revoked"
	case RateLimited:
		return "rate_limited"
	case Transient:
		return "transient"
	case NotFound:
		return "not_found"
	case Geometry:
		return "geometry"
	default:
		return "unknown"
	}
}

// Error is a kinded error with an optional wrapped cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is makes errors.Is(err, &Error{Kind: k}) match on kind alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Msg == "" || t.Msg == e.Msg)
}

// New returns a kinded error.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf returns a kinded error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap returns a kinded error wrapping cause.
func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: cause}
}

// KindOf returns the kind of err, or Transient if err carries no kind.
// Unknown failures are treated as retryable rather than silently dropped.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Transient
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// HTTPStatus maps a kind to the response status of a task callback or API
// handler. Cloud Tasks retries on any 5xx and on 429; it drops on 2xx/4xx.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case Forbidden:
		return http.StatusForbidden
	case AuthorizationRevoked:
		// The task can never succeed without re-auth, so reply 200 and log.
		// Returning 4xx would still drop it, but 200 keeps queue alerting
		// quiet for a condition that is user-actionable, not operational.
		return http.StatusOK
	case RateLimited:
		return http.StatusTooManyRequests
	case NotFound:
		return http.StatusNotFound
	case Geometry:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

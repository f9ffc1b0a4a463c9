// Package davresult holds the error taxonomy shared by the protocol client,
// discovery and the reconciliation engine, together with small helpers for
// building mo.Result values that carry it.
package davresult

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/samber/mo"
)

// Kind classifies a failure.
type Kind int

const (
	KindUnexpected Kind = iota
	KindNetwork
	KindAuthenticationFailed
	KindPreconditionFailed
	KindAlreadyExists
	KindNotFound
	KindRateLimited
	KindLocked
	KindServerError
	KindMalformedResponse
	KindNoService
	KindCanceled
)

// String provides a human-readable representation of the Kind.
func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network-failure"
	case KindAuthenticationFailed:
		return "authentication-failed"
	case KindPreconditionFailed:
		return "precondition-failed"
	case KindAlreadyExists:
		return "already-exists"
	case KindNotFound:
		return "not-found"
	case KindRateLimited:
		return "rate-limited"
	case KindLocked:
		return "locked"
	case KindServerError:
		return "server-error"
	case KindMalformedResponse:
		return "malformed-response"
	case KindNoService:
		return "no-service"
	case KindCanceled:
		return "canceled"
	default:
		return "unexpected"
	}
}

// Retryable reports whether a later attempt may succeed without user action.
func (k Kind) Retryable() bool {
	switch k {
	case KindNetwork, KindRateLimited, KindLocked, KindServerError:
		return true
	default:
		return false
	}
}

// Sentinel errors, one per Kind. Use errors.Is(err, davresult.ErrNotFound).
var (
	ErrUnexpected           = errors.New("dav: unexpected failure")
	ErrNetwork              = errors.New("dav: network failure")
	ErrAuthenticationFailed = errors.New("dav: authentication failed")
	ErrPreconditionFailed   = errors.New("dav: precondition failed")
	ErrAlreadyExists        = errors.New("dav: resource already exists")
	ErrNotFound             = errors.New("dav: not found")
	ErrRateLimited          = errors.New("dav: rate limited")
	ErrLocked               = errors.New("dav: resource locked")
	ErrServerError          = errors.New("dav: server error")
	ErrMalformedResponse    = errors.New("dav: malformed response")
	ErrNoService            = errors.New("dav: no service found")
	ErrCanceled             = errors.New("dav: canceled")
)

var sentinels = map[Kind]error{
	KindUnexpected:           ErrUnexpected,
	KindNetwork:              ErrNetwork,
	KindAuthenticationFailed: ErrAuthenticationFailed,
	KindPreconditionFailed:   ErrPreconditionFailed,
	KindAlreadyExists:        ErrAlreadyExists,
	KindNotFound:             ErrNotFound,
	KindRateLimited:          ErrRateLimited,
	KindLocked:               ErrLocked,
	KindServerError:          ErrServerError,
	KindMalformedResponse:    ErrMalformedResponse,
	KindNoService:            ErrNoService,
	KindCanceled:             ErrCanceled,
}

// Error carries a Kind, the HTTP status that produced it (0 when the failure
// happened before a response arrived) and the operation name.
type Error struct {
	Kind       Kind
	StatusCode int
	Op         string
	Err        error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (HTTP %d)", msg, e.StatusCode)
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel of the error's Kind. AlreadyExists also matches
// ErrPreconditionFailed since it is the create-time form of a 412.
func (e *Error) Is(target error) bool {
	if target == sentinels[e.Kind] {
		return true
	}
	return e.Kind == KindAlreadyExists && target == ErrPreconditionFailed
}

// New builds an *Error.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// FromStatus builds an *Error for a non-success HTTP status.
func FromStatus(op string, status int) *Error {
	return &Error{Kind: Classify(status), StatusCode: status, Op: op}
}

// FromTransport classifies an error returned by http.Client.Do.
func FromTransport(op string, err error) *Error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindCanceled, Op: op, Err: err}
	}
	return &Error{Kind: KindNetwork, Op: op, Err: err}
}

// Classify maps an HTTP status code to a Kind. 2xx and 3xx codes map to
// KindUnexpected since callers only classify statuses they did not accept.
func Classify(status int) Kind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuthenticationFailed
	case status == http.StatusPreconditionFailed:
		return KindPreconditionFailed
	case status == http.StatusNotFound || status == http.StatusGone:
		return KindNotFound
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status == http.StatusLocked:
		return KindLocked
	case status >= http.StatusInternalServerError:
		return KindServerError
	default:
		return KindUnexpected
	}
}

// KindOf returns the Kind of err, KindUnexpected when err carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCanceled
	}
	return KindUnexpected
}

// StatusOf returns the HTTP status recorded in err, or 0.
func StatusOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode
	}
	return 0
}

// Ok wraps a value.
func Ok[T any](v T) mo.Result[T] {
	return mo.Ok(v)
}

// Fail wraps a new *Error of the given kind.
func Fail[T any](kind Kind, op string, err error) mo.Result[T] {
	return mo.Err[T](New(kind, op, err))
}

// Wrap turns err into a failed result, keeping an existing Kind and
// defaulting to KindUnexpected.
func Wrap[T any](op string, err error) mo.Result[T] {
	var e *Error
	if errors.As(err, &e) {
		return mo.Err[T](err)
	}
	return mo.Err[T](&Error{Kind: KindOf(err), Op: op, Err: err})
}

package gofile

import (
	"errors"
	"fmt"
	"io/fs"
)

// Kind classifies client errors so callers can map them to protocol
// status codes without matching on message strings.
type Kind int

const (
	// KindTransient covers network failures, timeouts and 5xx responses.
	// Transient errors are not retried by the client.
	KindTransient Kind = iota
	KindNotFound
	// KindUnauthorized means the bearer or website token was rejected, or
	// a folder password is required or wrong.
	KindUnauthorized
	KindForbidden
	KindQuotaExceeded
	KindRateLimited
	// KindInvalid marks a malformed or unexpected remote response.
	KindInvalid
	KindConflict
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindNotFound:
		return "not found"
	case KindUnauthorized:
		return "unauthorized"
	case KindForbidden:
		return "forbidden"
	case KindQuotaExceeded:
		return "quota exceeded"
	case KindRateLimited:
		return "rate limited"
	case KindInvalid:
		return "invalid response"
	case KindConflict:
		return "conflict"
	}
	return "unknown"
}

// Error is the error type returned by all Client operations.
type Error struct {
	Kind   Kind
	Op     string // client operation, e.g. "contents" or "upload"
	Status string // raw API status string, when the API returned one
	Err    error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Op != "" {
		return fmt.Sprintf("gofile: %s: %s", e.Op, msg)
	}
	return "gofile: " + msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is maps kinds onto the io/fs sentinel errors so that wrapped client
// errors satisfy errors.Is(err, fs.ErrNotExist) and friends.
func (e *Error) Is(target error) bool {
	switch target {
	case fs.ErrNotExist:
		return e.Kind == KindNotFound
	case fs.ErrPermission:
		return e.Kind == KindUnauthorized || e.Kind == KindForbidden
	case fs.ErrExist:
		return e.Kind == KindConflict
	}
	if t, ok := target.(*Error); ok {
		return e.Kind == t.Kind
	}
	return false
}

// KindOf returns the Kind carried by err, or KindTransient when err does
// not originate from this package.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindTransient
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, k Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == k
}

func errf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// kindForStatus maps a GoFile API status string to an error kind.
// "error-notPremium" is how the service reports the free-tier direct
// download quota, hence the QuotaExceeded mapping.
func kindForStatus(status string) Kind {
	switch status {
	case "error-notFound":
		return KindNotFound
	case "error-token", "error-auth":
		return KindUnauthorized
	case "error-rateLimit":
		return KindRateLimited
	case "error-notPremium":
		return KindQuotaExceeded
	default:
		return KindInvalid
	}
}

// kindForHTTP maps a non-envelope HTTP status code to an error kind.
func kindForHTTP(code int) Kind {
	switch {
	case code == 401:
		return KindUnauthorized
	case code == 403:
		return KindForbidden
	case code == 404:
		return KindNotFound
	case code == 429:
		return KindRateLimited
	case code >= 500:
		return KindTransient
	default:
		return KindInvalid
	}
}

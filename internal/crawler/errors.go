package crawler

import (
	"errors"
	"fmt"
)

// Store sentinels.
var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrLeaseLost is returned when a write targets a row no longer claimed by
	// the caller.
	ErrLeaseLost = errors.New("claim lease lost")
)

// ErrorKind is the closed set of failure classes recorded for a row.
type ErrorKind string

// Failure kinds. Only KindTransient re-enters a retry loop.
const (
	KindTransport     ErrorKind = "transport"
	KindValidation    ErrorKind = "validation"
	KindParse         ErrorKind = "parse"
	KindTransient     ErrorKind = "transient"
	KindContentPolicy ErrorKind = "content_policy"
	KindPersistence   ErrorKind = "persistence"
	KindInternal      ErrorKind = "internal"
)

// ReasonNoResponse is recorded when every proxy exhausted its attempts.
const ReasonNoResponse = "no_response_after_all_retries"

// ParseErrorKind converts operator input into an ErrorKind. An empty string
// yields an empty kind, which callers treat as "any".
func ParseErrorKind(raw string) (ErrorKind, error) {
	switch k := ErrorKind(raw); k {
	case "", KindTransport, KindValidation, KindParse, KindTransient,
		KindContentPolicy, KindPersistence, KindInternal:
		return k, nil
	default:
		return "", fmt.Errorf("unknown error kind %q", raw)
	}
}

// Error is a tagged failure: a kind for filtering plus a human-readable
// message that is persisted as the failure reason.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

// NewError builds a tagged error. When msg is empty the cause's text is used.
func NewError(kind ErrorKind, msg string, cause error) *Error {
	if msg == "" && cause != nil {
		msg = cause.Error()
	}
	return &Error{Kind: kind, Message: msg, Err: cause}
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil && e.Err.Error() != e.Message {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the underlying cause.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// KindOf extracts the kind of a tagged error. Untagged errors are internal.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var tagged *Error
	if errors.As(err, &tagged) && tagged != nil {
		return tagged.Kind
	}
	return KindInternal
}

// Reason returns the message to persist for a failed row.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	var tagged *Error
	if errors.As(err, &tagged) && tagged != nil && tagged.Message != "" {
		return tagged.Message
	}
	return err.Error()
}

// AsError converts any error into a tagged error, keeping an existing tag.
func AsError(err error, fallback ErrorKind) *Error {
	if err == nil {
		return nil
	}
	var tagged *Error
	if errors.As(err, &tagged) && tagged != nil {
		return tagged
	}
	return NewError(fallback, "", err)
}

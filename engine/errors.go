package engine

import (
	"errors"
	"fmt"
)

// Kind classifies an engine error into one of a closed set of categories.
// Handlers map kinds to HTTP status codes; the CLI maps them to exit messages.
type Kind string

const (
	KindInput         Kind = "INPUT"          // missing or invalid caller parameter
	KindSourceUnknown Kind = "SOURCE_UNKNOWN" // no rule for the given source id or host
	KindParse         Kind = "PARSE"          // selector matched nothing required
	KindNetwork       Kind = "NETWORK"        // connect/read/TLS/status failure after retries
	KindSourceBlocked Kind = "SOURCE_BLOCKED" // 403/429/Cloudflare 5xx after retries
	KindNotFound      Kind = "NOT_FOUND"      // unknown task id, empty TOC
	KindInternal      Kind = "INTERNAL"       // invariant violation in the core
)

// Error is the engine's error type. URL, Status and Attempts are populated
// where they make sense (network failures mostly) and zero otherwise.
type Error struct {
	Kind     Kind
	Message  string
	URL      string
	Status   int
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Errf creates an engine error with a formatted message.
func Errf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapErr wraps err with a kind and message, preserving the chain for errors.Is/As.
func WrapErr(kind Kind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the Kind from err, walking the wrap chain.
// Errors that never passed through the engine report KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind anywhere in its chain.
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

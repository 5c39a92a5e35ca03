package domain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// ErrorKind is the closed set of failure classifications reported at the
// worker boundary.
type ErrorKind string

const (
	ErrorKindNone ErrorKind = ""

	// Transient.
	ErrorKindTimeout             ErrorKind = "timeout"
	ErrorKindUpstreamUnavailable ErrorKind = "upstream_unavailable"
	ErrorKindLockContention      ErrorKind = "lock_contention"
	ErrorKindInternal            ErrorKind = "internal"
	ErrorKindStaleClaim          ErrorKind = "stale_claim"

	// Permanent.
	ErrorKindValidation   ErrorKind = "validation"
	ErrorKindNotFound     ErrorKind = "not_found"
	ErrorKindUnauthorized ErrorKind = "unauthorized"

	// Operator cancellation. Never retried.
	ErrorKindOperatorAbort ErrorKind = "operator_abort"
)

type FailureClass string

const (
	FailureTransient FailureClass = "transient"
	FailurePermanent FailureClass = "permanent"
)

var errorKinds = map[ErrorKind]FailureClass{
	ErrorKindTimeout:             FailureTransient,
	ErrorKindUpstreamUnavailable: FailureTransient,
	ErrorKindLockContention:      FailureTransient,
	ErrorKindInternal:            FailureTransient,
	ErrorKindStaleClaim:          FailureTransient,
	ErrorKindValidation:          FailurePermanent,
	ErrorKindNotFound:            FailurePermanent,
	ErrorKindUnauthorized:        FailurePermanent,
	ErrorKindOperatorAbort:       FailurePermanent,
}

// Class returns the retry class of k. Unknown kinds are permanent so they
// surface in the dead-letter queue instead of looping.
func (k ErrorKind) Class() FailureClass {
	if c, ok := errorKinds[k]; ok {
		return c
	}
	return FailurePermanent
}

func (k ErrorKind) Retryable() bool {
	return k.Class() == FailureTransient
}

var ErrUnknownErrorKind = errors.New("unknown error kind")

// ParseErrorKind validates an error kind received from an external worker.
func ParseErrorKind(s string) (ErrorKind, error) {
	k := ErrorKind(s)
	if _, ok := errorKinds[k]; !ok {
		return ErrorKindNone, fmt.Errorf("%w: %q", ErrUnknownErrorKind, s)
	}
	return k, nil
}

// ExecutionError is a classified failure returned by a generator.
type ExecutionError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func NewExecutionError(kind ErrorKind, message string) *ExecutionError {
	return &ExecutionError{Kind: kind, Message: message}
}

// WrapExecutionError classifies err as kind.
func WrapExecutionError(kind ErrorKind, err error) *ExecutionError {
	return &ExecutionError{Kind: kind, Message: err.Error(), Err: err}
}

func (e *ExecutionError) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// Classify maps err to an ErrorKind. Classified errors keep their kind;
// deadline errors are timeouts; anything else is internal.
func Classify(err error) ErrorKind {
	if err == nil {
		return ErrorKindNone
	}
	var execErr *ExecutionError
	if errors.As(err, &execErr) {
		return execErr.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorKindTimeout
	}
	return ErrorKindInternal
}

// MaxErrorMessageLen bounds persisted error messages.
const MaxErrorMessageLen = 1000

// TruncateMessage cuts s to at most MaxErrorMessageLen bytes on a rune
// boundary. Invalid UTF-8, e.g. from a raw upstream body, becomes "?".
func TruncateMessage(s string) string {
	s = strings.ToValidUTF8(s, "?")
	if len(s) <= MaxErrorMessageLen {
		return s
	}
	cut := MaxErrorMessageLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

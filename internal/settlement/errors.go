package settlement

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies an engine failure so callers can branch without string matching.
type Kind int

const (
	KindUnknown Kind = iota
	// KindValidation is malformed input, rejected before any side effect.
	KindValidation
	// KindGuard is an operation attempted from a state that does not permit it.
	KindGuard
	// KindConflict is a failed version check; re-read and retry.
	KindConflict
	// KindProviderTransient is a network or timeout failure at the escrow provider.
	KindProviderTransient
	// KindProviderPermanent is a terminal provider refusal (funds, compliance, account).
	KindProviderPermanent
	// KindInvariant should never happen; the transaction is aborted.
	KindInvariant
	KindNotFound
	KindForbidden
)

var kindNames = map[Kind]string{
	KindUnknown:           "unknown",
	KindValidation:        "validation_error",
	KindGuard:             "guard_violation",
	KindConflict:          "concurrency_conflict",
	KindProviderTransient: "provider_transient_error",
	KindProviderPermanent: "provider_permanent_error",
	KindInvariant:         "invariant_breach",
	KindNotFound:          "not_found",
	KindForbidden:         "forbidden",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is the single error type returned by Engine operations.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	// State is the current authoritative state for guard violations.
	State string
	Err   error
}

func (e *Error) Error() string {
	msg := e.Op + ": " + e.Kind.String()
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	if e.State != "" {
		msg += " (state " + e.State + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether repeating the identical call may succeed.
func (e *Error) Retryable() bool {
	return e.Kind == KindProviderTransient || e.Kind == KindConflict
}

// KindOf extracts the Kind of err, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsRetryable reports whether err is an engine error the caller may retry as-is.
func IsRetryable(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Retryable()
}

func validationf(op, format string, args ...any) error {
	return &Error{Kind: KindValidation, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func guardf(op, state, format string, args ...any) error {
	return &Error{Kind: KindGuard, Op: op, State: state, Msg: fmt.Sprintf(format, args...)}
}

func conflictf(op, format string, args ...any) error {
	return &Error{Kind: KindConflict, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func invariantf(op, format string, args ...any) error {
	return &Error{Kind: KindInvariant, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func forbiddenf(op, format string, args ...any) error {
	return &Error{Kind: KindForbidden, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Store sentinel errors. Implementations must return (or wrap) these.
var (
	ErrNotFound     = errors.New("settlement: record not found")
	ErrStaleVersion = errors.New("settlement: stale version")
	ErrDuplicate    = errors.New("settlement: duplicate record")
)

// storeErr maps store failures onto engine kinds. Engine errors pass through.
func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return &Error{Kind: KindNotFound, Op: op, Err: err}
	case errors.Is(err, ErrStaleVersion), errors.Is(err, ErrDuplicate):
		return &Error{Kind: KindConflict, Op: op, Err: err}
	}
	return &Error{Kind: KindUnknown, Op: op, Err: err}
}

// ProviderError is what EscrowProvider implementations return on failure.
type ProviderError struct {
	Method    string
	Transient bool
	// Code is a short machine-readable reason, e.g. "insufficient_funds".
	Code string
	Err  error
}

func (e *ProviderError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	msg := "escrow provider " + e.Method + " " + kind + " failure"
	if e.Code != "" {
		msg += " [" + e.Code + "]"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProviderError) Unwrap() error { return e.Err }

// providerErr wraps a provider failure. Errors that are not *ProviderError are
// treated as transient only when the call timed out.
func providerErr(op string, err error) error {
	var pe *ProviderError
	if errors.As(err, &pe) {
		kind := KindProviderPermanent
		if pe.Transient {
			kind = KindProviderTransient
		}
		return &Error{Kind: kind, Op: op, Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindProviderTransient, Op: op, Msg: "provider call timed out", Err: err}
	}
	return &Error{Kind: KindProviderPermanent, Op: op, Err: err}
}

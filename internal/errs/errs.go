// Package errs defines the error taxonomy shared by every governance
// component. Errors carry a Kind so callers branch on classification,
// not on string matching.
package errs

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies an error for policy decisions: retry, fall back,
// suppress, or abort.
type Kind string

const (
	// KindConfig covers invalid or missing configuration, unknown
	// providers, and malformed ADR enforcement blocks. Aborts the run.
	KindConfig Kind = "config_error"

	// KindAuth covers missing or rejected credentials. Never retried,
	// never falls back to another provider.
	KindAuth Kind = "auth_error"

	// KindTransient covers rate limits, timeouts, 5xx and connection
	// resets. Recovered via provider fallback plus backoff.
	KindTransient Kind = "transient_error"

	// KindBudgetExceeded refuses a single call; the session continues.
	KindBudgetExceeded Kind = "budget_exceeded"

	// KindSuppressed marks a would-be block downgraded by an active EXC.
	KindSuppressed Kind = "suppressed_violation"

	// KindFindingWithoutReference marks an AI finding lacking a
	// resolvable citation.
	KindFindingWithoutReference Kind = "finding_without_reference"

	// KindDeadline marks a run that exceeded its wall clock.
	KindDeadline Kind = "deadline_exceeded"

	// KindTool marks a failed or timed-out tool invocation. Reported to
	// the role as an observation, never crashes the run.
	KindTool Kind = "tool_error"

	// KindInternal marks a violated invariant.
	KindInternal Kind = "internal_error"
)

// Error is the concrete error type carried across component boundaries.
type Error struct {
	Kind Kind
	Msg  string
	Err  error

	// RetryAfter is set on transient errors when the provider supplied
	// a recovery hint (Retry-After header or cooldown remainder).
	RetryAfter time.Duration

	// EnvVar names the canonical environment variable for auth errors
	// so the message can tell the user exactly what to set.
	EnvVar string
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.Msg != "":
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is match on a bare kind sentinel built by Sentinel.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Msg == "" && t.Err == nil && t.Kind == e.Kind
}

// New builds a classified error from a message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// Sentinel returns a kind-only error usable as an errors.Is target.
func Sentinel(kind Kind) *Error { return &Error{Kind: kind} }

// KindOf extracts the kind from any error in the chain. Context
// cancellation and deadline errors map to their taxonomy kinds even
// when produced outside this package. Unclassified errors are internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, errDeadline) || isContextDeadline(err) {
		return KindDeadline
	}
	return KindInternal
}

// IsKind reports whether any error in the chain carries the given kind.
func IsKind(err error, kind Kind) bool {
	if err == nil {
		return false
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	if kind == KindDeadline && isContextDeadline(err) {
		return true
	}
	return false
}

var errDeadline = Sentinel(KindDeadline)

// invariantPrefix is stable so crash reports stay greppable across
// releases.
const invariantPrefix = "storyguard invariant: "

// Invariant panics with the stable prefix. Use only for states that
// indicate a programming error, never for bad input.
func Invariant(format string, args ...any) {
	panic(invariantPrefix + fmt.Sprintf(format, args...))
}

// InvariantIf panics when cond holds.
func InvariantIf(cond bool, format string, args ...any) {
	if cond {
		Invariant(format, args...)
	}
}

// Package rterr defines the runtime's error taxonomy. Every error the
// runtime returns across a public API boundary is one of the kinds
// declared here, so callers can branch on the kind with Is instead of
// parsing messages.
package rterr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind enumerates the error taxonomy. It is deliberately a small closed set:
// new failure modes should map onto one of these, not grow the set, so host
// code written against Is keeps working across runtime versions.
type Kind int

const (
	// KindInvalidArgument is a programmer error on the host API: a bad
	// argument to a constructor or entry point that no amount of retrying
	// will fix.
	KindInvalidArgument Kind = iota
	// KindRegionFull means a Region has no free Slot to hand out.
	KindRegionFull
	// KindLimitsExceeded means a module demands more than its Limits allow,
	// or a heap growth request was denied by Limits, HeapSpec or a
	// MemoryLimiter.
	KindLimitsExceeded
	// KindModule means a malformed module artifact: missing symbol, bad
	// manifest, or an unsupported feature.
	KindModule
	// KindSymbolNotFound means export/start function resolution failed.
	KindSymbolNotFound
	// KindFuncNotFound means a table-indexed call target was not found.
	KindFuncNotFound
	// KindRuntimeFault means a non-fatal hardware trap was surfaced to the
	// host; the instance may be retried after Reset.
	KindRuntimeFault
	// KindRuntimeTerminated means the guest will never run again on this
	// instance without a Reset: remote kill, BlockOnNeedsAsync, a
	// host-provided termination payload, or an unclassified fatal fault.
	KindRuntimeTerminated
	// KindStartAlreadyRun means run_start was called more than once.
	KindStartAlreadyRun
	// KindStartRequired means an ordinary run was attempted before a
	// declared start function was run.
	KindStartRequired
	// KindStartYielded means the start function attempted to yield, which
	// is never legal.
	KindStartYielded
	// KindInvalidResumeType means resume_with_val supplied a value whose
	// type tag did not match the one recorded at yield time.
	KindInvalidResumeType
	// KindInternal means an invariant violation: a bug in the runtime
	// itself, not a reportable guest condition.
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindInvalidArgument:
		return "invalid_argument"
	case KindRegionFull:
		return "region_full"
	case KindLimitsExceeded:
		return "limits_exceeded"
	case KindModule:
		return "module"
	case KindSymbolNotFound:
		return "symbol_not_found"
	case KindFuncNotFound:
		return "func_not_found"
	case KindRuntimeFault:
		return "runtime_fault"
	case KindRuntimeTerminated:
		return "runtime_terminated"
	case KindStartAlreadyRun:
		return "start_already_run"
	case KindStartRequired:
		return "start_required"
	case KindStartYielded:
		return "start_yielded"
	case KindInvalidResumeType:
		return "invalid_resume_type"
	case KindInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// Error is the concrete error type returned across the public API. It
// carries a Kind for programmatic dispatch plus a human-readable message,
// and wraps an optional cause with github.com/pkg/errors so %+v printing
// includes a stack trace during development.
type Error struct {
	Kind  Kind
	msg   string
	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.msg, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.msg)
}

// Unwrap allows errors.Is/errors.As to see through to the cause.
func (e *Error) Unwrap() error { return e.cause }

// New builds an *Error of the given kind with a formatted message.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches kind and message context to an underlying cause, preserving
// it for errors.Unwrap/errors.As and for stack-trace formatting via
// github.com/pkg/errors.
func Wrap(kind Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, msg: fmt.Sprintf(format, args...), cause: errors.WithStack(cause)}
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

package corevm

import "github.com/wazero-sandbox/corevm/internal/rterr"

// ErrorKind is the runtime's error taxonomy. Every error returned across
// this package's API is one of these kinds, so callers can branch with
// IsKind instead of parsing messages.
type ErrorKind = rterr.Kind

const (
	KindInvalidArgument   = rterr.KindInvalidArgument
	KindRegionFull        = rterr.KindRegionFull
	KindLimitsExceeded    = rterr.KindLimitsExceeded
	KindModule            = rterr.KindModule
	KindSymbolNotFound    = rterr.KindSymbolNotFound
	KindFuncNotFound      = rterr.KindFuncNotFound
	KindRuntimeFault      = rterr.KindRuntimeFault
	KindRuntimeTerminated = rterr.KindRuntimeTerminated
	KindStartAlreadyRun   = rterr.KindStartAlreadyRun
	KindStartRequired     = rterr.KindStartRequired
	KindStartYielded      = rterr.KindStartYielded
	KindInvalidResumeType = rterr.KindInvalidResumeType
	KindInternal          = rterr.KindInternal
)

// IsKind reports whether err carries the given ErrorKind, looking through
// any wrapping the way errors.Is does.
func IsKind(err error, kind ErrorKind) bool { return rterr.Is(err, kind) }

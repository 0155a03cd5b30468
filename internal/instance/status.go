package instance

import (
	"reflect"

	"github.com/wazero-sandbox/corevm/internal/vmmodule"
)

// Kind is the lifecycle state of an Instance, independent of the
// execution domain tracked by killswitch.State: Kind answers "what would
// a host caller see if it asked right now", while the domain answers
// "is it currently safe to signal this instance's thread".
type Kind int

const (
	// NotStarted: Activate'd but run/run_start never called.
	NotStarted Kind = iota
	// Ready: a previous run returned normally, or Reset succeeded; another
	// run is legal.
	Ready
	// Running: a run is in progress on some goroutine right now.
	Running
	// Yielded: the guest called its cooperative yield point and is
	// suspended with a value for the host to inspect.
	Yielded
	// Faulted: a hardware trap or unclassified fault ended the run; the
	// instance needs Reset before it can run again.
	Faulted
	// Terminated: a kill switch or a host-provided termination payload
	// ended the run; the instance needs Reset before it can run again.
	Terminated
)

func (k Kind) String() string {
	switch k {
	case NotStarted:
		return "NotStarted"
	case Ready:
		return "Ready"
	case Running:
		return "Running"
	case Yielded:
		return "Yielded"
	case Faulted:
		return "Faulted"
	case Terminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// FaultDetails describes a non-fatal hardware trap surfaced to the host.
type FaultDetails struct {
	TrapCode     vmmodule.TrapCode
	FaultingAddr uintptr
	InstrPtr     uintptr
	// Fatal is true when SetFatalHandler-eligible: an unclassified fault
	// the signal handler's classification logic could not prove safe to
	// resume from. When Fatal is true, Reset is the only legal next
	// operation.
	Fatal bool
}

// TerminationReason records why an instance entered the Terminated state.
type TerminationReason int

const (
	// TerminationRemote: a killswitch.KillSwitch.Terminate() call ended it.
	TerminationRemote TerminationReason = iota
	// TerminationProvided: a host-supplied payload (e.g. a trap handler
	// deciding to abort) ended it.
	TerminationProvided
	// TerminationBlockOnNeedsAsync: a host call attempted block_on while
	// the run was not driven by an async driver.
	TerminationBlockOnNeedsAsync
)

func (r TerminationReason) String() string {
	switch r {
	case TerminationRemote:
		return "Remote"
	case TerminationProvided:
		return "Provided"
	case TerminationBlockOnNeedsAsync:
		return "BlockOnNeedsAsync"
	default:
		return "Unknown"
	}
}

// Status is the full lifecycle snapshot returned by Instance.Status.
type Status struct {
	Kind     Kind
	YieldVal any
	// ResumeTypeTag is the type Resume's val argument must match while
	// Kind is Yielded. It is set only by YieldExpectingVal (to its R).
	// Nil means no constraint: the guest used a plain VMContext.Yield
	// (whatever value it yielded, including async.BlockOnPending), or it
	// was the driver-internal BoundExpired sentinel that an async.Driver
	// resumes on its own.
	ResumeTypeTag reflect.Type
	Fault         *FaultDetails
	Termination   TerminationReason
	// TerminationPayload is the value a guest handed to VMContext.Terminate
	// when Termination is TerminationProvided; nil otherwise.
	TerminationPayload any
	ReturnVal          uint64
}

// asyncSentinel is implemented by yield values that are driver-internal
// plumbing rather than a real cooperative yield a host caller must
// resume with a matching type: BoundExpired here, and
// async.BlockOnPending (structurally, without importing this package).
type asyncSentinel interface {
	IsAsyncSentinel() bool
}

// resumeTag computes the expected Resume type tag for a value about to be
// recorded as a Yielded status's YieldVal.
func resumeTag(val any) reflect.Type {
	if val == nil {
		return nil
	}
	if _, ok := val.(asyncSentinel); ok {
		return nil
	}
	return reflect.TypeOf(val)
}

package instance

import (
	"reflect"
	"sync/atomic"
	"unsafe"

	"github.com/wazero-sandbox/corevm/internal/killswitch"
	"github.com/wazero-sandbox/corevm/internal/rterr"
	"github.com/wazero-sandbox/corevm/internal/vmmodule"
)

// VMContext is the handle passed as the first argument to every guest
// function call, the Go analogue of the vmctx pointer threaded through
// every compiled guest function's calling convention. Hostcalls implemented
// in Go receive one of these (via the embedding API, not directly through
// the cgo trampoline) to reach the running Instance.
type VMContext struct {
	inst  *Instance
	yield yieldFunc
}

type yieldFunc func(val any) any

// yieldEnvelope is how VMContext.Yield and YieldExpectingVal hand a value
// up through the coroutine: the yielded value plus the type tag the
// host's Resume argument must later match. CheckBudget's BoundExpired
// sentinel bypasses the envelope entirely (see yieldRaw).
type yieldEnvelope struct {
	val any
	tag reflect.Type
}

// terminatePayload is the panic value VMContext.Terminate (and its
// block_on-misuse sibling) raises; the guestBody recover path maps it to
// Terminated with the carried reason.
type terminatePayload struct {
	val    any
	reason TerminationReason
}

// vmctxPointer is the raw pointer handed to the cgo trampoline as the
// guest's first argument.
func vmctxPointer(v *VMContext) unsafe.Pointer { return unsafe.Pointer(v) }

// Heap returns the currently accessible heap bytes.
func (v *VMContext) Heap() []byte { return v.inst.alloc.Heap() }

// Globals returns the instance's global variable storage.
func (v *VMContext) Globals() []byte { return v.inst.alloc.Globals() }

// GrowMemory requests bytes more accessible heap, consulting the
// instance's MemoryLimiter if one is set before attempting the grow.
func (v *VMContext) GrowMemory(bytes uint64) (uint64, error) {
	return v.inst.GrowMemory(bytes)
}

// GrowMemoryPages grows the heap by delta WebAssembly pages with
// memory.grow semantics, returning the page count before the grow.
func (v *VMContext) GrowMemoryPages(delta uint32) (uint32, error) {
	return v.inst.GrowMemoryPages(delta)
}

// Yield suspends the running guest call, handing val to the host's
// Resume caller, and blocks until Resume is called. The host may resume
// with any value (including nil); a guest that requires a typed reply
// uses YieldExpectingVal instead. Calling Yield while running the
// declared start function is a programmer error in the guest and
// reported as KindStartYielded to the host, never silently ignored.
func (v *VMContext) Yield(val any) any {
	if v.inst.runningStart {
		panic(rterr.New(rterr.KindStartYielded, "start function attempted to yield"))
	}
	return v.yield(yieldEnvelope{val: val})
}

// yieldRaw suspends with a driver-internal sentinel, bypassing the
// envelope so the sentinel itself is what the driver's Poll observes.
func (v *VMContext) yieldRaw(sentinel any) any {
	if v.inst.runningStart {
		panic(rterr.New(rterr.KindStartYielded, "start function attempted to yield"))
	}
	return v.yield(sentinel)
}

// YieldExpectingVal suspends the guest like VMContext.Yield, but records
// R as the type the host's Resume argument must carry; a mismatched
// Resume is rejected with KindInvalidResumeType and the guest stays
// suspended. The matching Resume's value is returned.
func YieldExpectingVal[R any](v *VMContext, val any) R {
	if v.inst.runningStart {
		panic(rterr.New(rterr.KindStartYielded, "start function attempted to yield"))
	}
	var zero R
	got := v.yield(yieldEnvelope{val: val, tag: reflect.TypeOf(zero)})
	return got.(R)
}

// Trap aborts the running guest call with the given trap code, the
// Go-implemented guest body's equivalent of executing an instruction the
// compiler listed in the trap manifest. The instance lands in Faulted,
// non-fatal, and the host's run call reports KindRuntimeFault.
func (v *VMContext) Trap(code vmmodule.TrapCode) {
	panic(guestTrap{code: code})
}

// Terminate aborts the running guest call with a host-meaningful payload,
// retrievable afterward from Status().TerminationPayload. The instance
// lands in Terminated with TerminationProvided and the host's run call
// reports KindRuntimeTerminated.
func (v *VMContext) Terminate(payload any) {
	panic(terminatePayload{val: payload, reason: TerminationProvided})
}

// TerminateBlockOnNeedsAsync aborts the running guest call because a host
// call attempted to block on a future while the run was not driven by an
// async driver. Called by the async package's BlockOn; never returns.
func (v *VMContext) TerminateBlockOnNeedsAsync() {
	panic(terminatePayload{reason: TerminationBlockOnNeedsAsync})
}

// Instance returns the owning Instance, for embedding code that needs the
// typed embed-context map.
func (v *VMContext) Instance() *Instance { return v.inst }

// HasAsyncBudget reports whether an async.Driver is currently driving
// this run, the signal a Go-implemented host call uses to decide whether
// block_on is legal.
func (v *VMContext) HasAsyncBudget() bool { return v.inst.driven }

// CheckBudget is the cooperative checkpoint a guest call (or a
// Go-implemented host call standing in for compiled guest code) invokes
// at call sites and loop back-edges, standing in for the counter flush a
// compiler emits at those boundaries. It observes, in order:
//
//   - a remote termination that flipped the execution domain to
//     Terminated while this guest was running (a KillSwitch whose SIGALRM
//     cannot preempt a Go loop the way it preempts compiled code);
//     surfaces as KindRuntimeTerminated;
//   - an exhausted async instruction-count budget yields BoundExpired{}
//     to the driving async.Driver, which resumes with a fresh budget.
//
// Without an installed budget the second check is a no-op, so sprinkling
// CheckBudget through a guest body costs one counter bump and one domain
// peek on the synchronous path.
func (v *VMContext) CheckBudget() {
	v.inst.executed.Add(1)
	if v.inst.killState.Domain() == killswitch.Terminated {
		panic(rterr.New(rterr.KindRuntimeTerminated, "instance was terminated remotely"))
	}
	if v.inst.budget == nil {
		return
	}
	remaining := atomic.AddInt64(v.inst.budget, -1)
	if remaining <= 0 {
		v.yieldRaw(BoundExpired{})
	}
}

// HostCall runs fn with the execution domain moved to Hostcall for its
// duration, the wrapper a Go-implemented host call uses instead of calling
// guest code directly off the vmctx. If a KillSwitch fires remotely while
// fn is running, EndHostcall observes the domain already flipped to
// Terminated and HostCall panics with a KindRuntimeTerminated error instead
// of returning fn's result, so the enclosing guestBody recover path reports
// the termination the same way a remote kill during guest code does.
func (v *VMContext) HostCall(fn func() (uint64, error)) (uint64, error) {
	if v.inst.killState.BeginHostcall() {
		panic(rterr.New(rterr.KindRuntimeTerminated, "instance was terminated remotely"))
	}
	val, err := fn()
	if v.inst.killState.EndHostcall() {
		panic(rterr.New(rterr.KindRuntimeTerminated, "instance was terminated remotely during a host call"))
	}
	return val, err
}

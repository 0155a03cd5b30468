package corevm

import (
	"github.com/wazero-sandbox/corevm/internal/instance"
	"github.com/wazero-sandbox/corevm/internal/region"
	"github.com/wazero-sandbox/corevm/internal/vmmodule"
)

// Kind is an Instance's lifecycle state.
type Kind = instance.Kind

const (
	NotStarted = instance.NotStarted
	Ready      = instance.Ready
	Running    = instance.Running
	Yielded    = instance.Yielded
	Faulted    = instance.Faulted
	Terminated = instance.Terminated
)

// TrapCode classifies a hardware or guest-semantic fault.
type TrapCode = vmmodule.TrapCode

const (
	TrapStackOverflow          = vmmodule.TrapStackOverflow
	TrapHeapOutOfBounds        = vmmodule.TrapHeapOutOfBounds
	TrapTableOutOfBounds       = vmmodule.TrapTableOutOfBounds
	TrapOutOfBounds            = vmmodule.TrapOutOfBounds
	TrapIndirectCallToNull     = vmmodule.TrapIndirectCallToNull
	TrapBadSignature           = vmmodule.TrapBadSignature
	TrapIntegerOverflow        = vmmodule.TrapIntegerOverflow
	TrapIntegerDivByZero       = vmmodule.TrapIntegerDivByZero
	TrapBadConversionToInteger = vmmodule.TrapBadConversionToInteger
	TrapInterrupt              = vmmodule.TrapInterrupt
	TrapUnreachable            = vmmodule.TrapUnreachable
)

// FaultDetails, Status, TerminationReason, SignalBehavior, SignalHandler,
// FatalHandler, MemoryLimiter, and VMContext are re-exported as-is: pure
// data and callback shapes an embedder reads or implements directly, with
// no wrapping behavior to add.
type (
	FaultDetails      = instance.FaultDetails
	Status            = instance.Status
	TerminationReason = instance.TerminationReason
	SignalBehavior    = instance.SignalBehavior
	SignalHandler     = instance.SignalHandler
	FatalHandler      = instance.FatalHandler
	MemoryLimiter     = instance.MemoryLimiter
	VMContext         = instance.VMContext
	BoundExpired      = instance.BoundExpired
	GuestFunc         = instance.GuestFunc
)

const (
	TerminationRemote            = instance.TerminationRemote
	TerminationProvided          = instance.TerminationProvided
	TerminationBlockOnNeedsAsync = instance.TerminationBlockOnNeedsAsync
	SignalHandlerContinue        = instance.SignalHandlerContinue
	SignalHandlerTerminate       = instance.SignalHandlerTerminate
)

// Instance binds one Region slot to one Module for a sequence of runs.
// Not safe for concurrent use by more than one goroutine at a time, with
// the exception of KillSwitch, which is explicitly meant to be called
// from another goroutine.
type Instance struct {
	inst   *instance.Instance
	region *region.Region
	alloc  *region.Alloc
}

func newInstance(r *region.Region, a *region.Alloc, m *vmmodule.Module) *Instance {
	return &Instance{inst: instance.New(a, m), region: r, alloc: a}
}

// Status returns a snapshot of the current lifecycle state.
func (i *Instance) Status() Status { return i.inst.Status() }

// Run looks up name among the module's exports and calls it with args,
// blocking until it returns, yields, faults, or is terminated.
func (i *Instance) Run(name string, args ...uint64) (uint64, error) {
	return i.inst.Run(name, args...)
}

// RunFuncIdx calls the function at idx in the module's indirect-call
// table.
func (i *Instance) RunFuncIdx(idx uint32, args ...uint64) (uint64, error) {
	return i.inst.RunFuncIdx(idx, args...)
}

// RunStart runs the module's declared start function exactly once. A
// module with no start function makes this a no-op.
func (i *Instance) RunStart() error { return i.inst.RunStart() }

// Resume continues a Yielded instance with no resume value, legal only
// when the suspended yield recorded no expected type.
func (i *Instance) Resume() (uint64, error) { return i.inst.Resume(nil) }

// ResumeWithVal continues a Yielded instance, delivering val as the
// return value of the yield call the guest is suspended in. val's
// dynamic type must match the type recorded at yield time.
func (i *Instance) ResumeWithVal(val any) (uint64, error) { return i.inst.Resume(val) }

// Reset discards the effects of whatever run left the instance in
// Faulted or Terminated and returns it to Ready (NotStarted when the
// module declares a start function).
func (i *Instance) Reset() error { return i.inst.Reset() }

// HeapLen returns the current accessible heap length in bytes.
func (i *Instance) HeapLen() uint64 { return i.inst.HeapLen() }

// Heap returns the Go-visible slice over the instance's currently
// accessible heap bytes. Only valid until the next Run/RunFuncIdx/
// RunStart/Resume/Reset call.
func (i *Instance) Heap() []byte { return i.inst.Heap() }

// HeapMut is Heap, named for callers that write through the returned
// slice.
func (i *Instance) HeapMut() []byte { return i.inst.HeapMut() }

// CheckHeap reports an error unless [ptr, ptr+length) lies entirely
// within the currently accessible heap. Validate any guest-supplied
// pointer and length with CheckHeap before indexing into Heap()/
// HeapMut().
func (i *Instance) CheckHeap(ptr, length uint64) error { return i.inst.CheckHeap(ptr, length) }

// GrowMemory grows the accessible heap by bytes, consulting the
// installed MemoryLimiter first.
func (i *Instance) GrowMemory(bytes uint64) (uint64, error) { return i.inst.GrowMemory(bytes) }

// GrowMemoryPages grows the heap by delta WebAssembly pages with
// memory.grow semantics, returning the page count before the grow.
func (i *Instance) GrowMemoryPages(delta uint32) (uint32, error) {
	return i.inst.GrowMemoryPages(delta)
}

// WasmPageSize is the WebAssembly linear-memory page unit GrowMemoryPages
// counts in.
const WasmPageSize = instance.WasmPageSize

// RegisterGuestFunc registers a Go-implemented guest function body and
// returns a handle usable anywhere a guest code pointer is expected: a
// synthetic module's exports map, its indirect-call table, or its start
// function slot. See instance.GuestFunc for the execution contract.
func RegisterGuestFunc(fn GuestFunc) uintptr { return instance.RegisterGuestFunc(fn) }

// YieldExpectingVal suspends the calling guest body like VMContext.Yield,
// recording R as the type the host's Resume argument must carry; a
// mismatched Resume is rejected with KindInvalidResumeType and the guest
// stays suspended.
func YieldExpectingVal[R any](vmctx *VMContext, val any) R {
	return instance.YieldExpectingVal[R](vmctx, val)
}

// InstructionCount returns the cumulative checkpoint units this instance
// has consumed since creation or its last Reset.
func (i *Instance) InstructionCount() uint64 { return i.inst.InstructionCount() }

// KillSwitch returns a handle usable from any goroutine to request early
// termination of whatever run is, or later will be, in progress on this
// Instance.
func (i *Instance) KillSwitch() *KillSwitch { return i.inst.KillSwitch() }

// SetSignalHandler installs the callback consulted for every classified,
// non-fatal fault.
func (i *Instance) SetSignalHandler(h SignalHandler) { i.inst.SetSignalHandler(h) }

// SetFatalHandler installs the callback consulted for unclassifiable
// faults.
func (i *Instance) SetFatalHandler(h FatalHandler) { i.inst.SetFatalHandler(h) }

// SetMemoryLimiter installs the hook consulted before every heap growth.
func (i *Instance) SetMemoryLimiter(l MemoryLimiter) { i.inst.SetMemoryLimiter(l) }

// InsertEmbedCtx stores val, keyed by its dynamic type, for later
// retrieval by GetEmbedCtx[T] from inside a host call.
func InsertEmbedCtx[T any](i *Instance, val T) { instance.InsertEmbedCtx(i.inst, val) }

// GetEmbedCtx retrieves the value of type T previously stored with
// InsertEmbedCtx, ok=false if none was.
func GetEmbedCtx[T any](i *Instance) (val T, ok bool) { return instance.GetEmbedCtx[T](i.inst) }

// Close releases the Instance's slot back to its Region and marks
// outstanding KillSwitch handles NotTerminable.
func (i *Instance) Close() {
	i.inst.Close()
	i.region.Release(i.alloc)
}

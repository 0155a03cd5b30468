// Package instance implements the per-run state machine wrapped around
// one activated region.Alloc and its vmmodule.Module. It is where
// killswitch's domain lock, ctxswitch's goroutine-based context switch, and
// the module's trap manifest are all brought together into Run/Resume/Reset.
package instance

import (
	"reflect"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/wazero-sandbox/corevm/internal/ctxswitch"
	"github.com/wazero-sandbox/corevm/internal/killswitch"
	"github.com/wazero-sandbox/corevm/internal/obs"
	"github.com/wazero-sandbox/corevm/internal/region"
	"github.com/wazero-sandbox/corevm/internal/rterr"
	"github.com/wazero-sandbox/corevm/internal/vmmodule"
)

// SignalBehavior is returned by a signal handler installed with
// SetSignalHandler, telling the Instance what to do about a classified,
// non-fatal fault.
type SignalBehavior int

const (
	// SignalHandlerContinue: record the fault and move to Faulted; the
	// host must Reset before running again. This is the default behavior
	// when no handler is installed.
	SignalHandlerContinue SignalBehavior = iota
	// SignalHandlerTerminate: treat the fault as if a kill switch had
	// fired: move straight to Terminated with TerminationProvided.
	SignalHandlerTerminate
)

// SignalHandler is consulted for every classified fault (trap code known
// or not) before Fatal faults are escalated to FatalHandler. A handler
// that needs the instance captures it; the callback deliberately takes
// only the fault details so embedders outside this module can implement
// it without naming internal types.
type SignalHandler func(details FaultDetails) SignalBehavior

// FatalHandler is consulted for a fault classifyFault could not attribute
// to any known trap site; if unset, a fatal fault simply transitions to
// Faulted with Fault.Fatal true and the host must Reset.
type FatalHandler func(details FaultDetails)

// Instance binds one region.Alloc to its vmmodule.Module for a sequence of
// runs. It is not safe for concurrent use by more than one goroutine at a
// time; the mutex below only protects the lifecycle bookkeeping
// (status, start-function flags, embed map) a KillSwitch or a diagnostic reader might
// touch from a different goroutine while a run is in flight.
type Instance struct {
	id uint64

	mu     sync.Mutex
	status Status

	alloc  *region.Alloc
	module *vmmodule.Module

	killState    *killswitch.State
	killFreed    atomic.Bool
	runningStart bool
	startRun     bool

	embedCtx map[reflect.Type]any

	signalHandler SignalHandler
	fatalHandler  FatalHandler
	limiter       MemoryLimiter

	coroutine *ctxswitch.Coroutine

	// budget, when non-nil, is decremented by VMContext.CheckBudget at
	// whatever points a guest (or a Go-implemented host call standing in
	// for one) chooses to call it. It is the host-driven approximation of
	// a compiler-emitted basic-block counter, set by an async.Driver
	// before each Run/Resume and left nil for plain synchronous use so
	// CheckBudget is a no-op there.
	budget *int64
	driven bool // true while an async.Driver owns this run, regardless of bound

	// executed counts checkpoint units consumed across this instance's
	// lifetime, the observable face of the instruction-count machinery.
	// Cleared by Reset along with the rest of the run state.
	executed atomic.Uint64
}

// suspendAborted is the panic marker the yield wrapper in guestBody
// raises when a terminate or cancel landed around a suspension point; the
// recover path maps it to a remote termination without touching the
// guest-region bookkeeping again.
type suspendAborted struct{}

// BoundExpired is the sentinel VMContext.CheckBudget yields with when the
// async instruction-count budget reaches zero. An async.Driver recognizes
// it and transparently resumes with a fresh budget instead of surfacing
// it to the embedder as an ordinary cooperative yield.
type BoundExpired struct{}

// IsAsyncSentinel marks BoundExpired as driver-internal plumbing, exempt
// from Resume's type-tag check.
func (BoundExpired) IsAsyncSentinel() bool { return true }

// unboundedBudget stands in for "no instruction-count bound" while still
// under a Driver's control, so HasAsyncBudget can distinguish "driven
// with bound=0 (unbounded)" from "not driven at all".
const unboundedBudget = int64(1) << 62

// SetAsyncBudget installs a fresh instruction-count budget of n units,
// consulted by VMContext.CheckBudget, and marks the run as async-driven.
// n of 0 means unbounded: CheckBudget becomes a no-op in practice (the
// counter never reaches zero within one run) but block_on is still legal.
// Either way the run is marked driven; ClearAsyncBudget is what clears the
// driven state between polls.
func (inst *Instance) SetAsyncBudget(n uint64) {
	inst.driven = true
	v := unboundedBudget
	if n != 0 {
		v = int64(n)
	}
	inst.budget = &v
}

// InstructionCount returns the cumulative checkpoint units this instance
// has consumed since creation or its last Reset. With a compiler-emitted
// counter this would be the per-block instruction total; with the
// host-driven approximation it counts CheckBudget calls, which is the
// same quantity at checkpoint granularity.
func (inst *Instance) InstructionCount() uint64 { return inst.executed.Load() }

// ClearAsyncBudget removes the async-driven marker entirely, used by a
// Driver between Poll calls so diagnostics outside a Poll see the
// instance as not currently driven.
func (inst *Instance) ClearAsyncBudget() {
	inst.driven = false
	inst.budget = nil
}

// New creates an Instance bound to alloc and module. A module that
// declares a start function begins in NotStarted (RunStart must come
// first); one without begins directly in Ready, since NotStarted only
// means "start function not yet invoked".
func New(alloc *region.Alloc, module *vmmodule.Module) *Instance {
	return &Instance{
		id:        instanceIDs.Add(1),
		status:    Status{Kind: initialKind(module)},
		alloc:     alloc,
		module:    module,
		killState: killswitch.NewState(),
		embedCtx:  map[reflect.Type]any{},
		limiter:   noopLimiter{},
	}
}

var instanceIDs atomic.Uint64

func initialKind(module *vmmodule.Module) Kind {
	if _, ok := module.GetStartFunc(); ok {
		return NotStarted
	}
	return Ready
}

// Status returns a snapshot of the current lifecycle state.
func (inst *Instance) Status() Status {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.status
}

func (inst *Instance) setStatus(s Status) {
	inst.mu.Lock()
	inst.status = s
	inst.mu.Unlock()
}

// KillSwitch returns a handle usable from any goroutine to request early
// termination of whatever run is, or later will be, in progress on this
// Instance.
func (inst *Instance) KillSwitch() *killswitch.KillSwitch {
	return killswitch.New(inst.killState, &inst.killFreed)
}

// SetSignalHandler installs the callback consulted for every classified
// fault.
func (inst *Instance) SetSignalHandler(h SignalHandler) { inst.signalHandler = h }

// SetFatalHandler installs the callback consulted for unclassifiable
// faults, after SignalHandler has had a chance to run.
func (inst *Instance) SetFatalHandler(h FatalHandler) { inst.fatalHandler = h }

// SetMemoryLimiter installs the hook consulted before every heap growth.
func (inst *Instance) SetMemoryLimiter(l MemoryLimiter) {
	if l == nil {
		l = noopLimiter{}
	}
	inst.limiter = l
}

// InsertEmbedCtx stores val, keyed by its dynamic type, for later
// retrieval by GetEmbedCtx[T]. Re-inserting the same type overwrites the
// previous value.
func InsertEmbedCtx[T any](inst *Instance, val T) {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	inst.embedCtx[reflect.TypeOf(val)] = val
}

// GetEmbedCtx retrieves the value of type T previously stored with
// InsertEmbedCtx, ok=false if none was.
func GetEmbedCtx[T any](inst *Instance) (val T, ok bool) {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	var zero T
	v, found := inst.embedCtx[reflect.TypeOf(zero)]
	if !found {
		return zero, false
	}
	return v.(T), true
}

// HeapLen returns the current accessible heap length in bytes.
func (inst *Instance) HeapLen() uint64 { return inst.alloc.HeapAccessibleSize() }

// Heap returns the Go-visible slice over the instance's currently
// accessible heap bytes, for a host embedder that wants to read memory
// without going through a Go-implemented host call's VMContext. The
// slice is only valid until the next Run/Resume/Reset call, any of which
// may grow, shrink, or reinitialize the backing memory.
func (inst *Instance) Heap() []byte { return inst.alloc.Heap() }

// HeapMut is Heap, named for call sites that write through the returned
// slice rather than only read it. Go has no distinct read-only slice
// type, so the two accessors return the same bytes; the name is for the
// reader, not the compiler.
func (inst *Instance) HeapMut() []byte { return inst.alloc.Heap() }

// CheckHeap reports an error unless the byte range [ptr, ptr+length) lies
// entirely within the currently accessible heap. A host call handling a
// guest-supplied pointer and length must validate them with CheckHeap
// before indexing into Heap()/HeapMut(); otherwise an out-of-bounds guest
// argument surfaces as a Go slice-bounds panic rather than a reported
// error.
func (inst *Instance) CheckHeap(ptr, length uint64) error {
	accessible := inst.alloc.HeapAccessibleSize()
	if length == 0 {
		if ptr > accessible {
			return rterr.New(rterr.KindInvalidArgument, "heap pointer %d out of bounds (accessible=%d)", ptr, accessible)
		}
		return nil
	}
	end := ptr + length
	if end < ptr || end > accessible {
		return rterr.New(rterr.KindInvalidArgument, "heap range [%d,%d) out of bounds (accessible=%d)", ptr, end, accessible)
	}
	return nil
}

// GrowMemory grows the accessible heap by bytes, consulting the
// installed MemoryLimiter first. Exported so a host embedder can grow an
// instance's memory directly, not only from inside a Go-implemented host
// call via VMContext.GrowMemory.
func (inst *Instance) GrowMemory(bytes uint64) (uint64, error) {
	cur := inst.alloc.HeapAccessibleSize()
	if !inst.limiter.MemoryGrowing(cur, cur+bytes) {
		err := rterr.New(rterr.KindLimitsExceeded, "memory limiter denied growth from %d by %d bytes", cur, bytes)
		inst.limiter.MemoryGrowFailed(err)
		return 0, err
	}
	newSize, err := inst.alloc.ExpandHeap(bytes)
	if err != nil {
		inst.limiter.MemoryGrowFailed(err)
	}
	return newSize, err
}

// WasmPageSize is the WebAssembly linear-memory page unit. Heap specs
// measure initial_size in multiples of it, and GrowMemoryPages counts in
// it.
const WasmPageSize = 64 * 1024

// GrowMemoryPages grows the accessible heap by delta WebAssembly pages,
// with memory.grow semantics: it returns the page count before the grow,
// so the guest knows where its new pages begin. A denied grow (limiter,
// module max_size, or region limits) reports the error and leaves the
// heap untouched.
func (inst *Instance) GrowMemoryPages(delta uint32) (prevPages uint32, err error) {
	prev := uint32(inst.alloc.HeapAccessibleSize() / WasmPageSize)
	if delta == 0 {
		return prev, nil
	}
	if _, err := inst.GrowMemory(uint64(delta) * WasmPageSize); err != nil {
		return 0, err
	}
	return prev, nil
}

// runOutcome is what a guest call's coroutine body returns (via its
// "return" path, not via panic; only genuinely unexpected programmer
// panics should reach ctxswitch's own recover).
type runOutcome struct {
	cancelled             bool
	wasTerminatedRemotely bool
	terminatedProvided    bool
	terminationPayload    any
	terminationReason     TerminationReason
	fault                 *FaultDetails
	startYielded          bool
	value                 uint64
	err                   error
}

// Run looks up name among the module's exports and calls it with args,
// blocking until it returns, yields, faults, or is terminated.
func (inst *Instance) Run(name string, args ...uint64) (uint64, error) {
	fnPtr, err := inst.module.GetExportFunc(name)
	if err != nil {
		return 0, err
	}
	return inst.startRunOrResume(fnPtr, args, false)
}

// RunFuncIdx calls the function at idx in the module's indirect-call
// table, the Go analogue of an indirect call through guest_table_0.
func (inst *Instance) RunFuncIdx(idx uint32, args ...uint64) (uint64, error) {
	elems := inst.module.TableElements()
	if int(idx) >= len(elems) {
		return 0, rterr.New(rterr.KindFuncNotFound, "table index %d out of range (len %d)", idx, len(elems))
	}
	fnPtr := elems[idx].FuncPtr
	if fnPtr == 0 {
		return 0, rterr.New(rterr.KindFuncNotFound, "table index %d is a null entry", idx)
	}
	return inst.startRunOrResume(fnPtr, args, false)
}

// RunStart runs the module's declared start function exactly once, before
// any other Run/RunFuncIdx call succeeds on a module that declares one. A
// module with no start function makes RunStart a no-op.
func (inst *Instance) RunStart() error {
	inst.mu.Lock()
	if inst.startRun {
		inst.mu.Unlock()
		return rterr.New(rterr.KindStartAlreadyRun, "run_start already called on this instance")
	}
	inst.mu.Unlock()

	fnPtr, ok := inst.module.GetStartFunc()
	if !ok {
		inst.mu.Lock()
		inst.startRun = true
		inst.mu.Unlock()
		return nil
	}

	inst.mu.Lock()
	inst.runningStart = true
	inst.mu.Unlock()

	_, err := inst.startRunOrResume(fnPtr, nil, true)

	inst.mu.Lock()
	inst.runningStart = false
	inst.startRun = true
	inst.mu.Unlock()
	return err
}

func (inst *Instance) requireStartedIfNeeded() error {
	if _, ok := inst.module.GetStartFunc(); !ok {
		return nil
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if !inst.startRun {
		return rterr.New(rterr.KindStartRequired, "module declares a start function; call RunStart before Run")
	}
	return nil
}

func (inst *Instance) startRunOrResume(fnPtr uintptr, args []uint64, isStart bool) (uint64, error) {
	if !isStart {
		if err := inst.requireStartedIfNeeded(); err != nil {
			return 0, err
		}
	}

	inst.mu.Lock()
	switch inst.status.Kind {
	case NotStarted, Ready:
	case Running:
		inst.mu.Unlock()
		return 0, rterr.New(rterr.KindInternal, "instance is already running")
	default:
		k := inst.status.Kind
		inst.mu.Unlock()
		return 0, rterr.New(rterr.KindInternal, "cannot run instance in state %s; call Reset first", k)
	}
	inst.status = Status{Kind: Running}
	inst.mu.Unlock()

	inst.coroutine = ctxswitch.New()
	inst.coroutine.Start(inst.guestBody(fnPtr, args))
	result := inst.coroutine.Resume(nil)
	return inst.handleCoroutineResult(result)
}

// Resume continues a Yielded instance, delivering val as the return value
// of the VMContext.Yield call it is suspended in. val's dynamic type must
// match the type tag recorded when the instance yielded (the R of a
// YieldExpectingVal call; a plain VMContext.Yield or driver-internal
// plumbing records no tag and accepts any value); a mismatch reports KindInvalidResumeType and leaves the
// instance Yielded, since nothing was actually resumed.
func (inst *Instance) Resume(val any) (uint64, error) {
	inst.mu.Lock()
	if inst.status.Kind != Yielded {
		k := inst.status.Kind
		inst.mu.Unlock()
		return 0, rterr.New(rterr.KindInternal, "cannot resume instance in state %s", k)
	}
	expected := inst.status.ResumeTypeTag
	inst.mu.Unlock()

	if expected != nil && (val == nil || reflect.TypeOf(val) != expected) {
		return 0, rterr.New(rterr.KindInvalidResumeType, "resume value has wrong type: expected %s", expected)
	}

	inst.mu.Lock()
	inst.status = Status{Kind: Running}
	inst.mu.Unlock()

	result := inst.coroutine.Resume(val)
	return inst.handleCoroutineResult(result)
}

func (inst *Instance) handleCoroutineResult(result ctxswitch.Result) (uint64, error) {
	switch result.Kind {
	case ctxswitch.Yielded:
		if env, ok := result.Val.(yieldEnvelope); ok {
			inst.setStatus(Status{Kind: Yielded, YieldVal: env.val, ResumeTypeTag: env.tag})
		} else {
			// Raw yields come from VMContext.CheckBudget's BoundExpired
			// sentinel, never from VMContext.Yield.
			inst.setStatus(Status{Kind: Yielded, YieldVal: result.Val, ResumeTypeTag: resumeTag(result.Val)})
		}
		return 0, nil
	case ctxswitch.Panicked:
		inst.setStatus(Status{Kind: Faulted, Fault: &FaultDetails{Fatal: true}})
		return 0, rterr.New(rterr.KindRuntimeFault, "unrecoverable panic in guest call: %v", result.Val)
	case ctxswitch.Returned:
		outcome, _ := result.Val.(runOutcome)
		return inst.handleOutcome(outcome)
	default:
		return 0, rterr.New(rterr.KindInternal, "unknown coroutine result kind")
	}
}

func (inst *Instance) handleOutcome(o runOutcome) (uint64, error) {
	switch {
	case o.cancelled:
		inst.setStatus(Status{Kind: Terminated, Termination: TerminationRemote})
		return 0, rterr.New(rterr.KindRuntimeTerminated, "instance was cancelled before guest code ran")
	case o.startYielded:
		inst.setStatus(Status{Kind: Faulted, Fault: &FaultDetails{Fatal: true}})
		return 0, rterr.New(rterr.KindStartYielded, "start function attempted to yield")
	case o.fault != nil:
		return inst.handleFault(*o.fault)
	case o.terminatedProvided:
		inst.setStatus(Status{Kind: Terminated, Termination: o.terminationReason, TerminationPayload: o.terminationPayload})
		return 0, rterr.New(rterr.KindRuntimeTerminated, "instance terminated: %s", o.terminationReason)
	case o.wasTerminatedRemotely:
		inst.setStatus(Status{Kind: Terminated, Termination: TerminationRemote})
		return 0, rterr.New(rterr.KindRuntimeTerminated, "instance was terminated remotely")
	default:
		inst.setStatus(Status{Kind: Ready, ReturnVal: o.value})
		return o.value, o.err
	}
}

func (inst *Instance) handleFault(fd FaultDetails) (uint64, error) {
	behavior := SignalHandlerContinue
	if inst.signalHandler != nil {
		behavior = inst.signalHandler(fd)
	}
	if behavior == SignalHandlerTerminate {
		inst.setStatus(Status{Kind: Terminated, Termination: TerminationProvided})
		return 0, rterr.New(rterr.KindRuntimeTerminated, "signal handler requested termination on fault %s", fd.TrapCode)
	}
	if fd.Fatal {
		obs.WithInstance(inst.id).WithField("addr", fd.FaultingAddr).Warn("instance: fatal fault with no known trap site")
		if inst.fatalHandler != nil {
			inst.fatalHandler(fd)
		}
	} else {
		obs.WithInstance(inst.id).WithField("trap_code", fd.TrapCode.String()).Debug("instance: guest fault")
	}
	inst.setStatus(Status{Kind: Faulted, Fault: &fd})
	return 0, rterr.New(rterr.KindRuntimeFault, "guest fault: %s at %#x", fd.TrapCode, fd.InstrPtr)
}

// Reset discards the effects of whatever run left the instance in
// Faulted or Terminated, shrinks the heap back to the module's
// initial_size, re-applies the module's global/sparse-page initializers,
// and returns the kill-switch domain to Pending so the instance can Run
// again. The instance lands in Ready, or NotStarted when the module
// declares a start function (which must then be re-run). Calling Reset
// from Ready/NotStarted is also legal and a no-op beyond the heap/global
// reinitialization.
func (inst *Instance) Reset() error {
	inst.mu.Lock()
	switch inst.status.Kind {
	case Running, Yielded:
		inst.mu.Unlock()
		return rterr.New(rterr.KindInternal, "cannot reset instance in state %s", inst.status.Kind)
	}
	inst.mu.Unlock()

	if err := inst.killState.Reset(); err != nil {
		return err
	}
	if err := inst.alloc.ResetHeap(); err != nil {
		return err
	}
	inst.alloc.ReinitializeHeap(inst.module)
	inst.alloc.ReinitializeGlobals(inst.module)

	inst.mu.Lock()
	inst.startRun = false
	inst.runningStart = false
	inst.executed.Store(0)
	inst.status = Status{Kind: initialKind(inst.module)}
	inst.mu.Unlock()
	return nil
}

// Close releases resources an embedder must tear down explicitly: marks
// outstanding KillSwitch handles NotTerminable, so they stop touching
// this instance's state once it is no longer meaningfully "the" owner of
// its region.Alloc (the Alloc itself is released back to its Region by the
// caller via region.Region.Release, not by Instance).
func (inst *Instance) Close() {
	killswitch.MarkFreed(&inst.killFreed, inst.killState)
}

// guestBody builds the coroutine body function for one run of fnPtr.
func (inst *Instance) guestBody(fnPtr uintptr, args []uint64) func(yield ctxswitch.YieldFunc) any {
	return func(yield ctxswitch.YieldFunc) (ret any) {
		debug.SetPanicOnFault(true)
		tid := currentOSThreadID()
		if aborted := inst.killState.EnterGuestRegion(tid); aborted {
			return runOutcome{cancelled: true}
		}

		defer func() {
			if r := recover(); r != nil {
				// ExitOnUnwind, not ExitGuestRegion: the panic may have
				// unwound out of a host call, leaving the domain Hostcall.
				switch p := r.(type) {
				case suspendAborted:
					// The yield wrapper already left (or never re-entered) the
					// running domain; it is Terminated or Cancelled.
					ret = runOutcome{wasTerminatedRemotely: true}
					return
				case terminatePayload:
					inst.killState.ExitOnUnwind()
					ret = runOutcome{terminatedProvided: true, terminationPayload: p.val, terminationReason: p.reason}
					return
				case *rterr.Error:
					if rterr.Is(p, rterr.KindStartYielded) {
						inst.killState.ExitOnUnwind()
						ret = runOutcome{startYielded: true}
						return
					}
					if rterr.Is(p, rterr.KindRuntimeTerminated) {
						inst.killState.ExitOnUnwind()
						ret = runOutcome{wasTerminatedRemotely: true}
						return
					}
				}
				fd := classifyFault(inst.module, inst.alloc, r)
				inst.killState.ExitOnUnwind()
				ret = runOutcome{fault: &fd}
			}
		}()

		// A suspended instance must never sit in the Guest or Hostcall
		// domain: a KillSwitch observing Guest would signal and then wait
		// forever for a thread that is not actually running guest code.
		// Every yield leaves the running domain before suspending and
		// restores the same domain on resume (a yield from inside a host
		// call must come back to Hostcall), aborting the resume if a
		// terminate/cancel landed in between.
		suspendingYield := func(val any) any {
			prev, terminated := inst.killState.ExitForSuspend()
			if terminated {
				panic(suspendAborted{})
			}
			out := yield(val)
			if aborted := inst.killState.EnterAfterResume(prev, currentOSThreadID()); aborted {
				panic(suspendAborted{})
			}
			return out
		}

		vmctx := &VMContext{inst: inst, yield: suspendingYield}
		value, err := callGuest(fnPtr, vmctx, args)
		terminated := inst.killState.ExitGuestRegion()
		if terminated {
			return runOutcome{wasTerminatedRemotely: true}
		}
		return runOutcome{value: value, err: err}
	}
}

// Package async adapts a running instance.Instance into a cooperatively
// scheduled, pollable task, the Go-native shape of the poll-based Future
// driver: instruction-count-bounded execution, cooperative yields
// surfaced to the caller, and a thin block_on helper for host calls that
// need to await a host-side future without blocking the OS thread
// running the guest.
package async

import (
	"context"
	"runtime"

	"github.com/wazero-sandbox/corevm/internal/instance"
	"github.com/wazero-sandbox/corevm/internal/rterr"
)

// Kind classifies one Poll call's outcome.
type Kind int

const (
	// Pending: the instruction-count bound expired (or a host call is
	// itself waiting on a future via BlockOn); the caller should poll
	// again, typically after yielding to its own scheduler.
	Pending Kind = iota
	// HostYielded: the guest reached an ordinary, host-visible
	// cooperative yield point; ResumeWithVal must be called with a value before
	// polling again.
	HostYielded
	// Ready: the entry function returned; Value holds its result.
	Ready
)

// Outcome is what Poll returns.
type Outcome struct {
	Kind     Kind
	Value    uint64
	YieldVal any
}

// entryFunc starts or resumes the wrapped instance for exactly one
// Run/Resume call.
type entryFunc func() (uint64, error)

// Driver wraps one instance.Instance with an instruction-count bound
// applied to every Run/Resume call it makes on the guest's behalf.
type Driver struct {
	inst         *instance.Instance
	bound        uint64
	started      bool
	pendingValue any // value to pass to the next Resume call, set by ResumeWithVal
	entry        entryFunc
}

// New creates a Driver over inst with a per-resume instruction-count
// bound. bound of 0 means unbounded: CheckBudget inside the guest becomes
// a no-op and Poll always either yields (HostYielded) or completes
// (Ready), never Pending-for-budget.
func New(inst *instance.Instance, bound uint64) *Driver {
	return &Driver{inst: inst, bound: bound}
}

// Start arms the driver to call Run(name, args...) on its first Poll.
func (d *Driver) Start(name string, args ...uint64) {
	d.entry = func() (uint64, error) { return d.inst.Run(name, args...) }
}

// StartFuncIdx arms the driver to call RunFuncIdx(idx, args...) on its
// first Poll, for indirect-table entry points.
func (d *Driver) StartFuncIdx(idx uint32, args ...uint64) {
	d.entry = func() (uint64, error) { return d.inst.RunFuncIdx(idx, args...) }
}

// ResumeWithVal records the value the next Poll should resume the guest's
// cooperative yield point with. It must be called after a Poll returns
// HostYielded and before the next Poll call.
func (d *Driver) ResumeWithVal(val any) { d.pendingValue = val }

// Poll drives the instance forward by at most bound instruction-count
// units, returning as soon as it either completes, reaches a
// host-visible yield, or exhausts its budget. Poll never blocks: a
// Pending result means the caller should
// yield control to its own scheduler (e.g. via a select on ctx.Done or a
// runtime.Gosched) before calling Poll again.
func (d *Driver) Poll(ctx context.Context) (Outcome, error) {
	select {
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	default:
	}

	d.inst.SetAsyncBudget(d.bound)
	defer d.inst.ClearAsyncBudget()

	var (
		val uint64
		err error
	)
	status := d.inst.Status()
	switch status.Kind {
	case instance.NotStarted, instance.Ready:
		if d.entry == nil {
			return Outcome{}, rterr.New(rterr.KindInvalidArgument, "Poll called before Start/StartFuncIdx")
		}
		d.started = true
		val, err = d.entry()
	case instance.Yielded:
		if _, boundExpired := status.YieldVal.(instance.BoundExpired); boundExpired {
			val, err = d.inst.Resume(nil)
		} else {
			val, err = d.inst.Resume(d.pendingValue)
			d.pendingValue = nil
		}
	default:
		return Outcome{}, rterr.New(rterr.KindInternal, "cannot poll instance in state %s", status.Kind)
	}
	if err != nil {
		return Outcome{}, err
	}

	newStatus := d.inst.Status()
	switch newStatus.Kind {
	case instance.Yielded:
		switch newStatus.YieldVal.(type) {
		case instance.BoundExpired, BlockOnPending:
			return Outcome{Kind: Pending}, nil
		default:
			return Outcome{Kind: HostYielded, YieldVal: newStatus.YieldVal}, nil
		}
	default:
		return Outcome{Kind: Ready, Value: val}, nil
	}
}

// BlockOnPending is the sentinel a BlockOn call yields with while its
// future has not yet resolved; a Driver resumes it transparently, the
// same way it resumes instance.BoundExpired, without surfacing it to the
// embedder as a host-visible yield.
type BlockOnPending struct{}

// IsAsyncSentinel marks BlockOnPending as driver-internal plumbing,
// structurally satisfying instance.Status.ResumeTypeTag's exemption for
// yields an async.Driver resumes on its own (see instance.asyncSentinel).
func (BlockOnPending) IsAsyncSentinel() bool { return true }

// BlockOn is called from inside a Go-implemented host call to await ch
// without parking the OS thread the guest is running on for longer than
// one instruction-count budget slice at a time: each time ch has nothing
// ready, it cooperatively yields BlockOnPending{} back to the driving
// Driver, which resumes it on the next Poll. Calling BlockOn on an
// instance that was Run synchronously (no Driver, no async budget
// installed) terminates the instance with TerminationBlockOnNeedsAsync
// instead of blocking forever: block_on always requires an async driver.
func BlockOn[T any](vmctx *instance.VMContext, ch <-chan T) (T, error) {
	var zero T
	if !vmctx.HasAsyncBudget() {
		vmctx.TerminateBlockOnNeedsAsync()
	}
	for {
		select {
		case v, ok := <-ch:
			if !ok {
				return zero, rterr.New(rterr.KindInternal, "block_on channel closed without a value")
			}
			return v, nil
		default:
		}
		vmctx.Yield(BlockOnPending{})
	}
}

// RunToCompletion repeatedly Polls until Ready or an error, yielding the
// goroutine scheduler (not the OS thread: the guest goroutine is pinned
// via runtime.LockOSThread for the run itself, but between Poll calls
// nothing guest-related is running) between Pending polls so other
// goroutines make progress. It is the synchronous convenience wrapper
// most callers want; Poll itself is what a real external executor (an
// event loop, another async runtime) would call directly.
func (d *Driver) RunToCompletion(ctx context.Context) (uint64, error) {
	for {
		out, err := d.Poll(ctx)
		if err != nil {
			return 0, err
		}
		switch out.Kind {
		case Ready:
			return out.Value, nil
		case HostYielded:
			return 0, rterr.New(rterr.KindInternal, "RunToCompletion hit a host-visible yield; use Poll directly and call ResumeWithVal")
		case Pending:
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			default:
			}
			runtime.Gosched()
		}
	}
}

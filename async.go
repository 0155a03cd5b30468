package corevm

import (
	"context"

	"github.com/wazero-sandbox/corevm/internal/async"
)

// PollKind classifies one Driver.Poll call's outcome.
type PollKind = async.Kind

const (
	// PollPending: the instruction-count bound expired, or a host call is
	// itself awaiting a future; call Poll again.
	PollPending = async.Pending
	// HostYielded: the guest reached an ordinary, host-visible
	// cooperative yield point; call ResumeWithVal then Poll again.
	HostYielded = async.HostYielded
	// PollReady: the entry function returned.
	PollReady = async.Ready
)

// Outcome is what Driver.Poll returns.
type Outcome = async.Outcome

// Driver adapts an Instance into a cooperatively scheduled, pollable
// task: an instruction-count-bounded step of execution per Poll call,
// suited to embedding inside an external event loop instead of blocking
// a whole OS thread on one Run call.
type Driver struct {
	d *async.Driver
}

// NewDriver wraps i with a per-resume instruction-count bound. bound of 0
// means unbounded: Poll always either yields or completes, never returns
// Pending for budget reasons alone.
func NewDriver(i *Instance, bound uint64) *Driver {
	return &Driver{d: async.New(i.inst, bound)}
}

// Start arms the driver to call i.Run(name, args...) on the first Poll.
func (d *Driver) Start(name string, args ...uint64) { d.d.Start(name, args...) }

// StartFuncIdx arms the driver to call i.RunFuncIdx(idx, args...) on the
// first Poll.
func (d *Driver) StartFuncIdx(idx uint32, args ...uint64) { d.d.StartFuncIdx(idx, args...) }

// ResumeWithVal records the value the next Poll should resume the
// guest's cooperative yield point with. Call after Poll returns
// HostYielded and before the next Poll.
func (d *Driver) ResumeWithVal(val any) { d.d.ResumeWithVal(val) }

// Poll drives the instance forward by at most the driver's
// instruction-count bound. Never blocks.
func (d *Driver) Poll(ctx context.Context) (Outcome, error) { return d.d.Poll(ctx) }

// RunToCompletion repeatedly Polls until Ready or an error. It is the
// synchronous convenience wrapper for callers that don't need to
// interleave Poll with their own event loop.
func (d *Driver) RunToCompletion(ctx context.Context) (uint64, error) {
	return d.d.RunToCompletion(ctx)
}

// BlockOnPending is the sentinel a BlockOn call yields with while its
// future has not yet resolved.
type BlockOnPending = async.BlockOnPending

// BlockOn is called from inside a Go-implemented host call to await ch
// without parking the OS thread the guest is running on for longer than
// one instruction-count budget slice at a time. Requires vmctx to belong
// to a run currently driven by a Driver; otherwise it does not return: the
// instance is terminated with TerminationBlockOnNeedsAsync and the run
// reports a KindRuntimeTerminated error instead of blocking forever.
func BlockOn[T any](vmctx *VMContext, ch <-chan T) (T, error) {
	return async.BlockOn(vmctx, ch)
}

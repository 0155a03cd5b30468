package corevm

import "github.com/wazero-sandbox/corevm/internal/killswitch"

// KillSwitch is a handle, safe to hold and call from any goroutine, that
// requests early termination of whatever run is, or later will be, in
// progress on the Instance it was obtained from.
type KillSwitch = killswitch.KillSwitch

// Result reports what a KillSwitch.Terminate call actually did.
type Result = killswitch.Result

const (
	// NotTerminable: nothing was done, because the instance was already
	// terminated or cancelled, or has been released.
	NotTerminable = killswitch.NotTerminable
	// Signalled: the instance was running guest code and a signal was
	// sent to interrupt it.
	Signalled = killswitch.Signalled
	// Pending: the instance was in a host call; it will observe
	// termination when the host call returns.
	Pending = killswitch.Pending
	// Cancelled: the instance was not running guest or host code (not yet
	// started, between runs, or suspended in a yield); the next run or
	// resume attempt will abort instead of executing.
	Cancelled = killswitch.Cancelled
)

// Package killswitch implements the per-instance execution-domain lock and
// the cross-thread termination primitive built on top of it. It follows
// the same goroutine/mutex discipline as the region free-list lock in
// internal/region, combined with golang.org/x/sys/unix for the one raw
// primitive Go's standard library does not expose: sending a signal to a
// specific OS thread (tgkill), used here to interrupt a blocked syscall in
// guest code the way a SIGALRM-based kill switch interrupts a running
// guest instruction.
package killswitch

import (
	"sync"

	"github.com/wazero-sandbox/corevm/internal/rterr"
)

// Domain is the execution domain, orthogonal to an Instance's own
// lifecycle Status. It alone decides whether it is currently safe to
// signal the instance's thread.
type Domain int

const (
	// Pending: not currently running guest or host code.
	Pending Domain = iota
	// Guest: executing compiled guest code.
	Guest
	// Hostcall: executing a host call on behalf of the guest.
	Hostcall
	// Terminated: the guest will never run again; set by a KillSwitch's
	// Terminate while the domain is Hostcall or Guest (in the Guest case
	// before it sends SIGALRM to the guest thread).
	Terminated
	// Cancelled: terminate() was requested while the domain was Pending
	// (not yet started, between runs, or suspended in a yield); the next
	// entry or resume attempt aborts.
	Cancelled
	// NotTerminable: Terminate did nothing, because the domain was already
	// Terminated or Cancelled, or the owning Instance has been dropped.
	// Only ever reported as a Terminate() Result, never a Domain.
	NotTerminable
	// Signalled: the instance was in Guest and a signal was sent to
	// interrupt it. Only ever reported as a Terminate() Result, never a
	// Domain.
	Signalled
)

func (d Domain) String() string {
	switch d {
	case Pending:
		return "Pending"
	case Guest:
		return "Guest"
	case Hostcall:
		return "Hostcall"
	case Terminated:
		return "Terminated"
	case Cancelled:
		return "Cancelled"
	case NotTerminable:
		return "NotTerminable"
	case Signalled:
		return "Signalled"
	default:
		return "Unknown"
	}
}

// State is the mutex-protected execution domain plus the bookkeeping a
// cross-thread KillSwitch needs: the OS thread id currently running guest
// code (0 when none), and a condition variable signalled whenever that
// thread id changes, so a KillSwitch's Terminate() can block until the
// guest thread has actually been descheduled: the wait while Guest is
// required so callers see a synchronous termination once Terminate()
// returns.
type State struct {
	mu       sync.Mutex
	cond     *sync.Cond
	domain   Domain
	threadID int // OS tid of the goroutine currently running guest code, 0 if none
	freed    bool
}

// NewState creates a State in the Pending domain.
func NewState() *State {
	s := &State{domain: Pending}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Domain returns the current domain under the mutex.
func (s *State) Domain() Domain {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.domain
}

// EnterGuestRegion transitions into Guest: legal from any non-Cancelled,
// non-Terminated domain; either of those aborts the entry attempt instead
// of proceeding. On success it records threadID as the thread now running
// guest code.
func (s *State) EnterGuestRegion(threadID int) (aborted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.domain == Cancelled {
		return true
	}
	if s.domain == Terminated {
		return true
	}
	s.domain = Guest
	s.threadID = threadID
	s.cond.Broadcast()
	return false
}

// ExitGuestRegion transitions back out of Guest to Pending, reporting
// whether a concurrent KillSwitch had already flipped the domain to
// Terminated first (the caller then surfaces that as a remote
// termination instead of a normal return).
func (s *State) ExitGuestRegion() (wasTerminated bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.domain != Guest && s.domain != Terminated {
		panic("BUG: ExitGuestRegion called outside Guest/Terminated domain")
	}
	wasTerminated = s.domain == Terminated
	if s.domain == Guest {
		s.domain = Pending
	}
	s.threadID = 0
	s.cond.Broadcast()
	return wasTerminated
}

// BeginHostcall implements "begin_hostcall": valid only from Guest.
// A domain already flipped to Terminated by a racing KillSwitch is not a
// programming error (the guest simply lost the race), so that case is
// reported to the caller instead of panicking; every other source domain
// is a bug.
func (s *State) BeginHostcall() (terminatedRemotely bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.domain {
	case Guest:
		s.domain = Hostcall
		s.cond.Broadcast()
		return false
	case Terminated:
		return true
	default:
		panic("BUG: BeginHostcall called outside Guest domain")
	}
}

// EndHostcall moves from Hostcall back to Guest, unless a remote
// KillSwitch set Terminated while the hostcall was running, in which case
// it reports that to the caller so it can surface the termination
// instead of resuming guest execution.
func (s *State) EndHostcall() (terminatedRemotely bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.domain {
	case Hostcall:
		s.domain = Guest
		return false
	case Terminated:
		return true
	default:
		panic("BUG: EndHostcall called outside Hostcall/Terminated domain")
	}
}

// ExitForSuspend leaves the running domain for a cooperative suspension,
// returning the domain left behind so EnterAfterResume can restore it: a
// yield from a host call must come back to Hostcall, not Guest, or the
// eventual end_hostcall would observe an impossible transition. Reports
// a domain already flipped to Terminated instead of suspending.
func (s *State) ExitForSuspend() (prev Domain, wasTerminated bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.domain {
	case Guest, Hostcall:
		prev = s.domain
		s.domain = Pending
	case Terminated:
		return Terminated, true
	default:
		panic("BUG: ExitForSuspend called outside Guest/Hostcall/Terminated domain")
	}
	s.threadID = 0
	s.cond.Broadcast()
	return prev, false
}

// EnterAfterResume restores the domain a suspension left from, aborting
// if a terminate or cancel landed while suspended. threadID is recorded
// only for Guest; a resumed host call is not signallable.
func (s *State) EnterAfterResume(prev Domain, threadID int) (aborted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.domain == Cancelled || s.domain == Terminated {
		return true
	}
	s.domain = prev
	if prev == Guest {
		s.threadID = threadID
	}
	s.cond.Broadcast()
	return false
}

// ExitOnUnwind is the fault-unwind exit: unlike ExitGuestRegion it also
// accepts Hostcall, since a panic inside a host call (an out-of-bounds
// heap index, an explicit trap) unwinds to the same recover without ever
// reaching end_hostcall. Guest and Hostcall both land in Pending; a
// domain already flipped to Terminated is reported and left as is.
func (s *State) ExitOnUnwind() (wasTerminated bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.domain {
	case Guest, Hostcall:
		s.domain = Pending
	case Terminated:
		wasTerminated = true
	default:
		panic("BUG: ExitOnUnwind called outside Guest/Hostcall/Terminated domain")
	}
	s.threadID = 0
	s.cond.Broadcast()
	return wasTerminated
}

// MarkTerminatedBySignal moves the domain to Terminated, clears the
// recorded guest thread id and wakes any waiter. KillSwitch.Terminate does
// not call it; it sets Terminated itself before signalling.
func (s *State) MarkTerminatedBySignal() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.domain = Terminated
	s.threadID = 0
	s.cond.Broadcast()
}

// Reset returns the domain to Pending, used by Instance.Reset after a
// terminal state. Only legal when not Guest/Hostcall.
func (s *State) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.domain == Guest || s.domain == Hostcall {
		return rterr.New(rterr.KindInternal, "cannot reset kill state while domain is %s", s.domain)
	}
	s.domain = Pending
	s.threadID = 0
	s.cond.Broadcast()
	return nil
}

// markFreed is called when the owning Instance is dropped, so any
// KillSwitch still holding a reference starts reporting NotTerminable
// instead of touching freed bookkeeping, the Go stand-in for a weak
// reference's upgrade failing once its target is gone.
func (s *State) markFreed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.freed = true
}

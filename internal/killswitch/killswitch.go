package killswitch

import (
	"sync"
	"sync/atomic"

	"github.com/wazero-sandbox/corevm/internal/obs"
)

// Result reports what Terminate() actually did. It shares its
// representation with Domain: a Terminate() call either reports the
// Domain state it left behind (Pending, Cancelled) or one of the two
// outcomes that only Terminate() itself produces (NotTerminable,
// Signalled).
type Result = Domain

var alarmNotifyOnce sync.Once

// ensureSigalrmIntercepted arranges for SIGALRM to be delivered to a
// discarded channel instead of the process default action (terminate).
// Go's signal.Notify installs a process-wide handler the first time any
// channel registers for a given signal; callers of unix.Tgkill below rely
// on that handler already being in place so the interrupted thread's
// blocking syscall returns EINTR instead of the process dying. This
// stands in for a sigaction(SIGALRM, handler) installation.
func ensureSigalrmIntercepted() {
	alarmNotifyOnce.Do(func() {
		ch := make(chan struct{}, 1)
		registerSigalrm(ch)
	})
}

// KillSwitch is a handle a host can keep across goroutines to request
// early termination of a running instance, independent of whatever
// goroutine is actually driving that instance. Unlike a Rust
// Weak<Mutex<KillState>>, Go's garbage collector means holding a *State
// here would keep it alive regardless; instead the
// owning Instance calls MarkFreed when it is done with a State, and this
// type checks that flag explicitly to reproduce "terminate on a KillSwitch
// outliving its instance is a no-op" rather than relying on finalizers.
type KillSwitch struct {
	state *State
	freed *atomic.Bool
}

// New wraps state in a KillSwitch. freed is a flag the owning Instance
// flips via MarkFreed when the instance is torn down.
func New(state *State, freed *atomic.Bool) *KillSwitch {
	return &KillSwitch{state: state, freed: freed}
}

// Terminate requests that the instance stop running as soon as it is safe
// to do so:
//   - Pending domain: flips to Cancelled, returns Cancelled. The next
//     EnterGuestRegion call observes Cancelled and aborts.
//   - Guest domain: sends SIGALRM to the recorded OS thread (tgkill) to
//     interrupt any blocking syscall, marks the domain Terminated, and
//     blocks until the guest thread has actually exited the guest region
//     (observed via the condition variable), then returns Signalled.
//   - Hostcall domain: flips to Terminated without signalling (the guest
//     isn't running compiled code right now, nothing to interrupt); the
//     hostcall will see Terminated at end_hostcall and refuse to resume
//     guest execution. Returns Pending.
//   - Terminated/Cancelled already, or freed: returns NotTerminable.
func (k *KillSwitch) Terminate() Result {
	if k.freed != nil && k.freed.Load() {
		return NotTerminable
	}
	s := k.state
	s.mu.Lock()
	switch s.domain {
	case Pending:
		s.domain = Cancelled
		s.cond.Broadcast()
		s.mu.Unlock()
		return Cancelled
	case Hostcall:
		s.domain = Terminated
		s.cond.Broadcast()
		s.mu.Unlock()
		return Pending
	case Guest:
		tid := s.threadID
		s.domain = Terminated
		s.cond.Broadcast()
		s.mu.Unlock()

		ensureSigalrmIntercepted()
		if tid != 0 {
			if err := signalThread(tid); err != nil {
				obs.Log.WithError(err).Warn("killswitch: tgkill failed, thread may already have exited")
			}
		}

		s.mu.Lock()
		for s.threadID != 0 {
			s.cond.Wait()
		}
		s.mu.Unlock()
		return Signalled
	case Terminated, Cancelled:
		s.mu.Unlock()
		return NotTerminable
	default:
		s.mu.Unlock()
		return NotTerminable
	}
}

// MarkFreed flips the shared freed flag so outstanding KillSwitch handles
// report NotTerminable from now on.
func MarkFreed(freed *atomic.Bool, state *State) {
	freed.Store(true)
	state.markFreed()
}

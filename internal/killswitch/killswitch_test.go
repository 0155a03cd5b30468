package killswitch

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestKillSwitch_TerminatePending(t *testing.T) {
	s := NewState()
	var freed atomic.Bool
	k := New(s, &freed)

	require.Equal(t, Cancelled, k.Terminate())
	require.Equal(t, Cancelled, s.Domain())

	aborted := s.EnterGuestRegion(1)
	require.True(t, aborted)
}

func TestKillSwitch_TerminateHostcall(t *testing.T) {
	s := NewState()
	var freed atomic.Bool
	k := New(s, &freed)

	s.EnterGuestRegion(1)
	s.BeginHostcall()

	require.Equal(t, Pending, k.Terminate())
	require.True(t, s.EndHostcall())
}

func TestKillSwitch_TerminateGuest(t *testing.T) {
	s := NewState()
	var freed atomic.Bool
	k := New(s, &freed)

	done := make(chan struct{})
	// threadID need not be a real tid for this test: Terminate()'s
	// condition-variable wait only depends on the domain/threadID state
	// transitions below, and a failed tgkill on a bogus tid is merely
	// logged.
	s.EnterGuestRegion(99999)
	go func() {
		// simulate the guest goroutine noticing termination and exiting
		// the guest region shortly after being signalled.
		time.Sleep(20 * time.Millisecond)
		s.ExitGuestRegion()
		close(done)
	}()

	result := k.Terminate()
	require.Equal(t, Signalled, result)
	<-done
	// ExitGuestRegion leaves a remotely-terminated domain Terminated; only
	// a Reset returns it to Pending.
	require.Equal(t, Terminated, s.Domain())
}

func TestKillSwitch_NotTerminableAfterFreed(t *testing.T) {
	s := NewState()
	var freed atomic.Bool
	k := New(s, &freed)

	MarkFreed(&freed, s)
	require.Equal(t, NotTerminable, k.Terminate())
}

func TestKillSwitch_NotTerminableWhenAlreadyTerminated(t *testing.T) {
	s := NewState()
	var freed atomic.Bool
	k := New(s, &freed)

	s.EnterGuestRegion(1)
	s.MarkTerminatedBySignal()

	require.Equal(t, NotTerminable, k.Terminate())
}

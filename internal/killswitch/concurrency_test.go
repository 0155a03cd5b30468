package killswitch

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

// Terminate must be linearizable against domain transitions: of many
// concurrent Terminate calls racing on a Pending instance, exactly one
// observes Pending and cancels it; the rest see the already-Cancelled
// domain and report NotTerminable.
func TestKillSwitch_ConcurrentTerminates_exactlyOneWins(t *testing.T) {
	const callers = 32

	s := NewState()
	var freed atomic.Bool

	var wg sync.WaitGroup
	results := make([]Result, callers)
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			results[i] = New(s, &freed).Terminate()
		}()
	}
	close(start)
	wg.Wait()

	cancelled := 0
	for _, r := range results {
		switch r {
		case Cancelled:
			cancelled++
		case NotTerminable:
		default:
			t.Fatalf("unexpected result %s against a Pending domain", r)
		}
	}
	require.Equal(t, 1, cancelled)
	require.Equal(t, Cancelled, s.Domain())
}

// Against a Hostcall domain, exactly one concurrent Terminate flips it to
// Terminated (reporting Pending); the rest report NotTerminable.
func TestKillSwitch_ConcurrentTerminates_hostcall(t *testing.T) {
	const callers = 16

	s := NewState()
	var freed atomic.Bool
	s.EnterGuestRegion(1)
	s.BeginHostcall()

	var wg sync.WaitGroup
	results := make([]Result, callers)
	for i := 0; i < callers; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = New(s, &freed).Terminate()
		}()
	}
	wg.Wait()

	pending := 0
	for _, r := range results {
		if r == Pending {
			pending++
		} else {
			require.Equal(t, NotTerminable, r)
		}
	}
	require.Equal(t, 1, pending)
	require.True(t, s.EndHostcall())
}

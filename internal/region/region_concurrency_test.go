package region

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/wazero-sandbox/corevm/internal/rterr"
)

// The free list is the only piece of Region state shared across
// goroutines; hammer Activate/Release from many goroutines to shake out
// double-handouts (two goroutines sharing one Slot would corrupt each
// other's heap contents).
func TestRegion_ConcurrentActivateRelease(t *testing.T) {
	const capacity = 4
	const workers = 16
	const iterations = 50

	r, err := Create(capacity, DefaultLimits())
	require.NoError(t, err)
	defer r.Close()

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		w := w
		wg.Add(1)
		go func() {
			defer wg.Done()
			mod := smallModule(65536, 4<<20, 65536)
			for i := 0; i < iterations; i++ {
				a, err := r.Activate(mod)
				if err != nil {
					if !rterr.Is(err, rterr.KindRegionFull) {
						t.Errorf("worker %d: unexpected activate error: %v", w, err)
						return
					}
					continue
				}
				// Stamp the heap and verify nobody else scribbles over it
				// while we hold the Alloc.
				heap := a.Heap()
				stamp := byte(w + 1)
				heap[0], heap[65535] = stamp, stamp
				if heap[0] != stamp || heap[65535] != stamp {
					t.Errorf("worker %d: slot shared with another owner", w)
				}
				r.Release(a)
			}
		}()
	}
	wg.Wait()
}

func TestRegion_ActivateAfterClose_fails(t *testing.T) {
	r, err := Create(1, DefaultLimits())
	require.NoError(t, err)
	require.NoError(t, r.Close())

	_, err = r.Activate(smallModule(65536, 4<<20, 65536))
	require.True(t, rterr.Is(err, rterr.KindInternal))
}

func TestRegion_Close_isIdempotent(t *testing.T) {
	r, err := Create(2, DefaultLimits())
	require.NoError(t, err)
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())
}

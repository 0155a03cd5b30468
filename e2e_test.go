package corevm

import (
	"context"
	"fmt"
	"testing"
	"time"
	"unsafe"

	"github.com/stretchr/testify/require"
)

// These tests drive the embedder-facing API end to end, with registered
// Go guest bodies standing in for compiled artifacts the same way the
// internal packages' own tests do.

func defaultHeapSpec() HeapSpec {
	return HeapSpec{ReservedSize: 4 << 20, GuardSize: 65536, InitialSize: 65536}
}

func TestE2E_HelloWorld(t *testing.T) {
	onetwothree := RegisterGuestFunc(func(vmctx *VMContext, args []uint64) (uint64, error) {
		return 123, nil
	})

	reg, err := NewRegion(1, NewConfig())
	require.NoError(t, err)
	defer reg.Close()

	mod := NewSyntheticModule(defaultHeapSpec(), nil, nil, map[string]uintptr{"onetwothree": onetwothree}, 0)
	inst, err := reg.NewInstance(mod)
	require.NoError(t, err)
	defer inst.Close()

	got, err := inst.Run("onetwothree")
	require.NoError(t, err)
	require.Equal(t, uint64(123), got)
	require.Equal(t, Ready, inst.Status().Kind)
}

func TestE2E_HeapGrowthAndLimits(t *testing.T) {
	reg, err := NewRegion(1, NewConfig())
	require.NoError(t, err)
	defer reg.Close()

	spec := HeapSpec{
		ReservedSize: 4 << 20,
		GuardSize:    65536,
		InitialSize:  4 * WasmPageSize,
		MaxSize:      10 * WasmPageSize,
		MaxSizeValid: true,
	}
	mod := NewSyntheticModule(spec, nil, nil, nil, 0)
	inst, err := reg.NewInstance(mod)
	require.NoError(t, err)
	defer inst.Close()

	prev, err := inst.GrowMemoryPages(1)
	require.NoError(t, err)
	require.Equal(t, uint32(4), prev)
	require.Equal(t, uint64(5*WasmPageSize), inst.HeapLen())

	_, err = inst.GrowMemoryPages(10)
	require.True(t, IsKind(err, KindLimitsExceeded))
	require.Equal(t, uint64(5*WasmPageSize), inst.HeapLen(), "a denied grow must leave the heap untouched")
}

func TestE2E_FaultRecovery(t *testing.T) {
	oob := RegisterGuestFunc(func(vmctx *VMContext, args []uint64) (uint64, error) {
		heap := vmctx.Heap()
		past := uintptr(unsafe.Pointer(&heap[0])) + uintptr(len(heap)) + 64
		*(*byte)(unsafe.Pointer(past)) = 1
		return 0, nil
	})
	trivial := RegisterGuestFunc(func(vmctx *VMContext, args []uint64) (uint64, error) {
		return 123, nil
	})

	reg, err := NewRegion(1, NewConfig())
	require.NoError(t, err)
	defer reg.Close()

	mod := NewSyntheticModule(defaultHeapSpec(), nil, nil, map[string]uintptr{"oob": oob, "trivial": trivial}, 0)
	inst, err := reg.NewInstance(mod)
	require.NoError(t, err)
	defer inst.Close()

	_, err = inst.Run("oob")
	require.True(t, IsKind(err, KindRuntimeFault))
	st := inst.Status()
	require.Equal(t, Faulted, st.Kind)
	require.Equal(t, TrapHeapOutOfBounds, st.Fault.TrapCode)
	require.False(t, st.Fault.Fatal)

	require.NoError(t, inst.Reset())
	got, err := inst.Run("trivial")
	require.NoError(t, err)
	require.Equal(t, uint64(123), got)
}

func TestE2E_RemoteTerminationDuringHostcall(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	sleeper := RegisterGuestFunc(func(vmctx *VMContext, args []uint64) (uint64, error) {
		return vmctx.HostCall(func() (uint64, error) {
			close(started)
			<-release
			return 0, nil
		})
	})

	reg, err := NewRegion(1, NewConfig())
	require.NoError(t, err)
	defer reg.Close()

	mod := NewSyntheticModule(defaultHeapSpec(), nil, nil, map[string]uintptr{"sleeper": sleeper}, 0)
	inst, err := reg.NewInstance(mod)
	require.NoError(t, err)
	defer inst.Close()

	errCh := make(chan error, 1)
	go func() {
		_, err := inst.Run("sleeper")
		errCh <- err
	}()

	<-started
	ks := inst.KillSwitch()
	require.Equal(t, Pending, ks.Terminate())
	close(release)

	err = <-errCh
	require.True(t, IsKind(err, KindRuntimeTerminated))
	st := inst.Status()
	require.Equal(t, Terminated, st.Kind)
	require.Equal(t, TerminationRemote, st.Termination)

	require.NoError(t, inst.Reset())
	require.Equal(t, Ready, inst.Status().Kind)
}

func TestE2E_CooperativeYield(t *testing.T) {
	echo := RegisterGuestFunc(func(vmctx *VMContext, args []uint64) (uint64, error) {
		reply := YieldExpectingVal[uint32](vmctx, uint64(42))
		return uint64(reply), nil
	})

	reg, err := NewRegion(1, NewConfig())
	require.NoError(t, err)
	defer reg.Close()

	mod := NewSyntheticModule(defaultHeapSpec(), nil, nil, map[string]uintptr{"echo": echo}, 0)
	inst, err := reg.NewInstance(mod)
	require.NoError(t, err)
	defer inst.Close()

	_, err = inst.Run("echo")
	require.NoError(t, err)
	st := inst.Status()
	require.Equal(t, Yielded, st.Kind)
	require.Equal(t, uint64(42), st.YieldVal)

	_, err = inst.ResumeWithVal("wrong type")
	require.True(t, IsKind(err, KindInvalidResumeType))
	require.Equal(t, Yielded, inst.Status().Kind)

	got, err := inst.ResumeWithVal(uint32(7))
	require.NoError(t, err)
	require.Equal(t, uint64(7), got)
	require.Equal(t, Ready, inst.Status().Kind)
}

func TestE2E_AsyncBoundExpiry(t *testing.T) {
	burner := RegisterGuestFunc(func(vmctx *VMContext, args []uint64) (uint64, error) {
		for i := 0; i < 3500; i++ {
			vmctx.CheckBudget()
		}
		return 9, nil
	})

	reg, err := NewRegion(1, NewConfig())
	require.NoError(t, err)
	defer reg.Close()

	mod := NewSyntheticModule(defaultHeapSpec(), nil, nil, map[string]uintptr{"burner": burner}, 0)
	inst, err := reg.NewInstance(mod)
	require.NoError(t, err)
	defer inst.Close()

	d := NewDriver(inst, 1000)
	d.Start("burner")

	polls := 0
	for {
		out, err := d.Poll(context.Background())
		require.NoError(t, err)
		polls++
		if out.Kind == PollReady {
			require.Equal(t, uint64(9), out.Value)
			break
		}
		require.Equal(t, PollPending, out.Kind)
		require.Less(t, polls, 100)
	}
	require.GreaterOrEqual(t, polls, 4, "1000-unit bound over 3500 checkpoints must yield to the executor at least three times")
}

func TestE2E_BlockOnHostFuture(t *testing.T) {
	results := make(chan uint64, 1)
	fetch := RegisterGuestFunc(func(vmctx *VMContext, args []uint64) (uint64, error) {
		v, err := BlockOn(vmctx, results)
		if err != nil {
			return 0, err
		}
		return v * 2, nil
	})

	reg, err := NewRegion(1, NewConfig())
	require.NoError(t, err)
	defer reg.Close()

	mod := NewSyntheticModule(defaultHeapSpec(), nil, nil, map[string]uintptr{"fetch": fetch}, 0)
	inst, err := reg.NewInstance(mod)
	require.NoError(t, err)
	defer inst.Close()

	d := NewDriver(inst, 0)
	d.Start("fetch")

	out, err := d.Poll(context.Background())
	require.NoError(t, err)
	require.Equal(t, PollPending, out.Kind)

	go func() {
		time.Sleep(10 * time.Millisecond)
		results <- 21
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	got, err := d.RunToCompletion(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(42), got)
}

func TestE2E_RecycledSlotIsZeroForNextInstance(t *testing.T) {
	scribble := RegisterGuestFunc(func(vmctx *VMContext, args []uint64) (uint64, error) {
		vmctx.Heap()[0] = 0xEE
		return 0, nil
	})
	read := RegisterGuestFunc(func(vmctx *VMContext, args []uint64) (uint64, error) {
		return uint64(vmctx.Heap()[0]), nil
	})

	reg, err := NewRegion(1, NewConfig())
	require.NoError(t, err)
	defer reg.Close()

	mod := NewSyntheticModule(defaultHeapSpec(), nil, nil, map[string]uintptr{"scribble": scribble, "read": read}, 0)

	inst, err := reg.NewInstance(mod)
	require.NoError(t, err)
	_, err = inst.Run("scribble")
	require.NoError(t, err)
	inst.Close()

	inst2, err := reg.NewInstance(mod)
	require.NoError(t, err)
	defer inst2.Close()
	got, err := inst2.Run("read")
	require.NoError(t, err)
	require.Equal(t, uint64(0), got, "a recycled slot must read as zero for the next instance")
}

func TestE2E_MemoryLimiterGatesGrowth(t *testing.T) {
	grower := RegisterGuestFunc(func(vmctx *VMContext, args []uint64) (uint64, error) {
		prev, err := vmctx.GrowMemoryPages(uint32(args[0]))
		if err != nil {
			return 0, err
		}
		return uint64(prev), nil
	})

	reg, err := NewRegion(1, NewConfig())
	require.NoError(t, err)
	defer reg.Close()

	mod := NewSyntheticModule(defaultHeapSpec(), nil, nil, map[string]uintptr{"grower": grower}, 0)
	inst, err := reg.NewInstance(mod)
	require.NoError(t, err)
	defer inst.Close()

	limiter := &cappingLimiter{capBytes: 2 * 65536}
	inst.SetMemoryLimiter(limiter)

	got, err := inst.Run("grower", 1)
	require.NoError(t, err)
	require.Equal(t, uint64(1), got)

	_, err = inst.Run("grower", 8)
	require.Error(t, err)
	require.Equal(t, 1, limiter.failures)
}

func TestE2E_ParallelInstancesOnSeparateThreads(t *testing.T) {
	square := RegisterGuestFunc(func(vmctx *VMContext, args []uint64) (uint64, error) {
		vmctx.Heap()[0] = byte(args[0])
		return args[0] * args[0], nil
	})

	const lanes = 8
	reg, err := NewRegion(lanes, NewConfig())
	require.NoError(t, err)
	defer reg.Close()

	mod := NewSyntheticModule(defaultHeapSpec(), nil, nil, map[string]uintptr{"square": square}, 0)

	errs := make(chan error, lanes)
	for i := 0; i < lanes; i++ {
		i := i
		go func() {
			inst, err := reg.NewInstance(mod)
			if err != nil {
				errs <- err
				return
			}
			defer inst.Close()
			for run := 0; run < 10; run++ {
				got, err := inst.Run("square", uint64(i))
				if err != nil {
					errs <- err
					return
				}
				if got != uint64(i*i) {
					errs <- errResult{i, got}
					return
				}
				if inst.Heap()[0] != byte(i) {
					errs <- errResult{i, uint64(inst.Heap()[0])}
					return
				}
			}
			errs <- nil
		}()
	}
	for i := 0; i < lanes; i++ {
		require.NoError(t, <-errs)
	}
}

type errResult struct {
	lane int
	got  uint64
}

func (e errResult) Error() string {
	return fmt.Sprintf("lane %d observed cross-instance interference: got %d", e.lane, e.got)
}

type cappingLimiter struct {
	capBytes uint64
	failures int
}

func (c *cappingLimiter) MemoryGrowing(current, desired uint64) bool { return desired <= c.capBytes }
func (c *cappingLimiter) MemoryGrowFailed(err error)                 { c.failures++ }

package region

import (
	"sync/atomic"
	"unsafe"

	"github.com/wazero-sandbox/corevm/internal/platform"
	"github.com/wazero-sandbox/corevm/internal/rterr"
	"github.com/wazero-sandbox/corevm/internal/vmmodule"
)

// Alloc is a Slot activated for exactly one live Instance. It owns the
// accessible-heap high-water mark and enforces both the
// module's HeapSpec and the Region's Limits on growth and reset.
//
// heapAccessibleSize and heapInaccessibleSize are read without a lock by
// the owning goroutine during normal operation (the Alloc is !Sync: it is
// only ever touched by the thread running the instance), but are stored
// atomically so a concurrent diagnostic read (e.g. from a kill switch
// observer) never tears.
type Alloc struct {
	slot   *Slot
	spec   vmmodule.HeapSpec
	limits Limits

	heapAccessibleSize   atomic.Uint64
	heapInaccessibleSize atomic.Uint64
}

// HeapAccessibleSize returns the current RW-protected heap length in bytes.
func (a *Alloc) HeapAccessibleSize() uint64 { return a.heapAccessibleSize.Load() }

// HeapInaccessibleSize returns the remainder of the reserved heap region
// that is still PROT_NONE.
func (a *Alloc) HeapInaccessibleSize() uint64 { return a.heapInaccessibleSize.Load() }

// Heap returns the Go-visible slice over the currently accessible heap
// bytes only; indices past len(Heap()) are out of bounds by Go's own
// slice semantics even though more address space is reserved behind it.
func (a *Alloc) Heap() []byte {
	base, _ := a.slot.HeapBase()
	return base[:a.heapAccessibleSize.Load():a.heapAccessibleSize.Load()]
}

// Stack, Globals, SigStack delegate to the underlying Slot; they are
// always fully accessible once activated by (*Region).NewInstance.
func (a *Alloc) Stack() []byte    { return a.slot.Stack() }
func (a *Alloc) Globals() []byte  { return a.slot.Globals() }
func (a *Alloc) SigStack() []byte { return a.slot.SigStack() }

// Slot returns the backing Slot, e.g. so the instance state machine can
// reach InstanceHeader() for its own bookkeeping.
func (a *Alloc) Slot() *Slot { return a.slot }

// InHeapGuard reports whether addr falls inside the heap sub-region's
// reserved-but-inaccessible tail: past the current accessible window but
// still within the slot's heap address space. A fault here is a guest
// heap access past its bounds, classified HeapOutOfBounds.
func (a *Alloc) InHeapGuard(addr uintptr) bool {
	base, total := a.slot.HeapBase()
	lo := uintptr(unsafe.Pointer(&base[0]))
	acc := uintptr(a.heapAccessibleSize.Load())
	return addr >= lo+acc && addr < lo+uintptr(total)
}

// InStackGuard reports whether addr falls inside the guard page the guest
// stack grows down into, i.e. the page immediately below the stack
// sub-region. A fault here is a stack overflow. Checked before
// InHeapGuard by the classifier, since that page is also the tail of the
// heap address space.
func (a *Alloc) InStackGuard(addr uintptr) bool {
	stack := a.slot.Stack()
	lo := uintptr(unsafe.Pointer(&stack[0]))
	ps := uintptr(platform.PageSize())
	return addr >= lo-ps && addr < lo
}

// ExpandHeap grows the accessible heap window by at least bytes,
// rounding up to a whole page. It checks, in order, the
// module's max_size (if any), the module's reserved_size minus guard_size,
// and the Region's Limits.heap_memory_size, returning KindLimitsExceeded
// on the first violated bound. On success it mprotects the newly accessible
// pages RW and returns the new total accessible size.
func (a *Alloc) ExpandHeap(bytes uint64) (newAccessibleBytes uint64, err error) {
	cur := a.heapAccessibleSize.Load()
	grow := platform.RoundUpToPage(bytes)
	want := cur + grow

	if a.spec.MaxSizeValid && want > a.spec.MaxSize {
		return 0, rterr.New(rterr.KindLimitsExceeded, "heap growth to %d exceeds module max_size %d", want, a.spec.MaxSize)
	}
	var limit uint64
	if a.spec.ReservedSize > a.spec.GuardSize {
		limit = a.spec.ReservedSize - a.spec.GuardSize
	}
	if want > limit {
		return 0, rterr.New(rterr.KindLimitsExceeded, "heap growth to %d exceeds reserved_size-guard_size %d", want, limit)
	}
	if want > a.limits.HeapMemorySize {
		return 0, rterr.New(rterr.KindLimitsExceeded, "heap growth to %d exceeds limits.heap_memory_size %d", want, a.limits.HeapMemorySize)
	}

	heap, _ := a.slot.HeapBase()
	if err := platform.ProtectReadWrite(heap, int(cur), int(grow)); err != nil {
		return 0, rterr.Wrap(rterr.KindInternal, err, "mprotect heap growth")
	}

	a.heapAccessibleSize.Store(want)
	a.heapInaccessibleSize.Store(a.spec.ReservedSize - want)
	return want, nil
}

// ResetHeap shrinks the accessible window back to the module's
// initial_size, re-protecting and MADV_DONTNEED-ing the excess. It does
// not by itself re-copy sparse page data or
// re-zero pages; that is the caller's (Instance.Reset's) job once the
// window is the right size, since only the caller knows the module.
func (a *Alloc) ResetHeap() error {
	cur := a.heapAccessibleSize.Load()
	initial := a.spec.InitialSize
	if cur <= initial {
		return nil
	}
	shrinkBy := cur - initial
	heap, _ := a.slot.HeapBase()

	if err := platform.DontNeed(heap, int(initial), int(shrinkBy)); err != nil {
		return rterr.Wrap(rterr.KindInternal, err, "madvise heap reset")
	}
	if err := platform.ProtectNone(heap, int(initial), int(shrinkBy)); err != nil {
		return rterr.Wrap(rterr.KindInternal, err, "mprotect heap reset")
	}

	a.heapAccessibleSize.Store(initial)
	a.heapInaccessibleSize.Store(a.spec.ReservedSize - initial)
	return nil
}

// ReinitializeHeap zeroes the accessible heap window (now sized at
// module's initial_size by a prior ResetHeap call) and re-copies the
// module's sparse page data into it, the same initialization
// (*Region).activateSlot applies at Activate time. Without this, a guest
// that mutated heap bytes below initial_size before faulting or being
// terminated would see its own stale mutations survive a Reset.
func (a *Alloc) ReinitializeHeap(module *vmmodule.Module) {
	heap := a.Heap()
	clear(heap)
	copySparsePages(heap, module.SparsePageData())
}

// ReinitializeGlobals zeroes and re-copies the module's global
// initializers, mirroring activateSlot's globals setup.
func (a *Alloc) ReinitializeGlobals(module *vmmodule.Module) {
	globals := a.slot.Globals()
	clear(globals)
	copyGlobals(globals, module.Globals())
}

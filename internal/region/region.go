// Package region implements the slot pool: fixed-shape virtual memory
// reservations (Slot) that Region hands out as activated Allocs and
// recycles on release. It follows the same mmap-reservation-plus-
// explicit-release discipline as a JIT code-cache allocator,
// generalized from "one big mmap per compiled module" to "N equally-shaped
// mmaps reused across instances".
package region

import (
	"sync"

	"github.com/wazero-sandbox/corevm/internal/obs"
	"github.com/wazero-sandbox/corevm/internal/platform"
	"github.com/wazero-sandbox/corevm/internal/rterr"
	"github.com/wazero-sandbox/corevm/internal/vmmodule"
)

// Region is a pool of equally-shaped Slots plus a free list. Free-list
// access is serialized by a mutex with only brief
// critical sections; the list is LIFO internally but that order is not
// part of the contract.
type Region struct {
	limits Limits
	lo     layout

	mu       sync.Mutex
	free     []*Slot
	capacity int
	closed   bool
}

// Create validates limits and reserves capacity contiguous virtual memory
// windows, laying out the five sub-regions inside each by pointer
// arithmetic. Every window starts PROT_NONE except the instance header
// page, which is RW from the start.
func Create(capacity int, limits Limits) (*Region, error) {
	if capacity <= 0 {
		return nil, rterr.New(rterr.KindInvalidArgument, "capacity must be > 0, got %d", capacity)
	}
	if err := limits.Validate(); err != nil {
		return nil, err
	}

	r := &Region{limits: limits, lo: newLayout(limits), capacity: capacity}
	total := int(limits.TotalMemorySize())

	for i := 0; i < capacity; i++ {
		mem, err := platform.ReserveAnonymous(total)
		if err != nil {
			r.releaseReserved()
			return nil, rterr.Wrap(rterr.KindInternal, err, "reserve slot %d/%d", i, capacity)
		}
		if err := platform.ProtectReadWrite(mem, r.lo.instanceHeaderOff, r.lo.instanceHeaderLen); err != nil {
			_ = platform.Unmap(mem)
			r.releaseReserved()
			return nil, rterr.Wrap(rterr.KindInternal, err, "activate instance header of slot %d/%d", i, capacity)
		}
		slot := &Slot{region: r, mem: mem, lo: r.lo}
		r.free = append(r.free, slot)
	}
	return r, nil
}

// releaseReserved is only used to unwind a partially-constructed Region
// when a later slot's reservation fails mid-Create.
func (r *Region) releaseReserved() {
	for _, s := range r.free {
		_ = platform.Unmap(s.mem)
	}
	r.free = nil
}

// Capacity returns the number of Slots the Region was created with.
func (r *Region) Capacity() int { return r.capacity }

// Limits returns the Region's Limits.
func (r *Region) Limits() Limits { return r.limits }

// Activate pops a free Slot, re-enables RW on the heap/stack/globals/
// sigstack subregions sized for this module, zeroes them, copies sparse
// page data into the heap, and returns a bound Alloc. It verifies the
// module's HeapSpec fits the Region's Limits before touching any memory.
func (r *Region) Activate(module *vmmodule.Module) (*Alloc, error) {
	spec := module.HeapSpec()
	if err := spec.Validate(platform.PageSize(), r.limits.HeapAddressSpaceSize, r.limits.HeapMemorySize); err != nil {
		return nil, err
	}

	slot, err := r.pop()
	if err != nil {
		return nil, err
	}

	if err := r.activateSlot(slot, spec, module); err != nil {
		deactivateSlot(slot) // re-protect whatever sub-regions were already RW before returning it to the pool
		r.push(slot)
		return nil, err
	}

	alloc := &Alloc{slot: slot, spec: spec, limits: r.limits}
	alloc.heapAccessibleSize.Store(spec.InitialSize)
	alloc.heapInaccessibleSize.Store(spec.ReservedSize - spec.InitialSize)
	return alloc, nil
}

func (r *Region) activateSlot(slot *Slot, spec vmmodule.HeapSpec, module *vmmodule.Module) error {
	heap, _ := slot.HeapBase()
	if spec.InitialSize > 0 {
		if err := platform.ProtectReadWrite(heap, 0, int(spec.InitialSize)); err != nil {
			return rterr.Wrap(rterr.KindInternal, err, "activate heap")
		}
		clear(heap[:spec.InitialSize])
		copySparsePages(heap[:spec.InitialSize], module.SparsePageData())
	}

	stack := slot.Stack()
	if err := platform.ProtectReadWrite(stack, 0, len(stack)); err != nil {
		return rterr.Wrap(rterr.KindInternal, err, "activate stack")
	}
	clear(stack)

	globals := slot.Globals()
	if err := platform.ProtectReadWrite(globals, 0, len(globals)); err != nil {
		return rterr.Wrap(rterr.KindInternal, err, "activate globals")
	}
	clear(globals)
	copyGlobals(globals, module.Globals())

	sigStack := slot.SigStack()
	if err := platform.ProtectReadWrite(sigStack, 0, len(sigStack)); err != nil {
		return rterr.Wrap(rterr.KindInternal, err, "activate signal stack")
	}
	clear(sigStack)

	return nil
}

func copySparsePages(heap []byte, pages []*[vmmodule.PageSize]byte) {
	for i, p := range pages {
		if p == nil {
			continue
		}
		off := i * vmmodule.PageSize
		if off >= len(heap) {
			break
		}
		n := copy(heap[off:], p[:])
		_ = n
	}
}

func copyGlobals(dst []byte, globals []uint64) {
	for i, g := range globals {
		off := i * 8
		if off+8 > len(dst) {
			break
		}
		putUint64(dst[off:off+8], g)
	}
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

// Release returns alloc's Slot to the free list after resetting every
// sub-region to PROT_NONE and advising MADV_DONTNEED. Calling Release
// twice on the same Alloc panics: an Alloc has
// exactly one owner and the owner drops it exactly once.
func (a *Alloc) released() bool { return a.slot == nil }

// Release is defined on Region (not Alloc) because it is the Region,
// not the Alloc, that owns the free list the Slot returns to.
func (r *Region) Release(a *Alloc) {
	if a.released() {
		panic("BUG: region.Release called twice on the same Alloc")
	}
	slot := a.slot
	deactivateSlot(slot)
	a.slot = nil
	r.push(slot)
}

// deactivateSlot resets the heap, stack, globals, and sigstack sub-regions
// to PROT_NONE and advises MADV_DONTNEED so their physical pages are
// reclaimed. Failures are logged, not returned: a slot whose mprotect
// failed on the way back to the free list will fail again, loudly, at its
// next activation.
func deactivateSlot(slot *Slot) {
	heap, heapLen := slot.HeapBase()
	for _, sub := range []struct {
		name string
		mem  []byte
		len  int
	}{
		{"heap", heap, heapLen},
		{"stack", slot.Stack(), len(slot.Stack())},
		{"globals", slot.Globals(), len(slot.Globals())},
		{"sigstack", slot.SigStack(), len(slot.SigStack())},
	} {
		if err := platform.ProtectNone(sub.mem, 0, sub.len); err != nil {
			obs.Log.WithError(err).WithField("subregion", sub.name).Error("region: protect-none on release")
			continue
		}
		if err := platform.DontNeed(sub.mem, 0, sub.len); err != nil {
			obs.Log.WithError(err).WithField("subregion", sub.name).Error("region: madvise on release")
		}
	}
}

func (r *Region) pop() (*Slot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, rterr.New(rterr.KindInternal, "region is closed")
	}
	n := len(r.free)
	if n == 0 {
		return nil, rterr.New(rterr.KindRegionFull, "no free slot in region (capacity=%d)", r.capacity)
	}
	s := r.free[n-1]
	r.free = r.free[:n-1]
	return s, nil
}

func (r *Region) push(s *Slot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.free = append(r.free, s)
}

// Close unmaps every Slot currently on the free list. The Region must not
// be used afterward; Slots hold only a weak (non-owning) pointer back to
// the Region specifically so that an Alloc being released concurrently
// with Close never dereferences freed memory through the Region itself.
// A Slot still held by an Alloc at the time of Close is not unmapped,
// neither by Close nor by a later Release.
func (r *Region) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	var firstErr error
	for _, s := range r.free {
		if err := platform.Unmap(s.mem); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	r.free = nil
	return firstErr
}

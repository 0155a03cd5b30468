package region

import (
	"github.com/wazero-sandbox/corevm/internal/platform"
)

// layout describes the byte offsets of each of a Slot's five sub-regions
// within its single contiguous mmap reservation, derived once from Limits.
// The stack grows downward into the guard page that precedes it, so its
// "offset" is the low end of the stack region, matching where a stack
// pointer starts once initialized to the top of the region.
type layout struct {
	instanceHeaderOff, instanceHeaderLen int
	heapOff, heapLen                     int
	stackOff, stackLen                   int
	globalsOff, globalsLen               int
	sigStackOff, sigStackLen             int
}

func newLayout(l Limits) layout {
	ps := platform.PageSize()
	var lo layout
	off := 0

	lo.instanceHeaderOff, lo.instanceHeaderLen = off, ps
	off += ps

	lo.heapOff, lo.heapLen = off, int(l.HeapAddressSpaceSize)
	off += int(l.HeapAddressSpaceSize)

	lo.stackOff, lo.stackLen = off, int(l.StackSize)
	off += int(l.StackSize)

	off += ps // guard page between stack and globals

	lo.globalsOff, lo.globalsLen = off, int(l.GlobalsSize)
	off += int(l.GlobalsSize)

	off += ps // guard page between globals and sigstack

	lo.sigStackOff, lo.sigStackLen = off, sigStackSize
	off += sigStackSize

	return lo
}

// Slot is a fixed-layout virtual memory reservation that can host exactly
// one live instance at a time. It holds a weak (non-owning) reference to
// its parent Region by design: recycling a Slot must be safe even if the
// Region itself has already begun tearing down.
type Slot struct {
	region *Region // never dereferenced after the Region starts Close; see (*Region).Close
	mem    []byte  // the whole total_memory_size(limits) reservation, PROT_NONE except where activated
	lo     layout
}

// InstanceHeader returns the RW instance-header sub-slice (always
// accessible: it is mapped RW at reservation time).
func (s *Slot) InstanceHeader() []byte {
	return s.mem[s.lo.instanceHeaderOff : s.lo.instanceHeaderOff+s.lo.instanceHeaderLen]
}

// HeapBase returns the start of the heap sub-region and its total reserved
// length (limits.heap_address_space_size, not the module's reserved_size).
func (s *Slot) HeapBase() ([]byte, int) {
	return s.mem[s.lo.heapOff:], s.lo.heapLen
}

// Stack returns the stack sub-region. The guest stack pointer starts at
// the high end and grows down toward the heap sub-region that precedes
// the stack (see note below).
//
// Note: the stack grows downward into the *preceding* region's guard
// page, i.e. the guard page between the heap and the stack. The guard
// sits immediately after the heap (as part of the heap's own guard_size)
// and before the stack; this runtime's heap sub-region already reserves
// heap_address_space_size which includes room for the module's
// guard_size at its tail, so a stack overflow running off the bottom of
// the stack region lands in heap-reserved-but-PROT_NONE address space,
// which still faults.
func (s *Slot) Stack() []byte {
	return s.mem[s.lo.stackOff : s.lo.stackOff+s.lo.stackLen]
}

// Globals returns the globals sub-region.
func (s *Slot) Globals() []byte {
	return s.mem[s.lo.globalsOff : s.lo.globalsOff+s.lo.globalsLen]
}

// SigStack returns the fixed-size signal-stack sub-region.
func (s *Slot) SigStack() []byte {
	return s.mem[s.lo.sigStackOff : s.lo.sigStackOff+s.lo.sigStackLen]
}

// Region returns the Slot's parent Region. Safe to call at any time; it
// never blocks or deadlocks even mid-teardown, since the Slot only reads
// the pointer, never a lock inside the Region.
func (s *Slot) Region() *Region { return s.region }

package region

import (
	"github.com/wazero-sandbox/corevm/internal/platform"
	"github.com/wazero-sandbox/corevm/internal/rterr"
)

// sigStackSize is the fixed size of the signal stack sub-region carried in
// every Slot. Go's runtime installs its own per-goroutine alternate signal
// stack for fault delivery, so this region is not mmap'd as an actual
// sigaltstack target; it is kept in the Slot layout so the address-space
// accounting and guard-page placement exactly mirror the five-region
// shape, and so a future native dispatcher could reuse it without
// re-deriving the layout.
const sigStackSize = 2 * 4096

// Limits is the process-wide configuration describing the shape every Slot
// in a Region gets. All byte fields must be page-size multiples except
// that StackSize just needs to be non-zero and page-aligned.
type Limits struct {
	HeapMemorySize       uint64
	HeapAddressSpaceSize uint64
	StackSize            uint64
	GlobalsSize           uint64
}

// DefaultLimits mirrors the conservative defaults a host typically starts
// from: 4MiB heap, 64MiB reserved address space (room to grow without
// remapping), 128KiB stack, 4KiB of globals.
func DefaultLimits() Limits {
	return Limits{
		HeapMemorySize:       4 << 20,
		HeapAddressSpaceSize: 64 << 20,
		StackSize:            128 * 1024,
		GlobalsSize:          4096,
	}
}

// Validate checks the required invariants: page alignment,
// non-zero stack, and heap_address_space_size large enough to hold
// heap_memory_size plus at least one guard page.
func (l Limits) Validate() error {
	ps := uint64(platform.PageSize())
	if l.HeapMemorySize%ps != 0 {
		return rterr.New(rterr.KindInvalidArgument, "heap_memory_size %d is not page-aligned", l.HeapMemorySize)
	}
	if l.HeapAddressSpaceSize%ps != 0 {
		return rterr.New(rterr.KindInvalidArgument, "heap_address_space_size %d is not page-aligned", l.HeapAddressSpaceSize)
	}
	if l.StackSize == 0 {
		return rterr.New(rterr.KindInvalidArgument, "stack_size must be > 0")
	}
	if l.StackSize%ps != 0 {
		return rterr.New(rterr.KindInvalidArgument, "stack_size %d is not page-aligned", l.StackSize)
	}
	if l.GlobalsSize%ps != 0 {
		return rterr.New(rterr.KindInvalidArgument, "globals_size %d is not page-aligned", l.GlobalsSize)
	}
	if l.HeapAddressSpaceSize < l.HeapMemorySize+ps {
		return rterr.New(rterr.KindInvalidArgument, "heap_address_space_size %d must be >= heap_memory_size %d plus a guard page", l.HeapAddressSpaceSize, l.HeapMemorySize)
	}
	return nil
}

// TotalMemorySize computes the byte size of one Slot: instance header page,
// heap address space, stack, a guard page, globals, another guard page,
// and the fixed signal stack, laid out in exactly that order.
func (l Limits) TotalMemorySize() uint64 {
	ps := uint64(platform.PageSize())
	return ps /* instance struct page */ +
		l.HeapAddressSpaceSize +
		l.StackSize +
		ps /* guard */ +
		l.GlobalsSize +
		ps /* guard */ +
		sigStackSize
}

package vmmodule

import "github.com/wazero-sandbox/corevm/internal/rterr"

// HeapSpec is the per-module heap description read from the
// lucet_heap_spec symbol. Field names mirror the wire layout below so the
// unsafe cast in module.go stays obviously correct by inspection.
type HeapSpec struct {
	ReservedSize uint64
	GuardSize    uint64
	InitialSize  uint64
	MaxSize      uint64
	MaxSizeValid bool
}

// wireHeapSpec is the bit-exact on-disk layout of lucet_heap_spec:
// { reserved_size, guard_size, initial_size, max_size, max_size_valid uint64 }.
type wireHeapSpec struct {
	ReservedSize uint64
	GuardSize    uint64
	InitialSize  uint64
	MaxSize      uint64
	MaxSizeValid uint64
}

func heapSpecFromWire(w *wireHeapSpec) HeapSpec {
	return HeapSpec{
		ReservedSize: w.ReservedSize,
		GuardSize:    w.GuardSize,
		InitialSize:  w.InitialSize,
		MaxSize:      w.MaxSize,
		MaxSizeValid: w.MaxSizeValid != 0,
	}
}

const sixtyFourKiB = 64 * 1024

// Validate checks the HeapSpec's own invariants against the host page
// size and against a Region's Limits, which must already have passed its
// own Validate.
func (h HeapSpec) Validate(pageSize int, heapAddressSpaceSize, heapMemorySize uint64) error {
	ps := uint64(pageSize)
	if h.InitialSize%sixtyFourKiB != 0 {
		return rterr.New(rterr.KindModule, "heap initial_size %d is not a multiple of 64KiB", h.InitialSize)
	}
	if h.InitialSize > h.ReservedSize {
		return rterr.New(rterr.KindModule, "heap initial_size %d exceeds reserved_size %d", h.InitialSize, h.ReservedSize)
	}
	if h.ReservedSize%ps != 0 || h.GuardSize%ps != 0 {
		return rterr.New(rterr.KindModule, "heap reserved_size/guard_size must be page-aligned")
	}
	if h.ReservedSize+h.GuardSize > heapAddressSpaceSize {
		return rterr.New(rterr.KindLimitsExceeded, "heap reserved_size+guard_size %d exceeds limits.heap_address_space_size %d", h.ReservedSize+h.GuardSize, heapAddressSpaceSize)
	}
	if h.InitialSize > heapMemorySize {
		return rterr.New(rterr.KindLimitsExceeded, "heap initial_size %d exceeds limits.heap_memory_size %d", h.InitialSize, heapMemorySize)
	}
	return nil
}

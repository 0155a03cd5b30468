// Package platform isolates the raw virtual-memory syscalls the region
// allocator needs (mmap/mprotect/madvise) behind a small surface, the same
// way a JIT engine's platform package isolates OS-specific behavior behind
// a CompilerSupported/MmapCodeSegment seam for its own code-cache allocator.
package platform

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// PageSize is the host's page size, captured once at process start. The
// runtime only supports hosts whose page size is exactly 4 KiB; anything
// else is a fatal configuration error.
const expectedPageSize = 4096

var pageSize = mustDetectPageSize()

func mustDetectPageSize() int {
	sz := unix.Getpagesize()
	if sz != expectedPageSize {
		panic(fmt.Sprintf("platform: host page size is %d bytes, this runtime requires %d", sz, expectedPageSize))
	}
	return sz
}

// PageSize returns the host page size in bytes. All Region, HeapSpec and
// Limits byte quantities must be multiples of this value.
func PageSize() int { return pageSize }

// RoundUpToPage rounds n up to the next multiple of PageSize.
func RoundUpToPage(n uint64) uint64 {
	ps := uint64(pageSize)
	if n%ps == 0 {
		return n
	}
	return (n/ps + 1) * ps
}

// IsPageAligned reports whether n is a multiple of PageSize.
func IsPageAligned(n uint64) bool {
	return n%uint64(pageSize) == 0
}

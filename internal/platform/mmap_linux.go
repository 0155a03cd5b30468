//go:build linux

package platform

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// ReserveAnonymous reserves size bytes of contiguous virtual address space
// with no access rights (PROT_NONE), the way a Region reserves one Slot's
// total_memory_size window before laying out heap/stack/globals/sigstack
// inside it by pointer arithmetic.
//
// The mapping is MAP_PRIVATE|MAP_ANONYMOUS|MAP_NORESERVE so the host does
// not commit swap for the whole reservation up front; individual
// sub-regions are made accessible later with ProtectReadWrite.
func ReserveAnonymous(size int) ([]byte, error) {
	if size <= 0 || size%pageSize != 0 {
		panic(fmt.Sprintf("BUG: ReserveAnonymous size %d must be a positive page multiple", size))
	}
	b, err := unix.Mmap(-1, 0, size, unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		return nil, fmt.Errorf("platform: mmap reservation of %d bytes: %w", size, err)
	}
	return b, nil
}

// Unmap releases a reservation made by ReserveAnonymous. Must be called at
// most once per reservation; a Region only does this when it is dropped.
func Unmap(b []byte) error {
	if len(b) == 0 {
		panic("BUG: Unmap with zero length")
	}
	if err := unix.Munmap(b); err != nil {
		return fmt.Errorf("platform: munmap: %w", err)
	}
	return nil
}

// ProtectReadWrite grants RW access to the page-aligned sub-slice b[off:off+len].
func ProtectReadWrite(b []byte, off, length int) error {
	return protect(b, off, length, unix.PROT_READ|unix.PROT_WRITE)
}

// ProtectNone revokes all access to the page-aligned sub-slice b[off:off+len].
// Subsequent access raises SIGSEGV, which the signal dispatcher classifies
// via the owning instance's trap manifest.
func ProtectNone(b []byte, off, length int) error {
	return protect(b, off, length, unix.PROT_NONE)
}

func protect(b []byte, off, length int, prot int) error {
	if length == 0 {
		return nil
	}
	if off < 0 || length < 0 || off+length > len(b) {
		panic(fmt.Sprintf("BUG: protect range [%d:%d] out of bounds of %d-byte mapping", off, off+length, len(b)))
	}
	if off%pageSize != 0 || length%pageSize != 0 {
		panic(fmt.Sprintf("BUG: protect range [%d:%d] is not page-aligned", off, off+length))
	}
	if err := unix.Mprotect(b[off:off+length], prot); err != nil {
		return fmt.Errorf("platform: mprotect [%d:%d] prot=%#x: %w", off, off+length, prot, err)
	}
	return nil
}

// DontNeed advises the kernel that the page-aligned sub-slice b[off:off+len]
// is no longer needed, letting it reclaim the backing physical pages
// without unmapping the virtual address range. Used when a Slot is
// recycled back to the Region's free list.
func DontNeed(b []byte, off, length int) error {
	if length == 0 {
		return nil
	}
	if off < 0 || length < 0 || off+length > len(b) {
		panic(fmt.Sprintf("BUG: DontNeed range [%d:%d] out of bounds of %d-byte mapping", off, off+length, len(b)))
	}
	if err := unix.Madvise(b[off:off+length], unix.MADV_DONTNEED); err != nil {
		return fmt.Errorf("platform: madvise(MADV_DONTNEED) [%d:%d]: %w", off, off+length, err)
	}
	return nil
}

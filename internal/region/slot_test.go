package region

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
	"github.com/wazero-sandbox/corevm/internal/platform"
)

// The Slot layout is pure pointer arithmetic over one reservation; these
// tests pin the declared ordering (header, heap, stack, guard, globals,
// guard, sigstack) and the guard spacing the fault classifier depends on.
func TestSlot_LayoutOrderingAndGuards(t *testing.T) {
	l := DefaultLimits()
	r, err := Create(1, l)
	require.NoError(t, err)
	defer r.Close()

	s := r.free[0]
	ps := uintptr(platform.PageSize())

	header := uintptr(unsafe.Pointer(&s.InstanceHeader()[0]))
	heap, heapLen := s.HeapBase()
	heapBase := uintptr(unsafe.Pointer(&heap[0]))
	stackBase := uintptr(unsafe.Pointer(&s.Stack()[0]))
	globalsBase := uintptr(unsafe.Pointer(&s.Globals()[0]))
	sigBase := uintptr(unsafe.Pointer(&s.SigStack()[0]))

	require.Equal(t, header+ps, heapBase, "heap starts right after the one-page instance header")
	require.Equal(t, uintptr(l.HeapAddressSpaceSize), uintptr(heapLen))
	require.Equal(t, heapBase+uintptr(l.HeapAddressSpaceSize), stackBase, "stack starts at the end of the heap address space")
	require.Equal(t, stackBase+uintptr(l.StackSize)+ps, globalsBase, "one guard page between stack and globals")
	require.Equal(t, globalsBase+uintptr(l.GlobalsSize)+ps, sigBase, "one guard page between globals and sigstack")

	require.Equal(t, l.TotalMemorySize(), uint64(len(s.mem)))
}

func TestSlot_RegionBackPointer(t *testing.T) {
	r, err := Create(1, DefaultLimits())
	require.NoError(t, err)
	defer r.Close()
	require.Same(t, r, r.free[0].Region())
}

func TestAlloc_GuardWindowPredicates(t *testing.T) {
	r, err := Create(1, DefaultLimits())
	require.NoError(t, err)
	defer r.Close()

	mod := smallModule(65536, 4<<20, 65536)
	a, err := r.Activate(mod)
	require.NoError(t, err)
	defer r.Release(a)

	heap, heapLen := a.slot.HeapBase()
	heapBase := uintptr(unsafe.Pointer(&heap[0]))
	stackBase := uintptr(unsafe.Pointer(&a.Stack()[0]))
	ps := uintptr(platform.PageSize())

	// One byte past the accessible window is in the heap guard; the last
	// accessible byte is not.
	require.True(t, a.InHeapGuard(heapBase+65536))
	require.False(t, a.InHeapGuard(heapBase+65535))
	// The very end of the heap address space is still heap guard; one byte
	// further is the stack region itself.
	require.True(t, a.InHeapGuard(heapBase+uintptr(heapLen)-1))
	require.False(t, a.InHeapGuard(heapBase+uintptr(heapLen)))

	// The page below the stack classifies as stack guard even though it is
	// also the heap window's tail; the classifier checks it first.
	require.True(t, a.InStackGuard(stackBase-1))
	require.True(t, a.InStackGuard(stackBase-ps))
	require.False(t, a.InStackGuard(stackBase-ps-1))
	require.False(t, a.InStackGuard(stackBase))
}

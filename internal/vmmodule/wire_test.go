package vmmodule

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

// The wire structs are parsed straight out of a shared object's data
// segment by pointer cast, so the decode helpers are exercised here
// against in-memory arrays with the same layout.

func TestDecodeTrapSites_decodesAndSorts(t *testing.T) {
	wire := []wireTrapSite{
		{Offset: 0x20, Trapcode: uint32(TrapUnreachable)},
		{Offset: 0x04, Trapcode: uint32(TrapIntegerDivByZero)},
		{Offset: 0x10, Trapcode: uint32(TrapHeapOutOfBounds)},
	}
	sites := decodeTrapSites(uintptr(unsafe.Pointer(&wire[0])), uint64(len(wire)*8))

	require.Len(t, sites, 3)
	require.Equal(t, uint32(0x04), sites[0].Offset)
	require.Equal(t, TrapIntegerDivByZero, sites[0].Code)
	require.Equal(t, uint32(0x10), sites[1].Offset)
	require.Equal(t, uint32(0x20), sites[2].Offset)
	require.Equal(t, TrapUnreachable, sites[2].Code)
}

func TestDecodeTrapSites_emptyInputs(t *testing.T) {
	require.Nil(t, decodeTrapSites(0, 64))
	var wire [1]wireTrapSite
	require.Nil(t, decodeTrapSites(uintptr(unsafe.Pointer(&wire[0])), 0))
}

func TestBuildFunctionTables_sortsByBaseAddress(t *testing.T) {
	siteWire := []wireTrapSite{{Offset: 0x8, Trapcode: uint32(TrapIntegerDivByZero)}}
	entries := []wireFuncManifestEntry{
		{CodePtr: 0x3000, CodeLen: 0x40},
		{CodePtr: 0x1000, CodeLen: 0x40, TrapsPtr: uint64(uintptr(unsafe.Pointer(&siteWire[0]))), TrapsLen: 8},
		{CodePtr: 0x2000, CodeLen: 0x40},
	}
	fns := buildFunctionTables(entries)

	require.Len(t, fns, 3)
	require.Equal(t, uintptr(0x1000), fns[0].Base)
	require.Equal(t, uintptr(0x2000), fns[1].Base)
	require.Equal(t, uintptr(0x3000), fns[2].Base)

	// The binary search over a wire-order manifest only works because of
	// that sort: a trap site on the lowest-addressed function must still
	// be found.
	m := TrapManifest{Functions: fns}
	code, ok := m.Lookup(0x1008)
	require.True(t, ok)
	require.Equal(t, TrapIntegerDivByZero, code)
}

func TestHeapSpecFromWire(t *testing.T) {
	w := wireHeapSpec{
		ReservedSize: 4 << 20,
		GuardSize:    65536,
		InitialSize:  2 * 65536,
		MaxSize:      8 * 65536,
		MaxSizeValid: 1,
	}
	h := heapSpecFromWire(&w)
	require.Equal(t, uint64(4<<20), h.ReservedSize)
	require.Equal(t, uint64(65536), h.GuardSize)
	require.Equal(t, uint64(2*65536), h.InitialSize)
	require.Equal(t, uint64(8*65536), h.MaxSize)
	require.True(t, h.MaxSizeValid)

	w.MaxSizeValid = 0
	require.False(t, heapSpecFromWire(&w).MaxSizeValid)
}

func TestNewSynthetic_defaultsAndLookups(t *testing.T) {
	m := NewSynthetic(HeapSpec{ReservedSize: 65536, InitialSize: 65536}, nil, nil, nil, TrapManifest{}, nil, 0)

	_, err := m.GetExportFunc("nope")
	require.Error(t, err)

	_, ok := m.GetStartFunc()
	require.False(t, ok)

	require.Empty(t, m.TableElements())
	require.Empty(t, m.SparsePageData())
	require.NoError(t, m.Close(), "a synthetic module has no dlopen handle to release")
}

func TestModule_GetExportFunc_resolvesRegisteredName(t *testing.T) {
	m := NewSynthetic(HeapSpec{}, nil, nil, nil, TrapManifest{}, map[string]uintptr{"f": 0x1234}, 0)
	fn, err := m.GetExportFunc("f")
	require.NoError(t, err)
	require.Equal(t, uintptr(0x1234), fn)
}

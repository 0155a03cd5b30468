package vmmodule

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func manifest() *TrapManifest {
	return &TrapManifest{
		Functions: []FunctionTrapTable{
			{
				Base: 0x1000, Len: 0x40,
				Sites: []TrapSite{{Offset: 0x10, Code: TrapIntegerDivByZero}, {Offset: 0x20, Code: TrapUnreachable}},
			},
			{
				Base: 0x2000, Len: 0x20,
				Sites: []TrapSite{{Offset: 0x4, Code: TrapHeapOutOfBounds}},
			},
		},
		StackProbe: FunctionTrapTable{Base: 0x9000, Len: 0x30},
	}
}

func TestLookup_hitInFunction(t *testing.T) {
	m := manifest()
	code, ok := m.Lookup(0x1010)
	require.True(t, ok)
	require.Equal(t, TrapIntegerDivByZero, code)

	code, ok = m.Lookup(0x2004)
	require.True(t, ok)
	require.Equal(t, TrapHeapOutOfBounds, code)
}

func TestLookup_missInFunctionRange(t *testing.T) {
	m := manifest()
	_, ok := m.Lookup(0x1011)
	require.False(t, ok)
}

func TestLookup_stackProbe(t *testing.T) {
	m := manifest()
	code, ok := m.Lookup(0x9005)
	require.True(t, ok)
	require.Equal(t, TrapStackOverflow, code)
}

func TestLookup_outsideAnyRange(t *testing.T) {
	m := manifest()
	_, ok := m.Lookup(0xdead)
	require.False(t, ok)
}

func TestInCodeRange(t *testing.T) {
	m := manifest()
	require.True(t, m.InCodeRange(0x1030))
	require.True(t, m.InCodeRange(0x9010))
	require.False(t, m.InCodeRange(0xdead))
}

func TestTrapCode_String(t *testing.T) {
	require.Equal(t, "StackOverflow", TrapStackOverflow.String())
	require.Equal(t, "Unknown", TrapCode(999).String())
}

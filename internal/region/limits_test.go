package region

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/wazero-sandbox/corevm/internal/rterr"
)

func TestLimits_Validate_defaultsOK(t *testing.T) {
	require.NoError(t, DefaultLimits().Validate())
}

func TestLimits_Validate_zeroStack(t *testing.T) {
	l := DefaultLimits()
	l.StackSize = 0
	err := l.Validate()
	require.True(t, rterr.Is(err, rterr.KindInvalidArgument))
}

func TestLimits_Validate_unaligned(t *testing.T) {
	l := DefaultLimits()
	l.HeapMemorySize = 100
	err := l.Validate()
	require.True(t, rterr.Is(err, rterr.KindInvalidArgument))
}

func TestLimits_Validate_addressSpaceTooSmall(t *testing.T) {
	l := DefaultLimits()
	l.HeapAddressSpaceSize = l.HeapMemorySize // no room for a guard page
	err := l.Validate()
	require.True(t, rterr.Is(err, rterr.KindInvalidArgument))
}

func TestLimits_TotalMemorySize(t *testing.T) {
	l := DefaultLimits()
	got := l.TotalMemorySize()
	want := uint64(4096) + l.HeapAddressSpaceSize + l.StackSize + 4096 + l.GlobalsSize + 4096 + sigStackSize
	require.Equal(t, want, got)
}

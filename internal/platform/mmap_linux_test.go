//go:build linux

package platform

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReserveAnonymous_zeroLengthPanics(t *testing.T) {
	require.Panics(t, func() {
		_, _ = ReserveAnonymous(0)
	})
}

func TestReserveAnonymous_unalignedPanics(t *testing.T) {
	require.Panics(t, func() {
		_, _ = ReserveAnonymous(pageSize + 1)
	})
}

func TestReserveAndUnmap(t *testing.T) {
	b, err := ReserveAnonymous(pageSize * 4)
	require.NoError(t, err)
	require.Len(t, b, pageSize*4)

	require.NoError(t, Unmap(b))
}

func TestProtectReadWrite_thenWrite(t *testing.T) {
	b, err := ReserveAnonymous(pageSize * 2)
	require.NoError(t, err)
	defer Unmap(b)

	require.NoError(t, ProtectReadWrite(b, 0, pageSize))
	b[0] = 0x42
	require.Equal(t, byte(0x42), b[0])
}

func TestProtectNone_rangeChecks(t *testing.T) {
	b, err := ReserveAnonymous(pageSize * 2)
	require.NoError(t, err)
	defer Unmap(b)

	require.Panics(t, func() {
		_ = ProtectNone(b, pageSize, pageSize+1)
	})
	require.Panics(t, func() {
		_ = ProtectNone(b, 1, pageSize)
	})
}

func TestDontNeed_afterWrite(t *testing.T) {
	b, err := ReserveAnonymous(pageSize * 2)
	require.NoError(t, err)
	defer Unmap(b)

	require.NoError(t, ProtectReadWrite(b, 0, pageSize))
	b[10] = 0xff
	require.NoError(t, DontNeed(b, 0, pageSize))
}

func TestPageHelpers(t *testing.T) {
	require.Equal(t, pageSize, PageSize())
	require.True(t, IsPageAligned(uint64(pageSize*3)))
	require.False(t, IsPageAligned(uint64(pageSize)+1))
	require.Equal(t, uint64(pageSize), RoundUpToPage(1))
	require.Equal(t, uint64(pageSize*2), RoundUpToPage(uint64(pageSize)+1))
}

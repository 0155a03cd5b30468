package instance

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegisterGuestFunc_handlesAreTaggedAndDistinct(t *testing.T) {
	h1 := RegisterGuestFunc(func(vmctx *VMContext, args []uint64) (uint64, error) { return 1, nil })
	h2 := RegisterGuestFunc(func(vmctx *VMContext, args []uint64) (uint64, error) { return 2, nil })

	require.NotEqual(t, h1, h2)
	require.NotZero(t, h1&guestFuncTag, "handles must carry the tag bit so they can never be mistaken for code addresses")

	fn1, ok := lookupGuestFunc(h1)
	require.True(t, ok)
	got, err := fn1(nil, nil)
	require.NoError(t, err)
	require.Equal(t, uint64(1), got)

	fn2, ok := lookupGuestFunc(h2)
	require.True(t, ok)
	got, _ = fn2(nil, nil)
	require.Equal(t, uint64(2), got)
}

func TestLookupGuestFunc_rejectsUntaggedAndUnknown(t *testing.T) {
	_, ok := lookupGuestFunc(0x401000) // a plausible code address, no tag
	require.False(t, ok)

	_, ok = lookupGuestFunc(guestFuncTag | (1 << 40)) // tagged but never registered
	require.False(t, ok)
}

func TestRegisterGuestFunc_nilPanics(t *testing.T) {
	require.Panics(t, func() { RegisterGuestFunc(nil) })
}

//go:build !(linux && cgo)

package instance

import (
	"unsafe"

	"github.com/wazero-sandbox/corevm/internal/rterr"
)

const maxGuestArgs = 6

func callGuestFunc(fnPtr uintptr, vmctx unsafe.Pointer, args []uint64) (uint64, error) {
	return 0, rterr.New(rterr.KindInternal, "guest code execution requires linux+cgo")
}

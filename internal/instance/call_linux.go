//go:build linux && cgo

package instance

/*
#include <stdint.h>

typedef uint64_t (*guest_fn)(void *vmctx, uint64_t a0, uint64_t a1, uint64_t a2,
                              uint64_t a3, uint64_t a4, uint64_t a5);

static uint64_t corevm_call_guest(void *fn, void *vmctx, uint64_t *args, int nargs) {
	uint64_t a[6] = {0, 0, 0, 0, 0, 0};
	int i;
	for (i = 0; i < nargs && i < 6; i++) {
		a[i] = args[i];
	}
	return ((guest_fn)fn)(vmctx, a[0], a[1], a[2], a[3], a[4], a[5]);
}
*/
import "C"
import (
	"unsafe"

	"github.com/wazero-sandbox/corevm/internal/rterr"
)

// maxGuestArgs is the arity the C trampoline above supports. Real AOT
// compilers emit a distinct calling convention per function signature;
// since that compiler front end is out of scope here, callGuestFunc
// instead exposes the common case every guest_func_* entry point in a
// WebAssembly-shaped ABI actually needs: a vmctx pointer plus up to a
// handful of i64/i32-sized arguments, zero-extended into uint64.
const maxGuestArgs = 6

// callGuestFunc invokes fnPtr (a guest_func_<name> or guest_start symbol)
// with vmctx as its first argument and args as the rest, returning the
// raw uint64 result. The actual machine code runs synchronously on
// whatever goroutine/OS thread calls this, so callers that need
// interruptibility must arrange that via ctxswitch and killswitch around
// this call, not inside it.
func callGuestFunc(fnPtr uintptr, vmctx unsafe.Pointer, args []uint64) (uint64, error) {
	if len(args) > maxGuestArgs {
		return 0, rterr.New(rterr.KindInvalidArgument, "call has %d arguments, max supported is %d", len(args), maxGuestArgs)
	}
	var argsPtr *C.uint64_t
	if len(args) > 0 {
		argsPtr = (*C.uint64_t)(unsafe.Pointer(&args[0]))
	}
	ret := C.corevm_call_guest(
		unsafe.Pointer(fnPtr),
		vmctx,
		argsPtr,
		C.int(len(args)),
	)
	return uint64(ret), nil
}

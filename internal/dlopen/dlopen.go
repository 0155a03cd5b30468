//go:build linux && cgo

// Package dlopen wraps dlopen(3)/dlsym(3)/dlclose(3) so the module loader
// can resolve the handful of well-known exported symbols an AOT-compiled
// module shared object carries, without re-implementing ELF symbol
// resolution. This is the Go-native equivalent of the host toolchain's own
// dynamic loader; it intentionally does not support resolving arbitrary
// dependent libraries, only symbols in the module itself.
package dlopen

/*
#cgo CFLAGS: -D_GNU_SOURCE
#cgo LDFLAGS: -ldl
#include <dlfcn.h>
#include <stdlib.h>
*/
import "C"

import (
	"fmt"
	"unsafe"
)

// Handle is an open shared object. The zero value is not usable; obtain one
// via Open.
type Handle struct {
	ptr  unsafe.Pointer
	path string
}

// Open calls dlopen(path, RTLD_NOW|RTLD_LOCAL). RTLD_NOW is required so that
// any undefined-symbol problem in the module surfaces immediately as a load
// error: missing required symbols must be fatal at load time, not on first
// use.
func Open(path string) (*Handle, error) {
	cPath := C.CString(path)
	defer C.free(unsafe.Pointer(cPath))

	C.dlerror() // clear any pending error
	h := C.dlopen(cPath, C.RTLD_NOW|C.RTLD_LOCAL)
	if h == nil {
		return nil, fmt.Errorf("dlopen: %s: %s", path, lastError())
	}
	return &Handle{ptr: h, path: path}, nil
}

// Sym resolves a named symbol to its address. Returns an error (not a nil
// pointer) when the symbol is missing, since a legitimately-exported symbol
// can itself have address zero only in pathological cases we don't support.
func (h *Handle) Sym(name string) (unsafe.Pointer, error) {
	cName := C.CString(name)
	defer C.free(unsafe.Pointer(cName))

	C.dlerror()
	sym := C.dlsym(h.ptr, cName)
	if err := lastError(); err != "" {
		return nil, fmt.Errorf("dlsym: %s in %s: %s", name, h.path, err)
	}
	return sym, nil
}

// Close calls dlclose. A second call after a successful Close returns an
// "already closed" error without calling dlclose again.
func (h *Handle) Close() error {
	if h.ptr == nil {
		return fmt.Errorf("dlclose: %s: already closed", h.path)
	}
	C.dlerror()
	if C.dlclose(h.ptr) != 0 {
		return fmt.Errorf("dlclose: %s: %s", h.path, lastError())
	}
	h.ptr = nil
	return nil
}

// FileBaseOf returns the load base address of the shared object whose
// mapping contains addr, via dladdr(3), or 0 when addr belongs to no
// loaded object. Two addresses inside the same shared object report the
// same base, which is how a caller decides "does this instruction
// pointer belong to that module's file".
func FileBaseOf(addr uintptr) uintptr {
	var info C.Dl_info
	if C.dladdr(unsafe.Pointer(addr), &info) == 0 {
		return 0
	}
	return uintptr(info.dli_fbase)
}

func lastError() string {
	if cErr := C.dlerror(); cErr != nil {
		return C.GoString(cErr)
	}
	return ""
}

//go:build !(linux && cgo)

package dlopen

import (
	"fmt"
	"unsafe"
)

// Handle is the unsupported-platform stand-in; see dlopen.go.
type Handle struct{}

// Open always fails on platforms/builds without cgo-backed dlopen support.
// The runtime targets Linux x86-64 anyway, so this only matters for
// `go vet`/cross-compilation of this package on other hosts.
func Open(string) (*Handle, error) {
	return nil, fmt.Errorf("dlopen: unsupported without cgo on this platform")
}

func (h *Handle) Sym(string) (unsafe.Pointer, error) {
	return nil, fmt.Errorf("dlopen: unsupported without cgo on this platform")
}

func (h *Handle) Close() error { return nil }

func FileBaseOf(uintptr) uintptr { return 0 }

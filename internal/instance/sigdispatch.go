package instance

import (
	"runtime"

	"github.com/wazero-sandbox/corevm/internal/region"
	"github.com/wazero-sandbox/corevm/internal/vmmodule"
)

// faultAddresser is implemented by the runtime.Error value produced when a
// goroutine with debug.SetPanicOnFault(true) takes a genuine memory-access
// fault: its Addr method returns the faulting address, or 0 if unknown.
// This is the closest Go equivalent to reading siginfo_t.si_addr out of a
// real SIGSEGV handler.
type faultAddresser interface {
	Addr() uintptr
}

// guestTrap is the panic payload VMContext.Trap raises: a Go-implemented
// guest body's way of hitting the same trap a compiled module would reach
// through a trap-manifest site. classifyFault maps it straight to a
// non-fatal FaultDetails without any address lookup.
type guestTrap struct {
	code vmmodule.TrapCode
}

// classifyFault turns a recovered panic value into FaultDetails, the
// Go-native stand-in for a trap-table lookup off a real ucontext's
// instruction pointer. Classification order mirrors a hardware
// dispatcher's:
//
//  1. An explicit guestTrap carries its own code; nothing to look up.
//  2. A fault whose instruction pointer falls inside module code (a
//     manifest-listed function, or anywhere in the module's file mapping
//     per InFileRange) and hits a trap-manifest site gets that site's
//     code.
//  3. Otherwise the faulting address decides: StackOverflow for the
//     stack guard page (checked first, since that page is also the heap
//     window's last page), HeapOutOfBounds for the heap's
//     reserved-but-inaccessible tail. This covers both "module code
//     faulted at an unlisted instruction" and faults out of Go-bodied
//     guests, where no pc ever lands in module code.
//  4. Everything else is fatal.
//
// Because Go only preserves the call stack of a panic while it is
// actively unwinding, this must run from a defer declared as close as
// possible to the call that faulted; see guestBody in instance.go.
//
// Limitation: hardware faults only surface here when they occur in Go
// code reached from the guest call (including any Go-implemented
// hostcall or a registered GuestFunc body), where
// debug.SetPanicOnFault(true) converts them into a recoverable
// runtime.Error. A fault inside real guest machine code, reached only
// through the cgo trampoline in call_linux.go, crashes the process the
// way it would on any Go program calling into unsafe C code; a
// production build would need to pair this with a real sigaction-based
// handler outside what Go's signal model allows from pure Go.
func classifyFault(mod *vmmodule.Module, alloc *region.Alloc, recovered any) FaultDetails {
	if gt, ok := recovered.(guestTrap); ok {
		return FaultDetails{TrapCode: gt.code}
	}

	if _, ok := recovered.(runtime.Error); !ok {
		return FaultDetails{Fatal: true}
	}

	var addr uintptr
	if fa, ok := recovered.(faultAddresser); ok {
		addr = fa.Addr()
	}

	var pcs [64]uintptr
	n := runtime.Callers(0, pcs[:])
	var rip uintptr
	if mod != nil {
		for _, pc := range pcs[:n] {
			if mod.InCodeRange(pc) {
				rip = pc
				break
			}
		}
		if rip == 0 {
			// No manifest-listed function matched; fall back to the whole
			// file mapping so faults in unlisted module code (thunks,
			// compiler helpers) still carry an instruction pointer.
			for _, pc := range pcs[:n] {
				if mod.InFileRange(pc) {
					rip = pc
					break
				}
			}
		}
	}

	if rip != 0 {
		if code, ok := mod.LookupTrapcode(rip); ok {
			return FaultDetails{TrapCode: code, FaultingAddr: addr, InstrPtr: rip}
		}
	}

	if addr != 0 && alloc != nil {
		if alloc.InStackGuard(addr) {
			return FaultDetails{TrapCode: vmmodule.TrapStackOverflow, FaultingAddr: addr, InstrPtr: rip}
		}
		if alloc.InHeapGuard(addr) {
			return FaultDetails{TrapCode: vmmodule.TrapHeapOutOfBounds, FaultingAddr: addr, InstrPtr: rip}
		}
	}

	return FaultDetails{FaultingAddr: addr, InstrPtr: rip, Fatal: true}
}

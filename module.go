package corevm

import (
	"github.com/wazero-sandbox/corevm/internal/vmmodule"
)

// Module is a loaded, read-only-after-load compiled guest artifact, safe
// to share across every Instance created from it.
type Module struct {
	m *vmmodule.Module
}

// LoadModule opens the shared object at path and resolves the symbols a
// compiled artifact is required to export (its heap spec, globals,
// function and trap manifests), plus guest_func_<name> for each name in
// exportedNames and the optional guest_start entry point.
//
// stackProbeSymbol, if non-empty, names a pair of symbols
// (<name> and <name>_len) marking the stack-probe helper's code range, so
// a fault inside it classifies as a stack overflow even though the
// compiler never emits a per-site trap entry for that helper.
func LoadModule(path string, exportedNames []string, stackProbeSymbol string) (*Module, error) {
	m, err := vmmodule.Load(path, exportedNames, stackProbeSymbol)
	if err != nil {
		return nil, err
	}
	return &Module{m: m}, nil
}

// Close releases the underlying shared object handle. Must not be called
// while any Instance created from this Module is still alive.
func (mod *Module) Close() error { return mod.m.Close() }

// HeapSpec is a module's heap description, as read from its wire-format
// heap spec symbol.
type HeapSpec = vmmodule.HeapSpec

// TableElem is one entry of a module's indirect-call table.
type TableElem = vmmodule.TableElem

// NewSyntheticModule builds a Module directly from in-memory fields
// instead of resolving them from a shared object via LoadModule. It is
// the seam tests (in this package and an embedder's own) use to exercise
// Region/Instance layout and lifecycle logic without a real AOT-compiled
// artifact on disk.
func NewSyntheticModule(heapSpec HeapSpec, globals []uint64, table []TableElem, exports map[string]uintptr, startFunc uintptr) *Module {
	m := vmmodule.NewSynthetic(heapSpec, globals, table, nil, vmmodule.TrapManifest{}, exports, startFunc)
	return &Module{m: m}
}

package vmmodule

import (
	"sort"
	"unsafe"

	"github.com/wazero-sandbox/corevm/internal/dlopen"
	"github.com/wazero-sandbox/corevm/internal/rterr"
)

// TableElem is one entry of the indirect-call table (guest_table_0),
// the indirect-call table's wire layout: { type_tag, func_ptr }.
type TableElem struct {
	TypeTag uint64
	FuncPtr uintptr
}

// PageSize is the fixed host-page-sized unit sparse heap initializer blobs
// are measured in, matching guest_sparse_page_data's own layout.
const PageSize = 4096

// Module is the read-only-after-load metadata and code of one compiled
// guest artifact. It never mutates after Load
// returns, so it is safe to share across every Instance created from it.
type Module struct {
	path     string
	handle   *dlopen.Handle
	fileBase uintptr // base load address, used to classify "is rip in this module's file"

	exports    map[string]uintptr // exported name -> guest_func_<name>
	startFunc  uintptr            // 0 if module declares no start function
	heapSpec   HeapSpec
	globals    []uint64
	table      []TableElem
	sparse     []*[PageSize]byte // nil entry means "zero this page"
	traps      TrapManifest
}

// GetExportFunc resolves name to its guest_func_<name> pointer.
func (m *Module) GetExportFunc(name string) (uintptr, error) {
	fn, ok := m.exports[name]
	if !ok {
		return 0, rterr.New(rterr.KindSymbolNotFound, "export %q not found in module %s", name, m.path)
	}
	return fn, nil
}

// GetStartFunc returns the module's start function pointer, and ok=false
// if the module declares none.
func (m *Module) GetStartFunc() (fn uintptr, ok bool) {
	return m.startFunc, m.startFunc != 0
}

// HeapSpec returns the module's heap description.
func (m *Module) HeapSpec() HeapSpec { return m.heapSpec }

// Globals returns the module's global initializer vector.
func (m *Module) Globals() []uint64 { return m.globals }

// TableElements returns the module's indirect-call table.
func (m *Module) TableElements() []TableElem { return m.table }

// SparsePageData returns the module's sparse heap initializer, indexed by
// page number within the initial heap. A nil entry means "zero this page".
func (m *Module) SparsePageData() []*[PageSize]byte { return m.sparse }

// LookupTrapcode classifies an instruction pointer against the module's
// own trap tables.
func (m *Module) LookupTrapcode(rip uintptr) (TrapCode, bool) { return m.traps.Lookup(rip) }

// InCodeRange reports whether rip falls within the module's own code.
func (m *Module) InCodeRange(rip uintptr) bool { return m.traps.InCodeRange(rip) }

// InFileRange reports whether rip lies inside this module's shared
// object mapping, even outside the functions the manifest covers (thunks,
// alignment padding, helper code the compiler never lists). Always false
// for synthetic modules, which have no backing file.
func (m *Module) InFileRange(rip uintptr) bool {
	return m.fileBase != 0 && dlopen.FileBaseOf(rip) == m.fileBase
}

// Close releases the underlying shared object handle. Must not be called
// while any Instance still references this Module.
func (m *Module) Close() error {
	if m.handle == nil {
		return nil
	}
	return m.handle.Close()
}

const (
	symHeapSpec       = "lucet_heap_spec"
	symGlobalsSpec    = "lucet_globals_spec"
	symFuncManifest   = "lucet_function_manifest"
	symFuncManifestLn = "lucet_function_manifest_len"
	symTrapManifest   = "lucet_trap_manifest"
	symTrapManifestLn = "lucet_trap_manifest_len"
	symTable0         = "guest_table_0"
	symTable0Len      = "guest_table_0_len"
	symSparsePage     = "guest_sparse_page_data"
	symStart          = "guest_start"
	exportFuncPrefix  = "guest_func_"
)

// wire layouts, bit-exact with the compiled artifact's own ABI.
type wireFuncManifestEntry struct {
	CodePtr  uint64
	CodeLen  uint64
	TrapsPtr uint64
	TrapsLen uint64
}

type wireTrapManifestEntry struct {
	FuncAddr  uint64
	FuncLen   uint64
	TableAddr uint64
	TableLen  uint64
}

type wireTrapSite struct {
	Offset   uint32
	Trapcode uint32
}

type wireSparsePageData struct {
	NumPages uint64
	Pages    uintptr // *const *const u8, i.e. address of an array of page pointers
}

// Load opens the shared object at path and resolves the four required
// symbols a compiled artifact exports. Missing required symbols,
// malformed manifest lengths, or element sizes that don't divide evenly
// are reported as KindModule errors and never affect already-loaded
// modules, since Load never mutates shared state.
//
// stackProbeSymbol, if non-empty, names a pair of symbols
// (<name> and <name>_len) marking the stack-probe helper's code range; any
// rip inside it classifies as TrapStackOverflow even though the compiler
// never emitted a per-site trap entry for it.
func Load(path string, exportedNames []string, stackProbeSymbol string) (*Module, error) {
	h, err := dlopen.Open(path)
	if err != nil {
		return nil, rterr.Wrap(rterr.KindModule, err, "open %s", path)
	}

	m := &Module{path: path, handle: h, exports: map[string]uintptr{}}

	heapSpecPtr, err := h.Sym(symHeapSpec)
	if err != nil {
		return nil, rterr.Wrap(rterr.KindModule, err, "resolve %s", symHeapSpec)
	}
	m.heapSpec = heapSpecFromWire((*wireHeapSpec)(heapSpecPtr))
	// The heap spec is the first required symbol, so its containing
	// object's load base anchors InFileRange.
	m.fileBase = dlopen.FileBaseOf(uintptr(heapSpecPtr))

	if err := m.loadGlobals(h); err != nil {
		return nil, err
	}
	if err := m.loadFunctionAndTrapManifests(h); err != nil {
		return nil, err
	}
	if err := m.loadTable(h); err != nil {
		return nil, err
	}
	if err := m.loadSparsePageData(h); err != nil {
		return nil, err
	}
	m.loadExports(h, exportedNames)
	m.loadStackProbe(h, stackProbeSymbol)

	if startPtrPtr, err := h.Sym(symStart); err == nil && startPtrPtr != nil {
		m.startFunc = *(*uintptr)(startPtrPtr)
	}

	return m, nil
}

func (m *Module) loadGlobals(h *dlopenHandle) error {
	ptr, err := h.Sym(symGlobalsSpec)
	if err != nil {
		return rterr.Wrap(rterr.KindModule, err, "resolve %s", symGlobalsSpec)
	}
	hdr := (*wirePtrLen)(ptr)
	if hdr.Len%8 != 0 {
		return rterr.New(rterr.KindModule, "%s length %d not a multiple of 8", symGlobalsSpec, hdr.Len)
	}
	n := hdr.Len / 8
	globals := make([]uint64, n)
	src := unsafe.Slice((*uint64)(unsafe.Pointer(hdr.Ptr)), n)
	copy(globals, src)
	m.globals = globals
	return nil
}

func (m *Module) loadFunctionAndTrapManifests(h *dlopenHandle) error {
	fnManifestPtr, err := h.Sym(symFuncManifest)
	if err != nil {
		return rterr.Wrap(rterr.KindModule, err, "resolve %s", symFuncManifest)
	}
	fnManifestLenPtr, err := h.Sym(symFuncManifestLn)
	if err != nil {
		return rterr.Wrap(rterr.KindModule, err, "resolve %s", symFuncManifestLn)
	}
	n := *(*uint32)(fnManifestLenPtr)
	entries := unsafe.Slice((*wireFuncManifestEntry)(fnManifestPtr), n)
	fns := buildFunctionTables(entries)

	// lucet_trap_manifest additionally groups by function for modules that
	// have any traps at all; when present it must agree with the function
	// manifest's own traps pointers. We trust the function manifest as the
	// source of truth and only use lucet_trap_manifest to validate presence.
	if trapManifestLenPtr, err := h.Sym(symTrapManifestLn); err == nil {
		n := *(*uint32)(trapManifestLenPtr)
		if n > 0 {
			trapManifestPtr, err := h.Sym(symTrapManifest)
			if err != nil {
				return rterr.Wrap(rterr.KindModule, err, "resolve %s", symTrapManifest)
			}
			entries := unsafe.Slice((*wireTrapManifestEntry)(trapManifestPtr), n)
			for _, e := range entries {
				if e.TableLen%8 != 0 { // {offset:u32, trapcode:u32} == 8 bytes
					return rterr.New(rterr.KindModule, "trap table length %d not a multiple of entry size", e.TableLen)
				}
			}
		}
	}

	m.traps.Functions = fns
	return nil
}

func (m *Module) loadStackProbe(h *dlopenHandle, symbol string) {
	if symbol == "" {
		return
	}
	basePtr, err := h.Sym(symbol)
	if err != nil {
		return
	}
	lenPtr, err := h.Sym(symbol + "_len")
	if err != nil {
		return
	}
	m.traps.StackProbe = FunctionTrapTable{
		Base: uintptr(basePtr),
		Len:  *(*uint32)(lenPtr),
	}
}

// buildFunctionTables decodes the function manifest's wire entries and
// sorts the result ascending by code base address. The wire format makes
// no ordering promise (entries come out in whatever order the compiler
// emitted functions), and TrapManifest.Lookup binary-searches by address.
func buildFunctionTables(entries []wireFuncManifestEntry) []FunctionTrapTable {
	fns := make([]FunctionTrapTable, 0, len(entries))
	for _, e := range entries {
		sites := decodeTrapSites(uintptr(e.TrapsPtr), e.TrapsLen)
		fns = append(fns, FunctionTrapTable{Base: uintptr(e.CodePtr), Len: uint32(e.CodeLen), Sites: sites})
	}
	sort.Slice(fns, func(i, j int) bool { return fns[i].Base < fns[j].Base })
	return fns
}

func decodeTrapSites(ptr uintptr, length uint64) []TrapSite {
	if ptr == 0 || length == 0 {
		return nil
	}
	const entrySize = 8 // {offset:u32, trapcode:u32}
	n := length / entrySize
	wire := unsafe.Slice((*wireTrapSite)(unsafe.Pointer(ptr)), n)
	sites := make([]TrapSite, n)
	for i, w := range wire {
		sites[i] = TrapSite{Offset: w.Offset, Code: TrapCode(w.Trapcode)}
	}
	sort.Slice(sites, func(i, j int) bool { return sites[i].Offset < sites[j].Offset })
	return sites
}

func (m *Module) loadTable(h *dlopenHandle) error {
	ptr, err := h.Sym(symTable0)
	if err != nil {
		return nil // tables are optional
	}
	lenPtr, err := h.Sym(symTable0Len)
	if err != nil {
		return rterr.Wrap(rterr.KindModule, err, "resolve %s without %s", symTable0, symTable0Len)
	}
	n := *(*uint64)(lenPtr)
	wire := unsafe.Slice((*struct {
		TypeTag uint64
		FuncPtr uint64
	})(ptr), n)
	elems := make([]TableElem, n)
	for i, w := range wire {
		elems[i] = TableElem{TypeTag: w.TypeTag, FuncPtr: uintptr(w.FuncPtr)}
	}
	m.table = elems
	return nil
}

func (m *Module) loadSparsePageData(h *dlopenHandle) error {
	ptr, err := h.Sym(symSparsePage)
	if err != nil {
		return nil // modules with no heap need none
	}
	hdr := (*wireSparsePageData)(ptr)
	pagePtrs := unsafe.Slice((*uintptr)(unsafe.Pointer(hdr.Pages)), hdr.NumPages)
	pages := make([]*[PageSize]byte, hdr.NumPages)
	for i, p := range pagePtrs {
		if p == 0 {
			continue
		}
		pages[i] = (*[PageSize]byte)(unsafe.Pointer(p))
	}
	m.sparse = pages
	return nil
}

// NewSynthetic builds a Module directly from in-memory fields instead of
// resolving them from a shared object via Load. This is the seam the
// region/instance packages' own tests use to exercise layout and
// lifecycle logic without a real AOT-compiled artifact; it is also usable
// by any host that embeds a module without going through dlopen.
func NewSynthetic(heapSpec HeapSpec, globals []uint64, table []TableElem, sparse []*[PageSize]byte, traps TrapManifest, exports map[string]uintptr, startFunc uintptr) *Module {
	if exports == nil {
		exports = map[string]uintptr{}
	}
	return &Module{
		path:      "<synthetic>",
		exports:   exports,
		startFunc: startFunc,
		heapSpec:  heapSpec,
		globals:   globals,
		table:     table,
		sparse:    sparse,
		traps:     traps,
	}
}

func (m *Module) loadExports(h *dlopenHandle, names []string) {
	for _, name := range names {
		ptr, err := h.Sym(exportFuncPrefix + name)
		if err != nil {
			continue
		}
		m.exports[name] = uintptr(ptr)
	}
}

type wirePtrLen struct {
	Ptr uintptr
	Len uint64
}

// dlopenHandle aliases dlopen.Handle so the wire-decoding helpers above read
// naturally without repeating the package-qualified name everywhere.
type dlopenHandle = dlopen.Handle

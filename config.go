package corevm

import (
	"github.com/wazero-sandbox/corevm/internal/region"
)

// Config describes the shape every Slot in a Region is reserved with. The
// zero value is not usable; build one from NewConfig and its chained
// With... methods, mirroring the fluent-builder-plus-validated-defaults
// pattern a runtime configuration type typically follows: immutable,
// copy-on-write, validated once at the point it is actually consumed
// (NewRegion), not on every With... call.
type Config struct {
	limits region.Limits
}

// NewConfig returns a Config seeded with conservative defaults: a 4MiB
// heap, 64MiB of reserved heap address space, a 128KiB stack, and 4KiB of
// globals storage.
func NewConfig() *Config {
	return &Config{limits: region.DefaultLimits()}
}

func (c *Config) clone() *Config {
	cp := *c
	return &cp
}

// WithHeapMemorySize caps the total heap bytes any Instance created from
// this Config may grow into, independent of what a module's own max_size
// declares.
func (c *Config) WithHeapMemorySize(bytes uint64) *Config {
	ret := c.clone()
	ret.limits.HeapMemorySize = bytes
	return ret
}

// WithHeapAddressSpaceSize sets the virtual address space reserved for
// the heap sub-region of every Slot, which must be large enough to hold
// WithHeapMemorySize plus at least one guard page.
func (c *Config) WithHeapAddressSpaceSize(bytes uint64) *Config {
	ret := c.clone()
	ret.limits.HeapAddressSpaceSize = bytes
	return ret
}

// WithStackSize sets the guest stack size reserved in every Slot.
func (c *Config) WithStackSize(bytes uint64) *Config {
	ret := c.clone()
	ret.limits.StackSize = bytes
	return ret
}

// WithGlobalsSize sets the globals storage reserved in every Slot.
func (c *Config) WithGlobalsSize(bytes uint64) *Config {
	ret := c.clone()
	ret.limits.GlobalsSize = bytes
	return ret
}

// Validate checks the configured limits without constructing a Region,
// useful for rejecting a bad Config early in an embedder's own startup
// validation path.
func (c *Config) Validate() error {
	return c.limits.Validate()
}

package corevm

import (
	"github.com/wazero-sandbox/corevm/internal/region"
)

// Region is a pool of pre-reserved, equally-shaped virtual memory
// reservations (one per instance slot) that Instances are carved out of
// and recycled back into on Close. Creating a Region is the expensive,
// infrequent operation; NewInstance is meant to be called often and
// cheaply once the pool exists.
type Region struct {
	r *region.Region
}

// NewRegion reserves capacity slots shaped according to cfg. A nil cfg
// uses NewConfig's defaults.
func NewRegion(capacity int, cfg *Config) (*Region, error) {
	if cfg == nil {
		cfg = NewConfig()
	}
	r, err := region.Create(capacity, cfg.limits)
	if err != nil {
		return nil, err
	}
	return &Region{r: r}, nil
}

// Capacity returns the number of slots the Region was created with.
func (reg *Region) Capacity() int { return reg.r.Capacity() }

// InstanceOption configures an Instance at creation, before any run. The
// same handlers and limiter can also be installed afterward through the
// Instance's own Set... methods; options exist so an embedder that always
// instantiates with the same policy states it once at the NewInstance
// call site.
type InstanceOption func(*Instance)

// WithSignalHandler installs the fault callback at creation.
func WithSignalHandler(h SignalHandler) InstanceOption {
	return func(i *Instance) { i.SetSignalHandler(h) }
}

// WithFatalHandler installs the unclassified-fault callback at creation.
func WithFatalHandler(h FatalHandler) InstanceOption {
	return func(i *Instance) { i.SetFatalHandler(h) }
}

// WithMemoryLimiter installs the heap-growth gate at creation.
func WithMemoryLimiter(l MemoryLimiter) InstanceOption {
	return func(i *Instance) { i.SetMemoryLimiter(l) }
}

// NewInstance activates a free slot for mod and returns an Instance bound
// to it, with opts applied before it is handed back. Returns a
// region-full error if every slot is currently in use.
func (reg *Region) NewInstance(mod *Module, opts ...InstanceOption) (*Instance, error) {
	alloc, err := reg.r.Activate(mod.m)
	if err != nil {
		return nil, err
	}
	inst := newInstance(reg.r, alloc, mod.m)
	for _, opt := range opts {
		opt(inst)
	}
	return inst, nil
}

// Close unmaps every reserved slot. The Region must not be used
// afterward, and every Instance created from it should already be
// released.
func (reg *Region) Close() error { return reg.r.Close() }

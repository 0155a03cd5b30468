// Package corevm is the embedder-facing API of an ahead-of-time
// WebAssembly execution core: load a compiled module, carve an Instance
// out of a pooled Region, and run it to completion, to a cooperative
// yield, or to a fault.
//
// The shape mirrors a typical Go runtime facade: a Config built through
// chained With... methods, a long-lived Region holding pre-reserved
// memory, Modules loaded once and shared across many Instances, and an
// Instance representing one Region slot bound to one Module for a
// sequence of runs. Everything that is safe for an embedder to touch
// lives here; the internal/ packages implement the mechanism.
package corevm

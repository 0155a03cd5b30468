package instance

// MemoryLimiter lets an embedder police heap growth before it happens and
// observe it after it fails, the Go-native reshaping of
// experimental.MemoryAllocator's Make/Grow/Free trio into the two narrow
// hooks this runtime's growth path actually needs: a yes/no gate, and a
// failure notification. current and desired are both accessible-heap byte
// counts. MemoryGrowing returning false denies the growth with
// KindLimitsExceeded without ever touching the mapping.
//
// MemoryGrowing is called synchronously on whatever goroutine is growing
// the heap, whether or not an async driver owns the run. A limiter that
// must await external state does its own blocking (it runs in the
// Hostcall-adjacent world of the grow path, never in a signal context);
// there is no futures-based variant here because Go expresses "await"
// as an ordinary blocking call.
type MemoryLimiter interface {
	MemoryGrowing(current, desired uint64) bool
	MemoryGrowFailed(err error)
}

// noopLimiter allows every growth request; it is the default when an
// Instance is created without SetMemoryLimiter.
type noopLimiter struct{}

func (noopLimiter) MemoryGrowing(current, desired uint64) bool { return true }
func (noopLimiter) MemoryGrowFailed(err error)                 {}

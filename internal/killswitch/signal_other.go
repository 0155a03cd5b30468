//go:build !linux

package killswitch

// registerSigalrm is a no-op on platforms this runtime does not target;
// Tgkill itself is unavailable there too, so Terminate()'s Guest case is
// unreachable in practice on those hosts.
func registerSigalrm(ch chan struct{}) {
	close(ch)
}

func signalThread(int) error { return nil }

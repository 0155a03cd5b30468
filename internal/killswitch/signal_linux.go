//go:build linux

package killswitch

import (
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sys/unix"
)

// signalThread delivers SIGALRM to one specific OS thread of this
// process. tgkill (not tkill) so a recycled thread id in another process
// can never be hit.
func signalThread(tid int) error {
	return unix.Tgkill(unix.Getpid(), tid, unix.SIGALRM)
}

// registerSigalrm installs the process-wide interception of SIGALRM so
// golang.org/x/sys/unix.Tgkill-delivered alarms interrupt a blocked
// syscall (EINTR) instead of killing the process. The channel is drained
// in the background; Terminate() doesn't wait on it; it only needs the
// side effect of signal.Notify having registered a handler.
func registerSigalrm(ch chan struct{}) {
	sig := make(chan os.Signal, 4)
	signal.Notify(sig, syscall.SIGALRM)
	go func() {
		for range sig {
		}
	}()
	close(ch)
}

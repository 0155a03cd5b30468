//go:build linux

package instance

import "golang.org/x/sys/unix"

func currentOSThreadID() int { return unix.Gettid() }

//go:build !linux

package instance

func currentOSThreadID() int { return 0 }

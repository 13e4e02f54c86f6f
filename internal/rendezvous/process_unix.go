//go:build unix

package rendezvous

import "syscall"

// processAlive reports whether pid names a live process, using the
// conventional signal-0 probe: sending signal 0 performs permission and
// existence checks without actually delivering a signal.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	// EPERM means the process exists but we lack permission to signal it —
	// still alive from our point of view.
	return err == syscall.EPERM
}

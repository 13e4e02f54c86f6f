//go:build !unix

package rendezvous

import "os"

// processAlive falls back to a best-effort check on non-unix platforms.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	_, err := os.FindProcess(pid)
	return err == nil
}

//go:build !windows

package lock

import (
	"os"
	"syscall"
)

// processAlive reports whether pid names a live process, by sending the
// null signal (no-op, but fails with ESRCH if the process is gone).
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

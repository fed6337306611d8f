//go:build windows

package lock

import "os"

// processAlive reports whether pid names a live process. On Windows,
// os.FindProcess always succeeds (no pid-existence check at open time), so
// Release is used as the signal instead: Release fails harmlessly on an
// already-exited process, which is the only information available without
// calling into the Windows process APIs directly.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	state, err := proc.Wait()
	if err != nil {
		// Wait fails (not our child) rather than reporting liveness; assume
		// alive so the caller treats the lock as held rather than racing a
		// concurrent holder's cleanup.
		return true
	}
	return !state.Exited()
}

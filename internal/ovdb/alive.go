package ovdb

import "golang.org/x/sys/unix"

// processAlive reports whether pid names a live process, using the
// classic kill(pid, 0) liveness probe (spec.md §4.2.5, §5).
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	if err == nil {
		return true
	}
	return err == unix.EPERM // exists but owned by someone else
}

//go:build !windows

package lock

import (
	"errors"
	"syscall"
)

// processAlive sends signal 0 to pid. Only "no such process" means dead;
// a permission error means the pid exists under another user.
func processAlive(pid int) bool {
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	return !errors.Is(err, syscall.ESRCH)
}

//go:build unix

package lock

import (
	"errors"

	"golang.org/x/sys/unix"
)

// processAlive sends signal 0 to pid. Only ESRCH means the process is gone;
// EPERM and every other outcome mean it exists.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return !errors.Is(err, unix.ESRCH)
}

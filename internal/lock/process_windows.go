//go:build windows

package lock

import (
	"errors"

	"golang.org/x/sys/windows"
)

const stillActive = 259

// processAlive opens the process with query rights. A missing process fails
// with ERROR_INVALID_PARAMETER; access denied still implies it exists.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	h, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(pid))
	if err != nil {
		return errors.Is(err, windows.ERROR_ACCESS_DENIED)
	}
	defer windows.CloseHandle(h)

	var code uint32
	if err := windows.GetExitCodeProcess(h, &code); err != nil {
		return true
	}
	return code == stillActive
}

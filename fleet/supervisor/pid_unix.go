//go:build unix

package supervisor

import (
	"errors"

	"golang.org/x/sys/unix"
)

func pidAlive(pid int) (bool, error) {
	err := unix.Kill(pid, 0)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, unix.ESRCH):
		return false, nil
	case errors.Is(err, unix.EPERM):
		// Exists but belongs to someone else.
		return true, nil
	default:
		return false, err
	}
}

//go:build !unix && !windows

package supervisor

import "errors"

func pidAlive(pid int) (bool, error) {
	return false, errors.New("process lookup not supported on this platform")
}

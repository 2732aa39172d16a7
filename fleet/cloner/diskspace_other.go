//go:build !linux && !darwin && !freebsd && !windows

package cloner

import "errors"

func availableBytes(path string) (uint64, error) {
	return 0, errors.New("free space query not supported on this platform")
}

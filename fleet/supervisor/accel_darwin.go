//go:build darwin

package supervisor

import (
	"context"

	"golang.org/x/sys/unix"

	"github.com/bionicdonkey/AndroidMulti/fleet/execrun"
)

// hostAcceleration checks for Hypervisor.framework support.
func hostAcceleration(ctx context.Context, runner execrun.CommandRunner) (bool, error) {
	v, err := unix.SysctlUint32("kern.hv_support")
	if err != nil {
		return false, err
	}
	return v == 1, nil
}

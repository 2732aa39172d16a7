//go:build linux

package supervisor

import (
	"context"
	"os"

	"github.com/bionicdonkey/AndroidMulti/fleet/execrun"
)

// hostAcceleration checks that KVM is present and usable by this user.
func hostAcceleration(ctx context.Context, runner execrun.CommandRunner) (bool, error) {
	f, err := os.OpenFile("/dev/kvm", os.O_RDWR, 0)
	if err != nil {
		if os.IsNotExist(err) || os.IsPermission(err) {
			return false, nil
		}
		return false, err
	}
	f.Close()
	return true, nil
}

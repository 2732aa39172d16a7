//go:build !linux && !darwin && !windows

package supervisor

import (
	"context"

	"github.com/bionicdonkey/AndroidMulti/fleet/execrun"
)

func hostAcceleration(ctx context.Context, runner execrun.CommandRunner) (bool, error) {
	return false, nil
}

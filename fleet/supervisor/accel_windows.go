//go:build windows

package supervisor

import (
	"context"
	"strings"
	"time"

	"github.com/bionicdonkey/AndroidMulti/fleet/execrun"
)

// hostAcceleration looks for an active hypervisor (WHPX) or a running HAXM
// service.
func hostAcceleration(ctx context.Context, runner execrun.CommandRunner) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	out, err := execrun.Output(ctx, runner, "systeminfo")
	if err == nil {
		text := string(out)
		if strings.Contains(text, "A hypervisor has been detected") || strings.Contains(text, "Windows Hypervisor Platform") {
			return true, nil
		}
	}

	out, haxmErr := execrun.Output(ctx, runner, "sc", "query", "intelhaxm")
	if haxmErr == nil && strings.Contains(string(out), "RUNNING") {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return false, nil
}

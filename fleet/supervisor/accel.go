package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/bionicdonkey/AndroidMulti/fleet/execrun"
)

// AccelToken is the generic acceleration request passed to the emulator.
// Specific accelerator names are never emitted: an unsupported one makes the
// emulator refuse to launch.
type AccelToken string

const (
	AccelAuto     AccelToken = "auto"
	AccelEnabled  AccelToken = "enabled"
	AccelDisabled AccelToken = "disabled"
)

// ParseAccel maps a configuration value to a token. Booleans are accepted
// for compatibility with older configuration files.
func ParseAccel(value string) (AccelToken, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "auto":
		return AccelAuto, nil
	case "enabled", "on", "true", "yes":
		return AccelEnabled, nil
	case "disabled", "off", "false", "no":
		return AccelDisabled, nil
	default:
		return AccelAuto, fmt.Errorf("unknown acceleration mode %q (want auto, enabled or disabled)", value)
	}
}

// EmulatorFlag returns the value for the emulator's -accel flag.
func (t AccelToken) EmulatorFlag() string {
	switch t {
	case AccelEnabled:
		return "on"
	case AccelDisabled:
		return "off"
	default:
		return "auto"
	}
}

// AccelResolver turns the configured preference into a token the host can
// honor. The host probe runs once and its result is cached.
type AccelResolver struct {
	Preference AccelToken
	Runner     execrun.CommandRunner
	Logger     *slog.Logger

	// Probe reports whether hardware virtualization is positively available.
	// Defaults to the per-platform host check.
	Probe func(ctx context.Context, runner execrun.CommandRunner) (bool, error)

	once     sync.Once
	resolved AccelToken
}

// Resolve returns disabled when the preference is disabled, enabled only when
// the host probe confirms support, and auto otherwise.
func (r *AccelResolver) Resolve(ctx context.Context) AccelToken {
	if r.Preference == AccelDisabled {
		return AccelDisabled
	}
	r.once.Do(func() {
		probe := r.Probe
		if probe == nil {
			probe = hostAcceleration
		}
		runner := r.Runner
		if runner == nil {
			runner = execrun.ExecRunner{}
		}
		logger := r.Logger
		if logger == nil {
			logger = slog.Default()
		}

		ok, err := probe(ctx, runner)
		switch {
		case err != nil:
			logger.Debug("Acceleration probe failed, letting the emulator decide", "error", err)
			r.resolved = AccelAuto
		case ok:
			r.resolved = AccelEnabled
		default:
			r.resolved = AccelAuto
		}
		logger.Info("Resolved hardware acceleration", "preference", string(r.Preference), "token", string(r.resolved))
	})
	return r.resolved
}

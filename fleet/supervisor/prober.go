package supervisor

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bionicdonkey/AndroidMulti/fleet/execrun"
	"github.com/bionicdonkey/AndroidMulti/fleet/types"
)

// Prober decides whether the process behind a record still exists. It is
// used for processes this supervisor did not start.
type Prober interface {
	Alive(ctx context.Context, rec types.InstanceRecord) (bool, error)
}

// ToolResolver resolves SDK executables by name.
type ToolResolver interface {
	Resolve(tool string) (string, error)
}

// ADBProber treats an instance as alive when adb lists its serial or, failing
// that, when its recorded PID still exists.
type ADBProber struct {
	Tools   ToolResolver
	Runner  execrun.CommandRunner
	Timeout time.Duration
}

// Alive implements Prober.
func (p *ADBProber) Alive(ctx context.Context, rec types.InstanceRecord) (bool, error) {
	devices, adbErr := p.Devices(ctx)
	if adbErr == nil {
		if _, ok := devices[rec.Serial()]; ok {
			return true, nil
		}
	}
	if rec.PID > 0 {
		alive, err := pidAlive(rec.PID)
		if err == nil {
			return alive, nil
		}
		if adbErr != nil {
			return false, fmt.Errorf("adb: %v; pid check: %w", adbErr, err)
		}
	}
	if adbErr != nil {
		return false, adbErr
	}
	return false, nil
}

// Devices returns serial -> adb state for every attached device.
func (p *ADBProber) Devices(ctx context.Context) (map[string]string, error) {
	if p.Tools == nil {
		return nil, types.Resource("probe", "", types.ErrToolNotFound, "no tool resolver configured")
	}
	adb, err := p.Tools.Resolve("adb")
	if err != nil {
		return nil, err
	}
	runner := p.Runner
	if runner == nil {
		runner = execrun.ExecRunner{}
	}
	timeout := p.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := execrun.Output(ctx, runner, adb, "devices")
	if err != nil {
		return nil, err
	}
	return ParseDevices(out), nil
}

// ParseDevices parses the output of `adb devices`.
func ParseDevices(out []byte) map[string]string {
	devices := make(map[string]string)
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "List of devices") || strings.HasPrefix(line, "*") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		devices[fields[0]] = fields[1]
	}
	return devices
}

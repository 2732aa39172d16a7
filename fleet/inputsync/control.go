package inputsync

import (
	"bytes"
	"context"
	"strings"
	"time"

	"github.com/bionicdonkey/AndroidMulti/fleet/execrun"
	"github.com/bionicdonkey/AndroidMulti/fleet/types"
)

// ControlChannel delivers a shell command to one device.
type ControlChannel interface {
	Send(ctx context.Context, target types.Target, args []string) error
}

// ToolResolver resolves SDK executables by name.
type ToolResolver interface {
	Resolve(tool string) (string, error)
}

// FileTransfer copies files onto one device.
type FileTransfer interface {
	Install(ctx context.Context, target types.Target, apk string) error
	Push(ctx context.Context, target types.Target, local, remote string) error
}

// ADBControl sends commands with "adb -s <serial> shell" and moves files
// with adb install and adb push.
type ADBControl struct {
	Tools  ToolResolver
	Runner execrun.CommandRunner
	// Timeout bounds one shell command, 2s when zero.
	Timeout time.Duration
	// TransferTimeout bounds one install or push, 5m when zero.
	TransferTimeout time.Duration
}

// Send implements ControlChannel. Each command is bounded by Timeout.
func (c *ADBControl) Send(ctx context.Context, target types.Target, args []string) error {
	timeout := c.Timeout
	if timeout == 0 {
		timeout = 2 * time.Second
	}
	_, err := c.adb(ctx, timeout, append([]string{"-s", target.Serial, "shell"}, args...)...)
	return err
}

// Install implements FileTransfer with "adb install -r", replacing an
// installed package of the same name.
func (c *ADBControl) Install(ctx context.Context, target types.Target, apk string) error {
	out, err := c.adb(ctx, c.transferTimeout(), "-s", target.Serial, "install", "-r", apk)
	if err != nil {
		return err
	}
	// Older adb versions exit 0 on a failed install.
	if !bytes.Contains(out, []byte("Success")) {
		return types.Process("install", target.Name, nil, "%s", lastLine(out))
	}
	return nil
}

// Push implements FileTransfer with "adb push".
func (c *ADBControl) Push(ctx context.Context, target types.Target, local, remote string) error {
	_, err := c.adb(ctx, c.transferTimeout(), "-s", target.Serial, "push", local, remote)
	return err
}

func (c *ADBControl) transferTimeout() time.Duration {
	if c.TransferTimeout == 0 {
		return 5 * time.Minute
	}
	return c.TransferTimeout
}

func (c *ADBControl) adb(ctx context.Context, timeout time.Duration, args ...string) ([]byte, error) {
	adb, err := c.Tools.Resolve("adb")
	if err != nil {
		return nil, err
	}
	runner := c.Runner
	if runner == nil {
		runner = execrun.ExecRunner{}
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return execrun.Output(ctx, runner, adb, args...)
}

func lastLine(out []byte) string {
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	if line := strings.TrimSpace(lines[len(lines)-1]); line != "" {
		return line
	}
	return "adb produced no output"
}

// Package execrun runs short-lived host tools such as adb and reports their
// output and exit status.
package execrun

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// CommandRunner abstracts command execution for the adb and emulator adapters.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, []byte, int32, error)
}

// ExecRunner executes commands on the local host.
type ExecRunner struct{}

// Run executes name with args and waits for it. A missing executable reports
// exit code 127; a cancelled context kills the process.
func (r ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, int32, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return stdout.Bytes(), stderr.Bytes(), 0, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return stdout.Bytes(), stderr.Bytes(), int32(exitErr.ExitCode()), err
	}

	exitCode := int32(1)
	var execErr *exec.Error
	if errors.As(err, &execErr) {
		exitCode = 127
	}
	return stdout.Bytes(), stderr.Bytes(), exitCode, err
}

// CommandError describes a command that ran but did not succeed.
type CommandError struct {
	Name     string
	Args     []string
	ExitCode int32
	Stderr   string
	Err      error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("%s %s exited with code %d", e.Name, strings.Join(e.Args, " "), e.ExitCode)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// Output runs the command and folds a non-zero exit into a CommandError.
func Output(ctx context.Context, r CommandRunner, name string, args ...string) ([]byte, error) {
	stdout, stderr, code, err := r.Run(ctx, name, args...)
	if err == nil && code == 0 {
		return stdout, nil
	}
	return stdout, &CommandError{
		Name:     name,
		Args:     append([]string{}, args...),
		ExitCode: code,
		Stderr:   strings.TrimSpace(string(stderr)),
		Err:      err,
	}
}

package execrun

import (
	"context"
	"errors"
	"testing"
)

type fakeRunner struct {
	stdout   []byte
	stderr   []byte
	exitCode int32
	err      error
	name     string
	args     []string
}

func (r *fakeRunner) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, int32, error) {
	r.name = name
	r.args = append([]string{}, args...)
	return r.stdout, r.stderr, r.exitCode, r.err
}

func TestOutputSuccess(t *testing.T) {
	r := &fakeRunner{stdout: []byte("List of devices attached\n")}
	out, err := Output(context.Background(), r, "adb", "devices")
	if err != nil {
		t.Fatalf("Output returned error: %v", err)
	}
	if string(out) != "List of devices attached\n" {
		t.Errorf("unexpected output %q", out)
	}
	if r.name != "adb" || len(r.args) != 1 || r.args[0] != "devices" {
		t.Errorf("unexpected command: name=%q args=%v", r.name, r.args)
	}
}

func TestOutputFailure(t *testing.T) {
	cause := errors.New("exit status 1")
	r := &fakeRunner{stderr: []byte("error: device offline\n"), exitCode: 1, err: cause}
	_, err := Output(context.Background(), r, "adb", "-s", "emulator-5554", "shell", "input", "tap", "1", "2")

	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("expected CommandError, got %v", err)
	}
	if cmdErr.ExitCode != 1 || cmdErr.Stderr != "error: device offline" {
		t.Errorf("unexpected command error: %+v", cmdErr)
	}
	if !errors.Is(err, cause) {
		t.Error("CommandError should unwrap to the runner error")
	}
}

func TestExecRunnerMissingBinary(t *testing.T) {
	_, _, code, err := ExecRunner{}.Run(context.Background(), "androidmulti-definitely-missing-binary")
	if err == nil {
		t.Fatal("expected an error for a missing binary")
	}
	if code != 127 {
		t.Errorf("expected exit code 127, got %d", code)
	}
}

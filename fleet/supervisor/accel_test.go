package supervisor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bionicdonkey/AndroidMulti/fleet/execrun"
)

func TestParseAccel(t *testing.T) {
	tests := []struct {
		in      string
		want    AccelToken
		wantErr bool
	}{
		{"", AccelAuto, false},
		{"auto", AccelAuto, false},
		{"Enabled", AccelEnabled, false},
		{"true", AccelEnabled, false},
		{"off", AccelDisabled, false},
		{"hvf", AccelAuto, true},
	}
	for _, tt := range tests {
		got, err := ParseAccel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseAccel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseAccel(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestEmulatorFlagIsGeneric(t *testing.T) {
	for token, want := range map[AccelToken]string{AccelEnabled: "on", AccelAuto: "auto", AccelDisabled: "off"} {
		if got := token.EmulatorFlag(); got != want {
			t.Errorf("%s.EmulatorFlag() = %q, want %q", token, got, want)
		}
	}
}

func TestAccelResolver(t *testing.T) {
	calls := 0
	probe := func(ok bool, err error) func(context.Context, execrun.CommandRunner) (bool, error) {
		return func(context.Context, execrun.CommandRunner) (bool, error) {
			calls++
			return ok, err
		}
	}

	r := &AccelResolver{Preference: AccelDisabled, Probe: probe(true, nil)}
	if got := r.Resolve(context.Background()); got != AccelDisabled || calls != 0 {
		t.Errorf("disabled preference resolved to %s after %d probes", got, calls)
	}

	r = &AccelResolver{Preference: AccelEnabled, Probe: probe(false, errors.New("no sysctl"))}
	if got := r.Resolve(context.Background()); got != AccelAuto {
		t.Errorf("unconfirmed acceleration should degrade to auto, got %s", got)
	}

	calls = 0
	r = &AccelResolver{Preference: AccelAuto, Probe: probe(true, nil)}
	r.Resolve(context.Background())
	if got := r.Resolve(context.Background()); got != AccelEnabled {
		t.Errorf("confirmed acceleration should resolve to enabled, got %s", got)
	}
	if calls != 1 {
		t.Errorf("probe should run once, ran %d times", calls)
	}
}

func TestParseDevices(t *testing.T) {
	out := []byte("* daemon started successfully\nList of devices attached\nemulator-5554\tdevice\nemulator-5556\toffline\n\n")
	devices := ParseDevices(out)
	if len(devices) != 2 || devices["emulator-5554"] != "device" || devices["emulator-5556"] != "offline" {
		t.Errorf("unexpected devices %v", devices)
	}
}

func TestTailFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dev1_5554.log")
	var lines []string
	for i := 0; i < 50; i++ {
		lines = append(lines, strings.Repeat("x", i))
	}
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\r\n")+"\r\n"), 0644); err != nil {
		t.Fatalf("failed to write log: %v", err)
	}

	tail := tailFile(path, 1<<20, 3)
	want := strings.Join(lines[47:], "\n")
	if tail != want {
		t.Errorf("tailFile = %q, want %q", tail, want)
	}
	if got := tailFile(filepath.Join(t.TempDir(), "missing.log"), 100, 3); got != "" {
		t.Errorf("missing file tail = %q", got)
	}
}

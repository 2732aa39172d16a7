package types

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// InstanceState represents the lifecycle state of a managed device instance.
type InstanceState int

const (
	// StateCreated means the device definition exists but has never been started.
	StateCreated InstanceState = iota
	// StateStarting means the backing emulator process is being launched.
	StateStarting
	// StateRunning means the backing process is alive.
	StateRunning
	// StateStopped means the instance was stopped, or its process was found gone after a restart.
	StateStopped
	// StateFailed means the process failed to launch or exited unexpectedly.
	StateFailed
)

// String returns a string representation of the InstanceState.
func (s InstanceState) String() string {
	switch s {
	case StateCreated:
		return "Created"
	case StateStarting:
		return "Starting"
	case StateRunning:
		return "Running"
	case StateStopped:
		return "Stopped"
	case StateFailed:
		return "Failed"
	default:
		return "InvalidState"
	}
}

// ParseState maps a state name to an InstanceState. Unknown names map to
// StateStopped so that a state file written by a newer version still loads.
func ParseState(name string) InstanceState {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "created":
		return StateCreated
	case "starting":
		return StateStarting
	case "running":
		return StateRunning
	case "failed":
		return StateFailed
	default:
		return StateStopped
	}
}

func (s InstanceState) MarshalText() ([]byte, error) {
	return []byte(strings.ToLower(s.String())), nil
}

func (s *InstanceState) UnmarshalText(text []byte) error {
	*s = ParseState(string(text))
	return nil
}

// HoldsPort reports whether a record in this state reserves its port.
func (s InstanceState) HoldsPort() bool {
	return s == StateCreated || s == StateStarting || s == StateRunning
}

// IsLive reports whether a backing process is expected to exist.
func (s InstanceState) IsLive() bool {
	return s == StateStarting || s == StateRunning
}

// InstanceRecord is the registry's view of one device instance. Callers only
// ever receive copies of it.
type InstanceRecord struct {
	Name      string        `json:"-"`
	DeviceID  string        `json:"deviceId"`
	Port      int           `json:"port"`
	State     InstanceState `json:"state"`
	Sync      bool          `json:"syncFlag"`
	CreatedAt time.Time     `json:"createdAt"`

	Template string `json:"template,omitempty"` // Template the definition was cloned from.
	AVDPath  string `json:"avdPath,omitempty"`  // On-disk definition directory.
	PID      int    `json:"pid,omitempty"`      // Last known backing process id.
	Seq      uint64 `json:"seq,omitempty"`      // Registration order.
}

// Serial returns the control-channel address of the instance.
func (r InstanceRecord) Serial() string {
	return SerialForPort(r.Port)
}

// SerialForPort returns the adb serial of the emulator listening on port.
func SerialForPort(port int) string {
	return fmt.Sprintf("emulator-%d", port)
}

// AVDName returns the on-disk definition name the emulator is launched with.
// It stays fixed when the instance is renamed.
func (r InstanceRecord) AVDName() string {
	if r.AVDPath == "" {
		return r.Name
	}
	return strings.TrimSuffix(filepath.Base(r.AVDPath), ".avd")
}

// Target identifies one live instance for input delivery.
type Target struct {
	Name   string `json:"name"`
	Port   int    `json:"port"`
	Serial string `json:"serial"`
}

package supervisor

import (
	"time"
)

// ManagedProcess is the supervisor's transient handle on one emulator. It is
// keyed by device identifier so renaming a running instance is safe.
type ManagedProcess struct {
	DeviceID string
	Port     int
	PID      int
	Handle   Process // Nil for processes adopted after a restart.
	LogPath  string

	startTime time.Time
	stopping  bool // Guarded by Supervisor.mu.
}

func newManagedProcess(deviceID string, port int) *ManagedProcess {
	return &ManagedProcess{
		DeviceID:  deviceID,
		Port:      port,
		startTime: time.Now(),
	}
}

// Adopted reports whether the process was found running rather than started
// by this supervisor.
func (mp *ManagedProcess) Adopted() bool {
	return mp.Handle == nil
}

// exited reports, without blocking, whether an owned process has been reaped.
func (mp *ManagedProcess) exited() (bool, error) {
	if mp.Handle == nil {
		return false, nil
	}
	select {
	case <-mp.Handle.Exited():
		return true, mp.Handle.ExitErr()
	default:
		return false, nil
	}
}

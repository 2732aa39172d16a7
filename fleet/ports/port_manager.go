package ports

import (
	"fmt"
	"net"
	"sync"

	"github.com/bionicdonkey/AndroidMulti/fleet/types"
)

const (
	// DefaultBasePort is the first console port the emulator accepts.
	DefaultBasePort = 5554
	// DefaultMaxPort is the last console port the emulator accepts.
	DefaultMaxPort = 5682
)

// Holder is the minimal view of a record needed to decide port ownership.
type Holder struct {
	Name  string
	Port  int
	State types.InstanceState
}

// HoldersFromRecords converts registry records into port holders.
func HoldersFromRecords(records []types.InstanceRecord) []Holder {
	holders := make([]Holder, 0, len(records))
	for _, rec := range records {
		holders = append(holders, Holder{Name: rec.Name, Port: rec.Port, State: rec.State})
	}
	return holders
}

// PortManager hands out even emulator console ports. Each console port p
// implies the adb port p+1, so only even ports are allocated.
type PortManager struct {
	mu      sync.Mutex
	minPort int
	maxPort int

	// ProbeHost, when set, rejects ports whose console/adb pair is already
	// bound by something outside the fleet.
	ProbeHost func(port int) bool
}

// NewPortManager creates a new PortManager instance.
// It requires an even minimum port and a maximum port to define the range for allocation.
func NewPortManager(minPort, maxPort int) (*PortManager, error) {
	if minPort <= 0 || maxPort <= 0 || minPort > maxPort {
		return nil, fmt.Errorf("invalid port range: min %d, max %d", minPort, maxPort)
	}
	if minPort%2 != 0 {
		return nil, fmt.Errorf("invalid port range: min %d must be even", minPort)
	}
	return &PortManager{
		minPort: minPort,
		maxPort: maxPort,
	}, nil
}

// Base returns the lowest port of the range.
func (pm *PortManager) Base() int {
	return pm.minPort
}

// Allocate returns the lowest even port in range that no Created, Starting or
// Running holder reserves. Ports last used by Stopped or Failed holders are
// only handed out once every never-used port is taken.
func (pm *PortManager) Allocate(holders []Holder) (int, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	reserved := make(map[int]bool)
	hinted := make(map[int]bool)
	for _, h := range holders {
		if h.Port <= 0 {
			continue
		}
		if h.State.HoldsPort() {
			reserved[h.Port] = true
		} else {
			hinted[h.Port] = true
		}
	}

	firstHinted := 0
	for port := pm.minPort; port <= pm.maxPort; port += 2 {
		if reserved[port] {
			continue
		}
		if pm.ProbeHost != nil && !pm.ProbeHost(port) {
			continue
		}
		if hinted[port] {
			if firstHinted == 0 {
				firstHinted = port
			}
			continue
		}
		return port, nil
	}
	if firstHinted != 0 {
		return firstHinted, nil
	}
	return 0, types.Resource("allocate port", "", types.ErrPortsExhausted,
		"no available ports in range [%d-%d]", pm.minPort, pm.maxPort)
}

// IsFree reports whether port can be used by the holder named self: it must be
// in range, even, and not reserved by any other live holder.
func (pm *PortManager) IsFree(port int, holders []Holder, self string) bool {
	if port < pm.minPort || port > pm.maxPort || port%2 != 0 {
		return false
	}
	for _, h := range holders {
		if h.Name == self {
			continue
		}
		if h.Port == port && h.State.HoldsPort() {
			return false
		}
	}
	return true
}

// HostPortsAvailable checks that both the console port and its adb port can
// be bound on the loopback interface.
func HostPortsAvailable(port int) bool {
	for _, p := range []int{port, port + 1} {
		l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", p))
		if err != nil {
			return false
		}
		l.Close()
	}
	return true
}

package ports

import (
	"errors"
	"testing"

	"github.com/bionicdonkey/AndroidMulti/fleet/types"
)

func TestNewPortManagerValidation(t *testing.T) {
	tests := []struct {
		name    string
		min     int
		max     int
		wantErr bool
	}{
		{"valid", 5554, 5682, false},
		{"odd base", 5555, 5682, true},
		{"inverted", 5682, 5554, true},
		{"zero", 0, 5682, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewPortManager(tt.min, tt.max)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewPortManager(%d, %d) error = %v, wantErr %v", tt.min, tt.max, err, tt.wantErr)
			}
		})
	}
}

func TestAllocateSequentialAndReuse(t *testing.T) {
	pm, err := NewPortManager(DefaultBasePort, DefaultMaxPort)
	if err != nil {
		t.Fatalf("NewPortManager returned error: %v", err)
	}

	var holders []Holder
	for i, want := range []int{5554, 5556, 5558} {
		port, err := pm.Allocate(holders)
		if err != nil {
			t.Fatalf("Allocate #%d returned error: %v", i, err)
		}
		if port != want {
			t.Fatalf("Allocate #%d = %d, want %d", i, port, want)
		}
		holders = append(holders, Holder{Name: string(rune('a' + i)), Port: port, State: types.StateCreated})
	}

	// Delete the 5556 holder and allocate again.
	holders = append(holders[:1], holders[2:]...)
	port, err := pm.Allocate(holders)
	if err != nil {
		t.Fatalf("Allocate after delete returned error: %v", err)
	}
	if port != 5556 {
		t.Errorf("Allocate after delete = %d, want 5556", port)
	}
}

func TestAllocateDeprioritizesStoppedHints(t *testing.T) {
	pm, _ := NewPortManager(5554, 5558)
	holders := []Holder{
		{Name: "stopped", Port: 5554, State: types.StateStopped},
		{Name: "running", Port: 5556, State: types.StateRunning},
	}

	port, err := pm.Allocate(holders)
	if err != nil {
		t.Fatalf("Allocate returned error: %v", err)
	}
	if port != 5558 {
		t.Fatalf("expected unhinted port 5558, got %d", port)
	}

	holders = append(holders, Holder{Name: "new", Port: 5558, State: types.StateCreated})
	port, err = pm.Allocate(holders)
	if err != nil {
		t.Fatalf("Allocate returned error: %v", err)
	}
	if port != 5554 {
		t.Fatalf("expected stopped hint 5554 to be reused, got %d", port)
	}
}

func TestAllocateExhausted(t *testing.T) {
	pm, _ := NewPortManager(5554, 5556)
	holders := []Holder{
		{Name: "a", Port: 5554, State: types.StateRunning},
		{Name: "b", Port: 5556, State: types.StateStarting},
	}
	_, err := pm.Allocate(holders)
	if err == nil {
		t.Fatal("expected exhaustion error")
	}
	if !errors.Is(err, types.ErrPortsExhausted) {
		t.Errorf("expected ErrPortsExhausted, got %v", err)
	}
	if !types.IsKind(err, types.KindResource) {
		t.Errorf("expected ResourceError, got %v", err)
	}
}

func TestAllocateSkipsHostBoundPorts(t *testing.T) {
	pm, _ := NewPortManager(5554, 5682)
	pm.ProbeHost = func(port int) bool { return port != 5554 }
	port, err := pm.Allocate(nil)
	if err != nil {
		t.Fatalf("Allocate returned error: %v", err)
	}
	if port != 5556 {
		t.Errorf("expected 5556 when 5554 is bound on host, got %d", port)
	}
}

func TestIsFree(t *testing.T) {
	pm, _ := NewPortManager(5554, 5682)
	holders := []Holder{
		{Name: "a", Port: 5554, State: types.StateRunning},
		{Name: "b", Port: 5556, State: types.StateStopped},
	}
	if pm.IsFree(5554, holders, "b") {
		t.Error("5554 is held by running instance a")
	}
	if !pm.IsFree(5554, holders, "a") {
		t.Error("a's own port should be free for a")
	}
	if !pm.IsFree(5556, holders, "c") {
		t.Error("stopped hint should not block reuse")
	}
	if pm.IsFree(5557, holders, "c") {
		t.Error("odd port must never be free")
	}
}

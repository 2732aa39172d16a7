package types

import "time"

// StateChange is published whenever an instance changes lifecycle state,
// is renamed, or is removed.
type StateChange struct {
	Instance string        `json:"instance"`
	OldName  string        `json:"oldName,omitempty"` // Set on rename.
	From     InstanceState `json:"from"`
	To       InstanceState `json:"to"`
	Reason   string        `json:"reason,omitempty"`
	Removed  bool          `json:"removed,omitempty"`
	At       time.Time     `json:"at"`
}

// Progress reports a phase of a long-running operation. Percent is in [0,100].
type Progress struct {
	TaskID   string    `json:"taskId"`
	Op       string    `json:"op"`
	Instance string    `json:"instance"`
	Phase    string    `json:"phase"`
	Percent  int       `json:"percent"`
	Done     bool      `json:"done,omitempty"`
	Err      string    `json:"error,omitempty"`
	At       time.Time `json:"at"`
}

// ProgressFunc receives progress notifications. It must not block.
type ProgressFunc func(phase string, percent int)

// NoProgress discards progress notifications.
func NoProgress(string, int) {}

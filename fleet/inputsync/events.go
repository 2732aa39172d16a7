package inputsync

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Category groups events for the per-category sync toggles.
type Category int

const (
	CategoryTouch Category = iota
	CategoryKeyboard
	CategoryScroll
)

func (c Category) String() string {
	switch c {
	case CategoryTouch:
		return "touch"
	case CategoryKeyboard:
		return "keyboard"
	case CategoryScroll:
		return "scroll"
	default:
		return "unknown"
	}
}

// Event is one input action replicated to the sync group. Coordinates are in
// the target's own pixel space and are never rescaled.
type Event interface {
	// Name identifies the event in logs and metrics.
	Name() string
	Category() Category
	// ShellArgs is the command run through "adb shell" on each target.
	ShellArgs() []string
}

type Tap struct{ X, Y int }

func (e Tap) Name() string        { return "tap" }
func (e Tap) Category() Category  { return CategoryTouch }
func (e Tap) ShellArgs() []string { return []string{"input", "tap", itoa(e.X), itoa(e.Y)} }

type PointerDown struct{ X, Y int }

func (e PointerDown) Name() string       { return "pointer_down" }
func (e PointerDown) Category() Category { return CategoryTouch }
func (e PointerDown) ShellArgs() []string {
	return []string{"input", "motionevent", "DOWN", itoa(e.X), itoa(e.Y)}
}

type PointerMove struct{ X, Y int }

func (e PointerMove) Name() string       { return "pointer_move" }
func (e PointerMove) Category() Category { return CategoryTouch }
func (e PointerMove) ShellArgs() []string {
	return []string{"input", "motionevent", "MOVE", itoa(e.X), itoa(e.Y)}
}

type PointerUp struct{ X, Y int }

func (e PointerUp) Name() string       { return "pointer_up" }
func (e PointerUp) Category() Category { return CategoryTouch }
func (e PointerUp) ShellArgs() []string {
	return []string{"input", "motionevent", "UP", itoa(e.X), itoa(e.Y)}
}

// Swipe is a press-drag-release gesture. A zero Duration lets the device
// pick its default.
type Swipe struct {
	X1, Y1, X2, Y2 int
	Duration       time.Duration
}

func (e Swipe) Name() string       { return "swipe" }
func (e Swipe) Category() Category { return CategoryTouch }
func (e Swipe) ShellArgs() []string {
	args := []string{"input", "swipe", itoa(e.X1), itoa(e.Y1), itoa(e.X2), itoa(e.Y2)}
	if e.Duration > 0 {
		args = append(args, strconv.FormatInt(e.Duration.Milliseconds(), 10))
	}
	return args
}

// Key presses one Android keycode.
type Key struct{ Code int }

func (e Key) Name() string        { return "key" }
func (e Key) Category() Category  { return CategoryKeyboard }
func (e Key) ShellArgs() []string { return []string{"input", "keyevent", itoa(e.Code)} }

// Text types a string into the focused field.
type Text struct{ Value string }

func (e Text) Name() string        { return "text" }
func (e Text) Category() Category  { return CategoryKeyboard }
func (e Text) ShellArgs() []string { return []string{"input", "text", escapeText(e.Value)} }

// Scroll rolls the trackball by DX, DY notches.
type Scroll struct{ DX, DY float64 }

func (e Scroll) Name() string       { return "scroll" }
func (e Scroll) Category() Category { return CategoryScroll }
func (e Scroll) ShellArgs() []string {
	return []string{"input", "roll", ftoa(e.DX), ftoa(e.DY)}
}

func itoa(v int) string { return strconv.Itoa(v) }

func ftoa(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }

// escapeText encodes spaces the way "input text" expects and escapes the
// characters the device shell would otherwise interpret.
func escapeText(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case ' ':
			b.WriteString("%s")
		case '\\', '\'', '"', '(', ')', '&', '<', '>', ';', '|', '*', '~', '$', '`', '?', '#', '!':
			b.WriteByte('\\')
			b.WriteRune(r)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Request is the wire form of an Event used by the control API and the CLI.
type Request struct {
	Type       string  `json:"type"`
	X          int     `json:"x,omitempty"`
	Y          int     `json:"y,omitempty"`
	X2         int     `json:"x2,omitempty"`
	Y2         int     `json:"y2,omitempty"`
	DurationMS int     `json:"durationMs,omitempty"`
	Key        string  `json:"key,omitempty"`
	Code       int     `json:"code,omitempty"`
	Text       string  `json:"text,omitempty"`
	DX         float64 `json:"dx,omitempty"`
	DY         float64 `json:"dy,omitempty"`
	Source     string  `json:"source,omitempty"`
}

// Event converts the request into an Event.
func (r Request) Event() (Event, error) {
	switch strings.ToLower(r.Type) {
	case "tap":
		return Tap{X: r.X, Y: r.Y}, nil
	case "down", "pointer_down":
		return PointerDown{X: r.X, Y: r.Y}, nil
	case "move", "pointer_move":
		return PointerMove{X: r.X, Y: r.Y}, nil
	case "up", "pointer_up":
		return PointerUp{X: r.X, Y: r.Y}, nil
	case "swipe":
		if r.DurationMS < 0 {
			return nil, fmt.Errorf("negative swipe duration %d", r.DurationMS)
		}
		return Swipe{X1: r.X, Y1: r.Y, X2: r.X2, Y2: r.Y2, Duration: time.Duration(r.DurationMS) * time.Millisecond}, nil
	case "key":
		if r.Key != "" {
			code, ok := KeyCode(r.Key)
			if !ok {
				return nil, fmt.Errorf("unknown key %q", r.Key)
			}
			return Key{Code: code}, nil
		}
		if r.Code <= 0 {
			return nil, fmt.Errorf("key event needs a key name or a positive code")
		}
		return Key{Code: r.Code}, nil
	case "text":
		if r.Text == "" {
			return nil, fmt.Errorf("text event needs text")
		}
		return Text{Value: r.Text}, nil
	case "scroll":
		return Scroll{DX: r.DX, DY: r.DY}, nil
	default:
		return nil, fmt.Errorf("unknown event type %q", r.Type)
	}
}

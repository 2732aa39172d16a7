package types

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind represents different categories of fleet errors
type ErrorKind int

const (
	// KindUnknown represents an unknown error
	KindUnknown ErrorKind = iota
	// KindValidation represents duplicate or empty names and invalid requests
	KindValidation
	// KindResource represents port exhaustion, disk space and missing tools
	KindResource
	// KindProcess represents launch failures and unexpected exits
	KindProcess
	// KindIO represents persistence read/write failures
	KindIO
	// KindPartialDelivery represents per-target input delivery failures
	KindPartialDelivery
)

func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "ValidationError"
	case KindResource:
		return "ResourceError"
	case KindProcess:
		return "ProcessError"
	case KindIO:
		return "IOError"
	case KindPartialDelivery:
		return "PartialDeliveryError"
	default:
		return "UnknownError"
	}
}

var (
	ErrDuplicateName       = errors.New("name already registered")
	ErrEmptyName           = errors.New("name is empty")
	ErrNotFound            = errors.New("instance not found")
	ErrDuplicateDevice     = errors.New("device identifier already in use")
	ErrTemplateNotFound    = errors.New("template not found")
	ErrInsufficientSpace   = errors.New("insufficient disk space")
	ErrPortsExhausted      = errors.New("no free control port")
	ErrToolNotFound        = errors.New("tool path not resolved")
	ErrLaunchFailed        = errors.New("process launch failed")
	ErrUnexpectedExit      = errors.New("process exited unexpectedly")
	ErrPersist             = errors.New("state persistence failed")
	ErrInvalidTransition   = errors.New("invalid state transition")
	ErrSyncRequiresRunning = errors.New("sync requires a running instance")
	ErrNotRunning          = errors.New("instance is not running")
)

// Error is a categorized fleet error. Instance is empty when the failure is
// not tied to one instance.
type Error struct {
	Kind     ErrorKind
	Op       string
	Instance string
	Message  string
	Cause    error
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Op != "" {
		b.WriteString(" in ")
		b.WriteString(e.Op)
	}
	if e.Instance != "" {
		fmt.Fprintf(&b, " [%s]", e.Instance)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	return b.String()
}

// Unwrap returns the underlying cause error
func (e *Error) Unwrap() error {
	return e.Cause
}

// IsKind checks if err carries an Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind == kind
	}
	var pe *PartialDeliveryError
	if kind == KindPartialDelivery && errors.As(err, &pe) {
		return true
	}
	return false
}

func newError(kind ErrorKind, op, instance string, cause error, format string, args ...any) *Error {
	return &Error{
		Kind:     kind,
		Op:       op,
		Instance: instance,
		Message:  fmt.Sprintf(format, args...),
		Cause:    cause,
	}
}

// Validation creates a ValidationError.
func Validation(op, instance string, cause error, format string, args ...any) *Error {
	return newError(KindValidation, op, instance, cause, format, args...)
}

// Resource creates a ResourceError.
func Resource(op, instance string, cause error, format string, args ...any) *Error {
	return newError(KindResource, op, instance, cause, format, args...)
}

// Process creates a ProcessError.
func Process(op, instance string, cause error, format string, args ...any) *Error {
	return newError(KindProcess, op, instance, cause, format, args...)
}

// IO creates an IOError.
func IO(op, instance string, cause error, format string, args ...any) *Error {
	return newError(KindIO, op, instance, cause, format, args...)
}

// TargetFailure records one failed delivery inside a dispatch loop.
type TargetFailure struct {
	Instance string
	Err      error
}

// PartialDeliveryError aggregates the targets that did not receive an event.
// It is a warning: the remaining targets were still attempted.
type PartialDeliveryError struct {
	Event     string
	Attempted int
	Failures  []TargetFailure
}

func (e *PartialDeliveryError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s: %v", f.Instance, f.Err))
	}
	return fmt.Sprintf("PartialDeliveryError: %s delivered to %d of %d targets (%s)",
		e.Event, e.Attempted-len(e.Failures), e.Attempted, strings.Join(parts, "; "))
}

// Instances returns the names of the targets that failed.
func (e *PartialDeliveryError) Instances() []string {
	names := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		names[i] = f.Instance
	}
	return names
}

// Package inputsync replicates input events to every running instance in the
// sync group.
package inputsync

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/bionicdonkey/AndroidMulti/fleet/events"
	"github.com/bionicdonkey/AndroidMulti/fleet/metrics"
	"github.com/bionicdonkey/AndroidMulti/fleet/types"
)

// GroupSource yields the running, sync-flagged records in registration order.
type GroupSource interface {
	SyncGroup() []types.InstanceRecord
}

// Filter selects which event categories are replicated.
type Filter struct {
	Touch    bool
	Keyboard bool
	Scroll   bool
}

// AllEvents replicates every category.
var AllEvents = Filter{Touch: true, Keyboard: true, Scroll: true}

func (f Filter) allows(c Category) bool {
	switch c {
	case CategoryTouch:
		return f.Touch
	case CategoryKeyboard:
		return f.Keyboard
	case CategoryScroll:
		return f.Scroll
	default:
		return false
	}
}

// Config holds configuration for the Synchronizer
type Config struct {
	Source    GroupSource
	Control   ControlChannel
	Transfer  FileTransfer
	Publisher events.Publisher
	Logger    *slog.Logger

	// Delay is the pause between consecutive targets. Zero means none.
	Delay time.Duration
	// Filter defaults to AllEvents when nil.
	Filter *Filter
}

// Synchronizer fans input events out to the sync group. It never changes an
// instance's run state.
type Synchronizer struct {
	source    GroupSource
	control   ControlChannel
	transfer  FileTransfer
	publisher events.Publisher
	logger    *slog.Logger
	delay     time.Duration

	mu      sync.Mutex
	enabled bool
	filter  Filter
	// active is cancelled by Disable to stop in-flight dispatch loops.
	active context.Context
	cancel context.CancelFunc

	// dispatchMu keeps whole events from interleaving on a target.
	dispatchMu sync.Mutex
}

// New creates a disabled Synchronizer.
func New(config Config) *Synchronizer {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	filter := AllEvents
	if config.Filter != nil {
		filter = *config.Filter
	}
	return &Synchronizer{
		source:    config.Source,
		control:   config.Control,
		transfer:  config.Transfer,
		publisher: config.Publisher,
		logger:    logger.With("component", "inputsync"),
		delay:     config.Delay,
		filter:    filter,
	}
}

// Enable turns replication on and returns the current group.
func (s *Synchronizer) Enable() []types.Target {
	s.mu.Lock()
	if !s.enabled {
		s.enabled = true
		s.active, s.cancel = context.WithCancel(context.Background())
	}
	s.mu.Unlock()

	group := s.Group()
	s.logger.Info("Input sync enabled", "members", len(group))
	return group
}

// Disable turns replication off and stops any dispatch in progress.
func (s *Synchronizer) Disable() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.enabled {
		return
	}
	s.enabled = false
	s.cancel()
	s.active, s.cancel = nil, nil
	s.logger.Info("Input sync disabled")
}

// Enabled reports whether replication is on.
func (s *Synchronizer) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

// SetFilter replaces the category filter.
func (s *Synchronizer) SetFilter(f Filter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.filter = f
}

// Group returns the current sync group, read fresh from the registry so that
// renames, stops and deletes are reflected. It is empty while disabled.
func (s *Synchronizer) Group() []types.Target {
	if !s.Enabled() {
		return nil
	}
	records := s.source.SyncGroup()
	targets := make([]types.Target, 0, len(records))
	for _, rec := range records {
		targets = append(targets, types.Target{Name: rec.Name, Port: rec.Port, Serial: rec.Serial()})
	}
	return targets
}

// Dispatch delivers event to every group member except source, one at a time
// in registration order. A failed target is recorded and the loop moves on;
// the failures are returned as a *types.PartialDeliveryError. Dispatch is a
// no-op while disabled or when the event's category is filtered out.
func (s *Synchronizer) Dispatch(ctx context.Context, event Event, source string) error {
	s.mu.Lock()
	enabled, active, filter := s.enabled, s.active, s.filter
	s.mu.Unlock()
	if !enabled {
		return nil
	}
	if !filter.allows(event.Category()) {
		s.logger.Debug("Event filtered", "event", event.Name(), "category", event.Category().String())
		return nil
	}

	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(active, cancel)
	defer stop()

	var targets []types.Target
	for _, t := range s.Group() {
		if source != "" && t.Name == source {
			continue
		}
		targets = append(targets, t)
	}
	if len(targets) == 0 {
		return nil
	}

	args := event.ShellArgs()
	report := events.DispatchReport{Event: event.Name(), Source: source}
	partial := &types.PartialDeliveryError{Event: event.Name()}

	var loopErr error
	for i, target := range targets {
		if err := ctx.Err(); err != nil {
			loopErr = err
			break
		}
		partial.Attempted++
		if err := s.control.Send(ctx, target, args); err != nil {
			s.logger.Warn("Failed to deliver input", "event", event.Name(), "instance", target.Name, "serial", target.Serial, "error", err)
			partial.Failures = append(partial.Failures, types.TargetFailure{Instance: target.Name, Err: err})
			report.Failed = append(report.Failed, target.Name)
		} else {
			report.Delivered = append(report.Delivered, target.Name)
		}

		if s.delay > 0 && i < len(targets)-1 {
			timer := time.NewTimer(s.delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
			}
		}
	}

	metrics.RecordDispatch(event.Name(), len(report.Delivered), len(report.Failed))
	if s.publisher != nil {
		s.publisher.Publish(events.Event{Kind: events.KindDispatch, Dispatch: &report})
	}

	if loopErr != nil {
		s.logger.Info("Dispatch interrupted", "event", event.Name(), "delivered", len(report.Delivered), "remaining", len(targets)-partial.Attempted)
		return loopErr
	}
	if len(partial.Failures) > 0 {
		return partial
	}
	return nil
}

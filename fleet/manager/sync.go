package manager

import (
	"context"
	"errors"
	"time"

	"github.com/bionicdonkey/AndroidMulti/fleet/events"
	"github.com/bionicdonkey/AndroidMulti/fleet/inputsync"
	"github.com/bionicdonkey/AndroidMulti/fleet/journal"
	"github.com/bionicdonkey/AndroidMulti/fleet/types"
)

// ErrNoJournal is returned by history queries when no journal is configured.
var ErrNoJournal = errors.New("journal disabled")

// EnableSync turns input replication on and returns the sync group.
func (f *Fleet) EnableSync() []types.Target {
	return f.syncer.Enable()
}

// DisableSync turns input replication off. Instances keep running.
func (f *Fleet) DisableSync() {
	f.syncer.Disable()
}

// SyncEnabled reports whether input replication is on.
func (f *Fleet) SyncEnabled() bool {
	return f.syncer.Enabled()
}

// SyncGroup returns the current replication targets.
func (f *Fleet) SyncGroup() []types.Target {
	return f.syncer.Group()
}

// Dispatch replicates event to the sync group, skipping source, and waits
// for every delivery attempt.
func (f *Fleet) Dispatch(ctx context.Context, event inputsync.Event, source string) error {
	return f.syncer.Dispatch(ctx, event, source)
}

// Submit queues event for replication without waiting.
func (f *Fleet) Submit(event inputsync.Event, source string) error {
	return f.queue.Submit(event, source)
}

// Subscribe returns a channel of fleet notifications. Release it with
// Unsubscribe.
func (f *Fleet) Subscribe(buffer int) <-chan events.Event {
	return f.bus.Subscribe(buffer)
}

// Unsubscribe releases a channel returned by Subscribe.
func (f *Fleet) Unsubscribe(ch <-chan events.Event) {
	f.bus.Unsubscribe(ch)
}

// History returns journal entries, newest first, for one instance or for
// the whole fleet when instance is empty.
func (f *Fleet) History(instance string, limit int) ([]journal.Entry, error) {
	if f.journal == nil {
		return nil, ErrNoJournal
	}
	if limit <= 0 {
		limit = 50
	}
	if instance == "" {
		return f.journal.Recent(limit)
	}
	return f.journal.ForInstance(instance, limit)
}

// PruneHistory drops journal entries older than age.
func (f *Fleet) PruneHistory(age time.Duration) (int64, error) {
	if f.journal == nil {
		return 0, ErrNoJournal
	}
	return f.journal.DeleteOlderThan(age)
}

package manager

import (
	"context"
	"sync"
	"time"

	"github.com/bionicdonkey/AndroidMulti/fleet/types"
)

// Task is a long-running fleet operation executing in the background.
type Task struct {
	ID       string
	Op       string
	Instance string
	Started  time.Time

	done chan struct{}

	mu       sync.Mutex
	progress types.Progress
	record   types.InstanceRecord
	err      error
	finished time.Time
}

func newTask(id, op, instance string) *Task {
	now := time.Now()
	return &Task{
		ID:       id,
		Op:       op,
		Instance: instance,
		Started:  now,
		done:     make(chan struct{}),
		progress: types.Progress{TaskID: id, Op: op, Instance: instance, Phase: "queued", At: now},
	}
}

// Done is closed when the task finishes.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the task finishes or ctx ends.
func (t *Task) Wait(ctx context.Context) (types.InstanceRecord, error) {
	select {
	case <-t.done:
		t.mu.Lock()
		defer t.mu.Unlock()
		return t.record, t.err
	case <-ctx.Done():
		return types.InstanceRecord{}, ctx.Err()
	}
}

// Progress returns the latest progress report.
func (t *Task) Progress() types.Progress {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.progress
}

// Result returns the outcome once the task has finished. done is false
// while it is still running.
func (t *Task) Result() (rec types.InstanceRecord, done bool, err error) {
	select {
	case <-t.done:
	default:
		return types.InstanceRecord{}, false, nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.record, true, t.err
}

func (t *Task) update(p types.Progress) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.progress = p
}

func (t *Task) finish(rec types.InstanceRecord, err error) {
	t.mu.Lock()
	t.record = rec
	t.err = err
	t.finished = time.Now()
	t.mu.Unlock()
	close(t.done)
}

func (t *Task) finishedBefore(cutoff time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.finished.IsZero() && t.finished.Before(cutoff)
}

// Package journal keeps a durable history of lifecycle changes, finished
// tasks and synchronized dispatches in sqlite.
package journal

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/bionicdonkey/AndroidMulti/fleet/events"
	"github.com/bionicdonkey/AndroidMulti/fleet/types"
)

// EntryKind classifies a journal entry
type EntryKind string

const (
	EntryState    EntryKind = "state"
	EntryRename   EntryKind = "rename"
	EntryRemoved  EntryKind = "removed"
	EntryTask     EntryKind = "task"
	EntryDispatch EntryKind = "dispatch"
)

// Entry is one row of fleet_events.
type Entry struct {
	ID        string `db:"id" json:"id"`
	Instance  string `db:"instance" json:"instance"`
	Kind      string `db:"kind" json:"kind"`
	FromState string `db:"from_state" json:"from,omitempty"`
	ToState   string `db:"to_state" json:"to,omitempty"`
	Detail    string `db:"detail" json:"detail,omitempty"`
	Timestamp int64  `db:"timestamp" json:"timestamp"` // Unix milliseconds.
}

// Time returns the entry timestamp.
func (e Entry) Time() time.Time {
	return time.UnixMilli(e.Timestamp)
}

// Journal writes and queries fleet history
type Journal struct {
	db     *sqlx.DB
	logger *slog.Logger
	now    func() time.Time
}

// Open connects to the sqlite database at path and prepares the schema.
func Open(path string, logger *slog.Logger) (*Journal, error) {
	db, err := sqlx.Connect("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal %s: %w", path, err)
	}
	j, err := New(db, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	return j, nil
}

// New creates a journal on an existing connection.
func New(db *sqlx.DB, logger *slog.Logger) (*Journal, error) {
	if err := DBInit(db); err != nil {
		return nil, fmt.Errorf("failed to initialize journal: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Journal{
		db:     db,
		logger: logger.With("component", "Journal"),
		now:    time.Now,
	}, nil
}

// DBInit initializes the fleet_events table
func DBInit(db *sqlx.DB) error {
	_, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS fleet_events (
		id TEXT PRIMARY KEY,
		instance TEXT NOT NULL,
		kind TEXT NOT NULL,
		from_state TEXT NOT NULL DEFAULT '',
		to_state TEXT NOT NULL DEFAULT '',
		detail TEXT NOT NULL DEFAULT '',
		timestamp INTEGER NOT NULL
	)
	`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_fleet_events_timestamp ON fleet_events(timestamp)`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_fleet_events_instance ON fleet_events(instance)`)
	return err
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}

func (j *Journal) insert(entry *Entry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.Timestamp == 0 {
		entry.Timestamp = j.now().UTC().UnixMilli()
	}
	_, err := j.db.NamedExec(`
		INSERT INTO fleet_events (id, instance, kind, from_state, to_state, detail, timestamp)
		VALUES (:id, :instance, :kind, :from_state, :to_state, :detail, :timestamp)`, entry)
	return err
}

// Record stores a lifecycle change.
func (j *Journal) Record(change types.StateChange) error {
	entry := &Entry{
		Instance:  change.Instance,
		Kind:      string(EntryState),
		FromState: change.From.String(),
		ToState:   change.To.String(),
		Detail:    change.Reason,
	}
	switch {
	case change.Removed:
		entry.Kind = string(EntryRemoved)
	case change.OldName != "":
		entry.Kind = string(EntryRename)
		entry.Detail = "renamed from " + change.OldName
	}
	if !change.At.IsZero() {
		entry.Timestamp = change.At.UTC().UnixMilli()
	}
	return j.insert(entry)
}

// RecordTask stores the outcome of a finished long-running operation.
func (j *Journal) RecordTask(progress types.Progress) error {
	detail := progress.Op + " succeeded"
	if progress.Err != "" {
		detail = progress.Op + " failed: " + progress.Err
	}
	entry := &Entry{Instance: progress.Instance, Kind: string(EntryTask), Detail: detail}
	if !progress.At.IsZero() {
		entry.Timestamp = progress.At.UTC().UnixMilli()
	}
	return j.insert(entry)
}

// RecordDispatch stores a synchronized dispatch summary under the source
// instance, or "*" when the event had no source.
func (j *Journal) RecordDispatch(report events.DispatchReport, at time.Time) error {
	instance := report.Source
	if instance == "" {
		instance = "*"
	}
	detail := fmt.Sprintf("%s delivered to %d", report.Event, len(report.Delivered))
	if len(report.Failed) > 0 {
		detail += fmt.Sprintf(", failed on %s", strings.Join(report.Failed, ","))
	}
	entry := &Entry{Instance: instance, Kind: string(EntryDispatch), Detail: detail}
	if !at.IsZero() {
		entry.Timestamp = at.UTC().UnixMilli()
	}
	return j.insert(entry)
}

// Recent returns the newest entries first.
func (j *Journal) Recent(limit int) ([]Entry, error) {
	var entries []Entry
	err := j.db.Select(&entries,
		"SELECT * FROM fleet_events ORDER BY timestamp DESC, rowid DESC LIMIT $1",
		limit)
	return entries, err
}

// ForInstance returns the newest entries for one instance first.
func (j *Journal) ForInstance(name string, limit int) ([]Entry, error) {
	var entries []Entry
	err := j.db.Select(&entries,
		"SELECT * FROM fleet_events WHERE instance = $1 ORDER BY timestamp DESC, rowid DESC LIMIT $2",
		name, limit)
	return entries, err
}

// DeleteOlderThan removes entries older than the given age.
func (j *Journal) DeleteOlderThan(age time.Duration) (int64, error) {
	threshold := j.now().UTC().Add(-age).UnixMilli()
	result, err := j.db.Exec("DELETE FROM fleet_events WHERE timestamp < $1", threshold)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// Publish records a bus event. Progress events are only recorded once their
// task is done. Attached to the bus it sees every event in order.
func (j *Journal) Publish(ev events.Event) {
	var err error
	switch {
	case ev.Kind == events.KindStateChange && ev.State != nil:
		err = j.Record(*ev.State)
	case ev.Kind == events.KindDispatch && ev.Dispatch != nil:
		err = j.RecordDispatch(*ev.Dispatch, ev.At)
	case ev.Kind == events.KindProgress && ev.Progress != nil && ev.Progress.Done:
		err = j.RecordTask(*ev.Progress)
	}
	if err != nil {
		j.logger.Warn("Failed to record journal entry", "kind", string(ev.Kind), "error", err)
	}
}

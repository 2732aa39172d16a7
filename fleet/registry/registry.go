package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bionicdonkey/AndroidMulti/fleet/events"
	"github.com/bionicdonkey/AndroidMulti/fleet/fsutil"
	"github.com/bionicdonkey/AndroidMulti/fleet/ports"
	"github.com/bionicdonkey/AndroidMulti/fleet/types"
)

// LivenessProber checks whether the backing process of a record exists on
// this host. It is used once at startup to correct persisted liveness.
type LivenessProber interface {
	Alive(ctx context.Context, rec types.InstanceRecord) (bool, error)
}

// Config holds configuration options for the Registry.
type Config struct {
	StatePath string             // Path of the JSON state file.
	Ports     *ports.PortManager // Optional, defaults to the emulator console range.
	Prober    LivenessProber     // Optional, without it every live record is demoted on Load.
	Publisher events.Publisher   // Optional, receives state-change notifications.
	Logger    *slog.Logger       // Optional, defaults to slog.Default()
}

// Registry is the single source of truth for known instances. Mutations are
// applied one at a time: each builds the next arena, persists it, and only
// then makes it visible to readers.
type Registry struct {
	writeMu sync.Mutex // Serializes mutators.

	mu      sync.RWMutex // Guards records and seq for readers.
	records map[string]*types.InstanceRecord
	seq     uint64

	statePath string
	ports     *ports.PortManager
	prober    LivenessProber
	publisher events.Publisher
	logger    *slog.Logger

	writeFile func(path string, data []byte) error
	now       func() time.Time
}

// New creates an empty Registry. Call Load to read the persisted state.
func New(config Config) (*Registry, error) {
	if strings.TrimSpace(config.StatePath) == "" {
		return nil, fmt.Errorf("StatePath is required")
	}

	pm := config.Ports
	if pm == nil {
		var err error
		pm, err = ports.NewPortManager(ports.DefaultBasePort, ports.DefaultMaxPort)
		if err != nil {
			return nil, err
		}
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Registry{
		records:   make(map[string]*types.InstanceRecord),
		statePath: config.StatePath,
		ports:     pm,
		prober:    config.Prober,
		publisher: config.Publisher,
		logger:    logger.With("component", "Registry"),
		writeFile: func(path string, data []byte) error { return fsutil.WriteFileAtomic(path, data, 0644) },
		now:       time.Now,
	}, nil
}

// StatePath returns the path of the persisted snapshot.
func (r *Registry) StatePath() string {
	return r.statePath
}

// Ports returns the port manager used for allocation.
func (r *Registry) Ports() *ports.PortManager {
	return r.ports
}

// Get returns a copy of the named record.
func (r *Registry) Get(name string) (types.InstanceRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[name]
	if !ok {
		return types.InstanceRecord{}, types.Validation("get", name, types.ErrNotFound, "no instance named %q", name)
	}
	return *rec, nil
}

// List returns copies of all records in registration order.
func (r *Registry) List() []types.InstanceRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedCopies(r.records)
}

// SyncGroup returns the records eligible for input replication (running and
// sync-flagged) in registration order.
func (r *Registry) SyncGroup() []types.InstanceRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	group := make([]types.InstanceRecord, 0)
	for _, rec := range sortedCopies(r.records) {
		if rec.Sync && rec.State == types.StateRunning {
			group = append(group, rec)
		}
	}
	return group
}

// HasDeviceID reports whether any record uses the device identifier.
func (r *Registry) HasDeviceID(deviceID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rec := range r.records {
		if rec.DeviceID == deviceID {
			return true
		}
	}
	return false
}

// FindByDeviceID returns the record that owns deviceID. Device identifiers
// survive renames, so they are the stable key for process bookkeeping.
func (r *Registry) FindByDeviceID(deviceID string) (types.InstanceRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rec := range r.records {
		if rec.DeviceID == deviceID {
			return *rec, true
		}
	}
	return types.InstanceRecord{}, false
}

// Holders returns the port holders of every record.
func (r *Registry) Holders() []ports.Holder {
	return ports.HoldersFromRecords(r.List())
}

// Register adds a new record in the Created state. A zero Port is replaced
// by the lowest free port. The record is visible only once persisted.
func (r *Registry) Register(rec types.InstanceRecord) (types.InstanceRecord, error) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	rec.Name = strings.TrimSpace(rec.Name)
	if rec.Name == "" {
		return types.InstanceRecord{}, types.Validation("register", "", types.ErrEmptyName, "instance name must not be empty")
	}
	if strings.TrimSpace(rec.DeviceID) == "" {
		return types.InstanceRecord{}, types.Validation("register", rec.Name, nil, "device identifier must not be empty")
	}

	next, seq := r.cloneArena()
	if _, exists := next[rec.Name]; exists {
		return types.InstanceRecord{}, types.Validation("register", rec.Name, types.ErrDuplicateName, "an instance named %q already exists", rec.Name)
	}
	for _, other := range next {
		if other.DeviceID == rec.DeviceID {
			return types.InstanceRecord{}, types.Validation("register", rec.Name, types.ErrDuplicateDevice, "device identifier %s is used by %q", rec.DeviceID, other.Name)
		}
	}

	holders := ports.HoldersFromRecords(sortedCopies(next))
	if rec.Port == 0 {
		port, err := r.ports.Allocate(holders)
		if err != nil {
			var fe *types.Error
			if errors.As(err, &fe) {
				fe.Instance = rec.Name
			}
			return types.InstanceRecord{}, err
		}
		rec.Port = port
	} else if !r.ports.IsFree(rec.Port, holders, rec.Name) {
		return types.InstanceRecord{}, types.Resource("register", rec.Name, nil, "port %d is not available", rec.Port)
	}

	seq++
	rec.Seq = seq
	rec.State = types.StateCreated
	rec.Sync = false
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = r.now().UTC()
	}
	stored := rec
	next[rec.Name] = &stored

	if err := r.commit(next, seq, "register", rec.Name); err != nil {
		return types.InstanceRecord{}, err
	}

	r.logger.Info("Instance registered", "instance", rec.Name, "deviceId", rec.DeviceID, "port", rec.Port)
	r.publish(types.StateChange{Instance: rec.Name, From: types.StateCreated, To: types.StateCreated, Reason: "registered"})
	return rec, nil
}

// Unregister removes a record. Records with a live process must be stopped
// first.
func (r *Registry) Unregister(name string) (types.InstanceRecord, error) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	next, seq := r.cloneArena()
	rec, ok := next[name]
	if !ok {
		return types.InstanceRecord{}, types.Validation("unregister", name, types.ErrNotFound, "no instance named %q", name)
	}
	if rec.State.IsLive() {
		return types.InstanceRecord{}, types.Validation("unregister", name, types.ErrInvalidTransition, "instance is %s; stop it before deleting", rec.State)
	}
	removed := *rec
	delete(next, name)

	if err := r.commit(next, seq, "unregister", name); err != nil {
		return types.InstanceRecord{}, err
	}

	r.logger.Info("Instance unregistered", "instance", name, "deviceId", removed.DeviceID)
	r.publish(types.StateChange{Instance: name, From: removed.State, To: removed.State, Removed: true, Reason: "deleted"})
	return removed, nil
}

// Rename changes the primary key of a record. Sync membership follows the
// record. Either both memory and the state file change, or neither does.
func (r *Registry) Rename(oldName, newName string) (types.InstanceRecord, error) {
	return r.Modify(oldName, Change{Name: &newName})
}

// Change describes an edit of a record's user-controlled fields. Nil fields
// are left alone.
type Change struct {
	Name *string
	Sync *bool
}

// Modify applies a rename and a sync flag change as one commit: both are
// validated first and either both take effect or neither does.
func (r *Registry) Modify(name string, change Change) (types.InstanceRecord, error) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	next, seq := r.cloneArena()
	rec, ok := next[name]
	if !ok {
		return types.InstanceRecord{}, types.Validation("modify", name, types.ErrNotFound, "no instance named %q", name)
	}
	before := *rec

	newName := name
	if change.Name != nil {
		newName = strings.TrimSpace(*change.Name)
		if newName == "" {
			return before, types.Validation("rename", name, types.ErrEmptyName, "new name must not be empty")
		}
		if _, exists := next[newName]; exists && newName != name {
			return before, types.Validation("rename", name, types.ErrDuplicateName, "an instance named %q already exists", newName)
		}
	}
	if change.Sync != nil {
		if *change.Sync && rec.State != types.StateRunning {
			return before, types.Validation("set sync", name, types.ErrSyncRequiresRunning, "instance is %s", rec.State)
		}
		rec.Sync = *change.Sync
	}

	if newName != name {
		delete(next, name)
		rec.Name = newName
		next[newName] = rec
	}
	if *rec == before {
		return before, nil
	}

	if err := r.commit(next, seq, "modify", name); err != nil {
		return before, err
	}

	if newName != name {
		r.logger.Info("Instance renamed", "from", name, "to", newName, "sync", rec.Sync)
		r.publish(types.StateChange{Instance: newName, OldName: name, From: rec.State, To: rec.State, Reason: "renamed"})
	}
	if rec.Sync != before.Sync {
		r.logger.Info("Instance sync flag changed", "instance", newName, "sync", rec.Sync)
	}
	return *rec, nil
}

// Update applies mutate to a copy of the named record, enforces the record
// invariants, persists and publishes a state change if the state moved.
// mutate may return an error to abort without any change.
func (r *Registry) Update(name string, mutate func(rec *types.InstanceRecord) error) (types.InstanceRecord, error) {
	return r.update(name, "", mutate)
}

func (r *Registry) update(name, reason string, mutate func(rec *types.InstanceRecord) error) (types.InstanceRecord, error) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	next, seq := r.cloneArena()
	rec, ok := next[name]
	if !ok {
		return types.InstanceRecord{}, types.Validation("update", name, types.ErrNotFound, "no instance named %q", name)
	}
	before := *rec

	if err := mutate(rec); err != nil {
		return before, err
	}
	// Identity fields are owned by Register and Rename.
	rec.Name = before.Name
	rec.DeviceID = before.DeviceID
	rec.Seq = before.Seq
	rec.CreatedAt = before.CreatedAt

	if rec.State != types.StateRunning {
		rec.Sync = false
	}
	if rec.State.HoldsPort() {
		for otherName, other := range next {
			if otherName != name && other.Port == rec.Port && other.State.HoldsPort() {
				return before, types.Resource("update", name, nil, "port %d is held by %q", rec.Port, otherName)
			}
		}
	}

	if *rec == before {
		return before, nil
	}
	if err := r.commit(next, seq, "update", name); err != nil {
		return before, err
	}

	if rec.State != before.State {
		r.logger.Info("Instance state changed", "instance", name, "from", before.State.String(), "to", rec.State.String(), "reason", reason)
		r.publish(types.StateChange{Instance: name, From: before.State, To: rec.State, Reason: reason})
	}
	return *rec, nil
}

// Transition moves a record to state `to` if it is currently in one of
// `from`. The optional mutate runs on the record after the state is set.
func (r *Registry) Transition(name string, from []types.InstanceState, to types.InstanceState, reason string, mutate func(rec *types.InstanceRecord)) (types.InstanceRecord, error) {
	return r.update(name, reason, func(rec *types.InstanceRecord) error {
		allowed := false
		for _, s := range from {
			if rec.State == s {
				allowed = true
				break
			}
		}
		if !allowed {
			return types.Validation("transition", name, types.ErrInvalidTransition, "cannot move from %s to %s", rec.State, to)
		}
		rec.State = to
		if mutate != nil {
			mutate(rec)
		}
		return nil
	})
}

// SetSync toggles the sync flag. Enabling requires a running instance.
func (r *Registry) SetSync(name string, enabled bool) (types.InstanceRecord, error) {
	return r.Update(name, func(rec *types.InstanceRecord) error {
		if enabled && rec.State != types.StateRunning {
			return types.Validation("set sync", name, types.ErrSyncRequiresRunning, "instance is %s", rec.State)
		}
		rec.Sync = enabled
		return nil
	})
}

// Persist writes the current snapshot to disk.
func (r *Registry) Persist() error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	r.mu.RLock()
	data, err := encodeSnapshot(r.records)
	r.mu.RUnlock()
	if err != nil {
		return types.IO("persist", "", types.ErrPersist, "%v", err)
	}
	return r.writeWithRetry(data, "persist", "")
}

// Load reads the persisted snapshot and corrects liveness: every record that
// claims a live process is probed, and demoted to Stopped when the process is
// gone. Records are never dropped.
func (r *Registry) Load(ctx context.Context) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	data, err := os.ReadFile(r.statePath)
	if err != nil {
		if os.IsNotExist(err) {
			r.logger.Debug("No saved state file found", "path", r.statePath)
			return nil
		}
		return types.IO("load", "", err, "failed to read state file %s", r.statePath)
	}

	records, skipped, err := decodeSnapshot(data)
	if err != nil {
		return types.IO("load", "", err, "state file %s is unreadable", r.statePath)
	}
	for _, skipErr := range skipped {
		r.logger.Warn("Skipping unreadable saved instance", "path", r.statePath, "error", skipErr)
	}
	seq := assignMissingSeq(records)

	var changes []types.StateChange
	for _, rec := range sortedPointers(records) {
		if rec.State != types.StateRunning {
			rec.Sync = false
		}
		if !rec.State.IsLive() {
			continue
		}

		alive := false
		if r.prober != nil {
			var probeErr error
			alive, probeErr = r.prober.Alive(ctx, *rec)
			if probeErr != nil {
				r.logger.Warn("Liveness probe failed, treating instance as stopped", "instance", rec.Name, "error", probeErr)
				alive = false
			}
		}
		if alive {
			if rec.State != types.StateRunning {
				changes = append(changes, types.StateChange{Instance: rec.Name, From: rec.State, To: types.StateRunning, Reason: "process found at startup"})
			}
			rec.State = types.StateRunning
			continue
		}

		changes = append(changes, types.StateChange{Instance: rec.Name, From: rec.State, To: types.StateStopped, Reason: "process not found at startup"})
		rec.State = types.StateStopped
		rec.Sync = false
		rec.PID = 0
	}

	// Corrections reach the disk before they become visible.
	if len(changes) > 0 || len(skipped) > 0 {
		encoded, err := encodeSnapshot(records)
		if err != nil {
			return types.IO("load", "", types.ErrPersist, "%v", err)
		}
		if err := r.writeWithRetry(encoded, "load", ""); err != nil {
			return err
		}
	}

	r.mu.Lock()
	r.records = records
	r.seq = seq
	r.mu.Unlock()

	r.logger.Info("Loaded saved instances", "count", len(records), "demoted", len(changes))
	for _, change := range changes {
		r.publish(change)
	}
	return nil
}

// cloneArena returns a deep copy of the arena for the next mutation.
func (r *Registry) cloneArena() (map[string]*types.InstanceRecord, uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	next := make(map[string]*types.InstanceRecord, len(r.records))
	for name, rec := range r.records {
		cp := *rec
		next[name] = &cp
	}
	return next, r.seq
}

// commit persists next and makes it visible. On failure the current arena is
// left untouched.
func (r *Registry) commit(next map[string]*types.InstanceRecord, seq uint64, op, instance string) error {
	data, err := encodeSnapshot(next)
	if err != nil {
		return types.IO(op, instance, types.ErrPersist, "%v", err)
	}
	if err := r.writeWithRetry(data, op, instance); err != nil {
		return err
	}
	r.mu.Lock()
	r.records = next
	r.seq = seq
	r.mu.Unlock()
	return nil
}

// writeWithRetry treats the first failure as transient contention and retries
// once before surfacing an IOError.
func (r *Registry) writeWithRetry(data []byte, op, instance string) error {
	err := r.writeFile(r.statePath, data)
	if err == nil {
		return nil
	}
	r.logger.Warn("State write failed, retrying once", "path", r.statePath, "op", op, "error", err)
	if err = r.writeFile(r.statePath, data); err == nil {
		return nil
	}
	r.logger.Error("State write failed", "path", r.statePath, "op", op, "instance", instance, "error", err)
	return types.IO(op, instance, errors.Join(types.ErrPersist, err), "could not write %s", r.statePath)
}

func (r *Registry) publish(change types.StateChange) {
	if r.publisher == nil {
		return
	}
	if change.At.IsZero() {
		change.At = r.now()
	}
	r.publisher.Publish(events.Event{Kind: events.KindStateChange, State: &change, At: change.At})
}

func sortedPointers(records map[string]*types.InstanceRecord) []*types.InstanceRecord {
	out := make([]*types.InstanceRecord, 0, len(records))
	for _, rec := range records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Seq != out[j].Seq {
			return out[i].Seq < out[j].Seq
		}
		return out[i].Name < out[j].Name
	})
	return out
}

func sortedCopies(records map[string]*types.InstanceRecord) []types.InstanceRecord {
	ptrs := sortedPointers(records)
	out := make([]types.InstanceRecord, len(ptrs))
	for i, rec := range ptrs {
		out[i] = *rec
	}
	return out
}

// Package manager wires the registry, cloner, supervisor and input
// synchronizer into one fleet and runs long operations in the background.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bionicdonkey/AndroidMulti/fleet/cloner"
	"github.com/bionicdonkey/AndroidMulti/fleet/config"
	"github.com/bionicdonkey/AndroidMulti/fleet/events"
	"github.com/bionicdonkey/AndroidMulti/fleet/execrun"
	"github.com/bionicdonkey/AndroidMulti/fleet/inputsync"
	"github.com/bionicdonkey/AndroidMulti/fleet/journal"
	"github.com/bionicdonkey/AndroidMulti/fleet/ports"
	"github.com/bionicdonkey/AndroidMulti/fleet/registry"
	"github.com/bionicdonkey/AndroidMulti/fleet/statelock"
	"github.com/bionicdonkey/AndroidMulti/fleet/supervisor"
	"github.com/bionicdonkey/AndroidMulti/fleet/toolpaths"
	"github.com/bionicdonkey/AndroidMulti/fleet/types"
)

const finishedTaskRetention = time.Hour

// ToolResolver resolves SDK executables by name.
type ToolResolver interface {
	Resolve(tool string) (string, error)
}

// Options configures a Fleet. Everything but Settings is optional and mostly
// exists so tests can replace host interaction.
type Options struct {
	Settings config.Config
	Logger   *slog.Logger

	Tools     ToolResolver
	Runner    execrun.CommandRunner
	Launcher  supervisor.Launcher
	Prober    supervisor.Prober
	Control   inputsync.ControlChannel
	Transfer  inputsync.FileTransfer
	FreeSpace func(path string) (uint64, error)

	// StopOnClose stops every owned emulator in Close. Otherwise they keep
	// running and are adopted by the next Fleet.
	StopOnClose bool
}

// Fleet is the coordinator facade used by the CLI and the control API.
type Fleet struct {
	settings config.Config
	logger   *slog.Logger

	bus        *events.Bus
	registry   *registry.Registry
	cloner     *cloner.Cloner
	supervisor *supervisor.Supervisor
	syncer     *inputsync.Synchronizer
	queue      *inputsync.Queue
	journal    *journal.Journal
	tools      ToolResolver
	lock       *statelock.Lock

	stopOnClose bool

	// taskCtx is cancelled first on Close so no task launches new work.
	taskCtx    context.Context
	cancelTask context.CancelFunc
	cancelRun  context.CancelFunc
	wg         sync.WaitGroup

	mu    sync.Mutex
	tasks map[string]*Task

	closeOnce sync.Once
	closeErr  error
}

// Open builds the fleet, restores persisted state, adopts emulators that
// survived a previous run and starts liveness monitoring. The state file is
// locked until Close; while another process holds it Open fails with an
// error wrapping statelock.ErrLocked.
func Open(ctx context.Context, opts Options) (*Fleet, error) {
	lock, err := statelock.Acquire(LockPath(opts.Settings))
	if err != nil {
		return nil, err
	}
	f, err := open(ctx, opts)
	if err != nil {
		lock.Release()
		return nil, err
	}
	f.lock = lock
	return f, nil
}

// LockPath returns the lock file guarding the state file in settings.
func LockPath(settings config.Config) string {
	return settings.Fleet.StatePath + ".lock"
}

// Advertise records the control API address in the state lock so that
// other processes can reach this fleet.
func (f *Fleet) Advertise(addr string) error {
	return f.lock.Advertise(addr)
}

func open(ctx context.Context, opts Options) (*Fleet, error) {
	settings := opts.Settings
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	runner := opts.Runner
	if runner == nil {
		runner = execrun.ExecRunner{}
	}
	tools := opts.Tools
	if tools == nil {
		tools = toolpaths.NewResolver(settings.AndroidSDK.Root, settings.ExplicitTools())
	}
	prober := opts.Prober
	if prober == nil {
		prober = &supervisor.ADBProber{Tools: tools, Runner: runner}
	}

	pm, err := ports.NewPortManager(settings.Fleet.BasePort, settings.Fleet.MaxPort)
	if err != nil {
		return nil, fmt.Errorf("failed to create port manager: %w", err)
	}

	bus := events.NewBus()
	reg, err := registry.New(registry.Config{
		StatePath: settings.Fleet.StatePath,
		Ports:     pm,
		Prober:    prober,
		Publisher: bus,
		Logger:    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create registry: %w", err)
	}

	cl, err := cloner.New(cloner.Config{
		AVDHome:   settings.Fleet.AVDHome,
		Registry:  reg,
		Logger:    logger,
		FreeSpace: opts.FreeSpace,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create cloner: %w", err)
	}

	accel, err := supervisor.ParseAccel(string(settings.Emulator.HardwareAcceleration))
	if err != nil {
		return nil, err
	}
	sup, err := supervisor.New(supervisor.Config{
		Registry:               reg,
		Tools:                  tools,
		Launcher:               opts.Launcher,
		Prober:                 prober,
		Runner:                 runner,
		Locks:                  cl,
		Acceleration:           accel,
		Logger:                 logger,
		PollInterval:           settings.Emulator.PollInterval,
		GracefulShutdownPeriod: settings.Emulator.GracePeriod,
		MemoryMB:               settings.Emulator.DefaultRAM,
		ExtraArgs:              settings.Emulator.ExtraArgs,
		LogDir:                 settings.Emulator.LogDir,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create supervisor: %w", err)
	}

	adb := &inputsync.ADBControl{Tools: tools, Runner: runner}
	control := opts.Control
	if control == nil {
		control = adb
	}
	transfer := opts.Transfer
	if transfer == nil {
		transfer = adb
	}
	filter := inputsync.Filter{
		Touch:    settings.InputSync.SyncTouch,
		Keyboard: settings.InputSync.SyncKeyboard,
		Scroll:   settings.InputSync.SyncScroll,
	}
	syncer := inputsync.New(inputsync.Config{
		Source:    reg,
		Control:   control,
		Transfer:  transfer,
		Publisher: bus,
		Logger:    logger,
		Delay:     settings.SyncDelay(),
		Filter:    &filter,
	})

	runCtx, cancelRun := context.WithCancel(context.Background())
	taskCtx, cancelTask := context.WithCancel(runCtx)
	f := &Fleet{
		settings:    settings,
		logger:      logger.With("component", "Fleet"),
		bus:         bus,
		registry:    reg,
		cloner:      cl,
		supervisor:  sup,
		syncer:      syncer,
		tools:       tools,
		stopOnClose: opts.StopOnClose,
		taskCtx:     taskCtx,
		cancelTask:  cancelTask,
		cancelRun:   cancelRun,
		tasks:       make(map[string]*Task),
	}

	if settings.Fleet.JournalPath != "" {
		j, err := journal.Open(settings.Fleet.JournalPath, logger)
		if err != nil {
			cancelTask()
			cancelRun()
			return nil, err
		}
		f.journal = j
		bus.Attach(j)
	}

	if err := reg.Load(ctx); err != nil {
		f.bus.Close()
		f.wg.Wait()
		f.closeJournal()
		cancelTask()
		cancelRun()
		return nil, err
	}
	if n := sup.Adopt(ctx); n > 0 {
		f.logger.Info("Adopted emulators from a previous run", "count", n)
	}
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		sup.Run(runCtx)
	}()

	f.queue = inputsync.NewQueue(syncer, 256)
	if settings.InputSync.Enabled {
		syncer.Enable()
	}

	f.logger.Info("Fleet ready", "instances", len(reg.List()), "state", reg.StatePath(), "avdHome", cl.AVDHome())
	return f, nil
}

// Close stops background work and releases resources. Emulators keep running
// unless StopOnClose was set.
func (f *Fleet) Close(ctx context.Context) error {
	f.closeOnce.Do(func() {
		f.cancelTask()
		f.syncer.Disable()
		var errs []error
		if err := f.queue.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("input queue: %w", err))
		}
		if err := f.supervisor.Shutdown(ctx, f.stopOnClose); err != nil {
			errs = append(errs, err)
		}
		f.bus.Close()
		if n := f.bus.Dropped(); n > 0 {
			f.logger.Warn("Slow subscribers missed events", "dropped", n)
		}
		f.wg.Wait()
		f.cancelRun()
		if err := f.closeJournal(); err != nil {
			errs = append(errs, err)
		}
		if err := f.lock.Release(); err != nil {
			errs = append(errs, fmt.Errorf("state lock: %w", err))
		}
		f.closeErr = errors.Join(errs...)
	})
	return f.closeErr
}

func (f *Fleet) closeJournal() error {
	if f.journal == nil {
		return nil
	}
	return f.journal.Close()
}

// List returns every instance in registration order.
func (f *Fleet) List() []types.InstanceRecord {
	return f.registry.List()
}

// Get returns one instance.
func (f *Fleet) Get(name string) (types.InstanceRecord, error) {
	return f.registry.Get(name)
}

// Rename changes the display name of an instance. Its port, device
// identifier, files and sync membership are unchanged.
func (f *Fleet) Rename(oldName, newName string) (types.InstanceRecord, error) {
	return f.Update(oldName, &newName, nil)
}

// SetSync adds or removes a running instance from the sync group.
func (f *Fleet) SetSync(name string, enabled bool) (types.InstanceRecord, error) {
	return f.Update(name, nil, &enabled)
}

// Update applies a rename and a sync membership change together. Either
// both are applied or neither is; nil leaves that attribute unchanged.
func (f *Fleet) Update(name string, newName *string, sync *bool) (types.InstanceRecord, error) {
	return f.registry.Modify(name, registry.Change{Name: newName, Sync: sync})
}

// Delete stops the instance if needed, drops it from the registry and
// optionally removes its definition from disk. Files are only touched once
// the registry no longer lists the instance.
func (f *Fleet) Delete(ctx context.Context, name string, removeFiles bool) error {
	rec, err := f.registry.Get(name)
	if err != nil {
		return err
	}
	if rec.State.IsLive() {
		if rec, err = f.supervisor.Stop(ctx, name); err != nil {
			return err
		}
	}
	if _, err := f.registry.Unregister(name); err != nil {
		return err
	}
	if removeFiles {
		if err := f.cloner.RemoveDefinition(rec); err != nil {
			return types.IO("delete", name, err, "instance unregistered but its device definition could not be removed")
		}
	}
	f.logger.Info("Instance deleted", "instance", name, "removeFiles", removeFiles)
	return nil
}

// Templates lists the definitions instances can be cloned from.
func (f *Fleet) Templates() ([]cloner.Template, error) {
	return f.cloner.ListTemplates()
}

// Logs returns the trailing emulator output of an instance.
func (f *Fleet) Logs(name string, lines int) (string, error) {
	return f.supervisor.Logs(name, lines)
}

// Address returns the control address of a running instance.
func (f *Fleet) Address(name string) (types.Target, error) {
	return f.supervisor.Address(name)
}

// CreateInstance clones templateID into a new instance named name. An empty
// name is replaced by one derived from the template.
func (f *Fleet) CreateInstance(templateID, name string) *Task {
	name = f.cloneName(templateID, name)
	return f.startTask("create", name, func(ctx context.Context, progress types.ProgressFunc) (types.InstanceRecord, error) {
		return f.cloner.Clone(ctx, templateID, name, progress)
	})
}

// StartInstance launches the emulator behind name.
func (f *Fleet) StartInstance(name string) *Task {
	return f.startTask("start", name, func(ctx context.Context, progress types.ProgressFunc) (types.InstanceRecord, error) {
		return f.supervisor.Start(ctx, name, progress)
	})
}

// StopInstance stops the emulator behind name.
func (f *Fleet) StopInstance(name string) *Task {
	return f.startTask("stop", name, func(ctx context.Context, progress types.ProgressFunc) (types.InstanceRecord, error) {
		progress("stopping", 10)
		return f.supervisor.Stop(ctx, name)
	})
}

// RestartInstance stops and starts name with the same identity.
func (f *Fleet) RestartInstance(name string) *Task {
	return f.startTask("restart", name, func(ctx context.Context, progress types.ProgressFunc) (types.InstanceRecord, error) {
		progress("stopping", 5)
		return f.supervisor.Restart(ctx, name, progress)
	})
}

// CloneAndStart clones a template and starts the new instance. A failed
// start leaves the cloned instance registered. Names are generated as for
// CreateInstance.
func (f *Fleet) CloneAndStart(templateID, name string) *Task {
	name = f.cloneName(templateID, name)
	return f.startTask("clone-start", name, func(ctx context.Context, progress types.ProgressFunc) (types.InstanceRecord, error) {
		rec, err := f.cloner.Clone(ctx, templateID, name, scaled(progress, 0, 60))
		if err != nil {
			return rec, err
		}
		return f.supervisor.Start(ctx, rec.Name, scaled(progress, 60, 100))
	})
}

// cloneName returns name, or <template>_clone_<unix seconds> when name is
// empty. A numeric suffix is added while the generated name is taken.
func (f *Fleet) cloneName(templateID, name string) string {
	if name != "" || templateID == "" {
		return name
	}
	base := fmt.Sprintf("%s_clone_%d", templateID, time.Now().Unix())
	candidate := base
	for i := 2; ; i++ {
		if _, err := f.registry.Get(candidate); err != nil {
			return candidate
		}
		candidate = fmt.Sprintf("%s_%d", base, i)
	}
}

// Task returns a task started by this fleet.
func (f *Fleet) Task(id string) (*Task, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	return t, ok
}

// Tasks returns the known tasks, newest first.
func (f *Fleet) Tasks() []*Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*Task, 0, len(f.tasks))
	for _, t := range f.tasks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Started.After(out[j].Started) })
	return out
}

func (f *Fleet) startTask(op, instance string, run func(ctx context.Context, progress types.ProgressFunc) (types.InstanceRecord, error)) *Task {
	task := newTask(uuid.NewString(), op, instance)

	f.mu.Lock()
	cutoff := time.Now().Add(-finishedTaskRetention)
	for id, t := range f.tasks {
		if t.finishedBefore(cutoff) {
			delete(f.tasks, id)
		}
	}
	f.tasks[task.ID] = task
	f.mu.Unlock()

	report := func(phase string, percent int) {
		p := types.Progress{TaskID: task.ID, Op: op, Instance: instance, Phase: phase, Percent: percent, At: time.Now()}
		task.update(p)
		f.bus.PublishProgress(p)
	}

	go func() {
		f.logger.Info("Task started", "task", task.ID, "op", op, "instance", instance)
		rec, err := run(f.taskCtx, report)

		final := types.Progress{TaskID: task.ID, Op: op, Instance: instance, Phase: "done", Percent: 100, Done: true, At: time.Now()}
		if err != nil {
			final.Phase = "failed"
			final.Percent = task.Progress().Percent
			final.Err = err.Error()
			f.logger.Error("Task failed", "task", task.ID, "op", op, "instance", instance, "error", err)
		} else {
			f.logger.Info("Task finished", "task", task.ID, "op", op, "instance", instance, "duration", time.Since(task.Started))
		}
		task.update(final)
		task.finish(rec, err)
		f.bus.PublishProgress(final)
	}()
	return task
}

// scaled maps a sub-operation's 0-100 progress into [from, to].
func scaled(progress types.ProgressFunc, from, to int) types.ProgressFunc {
	return func(phase string, percent int) {
		progress(phase, from+percent*(to-from)/100)
	}
}

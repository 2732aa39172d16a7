package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bionicdonkey/AndroidMulti/fleet/execrun"
	"github.com/bionicdonkey/AndroidMulti/fleet/metrics"
	"github.com/bionicdonkey/AndroidMulti/fleet/ports"
	"github.com/bionicdonkey/AndroidMulti/fleet/types"
)

const (
	defaultPollInterval           = 2 * time.Second
	defaultLaunchConfirmWindow    = 500 * time.Millisecond
	defaultGracefulShutdownPeriod = 10 * time.Second
	defaultProbeTimeout           = 5 * time.Second
	defaultMemoryMB               = 2048
	killWaitPeriod                = 5 * time.Second
	logTailBytes                  = 8192
	logTailLines                  = 20
)

// Registry is the part of the instance registry the supervisor drives.
type Registry interface {
	Get(name string) (types.InstanceRecord, error)
	List() []types.InstanceRecord
	FindByDeviceID(deviceID string) (types.InstanceRecord, bool)
	Holders() []ports.Holder
	Ports() *ports.PortManager
	Transition(name string, from []types.InstanceState, to types.InstanceState, reason string, mutate func(rec *types.InstanceRecord)) (types.InstanceRecord, error)
}

// LockCleaner removes stale emulator locks from a definition directory.
type LockCleaner interface {
	ClearStaleLocks(avdPath string) int
}

// Config holds configuration options for the Supervisor.
type Config struct {
	Registry               Registry
	Tools                  ToolResolver          // Resolves the emulator and adb executables.
	Launcher               Launcher              // Optional, defaults to ExecLauncher
	Prober                 Prober                // Optional, defaults to ADBProber
	Runner                 execrun.CommandRunner // Optional, used for adb console commands
	Locks                  LockCleaner           // Optional
	Acceleration           AccelToken            // Optional, defaults to auto
	Accel                  *AccelResolver        // Optional, overrides Acceleration
	Logger                 *slog.Logger          // Optional, defaults to slog.Default()
	PollInterval           time.Duration         // Optional, defaults to 2s
	LaunchConfirmWindow    time.Duration         // Optional, defaults to 500ms
	GracefulShutdownPeriod time.Duration         // Optional, defaults to 10s
	ProbeTimeout           time.Duration         // Optional, defaults to 5s
	MemoryMB               int                   // Optional, defaults to 2048
	ExtraArgs              []string              // Appended to every emulator command line
	LogDir                 string                // Optional, defaults to ~/.androidmulti/emulator_logs
}

// Supervisor starts, stops and watches the emulator process behind each
// instance. It never restarts a process on its own.
type Supervisor struct {
	mu    sync.Mutex
	procs map[string]*ManagedProcess // Keyed by DeviceID
	locks map[string]*sync.Mutex     // Per-instance operation locks, keyed by DeviceID

	registry Registry
	tools    ToolResolver
	launcher Launcher
	prober   Prober
	runner   execrun.CommandRunner
	cleaner  LockCleaner
	accel    *AccelResolver
	logger   *slog.Logger

	pollInterval           time.Duration
	launchConfirmWindow    time.Duration
	gracefulShutdownPeriod time.Duration
	probeTimeout           time.Duration
	memoryMB               int
	extraArgs              []string
	logDir                 string

	stopped  bool // Guarded by mu.
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a new Supervisor.
func New(config Config) (*Supervisor, error) {
	if config.Registry == nil {
		return nil, fmt.Errorf("Registry is required")
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	runner := config.Runner
	if runner == nil {
		runner = execrun.ExecRunner{}
	}
	launcher := config.Launcher
	if launcher == nil {
		launcher = ExecLauncher{}
	}
	prober := config.Prober
	if prober == nil {
		prober = &ADBProber{Tools: config.Tools, Runner: runner}
	}
	accel := config.Accel
	if accel == nil {
		pref := config.Acceleration
		if pref == "" {
			pref = AccelAuto
		}
		accel = &AccelResolver{Preference: pref, Runner: runner, Logger: logger}
	}

	pollInterval := config.PollInterval
	if pollInterval == 0 {
		pollInterval = defaultPollInterval
	}
	confirmWindow := config.LaunchConfirmWindow
	if confirmWindow == 0 {
		confirmWindow = defaultLaunchConfirmWindow
	}
	gracefulShutdown := config.GracefulShutdownPeriod
	if gracefulShutdown == 0 {
		gracefulShutdown = defaultGracefulShutdownPeriod
	}
	probeTimeout := config.ProbeTimeout
	if probeTimeout == 0 {
		probeTimeout = defaultProbeTimeout
	}
	memoryMB := config.MemoryMB
	if memoryMB == 0 {
		memoryMB = defaultMemoryMB
	}

	logDir := config.LogDir
	if logDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		logDir = filepath.Join(home, ".androidmulti", "emulator_logs")
	}

	return &Supervisor{
		procs:                  make(map[string]*ManagedProcess),
		locks:                  make(map[string]*sync.Mutex),
		registry:               config.Registry,
		tools:                  config.Tools,
		launcher:               launcher,
		prober:                 prober,
		runner:                 runner,
		cleaner:                config.Locks,
		accel:                  accel,
		logger:                 logger.With("component", "Supervisor"),
		pollInterval:           pollInterval,
		launchConfirmWindow:    confirmWindow,
		gracefulShutdownPeriod: gracefulShutdown,
		probeTimeout:           probeTimeout,
		memoryMB:               memoryMB,
		extraArgs:              append([]string(nil), config.ExtraArgs...),
		logDir:                 logDir,
		stopChan:               make(chan struct{}),
	}, nil
}

// Run starts the liveness loop. It blocks until Shutdown is called or the
// context is cancelled.
func (s *Supervisor) Run(ctx context.Context) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	s.logger.Info("Supervisor starting...")
	go s.livenessLoop(ctx)

	select {
	case <-s.stopChan:
		s.logger.Info("Supervisor received stop signal.")
	case <-ctx.Done():
		s.logger.Info("Supervisor context cancelled.")
	}
}

// Shutdown stops the liveness loop and waits for it to exit before touching
// any process handle. With stopInstances, every owned emulator is stopped;
// otherwise the emulators keep running and are adopted on the next start.
func (s *Supervisor) Shutdown(ctx context.Context, stopInstances bool) error {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.stopOnce.Do(func() { close(s.stopChan) })
	s.wg.Wait()

	if !stopInstances {
		s.mu.Lock()
		n := len(s.procs)
		s.procs = make(map[string]*ManagedProcess)
		s.mu.Unlock()
		s.logger.Info("Supervisor stopped, leaving emulators running", "released", n)
		return nil
	}

	s.mu.Lock()
	ids := make([]string, 0, len(s.procs))
	for id := range s.procs {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	errCh := make(chan error, len(ids))
	for _, id := range ids {
		rec, ok := s.registry.FindByDeviceID(id)
		if !ok {
			continue
		}
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			if _, err := s.Stop(ctx, name); err != nil {
				s.logger.Error("Error stopping instance during shutdown", "instance", name, "error", err)
				errCh <- err
			}
		}(rec.Name)
	}
	wg.Wait()
	close(errCh)

	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	s.logger.Info("Supervisor stopped", "stopped", len(ids)-len(errs))
	return errors.Join(errs...)
}

// Adopt starts monitoring live records that have no process handle, as
// happens after the coordinator restarts. It returns the number adopted.
func (s *Supervisor) Adopt(ctx context.Context) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	adopted := 0
	for _, rec := range s.registry.List() {
		if !rec.State.IsLive() {
			continue
		}
		if _, ok := s.procs[rec.DeviceID]; ok {
			continue
		}
		mp := newManagedProcess(rec.DeviceID, rec.Port)
		mp.PID = rec.PID
		mp.LogPath = s.logPath(rec.Name, rec.Port)
		s.procs[rec.DeviceID] = mp
		adopted++
		s.logger.Info("Adopted running emulator", "instance", rec.Name, "port", rec.Port, "pid", rec.PID)
	}
	return adopted
}

// Start launches the emulator behind name. Starting a Starting or Running
// instance returns its current record.
func (s *Supervisor) Start(ctx context.Context, name string, progress types.ProgressFunc) (types.InstanceRecord, error) {
	if progress == nil {
		progress = types.NoProgress
	}
	rec, err := s.registry.Get(name)
	if err != nil {
		return types.InstanceRecord{}, err
	}
	unlock := s.lockInstance(rec.DeviceID)
	defer unlock()

	// Re-read under the instance lock.
	if rec, err = s.registry.Get(name); err != nil {
		return types.InstanceRecord{}, err
	}
	if rec.State.IsLive() {
		s.logger.Info("Instance is already running or starting", "instance", name, "state", rec.State.String())
		return rec, nil
	}

	begin := time.Now()
	rec, err = s.start(ctx, rec, progress)
	metrics.RecordStart(time.Since(begin), err)
	return rec, err
}

func (s *Supervisor) start(ctx context.Context, rec types.InstanceRecord, progress types.ProgressFunc) (types.InstanceRecord, error) {
	name := rec.Name
	progress("resolve", 5)

	if s.tools == nil {
		return rec, types.Resource("start", name, types.ErrToolNotFound, "no tool resolver configured")
	}
	binary, err := s.tools.Resolve("emulator")
	if err != nil {
		return rec, err
	}

	port, err := s.choosePort(rec)
	if err != nil {
		return rec, err
	}
	if port != rec.Port {
		s.logger.Info("Previous port is taken, reassigning", "instance", name, "oldPort", rec.Port, "newPort", port)
	}

	rec, err = s.registry.Transition(name,
		[]types.InstanceState{types.StateCreated, types.StateStopped, types.StateFailed},
		types.StateStarting, "start requested",
		func(r *types.InstanceRecord) { r.Port = port })
	if err != nil {
		return rec, err
	}

	progress("prepare", 15)
	token := s.accel.Resolve(ctx)
	if s.cleaner != nil && rec.AVDPath != "" {
		if n := s.cleaner.ClearStaleLocks(rec.AVDPath); n > 0 {
			s.logger.Info("Cleared stale locks", "instance", name, "count", n)
		}
	}

	mp := newManagedProcess(rec.DeviceID, rec.Port)
	mp.LogPath = s.logPath(name, rec.Port)
	logFile, err := s.openLog(mp.LogPath)
	if err != nil {
		s.logger.Warn("Failed to open emulator log, output will be discarded", "instance", name, "path", mp.LogPath, "error", err)
	}

	spec := LaunchSpec{
		Instance: name,
		DeviceID: rec.DeviceID,
		AVDName:  rec.AVDName(),
		Port:     rec.Port,
		Accel:    token,
		Binary:   binary,
	}
	spec.Args = EmulatorArgs(spec, s.memoryMB, s.extraArgs)
	if logFile != nil {
		spec.Output = logFile
	}

	progress("launch", 30)
	s.logger.Info("Starting emulator", "instance", name, "port", rec.Port, "accel", string(token), "binary", binary, "args", spec.Args)
	proc, err := s.launcher.Launch(ctx, spec)
	if logFile != nil {
		// The child holds its own descriptor.
		logFile.Close()
	}
	if err != nil {
		s.fail(name, "launch failed: "+err.Error())
		return rec, types.Process("start", name, errors.Join(types.ErrLaunchFailed, err), "emulator could not be launched")
	}
	mp.Handle = proc
	mp.PID = proc.PID()

	progress("confirm", 60)
	timer := time.NewTimer(s.launchConfirmWindow)
	defer timer.Stop()
	select {
	case <-proc.Exited():
		tail := tailFile(mp.LogPath, logTailBytes, logTailLines)
		exitErr := proc.ExitErr()
		s.logger.Error("Emulator exited immediately", "instance", name, "pid", mp.PID, "error", exitErr, "output", tail)
		s.fail(name, "exited during launch")
		cause := types.ErrLaunchFailed
		if exitErr != nil {
			cause = errors.Join(types.ErrLaunchFailed, exitErr)
		}
		if tail == "" {
			return rec, types.Process("start", name, cause, "emulator exited immediately (no output)")
		}
		return rec, types.Process("start", name, cause, "emulator exited immediately: %s", tail)
	case <-ctx.Done():
		proc.Kill()
		s.fail(name, "start cancelled")
		return rec, ctx.Err()
	case <-timer.C:
	}

	s.mu.Lock()
	s.procs[rec.DeviceID] = mp
	s.mu.Unlock()

	rec, err = s.registry.Transition(name, []types.InstanceState{types.StateStarting}, types.StateRunning, "launch confirmed",
		func(r *types.InstanceRecord) { r.PID = mp.PID })
	if err != nil {
		s.logger.Error("Failed to record running state, killing emulator", "instance", name, "pid", mp.PID, "error", err)
		s.mu.Lock()
		if s.procs[mp.DeviceID] == mp {
			mp.stopping = true
			delete(s.procs, mp.DeviceID)
		}
		s.mu.Unlock()
		proc.Kill()
		s.fail(name, "could not record running state")
		return rec, err
	}

	progress("running", 100)
	s.logger.Info("Emulator started", "instance", name, "pid", mp.PID, "port", rec.Port, "log", mp.LogPath)
	return rec, nil
}

// choosePort keeps the record's port when it is still free and reallocates
// otherwise.
func (s *Supervisor) choosePort(rec types.InstanceRecord) (int, error) {
	pm := s.registry.Ports()
	holders := s.registry.Holders()
	if rec.Port != 0 && pm.IsFree(rec.Port, holders, rec.Name) && (pm.ProbeHost == nil || pm.ProbeHost(rec.Port)) {
		return rec.Port, nil
	}
	others := make([]ports.Holder, 0, len(holders))
	for _, h := range holders {
		if h.Name != rec.Name {
			others = append(others, h)
		}
	}
	port, err := pm.Allocate(others)
	if err != nil {
		var fe *types.Error
		if errors.As(err, &fe) {
			fe.Op = "start"
			fe.Instance = rec.Name
		}
		return 0, err
	}
	return port, nil
}

// Stop stops the emulator behind name. Stopping an instance without a live
// process is a successful no-op, so repeated calls are safe.
func (s *Supervisor) Stop(ctx context.Context, name string) (types.InstanceRecord, error) {
	rec, err := s.registry.Get(name)
	if err != nil {
		return types.InstanceRecord{}, err
	}
	unlock := s.lockInstance(rec.DeviceID)
	defer unlock()

	if rec, err = s.registry.Get(name); err != nil {
		return types.InstanceRecord{}, err
	}
	if !rec.State.IsLive() {
		s.logger.Debug("Instance is not running, nothing to stop", "instance", name, "state", rec.State.String())
		return rec, nil
	}

	s.mu.Lock()
	mp := s.procs[rec.DeviceID]
	if mp != nil {
		mp.stopping = true
	}
	s.mu.Unlock()

	s.logger.Info("Stopping emulator", "instance", name, "port", rec.Port, "pid", rec.PID)
	s.consoleKill(ctx, rec)
	if err := s.terminate(ctx, mp, rec); err != nil {
		s.logger.Error("Failed to terminate emulator", "instance", name, "error", err)
	}

	s.mu.Lock()
	if s.procs[rec.DeviceID] == mp {
		delete(s.procs, rec.DeviceID)
	}
	s.mu.Unlock()

	rec, err = s.registry.Transition(name,
		[]types.InstanceState{types.StateStarting, types.StateRunning, types.StateFailed},
		types.StateStopped, "stop requested",
		func(r *types.InstanceRecord) { r.PID = 0 })
	if err != nil {
		return rec, err
	}
	s.logger.Info("Emulator stopped", "instance", name)
	return rec, nil
}

// Restart stops and starts name with the same device identifier, keeping
// its port when still free.
func (s *Supervisor) Restart(ctx context.Context, name string, progress types.ProgressFunc) (types.InstanceRecord, error) {
	if _, err := s.Stop(ctx, name); err != nil {
		return types.InstanceRecord{}, err
	}
	return s.Start(ctx, name, progress)
}

// Address returns the control-channel address of a running instance.
func (s *Supervisor) Address(name string) (types.Target, error) {
	rec, err := s.registry.Get(name)
	if err != nil {
		return types.Target{}, err
	}
	if rec.State != types.StateRunning {
		return types.Target{}, types.Validation("address", name, types.ErrInvalidTransition, "instance is %s", rec.State)
	}
	return types.Target{Name: rec.Name, Port: rec.Port, Serial: rec.Serial()}, nil
}

// Logs returns the trailing output of the emulator behind name.
func (s *Supervisor) Logs(name string, lines int) (string, error) {
	rec, err := s.registry.Get(name)
	if err != nil {
		return "", err
	}
	if lines <= 0 {
		lines = logTailLines
	}
	path := s.logPath(rec.Name, rec.Port)
	s.mu.Lock()
	if mp, ok := s.procs[rec.DeviceID]; ok {
		path = mp.LogPath
	}
	s.mu.Unlock()
	return tailFile(path, int64(lines)*256, lines), nil
}

// Tracked returns the number of processes currently watched.
func (s *Supervisor) Tracked() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.procs)
}

// consoleKill asks the emulator to shut down through its console.
func (s *Supervisor) consoleKill(ctx context.Context, rec types.InstanceRecord) {
	if s.tools == nil {
		return
	}
	adb, err := s.tools.Resolve("adb")
	if err != nil {
		s.logger.Debug("adb unavailable, skipping console kill", "instance", rec.Name, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(ctx, s.probeTimeout)
	defer cancel()
	if _, err := execrun.Output(ctx, s.runner, adb, "-s", rec.Serial(), "emu", "kill"); err != nil {
		s.logger.Debug("Console kill failed", "instance", rec.Name, "serial", rec.Serial(), "error", err)
	}
}

// terminate waits for the process to go away, interrupting and then killing
// it when the grace period runs out.
func (s *Supervisor) terminate(ctx context.Context, mp *ManagedProcess, rec types.InstanceRecord) error {
	if mp != nil && mp.Handle != nil {
		proc := mp.Handle
		if err := proc.Signal(os.Interrupt); err != nil {
			s.logger.Debug("Failed to interrupt emulator", "instance", rec.Name, "pid", mp.PID, "error", err)
		}

		grace := time.NewTimer(s.gracefulShutdownPeriod)
		defer grace.Stop()
		select {
		case <-proc.Exited():
			s.logger.Info("Emulator exited gracefully", "instance", rec.Name, "pid", mp.PID)
			return nil
		case <-ctx.Done():
			s.logger.Warn("Stop context cancelled, killing emulator", "instance", rec.Name, "pid", mp.PID)
		case <-grace.C:
			s.logger.Warn("Emulator did not exit gracefully, killing", "instance", rec.Name, "pid", mp.PID)
		}

		if err := proc.Kill(); err != nil {
			select {
			case <-proc.Exited():
				return nil
			default:
			}
			return fmt.Errorf("failed to kill emulator %s (PID %d): %w", rec.Name, mp.PID, err)
		}
		select {
		case <-proc.Exited():
		case <-time.After(killWaitPeriod):
			return fmt.Errorf("emulator %s (PID %d) did not exit after kill", rec.Name, mp.PID)
		}
		return nil
	}

	// Adopted or untracked: poll until the process is gone.
	deadline := time.Now().Add(s.gracefulShutdownPeriod)
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for time.Now().Before(deadline) {
		pctx, cancel := context.WithTimeout(ctx, s.probeTimeout)
		alive, err := s.prober.Alive(pctx, rec)
		cancel()
		if err == nil && !alive {
			return nil
		}
		select {
		case <-ctx.Done():
			deadline = time.Now()
		case <-ticker.C:
		}
	}
	if rec.PID <= 0 {
		return nil
	}
	proc, err := os.FindProcess(rec.PID)
	if err != nil {
		return nil
	}
	if err := proc.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("failed to kill emulator %s (PID %d): %w", rec.Name, rec.PID, err)
	}
	return nil
}

// fail moves a Starting record to Failed.
func (s *Supervisor) fail(name, reason string) {
	_, err := s.registry.Transition(name, []types.InstanceState{types.StateStarting}, types.StateFailed, reason,
		func(r *types.InstanceRecord) { r.PID = 0 })
	if err != nil {
		s.logger.Error("Failed to record launch failure", "instance", name, "error", err)
	}
}

// livenessLoop polls every tracked process on a fixed interval.
func (s *Supervisor) livenessLoop(ctx context.Context) {
	defer s.wg.Done()
	s.logger.Info("Liveness loop started.", "interval", s.pollInterval)

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			s.logger.Info("Liveness loop stopping.")
			return
		case <-ctx.Done():
			s.logger.Info("Liveness loop context cancelled.")
			return
		case <-ticker.C:
			s.checkLiveness(ctx)
		}
	}
}

// checkLiveness never blocks on a process: owned processes are checked with
// a non-blocking receive, adopted ones through the prober with a timeout.
func (s *Supervisor) checkLiveness(ctx context.Context) {
	s.mu.Lock()
	tracked := make([]*ManagedProcess, 0, len(s.procs))
	for _, mp := range s.procs {
		if !mp.stopping {
			tracked = append(tracked, mp)
		}
	}
	s.mu.Unlock()

	for _, mp := range tracked {
		select {
		case <-ctx.Done():
			return
		case <-s.stopChan:
			return
		default:
		}

		if !mp.Adopted() {
			if gone, exitErr := mp.exited(); gone {
				s.handleExit(mp, exitErr)
			}
			continue
		}

		rec, ok := s.registry.FindByDeviceID(mp.DeviceID)
		if !ok {
			s.release(mp)
			continue
		}
		pctx, cancel := context.WithTimeout(ctx, s.probeTimeout)
		alive, err := s.prober.Alive(pctx, rec)
		cancel()
		if err != nil {
			s.logger.Warn("Liveness probe failed", "instance", rec.Name, "error", err)
			continue
		}
		if !alive {
			s.handleExit(mp, errors.New("process no longer present"))
		}
	}

	metrics.SetInstanceStates(s.registry.List())
}

// handleExit records an exit nobody asked for.
func (s *Supervisor) handleExit(mp *ManagedProcess, exitErr error) {
	s.mu.Lock()
	if s.procs[mp.DeviceID] != mp || mp.stopping {
		s.mu.Unlock()
		return
	}
	delete(s.procs, mp.DeviceID)
	s.mu.Unlock()

	rec, ok := s.registry.FindByDeviceID(mp.DeviceID)
	if !ok {
		return
	}
	reason := "exited unexpectedly"
	if exitErr != nil {
		reason = fmt.Sprintf("exited unexpectedly: %v", exitErr)
	}
	s.logger.Error("Emulator exited unexpectedly", "instance", rec.Name, "pid", mp.PID, "error", exitErr,
		"output", tailFile(mp.LogPath, logTailBytes, logTailLines))
	metrics.RecordUnexpectedExit()

	if _, err := s.registry.Transition(rec.Name,
		[]types.InstanceState{types.StateStarting, types.StateRunning},
		types.StateFailed, reason,
		func(r *types.InstanceRecord) { r.PID = 0 }); err != nil {
		s.logger.Error("Failed to record unexpected exit", "instance", rec.Name, "error", err)
	}
}

func (s *Supervisor) release(mp *ManagedProcess) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.procs[mp.DeviceID] == mp {
		delete(s.procs, mp.DeviceID)
	}
}

func (s *Supervisor) lockInstance(deviceID string) func() {
	s.mu.Lock()
	l, ok := s.locks[deviceID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[deviceID] = l
	}
	s.mu.Unlock()
	l.Lock()
	return l.Unlock
}

func (s *Supervisor) logPath(name string, port int) string {
	return filepath.Join(s.logDir, fmt.Sprintf("%s_%d.log", name, port))
}

func (s *Supervisor) openLog(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	return os.Create(path)
}

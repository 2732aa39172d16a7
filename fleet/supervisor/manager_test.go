package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bionicdonkey/AndroidMulti/fleet/execrun"
	"github.com/bionicdonkey/AndroidMulti/fleet/registry"
	"github.com/bionicdonkey/AndroidMulti/fleet/types"
)

type fakeTools struct{}

func (fakeTools) Resolve(tool string) (string, error) {
	return "/sdk/" + tool, nil
}

type fakeProcess struct {
	pid          int
	exitOnSignal bool
	exitCh       chan struct{}
	once         sync.Once

	mu      sync.Mutex
	err     error
	signals []os.Signal
	killed  bool
}

func newFakeProcess(pid int) *fakeProcess {
	return &fakeProcess{pid: pid, exitOnSignal: true, exitCh: make(chan struct{})}
}

func (p *fakeProcess) exit(err error) {
	p.once.Do(func() {
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
		close(p.exitCh)
	})
}

func (p *fakeProcess) PID() int                { return p.pid }
func (p *fakeProcess) Exited() <-chan struct{} { return p.exitCh }

func (p *fakeProcess) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *fakeProcess) Signal(sig os.Signal) error {
	p.mu.Lock()
	p.signals = append(p.signals, sig)
	p.mu.Unlock()
	if p.exitOnSignal {
		p.exit(nil)
	}
	return nil
}

func (p *fakeProcess) Kill() error {
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()
	p.exit(errors.New("signal: killed"))
	return nil
}

func (p *fakeProcess) wasKilled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killed
}

type fakeLauncher struct {
	mu     sync.Mutex
	specs  []LaunchSpec
	procs  []*fakeProcess
	nextID int
	// prepare customizes each launched process; returning an error fails the launch.
	prepare func(spec LaunchSpec, p *fakeProcess) error
}

func (l *fakeLauncher) Launch(ctx context.Context, spec LaunchSpec) (Process, error) {
	l.mu.Lock()
	l.nextID++
	p := newFakeProcess(1000 + l.nextID)
	l.specs = append(l.specs, spec)
	l.mu.Unlock()

	if l.prepare != nil {
		if err := l.prepare(spec, p); err != nil {
			return nil, err
		}
	}
	l.mu.Lock()
	l.procs = append(l.procs, p)
	l.mu.Unlock()
	return p, nil
}

func (l *fakeLauncher) launches() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.specs)
}

func (l *fakeLauncher) last() (LaunchSpec, *fakeProcess) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.specs[len(l.specs)-1], l.procs[len(l.procs)-1]
}

type fakeProber struct {
	mu    sync.Mutex
	alive map[string]bool
}

func (p *fakeProber) Alive(ctx context.Context, rec types.InstanceRecord) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.alive[rec.DeviceID], nil
}

func (p *fakeProber) set(deviceID string, alive bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.alive[deviceID] = alive
}

type fakeRunner struct {
	mu    sync.Mutex
	calls [][]string
}

func (r *fakeRunner) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, int32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, append([]string{name}, args...))
	return nil, nil, 0, nil
}

func (r *fakeRunner) called(substr string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.calls {
		if strings.Contains(strings.Join(c, " "), substr) {
			return true
		}
	}
	return false
}

type testEnv struct {
	sup      *Supervisor
	reg      *registry.Registry
	launcher *fakeLauncher
	prober   *fakeProber
	runner   *fakeRunner
	logDir   string
}

func setupTestSupervisor(t *testing.T, mutate func(c *Config)) *testEnv {
	t.Helper()
	root := t.TempDir()
	reg, err := registry.New(registry.Config{StatePath: filepath.Join(root, "instances.json")})
	if err != nil {
		t.Fatalf("registry.New returned error: %v", err)
	}

	env := &testEnv{
		reg:      reg,
		launcher: &fakeLauncher{},
		prober:   &fakeProber{alive: map[string]bool{}},
		runner:   &fakeRunner{},
		logDir:   filepath.Join(root, "logs"),
	}
	config := Config{
		Registry:               reg,
		Tools:                  fakeTools{},
		Launcher:               env.launcher,
		Prober:                 env.prober,
		Runner:                 env.runner,
		Accel:                  &AccelResolver{Preference: AccelAuto, Probe: func(context.Context, execrun.CommandRunner) (bool, error) { return true, nil }},
		PollInterval:           10 * time.Millisecond,
		LaunchConfirmWindow:    20 * time.Millisecond,
		GracefulShutdownPeriod: 100 * time.Millisecond,
		LogDir:                 env.logDir,
	}
	if mutate != nil {
		mutate(&config)
	}
	env.sup, err = New(config)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	return env
}

func (env *testEnv) register(t *testing.T, name string) types.InstanceRecord {
	t.Helper()
	rec, err := env.reg.Register(types.InstanceRecord{Name: name, DeviceID: "id-" + name, AVDPath: "/avd/" + name + ".avd"})
	if err != nil {
		t.Fatalf("Register(%s) returned error: %v", name, err)
	}
	return rec
}

func waitForState(t *testing.T, reg *registry.Registry, name string, want types.InstanceState) types.InstanceRecord {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		rec, err := reg.Get(name)
		if err == nil && rec.State == want {
			return rec
		}
		time.Sleep(5 * time.Millisecond)
	}
	rec, _ := reg.Get(name)
	t.Fatalf("instance %s did not reach %s, last state %s", name, want, rec.State)
	return rec
}

func TestStartLaunchesEmulator(t *testing.T) {
	env := setupTestSupervisor(t, nil)
	env.register(t, "dev1")

	var phases []string
	rec, err := env.sup.Start(context.Background(), "dev1", func(phase string, pct int) { phases = append(phases, phase) })
	if err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	if rec.State != types.StateRunning || rec.PID != 1001 || rec.Port != 5554 {
		t.Errorf("unexpected record after start: %+v", rec)
	}

	spec, _ := env.launcher.last()
	args := strings.Join(spec.Args, " ")
	for _, want := range []string{"@dev1", "-port 5554", "-accel on", "-no-snapshot-load", "-memory 2048"} {
		if !strings.Contains(args, want) {
			t.Errorf("emulator args %q missing %q", args, want)
		}
	}
	if spec.Binary != "/sdk/emulator" {
		t.Errorf("unexpected binary %q", spec.Binary)
	}
	if _, err := os.Stat(filepath.Join(env.logDir, "dev1_5554.log")); err != nil {
		t.Errorf("expected emulator log file: %v", err)
	}
	if len(phases) == 0 || phases[len(phases)-1] != "running" {
		t.Errorf("unexpected phases %v", phases)
	}
	if env.sup.Tracked() != 1 {
		t.Errorf("expected 1 tracked process, got %d", env.sup.Tracked())
	}
}

func TestStartIsIdempotent(t *testing.T) {
	env := setupTestSupervisor(t, nil)
	env.register(t, "dev1")

	if _, err := env.sup.Start(context.Background(), "dev1", nil); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	rec, err := env.sup.Start(context.Background(), "dev1", nil)
	if err != nil {
		t.Fatalf("second Start returned error: %v", err)
	}
	if rec.State != types.StateRunning {
		t.Errorf("expected Running, got %s", rec.State)
	}
	if n := env.launcher.launches(); n != 1 {
		t.Errorf("expected a single launch, got %d", n)
	}
}

func TestStartFailsWhenEmulatorExitsImmediately(t *testing.T) {
	env := setupTestSupervisor(t, nil)
	env.launcher.prepare = func(spec LaunchSpec, p *fakeProcess) error {
		fmt.Fprintln(spec.Output, "PANIC: Unknown AVD name [dev1]")
		p.exit(errors.New("exit status 1"))
		return nil
	}
	env.register(t, "dev1")

	_, err := env.sup.Start(context.Background(), "dev1", nil)
	if !errors.Is(err, types.ErrLaunchFailed) || !types.IsKind(err, types.KindProcess) {
		t.Fatalf("expected ProcessError(ErrLaunchFailed), got %v", err)
	}
	if !strings.Contains(err.Error(), "Unknown AVD name") {
		t.Errorf("error should carry emulator output, got %v", err)
	}
	rec, _ := env.reg.Get("dev1")
	if rec.State != types.StateFailed {
		t.Errorf("expected Failed, got %s", rec.State)
	}
	if env.sup.Tracked() != 0 {
		t.Error("failed launch must not be tracked")
	}
}

func TestStartFailsWhenLaunchErrors(t *testing.T) {
	env := setupTestSupervisor(t, nil)
	env.launcher.prepare = func(LaunchSpec, *fakeProcess) error {
		return errors.New("exec: no such file")
	}
	env.register(t, "dev1")

	if _, err := env.sup.Start(context.Background(), "dev1", nil); !errors.Is(err, types.ErrLaunchFailed) {
		t.Fatalf("expected ErrLaunchFailed, got %v", err)
	}
	if rec, _ := env.reg.Get("dev1"); rec.State != types.StateFailed {
		t.Errorf("expected Failed, got %s", rec.State)
	}

	// A failed instance can be started again.
	env.launcher.prepare = nil
	rec, err := env.sup.Start(context.Background(), "dev1", nil)
	if err != nil {
		t.Fatalf("Start after failure returned error: %v", err)
	}
	if rec.State != types.StateRunning {
		t.Errorf("expected Running, got %s", rec.State)
	}
}

func TestUnexpectedExitMarksFailed(t *testing.T) {
	env := setupTestSupervisor(t, nil)
	env.register(t, "dev1")
	if _, err := env.sup.Start(context.Background(), "dev1", nil); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	if _, err := env.reg.SetSync("dev1", true); err != nil {
		t.Fatalf("SetSync returned error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go env.sup.Run(ctx)

	_, proc := env.launcher.last()
	proc.exit(errors.New("signal: segmentation fault"))

	rec := waitForState(t, env.reg, "dev1", types.StateFailed)
	if rec.Sync || rec.PID != 0 {
		t.Errorf("failed record should drop sync and pid: %+v", rec)
	}
	if env.launcher.launches() != 1 {
		t.Error("supervisor must not restart a crashed emulator")
	}
	if err := env.sup.Shutdown(context.Background(), false); err != nil {
		t.Fatalf("Shutdown returned error: %v", err)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	env := setupTestSupervisor(t, nil)
	env.register(t, "dev1")

	// Stopping a never-started instance is a no-op.
	rec, err := env.sup.Stop(context.Background(), "dev1")
	if err != nil || rec.State != types.StateCreated {
		t.Fatalf("Stop on Created = %+v, %v", rec, err)
	}

	if _, err := env.sup.Start(context.Background(), "dev1", nil); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	_, proc := env.launcher.last()

	for i := 0; i < 2; i++ {
		rec, err := env.sup.Stop(context.Background(), "dev1")
		if err != nil {
			t.Fatalf("Stop #%d returned error: %v", i, err)
		}
		if rec.State != types.StateStopped || rec.PID != 0 {
			t.Errorf("Stop #%d left %+v", i, rec)
		}
	}
	if !env.runner.called("/sdk/adb -s emulator-5554 emu kill") {
		t.Error("expected a console kill through adb")
	}
	if proc.wasKilled() {
		t.Error("process that exits on interrupt should not be killed")
	}
	if env.sup.Tracked() != 0 {
		t.Error("stopped process still tracked")
	}
}

func TestStopKillsAfterGracePeriod(t *testing.T) {
	env := setupTestSupervisor(t, nil)
	env.launcher.prepare = func(spec LaunchSpec, p *fakeProcess) error {
		p.exitOnSignal = false
		return nil
	}
	env.register(t, "dev1")
	if _, err := env.sup.Start(context.Background(), "dev1", nil); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	_, proc := env.launcher.last()

	start := time.Now()
	rec, err := env.sup.Stop(context.Background(), "dev1")
	if err != nil {
		t.Fatalf("Stop returned error: %v", err)
	}
	if rec.State != types.StateStopped {
		t.Errorf("expected Stopped, got %s", rec.State)
	}
	if !proc.wasKilled() {
		t.Error("expected the process to be killed")
	}
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Errorf("kill happened before the grace period: %v", elapsed)
	}
}

func TestStopDuringLivenessDoesNotMarkFailed(t *testing.T) {
	env := setupTestSupervisor(t, nil)
	env.register(t, "dev1")
	if _, err := env.sup.Start(context.Background(), "dev1", nil); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go env.sup.Run(ctx)

	if _, err := env.sup.Stop(context.Background(), "dev1"); err != nil {
		t.Fatalf("Stop returned error: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if rec, _ := env.reg.Get("dev1"); rec.State != types.StateStopped {
		t.Errorf("requested stop must end in Stopped, got %s", rec.State)
	}
	env.sup.Shutdown(context.Background(), false)
}

func TestRestartKeepsIdentity(t *testing.T) {
	env := setupTestSupervisor(t, nil)
	env.register(t, "dev1")
	first, err := env.sup.Start(context.Background(), "dev1", nil)
	if err != nil {
		t.Fatalf("Start returned error: %v", err)
	}

	second, err := env.sup.Restart(context.Background(), "dev1", nil)
	if err != nil {
		t.Fatalf("Restart returned error: %v", err)
	}
	if second.DeviceID != first.DeviceID || second.Port != first.Port {
		t.Errorf("restart changed identity: %+v -> %+v", first, second)
	}
	if second.PID == first.PID {
		t.Error("restart should launch a new process")
	}
	if env.launcher.launches() != 2 {
		t.Errorf("expected 2 launches, got %d", env.launcher.launches())
	}
}

func TestStartReassignsTakenPort(t *testing.T) {
	env := setupTestSupervisor(t, nil)
	env.register(t, "old")
	if _, err := env.reg.Transition("old", []types.InstanceState{types.StateCreated}, types.StateStopped, "", nil); err != nil {
		t.Fatalf("Transition returned error: %v", err)
	}
	if _, err := env.reg.Register(types.InstanceRecord{Name: "new", DeviceID: "id-new", Port: 5554}); err != nil {
		t.Fatalf("Register returned error: %v", err)
	}

	rec, err := env.sup.Start(context.Background(), "old", nil)
	if err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	if rec.Port != 5556 {
		t.Errorf("expected reassigned port 5556, got %d", rec.Port)
	}
}

func TestAdoptedProcessMonitoredThroughProber(t *testing.T) {
	env := setupTestSupervisor(t, nil)
	env.register(t, "dev1")
	for _, to := range []types.InstanceState{types.StateStarting, types.StateRunning} {
		if _, err := env.reg.Transition("dev1", []types.InstanceState{types.StateCreated, types.StateStarting}, to, "", nil); err != nil {
			t.Fatalf("Transition returned error: %v", err)
		}
	}
	env.prober.set("id-dev1", true)

	if n := env.sup.Adopt(context.Background()); n != 1 {
		t.Fatalf("Adopt returned %d, want 1", n)
	}
	if n := env.sup.Adopt(context.Background()); n != 0 {
		t.Errorf("second Adopt returned %d, want 0", n)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go env.sup.Run(ctx)

	time.Sleep(30 * time.Millisecond)
	if rec, _ := env.reg.Get("dev1"); rec.State != types.StateRunning {
		t.Fatalf("live adopted process should stay Running, got %s", rec.State)
	}

	env.prober.set("id-dev1", false)
	waitForState(t, env.reg, "dev1", types.StateFailed)
	env.sup.Shutdown(context.Background(), false)
}

func TestShutdownStopsInstances(t *testing.T) {
	env := setupTestSupervisor(t, nil)
	env.register(t, "a")
	env.register(t, "b")
	for _, name := range []string{"a", "b"} {
		if _, err := env.sup.Start(context.Background(), name, nil); err != nil {
			t.Fatalf("Start(%s) returned error: %v", name, err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		env.sup.Run(ctx)
		close(done)
	}()

	if err := env.sup.Shutdown(context.Background(), true); err != nil {
		t.Fatalf("Shutdown returned error: %v", err)
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Shutdown")
	}
	for _, name := range []string{"a", "b"} {
		if rec, _ := env.reg.Get(name); rec.State != types.StateStopped {
			t.Errorf("%s state = %s, want Stopped", name, rec.State)
		}
	}
	// Run after Shutdown returns immediately.
	env.sup.Run(context.Background())
}

func TestAddress(t *testing.T) {
	env := setupTestSupervisor(t, nil)
	env.register(t, "dev1")
	if _, err := env.sup.Address("dev1"); err == nil {
		t.Error("expected an error for a non-running instance")
	}
	if _, err := env.sup.Start(context.Background(), "dev1", nil); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	target, err := env.sup.Address("dev1")
	if err != nil {
		t.Fatalf("Address returned error: %v", err)
	}
	if target.Serial != "emulator-5554" || target.Port != 5554 || target.Name != "dev1" {
		t.Errorf("unexpected target %+v", target)
	}
}

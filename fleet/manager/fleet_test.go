package manager

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bionicdonkey/AndroidMulti/fleet/config"
	"github.com/bionicdonkey/AndroidMulti/fleet/events"
	"github.com/bionicdonkey/AndroidMulti/fleet/inputsync"
	"github.com/bionicdonkey/AndroidMulti/fleet/statelock"
	"github.com/bionicdonkey/AndroidMulti/fleet/supervisor"
	"github.com/bionicdonkey/AndroidMulti/fleet/types"
)

type fakeTools struct{}

func (fakeTools) Resolve(tool string) (string, error) { return "/sdk/" + tool, nil }

type fakeRunner struct{}

func (fakeRunner) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, int32, error) {
	return []byte("OK\n"), nil, 0, nil
}

type fakeProcess struct {
	pid  int
	ch   chan struct{}
	once sync.Once
}

func (p *fakeProcess) PID() int                   { return p.pid }
func (p *fakeProcess) Exited() <-chan struct{}    { return p.ch }
func (p *fakeProcess) ExitErr() error             { return nil }
func (p *fakeProcess) Signal(sig os.Signal) error { p.once.Do(func() { close(p.ch) }); return nil }
func (p *fakeProcess) Kill() error                { p.once.Do(func() { close(p.ch) }); return nil }

type fakeLauncher struct {
	mu   sync.Mutex
	next int
}

func (l *fakeLauncher) Launch(ctx context.Context, spec supervisor.LaunchSpec) (supervisor.Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.next++
	return &fakeProcess{pid: 4000 + l.next, ch: make(chan struct{})}, nil
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

type fakeControl struct {
	mu      sync.Mutex
	serials []string
}

func (c *fakeControl) Send(ctx context.Context, target types.Target, args []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.serials = append(c.serials, target.Serial)
	return nil
}

type fakeTransfer struct {
	mu      sync.Mutex
	serials []string
	fail    map[string]error
}

func (f *fakeTransfer) Install(ctx context.Context, target types.Target, apk string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.serials = append(f.serials, target.Serial)
	return f.fail[target.Name]
}

func (f *fakeTransfer) Push(ctx context.Context, target types.Target, local, remote string) error {
	return f.Install(ctx, target, local)
}

type testEnv struct {
	root     string
	avdHome  string
	prober   *fakeProber
	control  *fakeControl
	transfer *fakeTransfer
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	root := t.TempDir()
	avdHome := filepath.Join(root, "avd")
	tmpl := filepath.Join(avdHome, "Pixel_7.avd")
	if err := os.MkdirAll(tmpl, 0755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	files := map[string]string{
		filepath.Join(tmpl, "config.ini"):     "avd.name=Pixel_7\nAvdId=Pixel_7\nhw.device.name=pixel_7\n",
		filepath.Join(tmpl, "userdata.img"):   "data",
		filepath.Join(avdHome, "Pixel_7.ini"): "avd.ini.encoding=UTF-8\npath=" + tmpl + "\ntarget=android-34\n",
	}
	for p, content := range files {
		if err := os.WriteFile(p, []byte(content), 0644); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
	}
	return &testEnv{
		root:     root,
		avdHome:  avdHome,
		prober:   &fakeProber{alive: map[string]bool{}},
		control:  &fakeControl{},
		transfer: &fakeTransfer{},
	}
}

func (e *testEnv) open(t *testing.T) *Fleet {
	t.Helper()
	settings := config.Default()
	settings.Fleet.StatePath = filepath.Join(e.root, "instances.json")
	settings.Fleet.JournalPath = filepath.Join(e.root, "journal.db")
	settings.Fleet.AVDHome = e.avdHome
	settings.Emulator.LogDir = filepath.Join(e.root, "logs")
	settings.Emulator.HardwareAcceleration = config.AccelDisabled
	settings.Emulator.PollInterval = 20 * time.Millisecond
	settings.Emulator.GracePeriod = 200 * time.Millisecond

	f, err := Open(context.Background(), Options{
		Settings:  settings,
		Tools:     fakeTools{},
		Runner:    fakeRunner{},
		Launcher:  &fakeLauncher{},
		Prober:    e.prober,
		Control:   e.control,
		Transfer:  e.transfer,
		FreeSpace: func(string) (uint64, error) { return 1 << 40, nil },
	})
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	return f
}

func waitTask(t *testing.T, task *Task) types.InstanceRecord {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rec, err := task.Wait(ctx)
	if err != nil {
		t.Fatalf("%s %s failed: %v", task.Op, task.Instance, err)
	}
	return rec
}

func closeFleet(t *testing.T, f *Fleet) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.Close(ctx); err != nil {
		t.Errorf("Close returned error: %v", err)
	}
}

func TestCloneStartAndDispatch(t *testing.T) {
	env := newTestEnv(t)
	f := env.open(t)
	defer closeFleet(t, f)

	sub := f.Subscribe(512)
	rec := waitTask(t, f.CloneAndStart("Pixel_7", "dev1"))
	if rec.State != types.StateRunning || rec.Port != 5554 {
		t.Fatalf("unexpected record after clone and start: %+v", rec)
	}
	waitTask(t, f.CreateInstance("Pixel_7", "dev2"))
	if rec := waitTask(t, f.StartInstance("dev2")); rec.Port != 5556 {
		t.Fatalf("dev2 port = %d", rec.Port)
	}

	var sawDone bool
	var last int
	for !sawDone {
		select {
		case ev := <-sub:
			if ev.Kind != events.KindProgress || ev.Progress.Instance != "dev1" {
				continue
			}
			if ev.Progress.Percent < last {
				t.Errorf("progress went backwards: %d after %d", ev.Progress.Percent, last)
			}
			last = ev.Progress.Percent
			sawDone = ev.Progress.Done
		case <-time.After(2 * time.Second):
			t.Fatal("no final progress event for dev1")
		}
	}
	f.Unsubscribe(sub)

	for _, name := range []string{"dev1", "dev2"} {
		if _, err := f.SetSync(name, true); err != nil {
			t.Fatalf("SetSync(%s): %v", name, err)
		}
	}
	if group := f.EnableSync(); len(group) != 2 {
		t.Fatalf("sync group has %d members", len(group))
	}
	if err := f.Dispatch(context.Background(), inputsync.Tap{X: 10, Y: 10}, "dev1"); err != nil {
		t.Fatalf("Dispatch returned error: %v", err)
	}
	env.control.mu.Lock()
	serials := append([]string{}, env.control.serials...)
	env.control.mu.Unlock()
	if len(serials) != 1 || serials[0] != "emulator-5556" {
		t.Errorf("delivered to %v", serials)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		entries, err := f.History("dev1", 20)
		if err != nil {
			t.Fatalf("History returned error: %v", err)
		}
		if len(entries) >= 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("journal has %d entries for dev1", len(entries))
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestFailedTaskReportsError(t *testing.T) {
	env := newTestEnv(t)
	f := env.open(t)
	defer closeFleet(t, f)

	task := f.CreateInstance("Missing_Template", "dev1")
	_, err := task.Wait(context.Background())
	if !errors.Is(err, types.ErrTemplateNotFound) {
		t.Fatalf("expected ErrTemplateNotFound, got %v", err)
	}
	got, ok := f.Task(task.ID)
	if !ok {
		t.Fatal("task not retrievable by id")
	}
	if _, done, err := got.Result(); !done || err == nil {
		t.Errorf("Result = done %v, err %v", done, err)
	}
	if p := got.Progress(); !p.Done || p.Err == "" {
		t.Errorf("final progress %+v", p)
	}
	if len(f.List()) != 0 {
		t.Error("failed clone registered an instance")
	}
}

func TestDeleteStopsAndRemovesFiles(t *testing.T) {
	env := newTestEnv(t)
	f := env.open(t)
	defer closeFleet(t, f)

	rec := waitTask(t, f.CloneAndStart("Pixel_7", "dev1"))
	if err := f.Delete(context.Background(), "dev1", true); err != nil {
		t.Fatalf("Delete returned error: %v", err)
	}
	if _, err := f.Get("dev1"); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("instance still registered: %v", err)
	}
	if _, err := os.Stat(rec.AVDPath); !os.IsNotExist(err) {
		t.Errorf("definition directory still exists: %v", err)
	}
	if _, err := os.Stat(filepath.Join(env.avdHome, "Pixel_7.avd")); err != nil {
		t.Errorf("template was touched: %v", err)
	}
}

func TestReopenRestoresState(t *testing.T) {
	env := newTestEnv(t)
	f := env.open(t)
	a := waitTask(t, f.CloneAndStart("Pixel_7", "alive"))
	waitTask(t, f.CloneAndStart("Pixel_7", "gone"))
	if _, err := f.Rename("alive", "primary"); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	closeFleet(t, f)

	env.prober.mu.Lock()
	env.prober.alive[a.DeviceID] = true
	env.prober.mu.Unlock()

	f = env.open(t)
	defer closeFleet(t, f)

	primary, err := f.Get("primary")
	if err != nil {
		t.Fatalf("Get(primary): %v", err)
	}
	if primary.State != types.StateRunning || primary.Port != 5554 {
		t.Errorf("adopted instance = %+v", primary)
	}
	gone, err := f.Get("gone")
	if err != nil {
		t.Fatalf("Get(gone): %v", err)
	}
	if gone.State != types.StateStopped || gone.Port != 5556 {
		t.Errorf("missing emulator should be Stopped with its port kept, got %+v", gone)
	}
}

func TestDeleteKeepsFilesWhenUnregisterFails(t *testing.T) {
	env := newTestEnv(t)
	f := env.open(t)
	defer closeFleet(t, f)

	rec := waitTask(t, f.CreateInstance("Pixel_7", "dev1"))

	// A non-empty directory in place of the state file makes every save fail.
	state := filepath.Join(env.root, "instances.json")
	if err := os.Remove(state); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(state, "blocker"), 0755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}

	if err := f.Delete(context.Background(), "dev1", true); err == nil {
		t.Fatal("expected Delete to fail when the registry cannot be saved")
	}
	if _, err := f.Get("dev1"); err != nil {
		t.Errorf("instance should still be registered: %v", err)
	}
	if _, err := os.Stat(filepath.Join(rec.AVDPath, "config.ini")); err != nil {
		t.Errorf("definition was removed although the instance is still registered: %v", err)
	}
	if _, err := os.Stat(filepath.Join(env.avdHome, "dev1.ini")); err != nil {
		t.Errorf("pointer ini was removed: %v", err)
	}
	if err := os.RemoveAll(state); err != nil {
		t.Fatalf("RemoveAll: %v", err)
	}
}

func TestCreateWithoutNameGeneratesOne(t *testing.T) {
	env := newTestEnv(t)
	f := env.open(t)
	defer closeFleet(t, f)

	first := waitTask(t, f.CreateInstance("Pixel_7", ""))
	if !strings.HasPrefix(first.Name, "Pixel_7_clone_") {
		t.Fatalf("generated name %q", first.Name)
	}
	stamp := strings.TrimPrefix(first.Name, "Pixel_7_clone_")
	if _, err := strconv.ParseInt(stamp, 10, 64); err != nil {
		t.Errorf("name should end in unix seconds, got %q", first.Name)
	}

	// A second clone within the same second still gets a free name.
	second := waitTask(t, f.CreateInstance("Pixel_7", ""))
	if second.Name == first.Name || !strings.HasPrefix(second.Name, "Pixel_7_clone_") {
		t.Errorf("second generated name %q, first %q", second.Name, first.Name)
	}
	if len(f.List()) != 2 {
		t.Errorf("expected 2 instances, got %d", len(f.List()))
	}
}

func TestUpdateRenamesAndSyncsTogether(t *testing.T) {
	env := newTestEnv(t)
	f := env.open(t)
	defer closeFleet(t, f)

	waitTask(t, f.CloneAndStart("Pixel_7", "dev1"))
	waitTask(t, f.CreateInstance("Pixel_7", "idle"))

	newName, on := "primary", true
	rec, err := f.Update("dev1", &newName, &on)
	if err != nil {
		t.Fatalf("Update returned error: %v", err)
	}
	if rec.Name != "primary" || !rec.Sync {
		t.Errorf("unexpected record %+v", rec)
	}

	// Sync on a stopped instance is refused and the rename is not applied.
	other := "renamed"
	if _, err := f.Update("idle", &other, &on); !errors.Is(err, types.ErrSyncRequiresRunning) {
		t.Fatalf("expected ErrSyncRequiresRunning, got %v", err)
	}
	if _, err := f.Get("idle"); err != nil {
		t.Errorf("idle was renamed despite the failed update: %v", err)
	}
}

func TestInstallTargetsSyncGroupOrNamedInstances(t *testing.T) {
	env := newTestEnv(t)
	f := env.open(t)
	defer closeFleet(t, f)

	apk := filepath.Join(env.root, "app.apk")
	if err := os.WriteFile(apk, []byte("PK"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	for _, name := range []string{"A", "B", "C"} {
		waitTask(t, f.CloneAndStart("Pixel_7", name))
	}
	waitTask(t, f.CreateInstance("Pixel_7", "idle"))

	ctx := context.Background()
	if err := f.Install(ctx, apk, nil); err == nil {
		t.Error("expected an error with an empty sync group")
	}
	for _, name := range []string{"A", "C"} {
		if _, err := f.SetSync(name, true); err != nil {
			t.Fatalf("SetSync(%s): %v", name, err)
		}
	}

	env.transfer.fail = map[string]error{"C": errors.New("INSTALL_FAILED_VERSION_DOWNGRADE")}
	err := f.Install(ctx, apk, nil)
	var partial *types.PartialDeliveryError
	if !errors.As(err, &partial) || len(partial.Failures) != 1 || partial.Failures[0].Instance != "C" {
		t.Fatalf("expected C to fail, got %v", err)
	}
	if got := env.transfer.serials; len(got) != 2 || got[0] != "emulator-5554" || got[1] != "emulator-5558" {
		t.Errorf("installed on %v", got)
	}

	env.transfer.serials = nil
	if err := f.Push(ctx, apk, "/sdcard/Download/app.apk", []string{"B"}); err != nil {
		t.Fatalf("Push returned error: %v", err)
	}
	if got := env.transfer.serials; len(got) != 1 || got[0] != "emulator-5556" {
		t.Errorf("pushed to %v", got)
	}

	if err := f.Install(ctx, apk, []string{"idle"}); !errors.Is(err, types.ErrNotRunning) {
		t.Errorf("expected ErrNotRunning for a stopped instance, got %v", err)
	}
	if err := f.Install(ctx, filepath.Join(env.root, "missing.apk"), []string{"A"}); !types.IsKind(err, types.KindValidation) {
		t.Errorf("expected a validation error for a missing apk, got %v", err)
	}
	if err := f.Push(ctx, apk, "", []string{"A"}); err == nil {
		t.Error("expected an error without a remote path")
	}

	entries, err := f.History("", 50)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	found := false
	for _, e := range entries {
		if e.Kind == "dispatch" && e.Detail == "install delivered to 1, failed on C" {
			found = true
		}
	}
	if !found {
		t.Errorf("install failure not journaled: %+v", entries)
	}
}

func TestSecondOpenIsRefusedWhileLocked(t *testing.T) {
	env := newTestEnv(t)
	f := env.open(t)
	if err := f.Advertise("127.0.0.1:8734"); err != nil {
		t.Fatalf("Advertise: %v", err)
	}

	settings := config.Default()
	settings.Fleet.StatePath = filepath.Join(env.root, "instances.json")
	settings.Fleet.AVDHome = env.avdHome
	_, err := Open(context.Background(), Options{Settings: settings, Tools: fakeTools{}, Runner: fakeRunner{}, Prober: env.prober})
	var locked *statelock.LockedError
	if !errors.As(err, &locked) || !errors.Is(err, statelock.ErrLocked) {
		t.Fatalf("expected a locked error, got %v", err)
	}
	if locked.Owner.API != "127.0.0.1:8734" {
		t.Errorf("owner = %+v", locked.Owner)
	}

	closeFleet(t, f)
	f = env.open(t)
	closeFleet(t, f)
}

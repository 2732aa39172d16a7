package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/bionicdonkey/AndroidMulti/fleet/api"
	"github.com/bionicdonkey/AndroidMulti/fleet/client"
	"github.com/bionicdonkey/AndroidMulti/fleet/cloner"
	"github.com/bionicdonkey/AndroidMulti/fleet/inputsync"
	"github.com/bionicdonkey/AndroidMulti/fleet/journal"
	"github.com/bionicdonkey/AndroidMulti/fleet/manager"
	"github.com/bionicdonkey/AndroidMulti/fleet/statelock"
	"github.com/bionicdonkey/AndroidMulti/fleet/types"
)

type progressFunc func(phase string, percent int)

type syncView struct {
	Enabled bool           `json:"enabled"`
	Group   []types.Target `json:"group"`
}

// backend is what the commands drive: a fleet opened by this process, or
// the daemon that holds the fleet state.
type backend interface {
	Templates(ctx context.Context) ([]cloner.Template, error)
	List(ctx context.Context) ([]recordRow, error)
	Clone(ctx context.Context, template, name string, start bool, report progressFunc) (recordRow, error)
	Lifecycle(ctx context.Context, action, name string, report progressFunc) (recordRow, error)
	Update(ctx context.Context, name string, newName *string, sync *bool) (recordRow, error)
	Delete(ctx context.Context, name string, removeFiles bool) error
	Logs(ctx context.Context, name string, lines int) (string, error)
	History(ctx context.Context, instance string, limit int) ([]journal.Entry, error)
	SyncStatus(ctx context.Context) (syncView, error)
	SetSyncEnabled(ctx context.Context, enabled bool) error
	Dispatch(ctx context.Context, req inputsync.Request) error
	Install(ctx context.Context, apk string, names []string) error
	Push(ctx context.Context, local, remote string, names []string) error
	Close(ctx context.Context) error
}

// openBackend opens the fleet in this process. When a daemon already holds
// the state and advertises its API, commands are forwarded to it instead.
func openBackend(ctx context.Context) (backend, error) {
	f, err := openFleet(ctx)
	if err == nil {
		return &localBackend{fleet: f}, nil
	}
	var locked *statelock.LockedError
	if !errors.As(err, &locked) {
		return nil, err
	}
	if locked.Owner.API == "" {
		return nil, fmt.Errorf("%w; it has no control API to forward to", err)
	}
	c, err := daemonClient(locked.Owner.API)
	if err != nil {
		return nil, err
	}
	logger.Debug("Forwarding to the fleet daemon", "pid", locked.Owner.PID, "api", locked.Owner.API)
	return &remoteBackend{client: c}, nil
}

// withBackend runs fn against a freshly opened backend and closes it
// afterwards.
func withBackend(ctx context.Context, fn func(ctx context.Context, b backend) error) error {
	b, err := openBackend(ctx)
	if err != nil {
		return err
	}
	runErr := fn(ctx, b)

	closeCtx, cancel := context.WithTimeout(context.Background(), settings.Emulator.GracePeriod+5*time.Second)
	defer cancel()
	if err := b.Close(closeCtx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// daemonClient builds a client for an advertised listen address, signing
// its own token with the shared secret.
func daemonClient(addr string) (*client.Client, error) {
	base, err := dialURL(addr)
	if err != nil {
		return nil, err
	}
	key, err := api.LoadSecretKey(settings.API.SecretFile)
	if err != nil {
		return nil, err
	}
	token, err := api.IssueToken(key, "cli", time.Hour)
	if err != nil {
		return nil, err
	}
	return client.NewClient(base, client.WithToken(token)), nil
}

// dialURL turns a listen address into a URL this host can reach.
func dialURL(addr string) (string, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", fmt.Errorf("invalid daemon address %q: %w", addr, err)
	}
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port), nil
}

type localBackend struct {
	fleet *manager.Fleet
}

func (b *localBackend) Templates(ctx context.Context) ([]cloner.Template, error) {
	return b.fleet.Templates()
}

func (b *localBackend) List(ctx context.Context) ([]recordRow, error) {
	recs := b.fleet.List()
	rows := make([]recordRow, 0, len(recs))
	for _, rec := range recs {
		rows = append(rows, rowOf(rec))
	}
	return rows, nil
}

func (b *localBackend) Clone(ctx context.Context, template, name string, start bool, report progressFunc) (recordRow, error) {
	if start {
		return waitLocal(ctx, b.fleet.CloneAndStart(template, name), report)
	}
	return waitLocal(ctx, b.fleet.CreateInstance(template, name), report)
}

func (b *localBackend) Lifecycle(ctx context.Context, action, name string, report progressFunc) (recordRow, error) {
	var task *manager.Task
	switch action {
	case "start":
		task = b.fleet.StartInstance(name)
	case "stop":
		task = b.fleet.StopInstance(name)
	case "restart":
		task = b.fleet.RestartInstance(name)
	default:
		return recordRow{}, fmt.Errorf("unknown action %q", action)
	}
	return waitLocal(ctx, task, report)
}

// waitLocal blocks on a task, reporting its progress as it changes.
func waitLocal(ctx context.Context, task *manager.Task, report progressFunc) (recordRow, error) {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-task.Done():
			rec, err := task.Wait(ctx)
			if err != nil {
				return recordRow{}, err
			}
			return rowOf(rec), nil
		case <-ticker.C:
			p := task.Progress()
			report(p.Phase, p.Percent)
		case <-ctx.Done():
			return recordRow{}, ctx.Err()
		}
	}
}

func (b *localBackend) Update(ctx context.Context, name string, newName *string, sync *bool) (recordRow, error) {
	rec, err := b.fleet.Update(name, newName, sync)
	if err != nil {
		return recordRow{}, err
	}
	return rowOf(rec), nil
}

func (b *localBackend) Delete(ctx context.Context, name string, removeFiles bool) error {
	return b.fleet.Delete(ctx, name, removeFiles)
}

func (b *localBackend) Logs(ctx context.Context, name string, lines int) (string, error) {
	return b.fleet.Logs(name, lines)
}

func (b *localBackend) History(ctx context.Context, instance string, limit int) ([]journal.Entry, error) {
	return b.fleet.History(instance, limit)
}

func (b *localBackend) SyncStatus(ctx context.Context) (syncView, error) {
	return syncView{Enabled: b.fleet.SyncEnabled(), Group: b.fleet.SyncGroup()}, nil
}

// SetSyncEnabled has nothing to do here; this process reads the saved
// setting when it opens the fleet.
func (b *localBackend) SetSyncEnabled(ctx context.Context, enabled bool) error {
	return nil
}

func (b *localBackend) Dispatch(ctx context.Context, req inputsync.Request) error {
	event, err := req.Event()
	if err != nil {
		return err
	}
	if !b.fleet.SyncEnabled() {
		return errors.New("input sync is disabled, run `androidmulti sync enable` first")
	}
	return b.fleet.Dispatch(ctx, event, req.Source)
}

func (b *localBackend) Install(ctx context.Context, apk string, names []string) error {
	return b.fleet.Install(ctx, apk, names)
}

func (b *localBackend) Push(ctx context.Context, local, remote string, names []string) error {
	return b.fleet.Push(ctx, local, remote, names)
}

func (b *localBackend) Close(ctx context.Context) error {
	return b.fleet.Close(ctx)
}

type remoteBackend struct {
	client *client.Client
}

func rowOfInstance(inst client.Instance) recordRow {
	return recordRow{
		Name:     inst.Name,
		State:    inst.State,
		Port:     inst.Port,
		Serial:   inst.Serial,
		Sync:     inst.Sync,
		PID:      inst.PID,
		Template: inst.Template,
		DeviceID: inst.DeviceID,
		Created:  inst.CreatedAt,
	}
}

func (b *remoteBackend) Templates(ctx context.Context) ([]cloner.Template, error) {
	return b.client.Templates(ctx)
}

func (b *remoteBackend) List(ctx context.Context) ([]recordRow, error) {
	list, err := b.client.Instances(ctx)
	if err != nil {
		return nil, err
	}
	rows := make([]recordRow, 0, len(list))
	for _, inst := range list {
		rows = append(rows, rowOfInstance(inst))
	}
	return rows, nil
}

func (b *remoteBackend) Clone(ctx context.Context, template, name string, start bool, report progressFunc) (recordRow, error) {
	task, err := b.client.Create(ctx, template, name, start)
	if err != nil {
		return recordRow{}, err
	}
	return b.wait(ctx, task.ID, report)
}

func (b *remoteBackend) Lifecycle(ctx context.Context, action, name string, report progressFunc) (recordRow, error) {
	task, err := b.client.Lifecycle(ctx, name, action)
	if err != nil {
		return recordRow{}, err
	}
	return b.wait(ctx, task.ID, report)
}

func (b *remoteBackend) wait(ctx context.Context, id string, report progressFunc) (recordRow, error) {
	task, err := b.client.WaitTask(ctx, id, 250*time.Millisecond, func(t client.Task) { report(t.Phase, t.Percent) })
	if err != nil {
		return recordRow{}, err
	}
	if task.Result == nil {
		return recordRow{}, fmt.Errorf("task %s finished without a result", id)
	}
	return rowOfInstance(*task.Result), nil
}

func (b *remoteBackend) Update(ctx context.Context, name string, newName *string, sync *bool) (recordRow, error) {
	inst, err := b.client.Update(ctx, name, newName, sync)
	if err != nil {
		return recordRow{}, err
	}
	return rowOfInstance(inst), nil
}

func (b *remoteBackend) Delete(ctx context.Context, name string, removeFiles bool) error {
	return b.client.Delete(ctx, name, removeFiles)
}

func (b *remoteBackend) Logs(ctx context.Context, name string, lines int) (string, error) {
	return b.client.Logs(ctx, name, lines)
}

func (b *remoteBackend) History(ctx context.Context, instance string, limit int) ([]journal.Entry, error) {
	return b.client.History(ctx, instance, limit)
}

func (b *remoteBackend) SyncStatus(ctx context.Context) (syncView, error) {
	status, err := b.client.Sync(ctx)
	if err != nil {
		return syncView{}, err
	}
	list, err := b.client.Instances(ctx)
	if err != nil {
		return syncView{}, err
	}
	byName := make(map[string]client.Instance, len(list))
	for _, inst := range list {
		byName[inst.Name] = inst
	}
	view := syncView{Enabled: status.Enabled, Group: make([]types.Target, 0, len(status.Group))}
	for _, name := range status.Group {
		inst := byName[name]
		view.Group = append(view.Group, types.Target{Name: name, Port: inst.Port, Serial: inst.Serial})
	}
	return view, nil
}

func (b *remoteBackend) SetSyncEnabled(ctx context.Context, enabled bool) error {
	_, err := b.client.SetSyncEnabled(ctx, enabled)
	return err
}

func (b *remoteBackend) Dispatch(ctx context.Context, req inputsync.Request) error {
	return b.client.Dispatch(ctx, req)
}

func (b *remoteBackend) Install(ctx context.Context, apk string, names []string) error {
	return b.client.Install(ctx, apk, names)
}

func (b *remoteBackend) Push(ctx context.Context, local, remote string, names []string) error {
	return b.client.Push(ctx, local, remote, names)
}

func (b *remoteBackend) Close(ctx context.Context) error {
	return nil
}

// printProgress returns a progressFunc that echoes phase changes to stderr.
func printProgress() progressFunc {
	last := ""
	return func(phase string, percent int) {
		if phase == last {
			return
		}
		last = phase
		fmt.Fprintf(os.Stderr, "[%3d%%] %s\n", percent, phase)
	}
}

package manager

import (
	"context"
	"os"

	"github.com/bionicdonkey/AndroidMulti/fleet/types"
)

// Install sideloads apk onto the named instances, or onto the sync group
// when names is empty. Every target is attempted; failures come back as a
// *types.PartialDeliveryError.
func (f *Fleet) Install(ctx context.Context, apk string, names []string) error {
	if err := checkLocalFile("install", apk); err != nil {
		return err
	}
	targets, err := f.transferTargets("install", names)
	if err != nil {
		return err
	}
	f.logger.Info("Installing package", "apk", apk, "targets", len(targets))
	return f.syncer.Install(ctx, apk, targets)
}

// Push copies a local file onto the named instances, or onto the sync group
// when names is empty.
func (f *Fleet) Push(ctx context.Context, local, remote string, names []string) error {
	if err := checkLocalFile("push", local); err != nil {
		return err
	}
	if remote == "" {
		return types.Validation("push", "", nil, "remote path is required")
	}
	targets, err := f.transferTargets("push", names)
	if err != nil {
		return err
	}
	f.logger.Info("Pushing file", "local", local, "remote", remote, "targets", len(targets))
	return f.syncer.Push(ctx, local, remote, targets)
}

// transferTargets resolves names to running instances. With no names it
// returns the sync-flagged running instances whether or not input
// replication is enabled.
func (f *Fleet) transferTargets(op string, names []string) ([]types.Target, error) {
	var records []types.InstanceRecord
	if len(names) == 0 {
		records = f.registry.SyncGroup()
		if len(records) == 0 {
			return nil, types.Validation(op, "", nil, "no running instance has its sync flag set")
		}
	}
	for _, name := range names {
		rec, err := f.registry.Get(name)
		if err != nil {
			return nil, err
		}
		if rec.State != types.StateRunning {
			return nil, types.Validation(op, name, types.ErrNotRunning, "instance is %s", rec.State)
		}
		records = append(records, rec)
	}

	targets := make([]types.Target, 0, len(records))
	for _, rec := range records {
		targets = append(targets, types.Target{Name: rec.Name, Port: rec.Port, Serial: rec.Serial()})
	}
	return targets, nil
}

func checkLocalFile(op, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return types.Validation(op, "", err, "cannot read %s", path)
	}
	if info.IsDir() && op == "install" {
		return types.Validation(op, "", nil, "%s is a directory", path)
	}
	return nil
}

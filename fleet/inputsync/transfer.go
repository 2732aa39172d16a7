package inputsync

import (
	"context"
	"errors"

	"github.com/bionicdonkey/AndroidMulti/fleet/events"
	"github.com/bionicdonkey/AndroidMulti/fleet/metrics"
	"github.com/bionicdonkey/AndroidMulti/fleet/types"
)

// ErrNoTransfer is returned when the Synchronizer was built without a
// FileTransfer.
var ErrNoTransfer = errors.New("file transfer not configured")

// Install sideloads apk onto targets one at a time, in order. Unlike
// Dispatch it does not depend on replication being enabled. Failed targets
// are returned as a *types.PartialDeliveryError.
func (s *Synchronizer) Install(ctx context.Context, apk string, targets []types.Target) error {
	if s.transfer == nil {
		return ErrNoTransfer
	}
	return s.broadcast(ctx, "install", targets, func(ctx context.Context, t types.Target) error {
		return s.transfer.Install(ctx, t, apk)
	})
}

// Push copies local to remote on targets one at a time, in order.
func (s *Synchronizer) Push(ctx context.Context, local, remote string, targets []types.Target) error {
	if s.transfer == nil {
		return ErrNoTransfer
	}
	return s.broadcast(ctx, "push", targets, func(ctx context.Context, t types.Target) error {
		return s.transfer.Push(ctx, t, local, remote)
	})
}

func (s *Synchronizer) broadcast(ctx context.Context, op string, targets []types.Target, fn func(ctx context.Context, t types.Target) error) error {
	report := events.DispatchReport{Event: op}
	partial := &types.PartialDeliveryError{Event: op}

	var loopErr error
	for _, target := range targets {
		if err := ctx.Err(); err != nil {
			loopErr = err
			break
		}
		partial.Attempted++
		if err := fn(ctx, target); err != nil {
			s.logger.Warn("Transfer failed", "op", op, "instance", target.Name, "serial", target.Serial, "error", err)
			partial.Failures = append(partial.Failures, types.TargetFailure{Instance: target.Name, Err: err})
			report.Failed = append(report.Failed, target.Name)
			continue
		}
		s.logger.Info("Transfer finished", "op", op, "instance", target.Name)
		report.Delivered = append(report.Delivered, target.Name)
	}

	metrics.RecordDispatch(op, len(report.Delivered), len(report.Failed))
	if s.publisher != nil && partial.Attempted > 0 {
		s.publisher.Publish(events.Event{Kind: events.KindDispatch, Dispatch: &report})
	}

	if loopErr != nil {
		return loopErr
	}
	if len(partial.Failures) > 0 {
		return partial
	}
	return nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/bionicdonkey/AndroidMulti/fleet/config"
	"github.com/bionicdonkey/AndroidMulti/fleet/inputsync"
	"github.com/bionicdonkey/AndroidMulti/fleet/types"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Configure input synchronization",
	Long: `Input synchronization mirrors input to every running instance whose
sync flag is set.

  androidmulti sync <name> on|off    set an instance's sync flag
  androidmulti sync enable|disable   turn synchronization on or off
  androidmulti sync                  show the current group`,
	Args: cobra.MaximumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		switch {
		case len(args) == 0:
			return withBackend(cmd.Context(), func(ctx context.Context, b backend) error {
				status, err := b.SyncStatus(ctx)
				if err != nil {
					return err
				}
				return printSyncStatus(status)
			})
		case len(args) == 1 && (args[0] == "enable" || args[0] == "disable"):
			enabled := args[0] == "enable"
			if err := saveSyncEnabled(enabled); err != nil {
				return err
			}
			return withBackend(cmd.Context(), func(ctx context.Context, b backend) error {
				return b.SetSyncEnabled(ctx, enabled)
			})
		case len(args) == 2:
			on, err := parseOnOff(args[1])
			if err != nil {
				return err
			}
			return withBackend(cmd.Context(), func(ctx context.Context, b backend) error {
				row, err := b.Update(ctx, args[0], nil, &on)
				if err != nil {
					return err
				}
				return printRecords([]recordRow{row})
			})
		default:
			return cmd.Usage()
		}
	},
}

func parseOnOff(s string) (bool, error) {
	switch s {
	case "on":
		return true, nil
	case "off":
		return false, nil
	}
	return false, fmt.Errorf("expected on or off, got %q", s)
}

// saveSyncEnabled persists the input_sync.enabled setting so that every
// later command and the next daemon pick it up. A running daemon is told
// separately.
func saveSyncEnabled(enabled bool) error {
	if err := config.Update(configPath, func(c *config.Config) { c.InputSync.Enabled = enabled }); err != nil {
		return err
	}
	settings.InputSync.Enabled = enabled
	fmt.Fprintf(os.Stderr, "Input sync enabled=%t (saved to %s)\n", enabled, configPath)
	return nil
}

func printSyncStatus(status syncView) error {
	rows := make([][]any, 0, len(status.Group))
	for _, t := range status.Group {
		rows = append(rows, []any{t.Name, t.Serial})
	}
	if tableOutput() {
		fmt.Printf("Input sync enabled: %t\n", status.Enabled)
	}
	return printTable(status, "NAME\tSERIAL", rows)
}

var inputSource string

// inputCmd builds a command that turns its arguments into one input event
// and dispatches it to the sync group.
func inputCmd(use, short string, args cobra.PositionalArgs, build func(args []string) (inputsync.Request, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  args,
		RunE: func(cmd *cobra.Command, argv []string) error {
			req, err := build(argv)
			if err != nil {
				return err
			}
			req.Source = inputSource
			if _, err := req.Event(); err != nil {
				return err
			}
			return withBackend(cmd.Context(), func(ctx context.Context, b backend) error {
				return warnPartial(b.Dispatch(ctx, req))
			})
		},
	}
}

// warnPartial reports a partial delivery on stderr and treats it as success.
func warnPartial(err error) error {
	var partial *types.PartialDeliveryError
	if errors.As(err, &partial) {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", partial)
		return nil
	}
	return err
}

func partialInstances(err error) []string {
	var partial *types.PartialDeliveryError
	if errors.As(err, &partial) {
		return partial.Instances()
	}
	return nil
}

func atoi(args []string) ([]int, error) {
	out := make([]int, len(args))
	for i, a := range args {
		n, err := strconv.Atoi(a)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q", a)
		}
		out[i] = n
	}
	return out, nil
}

var swipeDuration int

func init() {
	tapCmd := inputCmd("tap <x> <y>", "Tap every instance in the sync group", cobra.ExactArgs(2),
		func(args []string) (inputsync.Request, error) {
			n, err := atoi(args)
			if err != nil {
				return inputsync.Request{}, err
			}
			return inputsync.Request{Type: "tap", X: n[0], Y: n[1]}, nil
		})
	swipeCmd := inputCmd("swipe <x1> <y1> <x2> <y2>", "Swipe on every instance in the sync group", cobra.ExactArgs(4),
		func(args []string) (inputsync.Request, error) {
			n, err := atoi(args)
			if err != nil {
				return inputsync.Request{}, err
			}
			return inputsync.Request{Type: "swipe", X: n[0], Y: n[1], X2: n[2], Y2: n[3], DurationMS: swipeDuration}, nil
		})
	keyCmd := inputCmd("key <name|code>", "Send a key press to the sync group", cobra.ExactArgs(1),
		func(args []string) (inputsync.Request, error) {
			if code, err := strconv.Atoi(args[0]); err == nil {
				return inputsync.Request{Type: "key", Code: code}, nil
			}
			return inputsync.Request{Type: "key", Key: args[0]}, nil
		})
	textCmd := inputCmd("text <text>", "Type text on every instance in the sync group", cobra.ExactArgs(1),
		func(args []string) (inputsync.Request, error) {
			return inputsync.Request{Type: "text", Text: args[0]}, nil
		})
	scrollCmd := inputCmd("scroll <dx> <dy>", "Scroll every instance in the sync group", cobra.ExactArgs(2),
		func(args []string) (inputsync.Request, error) {
			dx, err := strconv.ParseFloat(args[0], 64)
			if err != nil {
				return inputsync.Request{}, fmt.Errorf("invalid dx %q", args[0])
			}
			dy, err := strconv.ParseFloat(args[1], 64)
			if err != nil {
				return inputsync.Request{}, fmt.Errorf("invalid dy %q", args[1])
			}
			return inputsync.Request{Type: "scroll", DX: dx, DY: dy}, nil
		})
	swipeCmd.Flags().IntVarP(&swipeDuration, "duration", "d", 0, "swipe duration in milliseconds")

	for _, c := range []*cobra.Command{tapCmd, swipeCmd, keyCmd, textCmd, scrollCmd} {
		c.Flags().StringVarP(&inputSource, "source", "s", "", "instance the input originated on; it is skipped")
		rootCmd.AddCommand(c)
	}
	rootCmd.AddCommand(syncCmd)
}

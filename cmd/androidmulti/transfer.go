package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
)

var transferTargets []string

var installCmd = &cobra.Command{
	Use:   "install <apk>",
	Short: "Install an APK on the sync group or on selected instances",
	Long: `Install sideloads an APK with adb install -r. Without --to every running
instance with its sync flag set is targeted, whether or not input sync is
enabled. Instances are handled one at a time and a failure on one does not
stop the others.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		apk, err := filepath.Abs(args[0])
		if err != nil {
			return err
		}
		return withBackend(cmd.Context(), func(ctx context.Context, b backend) error {
			return reportTransfer("Installed", b.Install(ctx, apk, transferTargets))
		})
	},
}

var pushCmd = &cobra.Command{
	Use:   "push <local> <remote>",
	Short: "Copy a file onto the sync group or selected instances",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		local, err := filepath.Abs(args[0])
		if err != nil {
			return err
		}
		return withBackend(cmd.Context(), func(ctx context.Context, b backend) error {
			return reportTransfer("Pushed", b.Push(ctx, local, args[1], transferTargets))
		})
	},
}

// reportTransfer prints per-target failures. Unlike input dispatch, any
// failed target makes the command fail.
func reportTransfer(verb string, err error) error {
	if err == nil {
		fmt.Fprintf(os.Stderr, "%s on every target\n", verb)
		return nil
	}
	if warnPartial(err) == nil {
		return fmt.Errorf("failed on %s", strings.Join(partialInstances(err), ", "))
	}
	return err
}

func init() {
	for _, c := range []*cobra.Command{installCmd, pushCmd} {
		c.Flags().StringSliceVar(&transferTargets, "to", nil, "instances to target (defaults to the sync group)")
		rootCmd.AddCommand(c)
	}
}

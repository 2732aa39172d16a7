package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"
)

var templatesCmd = &cobra.Command{
	Use:   "templates",
	Short: "List AVD templates available for cloning",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withBackend(cmd.Context(), func(ctx context.Context, b backend) error {
			templates, err := b.Templates(ctx)
			if err != nil {
				return err
			}
			rows := make([][]any, 0, len(templates))
			for _, t := range templates {
				rows = append(rows, []any{t.Name, t.Target, t.Device, t.Path})
			}
			return printTable(templates, "NAME\tTARGET\tDEVICE\tPATH", rows)
		})
	},
}

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List registered instances",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withBackend(cmd.Context(), func(ctx context.Context, b backend) error {
			rows, err := b.List(ctx)
			if err != nil {
				return err
			}
			return printRecords(rows)
		})
	},
}

var cloneStart bool

var cloneCmd = &cobra.Command{
	Use:   "clone <template> [name]",
	Short: "Clone a template into a new instance",
	Long: `Clone copies an AVD template into a new instance definition and
registers it. Without a name the instance is called
<template>_clone_<unix seconds>.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := ""
		if len(args) == 2 {
			name = args[1]
		}
		return withBackend(cmd.Context(), func(ctx context.Context, b backend) error {
			row, err := b.Clone(ctx, args[0], name, cloneStart, printProgress())
			if err != nil {
				return err
			}
			return printRecords([]recordRow{row})
		})
	},
}

func lifecycleCmd(action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " <name>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd.Context(), func(ctx context.Context, b backend) error {
				row, err := b.Lifecycle(ctx, action, args[0], printProgress())
				if err != nil {
					return err
				}
				return printRecords([]recordRow{row})
			})
		},
	}
}

var renameCmd = &cobra.Command{
	Use:   "rename <name> <new-name>",
	Short: "Rename an instance",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withBackend(cmd.Context(), func(ctx context.Context, b backend) error {
			row, err := b.Update(ctx, args[0], &args[1], nil)
			if err != nil {
				return err
			}
			return printRecords([]recordRow{row})
		})
	},
}

var deleteRemoveFiles bool

var deleteCmd = &cobra.Command{
	Use:     "delete <name>",
	Aliases: []string{"rm"},
	Short:   "Stop and unregister an instance",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withBackend(cmd.Context(), func(ctx context.Context, b backend) error {
			if err := b.Delete(ctx, args[0], deleteRemoveFiles); err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "Deleted %s\n", args[0])
			return nil
		})
	},
}

var logsLines int

var logsCmd = &cobra.Command{
	Use:   "logs <name>",
	Short: "Print the tail of an instance's emulator log",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withBackend(cmd.Context(), func(ctx context.Context, b backend) error {
			out, err := b.Logs(ctx, args[0], logsLines)
			if err != nil {
				return err
			}
			fmt.Print(out)
			return nil
		})
	},
}

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history [name]",
	Short: "Show recorded state changes and dispatches",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		instance := ""
		if len(args) == 1 {
			instance = args[0]
		}
		return withBackend(cmd.Context(), func(ctx context.Context, b backend) error {
			entries, err := b.History(ctx, instance, historyLimit)
			if err != nil {
				return err
			}
			rows := make([][]any, 0, len(entries))
			for _, e := range entries {
				change := ""
				if e.FromState != "" || e.ToState != "" {
					change = e.FromState + " -> " + e.ToState
				}
				rows = append(rows, []any{e.Time().Local().Format("2006-01-02 15:04:05"), e.Instance, e.Kind, change, strconv.Quote(e.Detail)})
			}
			return printTable(entries, "TIME\tINSTANCE\tKIND\tCHANGE\tDETAIL", rows)
		})
	},
}

func init() {
	cloneCmd.Flags().BoolVar(&cloneStart, "start", false, "start the instance once cloned")
	deleteCmd.Flags().BoolVar(&deleteRemoveFiles, "remove-files", false, "also delete the AVD definition from disk")
	logsCmd.Flags().IntVarP(&logsLines, "lines", "n", 100, "number of lines to print")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 50, "maximum number of entries")

	rootCmd.AddCommand(
		templatesCmd,
		listCmd,
		cloneCmd,
		lifecycleCmd("start", "Start an instance"),
		lifecycleCmd("stop", "Stop a running instance"),
		lifecycleCmd("restart", "Stop then start an instance"),
		renameCmd,
		deleteCmd,
		logsCmd,
		historyCmd,
	)
}

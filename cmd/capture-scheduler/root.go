package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
)

func newRootCommand(logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "capture-scheduler",
		Short:         "Reconcile lecture-capture schedules against the course registry",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprint(cmd.ErrOrStderr(), cmd.UsageString())
		},
	}
	cmd.AddCommand(
		newServeCommand(logger),
		newRunCommand(logger),
		newMigrateCommand(logger),
		newChangesCommand(logger),
	)
	return cmd
}

package main

import (
	"encoding/json"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/example/capture-scheduler/internal/application"
	"github.com/example/capture-scheduler/internal/config"
)

func newRunCommand(logger *slog.Logger) *cobra.Command {
	var termID string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one reconciliation pass and print its report",
		Long:  "Run one reconciliation pass per configured term, or only the term given by --term. Reports are printed as JSON, one per line.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer func() {
				if cerr := a.Close(); cerr != nil {
					logger.Error("failed to close services", "error", cerr)
				}
			}()

			enc := json.NewEncoder(cmd.OutOrStdout())
			return a.runAll(cmd.Context(), termID, func(report application.PassReport) error {
				return enc.Encode(report)
			})
		},
	}
	cmd.Flags().StringVar(&termID, "term", "", "term to reconcile (default: every configured term)")
	return cmd
}

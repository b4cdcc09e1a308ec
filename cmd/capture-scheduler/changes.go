package main

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/capture-scheduler/internal/config"
	"github.com/example/capture-scheduler/internal/persistence"
	"github.com/example/capture-scheduler/internal/reconcile"
)

type changesOptions struct {
	term     string
	section  string
	statuses []string
	fields   []string
	limit    int
}

func newChangesCommand(logger *slog.Logger) *cobra.Command {
	var opts changesOptions

	cmd := &cobra.Command{
		Use:   "changes",
		Short: "List change records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, err := opts.filter()
			if err != nil {
				return err
			}
			cfg, err := config.LoadStorage()
			if err != nil {
				return err
			}
			store, err := openStore(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to open storage: %w", err)
			}
			defer func() {
				if cerr := store.Close(); cerr != nil {
					logger.Error("failed to close storage", "error", cerr)
				}
			}()

			records, err := store.ListChangeRecords(cmd.Context(), filter)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSECTION\tFIELD\tSTATUS\tCREATED\tERROR")
			for _, rec := range records {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					rec.ID, rec.SectionID, rec.Field, rec.Status,
					rec.CreatedAt.UTC().Format(time.RFC3339), rec.Error)
			}
			return w.Flush()
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.term, "term", "", "term id (required)")
	flags.StringVar(&opts.section, "section", "", "only records of this section")
	flags.StringSliceVar(&opts.statuses, "status", nil, "only records in these statuses")
	flags.StringSliceVar(&opts.fields, "field", nil, "only records of these fields")
	flags.IntVar(&opts.limit, "limit", 0, "maximum number of records")
	_ = cmd.MarkFlagRequired("term")
	return cmd
}

func (o changesOptions) filter() (persistence.ChangeFilter, error) {
	filter := persistence.ChangeFilter{
		TermID:    strings.TrimSpace(o.term),
		SectionID: strings.TrimSpace(o.section),
		Limit:     o.limit,
	}
	if filter.TermID == "" {
		return filter, errors.New("--term is required")
	}
	if o.limit < 0 {
		return filter, errors.New("--limit must not be negative")
	}
	for _, raw := range o.statuses {
		status, err := reconcile.ParseStatus(strings.TrimSpace(raw))
		if err != nil {
			return filter, err
		}
		filter.Statuses = append(filter.Statuses, status)
	}
	for _, raw := range o.fields {
		field, err := reconcile.ParseFieldKind(strings.TrimSpace(raw))
		if err != nil {
			return filter, err
		}
		filter.Fields = append(filter.Fields, field)
	}
	return filter, nil
}

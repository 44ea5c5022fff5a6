package main

import (
	"fmt"
	"io"

	"github.com/cwygoda/transcriptd/internal/worker"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

func newRetryCommand(ctx *commandContext) *cobra.Command {
	var (
		mode         string
		limit        int
		lookbackDays int
		jsonOutput   bool
	)

	cmd := &cobra.Command{
		Use:   "retry",
		Short: "Run one transcript retry pass",
		Long: `Run one transcript retry pass and print its summary.

The scheduled mode attempts pending jobs whose retry time has passed. The
backfill mode first reactivates failed jobs from the last --lookback-days
days, then runs a scheduled pass.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			req := worker.Request{Mode: worker.Mode(mode)}
			if cmd.Flags().Changed("limit") {
				req.Limit = &limit
			}
			if cmd.Flags().Changed("lookback-days") {
				req.LookbackDays = &lookbackDays
			}

			return ctx.withApp(cmd, appOptions{needSync: true}, func(a *app) error {
				summary, err := a.worker.RunPass(cmd.Context(), req)
				if err != nil {
					return fmt.Errorf("retry pass: %w", err)
				}
				if jsonOutput {
					return writeJSON(cmd, summary)
				}
				writeSummary(cmd.OutOrStdout(), summary)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&mode, "mode", string(worker.ModeScheduled), "Pass mode: scheduled or backfill")
	cmd.Flags().IntVar(&limit, "limit", worker.DefaultLimit, "Maximum jobs to select (1-100)")
	cmd.Flags().IntVar(&lookbackDays, "lookback-days", worker.DefaultLookbackDays, "Backfill window in days")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output JSON")
	return cmd
}

func writeSummary(w io.Writer, s worker.Summary) {
	var lookback any = "-"
	if s.LookbackDays != nil {
		lookback = *s.LookbackDays
	}
	writeTable(w, table.Row{"Counter", "Value"},
		table.Row{"Mode", string(s.Mode)},
		table.Row{"Limit", s.Limit},
		table.Row{"Lookback days", lookback},
		table.Row{"Reclaimed", s.Reclaimed},
		table.Row{"Backfill queued", s.BackfillQueued},
		table.Row{"Scanned", s.Scanned},
		table.Row{"Attempted", s.Attempted},
		table.Row{"Ready", s.Ready},
		table.Row{"Retried", s.Retried},
		table.Row{"Failed", s.Failed},
		table.Row{"Skipped", s.Skipped},
		table.Row{"Next retry queued", s.NextRetryQueued},
	)
}

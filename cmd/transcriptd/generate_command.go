package main

import (
	"fmt"
	"time"

	"github.com/cwygoda/transcriptd/internal/producer"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

func newGenerateCommand(ctx *commandContext) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate daily content and queue transcripts",
	}
	cmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output JSON")

	cmd.AddCommand(&cobra.Command{
		Use:   "single <mentor>",
		Short: "Generate today's content for one mentor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd, appOptions{needSync: true}, func(a *app) error {
				res, err := a.producer.GenerateSingle(cmd.Context(), args[0], time.Now())
				if err != nil {
					return err
				}
				batch := producer.Batch{Date: res.PepTalk.ForDate, Results: []producer.Result{res}}
				return printBatch(cmd, batch, jsonOutput)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "daily",
		Short: "Generate today's content for every active mentor",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd, appOptions{needSync: true}, func(a *app) error {
				return printBatch(cmd, a.producer.GenerateDaily(cmd.Context(), time.Now()), jsonOutput)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "tomorrow",
		Short: "Pre-generate tomorrow's content for every active mentor",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd, appOptions{needSync: true}, func(a *app) error {
				return printBatch(cmd, a.producer.GenerateTomorrow(cmd.Context(), time.Now()), jsonOutput)
			})
		},
	})

	return cmd
}

type batchItemJSON struct {
	Mentor     string `json:"mentor"`
	Status     string `json:"status"`
	ID         string `json:"id,omitempty"`
	Title      string `json:"title,omitempty"`
	Transcript string `json:"transcript,omitempty"`
	Error      string `json:"error,omitempty"`
}

type batchJSON struct {
	Date      string          `json:"date"`
	Generated int             `json:"generated"`
	Existing  int             `json:"existing"`
	Skipped   int             `json:"skipped"`
	Errors    int             `json:"errors"`
	Results   []batchItemJSON `json:"results"`
}

func printBatch(cmd *cobra.Command, b producer.Batch, jsonOutput bool) error {
	items := make([]batchItemJSON, 0, len(b.Results))
	for _, r := range b.Results {
		item := batchItemJSON{Mentor: r.Mentor, Status: string(r.Status), Transcript: string(r.Transcript), Error: r.Error}
		if r.PepTalk != nil {
			item.ID = r.PepTalk.ID
			item.Title = r.PepTalk.Title
		}
		items = append(items, item)
	}

	if jsonOutput {
		return writeJSON(cmd, batchJSON{
			Date:      b.Date,
			Generated: b.Count(producer.StatusGenerated),
			Existing:  b.Count(producer.StatusExisting),
			Skipped:   b.Count(producer.StatusSkipped),
			Errors:    b.Count(producer.StatusError),
			Results:   items,
		})
	}

	rows := make([]table.Row, 0, len(items))
	for _, it := range items {
		rows = append(rows, table.Row{it.Mentor, it.Status, it.ID, it.Title, orDash(it.Transcript), it.Error})
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Content date: %s\n", b.Date)
	writeTable(out, table.Row{"Mentor", "Status", "ID", "Title", "Transcript", "Error"}, rows...)
	return nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cwygoda/transcriptd/internal/domain"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

type pepTalkJSON struct {
	ID                string                  `json:"id"`
	MentorSlug        string                  `json:"mentor_slug"`
	ForDate           string                  `json:"for_date"`
	TopicCategory     string                  `json:"topic_category"`
	Intensity         string                  `json:"intensity"`
	EmotionalTriggers []string                `json:"emotional_triggers"`
	Title             string                  `json:"title"`
	AudioURL          string                  `json:"audio_url"`
	TranscriptWords   int                     `json:"transcript_words"`
	CreatedAt         time.Time               `json:"created_at"`
	Status            domain.TranscriptStatus `json:"transcript_status"`
	AttemptCount      int                     `json:"transcript_attempt_count"`
	NextRetryAt       *time.Time              `json:"transcript_next_retry_at"`
	LastAttemptAt     *time.Time              `json:"transcript_last_attempt_at"`
	LastError         string                  `json:"transcript_last_error,omitempty"`
	ReadyAt           *time.Time              `json:"transcript_ready_at"`
}

func newShowCommand(ctx *commandContext) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a content record and its transcript job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd, appOptions{}, func(a *app) error {
				talk, err := a.store.GetPepTalk(cmd.Context(), args[0])
				if errors.Is(err, domain.ErrNotFound) {
					return fmt.Errorf("pep talk %s not found", args[0])
				}
				if err != nil {
					return err
				}

				view := pepTalkJSON{
					ID:                talk.ID,
					MentorSlug:        talk.MentorSlug,
					ForDate:           talk.ForDate,
					TopicCategory:     talk.TopicCategory,
					Intensity:         talk.Intensity,
					EmotionalTriggers: talk.EmotionalTriggers,
					Title:             talk.Title,
					AudioURL:          talk.AudioURL,
					TranscriptWords:   len(talk.Transcript),
					CreatedAt:         talk.CreatedAt,
					Status:            talk.Job.Status,
					AttemptCount:      talk.Job.AttemptCount,
					NextRetryAt:       talk.Job.NextRetryAt,
					LastAttemptAt:     talk.Job.LastAttemptAt,
					LastError:         talk.Job.LastError,
					ReadyAt:           talk.Job.ReadyAt,
				}
				if jsonOutput {
					return writeJSON(cmd, view)
				}

				writeTable(cmd.OutOrStdout(), table.Row{"Field", "Value"},
					table.Row{"ID", view.ID},
					table.Row{"Mentor", view.MentorSlug},
					table.Row{"Date", view.ForDate},
					table.Row{"Topic", view.TopicCategory + " (" + view.Intensity + ")"},
					table.Row{"Triggers", strings.Join(view.EmotionalTriggers, ", ")},
					table.Row{"Title", view.Title},
					table.Row{"Audio", view.AudioURL},
					table.Row{"Transcript", string(view.Status)},
					table.Row{"Attempts", view.AttemptCount},
					table.Row{"Words", view.TranscriptWords},
					table.Row{"Next retry", formatOptionalTime(view.NextRetryAt)},
					table.Row{"Last attempt", formatOptionalTime(view.LastAttemptAt)},
					table.Row{"Ready at", formatOptionalTime(view.ReadyAt)},
					table.Row{"Last error", orDash(view.LastError)},
				)
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output JSON")
	return cmd
}

func newStatsCommand(ctx *commandContext) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Count transcript jobs by status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd, appOptions{}, func(a *app) error {
				counts, err := a.store.Stats(cmd.Context())
				if err != nil {
					return err
				}

				statuses := []domain.TranscriptStatus{domain.StatusPending, domain.StatusProcessing, domain.StatusReady, domain.StatusFailed}
				if jsonOutput {
					out := make(map[string]int, len(statuses))
					for _, s := range statuses {
						out[string(s)] = counts[s]
					}
					return writeJSON(cmd, out)
				}

				rows := make([]table.Row, 0, len(statuses))
				for _, s := range statuses {
					rows = append(rows, table.Row{string(s), counts[s]})
				}
				writeTable(cmd.OutOrStdout(), table.Row{"Status", "Jobs"}, rows...)
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output JSON")
	return cmd
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

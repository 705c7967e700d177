package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/Veraticus/restock/internal/cli"
	"github.com/Veraticus/restock/internal/ingest"
	"github.com/Veraticus/restock/internal/model"
)

func importCmd(opts *rootOptions) *cobra.Command {
	var (
		format string
		source string
		detach bool
	)

	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Import purchases from a CSV or JSONL file",
		Long: `Import a batch of purchases. Each line is normalized, checked against
existing items and either recorded right away or queued for review when
the extractor was unsure. Use "-" to read from stdin.

Interrupted imports keep every line already recorded and can be picked
up with 'restock jobs resume'.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := readPayload(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}
			if format == "" {
				format = inferFormat(args[0])
			}

			ctx := cmd.Context()
			return opts.withApp(ctx, func(a *app) error {
				job, err := a.processor.Submit(ctx, a.actor, ingest.SubmitRequest{
					Source:  model.Source(source),
					Format:  model.InputFormat(format),
					Payload: payload,
				})
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				fmt.Fprintln(out, cli.FormatInfo("Submitted job "+job.ID))
				if detach {
					return nil
				}

				handler := cli.NewInterruptHandler(cmd.ErrOrStderr(), "restock jobs resume")
				runCtx, stop := handler.HandleInterrupts(ctx)
				defer stop()

				updates, unsubscribe := a.processor.Subscribe(job.ID)
				progress := make(chan struct{})
				go func() {
					defer close(progress)
					trackProgress(cmd.ErrOrStderr(), updates)
				}()

				done, err := a.processor.Process(runCtx, job.ID)
				unsubscribe()
				<-progress
				if err != nil {
					if handler.WasInterrupted() {
						return nil
					}
					return err
				}

				if err := printJobSummary(out, done); err != nil {
					return err
				}
				left, err := a.processor.BudgetRemaining(ctx, a.actor.HouseholdID)
				if err != nil {
					slog.Warn("Failed to read import budget", "error", err)
				} else if left >= 0 {
					fmt.Fprintln(out, cli.FormatInfo(fmt.Sprintf("%d lines left in this period's import budget", left)))
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&format, "format", "", "input format: csv or jsonl (default: from file extension)")
	cmd.Flags().StringVar(&source, "source", string(model.SourceCSVImport), "purchase source recorded on imported lines")
	cmd.Flags().BoolVar(&detach, "detach", false, "only submit; process later with 'restock jobs resume'")

	return cmd
}

func readPayload(stdin io.Reader, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(stdin)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return data, nil
}

func inferFormat(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jsonl", ".ndjson", ".json":
		return string(model.FormatJSONL)
	default:
		return string(model.FormatCSV)
	}
}

// trackProgress drives a progress bar from job snapshots until updates is
// closed.
func trackProgress(w io.Writer, updates <-chan model.ParseJob) {
	var bar *progressbar.ProgressBar
	for job := range updates {
		total := job.Progress.TotalLines
		if total == 0 {
			continue
		}
		if bar == nil {
			bar = progressbar.NewOptions(total,
				progressbar.OptionSetWriter(w),
				progressbar.OptionEnableColorCodes(true),
				progressbar.OptionShowCount(),
				progressbar.OptionSetWidth(40),
				progressbar.OptionSetDescription("[cyan][bold]Importing lines...[reset]"),
				progressbar.OptionSetTheme(progressbar.Theme{
					Saucer:        "[green]=[reset]",
					SaucerHead:    "[green]>[reset]",
					SaucerPadding: " ",
					BarStart:      "[",
					BarEnd:        "]",
				}),
			)
		}
		if err := bar.Set(job.Progress.Processed); err != nil {
			slog.Warn("Failed to update progress bar", "error", err)
		}
	}
	if bar != nil {
		_ = bar.Finish()
		fmt.Fprintln(w)
	}
}

func printJobSummary(out io.Writer, job *model.ParseJob) error {
	p := job.Progress
	summary := fmt.Sprintf("  Status: %s\n", job.Status) +
		fmt.Sprintf("  Lines: %d\n", p.TotalLines) +
		fmt.Sprintf("  Recorded: %d\n", p.AutoAccepted) +
		fmt.Sprintf("  Awaiting review: %d\n", p.NeedsReview) +
		fmt.Sprintf("  Failed: %d", p.Failed)
	if job.ErrorMessage != "" {
		summary += "\n  Error: " + job.ErrorMessage
	}
	if job.Status == model.JobQueued && job.QueuedUntil != nil {
		summary += "\n  Budget spent; resumes after " + job.QueuedUntil.Format("15:04")
	}

	if _, err := fmt.Fprintln(out, cli.RenderBox("Import "+job.ID, summary)); err != nil {
		return fmt.Errorf("failed to write summary: %w", err)
	}
	if p.NeedsReview > 0 {
		fmt.Fprintln(out, cli.FormatInfo("Review queued lines with: restock review "+job.ID))
	}
	return nil
}

package main

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/Veraticus/restock/internal/cli"
	"github.com/Veraticus/restock/internal/model"
)

func jobsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and control import jobs",
	}

	cmd.AddCommand(jobsListCmd(opts))
	cmd.AddCommand(jobsStatusCmd(opts))
	cmd.AddCommand(jobsCancelCmd(opts))
	cmd.AddCommand(jobsResumeCmd(opts))

	return cmd
}

func jobsListCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the household's import jobs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			return opts.withApp(ctx, func(a *app) error {
				jobs, err := a.processor.Jobs(ctx, a.actor)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(jobs) == 0 {
					fmt.Fprintln(out, cli.InfoStyle.Render("No import jobs yet."))
					return nil
				}

				t, err := newTable(out, "ID", "Created", "Status", "Lines", "Recorded", "Review", "Failed")
				if err != nil {
					return err
				}
				for _, j := range jobs {
					p := j.Progress
					if err := t.row(j.ID, j.CreatedAt.Format("2006-01-02 15:04"), string(j.Status),
						strconv.Itoa(p.TotalLines), strconv.Itoa(p.AutoAccepted),
						strconv.Itoa(p.NeedsReview), strconv.Itoa(p.Failed)); err != nil {
						return err
					}
				}
				return t.flush()
			})
		},
	}
}

func jobsStatusCmd(opts *rootOptions) *cobra.Command {
	var lines bool

	cmd := &cobra.Command{
		Use:   "status <job>",
		Short: "Show a job's progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return opts.withApp(ctx, func(a *app) error {
				status, err := a.processor.Status(ctx, a.actor, args[0])
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if err := printJobSummary(out, status.Job); err != nil {
					return err
				}

				keys := make([]string, 0, len(status.Counts))
				for s := range status.Counts {
					keys = append(keys, string(s))
				}
				sort.Strings(keys)
				for _, k := range keys {
					fmt.Fprintf(out, "  %s: %d\n", k, status.Counts[model.ParsedItemStatus(k)])
				}

				if !lines {
					return nil
				}
				items, err := a.processor.Lines(ctx, a.actor, args[0])
				if err != nil {
					return err
				}
				t, err := newTable(out, "Line", "Status", "Confidence", "Name", "Reason")
				if err != nil {
					return err
				}
				for _, it := range items {
					name, reason := "", ""
					if it.Extracted != nil {
						name = it.Extracted.Name
					}
					if it.Reason != nil {
						reason = string(it.Reason.Code)
					}
					if err := t.row(strconv.Itoa(it.LineNumber), string(it.Status),
						fmt.Sprintf("%.2f", it.Confidence), name, reason); err != nil {
						return err
					}
				}
				return t.flush()
			})
		},
	}

	cmd.Flags().BoolVar(&lines, "lines", false, "list every line of the job")
	return cmd
}

func jobsCancelCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job>",
		Short: "Cancel an unfinished job",
		Long: `Cancel a job. Lines already recorded stay recorded; the remaining lines
are never processed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return opts.withApp(ctx, func(a *app) error {
				job, err := a.processor.Cancel(ctx, a.actor, args[0])
				if err != nil {
					return err
				}
				if job.Status == model.JobCancelled {
					fmt.Fprintln(cmd.OutOrStdout(), cli.FormatSuccess("Cancelled job "+job.ID))
				} else {
					fmt.Fprintln(cmd.OutOrStdout(), cli.FormatInfo("Cancellation requested for job "+job.ID))
				}
				return nil
			})
		},
	}
}

func jobsResumeCmd(opts *rootOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Process pending, queued and interrupted jobs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			return opts.withApp(ctx, func(a *app) error {
				handler := cli.NewInterruptHandler(cmd.ErrOrStderr(), "restock jobs resume")
				runCtx, stop := handler.HandleInterrupts(ctx)
				defer stop()

				summary, err := a.runner.Resume(runCtx, limit)
				if summary != nil {
					fmt.Fprintf(cmd.OutOrStdout(), "%s processed %d, skipped %d, errors %d\n",
						cli.SuccessIcon, summary.Processed, summary.Skipped, summary.Errors)
				}
				if err != nil && handler.WasInterrupted() {
					return nil
				}
				return err
			})
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 100, "maximum number of jobs to process")
	return cmd
}

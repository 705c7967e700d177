package main

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/Veraticus/restock/internal/cli"
	"github.com/Veraticus/restock/internal/common"
	"github.com/Veraticus/restock/internal/inventory"
	"github.com/Veraticus/restock/internal/model"
)

func reviewCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "review [job]",
		Short: "Review import lines the extractor was unsure about",
		Long: `Walk through queued import lines one at a time. Accepting or editing a
line records its purchase; rejecting or skipping records nothing. Quit at
any time; undecided lines stay queued.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return opts.withApp(ctx, func(a *app) error {
				pending, err := a.processor.PendingReview(ctx, a.actor)
				if err != nil {
					return err
				}
				if len(args) == 1 {
					filtered := pending[:0]
					for _, p := range pending {
						if p.JobID == args[0] {
							filtered = append(filtered, p)
						}
					}
					pending = filtered
				}

				out := cmd.OutOrStdout()
				if len(pending) == 0 {
					fmt.Fprintln(out, cli.FormatSuccess("Nothing to review."))
					return nil
				}

				reviewer := cli.NewReviewer(cmd.InOrStdin(), out)
				reviewer.SetTotal(len(pending))
				defer reviewer.ShowCompletion()

				for _, item := range pending {
					res, err := reviewer.Prompt(ctx, item)
					if errors.Is(err, cli.ErrReviewQuit) {
						return nil
					}
					if err != nil {
						return err
					}

					if _, err := a.processor.Resolve(ctx, a.actor, item.ID, res); err != nil {
						var dup *inventory.DuplicateItemError
						switch {
						case errors.As(err, &dup):
							fmt.Fprintln(out, cli.FormatWarning(fmt.Sprintf(
								"%q is already tracked as %s; edit the name or reject the line", dup.Name, dup.ExistingItemID)))
							continue
						case errors.Is(err, common.ErrAlreadyResolved):
							slog.Info("Line resolved elsewhere", "parsed_item_id", item.ID)
							continue
						case common.IsValidation(err):
							fmt.Fprintln(out, cli.FormatError(err.Error()))
							continue
						}
						return err
					}
					reviewer.Record(res.Decision)
					if res.Decision == model.DecisionAccept || res.Decision == model.DecisionEdit {
						fmt.Fprintln(out, cli.FormatSuccess("Recorded"))
					}
				}
				return nil
			})
		},
	}
}

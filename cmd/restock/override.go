package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Veraticus/restock/internal/cli"
	"github.com/Veraticus/restock/internal/model"
	"github.com/Veraticus/restock/internal/override"
)

func overrideCmd(opts *rootOptions) *cobra.Command {
	var (
		reason string
		note   string
	)

	cmd := &cobra.Command{
		Use:   "override <item> <date>",
		Short: "Correct an item's predicted run-out date",
		Long: `Set the date an item will actually run out. The correction is kept in the
item's history; the learned purchase cycle is unchanged.

Reasons: ran_out_early, still_have_plenty, usage_changed, bought_elsewhere,
other (requires --note).`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			date, err := parseDate(args[1])
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			return opts.withApp(ctx, func(a *app) error {
				item, err := a.resolveItem(ctx, args[0])
				if err != nil {
					return err
				}

				result, err := a.ledger.Apply(ctx, a.actor, item.ID, date, override.Reason{
					Code: model.OverrideReason(reason),
					Text: note,
				})
				if err != nil {
					return err
				}

				fmt.Fprintln(cmd.OutOrStdout(), cli.FormatSuccess(fmt.Sprintf(
					"%s now runs out %s (%+d days)", result.Item.Name,
					formatDate(result.Item.PredictedRunOutDate), result.DaysDifference)))
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "why the prediction was wrong")
	cmd.Flags().StringVar(&note, "note", "", "free-text explanation")
	_ = cmd.MarkFlagRequired("reason")

	return cmd
}

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Veraticus/restock/internal/cli"
	"github.com/Veraticus/restock/internal/inventory"
	"github.com/Veraticus/restock/internal/urgency"
)

func itemsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "items",
		Short: "Manage tracked items",
		Long:  `Add, list, restock and remove the consumables your household tracks.`,
	}

	cmd.AddCommand(itemsAddCmd(opts))
	cmd.AddCommand(itemsListCmd(opts))
	cmd.AddCommand(itemsRestockCmd(opts))
	cmd.AddCommand(itemsDeleteCmd(opts))
	cmd.AddCommand(itemsShowCmd(opts))

	return cmd
}

func itemsAddCmd(opts *rootOptions) *cobra.Command {
	var (
		in        inventory.NewItem
		purchased string
	)

	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Start tracking an item",
		Long: `Start tracking an item. With --purchased the first purchase is recorded
too. With --every the item starts in teach mode and is expected to run out
that many days after each purchase until real history takes over.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in.Name = args[0]
			if purchased != "" {
				date, err := parseDate(purchased)
				if err != nil {
					return err
				}
				in.PurchaseDate = &date
			}

			ctx := cmd.Context()
			return opts.withApp(ctx, func(a *app) error {
				item, err := a.inventory.CreateItem(ctx, a.actor, in)
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				fmt.Fprintln(out, cli.FormatSuccess(fmt.Sprintf("Tracking %s (%s)", item.Name, item.ID)))
				fmt.Fprintln(out, "  "+cli.FormatUrgency(urgency.ForItem(item, a.inventory.Now())))
				return nil
			})
		},
	}

	f := cmd.Flags()
	f.StringVar(&in.Brand, "brand", "", "brand")
	f.StringVar(&in.Category, "category", "", "category")
	f.StringVar(&in.Unit, "unit", "", "unit of one package, e.g. ct, lb")
	f.Float64Var(&in.Quantity, "quantity", 0, "quantity bought")
	f.Float64Var(&in.PackageSize, "package-size", 0, "size of one package")
	f.StringVar(&in.PackageUnit, "package-unit", "", "unit of package size")
	f.Float64Var(&in.Price, "price", 0, "price paid")
	f.StringVar(&purchased, "purchased", "", "date of the first purchase (YYYY-MM-DD)")
	f.IntVar(&in.TeachModeFrequencyDays, "every", 0, "teach mode: expected days between purchases")

	return cmd
}

func itemsListCmd(opts *rootOptions) *cobra.Command {
	var (
		within        int
		lowConfidence bool
		stats         bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List items by urgency",
		Long: `List active items, most urgent first. --within limits the list to items
predicted to run out in the next N days.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			return opts.withApp(ctx, func(a *app) error {
				out := cmd.OutOrStdout()

				if stats {
					s, err := a.inventory.Stats(ctx, a.actor)
					if err != nil {
						return err
					}
					fmt.Fprintln(out, cli.FormatTitle("Inventory"))
					fmt.Fprintf(out, "  Active: %d  Deleted: %d  Teach mode: %d\n", s.Active, s.Deleted, s.TeachMode)
					fmt.Fprintf(out, "  With prediction: %d  Transactions: %d\n", s.WithPrediction, s.TotalTransactions)
					return nil
				}

				if lowConfidence {
					items, err := a.inventory.LowConfidence(ctx, a.actor)
					if err != nil {
						return err
					}
					t, err := newTable(out, "ID", "Name", "Confidence", "Last Purchase")
					if err != nil {
						return err
					}
					for _, item := range items {
						if err := t.row(item.ID, item.Name, string(item.PredictionConfidence), formatDate(item.LastPurchaseDate)); err != nil {
							return err
						}
					}
					return t.flush()
				}

				var (
					entries []urgency.Entry
					err     error
				)
				if within > 0 {
					entries, err = a.inventory.RunningOut(ctx, a.actor, within)
				} else {
					entries, err = a.inventory.List(ctx, a.actor)
				}
				if err != nil {
					return err
				}
				if len(entries) == 0 {
					fmt.Fprintln(out, cli.InfoStyle.Render("No items. Use 'restock items add' to start tracking one."))
					return nil
				}

				t, err := newTable(out, "ID", "Name", "Urgency", "Runs Out", "Confidence")
				if err != nil {
					return err
				}
				for _, e := range entries {
					if err := t.row(
						e.Item.ID,
						e.Item.Name,
						cli.FormatUrgency(e.Urgency),
						formatDate(e.Item.PredictedRunOutDate),
						string(e.Item.PredictionConfidence),
					); err != nil {
						return err
					}
				}
				return t.flush()
			})
		},
	}

	cmd.Flags().IntVar(&within, "within", 0, "only items running out within this many days")
	cmd.Flags().BoolVar(&lowConfidence, "low-confidence", false, "only items with little purchase history")
	cmd.Flags().BoolVar(&stats, "stats", false, "show inventory totals instead")

	return cmd
}

func itemsRestockCmd(opts *rootOptions) *cobra.Command {
	var (
		date     string
		quantity float64
		price    float64
	)

	cmd := &cobra.Command{
		Use:   "restock <item>",
		Short: "Record a purchase",
		Long: `Record that an item was bought. Without flags this is a quick restock of
today's date and the last purchase's quantity.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return opts.withApp(ctx, func(a *app) error {
				item, err := a.resolveItem(ctx, args[0])
				if err != nil {
					return err
				}

				var result *inventory.PurchaseResult
				if date == "" && quantity == 0 && price == 0 {
					result, err = a.inventory.QuickRestock(ctx, a.actor, item.ID)
				} else {
					p := inventory.Purchase{Date: a.inventory.Now(), Quantity: quantity, Price: price}
					if date != "" {
						if p.Date, err = parseDate(date); err != nil {
							return err
						}
					}
					result, err = a.inventory.RecordPurchase(ctx, a.actor, item.ID, p)
				}
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				fmt.Fprintln(out, cli.FormatSuccess("Restocked "+result.Item.Name))
				fmt.Fprintf(out, "  Next run-out: %s (%s confidence)\n",
					formatDate(result.Item.PredictedRunOutDate), result.Item.PredictionConfidence)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&date, "date", "", "purchase date (YYYY-MM-DD, default today)")
	cmd.Flags().Float64Var(&quantity, "quantity", 0, "quantity bought")
	cmd.Flags().Float64Var(&price, "price", 0, "price paid")

	return cmd
}

func itemsDeleteCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <item>",
		Short: "Stop tracking an item",
		Long:  `Stop tracking an item. Its purchase history is kept.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return opts.withApp(ctx, func(a *app) error {
				item, err := a.resolveItem(ctx, args[0])
				if err != nil {
					return err
				}
				if err := a.inventory.Delete(ctx, a.actor, item.ID); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), cli.FormatSuccess("Deleted "+item.Name))
				return nil
			})
		},
	}
}

func itemsShowCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <item>",
		Short: "Show an item with its history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return opts.withApp(ctx, func(a *app) error {
				item, err := a.resolveItem(ctx, args[0])
				if err != nil {
					return err
				}
				detail, err := a.inventory.Show(ctx, a.actor, item.ID)
				if err != nil {
					return err
				}
				overrides, err := a.ledger.History(ctx, a.actor, item.ID)
				if err != nil {
					return err
				}

				it := detail.Item
				summary := fmt.Sprintf("  ID: %s\n", it.ID) +
					fmt.Sprintf("  Urgency: %s\n", cli.FormatUrgency(detail.Urgency)) +
					fmt.Sprintf("  Runs out: %s\n", formatDate(it.PredictedRunOutDate)) +
					fmt.Sprintf("  Confidence: %s\n", it.PredictionConfidence) +
					fmt.Sprintf("  Every: %.1f days\n", it.AvgFrequencyDays) +
					fmt.Sprintf("  Last purchase: %s", formatDate(it.LastPurchaseDate))
				if it.TeachMode {
					summary += fmt.Sprintf("\n  Teach mode: every %d days", it.TeachModeFrequencyDays)
				}

				out := cmd.OutOrStdout()
				fmt.Fprintln(out, cli.RenderBox(it.Name, summary))

				if len(detail.Transactions) > 0 {
					fmt.Fprintln(out, cli.FormatTitle("Purchases"))
					t, err := newTable(out, "Date", "Quantity", "Price", "Source")
					if err != nil {
						return err
					}
					for _, txn := range detail.Transactions {
						if err := t.row(txn.Date.Format(dateLayout), formatQuantity(txn.Quantity, it.Unit),
							fmt.Sprintf("$%.2f", txn.Price), string(txn.Source)); err != nil {
							return err
						}
					}
					if err := t.flush(); err != nil {
						return err
					}
				}

				if len(overrides) > 0 {
					fmt.Fprintln(out, cli.FormatTitle("Corrections"))
					t, err := newTable(out, "Applied", "New Date", "Change", "Reason")
					if err != nil {
						return err
					}
					for _, o := range overrides {
						reason := string(o.Reason)
						if o.ReasonText != "" {
							reason += ": " + o.ReasonText
						}
						if err := t.row(o.AppliedAt.Format(dateLayout), o.NewPredictedDate.Format(dateLayout),
							fmt.Sprintf("%+d days", o.DaysDifference), reason); err != nil {
							return err
						}
					}
					return t.flush()
				}
				return nil
			})
		},
	}
}

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Veraticus/restock/internal/cli"
)

func cacheCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the normalization cache",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "purge",
		Short: "Delete expired normalization cache entries",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			return opts.withApp(ctx, func(a *app) error {
				n, err := a.cache.Purge(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), cli.FormatSuccess(fmt.Sprintf("Purged %d expired entries", n)))
				return nil
			})
		},
	})

	return cmd
}

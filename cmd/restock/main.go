package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Veraticus/restock/internal/common"
	"github.com/Veraticus/restock/internal/config"
)

var version = "dev"

// rootOptions carries state shared by every subcommand.
type rootOptions struct {
	v       *viper.Viper
	cfg     *config.Config
	cfgFile string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{v: config.New()}

	rootCmd := &cobra.Command{
		Use:   "restock",
		Short: "🛒 Household consumables tracker",
		Long: `restock tracks what your household buys, learns how fast each item is used,
and tells you what is about to run out.

Purchases can be recorded by hand or imported in bulk from CSV or JSONL
files; uncertain import lines wait for your review.`,
		SilenceUsage:      true,
		PersistentPreRunE: opts.initConfig,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&opts.cfgFile, "config", "", "config file (default: $HOME/.config/restock/config.yaml)")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	flags.String("log-format", "", "log format (console, json)")
	flags.String("household", "", "household to act on")
	flags.String("user", "", "user recorded on changes")
	flags.String("db", "", "database path")

	_ = opts.v.BindPFlag("logging.level", flags.Lookup("log-level"))
	_ = opts.v.BindPFlag("logging.format", flags.Lookup("log-format"))
	_ = opts.v.BindPFlag("household", flags.Lookup("household"))
	_ = opts.v.BindPFlag("user", flags.Lookup("user"))
	_ = opts.v.BindPFlag("database.path", flags.Lookup("db"))

	rootCmd.AddCommand(itemsCmd(opts))
	rootCmd.AddCommand(importCmd(opts))
	rootCmd.AddCommand(jobsCmd(opts))
	rootCmd.AddCommand(reviewCmd(opts))
	rootCmd.AddCommand(overrideCmd(opts))
	rootCmd.AddCommand(cacheCmd(opts))
	rootCmd.AddCommand(migrateCmd(opts))
	rootCmd.AddCommand(versionCmd())

	return rootCmd
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		slog.Info("Received interrupt signal, shutting down gracefully...")
		cancel()
	}()

	err := newRootCmd().ExecuteContext(ctx)
	cancel()

	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func (o *rootOptions) initConfig(cmd *cobra.Command, _ []string) error {
	if err := config.ReadFile(o.v, o.cfgFile); err != nil {
		return err
	}

	cfg, err := config.Load(o.v)
	if err != nil {
		return err
	}

	level, err := common.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}
	if err := common.SetupLoggerWithWriter(cmd.ErrOrStderr(), level, cfg.Logging.Format); err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}

	o.cfg = cfg
	return nil
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "restock %s\n", version)
		},
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/Veraticus/restock/internal/common"
	"github.com/Veraticus/restock/internal/ingest"
	"github.com/Veraticus/restock/internal/inventory"
	"github.com/Veraticus/restock/internal/model"
	"github.com/Veraticus/restock/internal/normalize"
	"github.com/Veraticus/restock/internal/override"
	"github.com/Veraticus/restock/internal/prediction"
	"github.com/Veraticus/restock/internal/service"
	"github.com/Veraticus/restock/internal/storage"
)

// app is the fully wired set of services a command works with.
type app struct {
	store     *storage.SQLiteStorage
	inventory *inventory.Service
	processor *ingest.Processor
	runner    *ingest.Runner
	ledger    *override.Ledger
	cache     *normalize.Cache
	actor     service.Actor
}

// open migrates the configured database and wires the services on it.
func (o *rootOptions) open(ctx context.Context) (*app, error) {
	cfg := o.cfg

	store, err := storage.NewSQLiteStorage(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	retry := cfg.Retry.Options()
	inv := inventory.NewService(store, prediction.NewEngine(cfg.Prediction), inventory.WithRetryOptions(retry))
	cache := normalize.NewCache(store, normalize.WithTTL(cfg.Cache.TTL))
	processor := ingest.NewProcessor(store, inv,
		ingest.WithConfig(cfg.Ingest),
		ingest.WithCache(cache),
		ingest.WithNotifier(ingest.NewNotifier(16)),
		ingest.WithRetryOptions(retry),
	)

	user := cfg.User
	if user == "" {
		user = os.Getenv("USER")
	}
	if user == "" {
		user = "cli"
	}

	return &app{
		store:     store,
		inventory: inv,
		processor: processor,
		runner:    ingest.NewRunner(processor, cfg.Ingest.Workers),
		ledger:    override.NewLedger(store, override.WithRetryOptions(retry)),
		cache:     cache,
		actor:     service.Actor{HouseholdID: cfg.Household, UserID: user},
	}, nil
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		slog.Error("failed to close storage", "error", err)
	}
}

// withApp opens the app for the duration of fn.
func (o *rootOptions) withApp(ctx context.Context, fn func(*app) error) error {
	a, err := o.open(ctx)
	if err != nil {
		return err
	}
	defer a.close()
	return fn(a)
}

// resolveItem accepts either an item ID or an active item's name.
func (a *app) resolveItem(ctx context.Context, ref string) (*model.Item, error) {
	item, err := a.store.GetItem(ctx, a.actor.HouseholdID, ref)
	if err == nil {
		return item, nil
	}
	if !errors.Is(err, common.ErrNotFound) {
		return nil, err
	}

	item, err = a.store.FindActiveItemByName(ctx, a.actor.HouseholdID, ref)
	if errors.Is(err, common.ErrNotFound) {
		return nil, &common.UserError{Err: err, UserMessage: fmt.Sprintf("no item %q", strings.TrimSpace(ref))}
	}
	return item, err
}

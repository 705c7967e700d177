// Package inventory manages the lifecycle of household items: creation,
// purchases, prediction recomputation and soft deletion.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Veraticus/restock/internal/common"
	"github.com/Veraticus/restock/internal/dedup"
	"github.com/Veraticus/restock/internal/model"
	"github.com/Veraticus/restock/internal/prediction"
	"github.com/Veraticus/restock/internal/service"
)

// MaxTeachModeFrequencyDays bounds a declared purchase frequency.
const MaxTeachModeFrequencyDays = 730

// DuplicateItemError reports that a name is already taken in a household.
type DuplicateItemError struct {
	Name           string
	ExistingItemID string
}

func (e *DuplicateItemError) Error() string {
	return fmt.Sprintf("item %q already exists as %s", e.Name, e.ExistingItemID)
}

// Unwrap lets errors.Is match common.ErrDuplicateEntry.
func (e *DuplicateItemError) Unwrap() error {
	return common.ErrDuplicateEntry
}

// NewItem describes an item to create. PurchaseDate, when set, records the
// first purchase along with the item.
type NewItem struct {
	PurchaseDate           *time.Time
	Name                   string
	Brand                  string
	Category               string
	Unit                   string
	PackageUnit            string
	Quantity               float64
	PackageSize            float64
	Price                  float64
	TeachModeFrequencyDays int
}

// Purchase is one purchase to record against an existing item. An empty ID
// gets a random one; ingestion passes a deterministic per-line ID instead.
type Purchase struct {
	Date         time.Time
	ID           string
	Source       model.Source
	RawText      string
	ParseJobID   string
	Quantity     float64
	Price        float64
	Confidence   float64
	LineNumber   int
	QuickRestock bool
}

// PurchaseResult is the outcome of recording a purchase. Created is false
// when the transaction already existed, in which case nothing changed.
type PurchaseResult struct {
	Item        *model.Item
	Transaction *model.Transaction
	Created     bool
}

// Service implements the item lifecycle over a Storage.
type Service struct {
	store   service.Storage
	engine  *prediction.Engine
	matcher *dedup.Matcher
	now     func() time.Time
	newID   func() string
	logger  *slog.Logger
	retry   service.RetryOptions
}

// Option configures a Service.
type Option func(*Service)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithRetryOptions sets the version-conflict retry policy.
func WithRetryOptions(opts service.RetryOptions) Option {
	return func(s *Service) { s.retry = opts }
}

// WithIDGenerator replaces the uuid-based ID generator.
func WithIDGenerator(newID func() string) Option {
	return func(s *Service) { s.newID = newID }
}

// NewService creates an inventory service.
func NewService(store service.Storage, engine *prediction.Engine, opts ...Option) *Service {
	s := &Service{
		store:   store,
		engine:  engine,
		matcher: dedup.NewMatcher(store),
		now:     time.Now,
		newID:   func() string { return uuid.NewString() },
		logger:  slog.Default(),
		retry:   service.RetryOptions{MaxAttempts: 5},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Now returns the service clock's reading.
func (s *Service) Now() time.Time {
	return s.now()
}

// Engine returns the prediction engine used for recomputation.
func (s *Service) Engine() *prediction.Engine {
	return s.engine
}

// CreateItem adds an item to the actor's household after a duplicate check.
// A positive TeachModeFrequencyDays creates a teach-mode item.
func (s *Service) CreateItem(ctx context.Context, actor service.Actor, in NewItem) (*model.Item, error) {
	if err := validateActor(actor); err != nil {
		return nil, err
	}
	if err := validateNewItem(in); err != nil {
		return nil, err
	}

	match, err := s.matcher.FindDuplicate(ctx, actor.HouseholdID, in.Name)
	if err != nil {
		return nil, err
	}
	if match.Found {
		return nil, &DuplicateItemError{Name: in.Name, ExistingItemID: match.ItemID}
	}

	var first *Purchase
	if in.PurchaseDate != nil {
		source := model.SourceManual
		if in.TeachModeFrequencyDays > 0 {
			source = model.SourceTeachMode
		}
		first = &Purchase{
			Date:       *in.PurchaseDate,
			Source:     source,
			Quantity:   positiveOr(in.Quantity, 1),
			Price:      in.Price,
			Confidence: 1,
		}
	}

	var result *PurchaseResult
	err = service.WithTx(ctx, s.store, func(tx service.Storage) error {
		var err error
		result, err = s.AddItem(ctx, tx, actor.HouseholdID, in, first)
		return err
	})
	if err != nil {
		return nil, err
	}

	item := result.Item
	s.logger.InfoContext(ctx, "Created item",
		"household_id", item.HouseholdID,
		"item_id", item.ID,
		"name", item.Name,
		"teach_mode", item.TeachMode,
		"confidence", item.PredictionConfidence)

	return item, nil
}

// AddItem creates an item using st, normally an open transaction, and
// applies first to it when set. The name is re-checked against st so a
// concurrent create cannot slip past an earlier duplicate check.
func (s *Service) AddItem(ctx context.Context, st service.Storage, householdID string, in NewItem, first *Purchase) (*PurchaseResult, error) {
	if err := validateNewItem(in); err != nil {
		return nil, err
	}

	existing, err := st.FindActiveItemByName(ctx, householdID, in.Name)
	switch {
	case err == nil:
		return nil, &DuplicateItemError{Name: in.Name, ExistingItemID: existing.ID}
	case !errors.Is(err, common.ErrNotFound):
		return nil, err
	}

	now := s.now().UTC()
	item := &model.Item{
		ID:                     s.newID(),
		HouseholdID:            householdID,
		Name:                   model.CanonicalName(in.Name),
		CanonicalName:          model.CanonicalName(in.Name),
		Brand:                  strings.TrimSpace(in.Brand),
		Category:               strings.TrimSpace(in.Category),
		Unit:                   in.Unit,
		PackageUnit:            in.PackageUnit,
		Quantity:               in.Quantity,
		PackageSize:            in.PackageSize,
		TeachMode:              in.TeachModeFrequencyDays > 0,
		TeachModeFrequencyDays: in.TeachModeFrequencyDays,
		CreatedAt:              now,
	}
	prediction.Apply(item, s.engine.Predict(prediction.InputFor(item, nil), now))

	if err := st.CreateItem(ctx, item); err != nil {
		return nil, err
	}
	if first == nil {
		return &PurchaseResult{Item: item}, nil
	}
	return s.ApplyPurchase(ctx, st, householdID, item.ID, *first)
}

// RecordPurchase appends a purchase to an item and recomputes its
// prediction in one database transaction, retrying on version conflicts.
func (s *Service) RecordPurchase(ctx context.Context, actor service.Actor, itemID string, p Purchase) (*PurchaseResult, error) {
	if err := validateActor(actor); err != nil {
		return nil, err
	}
	if p.ID == "" {
		// Fixed before the retry loop so every attempt writes the same row.
		p.ID = s.newID()
	}

	var result *PurchaseResult
	err := common.WithRetry(ctx, func() error {
		return service.WithTx(ctx, s.store, func(tx service.Storage) error {
			var err error
			result, err = s.ApplyPurchase(ctx, tx, actor.HouseholdID, itemID, p)
			return err
		})
	}, s.retry)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// QuickRestock records a purchase of the item's usual quantity today.
func (s *Service) QuickRestock(ctx context.Context, actor service.Actor, itemID string) (*PurchaseResult, error) {
	item, err := s.store.GetItem(ctx, actor.HouseholdID, itemID)
	if err != nil {
		return nil, err
	}
	return s.RecordPurchase(ctx, actor, itemID, Purchase{
		Date:         s.now().UTC(),
		Source:       model.SourceQuickRestock,
		Quantity:     positiveOr(item.Quantity, 1),
		Price:        item.LastPurchasePrice,
		Confidence:   1,
		QuickRestock: true,
	})
}

// ApplyPurchase records p against an item using st, which is normally an
// open transaction. It creates the transaction, updates purchase facts and
// recomputes the prediction exactly once. If the transaction ID already
// exists nothing is written and Created is false.
func (s *Service) ApplyPurchase(ctx context.Context, st service.Storage, householdID, itemID string, p Purchase) (*PurchaseResult, error) {
	if err := validatePurchase(p); err != nil {
		return nil, err
	}
	if p.ID == "" {
		p.ID = s.newID()
	}

	item, err := st.GetItem(ctx, householdID, itemID)
	if err != nil {
		return nil, err
	}

	txn := &model.Transaction{
		ID:           p.ID,
		ItemID:       item.ID,
		HouseholdID:  householdID,
		Date:         p.Date.UTC(),
		Quantity:     positiveOr(p.Quantity, 1),
		Price:        p.Price,
		Source:       p.Source,
		RawText:      p.RawText,
		Confidence:   p.Confidence,
		QuickRestock: p.QuickRestock,
		ParseJobID:   p.ParseJobID,
		LineNumber:   p.LineNumber,
	}

	created, err := st.CreateTransaction(ctx, txn)
	if err != nil {
		return nil, err
	}
	if !created {
		return &PurchaseResult{Item: item, Transaction: txn}, nil
	}

	applyPurchaseFacts(item, txn)
	if err := s.recompute(ctx, st, item); err != nil {
		return nil, err
	}

	return &PurchaseResult{Item: item, Transaction: txn, Created: true}, nil
}

func (s *Service) recompute(ctx context.Context, st service.Storage, item *model.Item) error {
	txns, err := st.ListTransactionsByItem(ctx, item.HouseholdID, item.ID)
	if err != nil {
		return err
	}

	result := s.engine.Predict(prediction.InputFor(item, txns), s.now())
	prediction.Apply(item, result)

	if err := st.UpdateItem(ctx, item); err != nil {
		return err
	}

	s.logger.DebugContext(ctx, "Recomputed prediction",
		"item_id", item.ID,
		"purchases", len(txns),
		"confidence", result.Confidence,
		"avg_frequency_days", result.AvgFrequencyDays)
	return nil
}

// Delete tombstones an item. Its transactions are kept.
func (s *Service) Delete(ctx context.Context, actor service.Actor, itemID string) error {
	if err := validateActor(actor); err != nil {
		return err
	}
	if err := s.store.SoftDeleteItem(ctx, actor.HouseholdID, itemID, s.now()); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "Deleted item",
		"household_id", actor.HouseholdID,
		"item_id", itemID,
		"user_id", actor.UserID)
	return nil
}

// applyPurchaseFacts folds a purchase into the item's last-purchase fields
// and price history. Older purchases never move the last-purchase date back.
func applyPurchaseFacts(item *model.Item, txn *model.Transaction) {
	if item.LastPurchaseDate == nil || !txn.Date.Before(*item.LastPurchaseDate) {
		d := txn.Date
		item.LastPurchaseDate = &d
		if txn.Price > 0 {
			item.LastPurchasePrice = txn.Price
		}
		item.Quantity = txn.Quantity
	}
	if txn.Price > 0 {
		item.AddPrice(model.PricePoint{Date: txn.Date, Price: txn.Price})
	}
}

func positiveOr(v, fallback float64) float64 {
	if v > 0 {
		return v
	}
	return fallback
}

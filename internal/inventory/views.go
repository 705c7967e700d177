package inventory

import (
	"context"
	"errors"

	"github.com/Veraticus/restock/internal/common"
	"github.com/Veraticus/restock/internal/model"
	"github.com/Veraticus/restock/internal/service"
	"github.com/Veraticus/restock/internal/urgency"
)

// ItemDetail is an item with its purchase history and current urgency.
type ItemDetail struct {
	Item         *model.Item
	Latest       *model.Transaction
	Transactions []model.Transaction
	Urgency      urgency.Urgency
}

// Show returns one item in detail.
func (s *Service) Show(ctx context.Context, actor service.Actor, itemID string) (*ItemDetail, error) {
	item, err := s.store.GetItem(ctx, actor.HouseholdID, itemID)
	if err != nil {
		return nil, err
	}

	txns, err := s.store.ListTransactionsByItem(ctx, actor.HouseholdID, itemID)
	if err != nil {
		return nil, err
	}

	detail := &ItemDetail{
		Item:         item,
		Transactions: txns,
		Urgency:      urgency.ForItem(item, s.now()),
	}

	latest, err := s.store.GetLatestTransactionByItem(ctx, actor.HouseholdID, itemID)
	switch {
	case err == nil:
		detail.Latest = latest
	case !errors.Is(err, common.ErrNotFound):
		return nil, err
	}

	return detail, nil
}

// List returns the household's active items in urgency order.
func (s *Service) List(ctx context.Context, actor service.Actor) ([]urgency.Entry, error) {
	items, err := s.store.ListItems(ctx, actor.HouseholdID)
	if err != nil {
		return nil, err
	}
	return urgency.Evaluate(items, s.now()), nil
}

// RunningOut returns items predicted to run out within days, in urgency order.
func (s *Service) RunningOut(ctx context.Context, actor service.Actor, days int) ([]urgency.Entry, error) {
	items, err := s.store.ListItemsRunningOutWithin(ctx, actor.HouseholdID, s.now(), days)
	if err != nil {
		return nil, err
	}
	return urgency.Evaluate(items, s.now()), nil
}

// LowConfidence returns items whose prediction is Low or None.
func (s *Service) LowConfidence(ctx context.Context, actor service.Actor) ([]model.Item, error) {
	return s.store.ListLowConfidenceItems(ctx, actor.HouseholdID)
}

// Stats aggregates the household's inventory.
func (s *Service) Stats(ctx context.Context, actor service.Actor) (*model.ItemStats, error) {
	return s.store.GetItemStats(ctx, actor.HouseholdID)
}

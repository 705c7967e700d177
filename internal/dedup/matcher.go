// Package dedup detects whether a proposed item already exists in a
// household's inventory.
package dedup

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/Veraticus/restock/internal/common"
	"github.com/Veraticus/restock/internal/model"
)

// Finder looks up an active item by name. Implementations compare on
// model.CanonicalKey and return common.ErrNotFound when nothing matches.
type Finder interface {
	FindActiveItemByName(ctx context.Context, householdID, name string) (*model.Item, error)
}

// Match is the outcome of a duplicate check.
type Match struct {
	Item   *model.Item
	ItemID string
	Found  bool
}

// Matcher checks candidate names against a household's active items using
// exact, case and whitespace insensitive equality.
type Matcher struct {
	finder Finder
	logger *slog.Logger
}

// NewMatcher creates a matcher over finder.
func NewMatcher(finder Finder) *Matcher {
	return &Matcher{finder: finder, logger: slog.Default()}
}

// FindDuplicate reports whether an active item named name exists in the
// household. A failing lookup is logged and reported as no duplicate.
func (m *Matcher) FindDuplicate(ctx context.Context, householdID, name string) (Match, error) {
	if strings.TrimSpace(householdID) == "" {
		return Match{}, common.NewValidationError("householdID", "required")
	}
	canonical := model.CanonicalName(name)
	if canonical == "" {
		return Match{}, common.NewValidationError("name", "required")
	}

	item, err := m.finder.FindActiveItemByName(ctx, householdID, canonical)
	switch {
	case err == nil:
		return Match{Found: true, ItemID: item.ID, Item: item}, nil
	case errors.Is(err, common.ErrNotFound):
		return Match{}, nil
	default:
		m.logger.WarnContext(ctx, "Duplicate check failed, continuing without it",
			"household_id", householdID,
			"name", canonical,
			"error", err)
		return Match{}, nil
	}
}

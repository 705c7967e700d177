package inventory

import (
	"fmt"
	"strings"

	"github.com/Veraticus/restock/internal/common"
	"github.com/Veraticus/restock/internal/service"
)

func validateActor(actor service.Actor) error {
	if strings.TrimSpace(actor.HouseholdID) == "" {
		return common.NewValidationError("household", "required")
	}
	return nil
}

func validateNewItem(in NewItem) error {
	if strings.TrimSpace(in.Name) == "" {
		return common.NewValidationError("name", "required")
	}
	if in.Quantity < 0 {
		return common.NewValidationError("quantity", "must not be negative")
	}
	if in.PackageSize < 0 {
		return common.NewValidationError("package_size", "must not be negative")
	}
	if in.Price < 0 {
		return common.NewValidationError("price", "must not be negative")
	}
	if in.TeachModeFrequencyDays < 0 || in.TeachModeFrequencyDays > MaxTeachModeFrequencyDays {
		return common.NewValidationError("frequency_days",
			fmt.Sprintf("must be between 0 and %d", MaxTeachModeFrequencyDays))
	}
	if in.PurchaseDate != nil && in.PurchaseDate.IsZero() {
		return common.NewValidationError("purchase_date", "must be set")
	}
	return nil
}

func validatePurchase(p Purchase) error {
	if p.Date.IsZero() {
		return common.NewValidationError("date", "required")
	}
	if p.Quantity < 0 {
		return common.NewValidationError("quantity", "must not be negative")
	}
	if p.Price < 0 {
		return common.NewValidationError("price", "must not be negative")
	}
	if !p.Source.IsValid() {
		return common.NewValidationError("source", fmt.Sprintf("unknown source %q", p.Source))
	}
	if p.Confidence < 0 || p.Confidence > 1 {
		return common.NewValidationError("confidence", "must be between 0 and 1")
	}
	return nil
}

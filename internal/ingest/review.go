package ingest

import (
	"context"
	"fmt"
	"strings"

	"github.com/Veraticus/restock/internal/common"
	"github.com/Veraticus/restock/internal/inventory"
	"github.com/Veraticus/restock/internal/model"
	"github.com/Veraticus/restock/internal/service"
)

// Resolution is a human decision on a queued line. Edits applies to
// DecisionEdit only; its non-zero fields replace the extracted ones.
type Resolution struct {
	Edits    *model.ExtractedFields
	Decision model.ReviewDecision
}

// ReviewResult is the outcome of a resolution. Item and Transaction are set
// for accepted lines only.
type ReviewResult struct {
	Parsed      *model.ParsedItem
	Item        *model.Item
	Transaction *model.Transaction
}

// PendingReview lists the household's lines awaiting a decision, oldest
// first.
func (p *Processor) PendingReview(ctx context.Context, actor service.Actor) ([]model.ParsedItem, error) {
	return p.store.ListPendingReview(ctx, actor.HouseholdID)
}

// Resolve applies a decision to a queued line. Accept and edit record
// exactly one transaction; reject and skip record none. Each resolution is
// its own database transaction and the parent job is not reopened. A line
// that was already resolved yields common.ErrAlreadyResolved.
func (p *Processor) Resolve(ctx context.Context, actor service.Actor, parsedItemID string, res Resolution) (*ReviewResult, error) {
	if strings.TrimSpace(actor.HouseholdID) == "" {
		return nil, common.NewValidationError("household", "required")
	}
	if !res.Decision.IsValid() {
		return nil, common.NewValidationError("decision", fmt.Sprintf("unknown decision %q", res.Decision))
	}
	if res.Decision == model.DecisionEdit && res.Edits == nil {
		return nil, common.NewValidationError("edits", "required for edit")
	}

	parsed, err := p.store.GetParsedItem(ctx, parsedItemID)
	if err != nil {
		return nil, err
	}
	if parsed.HouseholdID != actor.HouseholdID {
		return nil, fmt.Errorf("parsed item %s: %w", parsedItemID, common.ErrNotFound)
	}
	if parsed.Status != model.ParsedPendingReview {
		return nil, fmt.Errorf("parsed item %s is %s: %w", parsed.ID, parsed.Status, common.ErrAlreadyResolved)
	}

	resolved := *parsed
	resolvedAt := p.now().UTC()
	resolved.UserReviewed = true
	resolved.ResolvedAt = &resolvedAt
	resolved.ResolvedBy = actor.UserID

	var promote func(service.Storage) (*inventory.PurchaseResult, error)
	switch res.Decision {
	case model.DecisionReject:
		resolved.Status = model.ParsedRejected
		resolved.Reason = &model.LineReason{Code: model.ReasonRejectedByUser}
	case model.DecisionSkip:
		resolved.Status = model.ParsedSkipped
		resolved.Reason = &model.LineReason{Code: model.ReasonSkippedByUser}
	default:
		promote, err = p.preparePromotion(ctx, actor, &resolved, res)
		if err != nil {
			return nil, err
		}
	}

	result := &ReviewResult{Parsed: &resolved}
	err = common.WithRetry(ctx, func() error {
		return service.WithTx(ctx, p.store, func(tx service.Storage) error {
			if promote != nil {
				promoted, err := promote(tx)
				if err != nil {
					return err
				}
				result.Item = promoted.Item
				result.Transaction = promoted.Transaction
			}
			return tx.ResolveParsedItem(ctx, &resolved, model.ParsedPendingReview)
		})
	}, p.retry)
	if err != nil {
		return nil, err
	}

	p.logger.InfoContext(ctx, "Resolved review item",
		"parsed_item_id", resolved.ID,
		"job_id", resolved.JobID,
		"line", resolved.LineNumber,
		"decision", res.Decision,
		"user_id", actor.UserID,
		"item_id", resolved.ItemID)
	return result, nil
}

// preparePromotion settles the fields of a line being accepted and checks
// for duplicates before any transaction is opened.
func (p *Processor) preparePromotion(ctx context.Context, actor service.Actor, resolved *model.ParsedItem, res Resolution) (func(service.Storage) (*inventory.PurchaseResult, error), error) {
	fields := &model.ExtractedFields{}
	if resolved.Extracted != nil {
		*fields = *resolved.Extracted
	}
	if res.Decision == model.DecisionEdit {
		applyEdits(fields, res.Edits)
	}

	normalized, err := p.normalizer.Normalize(ctx, normalizeRequest(actor.HouseholdID, resolved.RawText, fields))
	if err != nil {
		return nil, err
	}
	fields = mergeNormalized(fields, normalized)

	if fields.TargetItemID == "" {
		match, err := p.matcher.FindDuplicate(ctx, actor.HouseholdID, fields.Name)
		if err != nil {
			return nil, err
		}
		if match.Found {
			return nil, &inventory.DuplicateItemError{Name: fields.Name, ExistingItemID: match.ItemID}
		}
	}

	job, err := p.store.GetParseJob(ctx, resolved.JobID)
	if err != nil {
		return nil, err
	}

	resolved.Status = model.ParsedAccepted
	resolved.Extracted = fields
	purchase := inventory.Purchase{
		ID:         model.LineTransactionID(resolved.JobID, resolved.LineNumber),
		Date:       purchaseDateOr(fields, job.CreatedAt),
		Source:     model.SourceReview,
		RawText:    resolved.RawText,
		ParseJobID: resolved.JobID,
		LineNumber: resolved.LineNumber,
		Quantity:   fields.Quantity,
		Price:      fields.Price,
		Confidence: resolved.Confidence,
	}

	return func(tx service.Storage) (*inventory.PurchaseResult, error) {
		return p.promote(ctx, tx, actor.HouseholdID, resolved, purchase)
	}, nil
}

func applyEdits(fields, edits *model.ExtractedFields) {
	if edits == nil {
		return
	}
	if edits.Name != "" {
		fields.Name = edits.Name
	}
	if edits.Brand != "" {
		fields.Brand = edits.Brand
	}
	if edits.Category != "" {
		fields.Category = edits.Category
	}
	if edits.Unit != "" {
		fields.Unit = edits.Unit
	}
	if edits.PackageUnit != "" {
		fields.PackageUnit = edits.PackageUnit
	}
	if edits.Vendor != "" {
		fields.Vendor = edits.Vendor
	}
	if edits.TargetItemID != "" {
		fields.TargetItemID = edits.TargetItemID
	}
	if edits.Quantity > 0 {
		fields.Quantity = edits.Quantity
	}
	if edits.PackageSize > 0 {
		fields.PackageSize = edits.PackageSize
	}
	if edits.Price > 0 {
		fields.Price = edits.Price
	}
	if edits.PurchaseDate != nil {
		fields.PurchaseDate = edits.PurchaseDate
	}
}

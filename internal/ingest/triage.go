package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Veraticus/restock/internal/common"
	"github.com/Veraticus/restock/internal/inventory"
	"github.com/Veraticus/restock/internal/model"
	"github.com/Veraticus/restock/internal/normalize"
	"github.com/Veraticus/restock/internal/service"
)

// processLine triages one line and commits the outcome together with the
// job's counters. An accepted line also writes its item and transaction in
// the same database transaction.
func (p *Processor) processLine(ctx context.Context, job *model.ParseJob, line Line) error {
	parsed := &model.ParsedItem{
		ID:          p.newID(),
		JobID:       job.ID,
		HouseholdID: job.HouseholdID,
		LineNumber:  line.Number,
		RawText:     line.RawText,
		Extracted:   line.Extracted,
		Confidence:  line.Confidence,
		CreatedAt:   p.now().UTC(),
	}
	cacheHit := p.triage(ctx, job.HouseholdID, line, parsed)

	p.logger.DebugContext(ctx, "Triaged line",
		"job_id", job.ID,
		"line", line.Number,
		"status", parsed.Status,
		"confidence", line.Confidence,
		"cache_hit", cacheHit,
		"reason", reasonCode(parsed.Reason))

	if parsed.Status != model.ParsedAccepted {
		return p.commitLine(ctx, job, parsed, nil)
	}

	purchase := linePurchase(job, line, parsed.Extracted)
	err := p.commitLine(ctx, job, parsed, func(tx service.Storage) error {
		_, err := p.promote(ctx, tx, job.HouseholdID, parsed, purchase)
		return err
	})
	if err == nil || ctx.Err() != nil {
		return err
	}

	// The line could not be promoted; record why and move on.
	demoteLine(parsed, err)
	common.LogWarn(ctx, err, "Failed to accept line", common.Fields{
		"job_id": job.ID,
		"line":   line.Number,
		"reason": reasonCode(parsed.Reason),
	})
	err = p.commitLine(ctx, job, parsed, nil)
	if err == nil || ctx.Err() != nil {
		return err
	}

	// The candidate itself cannot be stored; keep only the raw line.
	parsed.Extracted = nil
	reject(parsed, model.ParsedFailed, model.ReasonPersistFailed, err.Error())
	common.LogWarn(ctx, err, "Failed to record line", common.Fields{
		"job_id": job.ID,
		"line":   line.Number,
	})
	return p.commitLine(ctx, job, parsed, nil)
}

// triage decides a line's outcome without writing anything. It reports
// whether normalization was served from the cache.
func (p *Processor) triage(ctx context.Context, householdID string, line Line, parsed *model.ParsedItem) bool {
	if line.Err != "" {
		reject(parsed, model.ParsedFailed, model.ReasonInvalidLine, line.Err)
		return false
	}

	req := normalizeRequest(householdID, line.RawText, line.Extracted)

	var (
		normalized model.NormalizedItem
		hit        bool
		err        error
	)
	if p.cache != nil && line.RawText != "" {
		normalized, hit, err = p.cache.LookupOrNormalize(ctx, req, p.normalizer)
	} else {
		normalized, err = p.normalizer.Normalize(ctx, req)
	}
	if err != nil {
		code := model.ReasonInvalidLine
		if errors.Is(err, common.ErrUnparseableInput) {
			code = model.ReasonMissingFields
		}
		reject(parsed, model.ParsedFailed, code, err.Error())
		return hit
	}

	fields := mergeNormalized(line.Extracted, normalized)
	parsed.Extracted = fields

	if fields.TargetItemID == "" {
		match, err := p.matcher.FindDuplicate(ctx, householdID, fields.Name)
		if err != nil {
			reject(parsed, model.ParsedFailed, model.ReasonInvalidLine, err.Error())
			return hit
		}
		if match.Found {
			reject(parsed, model.ParsedRejected, model.ReasonDuplicate,
				fmt.Sprintf("%q is already tracked", fields.Name))
			parsed.Reason.ExistingItemID = match.ItemID
			return hit
		}
	}

	threshold := p.cfg.Threshold(fields.Category)
	if line.Confidence >= threshold {
		parsed.Status = model.ParsedAccepted
		return hit
	}

	parsed.Status = model.ParsedPendingReview
	parsed.NeedsReview = true
	parsed.Reason = &model.LineReason{
		Code:   model.ReasonLowConfidence,
		Detail: fmt.Sprintf("confidence %.2f is below %.2f", line.Confidence, threshold),
	}
	return hit
}

// commitLine writes parsed and the job's updated counters in one database
// transaction, after running promote in it when set. job is only updated
// once the transaction commits.
func (p *Processor) commitLine(ctx context.Context, job *model.ParseJob, parsed *model.ParsedItem, promote func(service.Storage) error) error {
	next := *job
	next.Progress.Processed++
	countOutcome(&next.Progress, parsed)

	err := common.WithRetry(ctx, func() error {
		attempt := next
		err := service.WithTx(ctx, p.store, func(tx service.Storage) error {
			if promote != nil {
				if err := promote(tx); err != nil {
					return err
				}
			}
			if err := tx.CreateParsedItem(ctx, parsed); err != nil {
				return common.Permanent(err)
			}
			if err := tx.UpdateParseJob(ctx, &attempt); err != nil {
				// Only a second processor bumps the job version.
				return common.Permanent(fmt.Errorf("failed to record job progress: %w", err))
			}
			return nil
		})
		if err == nil {
			next = attempt
		}
		return err
	}, p.retry)
	if err != nil {
		return err
	}

	*job = next
	return nil
}

// promote turns an accepted candidate into a transaction, creating the item
// unless the candidate targets an existing one.
func (p *Processor) promote(ctx context.Context, tx service.Storage, householdID string, parsed *model.ParsedItem, purchase inventory.Purchase) (*inventory.PurchaseResult, error) {
	fields := parsed.Extracted

	var (
		result *inventory.PurchaseResult
		err    error
	)
	if fields.TargetItemID != "" {
		result, err = p.inventory.ApplyPurchase(ctx, tx, householdID, fields.TargetItemID, purchase)
	} else {
		result, err = p.inventory.AddItem(ctx, tx, householdID, inventory.NewItem{
			Name:        fields.Name,
			Brand:       fields.Brand,
			Category:    fields.Category,
			Unit:        fields.Unit,
			PackageUnit: fields.PackageUnit,
			Quantity:    fields.Quantity,
			PackageSize: fields.PackageSize,
			Price:       fields.Price,
		}, &purchase)
	}
	if err != nil {
		return nil, err
	}

	parsed.ItemID = result.Item.ID
	parsed.TransactionID = result.Transaction.ID
	return result, nil
}

// linePurchase builds the purchase for an accepted line. Its ID is derived
// from the job and line so a line can never be recorded twice.
func linePurchase(job *model.ParseJob, line Line, fields *model.ExtractedFields) inventory.Purchase {
	return inventory.Purchase{
		ID:         model.LineTransactionID(job.ID, line.Number),
		Date:       purchaseDateOr(fields, job.CreatedAt),
		Source:     job.Source,
		RawText:    line.RawText,
		ParseJobID: job.ID,
		LineNumber: line.Number,
		Quantity:   fields.Quantity,
		Price:      fields.Price,
		Confidence: line.Confidence,
	}
}

// demoteLine rewrites a candidate whose promotion failed.
func demoteLine(parsed *model.ParsedItem, err error) {
	parsed.ItemID = ""
	parsed.TransactionID = ""

	var dup *inventory.DuplicateItemError
	switch {
	case errors.As(err, &dup):
		reject(parsed, model.ParsedRejected, model.ReasonDuplicate, dup.Error())
		parsed.Reason.ExistingItemID = dup.ExistingItemID
	case errors.Is(err, common.ErrNotFound):
		reject(parsed, model.ParsedFailed, model.ReasonUnknownItem, err.Error())
	case common.IsValidation(err):
		reject(parsed, model.ParsedFailed, model.ReasonInvalidLine, err.Error())
	default:
		reject(parsed, model.ParsedFailed, model.ReasonPersistFailed, err.Error())
	}
}

func reject(parsed *model.ParsedItem, status model.ParsedItemStatus, code model.ReasonCode, detail string) {
	parsed.Status = status
	parsed.NeedsReview = false
	parsed.Reason = &model.LineReason{Code: code, Detail: detail}
}

// countOutcome adds a recorded line to the job's counters. Lines routed to
// review count as review even after a human has resolved them.
func countOutcome(progress *model.JobProgress, parsed *model.ParsedItem) {
	switch {
	case parsed.NeedsReview:
		progress.NeedsReview++
	case parsed.Status == model.ParsedAccepted:
		progress.AutoAccepted++
	default:
		progress.Failed++
	}
}

// mergeNormalized overlays normalized fields on the extractor's output,
// keeping the purchase facts only the extractor knows.
func mergeNormalized(ex *model.ExtractedFields, n model.NormalizedItem) *model.ExtractedFields {
	out := &model.ExtractedFields{}
	if ex != nil {
		*out = *ex
	}
	out.Name = n.Name
	out.Brand = n.Brand
	out.Category = n.Category
	out.Unit = n.Unit
	out.PackageUnit = n.PackageUnit
	out.Quantity = n.Quantity
	out.PackageSize = n.PackageSize
	return out
}

func normalizeRequest(householdID, raw string, ex *model.ExtractedFields) normalize.Request {
	vendor := ""
	if ex != nil {
		vendor = strings.TrimSpace(ex.Vendor)
	}
	return normalize.Request{
		Extracted: ex,
		RawText:   raw,
		Context:   normalize.Context{HouseholdID: householdID, Vendor: vendor},
	}
}

func reasonCode(r *model.LineReason) string {
	if r == nil {
		return ""
	}
	return string(r.Code)
}

// purchaseDateOr returns the extracted purchase date or fallback.
func purchaseDateOr(fields *model.ExtractedFields, fallback time.Time) time.Time {
	if fields != nil && fields.PurchaseDate != nil {
		return *fields.PurchaseDate
	}
	return fallback
}

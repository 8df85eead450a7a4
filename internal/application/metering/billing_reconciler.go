package metering

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acrylic-style/gptx-api/internal/domain/metering"
	"github.com/acrylic-style/gptx-api/internal/infrastructure/store"
)

// BillingUnitSize is the external system's smallest reportable quantity:
// 1000 usage points make one billing unit. Fractional remainders are carried
// forward in the user record until they complete a unit.
const BillingUnitSize int64 = 1000

// BillingReconcilerConfig contains configuration for the billing reconciler
type BillingReconcilerConfig struct {
	// UnitSize overrides the billing unit size (defaults to BillingUnitSize)
	UnitSize int64
}

// BillingReconciler converts accumulated per-model usage deltas into integer
// billing units reported to the external metered-billing collaborator. Each
// report is first claimed out of the delta as a persisted pending report whose
// id is the idempotency key, so a retry after any mid-cycle failure replays
// the exact same report instead of re-deriving one. The conversion is
// lossless over time: confirmed units plus unconfirmed claims, times the unit
// size, plus the retained remainder always equals the total ever accumulated.
type BillingReconciler struct {
	ledger      *Ledger
	minuteDirty store.DirtySet
	billing     BillingClient
	logger      *zap.Logger
	unitSize    int64
}

// NewBillingReconciler creates a new billing reconciler
func NewBillingReconciler(
	ledger *Ledger,
	minuteDirty store.DirtySet,
	billing BillingClient,
	logger *zap.Logger,
	config BillingReconcilerConfig,
) *BillingReconciler {
	unitSize := config.UnitSize
	if unitSize <= 0 {
		unitSize = BillingUnitSize
	}
	return &BillingReconciler{
		ledger:      ledger,
		minuteDirty: minuteDirty,
		billing:     billing,
		logger:      logger,
		unitSize:    unitSize,
	}
}

// Flush reports complete billing units for every recently active user.
// Per-user failures are isolated; the minute dirty set is read without being
// cleared (the minute reset owns membership removal), so flush failures cost
// nothing and deltas survive in the record until reported.
func (r *BillingReconciler) Flush(ctx context.Context) error {
	users, err := r.minuteDirty.Members(ctx)
	if err != nil {
		return fmt.Errorf("billing flush: %w", err)
	}
	if len(users) == 0 {
		return nil
	}

	r.logger.Info("Starting billing flush", zap.Int("candidates", len(users)))

	for _, userID := range users {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := r.flushUser(ctx, userID); err != nil {
			r.logger.Error("Billing flush failed for user",
				zap.String("user_id", userID),
				zap.String("job", "billing_flush"),
				zap.Error(err))
		}
	}
	return nil
}

// flushUser reports every complete unit accrued by one user
func (r *BillingReconciler) flushUser(ctx context.Context, userID string) error {
	record, err := r.ledger.Load(ctx, userID)
	if err != nil {
		return err
	}
	if record.Disabled || !record.MeteringEnabled() {
		return nil
	}

	reportable := r.reportableModels(record)
	if len(reportable) == 0 {
		return nil
	}

	items, err := r.billing.ListSubscriptionItems(ctx, *record.BillingCustomerID)
	if err != nil {
		return fmt.Errorf("list subscription items: %w", err)
	}

	for _, model := range reportable {
		itemID := ""
		if pending := record.PendingReports[model]; pending != nil {
			// An unconfirmed report keeps its original subscription line.
			itemID = pending.ItemID
		} else {
			item, found := findItemForModel(items, model)
			if !found {
				// No matching subscription line: leave the delta untouched
				// and retry on the next cycle once the user subscribes.
				r.logger.Debug("No subscription item covers model, skipping",
					zap.String("user_id", userID),
					zap.String("model", model.String()))
				continue
			}
			itemID = item.ID
		}

		claimed, err := r.claimReport(ctx, userID, model, itemID)
		if err != nil {
			r.logger.Error("Failed to claim billing report",
				zap.String("user_id", userID),
				zap.String("model", model.String()),
				zap.String("job", "billing_flush"),
				zap.Error(err))
			continue
		}
		if claimed == nil {
			continue
		}

		if err := r.billing.ReportUsage(ctx, claimed.ItemID, claimed.Quantity, claimed.ID); err != nil {
			// The claim stays in the record; the next cycle replays it with
			// the same key, which collapses server-side if this attempt
			// actually landed.
			r.logger.Error("Failed to report usage units",
				zap.String("user_id", userID),
				zap.String("model", model.String()),
				zap.String("job", "billing_flush"),
				zap.Int64("quantity", claimed.Quantity),
				zap.Error(err))
			continue
		}

		if err := r.confirmReport(ctx, userID, model); err != nil {
			r.logger.Error("Failed to confirm billing report",
				zap.String("user_id", userID),
				zap.String("model", model.String()),
				zap.Error(err))
			continue
		}

		r.logger.Info("Reported billing units",
			zap.String("user_id", userID),
			zap.String("model", model.String()),
			zap.String("subscription_item", claimed.ItemID),
			zap.Int64("quantity", claimed.Quantity))
	}
	return nil
}

// reportableModels returns the models holding at least one complete unit or
// an unconfirmed report, in stable order
func (r *BillingReconciler) reportableModels(record *metering.UserRecord) []metering.Model {
	seen := make(map[metering.Model]struct{})
	var models []metering.Model
	for model, delta := range record.UsageSinceLastRecord {
		if delta >= r.unitSize {
			seen[model] = struct{}{}
			models = append(models, model)
		}
	}
	for model := range record.PendingReports {
		if _, ok := seen[model]; !ok {
			models = append(models, model)
		}
	}
	sort.Slice(models, func(i, j int) bool { return models[i] < models[j] })
	return models
}

// claimReport moves the whole-unit part of the delta into a pending report
// inside one conditional write. Usage accrued between load and claim survives
// because only the claimed amount leaves the delta; the sub-unit remainder is
// carried to the next cycle.
func (r *BillingReconciler) claimReport(ctx context.Context, userID string, model metering.Model, itemID string) (*metering.PendingReport, error) {
	var claimed *metering.PendingReport
	err := r.ledger.UpdateRecord(ctx, userID, func(record *metering.UserRecord) error {
		claimed = record.ClaimReport(model, uuid.NewString(), itemID, r.unitSize)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// confirmReport drops the pending report once the external system accepted it
func (r *BillingReconciler) confirmReport(ctx context.Context, userID string, model metering.Model) error {
	return r.ledger.UpdateRecord(ctx, userID, func(record *metering.UserRecord) error {
		record.ClearReport(model)
		return nil
	})
}

// findItemForModel locates the subscription line covering the model
func findItemForModel(items []SubscriptionItem, model metering.Model) (SubscriptionItem, bool) {
	for _, item := range items {
		if item.Covers(model) {
			return item, true
		}
	}
	return SubscriptionItem{}, false
}

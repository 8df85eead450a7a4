package metering

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acrylic-style/gptx-api/internal/domain/metering"
	"github.com/acrylic-style/gptx-api/internal/infrastructure/store"
)

// RunTrackerConfig contains configuration for the pending-run tracker
type RunTrackerConfig struct {
	// MaxRunAge bounds how long a run may stay tracked before it is dropped
	// (0 = never dropped)
	MaxRunAge time.Duration

	// RevertOnFailure refunds the pre-charged provisional cost when a run is
	// dropped in a terminal failure state
	RevertOnFailure bool

	// AttachmentCost is the fixed cost charged for a step bearing an
	// attachment or image, approximating multimodal output cost
	AttachmentCost int64
}

// DefaultRunTrackerConfig returns default configuration
func DefaultRunTrackerConfig() RunTrackerConfig {
	return RunTrackerConfig{
		MaxRunAge:       24 * time.Hour,
		RevertOnFailure: false,
		AttachmentCost:  1000,
	}
}

// PendingRunTracker maintains the durable queue of asynchronous runs whose
// final cost is unknown until polled to completion. The periodic sweep polls
// each tracked run, converts completed output into usage, and requeues
// everything else.
type PendingRunTracker struct {
	queue  store.PendingRunQueue
	ledger *Ledger
	runs   RunStatusClient
	sink   UsageSink
	logger *zap.Logger
	config RunTrackerConfig
}

// NewPendingRunTracker creates a new pending-run tracker
func NewPendingRunTracker(
	queue store.PendingRunQueue,
	ledger *Ledger,
	runs RunStatusClient,
	sink UsageSink,
	logger *zap.Logger,
	config RunTrackerConfig,
) *PendingRunTracker {
	if config.AttachmentCost == 0 {
		config.AttachmentCost = 1000
	}
	return &PendingRunTracker{
		queue:  queue,
		ledger: ledger,
		runs:   runs,
		sink:   sink,
		logger: logger,
		config: config,
	}
}

// Enqueue starts tracking a dispatched run. The insert is idempotent: a
// second dispatch of the same (user, thread, run) leaves the existing entry
// untouched.
func (t *PendingRunTracker) Enqueue(ctx context.Context, userID, threadID, runID string, provisionalCost int64) error {
	run, err := metering.NewPendingRun(userID, threadID, runID, provisionalCost)
	if err != nil {
		return err
	}

	raw, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("enqueue run %s: %w", run.Key(), err)
	}

	added, err := t.queue.Enqueue(ctx, run.Key(), raw)
	if err != nil {
		return fmt.Errorf("enqueue run %s: %w", run.Key(), err)
	}
	if !added {
		t.logger.Debug("Run already tracked", zap.String("run_key", run.Key()))
	}
	return nil
}

// Sweep polls every tracked run once. Per-entry failures are logged and the
// entry requeued; one bad run never stalls the rest of the sweep. Only
// entries actually processed are removed, so runs enqueued while the sweep is
// in flight survive to the next cycle.
func (t *PendingRunTracker) Sweep(ctx context.Context) error {
	entries, err := t.queue.All(ctx)
	if err != nil {
		return fmt.Errorf("pending run sweep: %w", err)
	}
	if len(entries) == 0 {
		return nil
	}

	t.logger.Info("Starting pending run sweep", zap.Int("tracked", len(entries)))

	now := time.Now()
	for key, raw := range entries {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		t.sweepOne(ctx, key, raw, now)
	}
	return nil
}

// sweepOne processes a single tracked run
func (t *PendingRunTracker) sweepOne(ctx context.Context, key string, raw []byte, now time.Time) {
	var run metering.PendingRun
	if err := json.Unmarshal(raw, &run); err != nil {
		// A malformed entry can never make progress; drop it.
		t.logger.Error("Dropping malformed pending run entry",
			zap.String("run_key", key),
			zap.Error(err))
		t.remove(ctx, key)
		return
	}

	if t.config.MaxRunAge > 0 && run.Age(now) > t.config.MaxRunAge {
		t.logger.Warn("Dropping pending run past age cap",
			zap.String("user_id", run.UserID),
			zap.String("thread_id", run.ThreadID),
			zap.String("run_id", run.RunID),
			zap.Int("attempts", run.Attempts),
			zap.Duration("age", run.Age(now)))
		t.remove(ctx, key)
		return
	}

	status, err := t.runs.RetrieveRun(ctx, run.ThreadID, run.RunID)
	if err != nil {
		// Transient poll error: requeue, never drop, never abort the sweep.
		t.logger.Warn("Run status poll failed, requeueing",
			zap.String("user_id", run.UserID),
			zap.String("run_id", run.RunID),
			zap.Error(err))
		t.requeue(ctx, &run)
		return
	}

	switch {
	case status.IsTerminalSuccess():
		t.reconcile(ctx, key, &run, status)
	case status.IsTerminalFailure():
		if t.config.RevertOnFailure {
			t.dropFailed(ctx, key, &run, status)
		} else {
			t.requeue(ctx, &run)
		}
	default:
		// Still running; try again next cycle.
		t.requeue(ctx, &run)
	}
}

// reconcile converts a completed run into usage: one sink record and one
// ledger increment covering the actual cost plus the pre-charged floor.
func (t *PendingRunTracker) reconcile(ctx context.Context, key string, run *metering.PendingRun, status Run) {
	actualCost, err := t.computeActualCost(ctx, run.ThreadID, run.RunID)
	if err != nil {
		t.logger.Warn("Failed to compute run cost, requeueing",
			zap.String("user_id", run.UserID),
			zap.String("run_id", run.RunID),
			zap.Error(err))
		t.requeue(ctx, run)
		return
	}

	model := metering.Model(status.Model)
	totalCost := actualCost + run.ProvisionalCost

	record, err := t.ledger.Load(ctx, run.UserID)
	if err != nil {
		t.logger.Warn("Failed to load user for run reconciliation, requeueing",
			zap.String("user_id", run.UserID),
			zap.String("run_id", run.RunID),
			zap.Error(err))
		t.requeue(ctx, run)
		return
	}

	billingID := ""
	if record.BillingCustomerID != nil {
		billingID = *record.BillingCustomerID
	}

	if err := t.ledger.Increment(ctx, run.UserID, model, totalCost); err != nil {
		// Nothing is emitted for the failed attempt, so the retry's sink
		// record stays the only one for this run.
		t.logger.Error("Failed to record run usage, requeueing",
			zap.String("user_id", run.UserID),
			zap.String("model", status.Model),
			zap.String("run_id", run.RunID),
			zap.Error(err))
		t.requeue(ctx, run)
		return
	}

	// Best-effort analytics append; a sink failure never blocks reconciliation.
	// The id is derived from the run key so a replay caused by a failed queue
	// removal stays identifiable downstream.
	sinkErr := t.sink.Append(ctx, SinkRecord{
		ID:        sinkRecordID(run),
		UserID:    run.UserID,
		BillingID: billingID,
		Action:    "run_completed",
		Timestamp: time.Now(),
		Model:     model,
		Count:     totalCost,
		Extra: map[string]string{
			"thread_id": run.ThreadID,
			"run_id":    run.RunID,
		},
	})
	if sinkErr != nil {
		t.logger.Warn("Usage sink append failed",
			zap.String("user_id", run.UserID),
			zap.String("run_id", run.RunID),
			zap.Error(sinkErr))
	}

	t.remove(ctx, key)
	t.logger.Info("Reconciled completed run",
		zap.String("user_id", run.UserID),
		zap.String("model", status.Model),
		zap.String("run_id", run.RunID),
		zap.Int64("actual_cost", actualCost),
		zap.Int64("provisional_cost", run.ProvisionalCost))
}

// dropFailed removes a terminally failed run, refunding the pre-charge
func (t *PendingRunTracker) dropFailed(ctx context.Context, key string, run *metering.PendingRun, status Run) {
	model := metering.Model(status.Model)
	if run.ProvisionalCost > 0 {
		if err := t.ledger.Revert(ctx, run.UserID, model, run.ProvisionalCost); err != nil {
			t.logger.Warn("Failed to revert pre-charge, requeueing",
				zap.String("user_id", run.UserID),
				zap.String("run_id", run.RunID),
				zap.Error(err))
			t.requeue(ctx, run)
			return
		}
	}
	t.remove(ctx, key)
	t.logger.Info("Dropped failed run",
		zap.String("user_id", run.UserID),
		zap.String("run_id", run.RunID),
		zap.String("status", status.Status))
}

// computeActualCost sums text length in characters over every message
// creation step. A step bearing any attachment or image counts a fixed
// AttachmentCost on top of its text.
func (t *PendingRunTracker) computeActualCost(ctx context.Context, threadID, runID string) (int64, error) {
	steps, err := t.runs.ListSteps(ctx, threadID, runID)
	if err != nil {
		return 0, fmt.Errorf("list steps: %w", err)
	}

	var total int64
	for _, step := range steps {
		if step.Type != StepTypeMessageCreation || step.MessageID == "" {
			continue
		}
		msg, err := t.runs.RetrieveMessage(ctx, threadID, step.MessageID)
		if err != nil {
			return 0, fmt.Errorf("retrieve message %s: %w", step.MessageID, err)
		}

		hasAttachment := false
		for _, part := range msg.Content {
			if part.IsText() {
				total += int64(utf8.RuneCountInString(part.Text))
			} else {
				hasAttachment = true
			}
		}
		if hasAttachment {
			total += t.config.AttachmentCost
		}
	}
	return total, nil
}

// sinkRecordID derives a stable id from the run identity, so repeated
// reconciliation of the same run emits records that deduplicate by id
func sinkRecordID(run *metering.PendingRun) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("run_completed:"+run.Key())).String()
}

// requeue writes the entry back with an incremented attempt counter
func (t *PendingRunTracker) requeue(ctx context.Context, run *metering.PendingRun) {
	run.Attempts++
	raw, err := json.Marshal(run)
	if err != nil {
		t.logger.Error("Failed to encode pending run for requeue",
			zap.String("run_key", run.Key()),
			zap.Error(err))
		return
	}
	if err := t.queue.Set(ctx, run.Key(), raw); err != nil {
		t.logger.Error("Failed to requeue pending run",
			zap.String("run_key", run.Key()),
			zap.Error(err))
	}
}

func (t *PendingRunTracker) remove(ctx context.Context, key string) {
	if err := t.queue.Remove(ctx, key); err != nil {
		t.logger.Error("Failed to remove pending run",
			zap.String("run_key", key),
			zap.Error(err))
	}
}

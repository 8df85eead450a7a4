package metering

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/acrylic-style/gptx-api/internal/domain/metering"
	"github.com/acrylic-style/gptx-api/internal/domain/shared"
	"github.com/acrylic-style/gptx-api/internal/infrastructure/store"
)

// userKeyPrefix namespaces user records inside the quota store
const userKeyPrefix = "user:"

// Ledger loads and persists per-user metering records and applies usage
// increments. It is the only component that mutates usage counters; every
// mutation runs as a conditional read-modify-write so concurrent requests
// never silently drop each other's usage.
type Ledger struct {
	kv          store.KVStore
	minuteDirty store.DirtySet
	dayDirty    store.DirtySet
	defaults    map[metering.Model]metering.WindowLimits
	logger      *zap.Logger
}

// NewLedger creates a ledger over the quota store
func NewLedger(
	kv store.KVStore,
	minuteDirty store.DirtySet,
	dayDirty store.DirtySet,
	logger *zap.Logger,
) *Ledger {
	return &Ledger{
		kv:          kv,
		minuteDirty: minuteDirty,
		dayDirty:    dayDirty,
		defaults:    metering.DefaultLimits(),
		logger:      logger,
	}
}

// UserKey returns the quota-store key for a user record
func UserKey(userID string) string {
	return userKeyPrefix + userID
}

// Load fetches a user's record. An absent user yields a record built from
// structural defaults; a stored record has the default skeleton merged
// underneath it so newly introduced models receive zeroed entries without
// touching existing counters.
func (l *Ledger) Load(ctx context.Context, userID string) (*metering.UserRecord, error) {
	raw, err := l.kv.Get(ctx, UserKey(userID))
	if errors.Is(err, shared.ErrNotFound) {
		return metering.NewUserRecord(l.defaults), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load user %s: %w", userID, err)
	}

	record, err := l.decode(raw)
	if err != nil {
		return nil, fmt.Errorf("load user %s: %w", userID, err)
	}
	return record, nil
}

// Save persists the record as-is. Callers must hold a freshly loaded
// snapshot; prefer UpdateRecord for read-modify-write cycles.
func (l *Ledger) Save(ctx context.Context, userID string, record *metering.UserRecord) error {
	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("save user %s: %w", userID, err)
	}
	return l.kv.Put(ctx, UserKey(userID), raw)
}

// UpdateRecord runs fn against the current record inside a conditional write.
// The record passed to fn already has defaults merged; fn mutates it in place.
func (l *Ledger) UpdateRecord(ctx context.Context, userID string, fn func(record *metering.UserRecord) error) error {
	return l.kv.Update(ctx, UserKey(userID), func(current []byte) ([]byte, error) {
		var record *metering.UserRecord
		if current == nil {
			record = metering.NewUserRecord(l.defaults)
		} else {
			decoded, err := l.decode(current)
			if err != nil {
				return nil, err
			}
			record = decoded
		}

		if err := fn(record); err != nil {
			return nil, err
		}
		return json.Marshal(record)
	})
}

// Remaining returns the user's remaining capacity for a model; nil means
// unbounded.
func (l *Ledger) Remaining(ctx context.Context, userID string, model metering.Model) (*int64, error) {
	record, err := l.Load(ctx, userID)
	if err != nil {
		return nil, err
	}
	return record.Remaining(model), nil
}

// Increment charges amount against every window counter of the model plus the
// billing delta, then marks the user in both dirty sets so the reset jobs and
// the reconciler know to visit them. Zero amounts are a complete no-op.
func (l *Ledger) Increment(ctx context.Context, userID string, model metering.Model, amount int64) error {
	if amount == 0 {
		return nil
	}
	if amount < 0 {
		return shared.NewDomainError("INVALID_AMOUNT", "Usage increments cannot be negative")
	}

	err := l.UpdateRecord(ctx, userID, func(record *metering.UserRecord) error {
		record.ApplyUsage(model, amount)
		return nil
	})
	if err != nil {
		return fmt.Errorf("increment user %s model %s: %w", userID, model, err)
	}

	l.markDirty(ctx, userID)
	return nil
}

// Revert removes a previously pre-charged amount from the window counters.
// Billing deltas are left alone so already-earned billing units survive.
func (l *Ledger) Revert(ctx context.Context, userID string, model metering.Model, amount int64) error {
	if amount <= 0 {
		return nil
	}
	err := l.UpdateRecord(ctx, userID, func(record *metering.UserRecord) error {
		record.RevertUsage(model, amount)
		return nil
	})
	if err != nil {
		return fmt.Errorf("revert user %s model %s: %w", userID, model, err)
	}
	return nil
}

// markDirty inserts the user into both window dirty sets. Failures are
// logged, not returned: the usage write already landed and a missed dirty
// mark only delays the next reset for this user.
func (l *Ledger) markDirty(ctx context.Context, userID string) {
	if err := l.minuteDirty.Add(ctx, userID); err != nil {
		l.logger.Warn("Failed to mark user minute-dirty",
			zap.String("user_id", userID),
			zap.Error(err))
	}
	if err := l.dayDirty.Add(ctx, userID); err != nil {
		l.logger.Warn("Failed to mark user day-dirty",
			zap.String("user_id", userID),
			zap.Error(err))
	}
}

func (l *Ledger) decode(raw []byte) (*metering.UserRecord, error) {
	var record metering.UserRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, fmt.Errorf("decode user record: %w", err)
	}
	record.MergeDefaults(l.defaults)
	return &record, nil
}

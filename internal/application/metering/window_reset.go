package metering

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/acrylic-style/gptx-api/internal/domain/metering"
	"github.com/acrylic-style/gptx-api/internal/infrastructure/store"
)

// WindowResetService zeroes minute- and day-scoped counters for users present
// in the corresponding dirty set, avoiding a scan of the full user
// population. Each member's mark is dropped before its record is touched, so
// an increment landing mid-reset re-adds the mark and the user is visited
// again next cycle. A user whose reset write fails is re-marked.
type WindowResetService struct {
	ledger      *Ledger
	minuteDirty store.DirtySet
	dayDirty    store.DirtySet
	logger      *zap.Logger
}

// NewWindowResetService creates a new window reset service
func NewWindowResetService(
	ledger *Ledger,
	minuteDirty store.DirtySet,
	dayDirty store.DirtySet,
	logger *zap.Logger,
) *WindowResetService {
	return &WindowResetService{
		ledger:      ledger,
		minuteDirty: minuteDirty,
		dayDirty:    dayDirty,
		logger:      logger,
	}
}

// ResetMinuteWindows zeroes every model's minute counter for recently active
// users
func (s *WindowResetService) ResetMinuteWindows(ctx context.Context) error {
	return s.reset(ctx, s.minuteDirty, "minute_reset", func(record *metering.UserRecord) {
		record.ResetMinute()
	})
}

// ResetDayWindows zeroes every model's day counter for users active today
func (s *WindowResetService) ResetDayWindows(ctx context.Context) error {
	return s.reset(ctx, s.dayDirty, "day_reset", func(record *metering.UserRecord) {
		record.ResetDay()
	})
}

func (s *WindowResetService) reset(ctx context.Context, dirty store.DirtySet, job string, apply func(*metering.UserRecord)) error {
	users, err := dirty.Members(ctx)
	if err != nil {
		return fmt.Errorf("%s: %w", job, err)
	}
	if len(users) == 0 {
		return nil
	}

	s.logger.Debug("Starting window reset",
		zap.String("job", job),
		zap.Int("users", len(users)))

	processed := 0
	for _, userID := range users {
		if ctx.Err() != nil {
			break
		}

		// Drop the mark before the reset write. A concurrent increment
		// re-adds it, so its activity is never silently unmarked.
		if err := dirty.Remove(ctx, userID); err != nil {
			s.logger.Error("Failed to unmark user for reset",
				zap.String("user_id", userID),
				zap.String("job", job),
				zap.Error(err))
			continue
		}

		err := s.ledger.UpdateRecord(ctx, userID, func(record *metering.UserRecord) error {
			apply(record)
			return nil
		})
		if err != nil {
			s.logger.Error("Window reset failed for user",
				zap.String("user_id", userID),
				zap.String("job", job),
				zap.Error(err))
			// Restore the mark so the next cycle retries.
			if addErr := dirty.Add(ctx, userID); addErr != nil {
				s.logger.Error("Failed to re-mark user after reset failure",
					zap.String("user_id", userID),
					zap.String("job", job),
					zap.Error(addErr))
			}
			continue
		}
		processed++
	}

	s.logger.Info("Window reset completed",
		zap.String("job", job),
		zap.Int("processed", processed),
		zap.Int("skipped", len(users)-processed))
	return nil
}

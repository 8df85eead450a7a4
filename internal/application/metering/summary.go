package metering

import (
	"context"
	"sort"

	"github.com/acrylic-style/gptx-api/internal/domain/metering"
)

// ModelUsageDTO describes one model's current standing for a user
type ModelUsageDTO struct {
	Model       string `json:"model"`
	MinuteUsed  int64  `json:"minute_used"`
	MinuteLimit *int64 `json:"minute_limit"`
	DayUsed     int64  `json:"day_used"`
	DayLimit    *int64 `json:"day_limit"`
	Remaining   *int64 `json:"remaining"`
	Unreported  int64  `json:"unreported_usage"`
}

// UsageSummaryDTO is the full usage picture for a user
type UsageSummaryDTO struct {
	UserID          string          `json:"user_id"`
	MeteringEnabled bool            `json:"metering_enabled"`
	Disabled        bool            `json:"disabled"`
	Models          []ModelUsageDTO `json:"models"`
}

// UsageSummary assembles the current usage summary for a user
func (l *Ledger) UsageSummary(ctx context.Context, userID string) (*UsageSummaryDTO, error) {
	record, err := l.Load(ctx, userID)
	if err != nil {
		return nil, err
	}

	models := make([]metering.Model, 0, len(record.Limits))
	for m := range record.Limits {
		models = append(models, m)
	}
	sort.Slice(models, func(i, j int) bool { return models[i] < models[j] })

	summary := &UsageSummaryDTO{
		UserID:          userID,
		MeteringEnabled: record.MeteringEnabled(),
		Disabled:        record.Disabled,
		Models:          make([]ModelUsageDTO, 0, len(models)),
	}
	for _, m := range models {
		limits := record.Limits[m]
		used := record.Used[m]
		summary.Models = append(summary.Models, ModelUsageDTO{
			Model:       m.String(),
			MinuteUsed:  used.Minute,
			MinuteLimit: limits.Minute,
			DayUsed:     used.Day,
			DayLimit:    limits.Day,
			Remaining:   record.Remaining(m),
			Unreported:  record.UsageSinceLastRecord[m],
		})
	}
	return summary, nil
}

package metering

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/acrylic-style/gptx-api/internal/domain/metering"
	"github.com/acrylic-style/gptx-api/internal/domain/shared"
)

// QuotaExceededError represents an admission denial caused by quota limits
type QuotaExceededError struct {
	Model     metering.Model
	Remaining int64
	Requested int64
	Message   string
}

// Error implements the error interface
func (e *QuotaExceededError) Error() string {
	return e.Message
}

// HTTPStatusCode returns the HTTP status code for this error (429 Too Many Requests)
func (e *QuotaExceededError) HTTPStatusCode() int {
	return http.StatusTooManyRequests
}

// NewQuotaExceededError creates a new QuotaExceededError
func NewQuotaExceededError(model metering.Model, remaining, requested int64) *QuotaExceededError {
	return &QuotaExceededError{
		Model:     model,
		Remaining: remaining,
		Requested: requested,
		Message: fmt.Sprintf(
			"Quota exceeded for %s: requested %d with %d remaining",
			model, requested, remaining,
		),
	}
}

// Denial reasons surfaced in AdmissionResult
const (
	DenyReasonUserDisabled = "user_disabled"
	DenyReasonNoBilling    = "no_billing_identity"
	DenyReasonUnknownModel = "model_not_configured"
	DenyReasonWindowLimit  = "window_at_limit"
	DenyReasonDeclaredCost = "declared_cost_exceeds_remaining"
)

// AdmissionInput contains input for an admission decision
type AdmissionInput struct {
	UserID string
	Model  metering.Model

	// ProvisionalCost is the part of the operation's cost known up front
	// (e.g. input length). It is pre-charged atomically on admission; the
	// unknown remainder is reconciled post-hoc.
	ProvisionalCost int64
}

// AdmissionResult is the outcome of an admission decision. Remaining is the
// capacity as of before the pre-charge; nil means unbounded.
type AdmissionResult struct {
	Allowed   bool
	Remaining *int64
	Reason    string
	Error     *QuotaExceededError
}

// AdmissionService decides allow/deny for a requested operation before it
// executes. Allowed operations with a known partial cost are pre-charged as
// part of the same conditional write, so a burst of concurrent requests
// cannot each pass admission before any charge lands.
type AdmissionService struct {
	ledger *Ledger
	logger *zap.Logger
}

// NewAdmissionService creates a new admission service
func NewAdmissionService(ledger *Ledger, logger *zap.Logger) *AdmissionService {
	return &AdmissionService{ledger: ledger, logger: logger}
}

// errAdmissionLost aborts the pre-charge write when the re-evaluation under
// the conditional write no longer allows the request
var errAdmissionLost = errors.New("admission lost on re-evaluation")

// Admit checks the user's quota for the model and, when allowed, pre-charges
// the provisional cost. Window limits are checked with a strict >= before the
// provisional amount is considered; the provisional amount is then checked
// against the remaining capacity.
//
// Denials decide on a read snapshot and persist nothing, so a request for an
// unknown user id never materializes a record. Only an allowed request with a
// provisional cost enters the conditional write, where the decision is
// re-evaluated against the current record before the charge lands.
func (s *AdmissionService) Admit(ctx context.Context, input AdmissionInput) (*AdmissionResult, error) {
	if input.UserID == "" {
		return nil, shared.NewDomainError("INVALID_USER", "User ID cannot be empty")
	}
	if input.ProvisionalCost < 0 {
		return nil, shared.NewDomainError("INVALID_AMOUNT", "Provisional cost cannot be negative")
	}

	record, err := s.ledger.Load(ctx, input.UserID)
	if err != nil {
		return nil, fmt.Errorf("admit user %s: %w", input.UserID, err)
	}

	result := s.evaluate(record, input)

	if result.Allowed && input.ProvisionalCost > 0 {
		err := s.ledger.UpdateRecord(ctx, input.UserID, func(record *metering.UserRecord) error {
			result = s.evaluate(record, input)
			if !result.Allowed {
				return errAdmissionLost
			}
			record.ApplyUsage(input.Model, input.ProvisionalCost)
			return nil
		})
		if err != nil && !errors.Is(err, errAdmissionLost) {
			return nil, fmt.Errorf("admit user %s: %w", input.UserID, err)
		}
		if result.Allowed {
			s.ledger.markDirty(ctx, input.UserID)
		}
	}

	if !result.Allowed {
		s.logger.Info("Admission denied",
			zap.String("user_id", input.UserID),
			zap.String("model", input.Model.String()),
			zap.String("reason", result.Reason),
			zap.Int64("provisional_cost", input.ProvisionalCost))
	}
	return result, nil
}

// evaluate applies the denial rules against a record snapshot
func (s *AdmissionService) evaluate(record *metering.UserRecord, input AdmissionInput) *AdmissionResult {
	if record.Disabled {
		return &AdmissionResult{Reason: DenyReasonUserDisabled}
	}
	if !record.MeteringEnabled() {
		return &AdmissionResult{Reason: DenyReasonNoBilling}
	}
	if _, ok := record.Limits[input.Model]; !ok {
		return &AdmissionResult{Reason: DenyReasonUnknownModel}
	}

	remaining := record.Remaining(input.Model)

	if record.AtWindowLimit(input.Model) {
		var left int64
		if remaining != nil {
			left = *remaining
		}
		return &AdmissionResult{
			Remaining: remaining,
			Reason:    DenyReasonWindowLimit,
			Error:     NewQuotaExceededError(input.Model, left, input.ProvisionalCost),
		}
	}

	if input.ProvisionalCost > 0 && remaining != nil && input.ProvisionalCost > *remaining {
		return &AdmissionResult{
			Remaining: remaining,
			Reason:    DenyReasonDeclaredCost,
			Error:     NewQuotaExceededError(input.Model, *remaining, input.ProvisionalCost),
		}
	}

	return &AdmissionResult{Allowed: true, Remaining: remaining}
}

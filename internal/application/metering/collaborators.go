package metering

import (
	"context"
	"time"

	"github.com/acrylic-style/gptx-api/internal/domain/metering"
)

// Run statuses reported by the external run-execution service.
const (
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
	RunStatusCancelled = "cancelled"
	RunStatusExpired   = "expired"
)

// Run is the externally reported state of an asynchronous model invocation
type Run struct {
	Status string
	Model  string
}

// IsTerminalSuccess returns true if the run finished and produced output
func (r Run) IsTerminalSuccess() bool {
	return r.Status == RunStatusCompleted
}

// IsTerminalFailure returns true if the run ended without usable output
func (r Run) IsTerminalFailure() bool {
	switch r.Status {
	case RunStatusFailed, RunStatusCancelled, RunStatusExpired:
		return true
	}
	return false
}

// StepTypeMessageCreation identifies steps that produced a message; only
// these contribute to the actual cost of a run.
const StepTypeMessageCreation = "message_creation"

// RunStep is a single generated step of a run
type RunStep struct {
	Type      string
	MessageID string
}

// MessageContent is one part of a generated message: text, or an
// attachment/image reference
type MessageContent struct {
	Type string
	Text string
}

// IsText reports whether the part carries plain text
func (c MessageContent) IsText() bool {
	return c.Type == "text"
}

// Message is a generated message with its content parts
type Message struct {
	Content []MessageContent
}

// RunStatusClient is the external run-execution collaborator. The service is
// opaque: it accepts work elsewhere and is only polled here for status and
// generated output.
type RunStatusClient interface {
	RetrieveRun(ctx context.Context, threadID, runID string) (Run, error)
	ListSteps(ctx context.Context, threadID, runID string) ([]RunStep, error)
	RetrieveMessage(ctx context.Context, threadID, messageID string) (Message, error)
}

// SinkRecord is an append-only usage event for the external analytics store
type SinkRecord struct {
	ID        string            `json:"id"`
	UserID    string            `json:"user_id"`
	BillingID string            `json:"billing_id"`
	Action    string            `json:"action"`
	Timestamp time.Time         `json:"timestamp"`
	Model     metering.Model    `json:"model"`
	Count     int64             `json:"count"`
	Extra     map[string]string `json:"extra,omitempty"`
}

// UsageSink is the external analytics collaborator. Appends are best-effort:
// failures are logged by callers, never retried by this subsystem.
type UsageSink interface {
	Append(ctx context.Context, record SinkRecord) error
}

// SubscriptionItem is one line of an external metered subscription. ModelKeys
// lists the model identifiers the line covers.
type SubscriptionItem struct {
	ID        string
	ModelKeys []string
}

// Covers reports whether the item bills usage for the given model
func (i SubscriptionItem) Covers(model metering.Model) bool {
	for _, key := range i.ModelKeys {
		if key == model.String() {
			return true
		}
	}
	return false
}

// BillingClient is the external metered-billing collaborator
type BillingClient interface {
	// ListSubscriptionItems returns the metered lines of the customer's
	// active subscription
	ListSubscriptionItems(ctx context.Context, customerID string) ([]SubscriptionItem, error)

	// ReportUsage reports quantity billing units against a subscription item.
	// The idempotency key deduplicates at-least-once delivery.
	ReportUsage(ctx context.Context, itemID string, quantity int64, idempotencyKey string) error
}

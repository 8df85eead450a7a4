package metering

import (
	"strings"
	"time"

	"github.com/acrylic-style/gptx-api/internal/domain/shared"
)

// PendingRun tracks an asynchronous model invocation whose final cost is
// unknown until the external run reaches a terminal state. The composite key
// (user, thread, run) identifies the entry in the pending-run queue; the
// provisional cost is the amount already pre-charged at admission time.
type PendingRun struct {
	UserID          string    `json:"user_id"`
	ThreadID        string    `json:"thread_id"`
	RunID           string    `json:"run_id"`
	ProvisionalCost int64     `json:"provisional_cost"`
	EnqueuedAt      time.Time `json:"enqueued_at"`
	Attempts        int       `json:"attempts"`
}

const pendingRunKeySep = "|"

// NewPendingRun creates a pending run entry
func NewPendingRun(userID, threadID, runID string, provisionalCost int64) (*PendingRun, error) {
	if userID == "" || threadID == "" || runID == "" {
		return nil, shared.NewDomainError("INVALID_PENDING_RUN", "User, thread and run IDs cannot be empty")
	}
	if strings.Contains(userID, pendingRunKeySep) ||
		strings.Contains(threadID, pendingRunKeySep) ||
		strings.Contains(runID, pendingRunKeySep) {
		return nil, shared.NewDomainError("INVALID_PENDING_RUN", "IDs cannot contain the key separator")
	}
	if provisionalCost < 0 {
		return nil, shared.NewDomainError("INVALID_PENDING_RUN", "Provisional cost cannot be negative")
	}
	return &PendingRun{
		UserID:          userID,
		ThreadID:        threadID,
		RunID:           runID,
		ProvisionalCost: provisionalCost,
		EnqueuedAt:      time.Now(),
	}, nil
}

// Key returns the composite tracking key for this run
func (p *PendingRun) Key() string {
	return p.UserID + pendingRunKeySep + p.ThreadID + pendingRunKeySep + p.RunID
}

// Age returns how long this run has been tracked
func (p *PendingRun) Age(now time.Time) time.Duration {
	return now.Sub(p.EnqueuedAt)
}

// ParsePendingRunKey splits a composite tracking key into its components
func ParsePendingRunKey(key string) (userID, threadID, runID string, err error) {
	parts := strings.SplitN(key, pendingRunKeySep, 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", "", shared.NewDomainError("INVALID_PENDING_RUN", "Malformed pending run key")
	}
	return parts[0], parts[1], parts[2], nil
}

package kernel

import (
	"context"
	"time"
)

// Event is a kernel lifecycle notification. Events are advisory: the ledger,
// not the event stream, is the authoritative record of what happened.
type Event struct {
	// Type is the event type (run.admitted, stage.started, ...).
	Type string `json:"type"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// TenantID is the owning tenant.
	TenantID string `json:"tenant_id"`

	// RunID is the associated run.
	RunID string `json:"run_id"`

	// Stage is the associated stage, if applicable.
	Stage StageKind `json:"stage,omitempty"`

	// Message is a human-readable description.
	Message string `json:"message"`

	// Level is the event severity (info, warning, error).
	Level string `json:"level"`
}

// Event type constants.
const (
	EventTypeRunAdmitted    = "run.admitted"
	EventTypeRunCompleted   = "run.completed"
	EventTypeRunFailed      = "run.failed"
	EventTypeRunCancelled   = "run.cancelled"
	EventTypeStageStarted   = "stage.started"
	EventTypeStageCompleted = "stage.completed"
	EventTypeStageFailed    = "stage.failed"
	EventTypeStageRetried   = "stage.retried"
	EventTypeLedgerStalled  = "ledger.stalled"

	EventTypeLedgerCommitFailed = "ledger.commit_failed"
)

// EventPublisher receives kernel events. Implementations must not block the
// caller for long; publishing failures are ignored by the kernel.
type EventPublisher interface {
	Publish(ctx context.Context, event Event) error
}

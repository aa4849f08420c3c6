package storage

import (
	"errors"
	"time"

	"github.com/kalambet/thoughtd/internal/thought"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a thought changed since it was read.
var ErrConflict = errors.New("version conflict")

// JobStatus is the lifecycle state of a processing job. Transitions only
// move forward: queued -> processing -> completed|failed, or
// queued -> rate_limited|failed.
type JobStatus string

const (
	JobQueued      JobStatus = "queued"
	JobProcessing  JobStatus = "processing"
	JobCompleted   JobStatus = "completed"
	JobFailed      JobStatus = "failed"
	JobRateLimited JobStatus = "rate_limited"
)

// Live reports whether the job still blocks a new job for the same thought.
func (s JobStatus) Live() bool {
	return s == JobQueued || s == JobProcessing
}

type Job struct {
	ID          string          `json:"id"`
	ThoughtID   string          `json:"thought_id"`
	UserID      string          `json:"user_id"`
	Trigger     thought.Trigger `json:"trigger"`
	Status      JobStatus       `json:"status"`
	RequestedAt time.Time       `json:"requested_at"`
	RequestedBy string          `json:"requested_by"`
	ToolSpecIDs []string        `json:"tool_spec_ids"`
	Attempts    int             `json:"attempts"`
	Error       string          `json:"error,omitempty"`
	LeaseUntil  *time.Time      `json:"lease_until,omitempty"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Link is a persisted relationship between a thought and another entity.
type Link struct {
	ThoughtID    string    `json:"thought_id"`
	TargetType   string    `json:"target_type"`
	TargetID     string    `json:"target_id"`
	Relationship string    `json:"relationship"`
	Confidence   float64   `json:"confidence"`
	CreatedAt    time.Time `json:"created_at"`
}

// Interaction is one logged provider exchange.
type Interaction struct {
	ID          string
	UserID      string
	ThoughtID   string
	Trigger     thought.Trigger
	Prompt      string
	RawResponse string
	ActionsJSON string // JSON array stored as text
	Usage       thought.TokenUsage
	Error       string
	CreatedAt   time.Time
}

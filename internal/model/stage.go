package model

import "time"

// StageKind names a pipeline stage.
type StageKind string

const (
	StageExtraction StageKind = "extraction"
	StageExpansion  StageKind = "expansion"
	StageValidation StageKind = "validation"
	StageReporting  StageKind = "reporting"
)

// Stages lists the pipeline stages in execution order.
var Stages = []StageKind{StageExtraction, StageExpansion, StageValidation, StageReporting}

// StageStatus represents the state of a stage task.
type StageStatus string

const (
	StageStatusPending   StageStatus = "pending"
	StageStatusRunning   StageStatus = "running"
	StageStatusCompleted StageStatus = "completed"
	StageStatusFailed    StageStatus = "failed"
	StageStatusCancelled StageStatus = "cancelled"
	StageStatusSkipped   StageStatus = "skipped"
)

// CanTransition reports whether a stage task may move from s to next.
// failed -> running is the retry loop; the caller owns the retry budget.
func (s StageStatus) CanTransition(next StageStatus) bool {
	switch s {
	case StageStatusPending:
		return next == StageStatusRunning || next == StageStatusCancelled || next == StageStatusSkipped
	case StageStatusRunning:
		return next == StageStatusCompleted || next == StageStatusFailed || next == StageStatusCancelled
	case StageStatusFailed:
		return next == StageStatusRunning
	default:
		return false
	}
}

// StageTask tracks one stage of one project run.
type StageTask struct {
	ID               string         `json:"id"`
	ProjectID        string         `json:"project_id"`
	Kind             StageKind      `json:"kind"`
	Status           StageStatus    `json:"status"`
	Progress         float64        `json:"progress"`
	CurrentOperation string         `json:"current_operation,omitempty"`
	Result           map[string]any `json:"result,omitempty"`
	ResultCount      int            `json:"result_count"`
	ErrorMessage     string         `json:"error_message,omitempty"`
	ErrorKind        string         `json:"error_kind,omitempty"`
	RetryCount       int            `json:"retry_count"`
	CreatedAt        time.Time      `json:"created_at"`
	StartedAt        *time.Time     `json:"started_at,omitempty"`
	CompletedAt      *time.Time     `json:"completed_at,omitempty"`
}

// StageUpdate is a partial update to a stage task. Nil fields are left as is.
type StageUpdate struct {
	Status           *StageStatus
	Progress         *float64
	CurrentOperation *string
	Result           map[string]any
	ResultCount      *int
	ErrorMessage     *string
	ErrorKind        *string
	RetryCount       *int
	StartedAt        *time.Time
	CompletedAt      *time.Time
}

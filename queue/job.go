// Package queue implements the durable job-execution engine: the job state
// machine, the backend persistence contract, the worker-pool processor with
// per-job timeout and step memoisation, the cron-schedule evaluator, and the
// waitpoint mechanism that suspends and resumes jobs.
package queue

import (
	"encoding/json"
	"time"
)

// JobStatus represents the current state of a job
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusWaiting    JobStatus = "waiting"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// IsValidStatus returns true if the status string is a valid JobStatus
func IsValidStatus(s string) bool {
	switch JobStatus(s) {
	case JobStatusPending, JobStatusProcessing, JobStatusWaiting,
		JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the status admits no further transitions
// other than an explicit retry (failed) or cleanup (completed).
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// FailureReason classifies why a job invocation failed.
type FailureReason string

const (
	// FailureTimeout means the per-job deadline fired before the handler returned.
	FailureTimeout FailureReason = "timeout"
	// FailureHandlerError means the handler returned an error other than a wait signal.
	FailureHandlerError FailureReason = "handler_error"
	// FailureNoHandler means no handler was registered for the job type.
	FailureNoHandler FailureReason = "no_handler"
)

// Group identifies the concurrency group a job belongs to.
// Jobs sharing a group id compete for the processor's per-group
// concurrency cap.
type Group struct {
	ID   string `json:"id"`
	Tier string `json:"tier,omitempty"`
}

// JobError is one entry in a job's error history.
type JobError struct {
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// StepResult is the cached outcome of a named handler step.
// It survives suspensions: when a waiting job resumes, completed steps
// return their stored result instead of re-executing.
type StepResult struct {
	Completed bool            `json:"completed"`
	Result    json.RawMessage `json:"result,omitempty"`
}

// Job is a durable record of work to be performed.
//
// A job is created by AddJob/AddJobs (or by a due cron schedule), mutated
// only through the backend's named operations, and destroyed by
// CleanupOldJobs once completed and old enough.
type Job struct {
	ID int64 `json:"id"`

	// Classification
	JobType        string          `json:"job_type"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Tags           []string        `json:"tags,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Group          *Group          `json:"group,omitempty"`

	// Scheduling
	Priority  int       `json:"priority"`
	RunAt     time.Time `json:"run_at"`
	CreatedAt time.Time `json:"created_at"`

	// Execution budget
	MaxAttempts        int            `json:"max_attempts"`
	Attempts           int            `json:"attempts"`
	Timeout            *time.Duration `json:"timeout_ms,omitempty"` // nil = unbounded
	ForceKillOnTimeout bool           `json:"force_kill_on_timeout,omitempty"`
	RetryDelay         *int           `json:"retry_delay,omitempty"` // seconds
	RetryBackoff       *bool          `json:"retry_backoff,omitempty"`
	RetryDelayMax      *int           `json:"retry_delay_max,omitempty"` // seconds

	// Lease - present iff status is processing
	LockedAt *time.Time `json:"locked_at,omitempty"`
	LockedBy string     `json:"locked_by,omitempty"`

	// Outcome
	Status            JobStatus       `json:"status"`
	Output            json.RawMessage `json:"output,omitempty"`
	ErrorHistory      []JobError      `json:"error_history,omitempty"`
	FailureReason     FailureReason   `json:"failure_reason,omitempty"`
	NextAttemptAt     *time.Time      `json:"next_attempt_at,omitempty"`
	DeadLetterJobType string          `json:"dead_letter_job_type,omitempty"`
	DeadLetterJobID   *int64          `json:"dead_letter_job_id,omitempty"`
	DeadLetteredAt    *time.Time      `json:"dead_lettered_at,omitempty"`

	// Suspension - exactly one of WaitUntil/WaitTokenID is set iff waiting
	WaitUntil   *time.Time            `json:"wait_until,omitempty"`
	WaitTokenID string                `json:"wait_token_id,omitempty"`
	StepData    map[string]StepResult `json:"step_data,omitempty"`

	// Lifecycle timestamps
	UpdatedAt       time.Time  `json:"updated_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	LastRetriedAt   *time.Time `json:"last_retried_at,omitempty"`
	LastFailedAt    *time.Time `json:"last_failed_at,omitempty"`
	LastCancelledAt *time.Time `json:"last_cancelled_at,omitempty"`

	// Progress is 0-100, nil until the handler reports one.
	Progress *int `json:"progress,omitempty"`
}

// DeadLetterEnvelope is the payload of a dead-letter job: the summary of the
// source job, its original payload, and the final failure.
type DeadLetterEnvelope struct {
	OriginalJob     DeadLetterJobSummary `json:"original_job"`
	OriginalPayload json.RawMessage      `json:"original_payload,omitempty"`
	Failure         DeadLetterFailure    `json:"failure"`
}

// DeadLetterJobSummary identifies the source job inside a dead-letter envelope.
type DeadLetterJobSummary struct {
	ID          int64     `json:"id"`
	JobType     string    `json:"job_type"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"max_attempts"`
	CreatedAt   time.Time `json:"created_at"`
}

// DeadLetterFailure is the final failure that exhausted the source job's retries.
type DeadLetterFailure struct {
	Message string        `json:"message"`
	Reason  FailureReason `json:"reason"`
}

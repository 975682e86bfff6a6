package queue

import (
	"context"
	"encoding/json"
	"time"
)

// Backend is the storage contract every engine backend satisfies.
//
// All operations are atomic with respect to concurrent workers: the
// relational backend uses row locks (SELECT ... FOR UPDATE SKIP LOCKED),
// the key-value backend executes server-evaluated scripts. Implementations
// log a one-line trace per operation through their injected logger; errors
// in event recording are swallowed, all other errors propagate.
type Backend interface {
	// AddJob inserts a job with status pending and records an added event.
	// When the idempotency key already maps to a job, the existing id is
	// returned with no insert and no event.
	AddJob(ctx context.Context, opts AddJobOptions) (int64, error)

	// AddJobTx inserts on a caller-supplied transaction so a rollback undoes
	// the enqueue; events recorded during the enqueue ride the same
	// transaction. Only the relational backend supports it; the key-value
	// backend returns errors.ErrTxUnsupported.
	AddJobTx(ctx context.Context, tx any, opts AddJobOptions) (int64, error)

	// AddJobs inserts a batch, returning ids in the same order. Duplicate-key
	// items return the existing id; new items land in one atomic unit when
	// the backend supports it.
	AddJobs(ctx context.Context, batch []AddJobOptions) ([]int64, error)

	// GetJob returns a job or errors.ErrJobNotFound.
	GetJob(ctx context.Context, id int64) (*Job, error)

	// GetJobs lists jobs matching the filters, ordered by created_at
	// descending with id-descending tie-break.
	GetJobs(ctx context.Context, filters JobFilters) ([]*Job, error)

	// CountJobsByStatus returns the number of jobs per status.
	CountJobsByStatus(ctx context.Context) (map[JobStatus]int, error)

	// GetNextBatch promotes ready delayed work, due retries and expired
	// wall-clock waits, then claims up to batchSize jobs for workerID in
	// (priority DESC, created_at ASC, id ASC) order. jobTypes narrows the
	// claim; groupConcurrency > 0 caps in-flight jobs per group id.
	// Token-bound waits are never promoted here.
	GetNextBatch(ctx context.Context, workerID string, batchSize int, jobTypes []string, groupConcurrency int) ([]*Job, error)

	// CompleteJob finishes a processing job: status completed, step data
	// cleared, wait fields cleared. A nil output preserves any output
	// previously stored via UpdateOutput.
	CompleteJob(ctx context.Context, id int64, output json.RawMessage) error

	// FailJob appends to the error history and either schedules a retry
	// (attempts remaining) or fails terminally, enqueuing a dead-letter
	// job when the source carries a dead-letter job type.
	FailJob(ctx context.Context, id int64, jobErr string, reason FailureReason) error

	// RetryJob forces a failed or processing job back to pending. Other
	// statuses are a no-op.
	RetryJob(ctx context.Context, id int64) error

	// CancelJob cancels a pending or waiting job. Other statuses are a no-op.
	CancelJob(ctx context.Context, id int64) error

	// EditJob applies updates to a pending job and records an edited event
	// with the diff. Non-pending jobs are skipped; the bool reports whether
	// the edit was applied.
	EditJob(ctx context.Context, id int64, updates JobUpdates) (bool, error)

	// EditAllPendingJobs edits every pending job matching the filters,
	// returning how many were changed.
	EditAllPendingJobs(ctx context.Context, filters JobFilters, updates JobUpdates) (int, error)

	// ProlongJob refreshes the lease (locked_at) of a processing job.
	// Best-effort heartbeat; never fails the job.
	ProlongJob(ctx context.Context, id int64) error

	// UpdateProgress and UpdateOutput are best-effort in-flight writes
	// during processing.
	UpdateProgress(ctx context.Context, id int64, progress int) error
	UpdateOutput(ctx context.Context, id int64, output json.RawMessage) error

	// ReclaimStuckJobs re-queues processing jobs whose lease is older than
	// max(maxProcessing, job timeout). Idempotent; returns the count.
	ReclaimStuckJobs(ctx context.Context, maxProcessing time.Duration) (int, error)

	// CleanupOldJobs deletes completed jobs untouched for longer than
	// olderThan, in batches, together with their events and indexes.
	CleanupOldJobs(ctx context.Context, olderThan time.Duration, batchSize int) (int, error)

	// CleanupOldJobEvents purges events older than the cutoff, including
	// orphan event lists whose job no longer exists.
	CleanupOldJobEvents(ctx context.Context, olderThan time.Duration, batchSize int) (int, error)

	// WaitJob suspends a processing job: persists the step cache and the
	// wait target (exactly one of waitUntil / tokenID) and clears the lease.
	WaitJob(ctx context.Context, id int64, waitUntil *time.Time, tokenID string, stepData map[string]StepResult) error

	// CreateToken issues a waitpoint token.
	CreateToken(ctx context.Context, opts CreateTokenOptions) (*Waitpoint, error)

	// CompleteToken transitions a token to completed and, if it is bound to
	// a waiting job, restores that job to pending.
	CompleteToken(ctx context.Context, tokenID string, output json.RawMessage) (*Waitpoint, error)

	// GetToken returns a token or errors.ErrTokenNotFound.
	GetToken(ctx context.Context, tokenID string) (*Waitpoint, error)

	// ExpireTimedOutTokens times out waiting tokens whose deadline passed
	// and resumes their bound jobs. Returns the count.
	ExpireTimedOutTokens(ctx context.Context) (int, error)

	AddCronSchedule(ctx context.Context, opts AddCronScheduleOptions) (*CronSchedule, error)
	GetCronSchedule(ctx context.Context, id int64) (*CronSchedule, error)
	GetCronScheduleByName(ctx context.Context, name string) (*CronSchedule, error)
	ListCronSchedules(ctx context.Context, status *CronScheduleStatus) ([]*CronSchedule, error)
	PauseCronSchedule(ctx context.Context, id int64) error
	ResumeCronSchedule(ctx context.Context, id int64) error
	EditCronSchedule(ctx context.Context, id int64, updates CronScheduleUpdates) (*CronSchedule, error)
	RemoveCronSchedule(ctx context.Context, id int64) error

	// GetDueCronSchedules returns active schedules with next_run_at <= now.
	GetDueCronSchedules(ctx context.Context) ([]*CronSchedule, error)

	// UpdateCronScheduleAfterEnqueue records a fire: last enqueue time, the
	// enqueued job id, and the freshly computed next run.
	UpdateCronScheduleAfterEnqueue(ctx context.Context, id int64, enqueuedAt time.Time, jobID int64, nextRunAt time.Time) error

	// RecordJobEvent appends to a job's event log.
	RecordJobEvent(ctx context.Context, jobID int64, eventType EventType, metadata json.RawMessage) error

	// GetJobEvents returns a job's events ordered by event id.
	GetJobEvents(ctx context.Context, jobID int64) ([]*Event, error)

	// Close releases the backend's pool or client.
	Close() error
}

package postgres

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/teranos/dataqueue/errors"
	"github.com/teranos/dataqueue/queue"
)

// Backend implements queue.Backend on a PostgreSQL pool.
type Backend struct {
	pool *pgxpool.Pool
	log  *zap.SugaredLogger
}

var _ queue.Backend = (*Backend)(nil)

// New wraps an existing pool. The pool must already be migrated; Connect
// does both.
func New(pool *pgxpool.Pool, logger *zap.SugaredLogger) *Backend {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Backend{pool: pool, log: logger}
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx so every operation
// can run standalone or inside a caller's transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const jobColumns = `id, job_type, payload, tags, idempotency_key, group_id, group_tier,
	priority, run_at, created_at,
	max_attempts, attempts, timeout_ms, force_kill_on_timeout,
	retry_delay, retry_backoff, retry_delay_max,
	locked_at, locked_by,
	status, output, error_history, failure_reason, next_attempt_at,
	dead_letter_job_type, dead_letter_job_id, dead_lettered_at,
	wait_until, wait_token_id, step_data,
	updated_at, started_at, completed_at, last_retried_at, last_failed_at, last_cancelled_at,
	progress`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*queue.Job, error) {
	var (
		j                              queue.Job
		payload, output, history, step []byte
		idemKey, groupID, groupTier    *string
		timeoutMs                      *int64
		lockedBy, failureReason        *string
		dlType, waitTokenID            *string
		status                         string
	)
	err := row.Scan(
		&j.ID, &j.JobType, &payload, &j.Tags, &idemKey, &groupID, &groupTier,
		&j.Priority, &j.RunAt, &j.CreatedAt,
		&j.MaxAttempts, &j.Attempts, &timeoutMs, &j.ForceKillOnTimeout,
		&j.RetryDelay, &j.RetryBackoff, &j.RetryDelayMax,
		&j.LockedAt, &lockedBy,
		&status, &output, &history, &failureReason, &j.NextAttemptAt,
		&dlType, &j.DeadLetterJobID, &j.DeadLetteredAt,
		&j.WaitUntil, &waitTokenID, &step,
		&j.UpdatedAt, &j.StartedAt, &j.CompletedAt, &j.LastRetriedAt, &j.LastFailedAt, &j.LastCancelledAt,
		&j.Progress,
	)
	if err != nil {
		return nil, err
	}

	j.Payload = json.RawMessage(payload)
	j.Output = json.RawMessage(output)
	j.Status = queue.JobStatus(status)
	j.IdempotencyKey = strOf(idemKey)
	j.LockedBy = strOf(lockedBy)
	j.FailureReason = queue.FailureReason(strOf(failureReason))
	j.DeadLetterJobType = strOf(dlType)
	j.WaitTokenID = strOf(waitTokenID)
	if groupID != nil {
		j.Group = &queue.Group{ID: *groupID, Tier: strOf(groupTier)}
	}
	if timeoutMs != nil {
		d := time.Duration(*timeoutMs) * time.Millisecond
		j.Timeout = &d
	}
	if len(history) > 0 {
		if err := json.Unmarshal(history, &j.ErrorHistory); err != nil {
			return nil, errors.Wrap(err, "decoding error history")
		}
	}
	if len(step) > 0 {
		if err := json.Unmarshal(step, &j.StepData); err != nil {
			return nil, errors.Wrap(err, "decoding step data")
		}
	}
	return &j, nil
}

func strOf(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

// jsonbArg maps empty raw JSON to SQL NULL.
func jsonbArg(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

// textArg maps the empty string to SQL NULL.
func textArg(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func tagsArg(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}

func recordEvent(ctx context.Context, q querier, jobID int64, eventType queue.EventType, metadata json.RawMessage) error {
	_, err := q.Exec(ctx,
		`INSERT INTO job_events (job_id, event_type, metadata) VALUES ($1, $2, $3)`,
		jobID, string(eventType), jsonbArg(metadata))
	return err
}

// AddJob enqueues a job, deduplicating on the idempotency key.
func (b *Backend) AddJob(ctx context.Context, opts queue.AddJobOptions) (int64, error) {
	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "begin enqueue")
	}
	defer tx.Rollback(ctx)

	id, err := b.addJobOn(ctx, tx, opts)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, errors.Wrap(err, "commit enqueue")
	}
	return id, nil
}

// AddJobTx enqueues on a caller-supplied pgx.Tx so a rollback undoes the
// enqueue, events included.
func (b *Backend) AddJobTx(ctx context.Context, tx any, opts queue.AddJobOptions) (int64, error) {
	pgTx, ok := tx.(pgx.Tx)
	if !ok {
		return 0, errors.Wrapf(errors.ErrTxUnsupported, "expected pgx.Tx, got %T", tx)
	}
	return b.addJobOn(ctx, pgTx, opts)
}

// AddJobs enqueues a batch in one transaction; a failure rolls the whole
// batch back.
func (b *Backend) AddJobs(ctx context.Context, batch []queue.AddJobOptions) ([]int64, error) {
	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "begin batch enqueue")
	}
	defer tx.Rollback(ctx)

	ids := make([]int64, 0, len(batch))
	for i, opts := range batch {
		id, err := b.addJobOn(ctx, tx, opts)
		if err != nil {
			return nil, errors.Wrapf(err, "job %d of batch", i)
		}
		ids = append(ids, id)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "commit batch enqueue")
	}
	return ids, nil
}

func (b *Backend) addJobOn(ctx context.Context, q querier, opts queue.AddJobOptions) (int64, error) {
	if err := opts.Validate(); err != nil {
		return 0, err
	}
	now := time.Now().UTC()
	runAt := now
	if opts.RunAt != nil {
		runAt = opts.RunAt.UTC()
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = queue.DefaultMaxAttempts
	}
	var groupID, groupTier any
	if opts.Group != nil {
		groupID = opts.Group.ID
		groupTier = textArg(opts.Group.Tier)
	}
	var timeoutMs any
	if opts.Timeout != nil {
		timeoutMs = opts.Timeout.Milliseconds()
	}

	var id int64
	err := q.QueryRow(ctx, `
		INSERT INTO job_queue (
			job_type, payload, tags, idempotency_key, group_id, group_tier,
			priority, run_at, created_at,
			max_attempts, timeout_ms, force_kill_on_timeout,
			retry_delay, retry_backoff, retry_delay_max,
			dead_letter_job_type, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
		ON CONFLICT (idempotency_key) WHERE idempotency_key IS NOT NULL DO NOTHING
		RETURNING id`,
		opts.JobType, jsonbArg(opts.Payload), tagsArg(opts.Tags), textArg(opts.IdempotencyKey),
		groupID, groupTier,
		opts.Priority, runAt, now,
		maxAttempts, timeoutMs, opts.ForceKillOnTimeout,
		opts.RetryDelay, opts.RetryBackoff, opts.RetryDelayMax,
		textArg(opts.DeadLetterJobType), now,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		// Duplicate idempotency key: hand back the existing id, no event.
		err = q.QueryRow(ctx,
			`SELECT id FROM job_queue WHERE idempotency_key = $1`, opts.IdempotencyKey).Scan(&id)
		if err != nil {
			return 0, errors.Wrapf(err, "resolving idempotency key %q", opts.IdempotencyKey)
		}
		b.log.Debugw("Deduplicated job", "jobID", id, "idempotencyKey", opts.IdempotencyKey)
		return id, nil
	}
	if err != nil {
		return 0, errors.Wrapf(err, "inserting job of type %s", opts.JobType)
	}

	if err := recordEvent(ctx, q, id, queue.EventAdded, nil); err != nil {
		return 0, errors.Wrapf(err, "recording added event for job %d", id)
	}
	b.log.Debugw("Added job", "jobID", id, "jobType", opts.JobType, "runAt", runAt)
	return id, nil
}

// GetJob returns a job or errors.ErrJobNotFound.
func (b *Backend) GetJob(ctx context.Context, id int64) (*queue.Job, error) {
	job, err := scanJob(b.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM job_queue WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.Wrapf(errors.ErrJobNotFound, "job %d", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "reading job %d", id)
	}
	return job, nil
}

// CompleteJob finishes a processing job. A nil output preserves any output
// stored during processing.
func (b *Backend) CompleteJob(ctx context.Context, id int64, output json.RawMessage) error {
	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "begin complete")
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE job_queue SET
			status = 'completed',
			output = COALESCE($2::jsonb, output),
			completed_at = now(),
			updated_at = now(),
			locked_at = NULL, locked_by = NULL,
			wait_until = NULL, wait_token_id = NULL,
			step_data = NULL,
			next_attempt_at = NULL
		WHERE id = $1 AND status = 'processing'`,
		id, jsonbArg(output))
	if err != nil {
		return errors.Wrapf(err, "completing job %d", id)
	}
	if tag.RowsAffected() == 0 {
		return errors.Wrapf(errors.ErrInvalidStatus, "job %d is not processing", id)
	}
	if err := recordEvent(ctx, tx, id, queue.EventCompleted, nil); err != nil {
		return errors.Wrapf(err, "recording completed event for job %d", id)
	}
	if err := tx.Commit(ctx); err != nil {
		return errors.Wrapf(err, "commit complete of job %d", id)
	}
	b.log.Debugw("Completed job", "jobID", id)
	return nil
}

// FailJob records a failure, scheduling a retry while attempts remain and
// dead-lettering on exhaustion.
func (b *Backend) FailJob(ctx context.Context, id int64, jobErr string, reason queue.FailureReason) error {
	now := time.Now().UTC()

	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "begin fail")
	}
	defer tx.Rollback(ctx)

	if err := b.failJobOn(ctx, tx, id, jobErr, reason, now); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return errors.Wrapf(err, "commit fail of job %d", id)
	}
	return nil
}

// failJobOn runs the fail protocol on an open transaction; GetNextBatch
// uses it to retire exhausted reclaimed jobs inside the claim tx.
func (b *Backend) failJobOn(ctx context.Context, tx pgx.Tx, id int64, jobErr string, reason queue.FailureReason, now time.Time) error {
	job, err := scanJob(tx.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM job_queue WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return errors.Wrapf(errors.ErrJobNotFound, "job %d", id)
	}
	if err != nil {
		return errors.Wrapf(err, "reading job %d", id)
	}

	job.ErrorHistory = append(job.ErrorHistory, queue.JobError{Message: jobErr, Timestamp: now})
	history, err := json.Marshal(job.ErrorHistory)
	if err != nil {
		return errors.Wrap(err, "encoding error history")
	}

	willRetry := job.Attempts < job.MaxAttempts
	var nextAttemptAt any
	if willRetry {
		nextAttemptAt = job.ComputeNextAttemptAt(now)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE job_queue SET
			status = 'failed',
			error_history = $2,
			failure_reason = $3,
			next_attempt_at = $4,
			last_failed_at = $5,
			updated_at = $5,
			locked_at = NULL, locked_by = NULL
		WHERE id = $1`,
		id, string(history), string(reason), nextAttemptAt, now); err != nil {
		return errors.Wrapf(err, "failing job %d", id)
	}

	meta, _ := json.Marshal(map[string]any{
		"error":      jobErr,
		"reason":     reason,
		"will_retry": willRetry,
	})
	if err := recordEvent(ctx, tx, id, queue.EventFailed, meta); err != nil {
		return errors.Wrapf(err, "recording failed event for job %d", id)
	}

	if !willRetry && job.DeadLetterJobType != "" {
		if err := b.deadLetterOn(ctx, tx, job, jobErr, reason, now); err != nil {
			return err
		}
	}
	b.log.Debugw("Failed job", "jobID", id, "reason", reason, "willRetry", willRetry)
	return nil
}

// deadLetterOn enqueues the dead-letter job on the same transaction as the
// terminal failure, so both land or neither does.
func (b *Backend) deadLetterOn(ctx context.Context, tx pgx.Tx, job *queue.Job, jobErr string, reason queue.FailureReason, now time.Time) error {
	envelope, err := json.Marshal(queue.DeadLetterEnvelope{
		OriginalJob: queue.DeadLetterJobSummary{
			ID:          job.ID,
			JobType:     job.JobType,
			Attempts:    job.Attempts,
			MaxAttempts: job.MaxAttempts,
			CreatedAt:   job.CreatedAt,
		},
		OriginalPayload: job.Payload,
		Failure:         queue.DeadLetterFailure{Message: jobErr, Reason: reason},
	})
	if err != nil {
		return errors.Wrap(err, "encoding dead-letter envelope")
	}

	dlID, err := b.addJobOn(ctx, tx, queue.AddJobOptions{
		JobType: job.DeadLetterJobType,
		Payload: envelope,
		Tags:    job.Tags,
	})
	if err != nil {
		return errors.Wrapf(err, "enqueueing dead-letter job for %d", job.ID)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE job_queue SET dead_letter_job_id = $2, dead_lettered_at = $3, updated_at = $3
		WHERE id = $1`, job.ID, dlID, now); err != nil {
		return errors.Wrapf(err, "linking dead-letter job %d to %d", dlID, job.ID)
	}
	b.log.Infow("Dead-lettered job", "jobID", job.ID, "deadLetterJobID", dlID, "deadLetterJobType", job.DeadLetterJobType)
	return nil
}

// RetryJob forces a failed or processing job back to pending. Other
// statuses are a no-op.
func (b *Backend) RetryJob(ctx context.Context, id int64) error {
	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "begin retry")
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE job_queue SET
			status = 'pending',
			next_attempt_at = NULL,
			locked_at = NULL, locked_by = NULL,
			updated_at = now()
		WHERE id = $1 AND status IN ('failed', 'processing')`, id)
	if err != nil {
		return errors.Wrapf(err, "retrying job %d", id)
	}
	if tag.RowsAffected() == 0 {
		return nil
	}
	if err := recordEvent(ctx, tx, id, queue.EventRetried, nil); err != nil {
		return errors.Wrapf(err, "recording retried event for job %d", id)
	}
	if err := tx.Commit(ctx); err != nil {
		return errors.Wrapf(err, "commit retry of job %d", id)
	}
	b.log.Debugw("Retried job", "jobID", id)
	return nil
}

// CancelJob cancels a pending or waiting job. Other statuses are a no-op.
func (b *Backend) CancelJob(ctx context.Context, id int64) error {
	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "begin cancel")
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE job_queue SET
			status = 'cancelled',
			last_cancelled_at = now(),
			updated_at = now(),
			wait_until = NULL, wait_token_id = NULL,
			next_attempt_at = NULL
		WHERE id = $1 AND status IN ('pending', 'waiting')`, id)
	if err != nil {
		return errors.Wrapf(err, "cancelling job %d", id)
	}
	if tag.RowsAffected() == 0 {
		return nil
	}
	if err := recordEvent(ctx, tx, id, queue.EventCancelled, nil); err != nil {
		return errors.Wrapf(err, "recording cancelled event for job %d", id)
	}
	if err := tx.Commit(ctx); err != nil {
		return errors.Wrapf(err, "commit cancel of job %d", id)
	}
	b.log.Debugw("Cancelled job", "jobID", id)
	return nil
}

// EditJob applies updates to a pending job. Non-pending jobs are skipped.
func (b *Backend) EditJob(ctx context.Context, id int64, updates queue.JobUpdates) (bool, error) {
	if updates.IsZero() {
		return false, nil
	}

	set := []string{"updated_at = now()"}
	args := []any{id}
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	if updates.Payload != nil {
		set = append(set, "payload = "+arg(string(updates.Payload)))
	}
	if updates.Priority != nil {
		set = append(set, "priority = "+arg(*updates.Priority))
	}
	if updates.MaxAttempts != nil {
		set = append(set, "max_attempts = "+arg(*updates.MaxAttempts))
	}
	if updates.RunAt != nil {
		set = append(set, "run_at = "+arg(updates.RunAt.UTC()))
	}
	if updates.ClearTimeout {
		set = append(set, "timeout_ms = NULL")
	} else if updates.Timeout != nil {
		set = append(set, "timeout_ms = "+arg(updates.Timeout.Milliseconds()))
	}
	if updates.ClearTags {
		set = append(set, "tags = '{}'")
	} else if updates.Tags != nil {
		set = append(set, "tags = "+arg(updates.Tags))
	}
	if updates.RetryDelay != nil {
		set = append(set, "retry_delay = "+arg(*updates.RetryDelay))
	}
	if updates.RetryBackoff != nil {
		set = append(set, "retry_backoff = "+arg(*updates.RetryBackoff))
	}
	if updates.RetryDelayMax != nil {
		set = append(set, "retry_delay_max = "+arg(*updates.RetryDelayMax))
	}

	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return false, errors.Wrap(err, "begin edit")
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE job_queue SET `+joinSet(set)+` WHERE id = $1 AND status = 'pending'`, args...)
	if err != nil {
		return false, errors.Wrapf(err, "editing job %d", id)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	if err := recordEvent(ctx, tx, id, queue.EventEdited, updates.Diff()); err != nil {
		return false, errors.Wrapf(err, "recording edited event for job %d", id)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, errors.Wrapf(err, "commit edit of job %d", id)
	}
	b.log.Debugw("Edited job", "jobID", id)
	return true, nil
}

func joinSet(set []string) string {
	out := set[0]
	for _, s := range set[1:] {
		out += ", " + s
	}
	return out
}

// EditAllPendingJobs edits every pending job matching the filters.
func (b *Backend) EditAllPendingJobs(ctx context.Context, filters queue.JobFilters, updates queue.JobUpdates) (int, error) {
	pending := queue.JobStatusPending
	filters.Status = &pending
	filters.Limit = 0
	filters.Offset = 0

	jobs, err := b.GetJobs(ctx, filters)
	if err != nil {
		return 0, err
	}
	edited := 0
	for _, job := range jobs {
		ok, err := b.EditJob(ctx, job.ID, updates)
		if err != nil {
			return edited, err
		}
		if ok {
			edited++
		}
	}
	return edited, nil
}

// ProlongJob refreshes the lease of a processing job.
func (b *Backend) ProlongJob(ctx context.Context, id int64) error {
	_, err := b.pool.Exec(ctx, `
		UPDATE job_queue SET locked_at = now(), updated_at = now()
		WHERE id = $1 AND status = 'processing'`, id)
	if err != nil {
		return errors.Wrapf(err, "prolonging job %d", id)
	}
	return nil
}

// UpdateProgress stores in-flight progress while the job is processing.
func (b *Backend) UpdateProgress(ctx context.Context, id int64, progress int) error {
	_, err := b.pool.Exec(ctx, `
		UPDATE job_queue SET progress = $2, updated_at = now()
		WHERE id = $1 AND status = 'processing'`, id, progress)
	if err != nil {
		return errors.Wrapf(err, "updating progress of job %d", id)
	}
	return nil
}

// UpdateOutput stores an in-flight output while the job is processing.
func (b *Backend) UpdateOutput(ctx context.Context, id int64, output json.RawMessage) error {
	_, err := b.pool.Exec(ctx, `
		UPDATE job_queue SET output = $2, updated_at = now()
		WHERE id = $1 AND status = 'processing'`, id, jsonbArg(output))
	if err != nil {
		return errors.Wrapf(err, "updating output of job %d", id)
	}
	return nil
}

// ReclaimStuckJobs re-queues processing jobs whose lease is older than
// max(maxProcessing, job timeout).
func (b *Backend) ReclaimStuckJobs(ctx context.Context, maxProcessing time.Duration) (int, error) {
	tag, err := b.pool.Exec(ctx, `
		UPDATE job_queue SET
			status = 'pending',
			locked_at = NULL, locked_by = NULL,
			updated_at = now()
		WHERE status = 'processing'
		  AND locked_at <= now() - (GREATEST($1::bigint, COALESCE(timeout_ms, 0)) * interval '1 millisecond')`,
		maxProcessing.Milliseconds())
	if err != nil {
		return 0, errors.Wrap(err, "reclaiming stuck jobs")
	}
	n := int(tag.RowsAffected())
	if n > 0 {
		b.log.Infow("Reclaimed stuck jobs", "count", n)
	}
	return n, nil
}

// CleanupOldJobs deletes completed jobs untouched for longer than olderThan,
// events included.
func (b *Backend) CleanupOldJobs(ctx context.Context, olderThan time.Duration, batchSize int) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)

	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "begin cleanup")
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		DELETE FROM job_queue
		WHERE id IN (
			SELECT id FROM job_queue
			WHERE status = 'completed' AND updated_at < $1
			ORDER BY updated_at
			LIMIT $2
		)
		RETURNING id`, cutoff, batchSize)
	if err != nil {
		return 0, errors.Wrap(err, "cleaning up old jobs")
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return 0, errors.Wrap(err, "collecting cleaned job ids")
	}
	if len(ids) > 0 {
		if _, err := tx.Exec(ctx,
			`DELETE FROM job_events WHERE job_id = ANY($1)`, ids); err != nil {
			return 0, errors.Wrap(err, "cleaning up events of deleted jobs")
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, errors.Wrap(err, "commit cleanup")
	}
	if len(ids) > 0 {
		b.log.Infow("Cleaned up old jobs", "count", len(ids))
	}
	return len(ids), nil
}

// CleanupOldJobEvents purges events older than the cutoff.
func (b *Backend) CleanupOldJobEvents(ctx context.Context, olderThan time.Duration, batchSize int) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	tag, err := b.pool.Exec(ctx, `
		DELETE FROM job_events
		WHERE id IN (
			SELECT id FROM job_events
			WHERE created_at < $1
			ORDER BY created_at
			LIMIT $2
		)`, cutoff, batchSize)
	if err != nil {
		return 0, errors.Wrap(err, "cleaning up old job events")
	}
	return int(tag.RowsAffected()), nil
}

// WaitJob parks a processing job on a wall-clock instant or token.
func (b *Backend) WaitJob(ctx context.Context, id int64, waitUntil *time.Time, tokenID string, stepData map[string]queue.StepResult) error {
	if (waitUntil == nil) == (tokenID == "") {
		return errors.New("wait requires exactly one of waitUntil or tokenID")
	}
	if stepData == nil {
		stepData = map[string]queue.StepResult{}
	}
	steps, err := json.Marshal(stepData)
	if err != nil {
		return errors.Wrap(err, "encoding step data")
	}

	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "begin wait")
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE job_queue SET
			status = 'waiting',
			wait_until = $2,
			wait_token_id = $3,
			step_data = $4,
			locked_at = NULL, locked_by = NULL,
			updated_at = now()
		WHERE id = $1 AND status = 'processing'`,
		id, waitUntil, textArg(tokenID), string(steps))
	if err != nil {
		return errors.Wrapf(err, "parking job %d", id)
	}
	if tag.RowsAffected() == 0 {
		return errors.Wrapf(errors.ErrInvalidStatus, "job %d is not processing", id)
	}

	if tokenID != "" {
		// Bind an unbound token to this job.
		if _, err := tx.Exec(ctx, `
			UPDATE waitpoints SET job_id = $2 WHERE id = $1 AND job_id IS NULL`,
			tokenID, id); err != nil {
			return errors.Wrapf(err, "binding token %s to job %d", tokenID, id)
		}
	}

	meta, _ := json.Marshal(map[string]any{"wait_until": waitUntil, "token_id": tokenID})
	if err := recordEvent(ctx, tx, id, queue.EventWaiting, meta); err != nil {
		return errors.Wrapf(err, "recording waiting event for job %d", id)
	}
	if err := tx.Commit(ctx); err != nil {
		return errors.Wrapf(err, "commit wait of job %d", id)
	}
	b.log.Debugw("Parked waiting job", "jobID", id, "tokenID", tokenID)
	return nil
}

// RecordJobEvent appends to a job's event log.
func (b *Backend) RecordJobEvent(ctx context.Context, jobID int64, eventType queue.EventType, metadata json.RawMessage) error {
	if err := recordEvent(ctx, b.pool, jobID, eventType, metadata); err != nil {
		return errors.Wrapf(err, "recording %s event for job %d", eventType, jobID)
	}
	return nil
}

// GetJobEvents returns a job's events ordered by event id.
func (b *Backend) GetJobEvents(ctx context.Context, jobID int64) ([]*queue.Event, error) {
	rows, err := b.pool.Query(ctx, `
		SELECT id, job_id, event_type, created_at, metadata
		FROM job_events WHERE job_id = $1 ORDER BY id`, jobID)
	if err != nil {
		return nil, errors.Wrapf(err, "reading events of job %d", jobID)
	}
	defer rows.Close()

	var events []*queue.Event
	for rows.Next() {
		var (
			e         queue.Event
			eventType string
			metadata  []byte
		)
		if err := rows.Scan(&e.ID, &e.JobID, &eventType, &e.CreatedAt, &metadata); err != nil {
			return nil, errors.Wrapf(err, "scanning event of job %d", jobID)
		}
		e.Type = queue.EventType(eventType)
		e.Metadata = json.RawMessage(metadata)
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrapf(err, "reading events of job %d", jobID)
	}
	return events, nil
}

// Close releases the pool.
func (b *Backend) Close() error {
	b.pool.Close()
	return nil
}

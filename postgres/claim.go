package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/teranos/dataqueue/errors"
	"github.com/teranos/dataqueue/queue"
)

// GetNextBatch promotes due retries and expired wall-clock waits, then
// claims up to batchSize jobs for workerID. The whole protocol runs in one
// transaction; SKIP LOCKED keeps concurrent workers from colliding.
//
// Delayed jobs need no promotion here: they are pending rows whose run_at
// the claim query filters on. Token-bound waits are resumed only by
// CompleteToken / ExpireTimedOutTokens.
func (b *Backend) GetNextBatch(ctx context.Context, workerID string, batchSize int, jobTypes []string, groupConcurrency int) ([]*queue.Job, error) {
	if batchSize <= 0 {
		return nil, nil
	}
	now := time.Now().UTC()

	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "begin claim")
	}
	defer tx.Rollback(ctx)

	// Due retries back to pending.
	if _, err := tx.Exec(ctx, `
		UPDATE job_queue SET status = 'pending', next_attempt_at = NULL, updated_at = $1
		WHERE status = 'failed'
		  AND next_attempt_at IS NOT NULL AND next_attempt_at <= $1
		  AND attempts < max_attempts`, now); err != nil {
		return nil, errors.Wrap(err, "promoting due retries")
	}

	// Expired wall-clock waits back to pending.
	if _, err := tx.Exec(ctx, `
		UPDATE job_queue SET status = 'pending', wait_until = NULL, updated_at = $1
		WHERE status = 'waiting'
		  AND wait_token_id IS NULL
		  AND wait_until IS NOT NULL AND wait_until <= $1`, now); err != nil {
		return nil, errors.Wrap(err, "promoting expired waits")
	}

	// A reclaimed lease can leave a pending job with no attempts remaining;
	// retire those terminally instead of claiming past the cap.
	rows, err := tx.Query(ctx, `
		SELECT id FROM job_queue
		WHERE status = 'pending' AND attempts >= max_attempts
		FOR UPDATE SKIP LOCKED`)
	if err != nil {
		return nil, errors.Wrap(err, "listing exhausted jobs")
	}
	exhausted, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, errors.Wrap(err, "collecting exhausted job ids")
	}
	for _, id := range exhausted {
		if err := b.failJobOn(ctx, tx, id, "no attempts remaining after reclaim", queue.FailureTimeout, now); err != nil {
			return nil, err
		}
	}

	// Claim one row at a time so the per-group cap holds inside the batch:
	// each claim flips a row to processing, which the correlated count in
	// the next iteration observes.
	jobs := make([]*queue.Job, 0, batchSize)
	for len(jobs) < batchSize {
		job, err := scanJob(tx.QueryRow(ctx, `
			UPDATE job_queue SET
				status = 'processing',
				attempts = attempts + 1,
				locked_at = $1,
				locked_by = $2,
				started_at = COALESCE(started_at, $1),
				last_retried_at = CASE WHEN attempts > 0 THEN $1 ELSE last_retried_at END,
				updated_at = $1
			WHERE id = (
				SELECT id FROM job_queue
				WHERE status = 'pending'
				  AND run_at <= $1
				  AND attempts < max_attempts
				  AND (cardinality($3::text[]) = 0 OR job_type = ANY($3::text[]))
				  AND (
					group_id IS NULL
					OR $4::int <= 0
					OR (SELECT count(*) FROM job_queue g
						WHERE g.group_id = job_queue.group_id AND g.status = 'processing') < $4::int
				  )
				ORDER BY priority DESC, created_at ASC, id ASC
				LIMIT 1
				FOR UPDATE SKIP LOCKED
			)
			RETURNING `+jobColumns,
			now, workerID, tagsArg(jobTypes), groupConcurrency))
		if errors.Is(err, pgx.ErrNoRows) {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "claiming job")
		}
		if err := recordEvent(ctx, tx, job.ID, queue.EventProcessing, nil); err != nil {
			return nil, errors.Wrapf(err, "recording processing event for job %d", job.ID)
		}
		jobs = append(jobs, job)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "commit claim")
	}
	if len(jobs) > 0 {
		b.log.Debugw("Claimed batch", "workerID", workerID, "count", len(jobs))
	}
	return jobs, nil
}

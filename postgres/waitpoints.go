package postgres

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/teranos/dataqueue/errors"
	"github.com/teranos/dataqueue/queue"
)

// CreateToken issues a waitpoint token.
func (b *Backend) CreateToken(ctx context.Context, opts queue.CreateTokenOptions) (*queue.Waitpoint, error) {
	now := time.Now().UTC()
	wp := &queue.Waitpoint{
		ID:        queue.NewTokenID(),
		Status:    queue.WaitpointStatusWaiting,
		CreatedAt: now,
		Tags:      opts.Tags,
	}
	if opts.JobID != 0 {
		jobID := opts.JobID
		wp.JobID = &jobID
	}
	if opts.Timeout > 0 {
		deadline := now.Add(opts.Timeout)
		wp.TimeoutAt = &deadline
	}

	if _, err := b.pool.Exec(ctx, `
		INSERT INTO waitpoints (id, job_id, status, timeout_at, created_at, tags)
		VALUES ($1, $2, 'waiting', $3, $4, $5)`,
		wp.ID, wp.JobID, wp.TimeoutAt, now, tagsArg(wp.Tags)); err != nil {
		return nil, errors.Wrapf(err, "creating token %s", wp.ID)
	}
	b.log.Debugw("Created waitpoint token", "tokenID", wp.ID, "jobID", opts.JobID)
	return wp, nil
}

// GetToken returns a token or errors.ErrTokenNotFound.
func (b *Backend) GetToken(ctx context.Context, tokenID string) (*queue.Waitpoint, error) {
	return b.getTokenOn(ctx, b.pool, tokenID)
}

func (b *Backend) getTokenOn(ctx context.Context, q querier, tokenID string) (*queue.Waitpoint, error) {
	var (
		wp     queue.Waitpoint
		status string
		output []byte
	)
	err := q.QueryRow(ctx, `
		SELECT id, job_id, status, output, timeout_at, created_at, completed_at, tags
		FROM waitpoints WHERE id = $1`, tokenID).Scan(
		&wp.ID, &wp.JobID, &status, &output, &wp.TimeoutAt, &wp.CreatedAt, &wp.CompletedAt, &wp.Tags)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.Wrapf(errors.ErrTokenNotFound, "token %s", tokenID)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "reading token %s", tokenID)
	}
	wp.Status = queue.WaitpointStatus(status)
	wp.Output = json.RawMessage(output)
	return &wp, nil
}

// CompleteToken transitions a waiting token to completed and restores its
// bound waiting job to pending. Completing an already-resolved token leaves
// it unchanged.
func (b *Backend) CompleteToken(ctx context.Context, tokenID string, output json.RawMessage) (*queue.Waitpoint, error) {
	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "begin token complete")
	}
	defer tx.Rollback(ctx)

	var jobID *int64
	err = tx.QueryRow(ctx, `
		UPDATE waitpoints SET status = 'completed', output = $2, completed_at = now()
		WHERE id = $1 AND status = 'waiting'
		RETURNING job_id`, tokenID, jsonbArg(output)).Scan(&jobID)
	if errors.Is(err, pgx.ErrNoRows) {
		// Missing or already resolved; the read distinguishes the two.
		wp, gerr := b.getTokenOn(ctx, tx, tokenID)
		if gerr != nil {
			return nil, gerr
		}
		b.log.Debugw("Token already resolved", "tokenID", tokenID)
		return wp, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "completing token %s", tokenID)
	}

	if jobID != nil {
		if err := b.resumeTokenJob(ctx, tx, *jobID, tokenID); err != nil {
			return nil, err
		}
	}

	wp, err := b.getTokenOn(ctx, tx, tokenID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrapf(err, "commit completion of token %s", tokenID)
	}
	b.log.Debugw("Completed waitpoint token", "tokenID", tokenID, "jobID", jobID)
	return wp, nil
}

// resumeTokenJob puts a job waiting on the given token back in the queue.
func (b *Backend) resumeTokenJob(ctx context.Context, tx pgx.Tx, jobID int64, tokenID string) error {
	if _, err := tx.Exec(ctx, `
		UPDATE job_queue SET status = 'pending', wait_token_id = NULL, wait_until = NULL, updated_at = now()
		WHERE id = $1 AND status = 'waiting' AND wait_token_id = $2`,
		jobID, tokenID); err != nil {
		return errors.Wrapf(err, "resuming job %d for token %s", jobID, tokenID)
	}
	return nil
}

// ExpireTimedOutTokens times out waiting tokens whose deadline passed and
// resumes their bound jobs.
func (b *Backend) ExpireTimedOutTokens(ctx context.Context) (int, error) {
	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "begin token expiry")
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		UPDATE waitpoints SET status = 'timed_out', completed_at = now()
		WHERE status = 'waiting' AND timeout_at IS NOT NULL AND timeout_at <= now()
		RETURNING id, job_id`)
	if err != nil {
		return 0, errors.Wrap(err, "expiring timed-out tokens")
	}
	type expired struct {
		tokenID string
		jobID   *int64
	}
	var all []expired
	for rows.Next() {
		var e expired
		if err := rows.Scan(&e.tokenID, &e.jobID); err != nil {
			rows.Close()
			return 0, errors.Wrap(err, "scanning expired token")
		}
		all = append(all, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, errors.Wrap(err, "expiring timed-out tokens")
	}

	for _, e := range all {
		if e.jobID == nil {
			continue
		}
		if err := b.resumeTokenJob(ctx, tx, *e.jobID, e.tokenID); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, errors.Wrap(err, "commit token expiry")
	}
	if len(all) > 0 {
		b.log.Debugw("Expired waitpoint tokens", "count", len(all))
	}
	return len(all), nil
}

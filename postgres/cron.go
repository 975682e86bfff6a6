package postgres

import (
	"context"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/teranos/dataqueue/errors"
	"github.com/teranos/dataqueue/queue"
)

const cronColumns = `id, schedule_name, cron_expression, job_type, payload, timezone, allow_overlap,
	status, last_enqueued_at, last_job_id, next_run_at,
	priority, tags, max_attempts, timeout_ms,
	retry_delay, retry_backoff, retry_delay_max, dead_letter_job_type,
	created_at, updated_at`

func scanCron(row rowScanner) (*queue.CronSchedule, error) {
	var (
		cs        queue.CronSchedule
		payload   []byte
		status    string
		timeoutMs *int64
		dlType    *string
	)
	err := row.Scan(
		&cs.ID, &cs.ScheduleName, &cs.CronExpression, &cs.JobType, &payload, &cs.Timezone, &cs.AllowOverlap,
		&status, &cs.LastEnqueuedAt, &cs.LastJobID, &cs.NextRunAt,
		&cs.Priority, &cs.Tags, &cs.MaxAttempts, &timeoutMs,
		&cs.RetryDelay, &cs.RetryBackoff, &cs.RetryDelayMax, &dlType,
		&cs.CreatedAt, &cs.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	cs.Payload = payload
	cs.Status = queue.CronScheduleStatus(status)
	cs.DeadLetterJobType = strOf(dlType)
	if timeoutMs != nil {
		d := time.Duration(*timeoutMs) * time.Millisecond
		cs.Timeout = &d
	}
	return &cs, nil
}

// AddCronSchedule inserts a schedule, computing its first run. Duplicate
// names are rejected.
func (b *Backend) AddCronSchedule(ctx context.Context, opts queue.AddCronScheduleOptions) (*queue.CronSchedule, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	next, err := queue.NextCronRun(opts.CronExpression, opts.Timezone, now)
	if err != nil {
		return nil, err
	}
	var timeoutMs any
	if opts.Timeout != nil {
		timeoutMs = opts.Timeout.Milliseconds()
	}

	cs, err := scanCron(b.pool.QueryRow(ctx, `
		INSERT INTO cron_schedules (
			schedule_name, cron_expression, job_type, payload, timezone, allow_overlap,
			status, next_run_at,
			priority, tags, max_attempts, timeout_ms,
			retry_delay, retry_backoff, retry_delay_max, dead_letter_job_type,
			created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,'active',$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$16)
		ON CONFLICT (schedule_name) DO NOTHING
		RETURNING `+cronColumns,
		opts.ScheduleName, opts.CronExpression, opts.JobType, jsonbArg(opts.Payload),
		opts.Timezone, opts.AllowOverlap, next,
		opts.Priority, tagsArg(opts.Tags), opts.MaxAttempts, timeoutMs,
		opts.RetryDelay, opts.RetryBackoff, opts.RetryDelayMax, textArg(opts.DeadLetterJobType),
		now))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.Wrapf(errors.ErrDuplicateSchedule, "schedule %s", opts.ScheduleName)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "adding schedule %s", opts.ScheduleName)
	}
	b.log.Debugw("Added cron schedule", "scheduleID", cs.ID, "name", cs.ScheduleName, "nextRunAt", cs.NextRunAt)
	return cs, nil
}

// GetCronSchedule returns a schedule or errors.ErrScheduleNotFound.
func (b *Backend) GetCronSchedule(ctx context.Context, id int64) (*queue.CronSchedule, error) {
	cs, err := scanCron(b.pool.QueryRow(ctx,
		`SELECT `+cronColumns+` FROM cron_schedules WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.Wrapf(errors.ErrScheduleNotFound, "schedule %d", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "reading schedule %d", id)
	}
	return cs, nil
}

// GetCronScheduleByName resolves a schedule through its unique name.
func (b *Backend) GetCronScheduleByName(ctx context.Context, name string) (*queue.CronSchedule, error) {
	cs, err := scanCron(b.pool.QueryRow(ctx,
		`SELECT `+cronColumns+` FROM cron_schedules WHERE schedule_name = $1`, name))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.Wrapf(errors.ErrScheduleNotFound, "schedule %q", name)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "reading schedule %q", name)
	}
	return cs, nil
}

// ListCronSchedules returns schedules ordered by id, optionally filtered by
// status.
func (b *Backend) ListCronSchedules(ctx context.Context, status *queue.CronScheduleStatus) ([]*queue.CronSchedule, error) {
	sql := `SELECT ` + cronColumns + ` FROM cron_schedules`
	args := []any{}
	if status != nil {
		sql += ` WHERE status = $1`
		args = append(args, string(*status))
	}
	sql += ` ORDER BY id`

	rows, err := b.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, errors.Wrap(err, "listing schedules")
	}
	defer rows.Close()

	var schedules []*queue.CronSchedule
	for rows.Next() {
		cs, err := scanCron(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scanning schedule")
		}
		schedules = append(schedules, cs)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "listing schedules")
	}
	return schedules, nil
}

// PauseCronSchedule takes a schedule out of the due rotation.
func (b *Backend) PauseCronSchedule(ctx context.Context, id int64) error {
	return b.setCronStatus(ctx, id, queue.CronSchedulePaused)
}

// ResumeCronSchedule puts a paused schedule back into rotation.
func (b *Backend) ResumeCronSchedule(ctx context.Context, id int64) error {
	return b.setCronStatus(ctx, id, queue.CronScheduleActive)
}

func (b *Backend) setCronStatus(ctx context.Context, id int64, status queue.CronScheduleStatus) error {
	tag, err := b.pool.Exec(ctx, `
		UPDATE cron_schedules SET status = $2, updated_at = now() WHERE id = $1`,
		id, string(status))
	if err != nil {
		return errors.Wrapf(err, "setting schedule %d to %s", id, status)
	}
	if tag.RowsAffected() == 0 {
		return errors.Wrapf(errors.ErrScheduleNotFound, "schedule %d", id)
	}
	return nil
}

// EditCronSchedule applies updates; a changed expression or timezone
// recomputes next_run_at. JobType is immutable.
func (b *Backend) EditCronSchedule(ctx context.Context, id int64, updates queue.CronScheduleUpdates) (*queue.CronSchedule, error) {
	if err := updates.Validate(); err != nil {
		return nil, err
	}
	current, err := b.GetCronSchedule(ctx, id)
	if err != nil {
		return nil, err
	}

	set := []string{"updated_at = now()"}
	args := []any{id}
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	expr := current.CronExpression
	tz := current.Timezone
	if updates.CronExpression != nil {
		expr = *updates.CronExpression
		set = append(set, "cron_expression = "+arg(expr))
	}
	if updates.Timezone != nil {
		tz = *updates.Timezone
		set = append(set, "timezone = "+arg(tz))
	}
	if updates.Payload != nil {
		set = append(set, "payload = "+arg(string(updates.Payload)))
	}
	if updates.AllowOverlap != nil {
		set = append(set, "allow_overlap = "+arg(*updates.AllowOverlap))
	}
	if updates.Priority != nil {
		set = append(set, "priority = "+arg(*updates.Priority))
	}
	if updates.Tags != nil {
		set = append(set, "tags = "+arg(updates.Tags))
	}
	if updates.MaxAttempts != nil {
		set = append(set, "max_attempts = "+arg(*updates.MaxAttempts))
	}
	if updates.ClearTimeout {
		set = append(set, "timeout_ms = NULL")
	} else if updates.Timeout != nil {
		set = append(set, "timeout_ms = "+arg(updates.Timeout.Milliseconds()))
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
	if updates.DeadLetterJobType != nil {
		set = append(set, "dead_letter_job_type = "+arg(textArg(*updates.DeadLetterJobType)))
	}

	if updates.CronExpression != nil || updates.Timezone != nil {
		next, err := queue.NextCronRun(expr, tz, time.Now().UTC())
		if err != nil {
			return nil, err
		}
		set = append(set, "next_run_at = "+arg(next))
	}

	cs, err := scanCron(b.pool.QueryRow(ctx,
		`UPDATE cron_schedules SET `+joinSet(set)+` WHERE id = $1 RETURNING `+cronColumns, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.Wrapf(errors.ErrScheduleNotFound, "schedule %d", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "editing schedule %d", id)
	}
	return cs, nil
}

// RemoveCronSchedule deletes a schedule.
func (b *Backend) RemoveCronSchedule(ctx context.Context, id int64) error {
	tag, err := b.pool.Exec(ctx, `DELETE FROM cron_schedules WHERE id = $1`, id)
	if err != nil {
		return errors.Wrapf(err, "removing schedule %d", id)
	}
	if tag.RowsAffected() == 0 {
		return errors.Wrapf(errors.ErrScheduleNotFound, "schedule %d", id)
	}
	b.log.Debugw("Removed cron schedule", "scheduleID", id)
	return nil
}

// GetDueCronSchedules returns active schedules whose next run arrived.
func (b *Backend) GetDueCronSchedules(ctx context.Context) ([]*queue.CronSchedule, error) {
	rows, err := b.pool.Query(ctx, `
		SELECT `+cronColumns+` FROM cron_schedules
		WHERE status = 'active' AND next_run_at <= now()
		ORDER BY id`)
	if err != nil {
		return nil, errors.Wrap(err, "listing due schedules")
	}
	defer rows.Close()

	var due []*queue.CronSchedule
	for rows.Next() {
		cs, err := scanCron(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scanning due schedule")
		}
		due = append(due, cs)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "listing due schedules")
	}
	return due, nil
}

// UpdateCronScheduleAfterEnqueue records a fire and the next run.
func (b *Backend) UpdateCronScheduleAfterEnqueue(ctx context.Context, id int64, enqueuedAt time.Time, jobID int64, nextRunAt time.Time) error {
	tag, err := b.pool.Exec(ctx, `
		UPDATE cron_schedules SET
			last_enqueued_at = $2, last_job_id = $3, next_run_at = $4, updated_at = now()
		WHERE id = $1`,
		id, enqueuedAt.UTC(), jobID, nextRunAt.UTC())
	if err != nil {
		return errors.Wrapf(err, "recording fire of schedule %d", id)
	}
	if tag.RowsAffected() == 0 {
		return errors.Wrapf(errors.ErrScheduleNotFound, "schedule %d", id)
	}
	return nil
}

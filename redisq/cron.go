package redisq

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/teranos/dataqueue/errors"
	"github.com/teranos/dataqueue/queue"
)

// AddCronSchedule inserts a schedule, computing its first run. Duplicate
// names are rejected.
func (b *Backend) AddCronSchedule(ctx context.Context, opts queue.AddCronScheduleOptions) (*queue.CronSchedule, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	now, _ := nowMs()
	next, err := queue.NextCronRun(opts.CronExpression, opts.Timezone, now)
	if err != nil {
		return nil, err
	}

	cs := &queue.CronSchedule{
		ScheduleName:      opts.ScheduleName,
		CronExpression:    opts.CronExpression,
		JobType:           opts.JobType,
		Payload:           opts.Payload,
		Timezone:          opts.Timezone,
		AllowOverlap:      opts.AllowOverlap,
		Status:            queue.CronScheduleActive,
		NextRunAt:         next,
		Priority:          opts.Priority,
		Tags:              opts.Tags,
		MaxAttempts:       opts.MaxAttempts,
		Timeout:           opts.Timeout,
		RetryDelay:        opts.RetryDelay,
		RetryBackoff:      opts.RetryBackoff,
		RetryDelayMax:     opts.RetryDelayMax,
		DeadLetterJobType: opts.DeadLetterJobType,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	fields, err := cronFields(cs)
	if err != nil {
		return nil, err
	}
	delete(fields, "id") // allocated by the script
	fieldsJSON, err := json.Marshal(fields)
	if err != nil {
		return nil, errors.Wrap(err, "encoding schedule fields")
	}

	res, err := b.run(ctx, addCronScript,
		b.keys.prefix, opts.ScheduleName, string(fieldsJSON), msOf(next))
	if err != nil {
		return nil, errors.Wrapf(err, "adding schedule %s", opts.ScheduleName)
	}
	id := res.(int64)
	if id == -1 {
		return nil, errors.Wrapf(errors.ErrDuplicateSchedule, "schedule %s", opts.ScheduleName)
	}
	cs.ID = id
	b.log.Debugw("Added cron schedule", "scheduleID", id, "name", opts.ScheduleName, "nextRunAt", next)
	return cs, nil
}

// GetCronSchedule returns a schedule or errors.ErrScheduleNotFound.
func (b *Backend) GetCronSchedule(ctx context.Context, id int64) (*queue.CronSchedule, error) {
	h, err := b.rdb.HGetAll(ctx, b.keys.cron(id)).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "reading schedule %d", id)
	}
	if len(h) == 0 {
		return nil, errors.Wrapf(errors.ErrScheduleNotFound, "schedule %d", id)
	}
	return cronFromHash(h)
}

// GetCronScheduleByName resolves a schedule through its unique name.
func (b *Backend) GetCronScheduleByName(ctx context.Context, name string) (*queue.CronSchedule, error) {
	idStr, err := b.rdb.Get(ctx, b.keys.cronName(name)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, errors.Wrapf(errors.ErrScheduleNotFound, "schedule %q", name)
		}
		return nil, errors.Wrapf(err, "resolving schedule %q", name)
	}
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		return nil, errors.Wrapf(err, "bad schedule id %q", idStr)
	}
	return b.GetCronSchedule(ctx, id)
}

// ListCronSchedules returns schedules ordered by id, optionally filtered by
// status.
func (b *Backend) ListCronSchedules(ctx context.Context, status *queue.CronScheduleStatus) ([]*queue.CronSchedule, error) {
	key := b.keys.crons()
	if status != nil {
		key = b.keys.cronStatus(string(*status))
	}
	members, err := b.rdb.SMembers(ctx, key).Result()
	if err != nil {
		return nil, errors.Wrap(err, "listing schedules")
	}

	schedules := make([]*queue.CronSchedule, 0, len(members))
	for _, m := range members {
		id, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "bad schedule id %q in index", m)
		}
		cs, err := b.GetCronSchedule(ctx, id)
		if err != nil {
			if errors.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		schedules = append(schedules, cs)
	}
	sort.Slice(schedules, func(i, j int) bool { return schedules[i].ID < schedules[j].ID })
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
	_, nowStr := nowMs()
	res, err := b.run(ctx, setCronStatusScript,
		b.keys.prefix, strconv.FormatInt(id, 10), nowStr, string(status))
	if err != nil {
		return errors.Wrapf(err, "setting schedule %d to %s", id, status)
	}
	if res.(int64) == 0 {
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
	_, nowStr := nowMs()

	fields := map[string]string{}
	expr := current.CronExpression
	tz := current.Timezone
	if updates.CronExpression != nil {
		expr = *updates.CronExpression
		fields["cron_expression"] = expr
	}
	if updates.Timezone != nil {
		tz = *updates.Timezone
		fields["timezone"] = tz
	}
	if updates.Payload != nil {
		fields["payload"] = string(updates.Payload)
	}
	if updates.AllowOverlap != nil {
		fields["allow_overlap"] = boolStr(*updates.AllowOverlap)
	}
	if updates.Priority != nil {
		fields["priority"] = strconv.Itoa(*updates.Priority)
	}
	if updates.Tags != nil {
		tagsJSON, err := json.Marshal(updates.Tags)
		if err != nil {
			return nil, errors.Wrap(err, "encoding tags")
		}
		fields["tags"] = string(tagsJSON)
	}
	if updates.MaxAttempts != nil {
		fields["max_attempts"] = strconv.Itoa(*updates.MaxAttempts)
	}
	if updates.ClearTimeout {
		fields["timeout_ms"] = ""
	} else if updates.Timeout != nil {
		fields["timeout_ms"] = strconv.FormatInt(updates.Timeout.Milliseconds(), 10)
	}
	if updates.RetryDelay != nil {
		fields["retry_delay"] = strconv.Itoa(*updates.RetryDelay)
	}
	if updates.RetryBackoff != nil {
		fields["retry_backoff"] = strOfBoolPtr(updates.RetryBackoff)
	}
	if updates.RetryDelayMax != nil {
		fields["retry_delay_max"] = strconv.Itoa(*updates.RetryDelayMax)
	}
	if updates.DeadLetterJobType != nil {
		fields["dead_letter_job_type"] = *updates.DeadLetterJobType
	}

	nextArg := ""
	if updates.CronExpression != nil || updates.Timezone != nil {
		next, err := queue.NextCronRun(expr, tz, time.Now().UTC())
		if err != nil {
			return nil, err
		}
		nextArg = msOf(next)
	}

	fieldsJSON, err := json.Marshal(fields)
	if err != nil {
		return nil, errors.Wrap(err, "encoding schedule updates")
	}
	res, err := b.run(ctx, editCronScript,
		b.keys.prefix, strconv.FormatInt(id, 10), nowStr, string(fieldsJSON), nextArg)
	if err != nil {
		return nil, errors.Wrapf(err, "editing schedule %d", id)
	}
	if res.(int64) == 0 {
		return nil, errors.Wrapf(errors.ErrScheduleNotFound, "schedule %d", id)
	}
	return b.GetCronSchedule(ctx, id)
}

// RemoveCronSchedule deletes a schedule.
func (b *Backend) RemoveCronSchedule(ctx context.Context, id int64) error {
	res, err := b.run(ctx, removeCronScript, b.keys.prefix, strconv.FormatInt(id, 10))
	if err != nil {
		return errors.Wrapf(err, "removing schedule %d", id)
	}
	if res.(int64) == 0 {
		return errors.Wrapf(errors.ErrScheduleNotFound, "schedule %d", id)
	}
	b.log.Debugw("Removed cron schedule", "scheduleID", id)
	return nil
}

// GetDueCronSchedules returns active schedules whose next run arrived.
func (b *Backend) GetDueCronSchedules(ctx context.Context) ([]*queue.CronSchedule, error) {
	_, nowStr := nowMs()
	members, err := b.rdb.ZRangeByScore(ctx, b.keys.cronDue(), &redis.ZRangeBy{Min: "-inf", Max: nowStr}).Result()
	if err != nil {
		return nil, errors.Wrap(err, "listing due schedules")
	}

	due := make([]*queue.CronSchedule, 0, len(members))
	for _, m := range members {
		id, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "bad schedule id %q in due index", m)
		}
		cs, err := b.GetCronSchedule(ctx, id)
		if err != nil {
			if errors.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		if cs.Status == queue.CronScheduleActive {
			due = append(due, cs)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ID < due[j].ID })
	return due, nil
}

// UpdateCronScheduleAfterEnqueue records a fire and the next run.
func (b *Backend) UpdateCronScheduleAfterEnqueue(ctx context.Context, id int64, enqueuedAt time.Time, jobID int64, nextRunAt time.Time) error {
	res, err := b.run(ctx, cronAfterEnqueueScript,
		b.keys.prefix, strconv.FormatInt(id, 10), msOf(enqueuedAt),
		strconv.FormatInt(jobID, 10), msOf(nextRunAt))
	if err != nil {
		return errors.Wrapf(err, "recording fire of schedule %d", id)
	}
	if res.(int64) == 0 {
		return errors.Wrapf(errors.ErrScheduleNotFound, "schedule %d", id)
	}
	return nil
}

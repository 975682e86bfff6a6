// Package redisq is the key-value backend: job state lives in Redis hashes
// and sorted-set indexes, and every multi-key mutation runs as a single
// server-evaluated Lua script so concurrent workers see each transition
// atomically.
package redisq

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/teranos/dataqueue/errors"
	"github.com/teranos/dataqueue/queue"
)

// Backend implements queue.Backend on a single Redis instance.
type Backend struct {
	rdb  *redis.Client
	keys keyset
	log  *zap.SugaredLogger
}

// New wraps a Redis client. An empty keyPrefix defaults to "dq:"; a nil
// logger defaults to a no-op.
func New(client *redis.Client, keyPrefix string, logger *zap.SugaredLogger) *Backend {
	if keyPrefix == "" {
		keyPrefix = DefaultKeyPrefix
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Backend{
		rdb:  client,
		keys: keyset{prefix: keyPrefix},
		log:  logger.Named("redisq"),
	}
}

// Close releases the Redis client.
func (b *Backend) Close() error {
	return b.rdb.Close()
}

func (b *Backend) run(ctx context.Context, script *redis.Script, args ...interface{}) (interface{}, error) {
	return script.Run(ctx, b.rdb, []string{}, args...).Result()
}

func nowMs() (time.Time, string) {
	now := time.Now().UTC()
	return now, strconv.FormatInt(now.UnixMilli(), 10)
}

// AddJob inserts a job, deduplicating on the idempotency key.
func (b *Backend) AddJob(ctx context.Context, opts queue.AddJobOptions) (int64, error) {
	if err := opts.Validate(); err != nil {
		return 0, err
	}
	now, nowStr := nowMs()

	fields, err := jobFields(opts, now)
	if err != nil {
		return 0, err
	}
	fieldsJSON, err := json.Marshal(fields)
	if err != nil {
		return 0, errors.Wrap(err, "encoding job fields")
	}
	tags := opts.Tags
	if tags == nil {
		tags = []string{}
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return 0, errors.Wrap(err, "encoding tags")
	}

	res, err := b.run(ctx, addJobScript,
		b.keys.prefix, nowStr, opts.IdempotencyKey, opts.JobType,
		fields["run_at"], string(fieldsJSON), string(tagsJSON))
	if err != nil {
		return 0, errors.Wrap(err, "adding job")
	}
	pair, ok := res.([]interface{})
	if !ok || len(pair) != 2 {
		return 0, errors.Newf("unexpected add-job result %v", res)
	}
	id := pair[0].(int64)
	b.log.Debugw("Added job", "jobID", id, "jobType", opts.JobType, "deduplicated", pair[1].(int64) == 0)
	return id, nil
}

// AddJobTx is unsupported: Redis has no client-spanning transactions that a
// caller could roll back.
func (b *Backend) AddJobTx(ctx context.Context, tx any, opts queue.AddJobOptions) (int64, error) {
	return 0, errors.ErrTxUnsupported
}

// AddJobs enqueues a batch one script call per item, returning ids in input
// order.
func (b *Backend) AddJobs(ctx context.Context, batch []queue.AddJobOptions) ([]int64, error) {
	ids := make([]int64, 0, len(batch))
	for i, opts := range batch {
		id, err := b.AddJob(ctx, opts)
		if err != nil {
			return nil, errors.Wrapf(err, "job %d of batch", i)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// GetJob returns a job or errors.ErrJobNotFound.
func (b *Backend) GetJob(ctx context.Context, id int64) (*queue.Job, error) {
	h, err := b.rdb.HGetAll(ctx, b.keys.job(id)).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "reading job %d", id)
	}
	if len(h) == 0 {
		return nil, errors.Wrapf(errors.ErrJobNotFound, "job %d", id)
	}
	return jobFromHash(h)
}

// GetNextBatch runs the claim protocol and returns the claimed jobs.
func (b *Backend) GetNextBatch(ctx context.Context, workerID string, batchSize int, jobTypes []string, groupConcurrency int) ([]*queue.Job, error) {
	if batchSize <= 0 {
		return nil, nil
	}
	if jobTypes == nil {
		jobTypes = []string{}
	}
	typesJSON, err := json.Marshal(jobTypes)
	if err != nil {
		return nil, errors.Wrap(err, "encoding job-type filter")
	}
	_, nowStr := nowMs()

	res, err := b.run(ctx, claimScript,
		b.keys.prefix, nowStr, workerID,
		strconv.Itoa(batchSize), strconv.Itoa(groupConcurrency), string(typesJSON))
	if err != nil {
		return nil, errors.Wrap(err, "claiming batch")
	}

	lists, _ := res.([]interface{})
	var rawClaimed, rawExhausted []interface{}
	if len(lists) > 0 {
		rawClaimed, _ = lists[0].([]interface{})
	}
	if len(lists) > 1 {
		rawExhausted, _ = lists[1].([]interface{})
	}

	// A reclaimed lease can leave a pending job with no attempts remaining;
	// the script pulled those out of the ready queue for terminal failure.
	for _, raw := range rawExhausted {
		id, err := strconv.ParseInt(toString(raw), 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "bad exhausted id %v", raw)
		}
		if err := b.FailJob(ctx, id, "no attempts remaining after reclaim", queue.FailureTimeout); err != nil {
			b.log.Warnw("Failed to retire exhausted job", "jobID", id, "error", err)
		}
	}

	jobs := make([]*queue.Job, 0, len(rawClaimed))
	for _, raw := range rawClaimed {
		id, err := strconv.ParseInt(toString(raw), 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "bad claimed id %v", raw)
		}
		// The lease protects the read: only this worker mutates the job now.
		job, err := b.GetJob(ctx, id)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if len(jobs) > 0 {
		b.log.Debugw("Claimed batch", "workerID", workerID, "count", len(jobs))
	}
	return jobs, nil
}

func toString(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case int64:
		return strconv.FormatInt(s, 10)
	default:
		return ""
	}
}

// CompleteJob finishes a processing job. A nil output preserves any output
// stored during processing.
func (b *Backend) CompleteJob(ctx context.Context, id int64, output json.RawMessage) error {
	_, nowStr := nowMs()
	res, err := b.run(ctx, completeJobScript, b.keys.prefix, strconv.FormatInt(id, 10), nowStr, string(output))
	if err != nil {
		return errors.Wrapf(err, "completing job %d", id)
	}
	if res.(int64) == 0 {
		return errors.Wrapf(errors.ErrInvalidStatus, "job %d is not processing", id)
	}
	b.log.Debugw("Completed job", "jobID", id)
	return nil
}

// FailJob records a failure, scheduling a retry while attempts remain and
// dead-lettering on exhaustion.
func (b *Backend) FailJob(ctx context.Context, id int64, jobErr string, reason queue.FailureReason) error {
	// The worker holds the lease, so reading before the fail script is safe.
	job, err := b.GetJob(ctx, id)
	if err != nil {
		return err
	}

	now, nowStr := nowMs()
	entry, err := json.Marshal(queue.JobError{Message: jobErr, Timestamp: now})
	if err != nil {
		return errors.Wrap(err, "encoding error entry")
	}

	nextAttempt := ""
	willRetry := job.Attempts < job.MaxAttempts
	if willRetry {
		nextAttempt = strconv.FormatInt(job.ComputeNextAttemptAt(now).UnixMilli(), 10)
	}

	res, err := b.run(ctx, failJobScript,
		b.keys.prefix, strconv.FormatInt(id, 10), nowStr, string(entry), string(reason), nextAttempt)
	if err != nil {
		return errors.Wrapf(err, "failing job %d", id)
	}
	if res.(int64) == 0 {
		return errors.Wrapf(errors.ErrJobNotFound, "job %d", id)
	}
	b.log.Debugw("Failed job", "jobID", id, "reason", reason, "willRetry", willRetry)

	if !willRetry && job.DeadLetterJobType != "" {
		if err := b.deadLetter(ctx, job, jobErr, reason); err != nil {
			return err
		}
	}
	return nil
}

func (b *Backend) deadLetter(ctx context.Context, job *queue.Job, jobErr string, reason queue.FailureReason) error {
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

	dlID, err := b.AddJob(ctx, queue.AddJobOptions{
		JobType: job.DeadLetterJobType,
		Payload: envelope,
		Tags:    job.Tags,
	})
	if err != nil {
		return errors.Wrapf(err, "enqueueing dead-letter job for %d", job.ID)
	}

	_, nowStr := nowMs()
	if _, err := b.run(ctx, setDeadLetterScript,
		b.keys.prefix, strconv.FormatInt(job.ID, 10), nowStr, strconv.FormatInt(dlID, 10)); err != nil {
		return errors.Wrapf(err, "linking dead-letter job %d to %d", dlID, job.ID)
	}
	b.log.Infow("Dead-lettered job", "jobID", job.ID, "deadLetterJobID", dlID, "deadLetterJobType", job.DeadLetterJobType)
	return nil
}

// RetryJob forces a failed or processing job back to pending. Other
// statuses are a no-op.
func (b *Backend) RetryJob(ctx context.Context, id int64) error {
	_, nowStr := nowMs()
	res, err := b.run(ctx, retryJobScript, b.keys.prefix, strconv.FormatInt(id, 10), nowStr)
	if err != nil {
		return errors.Wrapf(err, "retrying job %d", id)
	}
	if res.(int64) == 1 {
		b.log.Debugw("Retried job", "jobID", id)
	}
	return nil
}

// CancelJob cancels a pending or waiting job. Other statuses are a no-op.
func (b *Backend) CancelJob(ctx context.Context, id int64) error {
	_, nowStr := nowMs()
	res, err := b.run(ctx, cancelJobScript, b.keys.prefix, strconv.FormatInt(id, 10), nowStr)
	if err != nil {
		return errors.Wrapf(err, "cancelling job %d", id)
	}
	if res.(int64) == 1 {
		b.log.Debugw("Cancelled job", "jobID", id)
	}
	return nil
}

// EditJob applies updates to a pending job. Non-pending jobs are skipped.
func (b *Backend) EditJob(ctx context.Context, id int64, updates queue.JobUpdates) (bool, error) {
	if updates.IsZero() {
		return false, nil
	}
	_, nowStr := nowMs()

	fields := map[string]string{}
	if updates.Payload != nil {
		fields["payload"] = string(updates.Payload)
	}
	if updates.Priority != nil {
		fields["priority"] = strconv.Itoa(*updates.Priority)
	}
	if updates.MaxAttempts != nil {
		fields["max_attempts"] = strconv.Itoa(*updates.MaxAttempts)
	}
	if updates.RunAt != nil {
		fields["run_at"] = msOf(*updates.RunAt)
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

	tagsArg := ""
	if updates.ClearTags {
		tagsArg = "[]"
		fields["tags"] = "[]"
	} else if updates.Tags != nil {
		tagsJSON, err := json.Marshal(updates.Tags)
		if err != nil {
			return false, errors.Wrap(err, "encoding tags")
		}
		tagsArg = string(tagsJSON)
		fields["tags"] = tagsArg
	}

	fieldsJSON, err := json.Marshal(fields)
	if err != nil {
		return false, errors.Wrap(err, "encoding updates")
	}

	res, err := b.run(ctx, editJobScript,
		b.keys.prefix, strconv.FormatInt(id, 10), nowStr,
		string(fieldsJSON), tagsArg, string(updates.Diff()))
	if err != nil {
		return false, errors.Wrapf(err, "editing job %d", id)
	}
	edited := res.(int64) == 1
	if edited {
		b.log.Debugw("Edited job", "jobID", id)
	}
	return edited, nil
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
	_, nowStr := nowMs()
	_, err := b.run(ctx, prolongJobScript, b.keys.prefix, strconv.FormatInt(id, 10), nowStr)
	if err != nil {
		return errors.Wrapf(err, "prolonging job %d", id)
	}
	return nil
}

// UpdateProgress stores in-flight progress while the job is processing.
func (b *Backend) UpdateProgress(ctx context.Context, id int64, progress int) error {
	_, nowStr := nowMs()
	_, err := b.run(ctx, updateFieldScript,
		b.keys.prefix, strconv.FormatInt(id, 10), nowStr, "progress", strconv.Itoa(progress))
	if err != nil {
		return errors.Wrapf(err, "updating progress of job %d", id)
	}
	return nil
}

// UpdateOutput stores an in-flight output while the job is processing.
func (b *Backend) UpdateOutput(ctx context.Context, id int64, output json.RawMessage) error {
	_, nowStr := nowMs()
	_, err := b.run(ctx, updateFieldScript,
		b.keys.prefix, strconv.FormatInt(id, 10), nowStr, "output", string(output))
	if err != nil {
		return errors.Wrapf(err, "updating output of job %d", id)
	}
	return nil
}

// ReclaimStuckJobs re-queues processing jobs whose lease is older than
// max(maxProcessing, job timeout).
func (b *Backend) ReclaimStuckJobs(ctx context.Context, maxProcessing time.Duration) (int, error) {
	_, nowStr := nowMs()
	res, err := b.run(ctx, reclaimStuckScript,
		b.keys.prefix, nowStr, strconv.FormatInt(maxProcessing.Milliseconds(), 10))
	if err != nil {
		return 0, errors.Wrap(err, "reclaiming stuck jobs")
	}
	return int(res.(int64)), nil
}

// CleanupOldJobs deletes completed jobs untouched for longer than olderThan.
func (b *Backend) CleanupOldJobs(ctx context.Context, olderThan time.Duration, batchSize int) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	res, err := b.run(ctx, cleanupJobsScript,
		b.keys.prefix, strconv.FormatInt(cutoff.UnixMilli(), 10), strconv.Itoa(batchSize))
	if err != nil {
		return 0, errors.Wrap(err, "cleaning up old jobs")
	}
	return int(res.(int64)), nil
}

// CleanupOldJobEvents purges events older than the cutoff, orphan lists
// included.
func (b *Backend) CleanupOldJobEvents(ctx context.Context, olderThan time.Duration, batchSize int) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	res, err := b.run(ctx, cleanupEventsScript,
		b.keys.prefix, strconv.FormatInt(cutoff.UnixMilli(), 10), strconv.Itoa(batchSize))
	if err != nil {
		return 0, errors.Wrap(err, "cleaning up old job events")
	}
	return int(res.(int64)), nil
}

// WaitJob parks a processing job on a wall-clock instant or token.
func (b *Backend) WaitJob(ctx context.Context, id int64, waitUntil *time.Time, tokenID string, stepData map[string]queue.StepResult) error {
	if (waitUntil == nil) == (tokenID == "") {
		return errors.New("wait requires exactly one of waitUntil or tokenID")
	}
	if stepData == nil {
		stepData = map[string]queue.StepResult{}
	}
	stepsJSON, err := json.Marshal(stepData)
	if err != nil {
		return errors.Wrap(err, "encoding step data")
	}
	_, nowStr := nowMs()

	res, err := b.run(ctx, waitJobScript,
		b.keys.prefix, strconv.FormatInt(id, 10), nowStr,
		msOfPtr(waitUntil), tokenID, string(stepsJSON))
	if err != nil {
		return errors.Wrapf(err, "parking job %d", id)
	}
	if res.(int64) == 0 {
		return errors.Wrapf(errors.ErrInvalidStatus, "job %d is not processing", id)
	}
	b.log.Debugw("Parked waiting job", "jobID", id, "tokenID", tokenID)
	return nil
}

// RecordJobEvent appends to a job's event log.
func (b *Backend) RecordJobEvent(ctx context.Context, jobID int64, eventType queue.EventType, metadata json.RawMessage) error {
	_, nowStr := nowMs()
	_, err := b.run(ctx, recordEventScript,
		b.keys.prefix, strconv.FormatInt(jobID, 10), string(eventType), nowStr, string(metadata))
	if err != nil {
		return errors.Wrapf(err, "recording %s event for job %d", eventType, jobID)
	}
	return nil
}

// GetJobEvents returns a job's events ordered by event id.
func (b *Backend) GetJobEvents(ctx context.Context, jobID int64) ([]*queue.Event, error) {
	raws, err := b.rdb.LRange(ctx, b.keys.events(jobID), 0, -1).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "reading events of job %d", jobID)
	}
	events := make([]*queue.Event, 0, len(raws))
	for _, raw := range raws {
		ev, err := eventFromRecord(raw)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}

package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/teranos/dataqueue/errors"
	"go.uber.org/zap"
)

// JobQueue is the engine facade: it owns a backend and an in-process hook
// emitter, and is the factory for processors and supervisors. All state is
// per-instance; two JobQueues over the same backend share storage but not
// hooks or workers.
type JobQueue struct {
	backend Backend
	hooks   *Hooks
	log     *zap.SugaredLogger
}

// NewJobQueue wraps a backend. A nil logger defaults to a no-op.
func NewJobQueue(backend Backend, logger *zap.SugaredLogger) *JobQueue {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &JobQueue{
		backend: backend,
		hooks:   NewHooks(logger),
		log:     logger,
	}
}

// Backend exposes the underlying storage for callers that need raw
// operations.
func (q *JobQueue) Backend() Backend { return q.backend }

// On, Once, Off and RemoveAllListeners manage hook subscriptions.
func (q *JobQueue) On(event string, fn Listener) Subscription   { return q.hooks.On(event, fn) }
func (q *JobQueue) Once(event string, fn Listener) Subscription { return q.hooks.Once(event, fn) }
func (q *JobQueue) Off(event string, sub Subscription)          { q.hooks.Off(event, sub) }
func (q *JobQueue) RemoveAllListeners(events ...string)         { q.hooks.RemoveAllListeners(events...) }

// AddJob enqueues a job and emits job:added.
func (q *JobQueue) AddJob(ctx context.Context, opts AddJobOptions) (int64, error) {
	if err := opts.Validate(); err != nil {
		return 0, err
	}
	id, err := q.backend.AddJob(ctx, opts)
	if err != nil {
		return 0, err
	}
	q.hooks.Emit(HookJobAdded, HookPayload{JobID: id, JobType: opts.JobType})
	return id, nil
}

// AddJobTx enqueues on the caller's transaction so a rollback undoes the
// enqueue. Relational backend only; the key-value backend returns
// ErrTxUnsupported. The hook fires immediately, before the caller commits.
func (q *JobQueue) AddJobTx(ctx context.Context, tx any, opts AddJobOptions) (int64, error) {
	if err := opts.Validate(); err != nil {
		return 0, err
	}
	id, err := q.backend.AddJobTx(ctx, tx, opts)
	if err != nil {
		return 0, err
	}
	q.hooks.Emit(HookJobAdded, HookPayload{JobID: id, JobType: opts.JobType})
	return id, nil
}

// AddJobs enqueues a batch, returning ids in input order.
func (q *JobQueue) AddJobs(ctx context.Context, batch []AddJobOptions) ([]int64, error) {
	for i := range batch {
		if err := batch[i].Validate(); err != nil {
			return nil, errors.Wrapf(err, "job %d", i)
		}
	}
	ids, err := q.backend.AddJobs(ctx, batch)
	if err != nil {
		return nil, err
	}
	for i, id := range ids {
		q.hooks.Emit(HookJobAdded, HookPayload{JobID: id, JobType: batch[i].JobType})
	}
	return ids, nil
}

func (q *JobQueue) GetJob(ctx context.Context, id int64) (*Job, error) {
	return q.backend.GetJob(ctx, id)
}

func (q *JobQueue) GetJobs(ctx context.Context, filters JobFilters) ([]*Job, error) {
	return q.backend.GetJobs(ctx, filters)
}

func (q *JobQueue) GetJobEvents(ctx context.Context, jobID int64) ([]*Event, error) {
	return q.backend.GetJobEvents(ctx, jobID)
}

// Stats reports queue depth per status.
func (q *JobQueue) Stats(ctx context.Context) (map[JobStatus]int, error) {
	return q.backend.CountJobsByStatus(ctx)
}

// CancelJob cancels a pending or waiting job and emits job:cancelled.
func (q *JobQueue) CancelJob(ctx context.Context, id int64) error {
	if err := q.backend.CancelJob(ctx, id); err != nil {
		return err
	}
	q.hooks.Emit(HookJobCancelled, HookPayload{JobID: id})
	return nil
}

// RetryJob forces a failed or processing job back to pending and emits
// job:retried.
func (q *JobQueue) RetryJob(ctx context.Context, id int64) error {
	if err := q.backend.RetryJob(ctx, id); err != nil {
		return err
	}
	q.hooks.Emit(HookJobRetried, HookPayload{JobID: id})
	return nil
}

func (q *JobQueue) EditJob(ctx context.Context, id int64, updates JobUpdates) (bool, error) {
	return q.backend.EditJob(ctx, id, updates)
}

func (q *JobQueue) EditAllPendingJobs(ctx context.Context, filters JobFilters, updates JobUpdates) (int, error) {
	return q.backend.EditAllPendingJobs(ctx, filters, updates)
}

// Waitpoint surface.

func (q *JobQueue) CreateToken(ctx context.Context, opts CreateTokenOptions) (*Waitpoint, error) {
	return q.backend.CreateToken(ctx, opts)
}

func (q *JobQueue) GetToken(ctx context.Context, tokenID string) (*Waitpoint, error) {
	return q.backend.GetToken(ctx, tokenID)
}

// CompleteToken resolves a token and resumes its bound waiting job.
func (q *JobQueue) CompleteToken(ctx context.Context, tokenID string, output json.RawMessage) (*Waitpoint, error) {
	return q.backend.CompleteToken(ctx, tokenID, output)
}

// Cron surface.

func (q *JobQueue) AddCronSchedule(ctx context.Context, opts AddCronScheduleOptions) (*CronSchedule, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return q.backend.AddCronSchedule(ctx, opts)
}

func (q *JobQueue) GetCronSchedule(ctx context.Context, id int64) (*CronSchedule, error) {
	return q.backend.GetCronSchedule(ctx, id)
}

func (q *JobQueue) GetCronScheduleByName(ctx context.Context, name string) (*CronSchedule, error) {
	return q.backend.GetCronScheduleByName(ctx, name)
}

func (q *JobQueue) ListCronSchedules(ctx context.Context, status *CronScheduleStatus) ([]*CronSchedule, error) {
	return q.backend.ListCronSchedules(ctx, status)
}

func (q *JobQueue) PauseCronSchedule(ctx context.Context, id int64) error {
	return q.backend.PauseCronSchedule(ctx, id)
}

func (q *JobQueue) ResumeCronSchedule(ctx context.Context, id int64) error {
	return q.backend.ResumeCronSchedule(ctx, id)
}

func (q *JobQueue) EditCronSchedule(ctx context.Context, id int64, updates CronScheduleUpdates) (*CronSchedule, error) {
	if err := updates.Validate(); err != nil {
		return nil, err
	}
	return q.backend.EditCronSchedule(ctx, id, updates)
}

func (q *JobQueue) RemoveCronSchedule(ctx context.Context, id int64) error {
	return q.backend.RemoveCronSchedule(ctx, id)
}

// EnqueueDueCronJobs fires every due active schedule once and returns how
// many jobs were enqueued. The processor calls this before each claim; it is
// also safe to call directly.
func (q *JobQueue) EnqueueDueCronJobs(ctx context.Context) (int, error) {
	return enqueueDueCronJobs(ctx, q.backend, q.hooks, q.log)
}

// NewProcessor builds a processor sharing this queue's backend and hooks.
func (q *JobQueue) NewProcessor(opts ProcessorOptions) (*Processor, error) {
	return NewProcessor(q.backend, q.hooks, opts, q.log)
}

// NewSupervisor builds a maintenance supervisor over this queue's backend.
func (q *JobQueue) NewSupervisor(opts SupervisorOptions) *Supervisor {
	return NewSupervisor(q.backend, opts, q.log)
}

// Close releases the backend.
func (q *JobQueue) Close() error {
	return q.backend.Close()
}

// enqueueDueCronJobs promotes due schedules into jobs, honouring the overlap
// guard, and returns the number enqueued. One schedule failing does not stop
// the rest.
func enqueueDueCronJobs(ctx context.Context, backend Backend, hooks *Hooks, log *zap.SugaredLogger) (int, error) {
	due, err := backend.GetDueCronSchedules(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "listing due cron schedules")
	}

	enqueued := 0
	for _, cs := range due {
		fired, err := fireCronSchedule(ctx, backend, hooks, cs)
		if err != nil {
			log.Warnw("Failed to fire cron schedule", "schedule", cs.ScheduleName, "error", err)
			continue
		}
		if fired {
			enqueued++
		}
	}
	return enqueued, nil
}

func fireCronSchedule(ctx context.Context, backend Backend, hooks *Hooks, cs *CronSchedule) (bool, error) {
	// Overlap guard: while the previous enqueued job is still live, the
	// schedule waits without advancing nextRunAt, so the slot fires as soon
	// as the old job settles.
	if !cs.AllowOverlap && cs.LastJobID != nil {
		prev, err := backend.GetJob(ctx, *cs.LastJobID)
		if err != nil && !errors.IsNotFound(err) {
			return false, errors.Wrapf(err, "checking previous job of schedule %s", cs.ScheduleName)
		}
		if prev != nil && !prev.Status.IsTerminal() {
			return false, nil
		}
	}

	now := time.Now()
	next, err := NextCronRun(cs.CronExpression, cs.Timezone, now)
	if err != nil {
		return false, errors.Wrapf(err, "computing next run for schedule %s", cs.ScheduleName)
	}

	jobID, err := backend.AddJob(ctx, cs.JobOptions())
	if err != nil {
		return false, errors.Wrapf(err, "enqueuing job for schedule %s", cs.ScheduleName)
	}
	hooks.Emit(HookJobAdded, HookPayload{JobID: jobID, JobType: cs.JobType})
	if err := backend.UpdateCronScheduleAfterEnqueue(ctx, cs.ID, now, jobID, next); err != nil {
		return true, errors.Wrapf(err, "recording fire of schedule %s", cs.ScheduleName)
	}
	return true, nil
}

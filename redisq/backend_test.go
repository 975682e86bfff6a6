package redisq

import (
	"context"
	"encoding/json"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/dataqueue/errors"
	"github.com/teranos/dataqueue/queue"
)

func newTestBackend(t *testing.T) *Backend {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(client, DefaultKeyPrefix, nil)
}

func TestAddJob_Defaults(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	id, err := b.AddJob(ctx, queue.AddJobOptions{JobType: "welcome"})
	require.NoError(t, err)

	job, err := b.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, queue.JobStatusPending, job.Status)
	assert.Equal(t, queue.DefaultMaxAttempts, job.MaxAttempts)
	assert.Equal(t, 0, job.Attempts)
	assert.False(t, job.RunAt.After(time.Now().Add(time.Second)))

	events, err := b.GetJobEvents(ctx, id)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, queue.EventAdded, events[0].Type)
}

func TestGetJob_NotFound(t *testing.T) {
	b := newTestBackend(t)
	_, err := b.GetJob(context.Background(), 9999)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrJobNotFound))
}

func TestAddJob_IdempotencyKeyDeduplicates(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	first, err := b.AddJob(ctx, queue.AddJobOptions{JobType: "dedup", IdempotencyKey: "K"})
	require.NoError(t, err)
	second, err := b.AddJob(ctx, queue.AddJobOptions{JobType: "dedup", IdempotencyKey: "K"})
	require.NoError(t, err)
	assert.Equal(t, first, second)

	events, err := b.GetJobEvents(ctx, first)
	require.NoError(t, err)
	assert.Len(t, events, 1, "duplicate enqueue must not record a second event")
}

func TestAddJobTx_Unsupported(t *testing.T) {
	b := newTestBackend(t)
	_, err := b.AddJobTx(context.Background(), struct{}{}, queue.AddJobOptions{JobType: "x"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrTxUnsupported))
}

func TestGetNextBatch_PriorityThenAge(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	low, err := b.AddJob(ctx, queue.AddJobOptions{JobType: "t", Priority: 1})
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	high, err := b.AddJob(ctx, queue.AddJobOptions{JobType: "t", Priority: 10})
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	mid, err := b.AddJob(ctx, queue.AddJobOptions{JobType: "t", Priority: 10})
	require.NoError(t, err)

	jobs, err := b.GetNextBatch(ctx, "w1", 10, nil, 0)
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	// Highest priority first; equal priorities oldest-first.
	assert.Equal(t, high, jobs[0].ID)
	assert.Equal(t, mid, jobs[1].ID)
	assert.Equal(t, low, jobs[2].ID)

	for _, j := range jobs {
		assert.Equal(t, queue.JobStatusProcessing, j.Status)
		assert.Equal(t, "w1", j.LockedBy)
		assert.NotNil(t, j.LockedAt)
		assert.Equal(t, 1, j.Attempts)
		assert.NotNil(t, j.StartedAt)
	}
}

func TestGetNextBatch_TypeFilterAndDelay(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	_, err := b.AddJob(ctx, queue.AddJobOptions{JobType: "other"})
	require.NoError(t, err)
	future := time.Now().Add(time.Hour)
	_, err = b.AddJob(ctx, queue.AddJobOptions{JobType: "wanted", RunAt: &future})
	require.NoError(t, err)
	ready, err := b.AddJob(ctx, queue.AddJobOptions{JobType: "wanted"})
	require.NoError(t, err)

	jobs, err := b.GetNextBatch(ctx, "w1", 10, []string{"wanted"}, 0)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, ready, jobs[0].ID)
}

func TestGetNextBatch_NeverClaimsTwice(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	_, err := b.AddJob(ctx, queue.AddJobOptions{JobType: "once"})
	require.NoError(t, err)

	first, err := b.GetNextBatch(ctx, "w1", 5, nil, 0)
	require.NoError(t, err)
	second, err := b.GetNextBatch(ctx, "w2", 5, nil, 0)
	require.NoError(t, err)
	assert.Len(t, first, 1)
	assert.Empty(t, second)
}

func TestGetNextBatch_GroupConcurrencyCap(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	group := &queue.Group{ID: "tenant-1"}
	for i := 0; i < 3; i++ {
		_, err := b.AddJob(ctx, queue.AddJobOptions{JobType: "grouped", Group: group})
		require.NoError(t, err)
	}

	jobs, err := b.GetNextBatch(ctx, "w1", 10, nil, 2)
	require.NoError(t, err)
	assert.Len(t, jobs, 2, "cap holds within a single batch")

	// Completing one in-flight job frees a slot.
	require.NoError(t, b.CompleteJob(ctx, jobs[0].ID, nil))
	more, err := b.GetNextBatch(ctx, "w1", 10, nil, 2)
	require.NoError(t, err)
	assert.Len(t, more, 1)
}

func TestGetNextBatch_ReclaimedExhaustedJobFailsTerminally(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	id, err := b.AddJob(ctx, queue.AddJobOptions{
		JobType:           "once",
		MaxAttempts:       1,
		DeadLetterJobType: "once.dead",
	})
	require.NoError(t, err)

	jobs, err := b.GetNextBatch(ctx, "w1", 1, nil, 0)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, 1, jobs[0].Attempts)

	time.Sleep(2 * time.Millisecond)
	n, err := b.ReclaimStuckJobs(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// The reclaimed job has no attempts left; the claim retires it instead
	// of handing it out again.
	jobs, err = b.GetNextBatch(ctx, "w1", 1, nil, 0)
	require.NoError(t, err)
	assert.Empty(t, jobs)

	job, err := b.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, queue.JobStatusFailed, job.Status)
	assert.Equal(t, queue.FailureTimeout, job.FailureReason)
	assert.LessOrEqual(t, job.Attempts, job.MaxAttempts)
	assert.Nil(t, job.NextAttemptAt)
	assert.NotNil(t, job.DeadLetterJobID)
}

func TestGetNextBatch_IDTieBreakOnEqualScores(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	b := New(client, DefaultKeyPrefix, nil)
	ctx := context.Background()

	ids := make([]int64, 0, 3)
	for i := 0; i < 3; i++ {
		id, err := b.AddJob(ctx, queue.AddJobOptions{JobType: "tie"})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	// Collapse every job onto one ready score so only the id orders them.
	for _, id := range ids {
		member := strconv.FormatInt(id, 10)
		require.NoError(t, client.HSet(ctx, "dq:job:"+member, "created_at", 1000).Err())
		require.NoError(t, client.ZAdd(ctx, "dq:queue", redis.Z{Score: 1e15 - 1000, Member: member}).Err())
	}

	jobs, err := b.GetNextBatch(ctx, "w1", 10, nil, 0)
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	for i, j := range jobs {
		assert.Equal(t, ids[i], j.ID)
	}
}

func TestCompleteJob_RoundTripAndGuards(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	id, err := b.AddJob(ctx, queue.AddJobOptions{JobType: "rt"})
	require.NoError(t, err)

	// Completing a pending job is rejected.
	err = b.CompleteJob(ctx, id, json.RawMessage(`{}`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInvalidStatus))

	_, err = b.GetNextBatch(ctx, "w1", 1, nil, 0)
	require.NoError(t, err)
	require.NoError(t, b.CompleteJob(ctx, id, json.RawMessage(`{"n":7}`)))

	job, err := b.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, queue.JobStatusCompleted, job.Status)
	assert.JSONEq(t, `{"n":7}`, string(job.Output))
	assert.NotNil(t, job.CompletedAt)
	assert.Nil(t, job.LockedAt)
	assert.Empty(t, job.LockedBy)
	assert.Nil(t, job.StepData)
}

func TestCompleteJob_NilOutputPreservesStored(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	id, err := b.AddJob(ctx, queue.AddJobOptions{JobType: "stream"})
	require.NoError(t, err)
	_, err = b.GetNextBatch(ctx, "w1", 1, nil, 0)
	require.NoError(t, err)

	require.NoError(t, b.UpdateOutput(ctx, id, json.RawMessage(`{"partial":true}`)))
	require.NoError(t, b.CompleteJob(ctx, id, nil))

	job, err := b.GetJob(ctx, id)
	require.NoError(t, err)
	assert.JSONEq(t, `{"partial":true}`, string(job.Output))
}

func TestFailJob_RetryThenDeadLetter(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	id, err := b.AddJob(ctx, queue.AddJobOptions{
		JobType:           "flaky",
		MaxAttempts:       2,
		DeadLetterJobType: "flaky.dead",
	})
	require.NoError(t, err)

	// First attempt fails with one attempt remaining.
	_, err = b.GetNextBatch(ctx, "w1", 1, nil, 0)
	require.NoError(t, err)
	require.NoError(t, b.FailJob(ctx, id, "boom", queue.FailureHandlerError))

	job, err := b.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, queue.JobStatusFailed, job.Status)
	require.Len(t, job.ErrorHistory, 1)
	assert.Equal(t, "boom", job.ErrorHistory[0].Message)
	assert.NotNil(t, job.NextAttemptAt)
	assert.Nil(t, job.DeadLetterJobID)

	// Force the retry due and exhaust the final attempt.
	require.NoError(t, b.RetryJob(ctx, id))
	_, err = b.GetNextBatch(ctx, "w1", 1, nil, 0)
	require.NoError(t, err)
	require.NoError(t, b.FailJob(ctx, id, "boom again", queue.FailureHandlerError))

	job, err = b.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, queue.JobStatusFailed, job.Status)
	require.Len(t, job.ErrorHistory, 2)
	require.NotNil(t, job.DeadLetterJobID)
	assert.NotNil(t, job.DeadLetteredAt)

	dl, err := b.GetJob(ctx, *job.DeadLetterJobID)
	require.NoError(t, err)
	assert.Equal(t, "flaky.dead", dl.JobType)

	var env queue.DeadLetterEnvelope
	require.NoError(t, json.Unmarshal(dl.Payload, &env))
	assert.Equal(t, id, env.OriginalJob.ID)
	assert.Equal(t, "boom again", env.Failure.Message)
	assert.Equal(t, queue.FailureHandlerError, env.Failure.Reason)
}

func TestCancelJob_OnlyPendingOrWaiting(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	id, err := b.AddJob(ctx, queue.AddJobOptions{JobType: "c"})
	require.NoError(t, err)
	require.NoError(t, b.CancelJob(ctx, id))

	job, err := b.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, queue.JobStatusCancelled, job.Status)
	assert.NotNil(t, job.LastCancelledAt)

	// Cancelled jobs are never claimed.
	jobs, err := b.GetNextBatch(ctx, "w1", 10, nil, 0)
	require.NoError(t, err)
	assert.Empty(t, jobs)

	// A processing job is not cancellable.
	id2, err := b.AddJob(ctx, queue.AddJobOptions{JobType: "c"})
	require.NoError(t, err)
	_, err = b.GetNextBatch(ctx, "w1", 1, nil, 0)
	require.NoError(t, err)
	require.NoError(t, b.CancelJob(ctx, id2))
	job, err = b.GetJob(ctx, id2)
	require.NoError(t, err)
	assert.Equal(t, queue.JobStatusProcessing, job.Status)
}

func TestEditJob_PendingOnly(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	id, err := b.AddJob(ctx, queue.AddJobOptions{JobType: "edit", Priority: 1})
	require.NoError(t, err)

	prio := 9
	ok, err := b.EditJob(ctx, id, queue.JobUpdates{Priority: &prio, Tags: []string{"urgent"}})
	require.NoError(t, err)
	assert.True(t, ok)

	job, err := b.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 9, job.Priority)
	assert.Equal(t, []string{"urgent"}, job.Tags)

	// Once claimed, edits are skipped.
	_, err = b.GetNextBatch(ctx, "w1", 1, nil, 0)
	require.NoError(t, err)
	ok, err = b.EditJob(ctx, id, queue.JobUpdates{Priority: &prio})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReclaimStuckJobs_HonoursLease(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	id, err := b.AddJob(ctx, queue.AddJobOptions{JobType: "stuck"})
	require.NoError(t, err)
	_, err = b.GetNextBatch(ctx, "w1", 1, nil, 0)
	require.NoError(t, err)

	// Fresh lease: nothing to reclaim.
	n, err := b.ReclaimStuckJobs(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// Zero threshold treats any lease as expired.
	time.Sleep(2 * time.Millisecond)
	n, err = b.ReclaimStuckJobs(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	job, err := b.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, queue.JobStatusPending, job.Status)
	assert.Nil(t, job.LockedAt)
}

func TestCleanupOldJobs_CompletedOnly(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	done, err := b.AddJob(ctx, queue.AddJobOptions{JobType: "old"})
	require.NoError(t, err)
	_, err = b.GetNextBatch(ctx, "w1", 1, nil, 0)
	require.NoError(t, err)
	require.NoError(t, b.CompleteJob(ctx, done, nil))

	pending, err := b.AddJob(ctx, queue.AddJobOptions{JobType: "old"})
	require.NoError(t, err)

	// Negative retention puts the cutoff in the future, sweeping everything
	// completed.
	n, err := b.CleanupOldJobs(ctx, -time.Minute, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = b.GetJob(ctx, done)
	assert.True(t, errors.Is(err, errors.ErrJobNotFound))
	_, err = b.GetJob(ctx, pending)
	assert.NoError(t, err)

	events, err := b.GetJobEvents(ctx, done)
	require.NoError(t, err)
	assert.Empty(t, events, "events go with the job")
}

func TestWaitJob_Validation(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	until := time.Now().Add(time.Minute)

	err := b.WaitJob(ctx, 1, nil, "", nil)
	require.Error(t, err)
	err = b.WaitJob(ctx, 1, &until, "wp_x", nil)
	require.Error(t, err)
}

func TestTokenLifecycle(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	wp, err := b.CreateToken(ctx, queue.CreateTokenOptions{Timeout: time.Hour, Tags: []string{"approval"}})
	require.NoError(t, err)
	assert.Equal(t, queue.WaitpointStatusWaiting, wp.Status)
	assert.NotNil(t, wp.TimeoutAt)

	got, err := b.GetToken(ctx, wp.ID)
	require.NoError(t, err)
	assert.Equal(t, wp.ID, got.ID)

	done, err := b.CompleteToken(ctx, wp.ID, json.RawMessage(`{"approved":true}`))
	require.NoError(t, err)
	assert.Equal(t, queue.WaitpointStatusCompleted, done.Status)
	assert.JSONEq(t, `{"approved":true}`, string(done.Output))
	assert.NotNil(t, done.CompletedAt)

	// Completing again leaves the first resolution in place.
	again, err := b.CompleteToken(ctx, wp.ID, json.RawMessage(`{"approved":false}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"approved":true}`, string(again.Output))

	_, err = b.GetToken(ctx, "wp_missing")
	assert.True(t, errors.Is(err, errors.ErrTokenNotFound))
}

func TestWaitJob_TokenFirstBindWins(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	first, err := b.AddJob(ctx, queue.AddJobOptions{JobType: "gated"})
	require.NoError(t, err)
	second, err := b.AddJob(ctx, queue.AddJobOptions{JobType: "gated"})
	require.NoError(t, err)
	_, err = b.GetNextBatch(ctx, "w1", 2, nil, 0)
	require.NoError(t, err)

	wp, err := b.CreateToken(ctx, queue.CreateTokenOptions{})
	require.NoError(t, err)
	require.NoError(t, b.WaitJob(ctx, first, nil, wp.ID, nil))
	require.NoError(t, b.WaitJob(ctx, second, nil, wp.ID, nil))

	got, err := b.GetToken(ctx, wp.ID)
	require.NoError(t, err)
	require.NotNil(t, got.JobID)
	assert.Equal(t, first, *got.JobID)
}

func TestExpireTimedOutTokens_ResumesBoundJob(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	id, err := b.AddJob(ctx, queue.AddJobOptions{JobType: "tokened"})
	require.NoError(t, err)
	_, err = b.GetNextBatch(ctx, "w1", 1, nil, 0)
	require.NoError(t, err)

	wp, err := b.CreateToken(ctx, queue.CreateTokenOptions{JobID: id, Timeout: time.Millisecond})
	require.NoError(t, err)
	require.NoError(t, b.WaitJob(ctx, id, nil, wp.ID, nil))

	time.Sleep(5 * time.Millisecond)
	n, err := b.ExpireTimedOutTokens(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := b.GetToken(ctx, wp.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.WaitpointStatusTimedOut, got.Status)

	job, err := b.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, queue.JobStatusPending, job.Status)
}

func TestGetJobs_FiltersAndOrder(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	a, err := b.AddJob(ctx, queue.AddJobOptions{JobType: "list", Tags: []string{"red"}})
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	c, err := b.AddJob(ctx, queue.AddJobOptions{JobType: "list", Tags: []string{"blue"}})
	require.NoError(t, err)
	_, err = b.AddJob(ctx, queue.AddJobOptions{JobType: "unrelated"})
	require.NoError(t, err)

	jobs, err := b.GetJobs(ctx, queue.JobFilters{JobType: "list"})
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	// Newest first.
	assert.Equal(t, c, jobs[0].ID)
	assert.Equal(t, a, jobs[1].ID)

	jobs, err = b.GetJobs(ctx, queue.JobFilters{Tags: []string{"red"}})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, a, jobs[0].ID)

	pending := queue.JobStatusPending
	jobs, err = b.GetJobs(ctx, queue.JobFilters{Status: &pending, Limit: 1, Offset: 1})
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func TestCronSchedule_CRUD(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	cs, err := b.AddCronSchedule(ctx, queue.AddCronScheduleOptions{
		ScheduleName:   "nightly",
		CronExpression: "0 3 * * *",
		JobType:        "report",
	})
	require.NoError(t, err)
	assert.Equal(t, queue.CronScheduleActive, cs.Status)
	assert.False(t, cs.NextRunAt.IsZero())

	_, err = b.AddCronSchedule(ctx, queue.AddCronScheduleOptions{
		ScheduleName:   "nightly",
		CronExpression: "0 4 * * *",
		JobType:        "report",
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrDuplicateSchedule))

	byName, err := b.GetCronScheduleByName(ctx, "nightly")
	require.NoError(t, err)
	assert.Equal(t, cs.ID, byName.ID)

	require.NoError(t, b.PauseCronSchedule(ctx, cs.ID))
	paused := queue.CronSchedulePaused
	list, err := b.ListCronSchedules(ctx, &paused)
	require.NoError(t, err)
	require.Len(t, list, 1)

	due, err := b.GetDueCronSchedules(ctx)
	require.NoError(t, err)
	assert.Empty(t, due, "paused schedules are never due")

	require.NoError(t, b.ResumeCronSchedule(ctx, cs.ID))

	expr := "*/10 * * * *"
	edited, err := b.EditCronSchedule(ctx, cs.ID, queue.CronScheduleUpdates{CronExpression: &expr})
	require.NoError(t, err)
	assert.Equal(t, expr, edited.CronExpression)
	assert.True(t, edited.NextRunAt.Sub(time.Now()) <= 10*time.Minute)

	require.NoError(t, b.RemoveCronSchedule(ctx, cs.ID))
	_, err = b.GetCronSchedule(ctx, cs.ID)
	assert.True(t, errors.Is(err, errors.ErrScheduleNotFound))
}

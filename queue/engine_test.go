package queue_test

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/dataqueue/logger"
	"github.com/teranos/dataqueue/queue"
	"github.com/teranos/dataqueue/redisq"
)

// newTestQueue spins up an in-process Redis and a queue on top of it.
func newTestQueue(t *testing.T) (*queue.JobQueue, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	backend := redisq.New(client, redisq.DefaultKeyPrefix, logger.Nop())
	return queue.NewJobQueue(backend, logger.Nop()), client
}

func newTestProcessor(t *testing.T, q *queue.JobQueue, opts queue.ProcessorOptions) *queue.Processor {
	t.Helper()
	if opts.WorkerID == "" {
		opts.WorkerID = "test-worker"
	}
	p, err := q.NewProcessor(opts)
	require.NoError(t, err)
	return p
}

func TestEngine_BasicLifecycle(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	id, err := q.AddJob(ctx, queue.AddJobOptions{
		JobType: "email",
		Payload: json.RawMessage(`{"to":"a@x"}`),
	})
	require.NoError(t, err)

	job, err := q.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, queue.JobStatusPending, job.Status)

	p := newTestProcessor(t, q, queue.ProcessorOptions{})
	p.RegisterHandler("email", func(ctx context.Context, job *queue.Job, jc *queue.JobContext) (json.RawMessage, error) {
		return json.RawMessage(`{"sent":true}`), nil
	})

	n, err := p.Start(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	job, err = q.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, queue.JobStatusCompleted, job.Status)
	assert.NotNil(t, job.CompletedAt)
	assert.NotNil(t, job.StartedAt)
	assert.JSONEq(t, `{"sent":true}`, string(job.Output))
	assert.Nil(t, job.StepData)
}

func TestEngine_RetryWithFixedDelay(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	delay := 10
	backoff := false
	id, err := q.AddJob(ctx, queue.AddJobOptions{
		JobType:      "e",
		MaxAttempts:  3,
		RetryDelay:   &delay,
		RetryBackoff: &backoff,
	})
	require.NoError(t, err)

	p := newTestProcessor(t, q, queue.ProcessorOptions{})
	p.RegisterHandler("e", func(ctx context.Context, job *queue.Job, jc *queue.JobContext) (json.RawMessage, error) {
		return nil, assert.AnError
	})

	_, err = p.Start(ctx)
	require.NoError(t, err)

	job, err := q.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, queue.JobStatusFailed, job.Status)
	assert.Equal(t, queue.FailureHandlerError, job.FailureReason)
	require.Len(t, job.ErrorHistory, 1)
	require.NotNil(t, job.NextAttemptAt)
	require.NotNil(t, job.LastFailedAt)
	gap := job.NextAttemptAt.Sub(*job.LastFailedAt)
	assert.GreaterOrEqual(t, gap, 9*time.Second)
	assert.LessOrEqual(t, gap, 11*time.Second)
}

func TestEngine_FailedHookReportsRetriesRemaining(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	id, err := q.AddJob(ctx, queue.AddJobOptions{JobType: "f", MaxAttempts: 2})
	require.NoError(t, err)

	var (
		mu        sync.Mutex
		willRetry []bool
	)
	q.On(queue.HookJobFailed, func(p queue.HookPayload) {
		mu.Lock()
		willRetry = append(willRetry, p.WillRetry)
		mu.Unlock()
	})

	p := newTestProcessor(t, q, queue.ProcessorOptions{})
	p.RegisterHandler("f", func(ctx context.Context, job *queue.Job, jc *queue.JobContext) (json.RawMessage, error) {
		return nil, assert.AnError
	})

	// First failure has one attempt left, the second is terminal.
	_, err = p.Start(ctx)
	require.NoError(t, err)
	require.NoError(t, q.RetryJob(ctx, id))
	_, err = p.Start(ctx)
	require.NoError(t, err)

	assert.Equal(t, []bool{true, false}, willRetry)
}

func TestEngine_PriorityOrder(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	for _, prio := range []int{1, 10, 5} {
		_, err := q.AddJob(ctx, queue.AddJobOptions{
			JobType:  "ordered",
			Priority: prio,
			Payload:  json.RawMessage(strconv.Itoa(prio)),
		})
		require.NoError(t, err)
	}

	var (
		mu    sync.Mutex
		order []string
	)
	p := newTestProcessor(t, q, queue.ProcessorOptions{BatchSize: 1, Concurrency: 1})
	p.RegisterHandler("ordered", func(ctx context.Context, job *queue.Job, jc *queue.JobContext) (json.RawMessage, error) {
		mu.Lock()
		order = append(order, string(job.Payload))
		mu.Unlock()
		return nil, nil
	})

	for i := 0; i < 3; i++ {
		_, err := p.Start(ctx)
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"10", "5", "1"}, order)
}

func TestEngine_Idempotency(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	first, err := q.AddJob(ctx, queue.AddJobOptions{JobType: "idem", IdempotencyKey: "K"})
	require.NoError(t, err)
	second, err := q.AddJob(ctx, queue.AddJobOptions{JobType: "idem", IdempotencyKey: "K"})
	require.NoError(t, err)
	assert.Equal(t, first, second)

	events, err := q.GetJobEvents(ctx, first)
	require.NoError(t, err)
	added := 0
	for _, e := range events {
		if e.Type == queue.EventAdded {
			added++
		}
	}
	assert.Equal(t, 1, added)
}

func TestEngine_WaitForMemoisesSteps(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	id, err := q.AddJob(ctx, queue.AddJobOptions{JobType: "stepped"})
	require.NoError(t, err)

	runs := 0
	p := newTestProcessor(t, q, queue.ProcessorOptions{})
	p.RegisterHandler("stepped", func(ctx context.Context, job *queue.Job, jc *queue.JobContext) (json.RawMessage, error) {
		if _, err := jc.Run(ctx, "a", func(ctx context.Context) (any, error) {
			runs++
			return 42, nil
		}); err != nil {
			return nil, err
		}
		if err := jc.WaitFor(50 * time.Millisecond); err != nil {
			return nil, err
		}
		return json.RawMessage(`"done"`), nil
	})

	_, err = p.Start(ctx)
	require.NoError(t, err)

	job, err := q.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, queue.JobStatusWaiting, job.Status)
	assert.NotNil(t, job.WaitUntil)
	require.Contains(t, job.StepData, "a")
	assert.JSONEq(t, "42", string(job.StepData["a"].Result))
	assert.Equal(t, 1, runs)

	time.Sleep(60 * time.Millisecond)
	_, err = p.Start(ctx)
	require.NoError(t, err)

	job, err = q.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, queue.JobStatusCompleted, job.Status)
	assert.Equal(t, 1, runs, "memoised step must not re-execute")
}

// forceCronDue rewinds a schedule's next run so the evaluator sees it as due.
func forceCronDue(t *testing.T, client *redis.Client, scheduleID int64) {
	t.Helper()
	ctx := context.Background()
	past := time.Now().Add(-time.Minute).UnixMilli()
	key := redisq.DefaultKeyPrefix + "cron:" + strconv.FormatInt(scheduleID, 10)
	require.NoError(t, client.HSet(ctx, key, "next_run_at", strconv.FormatInt(past, 10)).Err())
	require.NoError(t, client.ZAdd(ctx, redisq.DefaultKeyPrefix+"cron_due", redis.Z{
		Score:  float64(past),
		Member: strconv.FormatInt(scheduleID, 10),
	}).Err())
}

func TestEngine_CronOverlapGuard(t *testing.T) {
	q, client := newTestQueue(t)
	ctx := context.Background()

	cs, err := q.AddCronSchedule(ctx, queue.AddCronScheduleOptions{
		ScheduleName:   "every-minute",
		CronExpression: "* * * * *",
		JobType:        "tick",
		AllowOverlap:   false,
	})
	require.NoError(t, err)

	forceCronDue(t, client, cs.ID)
	n, err := q.EnqueueDueCronJobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	cs, err = q.GetCronSchedule(ctx, cs.ID)
	require.NoError(t, err)
	require.NotNil(t, cs.LastJobID)
	firstJob := *cs.LastJobID

	// The first job is still pending, so the slot must not fire again.
	forceCronDue(t, client, cs.ID)
	n, err = q.EnqueueDueCronJobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	cs, err = q.GetCronSchedule(ctx, cs.ID)
	require.NoError(t, err)
	require.NotNil(t, cs.LastJobID)
	assert.Equal(t, firstJob, *cs.LastJobID)

	// Once the job settles, the schedule fires again.
	require.NoError(t, q.CancelJob(ctx, firstJob))
	forceCronDue(t, client, cs.ID)
	n, err = q.EnqueueDueCronJobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestEngine_TokenCompletionResumesJob(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	id, err := q.AddJob(ctx, queue.AddJobOptions{JobType: "approval"})
	require.NoError(t, err)

	p := newTestProcessor(t, q, queue.ProcessorOptions{})
	p.RegisterHandler("approval", func(ctx context.Context, job *queue.Job, jc *queue.JobContext) (json.RawMessage, error) {
		raw, err := jc.Run(ctx, "token", func(ctx context.Context) (any, error) {
			wp, err := jc.CreateToken(ctx, queue.CreateTokenOptions{Timeout: time.Hour})
			if err != nil {
				return nil, err
			}
			return wp.ID, nil
		})
		if err != nil {
			return nil, err
		}
		var tokenID string
		if err := json.Unmarshal(raw, &tokenID); err != nil {
			return nil, err
		}

		res, err := jc.WaitForToken(ctx, tokenID)
		if err != nil {
			return nil, err
		}
		if !res.Ok {
			return nil, assert.AnError
		}
		return res.Output, nil
	})

	_, err = p.Start(ctx)
	require.NoError(t, err)

	job, err := q.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, queue.JobStatusWaiting, job.Status)
	require.NotEmpty(t, job.WaitTokenID)

	wp, err := q.CompleteToken(ctx, job.WaitTokenID, json.RawMessage(`{"x":1}`))
	require.NoError(t, err)
	assert.Equal(t, queue.WaitpointStatusCompleted, wp.Status)

	job, err = q.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, queue.JobStatusPending, job.Status)

	_, err = p.Start(ctx)
	require.NoError(t, err)

	job, err = q.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, queue.JobStatusCompleted, job.Status)
	assert.JSONEq(t, `{"x":1}`, string(job.Output))
}

func TestEngine_CancelIsNoOpOnTerminalStatus(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	id, err := q.AddJob(ctx, queue.AddJobOptions{JobType: "short"})
	require.NoError(t, err)

	p := newTestProcessor(t, q, queue.ProcessorOptions{})
	p.RegisterHandler("short", func(ctx context.Context, job *queue.Job, jc *queue.JobContext) (json.RawMessage, error) {
		return nil, nil
	})
	_, err = p.Start(ctx)
	require.NoError(t, err)

	require.NoError(t, q.CancelJob(ctx, id))
	job, err := q.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, queue.JobStatusCompleted, job.Status)
}

func TestEngine_NoHandlerFailsJob(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	id, err := q.AddJob(ctx, queue.AddJobOptions{JobType: "unknown", MaxAttempts: 1})
	require.NoError(t, err)

	p := newTestProcessor(t, q, queue.ProcessorOptions{})
	_, err = p.Start(ctx)
	require.NoError(t, err)

	job, err := q.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, queue.JobStatusFailed, job.Status)
	assert.Equal(t, queue.FailureNoHandler, job.FailureReason)
}

func TestEngine_StatsCountsByStatus(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := q.AddJob(ctx, queue.AddJobOptions{JobType: "counted"})
		require.NoError(t, err)
	}
	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats[queue.JobStatusPending])
	assert.Equal(t, 0, stats[queue.JobStatusCompleted])
}

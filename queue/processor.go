package queue

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/teranos/dataqueue/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Handler executes one job attempt. Returning a WaitSignal (via the
// JobContext wait helpers) suspends the job; any other error counts as a
// failed attempt. A nil error completes the job with the returned output,
// unless the handler stored an output through jc.SetOutput, which wins.
type Handler func(ctx context.Context, job *Job, jc *JobContext) (json.RawMessage, error)

// drainTimeout bounds how long StopAndDrain waits for in-flight handlers.
const drainTimeout = 30 * time.Second

// ProcessorOptions configures a Processor.
type ProcessorOptions struct {
	// WorkerID identifies this processor in job leases. Required.
	WorkerID string
	// BatchSize is how many jobs one pass claims. Default 10.
	BatchSize int
	// Concurrency caps handlers running at once. Default BatchSize.
	Concurrency int
	// PollInterval is the background loop cadence. Default 5s.
	PollInterval time.Duration
	// JobTypes narrows claiming to these types. Empty claims everything.
	JobTypes []string
	// GroupConcurrency caps in-flight jobs per group id. 0 disables.
	GroupConcurrency int
	// OnError is invoked for handler failures, after state is recorded.
	OnError func(job *Job, err error)
}

func (o *ProcessorOptions) withDefaults() ProcessorOptions {
	out := *o
	if out.BatchSize <= 0 {
		out.BatchSize = 10
	}
	if out.Concurrency <= 0 {
		out.Concurrency = out.BatchSize
	}
	if out.PollInterval <= 0 {
		out.PollInterval = 5 * time.Second
	}
	return out
}

// Processor claims batches of due jobs and dispatches them to registered
// handlers. One Start call performs one pass; StartInBackground loops on
// PollInterval until Stop.
type Processor struct {
	backend Backend
	hooks   *Hooks
	opts    ProcessorOptions
	log     *zap.SugaredLogger

	mu       sync.Mutex
	handlers map[string]Handler
	running  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	inflight sync.WaitGroup
}

// NewProcessor builds a processor over a backend. Handlers must be
// registered before the first Start.
func NewProcessor(backend Backend, hooks *Hooks, opts ProcessorOptions, logger *zap.SugaredLogger) (*Processor, error) {
	if opts.WorkerID == "" {
		return nil, errors.New("processor requires a worker id")
	}
	return &Processor{
		backend:  backend,
		hooks:    hooks,
		opts:     opts.withDefaults(),
		log:      logger.Named("processor"),
		handlers: make(map[string]Handler),
	}, nil
}

// RegisterHandler binds a handler to a job type, replacing any previous one.
func (p *Processor) RegisterHandler(jobType string, h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[jobType] = h
}

func (p *Processor) handler(jobType string) (Handler, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, ok := p.handlers[jobType]
	return h, ok
}

// Start runs one processing pass: enqueue due cron schedules, claim a batch,
// process every claimed job to an outcome, and return how many were claimed.
// It blocks until the batch drains.
func (p *Processor) Start(ctx context.Context) (int, error) {
	if _, err := enqueueDueCronJobs(ctx, p.backend, p.hooks, p.log); err != nil {
		p.log.Warnw("Failed to enqueue due cron schedules", "error", err)
	}

	jobs, err := p.backend.GetNextBatch(ctx, p.opts.WorkerID, p.opts.BatchSize, p.opts.JobTypes, p.opts.GroupConcurrency)
	if err != nil {
		return 0, errors.Wrap(err, "claiming next batch")
	}
	if len(jobs) == 0 {
		return 0, nil
	}

	sem := semaphore.NewWeighted(int64(p.opts.Concurrency))
	var wg sync.WaitGroup
	for _, job := range jobs {
		if err := sem.Acquire(ctx, 1); err != nil {
			// Shutdown mid-batch: unclaimed jobs stay leased and will be
			// reclaimed by the supervisor.
			break
		}
		wg.Add(1)
		p.inflight.Add(1)
		go func(job *Job) {
			defer wg.Done()
			defer p.inflight.Done()
			defer sem.Release(1)
			p.process(ctx, job)
		}(job)
	}
	wg.Wait()
	return len(jobs), nil
}

// StartInBackground runs Start on PollInterval until Stop or ctx
// cancellation. Repeated calls while running are no-ops.
func (p *Processor) StartInBackground(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	p.running = true
	p.cancel = cancel
	p.mu.Unlock()

	p.log.Infow("Processor starting", "workerID", p.opts.WorkerID, "pollInterval", p.opts.PollInterval)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.opts.PollInterval)
		defer ticker.Stop()
		for {
			if _, err := p.Start(loopCtx); err != nil && loopCtx.Err() == nil {
				p.log.Errorw("Processing pass failed", "error", err)
			}
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

// IsRunning reports whether the background loop is active.
func (p *Processor) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Stop cancels the background loop without waiting for in-flight handlers.
func (p *Processor) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	cancel := p.cancel
	p.mu.Unlock()

	cancel()
	p.wg.Wait()
}

// StopAndDrain stops the loop and waits up to 30 seconds for in-flight
// handlers to finish.
func (p *Processor) StopAndDrain() {
	p.Stop()

	done := make(chan struct{})
	go func() {
		p.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.log.Infow("Processor drained cleanly")
	case <-time.After(drainTimeout):
		p.log.Warnw("Processor drain timed out, handlers still in flight", "timeout", drainTimeout)
	}
}

// process runs one claimed job through its handler and records the outcome.
func (p *Processor) process(ctx context.Context, job *Job) {
	p.hooks.Emit(HookJobProcessing, HookPayload{JobID: job.ID, JobType: job.JobType})
	if err := p.backend.RecordJobEvent(ctx, job.ID, EventProcessing, nil); err != nil {
		p.log.Warnw("Failed to record processing event", "jobID", job.ID, "error", err)
	}

	h, ok := p.handler(job.JobType)
	if !ok {
		p.finishFailed(ctx, job, errors.Newf("no handler registered for job type %q", job.JobType), FailureNoHandler)
		return
	}

	handlerCtx, cancelHandler := context.WithCancel(ctx)
	defer cancelHandler()

	jc := newJobContext(p.backend, p.hooks, p.log, job, nil)

	var (
		timeoutMu    sync.Mutex
		timedOut     bool
		timeoutTimer *time.Timer
	)
	if job.Timeout != nil && *job.Timeout > 0 {
		d := *job.Timeout
		started := time.Now()
		var onFire func()
		onFire = func() {
			if cb := jc.timeoutCallback(); cb != nil {
				remaining := d - time.Since(started)
				if ext := cb(remaining); ext != nil && *ext > 0 {
					timeoutMu.Lock()
					timeoutTimer.Reset(*ext)
					timeoutMu.Unlock()
					p.log.Infow("Job timeout extended", "jobID", job.ID, "extension", *ext)
					return
				}
			}
			timeoutMu.Lock()
			timedOut = true
			timeoutMu.Unlock()
			cancelHandler()
		}
		timeoutMu.Lock()
		timeoutTimer = time.AfterFunc(d, onFire)
		timeoutMu.Unlock()
		defer timeoutTimer.Stop()

		jc.prolong = func() {
			timeoutMu.Lock()
			timeoutTimer.Reset(d)
			timeoutMu.Unlock()
		}
	}

	// Heartbeat keeps the lease fresh so the supervisor does not reclaim a
	// long-running job.
	hbInterval := 30 * time.Second
	if job.Timeout != nil && *job.Timeout > 0 {
		hbInterval = *job.Timeout / 3
	}
	hbDone := make(chan struct{})
	defer close(hbDone)
	go func() {
		ticker := time.NewTicker(hbInterval)
		defer ticker.Stop()
		for {
			select {
			case <-hbDone:
				return
			case <-handlerCtx.Done():
				return
			case <-ticker.C:
				if err := p.backend.ProlongJob(ctx, job.ID); err != nil {
					p.log.Warnw("Heartbeat failed", "jobID", job.ID, "error", err)
				}
			}
		}
	}()

	output, handlerErr := p.runHandler(handlerCtx, h, job, jc)

	timeoutMu.Lock()
	wasTimeout := timedOut
	timeoutMu.Unlock()

	switch {
	case handlerErr == nil:
		if stored, ok := jc.storedOutput(); ok {
			output = stored
		}
		p.finishCompleted(ctx, job, output)
	default:
		if ws, ok := IsWaitSignal(handlerErr); ok && !wasTimeout {
			p.finishWaiting(ctx, job, jc, ws)
			return
		}
		reason := FailureHandlerError
		if wasTimeout {
			reason = FailureTimeout
			handlerErr = errors.Newf("job timed out after %s", job.Timeout)
		}
		p.finishFailed(ctx, job, handlerErr, reason)
	}
}

// runHandler isolates handler panics into errors.
func (p *Processor) runHandler(ctx context.Context, h Handler, job *Job, jc *JobContext) (output json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("handler panicked: %v", r)
			p.log.Errorw("Handler panic", "jobID", job.ID, "jobType", job.JobType, "panic", r)
		}
	}()
	return h(ctx, job, jc)
}

func (p *Processor) finishCompleted(ctx context.Context, job *Job, output json.RawMessage) {
	if err := p.backend.CompleteJob(ctx, job.ID, output); err != nil {
		p.log.Errorw("Failed to complete job", "jobID", job.ID, "error", err)
		return
	}
	p.hooks.Emit(HookJobCompleted, HookPayload{JobID: job.ID, JobType: job.JobType})
}

func (p *Processor) finishWaiting(ctx context.Context, job *Job, jc *JobContext, ws *WaitSignal) {
	var until *time.Time
	if ws.TokenID == "" {
		t := ws.WaitUntil
		until = &t
	}
	if err := p.backend.WaitJob(ctx, job.ID, until, ws.TokenID, jc.snapshotSteps()); err != nil {
		p.log.Errorw("Failed to park waiting job", "jobID", job.ID, "error", err)
		return
	}
	p.hooks.Emit(HookJobWaiting, HookPayload{JobID: job.ID, JobType: job.JobType})
}

func (p *Processor) finishFailed(ctx context.Context, job *Job, handlerErr error, reason FailureReason) {
	if err := p.backend.FailJob(ctx, job.ID, handlerErr.Error(), reason); err != nil {
		p.log.Errorw("Failed to record job failure", "jobID", job.ID, "error", err)
		return
	}
	// Claimed jobs carry the already-incremented attempt count.
	willRetry := job.Attempts < job.MaxAttempts
	p.hooks.Emit(HookJobFailed, HookPayload{
		JobID:     job.ID,
		JobType:   job.JobType,
		WillRetry: willRetry,
		Err:       handlerErr,
	})
	if p.opts.OnError != nil {
		p.opts.OnError(job, handlerErr)
	}
}

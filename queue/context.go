package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/teranos/dataqueue/errors"
	"go.uber.org/zap"
)

// WaitSignal is returned (wrapped) by handlers that suspend themselves via
// JobContext.WaitFor, WaitUntil or WaitForToken. The processor intercepts it
// and parks the job instead of treating it as a failure.
type WaitSignal struct {
	// WaitUntil is set for wall-clock waits, zero for token waits.
	WaitUntil time.Time
	// TokenID is set for token waits.
	TokenID string
}

func (w *WaitSignal) Error() string {
	if w.TokenID != "" {
		return "job waiting for token " + w.TokenID
	}
	return "job waiting until " + w.WaitUntil.Format(time.RFC3339)
}

// IsWaitSignal reports whether err is, or wraps, a WaitSignal.
func IsWaitSignal(err error) (*WaitSignal, bool) {
	var ws *WaitSignal
	if errors.As(err, &ws) {
		return ws, true
	}
	return nil, false
}

// JobContext is the per-execution helper handed to handlers. It carries the
// step cache that survives suspension, progress/output reporting, and lease
// control. A JobContext is only valid for the duration of one handler call
// and must not be retained.
type JobContext struct {
	backend Backend
	hooks   *Hooks
	log     *zap.SugaredLogger
	job     *Job

	mu        sync.Mutex
	stepData  map[string]StepResult
	waitSeq   int
	output    json.RawMessage
	outputSet bool
	onTimeout func(remaining time.Duration) *time.Duration
	prolong   func() // resets the processor's timeout timer
}

func newJobContext(backend Backend, hooks *Hooks, log *zap.SugaredLogger, job *Job, prolong func()) *JobContext {
	steps := make(map[string]StepResult, len(job.StepData))
	for k, v := range job.StepData {
		steps[k] = v
	}
	return &JobContext{
		backend:  backend,
		hooks:    hooks,
		log:      log,
		job:      job,
		stepData: steps,
		prolong:  prolong,
	}
}

// Job returns the job being processed.
func (jc *JobContext) Job() *Job { return jc.job }

// Run executes fn exactly once per job lifetime under the given step name.
// When the job resumes after a wait, completed steps replay from the cache
// instead of re-running. The cached value is the JSON encoding of fn's
// result.
func (jc *JobContext) Run(ctx context.Context, name string, fn func(ctx context.Context) (any, error)) (json.RawMessage, error) {
	jc.mu.Lock()
	if cached, ok := jc.stepData[name]; ok && cached.Completed {
		jc.mu.Unlock()
		return cached.Result, nil
	}
	jc.mu.Unlock()

	out, err := fn(ctx)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return nil, errors.Wrapf(err, "encoding result of step %q", name)
	}

	jc.mu.Lock()
	jc.stepData[name] = StepResult{Completed: true, Result: raw}
	jc.mu.Unlock()
	return raw, nil
}

// WaitFor suspends the job for the given duration. The returned error must be
// propagated out of the handler; the processor parks the job and releases the
// worker slot. On resume the wait is already satisfied and does not re-fire.
func (jc *JobContext) WaitFor(d time.Duration) error {
	return jc.WaitUntil(time.Now().Add(d))
}

// WaitUntil suspends the job until the given wall-clock time. Times in the
// past complete the wait immediately on the next claim.
func (jc *JobContext) WaitUntil(t time.Time) error {
	jc.mu.Lock()
	defer jc.mu.Unlock()

	jc.waitSeq++
	key := fmt.Sprintf("$wait:%d", jc.waitSeq)
	if cached, ok := jc.stepData[key]; ok && cached.Completed {
		return nil // satisfied on a previous run
	}
	jc.stepData[key] = StepResult{Completed: true}
	return &WaitSignal{WaitUntil: t}
}

// CreateToken issues a waitpoint token bound to this job, without
// suspending it. Set opts.JobID to bind elsewhere.
func (jc *JobContext) CreateToken(ctx context.Context, opts CreateTokenOptions) (*Waitpoint, error) {
	if opts.JobID == 0 {
		opts.JobID = jc.job.ID
	}
	return jc.backend.CreateToken(ctx, opts)
}

// WaitForToken suspends the job until tokenID is completed or timed out. If
// the token is already resolved it returns the result without suspending; the
// resolution is cached so later runs do not consult the store again.
func (jc *JobContext) WaitForToken(ctx context.Context, tokenID string) (*TokenResult, error) {
	key := "$waitpoint:" + tokenID

	jc.mu.Lock()
	if cached, ok := jc.stepData[key]; ok && cached.Completed {
		jc.mu.Unlock()
		var res TokenResult
		if err := json.Unmarshal(cached.Result, &res); err != nil {
			return nil, errors.Wrapf(err, "decoding cached waitpoint %s", tokenID)
		}
		return &res, nil
	}
	jc.mu.Unlock()

	wp, err := jc.backend.GetToken(ctx, tokenID)
	if err != nil {
		return nil, err
	}

	switch wp.Status {
	case WaitpointStatusWaiting:
		return nil, &WaitSignal{TokenID: tokenID}
	case WaitpointStatusCompleted, WaitpointStatusTimedOut:
		res := TokenResult{Ok: wp.Status == WaitpointStatusCompleted, Output: wp.Output}
		raw, err := json.Marshal(res)
		if err != nil {
			return nil, errors.Wrapf(err, "encoding waitpoint %s result", tokenID)
		}
		jc.mu.Lock()
		jc.stepData[key] = StepResult{Completed: true, Result: raw}
		jc.mu.Unlock()
		return &res, nil
	default:
		return nil, errors.Newf("waitpoint %s has unknown status %q", tokenID, wp.Status)
	}
}

// SetProgress records completion progress in the 0..100 range and emits
// job:progress. The store write is best-effort.
func (jc *JobContext) SetProgress(ctx context.Context, progress int) error {
	if progress < 0 || progress > 100 {
		return errors.Newf("progress %d out of range [0,100]", progress)
	}
	if err := jc.backend.UpdateProgress(ctx, jc.job.ID, progress); err != nil {
		jc.log.Warnw("Failed to update job progress", "jobID", jc.job.ID, "error", err)
	}
	jc.hooks.Emit(HookJobProgress, HookPayload{JobID: jc.job.ID, JobType: jc.job.JobType, Progress: progress})
	return nil
}

// SetOutput stores an intermediate output visible before completion. The
// value set here survives CompleteJob(id, nil) and wins over the handler's
// return value.
func (jc *JobContext) SetOutput(ctx context.Context, output json.RawMessage) error {
	jc.mu.Lock()
	jc.output = output
	jc.outputSet = true
	jc.mu.Unlock()
	return jc.backend.UpdateOutput(ctx, jc.job.ID, output)
}

// Prolong refreshes the lease and resets the processing timeout timer, then
// records a prolonged event.
func (jc *JobContext) Prolong(ctx context.Context) error {
	if err := jc.backend.ProlongJob(ctx, jc.job.ID); err != nil {
		return err
	}
	if jc.prolong != nil {
		jc.prolong()
	}
	if err := jc.backend.RecordJobEvent(ctx, jc.job.ID, EventProlonged, nil); err != nil {
		jc.log.Warnw("Failed to record prolonged event", "jobID", jc.job.ID, "error", err)
	}
	return nil
}

// OnTimeout registers a callback invoked when the job's timeout fires. A
// non-nil return extends processing by that duration; nil lets the timeout
// take effect.
func (jc *JobContext) OnTimeout(fn func(remaining time.Duration) *time.Duration) {
	jc.mu.Lock()
	jc.onTimeout = fn
	jc.mu.Unlock()
}

func (jc *JobContext) timeoutCallback() func(remaining time.Duration) *time.Duration {
	jc.mu.Lock()
	defer jc.mu.Unlock()
	return jc.onTimeout
}

func (jc *JobContext) storedOutput() (json.RawMessage, bool) {
	jc.mu.Lock()
	defer jc.mu.Unlock()
	return jc.output, jc.outputSet
}

func (jc *JobContext) snapshotSteps() map[string]StepResult {
	jc.mu.Lock()
	defer jc.mu.Unlock()
	steps := make(map[string]StepResult, len(jc.stepData))
	for k, v := range jc.stepData {
		steps[k] = v
	}
	return steps
}

package redisq

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/teranos/dataqueue/errors"
	"github.com/teranos/dataqueue/queue"
)

// Hash encoding conventions: every field is a string, timestamps are unix
// milliseconds, and the empty string stands for null. JSON-valued fields
// (payload, tags, error_history, step_data, output, metadata) store raw
// JSON text.

func msOf(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func msOfPtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return msOf(*t)
}

func timeOf(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(ms).UTC(), true
}

func timePtrOf(s string) *time.Time {
	t, ok := timeOf(s)
	if !ok {
		return nil
	}
	return &t
}

func intOf(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func intPtrOf(s string) *int {
	if s == "" {
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return nil
	}
	return &n
}

func boolPtrOf(s string) *bool {
	switch s {
	case "0":
		b := false
		return &b
	case "1":
		b := true
		return &b
	default:
		return nil
	}
}

func strOfIntPtr(p *int) string {
	if p == nil {
		return ""
	}
	return strconv.Itoa(*p)
}

func strOfBoolPtr(p *bool) string {
	if p == nil {
		return ""
	}
	if *p {
		return "1"
	}
	return "0"
}

func rawOf(s string) json.RawMessage {
	if s == "" {
		return nil
	}
	return json.RawMessage(s)
}

// jobFields builds the hash fields for a new job. The id field is written by
// the add script after it allocates one.
func jobFields(opts queue.AddJobOptions, now time.Time) (map[string]string, error) {
	runAt := now
	if opts.RunAt != nil {
		runAt = *opts.RunAt
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = queue.DefaultMaxAttempts
	}

	tags := opts.Tags
	if tags == nil {
		tags = []string{}
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return nil, errors.Wrap(err, "encoding tags")
	}

	f := map[string]string{
		"job_type":             opts.JobType,
		"payload":              string(opts.Payload),
		"tags":                 string(tagsJSON),
		"idempotency_key":      opts.IdempotencyKey,
		"priority":             strconv.Itoa(opts.Priority),
		"run_at":               msOf(runAt),
		"created_at":           msOf(now),
		"max_attempts":         strconv.Itoa(maxAttempts),
		"attempts":             "0",
		"retry_delay":          strOfIntPtr(opts.RetryDelay),
		"retry_backoff":        strOfBoolPtr(opts.RetryBackoff),
		"retry_delay_max":      strOfIntPtr(opts.RetryDelayMax),
		"status":               string(queue.JobStatusPending),
		"dead_letter_job_type": opts.DeadLetterJobType,
		"updated_at":           msOf(now),
	}
	if opts.Timeout != nil {
		f["timeout_ms"] = strconv.FormatInt(opts.Timeout.Milliseconds(), 10)
	}
	if opts.ForceKillOnTimeout {
		f["force_kill"] = "1"
	}
	if opts.Group != nil {
		f["group_id"] = opts.Group.ID
		f["group_tier"] = opts.Group.Tier
	}
	return f, nil
}

// jobFromHash rebuilds a Job from its hash fields.
func jobFromHash(h map[string]string) (*queue.Job, error) {
	if len(h) == 0 {
		return nil, errors.ErrJobNotFound
	}

	id, err := strconv.ParseInt(h["id"], 10, 64)
	if err != nil {
		return nil, errors.Wrapf(err, "bad job id %q", h["id"])
	}

	j := &queue.Job{
		ID:                id,
		JobType:           h["job_type"],
		Payload:           rawOf(h["payload"]),
		IdempotencyKey:    h["idempotency_key"],
		Priority:          intOf(h["priority"]),
		MaxAttempts:       intOf(h["max_attempts"]),
		Attempts:          intOf(h["attempts"]),
		RetryDelay:        intPtrOf(h["retry_delay"]),
		RetryBackoff:      boolPtrOf(h["retry_backoff"]),
		RetryDelayMax:     intPtrOf(h["retry_delay_max"]),
		LockedBy:          h["locked_by"],
		Status:            queue.JobStatus(h["status"]),
		Output:            rawOf(h["output"]),
		FailureReason:     queue.FailureReason(h["failure_reason"]),
		DeadLetterJobType: h["dead_letter_job_type"],
		WaitTokenID:       h["wait_token_id"],
	}

	if t, ok := timeOf(h["run_at"]); ok {
		j.RunAt = t
	}
	if t, ok := timeOf(h["created_at"]); ok {
		j.CreatedAt = t
	}
	if t, ok := timeOf(h["updated_at"]); ok {
		j.UpdatedAt = t
	}
	j.LockedAt = timePtrOf(h["locked_at"])
	j.NextAttemptAt = timePtrOf(h["next_attempt_at"])
	j.WaitUntil = timePtrOf(h["wait_until"])
	j.StartedAt = timePtrOf(h["started_at"])
	j.CompletedAt = timePtrOf(h["completed_at"])
	j.LastRetriedAt = timePtrOf(h["last_retried_at"])
	j.LastFailedAt = timePtrOf(h["last_failed_at"])
	j.LastCancelledAt = timePtrOf(h["last_cancelled_at"])
	j.DeadLetteredAt = timePtrOf(h["dead_lettered_at"])
	j.Progress = intPtrOf(h["progress"])
	if h["force_kill"] == "1" {
		j.ForceKillOnTimeout = true
	}
	if ms := h["timeout_ms"]; ms != "" {
		if n, err := strconv.ParseInt(ms, 10, 64); err == nil && n > 0 {
			d := time.Duration(n) * time.Millisecond
			j.Timeout = &d
		}
	}
	if dl := h["dead_letter_job_id"]; dl != "" {
		if n, err := strconv.ParseInt(dl, 10, 64); err == nil {
			j.DeadLetterJobID = &n
		}
	}
	if gid := h["group_id"]; gid != "" {
		j.Group = &queue.Group{ID: gid, Tier: h["group_tier"]}
	}
	if tags := h["tags"]; tags != "" && tags != "[]" {
		if err := json.Unmarshal([]byte(tags), &j.Tags); err != nil {
			return nil, errors.Wrapf(err, "decoding tags of job %d", id)
		}
	}
	if eh := h["error_history"]; eh != "" {
		if err := json.Unmarshal([]byte(eh), &j.ErrorHistory); err != nil {
			return nil, errors.Wrapf(err, "decoding error history of job %d", id)
		}
	}
	if sd := h["step_data"]; sd != "" {
		if err := json.Unmarshal([]byte(sd), &j.StepData); err != nil {
			return nil, errors.Wrapf(err, "decoding step data of job %d", id)
		}
	}
	return j, nil
}

// eventRecord is the JSON shape stored in per-job event lists.
type eventRecord struct {
	ID        int64           `json:"id"`
	JobID     int64           `json:"job_id"`
	EventType string          `json:"event_type"`
	CreatedAt int64           `json:"created_at"` // unix ms
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}

func eventFromRecord(raw string) (*queue.Event, error) {
	var rec eventRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, errors.Wrap(err, "decoding event record")
	}
	return &queue.Event{
		ID:        rec.ID,
		JobID:     rec.JobID,
		Type:      queue.EventType(rec.EventType),
		CreatedAt: time.UnixMilli(rec.CreatedAt).UTC(),
		Metadata:  rec.Metadata,
	}, nil
}

// waitpointFields builds the hash for a new token.
func waitpointFields(wp *queue.Waitpoint) (map[string]string, error) {
	tags := wp.Tags
	if tags == nil {
		tags = []string{}
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return nil, errors.Wrap(err, "encoding waitpoint tags")
	}
	f := map[string]string{
		"id":         wp.ID,
		"status":     string(wp.Status),
		"created_at": msOf(wp.CreatedAt),
		"tags":       string(tagsJSON),
	}
	if wp.JobID != nil {
		f["job_id"] = strconv.FormatInt(*wp.JobID, 10)
	}
	if wp.TimeoutAt != nil {
		f["timeout_at"] = msOf(*wp.TimeoutAt)
	}
	return f, nil
}

func waitpointFromHash(h map[string]string) (*queue.Waitpoint, error) {
	if len(h) == 0 {
		return nil, errors.ErrTokenNotFound
	}
	wp := &queue.Waitpoint{
		ID:     h["id"],
		Status: queue.WaitpointStatus(h["status"]),
		Output: rawOf(h["output"]),
	}
	if t, ok := timeOf(h["created_at"]); ok {
		wp.CreatedAt = t
	}
	wp.TimeoutAt = timePtrOf(h["timeout_at"])
	wp.CompletedAt = timePtrOf(h["completed_at"])
	if jid := h["job_id"]; jid != "" {
		if n, err := strconv.ParseInt(jid, 10, 64); err == nil {
			wp.JobID = &n
		}
	}
	if tags := h["tags"]; tags != "" && tags != "[]" {
		if err := json.Unmarshal([]byte(tags), &wp.Tags); err != nil {
			return nil, errors.Wrapf(err, "decoding tags of waitpoint %s", wp.ID)
		}
	}
	return wp, nil
}

// cronFields builds the hash for a schedule.
func cronFields(cs *queue.CronSchedule) (map[string]string, error) {
	tags := cs.Tags
	if tags == nil {
		tags = []string{}
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return nil, errors.Wrap(err, "encoding schedule tags")
	}
	f := map[string]string{
		"id":                   strconv.FormatInt(cs.ID, 10),
		"schedule_name":        cs.ScheduleName,
		"cron_expression":      cs.CronExpression,
		"job_type":             cs.JobType,
		"payload":              string(cs.Payload),
		"timezone":             cs.Timezone,
		"allow_overlap":        boolStr(cs.AllowOverlap),
		"status":               string(cs.Status),
		"next_run_at":          msOf(cs.NextRunAt),
		"priority":             strconv.Itoa(cs.Priority),
		"tags":                 string(tagsJSON),
		"max_attempts":         strconv.Itoa(cs.MaxAttempts),
		"retry_delay":          strOfIntPtr(cs.RetryDelay),
		"retry_backoff":        strOfBoolPtr(cs.RetryBackoff),
		"retry_delay_max":      strOfIntPtr(cs.RetryDelayMax),
		"dead_letter_job_type": cs.DeadLetterJobType,
		"created_at":           msOf(cs.CreatedAt),
		"updated_at":           msOf(cs.UpdatedAt),
	}
	if cs.Timeout != nil {
		f["timeout_ms"] = strconv.FormatInt(cs.Timeout.Milliseconds(), 10)
	}
	if cs.LastEnqueuedAt != nil {
		f["last_enqueued_at"] = msOf(*cs.LastEnqueuedAt)
	}
	if cs.LastJobID != nil {
		f["last_job_id"] = strconv.FormatInt(*cs.LastJobID, 10)
	}
	return f, nil
}

func cronFromHash(h map[string]string) (*queue.CronSchedule, error) {
	if len(h) == 0 {
		return nil, errors.ErrScheduleNotFound
	}
	id, err := strconv.ParseInt(h["id"], 10, 64)
	if err != nil {
		return nil, errors.Wrapf(err, "bad schedule id %q", h["id"])
	}
	cs := &queue.CronSchedule{
		ID:                id,
		ScheduleName:      h["schedule_name"],
		CronExpression:    h["cron_expression"],
		JobType:           h["job_type"],
		Payload:           rawOf(h["payload"]),
		Timezone:          h["timezone"],
		AllowOverlap:      h["allow_overlap"] == "1",
		Status:            queue.CronScheduleStatus(h["status"]),
		Priority:          intOf(h["priority"]),
		MaxAttempts:       intOf(h["max_attempts"]),
		RetryDelay:        intPtrOf(h["retry_delay"]),
		RetryBackoff:      boolPtrOf(h["retry_backoff"]),
		RetryDelayMax:     intPtrOf(h["retry_delay_max"]),
		DeadLetterJobType: h["dead_letter_job_type"],
	}
	if t, ok := timeOf(h["next_run_at"]); ok {
		cs.NextRunAt = t
	}
	if t, ok := timeOf(h["created_at"]); ok {
		cs.CreatedAt = t
	}
	if t, ok := timeOf(h["updated_at"]); ok {
		cs.UpdatedAt = t
	}
	cs.LastEnqueuedAt = timePtrOf(h["last_enqueued_at"])
	if ljid := h["last_job_id"]; ljid != "" {
		if n, err := strconv.ParseInt(ljid, 10, 64); err == nil {
			cs.LastJobID = &n
		}
	}
	if ms := h["timeout_ms"]; ms != "" {
		if n, err := strconv.ParseInt(ms, 10, 64); err == nil && n > 0 {
			d := time.Duration(n) * time.Millisecond
			cs.Timeout = &d
		}
	}
	if tags := h["tags"]; tags != "" && tags != "[]" {
		if err := json.Unmarshal([]byte(tags), &cs.Tags); err != nil {
			return nil, errors.Wrapf(err, "decoding tags of schedule %d", id)
		}
	}
	return cs, nil
}

func boolStr(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

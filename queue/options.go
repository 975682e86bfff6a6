package queue

import (
	"encoding/json"
	"time"

	"github.com/teranos/dataqueue/errors"
)

// DefaultMaxAttempts is used when AddJobOptions.MaxAttempts is zero.
const DefaultMaxAttempts = 3

// AddJobOptions describes a job to enqueue.
type AddJobOptions struct {
	JobType        string          `json:"job_type"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Tags           []string        `json:"tags,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Group          *Group          `json:"group,omitempty"`

	Priority int        `json:"priority,omitempty"`
	RunAt    *time.Time `json:"run_at,omitempty"` // nil = now

	MaxAttempts        int            `json:"max_attempts,omitempty"` // 0 = DefaultMaxAttempts
	Timeout            *time.Duration `json:"timeout_ms,omitempty"`
	ForceKillOnTimeout bool           `json:"force_kill_on_timeout,omitempty"`

	RetryDelay    *int  `json:"retry_delay,omitempty"` // seconds
	RetryBackoff  *bool `json:"retry_backoff,omitempty"`
	RetryDelayMax *int  `json:"retry_delay_max,omitempty"` // seconds

	DeadLetterJobType string `json:"dead_letter_job_type,omitempty"`
}

// Validate checks the options before they reach a backend.
func (o *AddJobOptions) Validate() error {
	if o.JobType == "" {
		return errors.New("job type cannot be empty")
	}
	if o.MaxAttempts < 0 {
		return errors.Newf("max attempts must be non-negative, got %d", o.MaxAttempts)
	}
	if o.RetryDelay != nil && *o.RetryDelay < 0 {
		return errors.Newf("retry delay must be non-negative, got %d", *o.RetryDelay)
	}
	if o.RetryDelayMax != nil && *o.RetryDelayMax < 0 {
		return errors.Newf("retry delay max must be non-negative, got %d", *o.RetryDelayMax)
	}
	return nil
}

// TagMatch selects how a tag filter compares against a job's tags.
type TagMatch string

const (
	// TagMatchAll requires the job to carry every filter tag (superset).
	TagMatchAll TagMatch = "all"
	// TagMatchAny requires a non-empty intersection.
	TagMatchAny TagMatch = "any"
	// TagMatchExact requires set equality.
	TagMatchExact TagMatch = "exact"
	// TagMatchNone requires an empty intersection.
	TagMatchNone TagMatch = "none"
)

// RunAtFilter compares a job's run_at against an instant.
// Set exactly one of the comparator fields; Eq matches to the millisecond.
type RunAtFilter struct {
	Eq  *time.Time `json:"eq,omitempty"`
	Gt  *time.Time `json:"gt,omitempty"`
	Gte *time.Time `json:"gte,omitempty"`
	Lt  *time.Time `json:"lt,omitempty"`
	Lte *time.Time `json:"lte,omitempty"`
}

// Matches reports whether t satisfies the filter.
func (f *RunAtFilter) Matches(t time.Time) bool {
	if f == nil {
		return true
	}
	if f.Eq != nil && !t.Truncate(time.Millisecond).Equal(f.Eq.Truncate(time.Millisecond)) {
		return false
	}
	if f.Gt != nil && !t.After(*f.Gt) {
		return false
	}
	if f.Gte != nil && t.Before(*f.Gte) {
		return false
	}
	if f.Lt != nil && !t.Before(*f.Lt) {
		return false
	}
	if f.Lte != nil && t.After(*f.Lte) {
		return false
	}
	return true
}

// JobFilters narrows job listings. Zero values mean "no constraint".
// Results are ordered by created_at descending, ties broken by id descending.
type JobFilters struct {
	Status   *JobStatus   `json:"status,omitempty"`
	JobType  string       `json:"job_type,omitempty"`
	Tags     []string     `json:"tags,omitempty"`
	TagMatch TagMatch     `json:"tag_match,omitempty"` // default TagMatchAll
	RunAt    *RunAtFilter `json:"run_at,omitempty"`
	GroupID  string       `json:"group_id,omitempty"`

	Limit  int `json:"limit,omitempty"` // 0 = no limit
	Offset int `json:"offset,omitempty"`
}

// MatchTags applies the filter's tag mode against a job's tags.
func (f *JobFilters) MatchTags(jobTags []string) bool {
	if len(f.Tags) == 0 {
		return true
	}
	have := make(map[string]bool, len(jobTags))
	for _, t := range jobTags {
		have[t] = true
	}
	mode := f.TagMatch
	if mode == "" {
		mode = TagMatchAll
	}
	switch mode {
	case TagMatchAll:
		for _, t := range f.Tags {
			if !have[t] {
				return false
			}
		}
		return true
	case TagMatchAny:
		for _, t := range f.Tags {
			if have[t] {
				return true
			}
		}
		return false
	case TagMatchExact:
		if len(have) != len(f.Tags) {
			return false
		}
		for _, t := range f.Tags {
			if !have[t] {
				return false
			}
		}
		return true
	case TagMatchNone:
		for _, t := range f.Tags {
			if have[t] {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// JobUpdates describes an edit to a pending job.
// nil pointer fields are left unchanged; the Clear flags express
// "set to null" for the nullable fields. JobType is immutable.
type JobUpdates struct {
	Payload     json.RawMessage `json:"payload,omitempty"`
	Priority    *int            `json:"priority,omitempty"`
	MaxAttempts *int            `json:"max_attempts,omitempty"`
	RunAt       *time.Time      `json:"run_at,omitempty"`

	Timeout      *time.Duration `json:"timeout_ms,omitempty"`
	ClearTimeout bool           `json:"clear_timeout,omitempty"`

	Tags      []string `json:"tags,omitempty"`
	ClearTags bool     `json:"clear_tags,omitempty"`

	RetryDelay    *int  `json:"retry_delay,omitempty"`
	RetryBackoff  *bool `json:"retry_backoff,omitempty"`
	RetryDelayMax *int  `json:"retry_delay_max,omitempty"`
}

// IsZero reports whether the update changes nothing.
func (u *JobUpdates) IsZero() bool {
	return u.Payload == nil && u.Priority == nil && u.MaxAttempts == nil &&
		u.RunAt == nil && u.Timeout == nil && !u.ClearTimeout &&
		u.Tags == nil && !u.ClearTags &&
		u.RetryDelay == nil && u.RetryBackoff == nil && u.RetryDelayMax == nil
}

// Diff returns the edited-event metadata: field name -> new value.
func (u *JobUpdates) Diff() json.RawMessage {
	diff := map[string]interface{}{}
	if u.Payload != nil {
		diff["payload"] = json.RawMessage(u.Payload)
	}
	if u.Priority != nil {
		diff["priority"] = *u.Priority
	}
	if u.MaxAttempts != nil {
		diff["max_attempts"] = *u.MaxAttempts
	}
	if u.RunAt != nil {
		diff["run_at"] = u.RunAt.UTC().Format(time.RFC3339Nano)
	}
	if u.ClearTimeout {
		diff["timeout_ms"] = nil
	} else if u.Timeout != nil {
		diff["timeout_ms"] = u.Timeout.Milliseconds()
	}
	if u.ClearTags {
		diff["tags"] = nil
	} else if u.Tags != nil {
		diff["tags"] = u.Tags
	}
	if u.RetryDelay != nil {
		diff["retry_delay"] = *u.RetryDelay
	}
	if u.RetryBackoff != nil {
		diff["retry_backoff"] = *u.RetryBackoff
	}
	if u.RetryDelayMax != nil {
		diff["retry_delay_max"] = *u.RetryDelayMax
	}
	raw, err := json.Marshal(diff)
	if err != nil {
		return nil
	}
	return raw
}

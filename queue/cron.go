package queue

import (
	"encoding/json"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/teranos/dataqueue/errors"
)

// CronScheduleStatus represents the state of a recurring schedule.
type CronScheduleStatus string

const (
	CronScheduleActive CronScheduleStatus = "active"
	CronSchedulePaused CronScheduleStatus = "paused"
)

// CronSchedule describes recurring work. When due, the schedule's job
// fields are propagated onto a freshly enqueued job.
type CronSchedule struct {
	ID             int64              `json:"id"`
	ScheduleName   string             `json:"schedule_name"` // unique
	CronExpression string             `json:"cron_expression"`
	JobType        string             `json:"job_type"`
	Payload        json.RawMessage    `json:"payload,omitempty"`
	Timezone       string             `json:"timezone"` // IANA, default UTC
	AllowOverlap   bool               `json:"allow_overlap"`
	Status         CronScheduleStatus `json:"status"`

	LastEnqueuedAt *time.Time `json:"last_enqueued_at,omitempty"`
	LastJobID      *int64     `json:"last_job_id,omitempty"`
	NextRunAt      time.Time  `json:"next_run_at"`

	// Fields propagated onto each enqueued job.
	Priority          int            `json:"priority,omitempty"`
	Tags              []string       `json:"tags,omitempty"`
	MaxAttempts       int            `json:"max_attempts,omitempty"`
	Timeout           *time.Duration `json:"timeout_ms,omitempty"`
	RetryDelay        *int           `json:"retry_delay,omitempty"`
	RetryBackoff      *bool          `json:"retry_backoff,omitempty"`
	RetryDelayMax     *int           `json:"retry_delay_max,omitempty"`
	DeadLetterJobType string         `json:"dead_letter_job_type,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// JobOptions builds the AddJobOptions a due schedule enqueues.
func (s *CronSchedule) JobOptions() AddJobOptions {
	return AddJobOptions{
		JobType:           s.JobType,
		Payload:           s.Payload,
		Tags:              s.Tags,
		Priority:          s.Priority,
		MaxAttempts:       s.MaxAttempts,
		Timeout:           s.Timeout,
		RetryDelay:        s.RetryDelay,
		RetryBackoff:      s.RetryBackoff,
		RetryDelayMax:     s.RetryDelayMax,
		DeadLetterJobType: s.DeadLetterJobType,
	}
}

// AddCronScheduleOptions describes a new recurring schedule.
type AddCronScheduleOptions struct {
	ScheduleName   string          `json:"schedule_name"`
	CronExpression string          `json:"cron_expression"`
	JobType        string          `json:"job_type"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Timezone       string          `json:"timezone,omitempty"` // default UTC
	AllowOverlap   bool            `json:"allow_overlap,omitempty"`

	Priority          int            `json:"priority,omitempty"`
	Tags              []string       `json:"tags,omitempty"`
	MaxAttempts       int            `json:"max_attempts,omitempty"`
	Timeout           *time.Duration `json:"timeout_ms,omitempty"`
	RetryDelay        *int           `json:"retry_delay,omitempty"`
	RetryBackoff      *bool          `json:"retry_backoff,omitempty"`
	RetryDelayMax     *int           `json:"retry_delay_max,omitempty"`
	DeadLetterJobType string         `json:"dead_letter_job_type,omitempty"`
}

// Validate checks the schedule options, including that the cron expression
// parses and the timezone resolves.
func (o *AddCronScheduleOptions) Validate() error {
	if o.ScheduleName == "" {
		return errors.New("schedule name cannot be empty")
	}
	if o.JobType == "" {
		return errors.New("schedule job type cannot be empty")
	}
	if err := ValidateCronExpression(o.CronExpression); err != nil {
		return err
	}
	if o.Timezone != "" {
		if _, err := time.LoadLocation(o.Timezone); err != nil {
			return errors.Wrapf(err, "invalid timezone %q", o.Timezone)
		}
	}
	return nil
}

// CronScheduleUpdates describes an edit to a schedule. nil fields are
// left unchanged. JobType is immutable; changing the expression or
// timezone recomputes next_run_at.
type CronScheduleUpdates struct {
	CronExpression *string         `json:"cron_expression,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Timezone       *string         `json:"timezone,omitempty"`
	AllowOverlap   *bool           `json:"allow_overlap,omitempty"`

	Priority          *int           `json:"priority,omitempty"`
	Tags              []string       `json:"tags,omitempty"`
	MaxAttempts       *int           `json:"max_attempts,omitempty"`
	Timeout           *time.Duration `json:"timeout_ms,omitempty"`
	ClearTimeout      bool           `json:"clear_timeout,omitempty"`
	RetryDelay        *int           `json:"retry_delay,omitempty"`
	RetryBackoff      *bool          `json:"retry_backoff,omitempty"`
	RetryDelayMax     *int           `json:"retry_delay_max,omitempty"`
	DeadLetterJobType *string        `json:"dead_letter_job_type,omitempty"`
}

// Validate checks the updated expression and timezone, when present.
func (u *CronScheduleUpdates) Validate() error {
	if u.CronExpression != nil {
		if err := ValidateCronExpression(*u.CronExpression); err != nil {
			return err
		}
	}
	if u.Timezone != nil && *u.Timezone != "" {
		if _, err := time.LoadLocation(*u.Timezone); err != nil {
			return errors.Wrapf(err, "invalid timezone %q", *u.Timezone)
		}
	}
	return nil
}

// cronParser accepts the standard 5-field expressions only.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ValidateCronExpression rejects expressions the 5-field parser cannot read.
func ValidateCronExpression(expr string) error {
	if expr == "" {
		return errors.Wrap(errors.ErrInvalidCronExpression, "expression cannot be empty")
	}
	if _, err := cronParser.Parse(expr); err != nil {
		return errors.Wrapf(errors.ErrInvalidCronExpression, "%q: %v", expr, err)
	}
	return nil
}

// NextCronRun computes the next fire instant strictly after the given time,
// evaluating the expression in the schedule's IANA timezone (UTC when blank).
//
// Around DST transitions robfig/cron's semantics apply: times that do not
// exist on a spring-forward day are skipped, and ambiguous fall-back times
// fire once at the first occurrence.
func NextCronRun(expr, timezone string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, errors.Wrapf(errors.ErrInvalidCronExpression, "%q: %v", expr, err)
	}
	loc := time.UTC
	if timezone != "" {
		loc, err = time.LoadLocation(timezone)
		if err != nil {
			return time.Time{}, errors.Wrapf(err, "invalid timezone %q", timezone)
		}
	}
	return sched.Next(after.In(loc)), nil
}

package queue

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// WaitpointStatus represents the current state of a waitpoint token.
type WaitpointStatus string

const (
	WaitpointStatusWaiting   WaitpointStatus = "waiting"
	WaitpointStatusCompleted WaitpointStatus = "completed"
	WaitpointStatusTimedOut  WaitpointStatus = "timed_out"
)

// Waitpoint is an external-signal rendezvous. A token may exist without a
// job (created externally first, bound later); at most one job references
// a given token.
type Waitpoint struct {
	ID          string          `json:"id"`
	JobID       *int64          `json:"job_id,omitempty"`
	Status      WaitpointStatus `json:"status"`
	Output      json.RawMessage `json:"output,omitempty"`
	TimeoutAt   *time.Time      `json:"timeout_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Tags        []string        `json:"tags,omitempty"`
}

// CreateTokenOptions describes a new waitpoint token.
type CreateTokenOptions struct {
	// JobID binds the token to a job at creation time; zero leaves it unbound.
	JobID int64 `json:"job_id,omitempty"`
	// Timeout transitions the token to timed_out after the given duration.
	// Zero means no timeout.
	Timeout time.Duration `json:"timeout,omitempty"`
	Tags    []string      `json:"tags,omitempty"`
}

// NewTokenID generates a prefixed opaque waitpoint id.
func NewTokenID() string {
	return "wp_" + uuid.NewString()
}

// TokenResult is what WaitForToken yields once the token resolves.
type TokenResult struct {
	// Ok is true when the token was completed, false when it timed out.
	Ok     bool            `json:"ok"`
	Output json.RawMessage `json:"output,omitempty"`
}

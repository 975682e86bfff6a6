package queue

import (
	"encoding/json"
	"time"
)

// EventType identifies an entry in a job's append-only event log.
type EventType string

const (
	EventAdded      EventType = "added"
	EventProcessing EventType = "processing"
	EventCompleted  EventType = "completed"
	EventFailed     EventType = "failed"
	EventCancelled  EventType = "cancelled"
	EventRetried    EventType = "retried"
	EventEdited     EventType = "edited"
	EventProlonged  EventType = "prolonged"
	EventWaiting    EventType = "waiting"
)

// Event is one entry in a job's event log. The numeric id provides a
// global per-job total order; events are never updated or deleted except
// by CleanupOldJobEvents.
type Event struct {
	ID        int64           `json:"id"`
	JobID     int64           `json:"job_id"`
	Type      EventType       `json:"event_type"`
	CreatedAt time.Time       `json:"created_at"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}

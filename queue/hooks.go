package queue

import (
	"sync"

	"go.uber.org/zap"
)

// Hook event names dispatched to in-process subscribers.
const (
	HookJobAdded      = "job:added"
	HookJobCancelled  = "job:cancelled"
	HookJobRetried    = "job:retried"
	HookJobProcessing = "job:processing"
	HookJobCompleted  = "job:completed"
	HookJobFailed     = "job:failed"
	HookJobWaiting    = "job:waiting"
	HookJobProgress   = "job:progress"
	HookError         = "error"
)

// HookPayload carries the event data delivered to listeners.
// Fields are populated per event: WillRetry and Err only for job:failed,
// Progress only for job:progress, Err alone for the error channel.
type HookPayload struct {
	JobID     int64
	JobType   string
	WillRetry bool
	Progress  int
	Err       error
}

// Listener receives hook payloads. Listeners run synchronously on the
// emitting goroutine; a panicking listener is recovered and logged and
// never aborts the engine.
type Listener func(HookPayload)

// Subscription identifies a registered listener so it can be removed.
type Subscription int64

type hookEntry struct {
	id   Subscription
	fn   Listener
	once bool
}

// Hooks is the per-JobQueue in-process event emitter. Delivery is
// best-effort with synchronous fan-out; there is no cross-process delivery.
type Hooks struct {
	mu        sync.Mutex
	nextID    Subscription
	listeners map[string][]hookEntry
	log       *zap.SugaredLogger
}

// NewHooks creates an empty emitter.
func NewHooks(log *zap.SugaredLogger) *Hooks {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Hooks{
		listeners: make(map[string][]hookEntry),
		log:       log,
	}
}

// On registers a listener for an event and returns its subscription handle.
func (h *Hooks) On(event string, fn Listener) Subscription {
	return h.add(event, fn, false)
}

// Once registers a listener that removes itself after the first delivery.
func (h *Hooks) Once(event string, fn Listener) Subscription {
	return h.add(event, fn, true)
}

func (h *Hooks) add(event string, fn Listener, once bool) Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	h.listeners[event] = append(h.listeners[event], hookEntry{id: h.nextID, fn: fn, once: once})
	return h.nextID
}

// Off removes a previously registered listener. Unknown subscriptions are a no-op.
func (h *Hooks) Off(event string, sub Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	entries := h.listeners[event]
	for i, e := range entries {
		if e.id == sub {
			h.listeners[event] = append(entries[:i], entries[i+1:]...)
			return
		}
	}
}

// RemoveAllListeners drops every listener for the given events,
// or for all events when none are named.
func (h *Hooks) RemoveAllListeners(events ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(events) == 0 {
		h.listeners = make(map[string][]hookEntry)
		return
	}
	for _, ev := range events {
		delete(h.listeners, ev)
	}
}

// Emit fans a payload out to the event's listeners.
func (h *Hooks) Emit(event string, payload HookPayload) {
	h.mu.Lock()
	entries := h.listeners[event]
	fns := make([]Listener, 0, len(entries))
	remaining := entries[:0]
	for _, e := range entries {
		fns = append(fns, e.fn)
		if !e.once {
			remaining = append(remaining, e)
		}
	}
	h.listeners[event] = remaining
	h.mu.Unlock()

	for _, fn := range fns {
		h.dispatch(event, fn, payload)
	}
}

func (h *Hooks) dispatch(event string, fn Listener, payload HookPayload) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Warnw("Hook listener panicked", "event", event, "panic", r)
		}
	}()
	fn(payload)
}

package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHooks_OnReceivesEveryEmit(t *testing.T) {
	h := NewHooks(nil)
	var got []int64
	h.On(HookJobAdded, func(p HookPayload) { got = append(got, p.JobID) })

	h.Emit(HookJobAdded, HookPayload{JobID: 1})
	h.Emit(HookJobAdded, HookPayload{JobID: 2})

	require.Equal(t, []int64{1, 2}, got)
}

func TestHooks_OnceFiresExactlyOnce(t *testing.T) {
	h := NewHooks(nil)
	calls := 0
	h.Once(HookJobCompleted, func(HookPayload) { calls++ })

	h.Emit(HookJobCompleted, HookPayload{JobID: 1})
	h.Emit(HookJobCompleted, HookPayload{JobID: 2})

	assert.Equal(t, 1, calls)
}

func TestHooks_OffRemovesOnlyThatListener(t *testing.T) {
	h := NewHooks(nil)
	var first, second int
	sub := h.On(HookJobFailed, func(HookPayload) { first++ })
	h.On(HookJobFailed, func(HookPayload) { second++ })

	h.Emit(HookJobFailed, HookPayload{})
	h.Off(HookJobFailed, sub)
	h.Emit(HookJobFailed, HookPayload{})

	assert.Equal(t, 1, first)
	assert.Equal(t, 2, second)
}

func TestHooks_RemoveAllListeners(t *testing.T) {
	h := NewHooks(nil)
	calls := 0
	h.On(HookJobAdded, func(HookPayload) { calls++ })
	h.On(HookJobFailed, func(HookPayload) { calls++ })

	h.RemoveAllListeners(HookJobAdded)
	h.Emit(HookJobAdded, HookPayload{})
	h.Emit(HookJobFailed, HookPayload{})
	assert.Equal(t, 1, calls)

	h.RemoveAllListeners()
	h.Emit(HookJobFailed, HookPayload{})
	assert.Equal(t, 1, calls)
}

func TestHooks_PanickingListenerDoesNotAbortFanout(t *testing.T) {
	h := NewHooks(nil)
	reached := false
	h.On(HookError, func(HookPayload) { panic("listener bug") })
	h.On(HookError, func(HookPayload) { reached = true })

	require.NotPanics(t, func() {
		h.Emit(HookError, HookPayload{})
	})
	assert.True(t, reached)
}

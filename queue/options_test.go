package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddJobOptionsValidate(t *testing.T) {
	require.Error(t, (&AddJobOptions{}).Validate())
	require.Error(t, (&AddJobOptions{JobType: "x", MaxAttempts: -1}).Validate())
	require.Error(t, (&AddJobOptions{JobType: "x", RetryDelay: intPtr(-1)}).Validate())
	require.NoError(t, (&AddJobOptions{JobType: "x"}).Validate())
}

func TestJobFiltersMatchTags(t *testing.T) {
	jobTags := []string{"a", "b", "c"}

	cases := []struct {
		mode   TagMatch
		filter []string
		want   bool
	}{
		{TagMatchAll, []string{"a", "b"}, true},
		{TagMatchAll, []string{"a", "z"}, false},
		{TagMatchAny, []string{"z", "c"}, true},
		{TagMatchAny, []string{"z"}, false},
		{TagMatchExact, []string{"a", "b", "c"}, true},
		{TagMatchExact, []string{"a", "b"}, false},
		{TagMatchNone, []string{"z"}, true},
		{TagMatchNone, []string{"a"}, false},
		// Default mode is all.
		{"", []string{"a"}, true},
	}
	for _, tc := range cases {
		f := &JobFilters{Tags: tc.filter, TagMatch: tc.mode}
		assert.Equal(t, tc.want, f.MatchTags(jobTags), "mode=%q filter=%v", tc.mode, tc.filter)
	}

	// No filter tags matches everything.
	assert.True(t, (&JobFilters{}).MatchTags(nil))
}

func TestRunAtFilterMatches(t *testing.T) {
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	assert.True(t, (&RunAtFilter{Eq: &at}).Matches(at))
	assert.True(t, (&RunAtFilter{Eq: &at}).Matches(at.Add(500*time.Microsecond)), "eq compares to the millisecond")
	assert.False(t, (&RunAtFilter{Eq: &at}).Matches(at.Add(2*time.Millisecond)))

	assert.True(t, (&RunAtFilter{Gt: &at}).Matches(at.Add(time.Second)))
	assert.False(t, (&RunAtFilter{Gt: &at}).Matches(at))
	assert.True(t, (&RunAtFilter{Gte: &at}).Matches(at))
	assert.True(t, (&RunAtFilter{Lt: &at}).Matches(at.Add(-time.Second)))
	assert.False(t, (&RunAtFilter{Lt: &at}).Matches(at))
	assert.True(t, (&RunAtFilter{Lte: &at}).Matches(at))

	var nilFilter *RunAtFilter
	assert.True(t, nilFilter.Matches(at))
}

func TestJobUpdatesIsZeroAndDiff(t *testing.T) {
	assert.True(t, (&JobUpdates{}).IsZero())
	assert.False(t, (&JobUpdates{ClearTags: true}).IsZero())

	u := &JobUpdates{Priority: intPtr(7), ClearTimeout: true}
	assert.False(t, u.IsZero())
	assert.JSONEq(t, `{"priority":7,"timeout_ms":null}`, string(u.Diff()))
}

func TestIsWaitSignal(t *testing.T) {
	until := time.Now().Add(time.Minute)
	ws, ok := IsWaitSignal(&WaitSignal{WaitUntil: until})
	require.True(t, ok)
	assert.Equal(t, until, ws.WaitUntil)

	_, ok = IsWaitSignal(assert.AnError)
	assert.False(t, ok)

	_, ok = IsWaitSignal(nil)
	assert.False(t, ok)
}

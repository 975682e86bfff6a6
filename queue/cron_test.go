package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/dataqueue/errors"
)

func TestValidateCronExpression(t *testing.T) {
	require.NoError(t, ValidateCronExpression("*/5 * * * *"))
	require.NoError(t, ValidateCronExpression("30 2 * * 1"))

	for _, expr := range []string{"", "not a cron", "61 * * * *", "* * * *"} {
		err := ValidateCronExpression(expr)
		require.Error(t, err, "expression %q", expr)
		assert.True(t, errors.Is(err, errors.ErrInvalidCronExpression))
	}
}

func TestNextCronRun_UTC(t *testing.T) {
	after := time.Date(2025, 6, 1, 11, 59, 0, 0, time.UTC)
	next, err := NextCronRun("0 12 * * *", "", after)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC), next)
}

func TestNextCronRun_StrictlyAfter(t *testing.T) {
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	next, err := NextCronRun("0 12 * * *", "", at)
	require.NoError(t, err)
	assert.Equal(t, at.AddDate(0, 0, 1), next)
}

func TestNextCronRun_Timezone(t *testing.T) {
	tokyo, err := time.LoadLocation("Asia/Tokyo")
	require.NoError(t, err)

	// Noon in Tokyo is 03:00 UTC.
	after := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	next, err := NextCronRun("0 12 * * *", "Asia/Tokyo", after)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 6, 1, 12, 0, 0, 0, tokyo).UTC(), next.UTC())
}

func TestNextCronRun_SpringForwardSkips(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	// 2025-03-09: 02:00-03:00 local does not exist; 02:30 fires next day.
	after := time.Date(2025, 3, 9, 0, 0, 0, 0, ny)
	next, err := NextCronRun("30 2 * * *", "America/New_York", after)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 3, 10, 2, 30, 0, 0, ny).UTC(), next.UTC())
}

func TestNextCronRun_FallBackFiresOnce(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	// 2025-11-02: 01:30 local occurs twice; the first occurrence (EDT) wins.
	after := time.Date(2025, 11, 2, 0, 0, 0, 0, ny)
	next, err := NextCronRun("30 1 * * *", "America/New_York", after)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 11, 2, 5, 30, 0, 0, time.UTC), next.UTC())
}

func TestNextCronRun_InvalidInputs(t *testing.T) {
	_, err := NextCronRun("bogus", "", time.Now())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInvalidCronExpression))

	_, err = NextCronRun("* * * * *", "Not/AZone", time.Now())
	require.Error(t, err)
}

func TestCronScheduleJobOptions(t *testing.T) {
	timeout := 2 * time.Minute
	cs := &CronSchedule{
		JobType:           "report.daily",
		Payload:           []byte(`{"kind":"daily"}`),
		Tags:              []string{"report"},
		Priority:          5,
		MaxAttempts:       4,
		Timeout:           &timeout,
		RetryDelay:        intPtr(30),
		DeadLetterJobType: "report.dead",
	}
	opts := cs.JobOptions()
	assert.Equal(t, "report.daily", opts.JobType)
	assert.Equal(t, 5, opts.Priority)
	assert.Equal(t, 4, opts.MaxAttempts)
	assert.Equal(t, &timeout, opts.Timeout)
	assert.Equal(t, "report.dead", opts.DeadLetterJobType)
}

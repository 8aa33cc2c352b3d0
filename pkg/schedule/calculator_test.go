package schedule

import (
	"log/slog"
	"testing"
	"time"

	"github.com/dukex/runbook/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC)

func newTestCalculator() *Calculator {
	return NewCalculator(slog.Default(), WithClock(func() time.Time { return fixedNow }))
}

func ptr[T any](v T) *T {
	return &v
}

func TestNextExecution_Cron(t *testing.T) {
	calc := newTestCalculator()

	next := calc.NextExecution(&models.Event{ID: "e1", CustomSchedule: "*/15 * * * *"})

	require.NotNil(t, next)
	assert.Equal(t, fixedNow.Add(15*time.Minute), *next)
}

func TestNextExecution_CronIsStrictlyAfterNow(t *testing.T) {
	calc := newTestCalculator()

	next := calc.NextExecution(&models.Event{ID: "e1", CustomSchedule: "0 12 * * *"})

	require.NotNil(t, next)
	assert.True(t, next.After(fixedNow))
	assert.Equal(t, fixedNow.Add(24*time.Hour), *next)
}

func TestNextExecution_Interval(t *testing.T) {
	tests := []struct {
		name     string
		event    *models.Event
		expected time.Time
	}{
		{
			name: "from last run",
			event: &models.Event{
				ScheduleNumber: 5,
				ScheduleUnit:   models.ScheduleUnitMinutes,
				LastRunAt:      ptr(fixedNow.Add(-2 * time.Minute)),
			},
			expected: fixedNow.Add(3 * time.Minute),
		},
		{
			name: "overdue last run is clamped to now",
			event: &models.Event{
				ScheduleNumber: 5,
				ScheduleUnit:   models.ScheduleUnitMinutes,
				LastRunAt:      ptr(fixedNow.Add(-10 * time.Minute)),
			},
			expected: fixedNow,
		},
		{
			name: "start time used before the first run",
			event: &models.Event{
				ScheduleNumber: 1,
				ScheduleUnit:   models.ScheduleUnitHours,
				StartTime:      ptr(fixedNow.Add(2 * time.Hour)),
			},
			expected: fixedNow.Add(3 * time.Hour),
		},
		{
			name: "never run",
			event: &models.Event{
				ScheduleNumber: 30,
				ScheduleUnit:   models.ScheduleUnitSeconds,
			},
			expected: fixedNow.Add(30 * time.Second),
		},
		{
			name: "days",
			event: &models.Event{
				ScheduleNumber: 2,
				ScheduleUnit:   models.ScheduleUnitDays,
				LastRunAt:      ptr(fixedNow),
			},
			expected: fixedNow.Add(48 * time.Hour),
		},
	}

	calc := newTestCalculator()

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next := calc.NextExecution(tt.event)

			require.NotNil(t, next)
			assert.Equal(t, tt.expected, *next)
			assert.False(t, next.Before(fixedNow))
		})
	}
}

func TestNextExecution_Unschedulable(t *testing.T) {
	calc := newTestCalculator()

	events := map[string]*models.Event{
		"no schedule":     {},
		"invalid cron":    {CustomSchedule: "not a cron"},
		"zero interval":   {ScheduleNumber: 0, ScheduleUnit: models.ScheduleUnitMinutes},
		"unknown unit":    {ScheduleNumber: 3, ScheduleUnit: "weeks"},
		"negative number": {ScheduleNumber: -1, ScheduleUnit: models.ScheduleUnitHours},
	}

	for name, event := range events {
		t.Run(name, func(t *testing.T) {
			assert.Nil(t, calc.NextExecution(event))
		})
	}
}

func TestNext_ReturnsErrors(t *testing.T) {
	calc := newTestCalculator()

	_, err := calc.Next(&models.Event{}, fixedNow)
	assert.ErrorIs(t, err, ErrNoSchedule)

	_, err = calc.Next(&models.Event{ScheduleUnit: models.ScheduleUnitHours}, fixedNow)
	assert.ErrorIs(t, err, ErrInvalidInterval)
}

func TestValidateCronExpression(t *testing.T) {
	calc := newTestCalculator()

	t.Run("valid expression previews five runs", func(t *testing.T) {
		result := calc.ValidateCronExpression("0 * * * *")

		require.True(t, result.Valid)
		assert.Empty(t, result.Error)
		require.Len(t, result.NextExecutions, PreviewCount)

		for i, at := range result.NextExecutions {
			assert.Equal(t, fixedNow.Add(time.Duration(i+1)*time.Hour), at)
		}
	})

	t.Run("descriptor", func(t *testing.T) {
		result := calc.ValidateCronExpression("@every 10m")

		require.True(t, result.Valid)
		assert.Equal(t, fixedNow.Add(10*time.Minute), result.NextExecutions[0])
	})

	t.Run("optional seconds field", func(t *testing.T) {
		result := calc.ValidateCronExpression("30 0 * * * *")

		require.True(t, result.Valid)
		assert.Equal(t, fixedNow.Add(30*time.Second), result.NextExecutions[0])
	})

	t.Run("empty", func(t *testing.T) {
		result := calc.ValidateCronExpression("  ")

		assert.False(t, result.Valid)
		assert.Equal(t, ErrEmptyExpression.Error(), result.Error)
	})

	t.Run("malformed", func(t *testing.T) {
		result := calc.ValidateCronExpression("61 * * * *")

		assert.False(t, result.Valid)
		assert.NotEmpty(t, result.Error)
		assert.Empty(t, result.NextExecutions)
	})
}

func TestInterval(t *testing.T) {
	d, err := Interval(90, models.ScheduleUnitSeconds)
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, d)
}

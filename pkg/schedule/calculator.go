// Package schedule computes when recurring events fire next.
package schedule

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dukex/runbook/pkg/models"
	"github.com/robfig/cron/v3"
)

// PreviewCount is how many upcoming fire times ValidateCronExpression returns.
const PreviewCount = 5

var (
	ErrEmptyExpression = errors.New("cron expression is required")
	ErrNoSchedule      = errors.New("event has no schedule")
	ErrInvalidInterval = errors.New("schedule interval must be positive")
)

// CronValidation is the preview result for a user-supplied cron expression.
type CronValidation struct {
	Valid          bool        `json:"valid"`
	Error          string      `json:"error,omitempty"`
	NextExecutions []time.Time `json:"next_executions,omitempty"`
}

type Calculator struct {
	parser cron.Parser
	now    func() time.Time
	logger *slog.Logger
}

type Option func(*Calculator)

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Calculator) {
		c.now = now
	}
}

func NewCalculator(logger *slog.Logger, opts ...Option) *Calculator {
	c := &Calculator{
		parser: cron.NewParser(
			cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
		),
		now:    time.Now,
		logger: logger.With("module", "schedule"),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// NextExecution returns the next time event should run, or nil when it has no usable schedule.
// A nil result means "do not reschedule".
func (c *Calculator) NextExecution(event *models.Event) *time.Time {
	next, err := c.Next(event, c.now())
	if err != nil {
		c.logger.Warn("unable to compute next execution", "event_id", event.ID, "error", err)

		return nil
	}

	return &next
}

// Next computes the next fire time relative to now. Cron schedules fire strictly after now;
// interval schedules add the interval to the last run and never return a time before now.
func (c *Calculator) Next(event *models.Event, now time.Time) (time.Time, error) {
	if expr := strings.TrimSpace(event.CustomSchedule); expr != "" {
		schedule, err := c.parser.Parse(expr)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse cron expression %q: %w", expr, err)
		}

		next := schedule.Next(now)
		if next.IsZero() {
			return time.Time{}, fmt.Errorf("cron expression %q never fires", expr)
		}

		return next, nil
	}

	if event.ScheduleUnit == "" && event.ScheduleNumber == 0 {
		return time.Time{}, ErrNoSchedule
	}

	interval, err := Interval(event.ScheduleNumber, event.ScheduleUnit)
	if err != nil {
		return time.Time{}, err
	}

	base := now
	switch {
	case event.LastRunAt != nil:
		base = *event.LastRunAt
	case event.StartTime != nil:
		base = *event.StartTime
	}

	next := base.Add(interval)
	if next.Before(now) {
		next = now
	}

	return next, nil
}

// Interval converts a schedule number and unit into a duration.
func Interval(number int, unit models.ScheduleUnit) (time.Duration, error) {
	if number <= 0 {
		return 0, ErrInvalidInterval
	}

	var step time.Duration

	switch unit {
	case models.ScheduleUnitSeconds:
		step = time.Second
	case models.ScheduleUnitMinutes:
		step = time.Minute
	case models.ScheduleUnitHours:
		step = time.Hour
	case models.ScheduleUnitDays:
		step = 24 * time.Hour
	default:
		return 0, fmt.Errorf("unknown schedule unit %q", unit)
	}

	return time.Duration(number) * step, nil
}

// ValidateCronExpression parses expr and previews its next PreviewCount fire times.
func (c *Calculator) ValidateCronExpression(expr string) CronValidation {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return CronValidation{Error: ErrEmptyExpression.Error()}
	}

	schedule, err := c.parser.Parse(expr)
	if err != nil {
		return CronValidation{Error: err.Error()}
	}

	upcoming := make([]time.Time, 0, PreviewCount)
	at := c.now()

	for range PreviewCount {
		at = schedule.Next(at)
		if at.IsZero() {
			break
		}

		upcoming = append(upcoming, at)
	}

	if len(upcoming) == 0 {
		return CronValidation{Error: "cron expression never fires"}
	}

	return CronValidation{Valid: true, NextExecutions: upcoming}
}

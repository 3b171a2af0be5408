package scheduler

import (
	"context"
	"time"

	"tip-automation/internal/model"
)

// Schedule computes the next fire time of a job.
type Schedule interface {
	Next(ctx context.Context, now time.Time) time.Time
}

// Daily fires once a day at a wall-clock time in Location. Time is read on
// every computation so edits to the configured time apply from the next fire.
type Daily struct {
	Location *time.Location
	Time     func(ctx context.Context) model.ClockTime
}

// Next implements Schedule.
func (d Daily) Next(ctx context.Context, now time.Time) time.Time {
	return NextDailyFire(now, d.Time(ctx), d.Location)
}

// Every fires at a fixed interval after the previous computation.
type Every time.Duration

// Next implements Schedule.
func (e Every) Next(_ context.Context, now time.Time) time.Time {
	return now.Add(time.Duration(e))
}

// NextDailyFire returns the first occurrence of at in loc strictly after now.
// Day arithmetic goes through time.Date so DST transitions keep the wall
// clock time; a time that does not exist on a transition day is normalized
// by time.Date.
func NextDailyFire(now time.Time, at model.ClockTime, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)
	y, m, d := local.Date()

	fire := time.Date(y, m, d, at.Hour, at.Minute, 0, 0, loc)
	if !fire.After(local) {
		fire = time.Date(y, m, d+1, at.Hour, at.Minute, 0, 0, loc)
	}
	return fire
}

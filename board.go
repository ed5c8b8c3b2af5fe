package gtfs

import (
	"errors"
	"fmt"
	"time"

	"transitboard.dev/gtfs/model"
)

const (
	DefaultRangeStartMinutes = 2
	DefaultRangeEndMinutes   = 720
	DefaultPaddingMargin     = 30 * time.Minute
)

var ErrInvalidRange = errors.New("range minutes must not be negative")

// Source of scheduled stop times. Implemented by Schedule.
type ScheduleSource interface {
	StopTimes(stopCode string, start time.Time, end time.Time) ([]model.ScheduledStopTime, error)
}

// Serves departure boards: scheduled stop times corrected by the
// realtime indexes currently published.
type Board struct {
	// How far before the window scheduled stop times are fetched,
	// so that late trips can be corrected into the window.
	PaddingMargin time.Duration
	TimeNow       func() time.Time

	schedule ScheduleSource
	realtime *RefreshCoordinator
}

func NewBoard(schedule ScheduleSource, realtime *RefreshCoordinator) *Board {
	return &Board{
		PaddingMargin: DefaultPaddingMargin,
		TimeNow:       time.Now,
		schedule:      schedule,
		realtime:      realtime,
	}
}

// Departures from stopCode between startMinutes before now and
// endMinutes after now.
func (b *Board) Departures(stopCode string, startMinutes int, endMinutes int) (Departures, error) {
	if startMinutes < 0 || endMinutes < 0 {
		return Departures{}, ErrInvalidRange
	}

	now := b.TimeNow()
	windowStart := now.Add(-time.Duration(startMinutes) * time.Minute)
	windowEnd := now.Add(time.Duration(endMinutes) * time.Minute)

	rows, err := b.schedule.StopTimes(stopCode, windowStart.Add(-b.PaddingMargin), windowEnd)
	if err != nil {
		return Departures{}, fmt.Errorf("loading scheduled stop times: %w", err)
	}

	var lookup LookupFunc
	if b.realtime != nil {
		lookup = b.realtime.Current().Query
	}

	return Merge(rows, lookup, windowStart, windowEnd, now), nil
}

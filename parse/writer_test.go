package parse

import (
	"fmt"

	"transitboard.dev/gtfs/model"
)

// Records everything written, for inspection in tests.
type recordingWriter struct {
	agencies      []*model.Agency
	stops         []*model.Stop
	routes        []*model.Route
	trips         []*model.Trip
	calendars     []*model.Calendar
	calendarDates []*model.CalendarDate
	stopTimes     []*model.StopTime

	inStopTimes bool
	closed      bool
}

func (w *recordingWriter) WriteAgency(a *model.Agency) error {
	w.agencies = append(w.agencies, a)
	return nil
}

func (w *recordingWriter) WriteStop(s *model.Stop) error {
	w.stops = append(w.stops, s)
	return nil
}

func (w *recordingWriter) WriteRoute(r *model.Route) error {
	w.routes = append(w.routes, r)
	return nil
}

func (w *recordingWriter) WriteTrip(t *model.Trip) error {
	w.trips = append(w.trips, t)
	return nil
}

func (w *recordingWriter) WriteCalendar(c *model.Calendar) error {
	w.calendars = append(w.calendars, c)
	return nil
}

func (w *recordingWriter) WriteCalendarDate(cd *model.CalendarDate) error {
	w.calendarDates = append(w.calendarDates, cd)
	return nil
}

func (w *recordingWriter) BeginStopTimes() error {
	w.inStopTimes = true
	return nil
}

func (w *recordingWriter) WriteStopTime(st *model.StopTime) error {
	if !w.inStopTimes {
		return fmt.Errorf("stop time outside of batch")
	}
	w.stopTimes = append(w.stopTimes, st)
	return nil
}

func (w *recordingWriter) EndStopTimes() error {
	w.inStopTimes = false
	return nil
}

func (w *recordingWriter) Close() error {
	w.closed = true
	return nil
}

package gtfs

import (
	"fmt"
	"sort"
	"time"

	"cloud.google.com/go/civil"

	"transitboard.dev/gtfs/model"
	"transitboard.dev/gtfs/storage"
)

// Scheduled departures from the static feeds in storage.
type Schedule struct {
	storage storage.Storage
}

func NewSchedule(s storage.Storage) *Schedule {
	return &Schedule{storage: s}
}

// A range of stop time departures, in seconds past noon minus 12h of
// a service date.
type span struct {
	Date  civil.Date
	Start int
	End   int
}

// Start of the service day: noon minus 12h. This is midnight except
// on days with a DST switch.
func serviceDayStart(date civil.Date, loc *time.Location) time.Time {
	return time.Date(date.Year, date.Month, date.Day, 12, 0, 0, 0, loc).Add(-12 * time.Hour)
}

// Computes the time ranges, per service date, that must be inspected
// to find all stop times departing in [start, end]. Trips of earlier
// service dates can run past midnight, up to maxDeparture seconds
// into their service day.
func rangePerDate(start time.Time, end time.Time, maxDeparture int, loc *time.Location) []span {
	start = start.In(loc)
	end = end.In(loc)

	spans := []span{}
	if end.Before(start) {
		return spans
	}

	daysBack := maxDeparture / (24 * 3600)
	for date := civil.DateOf(start).AddDays(-daysBack); !date.After(civil.DateOf(end)); date = date.AddDays(1) {
		dayStart := serviceDayStart(date, loc)

		from := int(start.Sub(dayStart).Seconds())
		if from > maxDeparture {
			// window starts after all of this day's trips
			continue
		}
		if from < 0 {
			from = 0
		}

		to := int(end.Sub(dayStart).Seconds())
		if to < 0 {
			continue
		}
		if to > maxDeparture {
			to = maxDeparture
		}

		spans = append(spans, span{Date: date, Start: from, End: to})
	}

	return spans
}

// Returns stop times departing from a stop, or from any stop whose
// parent station has the given code, in [start, end]. All static
// feeds in storage are consulted. Results are ordered by departure
// time, and times are in start's location.
func (s *Schedule) StopTimes(stopCode string, start time.Time, end time.Time) ([]model.ScheduledStopTime, error) {
	feeds, err := s.storage.ListFeeds()
	if err != nil {
		return nil, fmt.Errorf("listing feeds: %w", err)
	}

	result := []model.ScheduledStopTime{}
	for _, feed := range feeds {
		stopTimes, err := s.feedStopTimes(feed, stopCode, start, end)
		if err != nil {
			return nil, fmt.Errorf("feed %s: %w", feed.ID, err)
		}
		result = append(result, stopTimes...)
	}

	sort.SliceStable(result, func(i, j int) bool {
		return result[i].DepartureTime.Before(result[j].DepartureTime)
	})

	return result, nil
}

func (s *Schedule) feedStopTimes(
	feed *storage.FeedMetadata,
	stopCode string,
	start time.Time,
	end time.Time,
) ([]model.ScheduledStopTime, error) {
	loc, err := time.LoadLocation(feed.Timezone)
	if err != nil {
		return nil, fmt.Errorf("loading timezone: %w", err)
	}

	reader, err := s.storage.GetReader(feed.ID)
	if err != nil {
		return nil, fmt.Errorf("getting reader: %w", err)
	}

	result := []model.ScheduledStopTime{}
	for _, span := range rangePerDate(start, end, feed.MaxDeparture, loc) {
		serviceIDs, err := reader.ActiveServices(span.Date)
		if err != nil {
			return nil, fmt.Errorf("getting active services: %w", err)
		}
		if len(serviceIDs) == 0 {
			continue
		}

		events, err := reader.StopTimeEvents(storage.StopTimeEventFilter{
			StopCode:       stopCode,
			ServiceIDs:     serviceIDs,
			DepartureStart: span.Start,
			DepartureEnd:   span.End,
		})
		if err != nil {
			return nil, fmt.Errorf("getting stop time events: %w", err)
		}

		dayStart := serviceDayStart(span.Date, loc)
		for _, event := range events {
			departureTime := dayStart.Add(event.StopTime.DepartureTime())
			if departureTime.Before(start) || departureTime.After(end) {
				continue
			}

			headsign := event.StopTime.Headsign
			if headsign == "" {
				headsign = event.Trip.Headsign
			}

			result = append(result, model.ScheduledStopTime{
				StopID:         event.Stop.ID,
				TripID:         event.Trip.ID,
				DepartureTime:  departureTime.In(start.Location()),
				ServiceDate:    span.Date,
				StopSequence:   event.StopTime.StopSequence,
				DirectionID:    event.Trip.DirectionID,
				TripHeadsign:   headsign,
				RouteShortName: event.Route.ShortName,
				RouteLongName:  event.Route.LongName,
				RouteType:      event.Route.Type,
			})
		}
	}

	return result, nil
}

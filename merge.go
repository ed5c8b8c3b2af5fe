package gtfs

import (
	"time"

	"transitboard.dev/gtfs/model"
)

// Resolves realtime updates for a batch of keys, one result per key.
// Both RealtimeIndex.Query and Snapshot.Query fit.
type LookupFunc func(keys []QueryKey) []*model.RealtimeUpdate

// Departures from a stop, with realtime corrections applied.
type Departures struct {
	CurrentTime time.Time   `json:"current_time"`
	Trips       []Departure `json:"trips"`
}

type Departure struct {
	Base     model.ScheduledStopTime `json:"base"`
	Realtime *RealtimeDeparture      `json:"realtime"`
}

type RealtimeDeparture struct {
	DepartureTime time.Time `json:"departure_time"`
	model.RealtimeUpdate
}

// Applies realtime updates to scheduled stop times and keeps those
// whose corrected departure falls within [windowStart, windowEnd].
//
// Rows are expected to be fetched with some margin before
// windowStart, so that late trips scheduled before the window can be
// brought back into it. Order of rows is preserved.
func Merge(
	rows []model.ScheduledStopTime,
	lookup LookupFunc,
	windowStart time.Time,
	windowEnd time.Time,
	now time.Time,
) Departures {
	keys := make([]QueryKey, len(rows))
	for i, row := range rows {
		keys[i] = QueryKey{
			ServiceDate:  row.ServiceDate,
			TripID:       row.TripID,
			StopSequence: row.StopSequence,
		}
	}

	var updates []*model.RealtimeUpdate
	if lookup != nil {
		updates = lookup(keys)
	}

	trips := []Departure{}
	for i, row := range rows {
		departure := Departure{Base: row}
		departureTime := row.DepartureTime

		if i < len(updates) && updates[i] != nil {
			update := updates[i]
			if update.Delay != nil {
				departureTime = departureTime.Add(time.Duration(*update.Delay) * time.Second)
			}
			departure.Realtime = &RealtimeDeparture{
				DepartureTime:  departureTime,
				RealtimeUpdate: *update,
			}
		}

		if departureTime.Before(windowStart) || departureTime.After(windowEnd) {
			continue
		}

		trips = append(trips, departure)
	}

	return Departures{
		CurrentTime: now,
		Trips:       trips,
	}
}

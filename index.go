package gtfs

import (
	"time"

	"cloud.google.com/go/civil"
	"github.com/rs/zerolog"

	"transitboard.dev/gtfs/model"
)

// Identifies one scheduled instance of a trip. The same trip_id runs
// on many service dates; each gets its own entry.
type TripKey struct {
	ServiceDate civil.Date
	TripID      string
}

// A point query against a RealtimeIndex.
type QueryKey struct {
	ServiceDate  civil.Date
	TripID       string
	StopSequence uint32
}

type tripRecord struct {
	updates []model.StopTimeUpdate
	vehicle *model.VehicleDescriptor
}

// Counts of what went into an index.
type IndexStats struct {
	Entities        int
	Trips           int
	MissingTripID   int
	BadStartDate    int
	IgnoredEntities int
}

// Realtime trip updates from one feed snapshot, keyed by trip
// instance.
//
// An index is built once and then only read. Query is safe for any
// number of concurrent callers.
type RealtimeIndex struct {
	trips     map[TripKey]*tripRecord
	timestamp time.Time
	stats     IndexStats
	logger    zerolog.Logger
}

func NewRealtimeIndex(logger zerolog.Logger) *RealtimeIndex {
	return &RealtimeIndex{
		trips:  map[TripKey]*tripRecord{},
		logger: logger,
	}
}

// Builds a fresh index from a feed snapshot.
func BuildIndex(feed *model.Feed, logger zerolog.Logger) *RealtimeIndex {
	idx := NewRealtimeIndex(logger)
	idx.Build(feed)
	return idx
}

// Replaces the index content with that of feed. Entities without a
// trip_id or a valid YYYYMMDD start_date are skipped. When a trip
// instance appears more than once, the last entity wins.
//
// Build must not be called on an index that has been shared with
// readers.
func (idx *RealtimeIndex) Build(feed *model.Feed) {
	idx.trips = make(map[TripKey]*tripRecord, len(feed.Entities))
	idx.stats = IndexStats{Entities: len(feed.Entities)}
	idx.timestamp = time.Time{}
	if feed.Header.Timestamp > 0 {
		idx.timestamp = time.Unix(int64(feed.Header.Timestamp), 0).UTC()
	}

	for _, entity := range feed.Entities {
		tu, ok := entity.Payload.(*model.TripUpdate)
		if !ok {
			// Vehicle positions and alerts carry nothing
			// the index answers.
			idx.stats.IgnoredEntities++
			continue
		}

		if tu.Trip.TripID == "" {
			idx.stats.MissingTripID++
			idx.logger.Warn().Str("entity_id", entity.ID).Msg("trip update without trip_id")
			continue
		}

		date, err := parseServiceDate(tu.Trip.StartDate)
		if err != nil {
			idx.stats.BadStartDate++
			idx.logger.Warn().
				Err(err).
				Str("entity_id", entity.ID).
				Str("trip_id", tu.Trip.TripID).
				Msg("trip update without usable start_date")
			continue
		}

		idx.trips[TripKey{ServiceDate: date, TripID: tu.Trip.TripID}] = &tripRecord{
			updates: tu.StopTimeUpdates,
			vehicle: tu.Vehicle,
		}
	}

	idx.stats.Trips = len(idx.trips)
}

func parseServiceDate(s string) (civil.Date, error) {
	t, err := time.Parse("20060102", s)
	if err != nil {
		return civil.Date{}, err
	}
	return civil.DateOf(t), nil
}

// Resolves each key to the realtime update applying to that stop of
// that trip instance. The result has one entry per key, in order. An
// entry is nil when the trip is absent from the feed.
func (idx *RealtimeIndex) Query(keys []QueryKey) []*model.RealtimeUpdate {
	result := make([]*model.RealtimeUpdate, len(keys))
	for i, key := range keys {
		result[i] = idx.query(key)
	}
	return result
}

func (idx *RealtimeIndex) query(key QueryKey) *model.RealtimeUpdate {
	// The key shares the caller's string data; building it
	// doesn't allocate.
	record, found := idx.trips[TripKey{ServiceDate: key.ServiceDate, TripID: key.TripID}]
	if !found {
		return nil
	}

	result := &model.RealtimeUpdate{
		Vehicle: copyVehicle(record.vehicle),
	}

	// An update applies to its own stop and every later one, up
	// to the next update. Updates without a stop_sequence never
	// end the scan, so they can be selected.
	var selected *model.StopTimeUpdate
	for i := range record.updates {
		u := &record.updates[i]
		if u.StopSequence != nil && *u.StopSequence > key.StopSequence {
			break
		}
		selected = u
	}
	if selected == nil {
		return result
	}

	switch {
	case selected.Departure != nil:
		result.Delay = copyInt32(selected.Departure.Delay)
	case selected.Arrival != nil:
		result.Delay = copyInt32(selected.Arrival.Delay)
		if result.Delay == nil {
			idx.logger.Warn().
				Str("trip_id", key.TripID).
				Str("service_date", key.ServiceDate.String()).
				Msg("arrival without delay")
		}
	}

	if selected.ScheduleRelationship != nil {
		sr := *selected.ScheduleRelationship
		result.ScheduleRelationship = &sr
	}

	return result
}

// Returns the stop time updates and vehicle recorded for a trip
// instance. The returned slice must not be modified.
func (idx *RealtimeIndex) Lookup(key TripKey) ([]model.StopTimeUpdate, *model.VehicleDescriptor, bool) {
	record, found := idx.trips[key]
	if !found {
		return nil, nil, false
	}
	return record.updates, copyVehicle(record.vehicle), true
}

// Number of trip instances indexed.
func (idx *RealtimeIndex) Len() int {
	return len(idx.trips)
}

// The feed header timestamp, or the zero time if the feed had none.
func (idx *RealtimeIndex) Timestamp() time.Time {
	return idx.timestamp
}

func (idx *RealtimeIndex) Stats() IndexStats {
	return idx.stats
}

func copyInt32(v *int32) *int32 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func copyVehicle(v *model.VehicleDescriptor) *model.VehicleDescriptor {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

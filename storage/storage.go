package storage

import (
	"time"

	"cloud.google.com/go/civil"

	"transitboard.dev/gtfs/model"
)

type Storage interface {
	// Retrieves metadata for all imported static feeds, most
	// recently retrieved first.
	ListFeeds() ([]*FeedMetadata, error)

	// Writes a FeedMetadata record. If a record with the same ID
	// exists, it is updated.
	WriteFeedMetadata(metadata *FeedMetadata) error

	// Removes a feed's metadata along with all its records.
	DeleteFeed(feedID string) error

	// Gets a reader for the feed with the given ID.
	GetReader(feedID string) (FeedReader, error)

	// Gets a writer for the feed with the given ID. Any records
	// previously written under the same ID are discarded.
	GetWriter(feedID string) (FeedWriter, error)

	// Realtime sources, one per region.
	ListRealtimeFeeds() ([]RealtimeFeed, error)

	// Writes a RealtimeFeed record, replacing any existing record
	// for the same region.
	WriteRealtimeFeed(feed RealtimeFeed) error

	DeleteRealtimeFeed(region string) error

	Close() error
}

// Metadata for an imported static GTFS feed. The parsed data can be
// accessed via FeedReader.
type FeedMetadata struct {
	ID                string
	URL               string
	Hash              string
	RetrievedAt       time.Time
	Timezone          string
	CalendarStartDate civil.Date
	CalendarEndDate   civil.Date

	// Largest arrival/departure in the feed, in seconds past the
	// start of the service day. Can exceed 24h.
	MaxArrival   int
	MaxDeparture int
}

// A GTFS Realtime source. Headers typically hold API keys.
type RealtimeFeed struct {
	Region  string
	URL     string
	Headers map[string]string
}

// Writes GTFS records for a single feed.
//
// As stop_times.txt tends to be very large, BeginStopTimes() and
// EndStopTimes() are called before and after all calls to
// WriteStopTime(), allowing transactions/batching/whathaveyou. No
// other writes happen in between.
type FeedWriter interface {
	WriteAgency(agency *model.Agency) error
	WriteStop(stop *model.Stop) error
	WriteRoute(route *model.Route) error
	WriteTrip(trip *model.Trip) error
	WriteCalendar(cal *model.Calendar) error
	WriteCalendarDate(caldate *model.CalendarDate) error
	BeginStopTimes() error
	WriteStopTime(stopTime *model.StopTime) error
	EndStopTimes() error
	Close() error
}

type FeedReader interface {
	Stops() ([]*model.Stop, error)

	// Services IDs for all services active on the given date.
	ActiveServices(date civil.Date) ([]string, error)

	// List of stop_times and associated data matching the
	// provided filter, ordered by departure time.
	StopTimeEvents(filter StopTimeEventFilter) ([]*StopTimeEvent, error)
}

// Filter for StopTimeEvents()
type StopTimeEventFilter struct {
	// Limit results to stops with the given stop_code, or stops
	// whose parent station has it.
	StopCode string

	// Limit results to a set of services. An empty set matches
	// nothing.
	ServiceIDs []string

	// Limit results to departures within a range (inclusive),
	// given as seconds past the start of the service day.
	DepartureStart int
	DepartureEnd   int
}

// Holds information about a stop_time record, with the associated
// trip, route and stop.
type StopTimeEvent struct {
	StopTime model.StopTime
	Trip     model.Trip
	Route    model.Route
	Stop     model.Stop
}

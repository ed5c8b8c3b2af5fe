package storage

import (
	"database/sql"
	"fmt"

	"cloud.google.com/go/civil"
	"github.com/lib/pq"

	"transitboard.dev/gtfs/model"
)

const (
	PSQLStopTimeBatchSize = 5000
)

// Postgres storage keeps all feeds in one set of tables, keyed by
// feed_id.
type PSQLStorage struct {
	db *sql.DB
}

type PSQLFeedWriter struct {
	id          string
	db          *sql.DB
	stopTimeBuf []model.StopTime
}

type PSQLFeedReader struct {
	id string
	db *sql.DB
}

var psqlFeedTables = []string{
	"agency",
	"stops",
	"routes",
	"trips",
	"stop_times",
	"calendar",
	"calendar_dates",
}

// Creates a new Postgres Storage using the provided connection string.
//
// If clearDB is true, the database will be cleared on startup. You
// probably only want this for testing.
func NewPSQLStorage(connStr string, clearDB bool) (*PSQLStorage, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}

	err = db.Ping()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}

	if clearDB {
		_, err = db.Exec(`
DROP TABLE IF EXISTS feed;
DROP TABLE IF EXISTS realtime_feed;
DROP TABLE IF EXISTS agency;
DROP TABLE IF EXISTS calendar;
DROP TABLE IF EXISTS calendar_dates;
DROP TABLE IF EXISTS stops;
DROP TABLE IF EXISTS stop_times;
DROP TABLE IF EXISTS routes;
DROP TABLE IF EXISTS trips;
`)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("clearing db: %w", err)
		}
	}

	_, err = db.Exec(`
CREATE TABLE IF NOT EXISTS feed (
    id TEXT PRIMARY KEY,
    url TEXT NOT NULL,
    hash TEXT NOT NULL,
    retrieved_at TIMESTAMPTZ NOT NULL,
    calendar_start TEXT NOT NULL,
    calendar_end TEXT NOT NULL,
    timezone TEXT NOT NULL,
    max_arrival INTEGER NOT NULL,
    max_departure INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS realtime_feed (
    region TEXT PRIMARY KEY,
    url TEXT NOT NULL,
    headers TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS agency (
    feed_id TEXT NOT NULL,
    id TEXT NOT NULL,
    name TEXT NOT NULL,
    url TEXT NOT NULL,
    timezone TEXT NOT NULL,
    PRIMARY KEY(feed_id, id)
);

CREATE TABLE IF NOT EXISTS stops (
    feed_id TEXT NOT NULL,
    id TEXT NOT NULL,
    code TEXT NOT NULL,
    name TEXT NOT NULL,
    lat DOUBLE PRECISION NOT NULL,
    lon DOUBLE PRECISION NOT NULL,
    location_type INTEGER NOT NULL,
    parent_station TEXT NOT NULL,
    platform_code TEXT NOT NULL,
    PRIMARY KEY(feed_id, id)
);
CREATE INDEX IF NOT EXISTS stops_code ON stops (feed_id, code);
CREATE INDEX IF NOT EXISTS stops_parent_station ON stops (feed_id, parent_station);

CREATE TABLE IF NOT EXISTS routes (
    feed_id TEXT NOT NULL,
    id TEXT NOT NULL,
    agency_id TEXT NOT NULL,
    short_name TEXT NOT NULL,
    long_name TEXT NOT NULL,
    type INTEGER NOT NULL,
    color TEXT NOT NULL,
    text_color TEXT NOT NULL,
    PRIMARY KEY(feed_id, id)
);

CREATE TABLE IF NOT EXISTS trips (
    feed_id TEXT NOT NULL,
    id TEXT NOT NULL,
    route_id TEXT NOT NULL,
    service_id TEXT NOT NULL,
    headsign TEXT NOT NULL,
    short_name TEXT NOT NULL,
    direction_id INTEGER,
    PRIMARY KEY(feed_id, id)
);
CREATE INDEX IF NOT EXISTS trips_service_id ON trips (feed_id, service_id);

CREATE TABLE IF NOT EXISTS stop_times (
    feed_id TEXT NOT NULL,
    trip_id TEXT NOT NULL,
    stop_id TEXT NOT NULL,
    stop_sequence INTEGER NOT NULL,
    arrival_time INTEGER NOT NULL,
    departure_time INTEGER NOT NULL,
    headsign TEXT NOT NULL,
    PRIMARY KEY(feed_id, trip_id, stop_sequence)
);
CREATE INDEX IF NOT EXISTS stop_times_stop_id ON stop_times (feed_id, stop_id);
CREATE INDEX IF NOT EXISTS stop_times_departure_time ON stop_times (feed_id, departure_time);

CREATE TABLE IF NOT EXISTS calendar (
    feed_id TEXT NOT NULL,
    service_id TEXT NOT NULL,
    start_date TEXT NOT NULL,
    end_date TEXT NOT NULL,
    monday INTEGER NOT NULL,
    tuesday INTEGER NOT NULL,
    wednesday INTEGER NOT NULL,
    thursday INTEGER NOT NULL,
    friday INTEGER NOT NULL,
    saturday INTEGER NOT NULL,
    sunday INTEGER NOT NULL,
    PRIMARY KEY(feed_id, service_id)
);

CREATE TABLE IF NOT EXISTS calendar_dates (
    feed_id TEXT NOT NULL,
    service_id TEXT NOT NULL,
    date TEXT NOT NULL,
    exception_type INTEGER NOT NULL,
    PRIMARY KEY(feed_id, service_id, date)
);`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating tables: %w", err)
	}

	return &PSQLStorage{
		db: db,
	}, nil
}

func (s *PSQLStorage) Close() error {
	err := s.db.Close()
	if err != nil {
		return fmt.Errorf("failed to close db: %w", err)
	}
	return nil
}

func (s *PSQLStorage) ListFeeds() ([]*FeedMetadata, error) {
	rows, err := s.db.Query(`
SELECT
    id,
    url,
    hash,
    retrieved_at,
    calendar_start,
    calendar_end,
    timezone,
    max_arrival,
    max_departure
FROM feed
ORDER BY retrieved_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing feeds: %w", err)
	}
	defer rows.Close()

	feeds := []*FeedMetadata{}
	for rows.Next() {
		var feed FeedMetadata
		var calendarStart, calendarEnd string
		err := rows.Scan(
			&feed.ID,
			&feed.URL,
			&feed.Hash,
			&feed.RetrievedAt,
			&calendarStart,
			&calendarEnd,
			&feed.Timezone,
			&feed.MaxArrival,
			&feed.MaxDeparture,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning feed: %w", err)
		}
		feed.CalendarStartDate, err = parseDate(calendarStart)
		if err != nil {
			return nil, fmt.Errorf("feed %s: %w", feed.ID, err)
		}
		feed.CalendarEndDate, err = parseDate(calendarEnd)
		if err != nil {
			return nil, fmt.Errorf("feed %s: %w", feed.ID, err)
		}
		feeds = append(feeds, &feed)
	}

	return feeds, rows.Err()
}

func (s *PSQLStorage) WriteFeedMetadata(feed *FeedMetadata) error {
	_, err := s.db.Exec(`
INSERT INTO feed (
    id,
    url,
    hash,
    retrieved_at,
    calendar_start,
    calendar_end,
    timezone,
    max_arrival,
    max_departure
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (id) DO UPDATE SET
    url = excluded.url,
    hash = excluded.hash,
    retrieved_at = excluded.retrieved_at,
    calendar_start = excluded.calendar_start,
    calendar_end = excluded.calendar_end,
    timezone = excluded.timezone,
    max_arrival = excluded.max_arrival,
    max_departure = excluded.max_departure
`,
		feed.ID,
		feed.URL,
		feed.Hash,
		feed.RetrievedAt,
		formatDate(feed.CalendarStartDate),
		formatDate(feed.CalendarEndDate),
		feed.Timezone,
		feed.MaxArrival,
		feed.MaxDeparture,
	)
	if err != nil {
		return fmt.Errorf("writing feed metadata: %w", err)
	}
	return nil
}

func (s *PSQLStorage) deleteFeedRecords(tx *sql.Tx, feedID string) error {
	for _, table := range psqlFeedTables {
		_, err := tx.Exec(`DELETE FROM `+table+` WHERE feed_id = $1`, feedID)
		if err != nil {
			return fmt.Errorf("deleting %s records: %w", table, err)
		}
	}
	return nil
}

func (s *PSQLStorage) DeleteFeed(feedID string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`DELETE FROM feed WHERE id = $1`, feedID)
	if err != nil {
		return fmt.Errorf("deleting feed metadata: %w", err)
	}

	err = s.deleteFeedRecords(tx, feedID)
	if err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func (s *PSQLStorage) ListRealtimeFeeds() ([]RealtimeFeed, error) {
	rows, err := s.db.Query(`
SELECT region, url, headers
FROM realtime_feed
ORDER BY region`)
	if err != nil {
		return nil, fmt.Errorf("listing realtime feeds: %w", err)
	}
	defer rows.Close()

	feeds := []RealtimeFeed{}
	for rows.Next() {
		var feed RealtimeFeed
		var headers string
		err := rows.Scan(&feed.Region, &feed.URL, &headers)
		if err != nil {
			return nil, fmt.Errorf("scanning realtime feed: %w", err)
		}
		feed.Headers, err = DeserializeHeaders(headers)
		if err != nil {
			return nil, fmt.Errorf("realtime feed %s: %w", feed.Region, err)
		}
		feeds = append(feeds, feed)
	}

	return feeds, rows.Err()
}

func (s *PSQLStorage) WriteRealtimeFeed(feed RealtimeFeed) error {
	_, err := s.db.Exec(`
INSERT INTO realtime_feed (region, url, headers)
VALUES ($1, $2, $3)
ON CONFLICT (region) DO UPDATE SET
    url = excluded.url,
    headers = excluded.headers`,
		feed.Region,
		feed.URL,
		SerializeHeaders(feed.Headers),
	)
	if err != nil {
		return fmt.Errorf("writing realtime feed: %w", err)
	}
	return nil
}

func (s *PSQLStorage) DeleteRealtimeFeed(region string) error {
	_, err := s.db.Exec(`DELETE FROM realtime_feed WHERE region = $1`, region)
	if err != nil {
		return fmt.Errorf("deleting realtime feed: %w", err)
	}
	return nil
}

func (s *PSQLStorage) GetReader(feedID string) (FeedReader, error) {
	return &PSQLFeedReader{
		id: feedID,
		db: s.db,
	}, nil
}

func (s *PSQLStorage) GetWriter(feedID string) (FeedWriter, error) {
	// In case feed already exists, delete all records
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	err = s.deleteFeedRecords(tx, feedID)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}

	return &PSQLFeedWriter{
		id: feedID,
		db: s.db,
	}, nil
}

func (w *PSQLFeedWriter) WriteAgency(a *model.Agency) error {
	_, err := w.db.Exec(`
INSERT INTO agency (feed_id, id, name, url, timezone)
VALUES ($1, $2, $3, $4, $5)`,
		w.id,
		a.ID,
		a.Name,
		a.URL,
		a.Timezone,
	)
	if err != nil {
		return fmt.Errorf("inserting agency: %w", err)
	}
	return nil
}

func (w *PSQLFeedWriter) WriteStop(stop *model.Stop) error {
	_, err := w.db.Exec(`
INSERT INTO stops (feed_id, id, code, name, lat, lon, location_type, parent_station, platform_code)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		w.id,
		stop.ID,
		stop.Code,
		stop.Name,
		stop.Lat,
		stop.Lon,
		stop.LocationType,
		stop.ParentStation,
		stop.PlatformCode,
	)
	if err != nil {
		return fmt.Errorf("inserting stop: %w", err)
	}
	return nil
}

func (w *PSQLFeedWriter) WriteRoute(route *model.Route) error {
	_, err := w.db.Exec(`
INSERT INTO routes (feed_id, id, agency_id, short_name, long_name, type, color, text_color)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		w.id,
		route.ID,
		route.AgencyID,
		route.ShortName,
		route.LongName,
		route.Type,
		route.Color,
		route.TextColor,
	)
	if err != nil {
		return fmt.Errorf("inserting route: %w", err)
	}
	return nil
}

func (w *PSQLFeedWriter) WriteTrip(trip *model.Trip) error {
	var direction sql.NullInt64
	if trip.DirectionID != nil {
		direction = sql.NullInt64{Int64: int64(*trip.DirectionID), Valid: true}
	}

	_, err := w.db.Exec(`
INSERT INTO trips (feed_id, id, route_id, service_id, headsign, short_name, direction_id)
VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		w.id,
		trip.ID,
		trip.RouteID,
		trip.ServiceID,
		trip.Headsign,
		trip.ShortName,
		direction,
	)
	if err != nil {
		return fmt.Errorf("inserting trip: %w", err)
	}
	return nil
}

func (w *PSQLFeedWriter) WriteCalendar(cal *model.Calendar) error {
	flags := weekdayFlags(cal.Weekday)

	_, err := w.db.Exec(`
INSERT INTO calendar (feed_id, service_id, start_date, end_date, monday, tuesday, wednesday, thursday, friday, saturday, sunday)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		w.id,
		cal.ServiceID,
		formatDate(cal.StartDate),
		formatDate(cal.EndDate),
		flags[0], flags[1], flags[2], flags[3], flags[4], flags[5], flags[6],
	)
	if err != nil {
		return fmt.Errorf("inserting calendar: %w", err)
	}
	return nil
}

func (w *PSQLFeedWriter) WriteCalendarDate(cd *model.CalendarDate) error {
	_, err := w.db.Exec(`
INSERT INTO calendar_dates (feed_id, service_id, date, exception_type)
VALUES ($1, $2, $3, $4)`,
		w.id,
		cd.ServiceID,
		formatDate(cd.Date),
		cd.ExceptionType,
	)
	if err != nil {
		return fmt.Errorf("inserting calendar date: %w", err)
	}
	return nil
}

func (w *PSQLFeedWriter) BeginStopTimes() error {
	return nil
}

func (w *PSQLFeedWriter) WriteStopTime(stopTime *model.StopTime) error {
	w.stopTimeBuf = append(w.stopTimeBuf, *stopTime)

	if len(w.stopTimeBuf) >= PSQLStopTimeBatchSize {
		err := w.flushStopTimes()
		if err != nil {
			return fmt.Errorf("flushing stop_times: %w", err)
		}
	}

	return nil
}

func (w *PSQLFeedWriter) EndStopTimes() error {
	if len(w.stopTimeBuf) > 0 {
		err := w.flushStopTimes()
		if err != nil {
			return fmt.Errorf("flushing stop_times: %w", err)
		}
	}
	return nil
}

func (w *PSQLFeedWriter) flushStopTimes() error {
	tx, err := w.db.Begin()
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(pq.CopyIn(
		"stop_times", "feed_id", "trip_id", "stop_id", "stop_sequence", "arrival_time", "departure_time", "headsign",
	))
	if err != nil {
		return fmt.Errorf("preparing statement: %w", err)
	}
	defer stmt.Close()

	for _, stopTime := range w.stopTimeBuf {
		_, err = stmt.Exec(
			w.id,
			stopTime.TripID,
			stopTime.StopID,
			stopTime.StopSequence,
			stopTime.Arrival,
			stopTime.Departure,
			stopTime.Headsign,
		)
		if err != nil {
			return fmt.Errorf("COPY stop_time: %w", err)
		}
	}

	_, err = stmt.Exec()
	if err != nil {
		return fmt.Errorf("executing statement: %w", err)
	}

	err = tx.Commit()
	if err != nil {
		return fmt.Errorf("committing: %w", err)
	}

	w.stopTimeBuf = nil

	return nil
}

func (w *PSQLFeedWriter) Close() error {
	_, err := w.db.Exec(`ANALYZE`)
	if err != nil {
		return fmt.Errorf("analyzing: %w", err)
	}
	return nil
}

func (r *PSQLFeedReader) Stops() ([]*model.Stop, error) {
	rows, err := r.db.Query(`
SELECT id, code, name, lat, lon, location_type, parent_station, platform_code
FROM stops
WHERE feed_id = $1
ORDER BY id`, r.id)
	if err != nil {
		return nil, fmt.Errorf("querying stops: %w", err)
	}
	defer rows.Close()

	stops := []*model.Stop{}
	for rows.Next() {
		s := &model.Stop{}
		err := rows.Scan(
			&s.ID,
			&s.Code,
			&s.Name,
			&s.Lat,
			&s.Lon,
			&s.LocationType,
			&s.ParentStation,
			&s.PlatformCode,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning stop: %w", err)
		}
		stops = append(stops, s)
	}

	return stops, rows.Err()
}

func (r *PSQLFeedReader) ActiveServices(date civil.Date) ([]string, error) {
	rows, err := r.db.Query(`
WITH
Exceptions AS (
        SELECT service_id, exception_type
        FROM calendar_dates
        WHERE feed_id = $1 AND
              date = $2
),
Regular AS (
        SELECT service_id
        FROM calendar
        WHERE feed_id = $1 AND
              `+weekdayColumn(date)+` = 1 AND
              start_date <= $2 AND
              end_date >= $2
)
SELECT service_id FROM Regular
WHERE service_id NOT IN (
	SELECT service_id FROM Exceptions WHERE exception_type = 2
)
UNION
SELECT service_id FROM Exceptions
WHERE exception_type = 1
`, r.id, formatDate(date))
	if err != nil {
		return nil, fmt.Errorf("querying for active services: %w", err)
	}
	defer rows.Close()

	activeServices := []string{}
	for rows.Next() {
		var serviceID string
		err = rows.Scan(&serviceID)
		if err != nil {
			return nil, fmt.Errorf("scanning active services: %w", err)
		}
		activeServices = append(activeServices, serviceID)
	}

	return activeServices, rows.Err()
}

func (r *PSQLFeedReader) StopTimeEvents(filter StopTimeEventFilter) ([]*StopTimeEvent, error) {
	if len(filter.ServiceIDs) == 0 {
		return []*StopTimeEvent{}, nil
	}

	rows, err := r.db.Query(`
SELECT
    stops.id,
    stops.code,
    stops.name,
    stops.parent_station,
    stop_times.trip_id,
    stop_times.stop_sequence,
    stop_times.arrival_time,
    stop_times.departure_time,
    stop_times.headsign,
    trips.route_id,
    trips.service_id,
    trips.headsign,
    trips.short_name,
    trips.direction_id,
    routes.short_name,
    routes.long_name,
    routes.type
FROM stop_times
INNER JOIN stops ON stop_times.feed_id = stops.feed_id AND stop_times.stop_id = stops.id
INNER JOIN trips ON stop_times.feed_id = trips.feed_id AND stop_times.trip_id = trips.id
INNER JOIN routes ON trips.feed_id = routes.feed_id AND trips.route_id = routes.id
WHERE
    stop_times.feed_id = $1 AND
    (stops.code = $2 OR stops.parent_station IN (
        SELECT id FROM stops WHERE feed_id = $1 AND code = $2
    )) AND
    stop_times.departure_time >= $3 AND
    stop_times.departure_time <= $4 AND
    trips.service_id = ANY($5)
ORDER BY stop_times.departure_time ASC, stop_times.trip_id ASC`,
		r.id,
		filter.StopCode,
		filter.DepartureStart,
		filter.DepartureEnd,
		pq.Array(filter.ServiceIDs),
	)
	if err != nil {
		return nil, fmt.Errorf("querying for stop time events: %w", err)
	}
	defer rows.Close()

	return scanStopTimeEvents(rows)
}

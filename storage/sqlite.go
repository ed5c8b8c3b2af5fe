package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"cloud.google.com/go/civil"
	_ "github.com/mattn/go-sqlite3"

	"transitboard.dev/gtfs/model"
)

type SQLiteConfig struct {
	OnDisk    bool
	Directory string
}

// SQLite storage keeps feed metadata and realtime sources in one
// database, and each static feed in a database of its own.
type SQLiteStorage struct {
	SQLiteConfig

	feedDB *sql.DB

	mu    sync.Mutex
	feeds map[string]*sql.DB
}

type SQLiteFeedWriter struct {
	db                  *sql.DB
	stopTimeInsertQuery *sql.Stmt
	stopTimeInsertTx    *sql.Tx
}

type SQLiteFeedReader struct {
	db *sql.DB
}

func NewSQLiteStorage(cfg ...SQLiteConfig) (*SQLiteStorage, error) {
	config := SQLiteConfig{}
	if len(cfg) > 0 {
		config = cfg[0]
	}

	sourceName := ":memory:"
	if config.OnDisk {
		sourceName = filepath.Join(config.Directory, "gtfs.db")
	}

	db, err := openSQLite(sourceName)
	if err != nil {
		return nil, err
	}

	_, err = db.Exec(`
CREATE TABLE IF NOT EXISTS feed (
    id TEXT PRIMARY KEY,
    url TEXT NOT NULL,
    hash TEXT NOT NULL,
    retrieved_at TIMESTAMP NOT NULL,
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
);`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating feed table: %w", err)
	}

	return &SQLiteStorage{
		SQLiteConfig: config,
		feedDB:       db,
		feeds:        map[string]*sql.DB{},
	}, nil
}

func openSQLite(sourceName string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", sourceName)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Every connection to :memory: is a database of its own.
	if sourceName == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	return db, nil
}

func (s *SQLiteStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, db := range s.feeds {
		db.Close()
		delete(s.feeds, id)
	}

	return s.feedDB.Close()
}

func (s *SQLiteStorage) ListFeeds() ([]*FeedMetadata, error) {
	rows, err := s.feedDB.Query(`
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

func (s *SQLiteStorage) WriteFeedMetadata(feed *FeedMetadata) error {
	_, err := s.feedDB.Exec(`
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
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
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
		feed.RetrievedAt.UTC(),
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

func (s *SQLiteStorage) DeleteFeed(feedID string) error {
	_, err := s.feedDB.Exec(`DELETE FROM feed WHERE id = ?`, feedID)
	if err != nil {
		return fmt.Errorf("deleting feed metadata: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if db, found := s.feeds[feedID]; found {
		db.Close()
		delete(s.feeds, feedID)
	}

	if s.OnDisk {
		err = os.Remove(s.feedPath(feedID))
		if err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing feed database: %w", err)
		}
	}

	return nil
}

func (s *SQLiteStorage) ListRealtimeFeeds() ([]RealtimeFeed, error) {
	rows, err := s.feedDB.Query(`
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

func (s *SQLiteStorage) WriteRealtimeFeed(feed RealtimeFeed) error {
	_, err := s.feedDB.Exec(`
INSERT INTO realtime_feed (region, url, headers)
VALUES (?, ?, ?)
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

func (s *SQLiteStorage) DeleteRealtimeFeed(region string) error {
	_, err := s.feedDB.Exec(`DELETE FROM realtime_feed WHERE region = ?`, region)
	if err != nil {
		return fmt.Errorf("deleting realtime feed: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) feedPath(feedID string) string {
	return filepath.Join(s.Directory, feedID+".db")
}

func (s *SQLiteStorage) GetReader(feedID string) (FeedReader, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	db, found := s.feeds[feedID]
	if found {
		return &SQLiteFeedReader{db: db}, nil
	}
	if !s.OnDisk {
		return nil, fmt.Errorf("feed %s does not exist", feedID)
	}

	sourceName := s.feedPath(feedID)
	if _, err := os.Stat(sourceName); os.IsNotExist(err) {
		return nil, fmt.Errorf("feed %s does not exist at %s", feedID, sourceName)
	}

	db, err := openSQLite(sourceName)
	if err != nil {
		return nil, err
	}

	s.feeds[feedID] = db

	return &SQLiteFeedReader{db: db}, nil
}

func (s *SQLiteStorage) GetWriter(feedID string) (FeedWriter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if db, found := s.feeds[feedID]; found {
		db.Close()
		delete(s.feeds, feedID)
	}

	sourceName := ":memory:"
	if s.OnDisk {
		sourceName = s.feedPath(feedID)
		if _, err := os.Stat(sourceName); err == nil {
			err := os.Remove(sourceName)
			if err != nil {
				return nil, fmt.Errorf("removing existing database: %w", err)
			}
		}
	}

	db, err := openSQLite(sourceName)
	if err != nil {
		return nil, err
	}

	_, err = db.Exec(`
CREATE TABLE agency (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    url TEXT NOT NULL,
    timezone TEXT NOT NULL
);

CREATE TABLE stops (
    id TEXT PRIMARY KEY,
    code TEXT NOT NULL,
    name TEXT NOT NULL,
    lat REAL NOT NULL,
    lon REAL NOT NULL,
    location_type INTEGER NOT NULL,
    parent_station TEXT NOT NULL,
    platform_code TEXT NOT NULL
);
CREATE INDEX stops_code ON stops (code);
CREATE INDEX stops_parent_station ON stops (parent_station);

CREATE TABLE routes (
    id TEXT PRIMARY KEY,
    agency_id TEXT NOT NULL,
    short_name TEXT NOT NULL,
    long_name TEXT NOT NULL,
    type INTEGER NOT NULL,
    color TEXT NOT NULL,
    text_color TEXT NOT NULL
);

CREATE TABLE trips (
    id TEXT PRIMARY KEY,
    route_id TEXT NOT NULL,
    service_id TEXT NOT NULL,
    headsign TEXT NOT NULL,
    short_name TEXT NOT NULL,
    direction_id INTEGER
);
CREATE INDEX trips_service_id ON trips (service_id);

CREATE TABLE stop_times (
    trip_id TEXT NOT NULL,
    stop_id TEXT NOT NULL,
    stop_sequence INTEGER NOT NULL,
    arrival_time INTEGER NOT NULL,
    departure_time INTEGER NOT NULL,
    headsign TEXT NOT NULL
);
CREATE INDEX stop_times_stop_id ON stop_times (stop_id);
CREATE INDEX stop_times_departure_time ON stop_times (departure_time);

CREATE TABLE calendar (
    service_id TEXT PRIMARY KEY,
    start_date TEXT NOT NULL,
    end_date TEXT NOT NULL,
    monday INTEGER NOT NULL,
    tuesday INTEGER NOT NULL,
    wednesday INTEGER NOT NULL,
    thursday INTEGER NOT NULL,
    friday INTEGER NOT NULL,
    saturday INTEGER NOT NULL,
    sunday INTEGER NOT NULL
);

CREATE TABLE calendar_dates (
    service_id TEXT NOT NULL,
    date TEXT NOT NULL,
    exception_type INTEGER NOT NULL
);
CREATE INDEX calendar_dates_date ON calendar_dates (date);`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating feed tables: %w", err)
	}

	s.feeds[feedID] = db

	return &SQLiteFeedWriter{db: db}, nil
}

func (f *SQLiteFeedWriter) WriteAgency(a *model.Agency) error {
	_, err := f.db.Exec(`
INSERT INTO agency (id, name, url, timezone)
VALUES (?, ?, ?, ?)`,
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

func (f *SQLiteFeedWriter) WriteStop(stop *model.Stop) error {
	_, err := f.db.Exec(`
INSERT INTO stops (id, code, name, lat, lon, location_type, parent_station, platform_code)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
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

func (f *SQLiteFeedWriter) WriteRoute(route *model.Route) error {
	_, err := f.db.Exec(`
INSERT INTO routes (id, agency_id, short_name, long_name, type, color, text_color)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
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

func (f *SQLiteFeedWriter) WriteTrip(trip *model.Trip) error {
	var direction sql.NullInt64
	if trip.DirectionID != nil {
		direction = sql.NullInt64{Int64: int64(*trip.DirectionID), Valid: true}
	}

	_, err := f.db.Exec(`
INSERT INTO trips (id, route_id, service_id, headsign, short_name, direction_id)
VALUES (?, ?, ?, ?, ?, ?)`,
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

func (f *SQLiteFeedWriter) BeginStopTimes() error {
	// transaction with prepared statement.
	var err error
	f.stopTimeInsertTx, err = f.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning stop_time insert transaction: %w", err)
	}

	f.stopTimeInsertQuery, err = f.stopTimeInsertTx.Prepare(`
INSERT INTO stop_times (trip_id, stop_id, stop_sequence, arrival_time, departure_time, headsign)
VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		f.stopTimeInsertTx.Rollback()
		f.stopTimeInsertTx = nil
		return fmt.Errorf("preparing stop_time insert: %w", err)
	}

	return nil
}

func (f *SQLiteFeedWriter) WriteStopTime(stopTime *model.StopTime) error {
	if f.stopTimeInsertQuery == nil {
		return fmt.Errorf("stop_time written outside of BeginStopTimes/EndStopTimes")
	}

	_, err := f.stopTimeInsertQuery.Exec(
		stopTime.TripID,
		stopTime.StopID,
		stopTime.StopSequence,
		stopTime.Arrival,
		stopTime.Departure,
		stopTime.Headsign,
	)
	if err != nil {
		f.stopTimeInsertQuery.Close()
		f.stopTimeInsertTx.Rollback()
		f.stopTimeInsertTx = nil
		f.stopTimeInsertQuery = nil
		return fmt.Errorf("inserting stop_time: %w", err)
	}

	return nil
}

func (f *SQLiteFeedWriter) EndStopTimes() error {
	if f.stopTimeInsertTx == nil {
		return fmt.Errorf("no stop_time transaction in progress")
	}

	// commit transaction and clean up
	f.stopTimeInsertQuery.Close()
	err := f.stopTimeInsertTx.Commit()
	f.stopTimeInsertTx = nil
	f.stopTimeInsertQuery = nil
	if err != nil {
		return fmt.Errorf("committing stop_time insert transaction: %w", err)
	}

	return nil
}

func (f *SQLiteFeedWriter) WriteCalendar(cal *model.Calendar) error {
	flags := weekdayFlags(cal.Weekday)

	_, err := f.db.Exec(`
INSERT INTO calendar (service_id, start_date, end_date, monday, tuesday, wednesday, thursday, friday, saturday, sunday)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
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

func (f *SQLiteFeedWriter) WriteCalendarDate(cd *model.CalendarDate) error {
	_, err := f.db.Exec(`
INSERT INTO calendar_dates (service_id, date, exception_type)
VALUES (?, ?, ?)`,
		cd.ServiceID,
		formatDate(cd.Date),
		cd.ExceptionType,
	)
	if err != nil {
		return fmt.Errorf("inserting calendar date: %w", err)
	}

	return nil
}

func (f *SQLiteFeedWriter) Close() error {
	_, err := f.db.Exec(`ANALYZE;`)
	if err != nil {
		return fmt.Errorf("analyzing database: %w", err)
	}

	return nil
}

func (f *SQLiteFeedReader) Stops() ([]*model.Stop, error) {
	rows, err := f.db.Query(`
SELECT id, code, name, lat, lon, location_type, parent_station, platform_code
FROM stops
ORDER BY id`)
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

func (f *SQLiteFeedReader) ActiveServices(date civil.Date) ([]string, error) {
	day := formatDate(date)

	rows, err := f.db.Query(`
WITH
Exceptions AS (
	SELECT service_id, exception_type
	FROM calendar_dates
	WHERE date = ?
),
Regular AS (
	SELECT service_id
	FROM calendar
	WHERE `+weekdayColumn(date)+` = 1 AND
	      start_date <= ? AND
	      end_date >= ?
)
SELECT service_id
FROM Regular
WHERE service_id NOT IN (
	SELECT service_id FROM Exceptions WHERE exception_type = 2
)
UNION
SELECT service_id
FROM Exceptions
WHERE exception_type = 1
`, day, day, day)
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

func (f *SQLiteFeedReader) StopTimeEvents(filter StopTimeEventFilter) ([]*StopTimeEvent, error) {
	if len(filter.ServiceIDs) == 0 {
		return []*StopTimeEvent{}, nil
	}

	params := []interface{}{
		filter.StopCode,
		filter.StopCode,
		filter.DepartureStart,
		filter.DepartureEnd,
	}
	placeholders := make([]string, 0, len(filter.ServiceIDs))
	for _, id := range filter.ServiceIDs {
		placeholders = append(placeholders, "?")
		params = append(params, id)
	}

	rows, err := f.db.Query(`
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
INNER JOIN stops ON stop_times.stop_id = stops.id
INNER JOIN trips ON stop_times.trip_id = trips.id
INNER JOIN routes ON trips.route_id = routes.id
WHERE
    (stops.code = ? OR stops.parent_station IN (SELECT id FROM stops WHERE code = ?)) AND
    stop_times.departure_time >= ? AND
    stop_times.departure_time <= ? AND
    trips.service_id IN (`+strings.Join(placeholders, ", ")+`)
ORDER BY stop_times.departure_time ASC, stop_times.trip_id ASC`, params...)
	if err != nil {
		return nil, fmt.Errorf("querying for stop time events: %w", err)
	}
	defer rows.Close()

	return scanStopTimeEvents(rows)
}

// Shared by both SQL backends, which select the same columns.
func scanStopTimeEvents(rows *sql.Rows) ([]*StopTimeEvent, error) {
	events := []*StopTimeEvent{}
	for rows.Next() {
		e := &StopTimeEvent{}
		var direction sql.NullInt64
		err := rows.Scan(
			&e.Stop.ID,
			&e.Stop.Code,
			&e.Stop.Name,
			&e.Stop.ParentStation,
			&e.StopTime.TripID,
			&e.StopTime.StopSequence,
			&e.StopTime.Arrival,
			&e.StopTime.Departure,
			&e.StopTime.Headsign,
			&e.Trip.RouteID,
			&e.Trip.ServiceID,
			&e.Trip.Headsign,
			&e.Trip.ShortName,
			&direction,
			&e.Route.ShortName,
			&e.Route.LongName,
			&e.Route.Type,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning stop time event: %w", err)
		}

		e.StopTime.StopID = e.Stop.ID
		e.Trip.ID = e.StopTime.TripID
		e.Route.ID = e.Trip.RouteID
		if direction.Valid {
			d := int8(direction.Int64)
			e.Trip.DirectionID = &d
		}

		events = append(events, e)
	}

	return events, rows.Err()
}

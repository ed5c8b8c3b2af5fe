package testutil

// Helpers and configuration for tests.

import (
	"archive/zip"
	"bytes"
	"os"
	"strings"
	"testing"
	"time"

	p "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	proto "google.golang.org/protobuf/proto"

	"transitboard.dev/gtfs"
	"transitboard.dev/gtfs/storage"
)

const (
	// Holds a PostgreSQL connection string. Postgres tests are
	// skipped when unset.
	PostgresEnv = "GTFS_TEST_POSTGRES"

	StaticURL = "http://example.com/static.zip"
)

func BuildStorage(t testing.TB, backend string) storage.Storage {
	var s storage.Storage
	var err error
	switch backend {
	case "sqlite":
		s, err = storage.NewSQLiteStorage()
		require.NoError(t, err)
	case "postgres":
		connStr := os.Getenv(PostgresEnv)
		if connStr == "" {
			t.Skipf("%s not set", PostgresEnv)
		}
		s, err = storage.NewPSQLStorage(connStr, true)
		require.NoError(t, err)
	default:
		t.Fatalf("unknown backend %q", backend)
	}

	t.Cleanup(func() { s.Close() })

	return s
}

func BuildZip(
	t testing.TB,
	files map[string][]string,
) []byte {

	buf := &bytes.Buffer{}
	w := zip.NewWriter(buf)
	for filename, content := range files {
		f, err := w.Create(filename)
		require.NoError(t, err)
		_, err = f.Write([]byte(strings.Join(content, "\n")))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	return buf.Bytes()
}

// Zips a static feed, filling in missing files with (mostly blank)
// dummy data.
func BuildStaticZip(t testing.TB, files map[string][]string) []byte {
	if files["agency.txt"] == nil {
		files["agency.txt"] = []string{"agency_timezone,agency_name,agency_url", "UTC,FooAgency,http://example.com"}
	}
	if files["calendar.txt"] == nil && files["calendar_dates.txt"] == nil {
		files["calendar.txt"] = []string{"service_id"}
	}
	if files["routes.txt"] == nil {
		files["routes.txt"] = []string{"route_id"}
	}
	if files["trips.txt"] == nil {
		files["trips.txt"] = []string{"trip_id"}
	}
	if files["stops.txt"] == nil {
		files["stops.txt"] = []string{"stop_id"}
	}
	if files["stop_times.txt"] == nil {
		files["stop_times.txt"] = []string{"stop_id"}
	}

	return BuildZip(t, files)
}

// Imports a static feed into fresh storage.
func LoadStatic(t testing.TB, backend string, files map[string][]string) storage.Storage {
	s := BuildStorage(t, backend)

	importer := gtfs.NewImporter(s, zerolog.Nop())
	_, err := importer.Import(StaticURL, BuildStaticZip(t, files))
	require.NoError(t, err)

	return s
}

// Helpers for building GTFS Realtime feeds

type StopTimeEvent struct {
	Delay *int32
	Time  int64
}

type StopUpdate struct {
	StopSequence   uint32
	NoStopSequence bool
	StopID         string
	Arrival        *StopTimeEvent
	Departure      *StopTimeEvent
	SchedRel       string
}

type TripUpdate struct {
	TripID       string
	StartDate    string
	VehicleID    string
	VehicleLabel string
	StopUpdates  []StopUpdate
}

func Delay(seconds int32) *int32 {
	return &seconds
}

func BuildRealtime(t testing.TB, timestamp time.Time, tripUpdates []TripUpdate) []byte {
	entity := make([]*p.FeedEntity, 0, len(tripUpdates))

	for i, tripUpdate := range tripUpdates {
		stopTimeUpdate := make([]*p.TripUpdate_StopTimeUpdate, 0, len(tripUpdate.StopUpdates))

		for _, stopUpdate := range tripUpdate.StopUpdates {
			var scheduleRelationship p.TripUpdate_StopTimeUpdate_ScheduleRelationship
			switch stopUpdate.SchedRel {
			case "SKIPPED":
				scheduleRelationship = p.TripUpdate_StopTimeUpdate_SKIPPED
			case "NO_DATA":
				scheduleRelationship = p.TripUpdate_StopTimeUpdate_NO_DATA
			case "", "SCHEDULED":
				scheduleRelationship = p.TripUpdate_StopTimeUpdate_SCHEDULED
			default:
				t.Fatalf("bad SchedRel: %s", stopUpdate.SchedRel)
			}

			stup := &p.TripUpdate_StopTimeUpdate{
				ScheduleRelationship: &scheduleRelationship,
			}
			if !stopUpdate.NoStopSequence {
				stup.StopSequence = proto.Uint32(stopUpdate.StopSequence)
			}
			if stopUpdate.StopID != "" {
				stup.StopId = proto.String(stopUpdate.StopID)
			}
			stup.Arrival = buildStopTimeEvent(stopUpdate.Arrival)
			stup.Departure = buildStopTimeEvent(stopUpdate.Departure)

			stopTimeUpdate = append(stopTimeUpdate, stup)
		}

		tu := &p.TripUpdate{
			Trip: &p.TripDescriptor{
				TripId: proto.String(tripUpdate.TripID),
			},
			StopTimeUpdate: stopTimeUpdate,
		}
		if tripUpdate.StartDate != "" {
			tu.Trip.StartDate = proto.String(tripUpdate.StartDate)
		}
		if tripUpdate.VehicleID != "" || tripUpdate.VehicleLabel != "" {
			tu.Vehicle = &p.VehicleDescriptor{
				Id:    proto.String(tripUpdate.VehicleID),
				Label: proto.String(tripUpdate.VehicleLabel),
			}
		}

		entity = append(entity, &p.FeedEntity{
			Id:         proto.String(string(rune('a' + i%26))),
			TripUpdate: tu,
		})
	}

	incrementality := p.FeedHeader_FULL_DATASET
	header := &p.FeedHeader{
		GtfsRealtimeVersion: proto.String("2.0"),
		Incrementality:      &incrementality,
		Timestamp:           proto.Uint64(uint64(timestamp.Unix())),
	}

	data, err := proto.Marshal(&p.FeedMessage{Header: header, Entity: entity})
	require.NoError(t, err)

	return data
}

func buildStopTimeEvent(e *StopTimeEvent) *p.TripUpdate_StopTimeEvent {
	if e == nil {
		return nil
	}
	event := &p.TripUpdate_StopTimeEvent{}
	if e.Delay != nil {
		event.Delay = proto.Int32(*e.Delay)
	}
	if e.Time != 0 {
		event.Time = proto.Int64(e.Time)
	}
	return event
}

package gtfs_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"transitboard.dev/gtfs"
	"transitboard.dev/gtfs/downloader"
	"transitboard.dev/gtfs/storage"
	"transitboard.dev/gtfs/testutil"
)

// Serves a realtime feed that can be swapped or broken mid-test.
type feedServer struct {
	*httptest.Server

	mu       sync.Mutex
	body     []byte
	failing  bool
	requests int
}

var jan6 = civil.Date{Year: 2020, Month: 1, Day: 6}

func newFeedServer(t *testing.T, body []byte) *feedServer {
	fs := &feedServer{body: body}
	fs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fs.mu.Lock()
		defer fs.mu.Unlock()
		fs.requests++
		if fs.failing {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write(fs.body)
	}))
	t.Cleanup(fs.Close)
	return fs
}

func (fs *feedServer) setBody(body []byte) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.body = body
}

func (fs *feedServer) setFailing(failing bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.failing = failing
}

func (fs *feedServer) Requests() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.requests
}

func delayedTrip(tripID string, delay int32) testutil.TripUpdate {
	return testutil.TripUpdate{
		TripID:    tripID,
		StartDate: "20200106",
		StopUpdates: []testutil.StopUpdate{{
			StopSequence: 1,
			Departure:    &testutil.StopTimeEvent{Delay: testutil.Delay(delay)},
		}},
	}
}

func queryDelay(snapshot *gtfs.Snapshot, tripID string) *int32 {
	answer := snapshot.Query([]gtfs.QueryKey{{
		TripID:       tripID,
		ServiceDate:  jan6,
		StopSequence: 1,
	}})[0]
	if answer == nil {
		return nil
	}
	return answer.Delay
}

func TestRefresherRefreshOnce(t *testing.T) {
	now := time.Date(2020, 1, 6, 12, 0, 0, 0, time.UTC)
	north := newFeedServer(t, testutil.BuildRealtime(t, now, []testutil.TripUpdate{delayedTrip("n1", 60)}))
	south := newFeedServer(t, testutil.BuildRealtime(t, now, []testutil.TripUpdate{delayedTrip("s1", 120)}))

	s := testutil.BuildStorage(t, "sqlite")
	require.NoError(t, s.WriteRealtimeFeed(storage.RealtimeFeed{Region: "north", URL: north.URL}))
	require.NoError(t, s.WriteRealtimeFeed(storage.RealtimeFeed{Region: "south", URL: south.URL}))

	coordinator := gtfs.NewRefreshCoordinator()
	refresher := gtfs.NewRefresher(s, coordinator, zerolog.Nop())

	require.NoError(t, refresher.RefreshOnce(context.Background()))

	snapshot := coordinator.Current()
	assert.Equal(t, []string{"north", "south"}, snapshot.Regions())
	assert.Equal(t, int32(60), *queryDelay(snapshot, "n1"))
	assert.Equal(t, int32(120), *queryDelay(snapshot, "s1"))
	assert.Nil(t, queryDelay(snapshot, "x1"))
	assert.True(t, now.Equal(snapshot.Region("north").Timestamp()))

	// A failing region keeps its previous index
	northIndex := snapshot.Region("north")
	south.setBody(testutil.BuildRealtime(t, now, []testutil.TripUpdate{delayedTrip("s1", 180)}))
	north.setFailing(true)

	err := refresher.RefreshOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "region north")
	assert.NotContains(t, err.Error(), "region south")

	snapshot = coordinator.Current()
	assert.Same(t, northIndex, snapshot.Region("north"))
	assert.Equal(t, int32(60), *queryDelay(snapshot, "n1"))
	assert.Equal(t, int32(180), *queryDelay(snapshot, "s1"))

	// Removed regions are retired
	require.NoError(t, s.DeleteRealtimeFeed("north"))
	require.NoError(t, refresher.RefreshOnce(context.Background()))

	snapshot = coordinator.Current()
	assert.Equal(t, []string{"south"}, snapshot.Regions())
	assert.Nil(t, queryDelay(snapshot, "n1"))
}

func TestRefresherBadFeed(t *testing.T) {
	garbage := newFeedServer(t, []byte("this is not a protobuf"))

	s := testutil.BuildStorage(t, "sqlite")
	require.NoError(t, s.WriteRealtimeFeed(storage.RealtimeFeed{Region: "garbage", URL: garbage.URL}))

	coordinator := gtfs.NewRefreshCoordinator()
	refresher := gtfs.NewRefresher(s, coordinator, zerolog.Nop())

	err := refresher.RefreshOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing")
	assert.Nil(t, coordinator.Current().Region("garbage"))
}

func TestRefresherSendsHeaders(t *testing.T) {
	body := testutil.BuildRealtime(t, time.Now(), nil)
	var gotKey atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey.Store(r.Header.Get("x-api-key"))
		w.Write(body)
	}))
	defer server.Close()

	s := testutil.BuildStorage(t, "sqlite")
	require.NoError(t, s.WriteRealtimeFeed(storage.RealtimeFeed{
		Region:  "keyed",
		URL:     server.URL,
		Headers: map[string]string{"x-api-key": "sekrit"},
	}))

	refresher := gtfs.NewRefresher(s, gtfs.NewRefreshCoordinator(), zerolog.Nop())
	require.NoError(t, refresher.RefreshOnce(context.Background()))
	assert.Equal(t, "sekrit", gotKey.Load())
}

func TestRefresherRun(t *testing.T) {
	now := time.Date(2020, 1, 6, 12, 0, 0, 0, time.UTC)
	north := newFeedServer(t, testutil.BuildRealtime(t, now, []testutil.TripUpdate{delayedTrip("n1", 60)}))

	s := testutil.BuildStorage(t, "sqlite")
	require.NoError(t, s.WriteRealtimeFeed(storage.RealtimeFeed{Region: "north", URL: north.URL}))

	coordinator := gtfs.NewRefreshCoordinator()
	refresher := gtfs.NewRefresher(s, coordinator, zerolog.Nop())
	refresher.Interval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- refresher.Run(ctx) }()

	require.Eventually(t, func() bool {
		return north.Requests() >= 3
	}, 5*time.Second, 5*time.Millisecond)
	assert.NotNil(t, coordinator.Current().Region("north"))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

// Blocks every fetch until its context is done.
type stallingDownloader struct {
	inFlight    atomic.Int32
	maxInFlight atomic.Int32
	calls       atomic.Int32
}

func (d *stallingDownloader) Get(ctx context.Context, url string, headers map[string]string, options downloader.GetOptions) ([]byte, error) {
	d.calls.Add(1)
	n := d.inFlight.Add(1)
	defer d.inFlight.Add(-1)
	for {
		seen := d.maxInFlight.Load()
		if n <= seen || d.maxInFlight.CompareAndSwap(seen, n) {
			break
		}
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestRefresherRunCancelsSlowCycle(t *testing.T) {
	s := testutil.BuildStorage(t, "sqlite")
	require.NoError(t, s.WriteRealtimeFeed(storage.RealtimeFeed{Region: "slow", URL: "http://example.com/slow"}))

	d := &stallingDownloader{}
	refresher := gtfs.NewRefresher(s, gtfs.NewRefreshCoordinator(), zerolog.Nop())
	refresher.Interval = 10 * time.Millisecond
	refresher.Downloader = d

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- refresher.Run(ctx) }()

	// Each tick cancels the stalled cycle and starts a new one
	require.Eventually(t, func() bool {
		return d.calls.Load() >= 3
	}, 5*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	assert.Equal(t, int32(1), d.maxInFlight.Load())
	assert.Equal(t, int32(0), d.inFlight.Load())
}

// Fails a number of times before listing a single region.
type flakySources struct {
	failures atomic.Int32
	url      string
}

func (f *flakySources) ListRealtimeFeeds() ([]storage.RealtimeFeed, error) {
	if f.failures.Add(-1) >= 0 {
		return nil, errors.New("config unavailable")
	}
	return []storage.RealtimeFeed{{Region: "flaky", URL: f.url}}, nil
}

func TestRefresherRunConfigBackoff(t *testing.T) {
	server := newFeedServer(t, testutil.BuildRealtime(t, time.Now(), nil))

	sources := &flakySources{url: server.URL}
	sources.failures.Store(3)

	coordinator := gtfs.NewRefreshCoordinator()
	refresher := gtfs.NewRefresher(sources, coordinator, zerolog.Nop())
	refresher.Interval = time.Hour
	refresher.ConfigBackoff = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- refresher.Run(ctx) }()

	require.Eventually(t, func() bool {
		return coordinator.Current().Region("flaky") != nil
	}, 5*time.Second, 5*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}

func TestRefresherRunCancelledDuringBackoff(t *testing.T) {
	sources := &flakySources{}
	sources.failures.Store(1 << 30)

	refresher := gtfs.NewRefresher(sources, gtfs.NewRefreshCoordinator(), zerolog.Nop())
	refresher.ConfigBackoff = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- refresher.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

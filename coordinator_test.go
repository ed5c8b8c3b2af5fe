package gtfs_test

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"transitboard.dev/gtfs"
)

func TestCoordinatorInitiallyEmpty(t *testing.T) {
	c := gtfs.NewRefreshCoordinator()

	snapshot := c.Current()
	require.NotNil(t, snapshot)
	assert.Equal(t, []string{}, snapshot.Regions())
	assert.Nil(t, snapshot.Region("anywhere"))
	assert.Equal(t, []*int32{nil}, delays(snapshot.Query([]gtfs.QueryKey{
		{ServiceDate: jan1, TripID: "t1", StopSequence: 1},
	})))
}

func TestCoordinatorPublish(t *testing.T) {
	now := time.Date(2020, 1, 1, 12, 0, 0, 0, time.UTC)
	c := gtfs.NewRefreshCoordinator()
	c.TimeNow = func() time.Time { return now }

	key := []gtfs.QueryKey{{ServiceDate: jan1, TripID: "t1", StopSequence: 1}}

	c.Publish("north", gtfs.BuildIndex(feedOf(
		tripUpdateEntity("e1", "t1", "20200101", departureDelay(1, 10)),
	), zerolog.Nop()))

	// Readers keep the snapshot they grabbed
	before := c.Current()
	assert.Equal(t, []*int32{i32(10)}, delays(before.Query(key)))
	assert.Equal(t, now, before.PublishedAt("north"))

	now = now.Add(30 * time.Second)
	c.Publish("north", gtfs.BuildIndex(feedOf(
		tripUpdateEntity("e1", "t1", "20200101", departureDelay(1, 20)),
	), zerolog.Nop()))

	after := c.Current()
	assert.Equal(t, []*int32{i32(20)}, delays(after.Query(key)))
	assert.Equal(t, now, after.PublishedAt("north"))
	assert.Equal(t, []*int32{i32(10)}, delays(before.Query(key)))
	assert.Equal(t, []string{"north"}, after.Regions())
}

func TestCoordinatorRegions(t *testing.T) {
	c := gtfs.NewRefreshCoordinator()

	c.Publish("south", gtfs.BuildIndex(feedOf(
		tripUpdateEntity("e1", "shared", "20200101", departureDelay(1, 200)),
		tripUpdateEntity("e2", "south-only", "20200101", departureDelay(1, 201)),
	), zerolog.Nop()))
	c.Publish("north", gtfs.BuildIndex(feedOf(
		tripUpdateEntity("e1", "shared", "20200101", departureDelay(1, 100)),
		tripUpdateEntity("e2", "north-only", "20200101", departureDelay(1, 101)),
	), zerolog.Nop()))

	snapshot := c.Current()
	assert.Equal(t, []string{"north", "south"}, snapshot.Regions())
	assert.Equal(t, 2, snapshot.Region("south").Len())

	// First region by name wins when both know a trip
	keys := []gtfs.QueryKey{
		{ServiceDate: jan1, TripID: "shared", StopSequence: 1},
		{ServiceDate: jan1, TripID: "north-only", StopSequence: 1},
		{ServiceDate: jan1, TripID: "south-only", StopSequence: 1},
		{ServiceDate: jan1, TripID: "nowhere", StopSequence: 1},
	}
	assert.Equal(t, []*int32{i32(100), i32(101), i32(201), nil}, delays(snapshot.Query(keys)))

	// Retired regions stop answering
	c.Retain([]string{"south", "west"})
	snapshot = c.Current()
	assert.Equal(t, []string{"south"}, snapshot.Regions())
	assert.Equal(t, []*int32{i32(200), nil, i32(201), nil}, delays(snapshot.Query(keys)))

	c.Retain(nil)
	assert.Equal(t, []string{}, c.Current().Regions())
}

func TestCoordinatorConcurrentPublish(t *testing.T) {
	c := gtfs.NewRefreshCoordinator()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			region := fmt.Sprintf("region-%02d", i)
			for j := 0; j < 10; j++ {
				c.Publish(region, gtfs.BuildIndex(feedOf(
					tripUpdateEntity("e", region, "20200101", departureDelay(1, int32(j))),
				), zerolog.Nop()))
			}
		}(i)
	}

	// Readers see whole snapshots throughout
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			snapshot := c.Current()
			for _, region := range snapshot.Regions() {
				assert.NotNil(t, snapshot.Region(region))
			}
		}
	}()

	wg.Wait()
	<-done

	// No publish was lost
	snapshot := c.Current()
	require.Len(t, snapshot.Regions(), 20)
	for i := 0; i < 20; i++ {
		region := fmt.Sprintf("region-%02d", i)
		updates := snapshot.Query([]gtfs.QueryKey{{ServiceDate: jan1, TripID: region, StopSequence: 1}})
		assert.Equal(t, []*int32{i32(9)}, delays(updates), region)
	}
}

package gtfs

import (
	"sort"
	"sync/atomic"
	"time"

	"transitboard.dev/gtfs/model"
)

// Holds the currently published realtime index of every region.
//
// Readers grab a Snapshot and query it for as long as they like.
// Publishing builds a new Snapshot and swaps it in; snapshots are
// never modified once visible.
type RefreshCoordinator struct {
	current atomic.Pointer[Snapshot]

	// Overridden in tests.
	TimeNow func() time.Time
}

type publishedIndex struct {
	index       *RealtimeIndex
	publishedAt time.Time
}

// An immutable view of the published indexes.
type Snapshot struct {
	regions map[string]publishedIndex
	names   []string
}

func NewRefreshCoordinator() *RefreshCoordinator {
	c := &RefreshCoordinator{TimeNow: time.Now}
	c.current.Store(&Snapshot{regions: map[string]publishedIndex{}})
	return c
}

// Makes idx the current index for region. If publishers race, the
// last one to swap wins.
func (c *RefreshCoordinator) Publish(region string, idx *RealtimeIndex) {
	now := c.TimeNow()
	c.update(func(regions map[string]publishedIndex) {
		regions[region] = publishedIndex{index: idx, publishedAt: now}
	})
}

// Drops the indexes of all regions not in keep.
func (c *RefreshCoordinator) Retain(keep []string) {
	wanted := make(map[string]bool, len(keep))
	for _, region := range keep {
		wanted[region] = true
	}
	c.update(func(regions map[string]publishedIndex) {
		for region := range regions {
			if !wanted[region] {
				delete(regions, region)
			}
		}
	})
}

// Copy-on-write of the region map. Retries if another publish got
// there first.
func (c *RefreshCoordinator) update(mutate func(map[string]publishedIndex)) {
	for {
		old := c.current.Load()

		regions := make(map[string]publishedIndex, len(old.regions)+1)
		for k, v := range old.regions {
			regions[k] = v
		}
		mutate(regions)

		if c.current.CompareAndSwap(old, newSnapshot(regions)) {
			return
		}
	}
}

func newSnapshot(regions map[string]publishedIndex) *Snapshot {
	names := make([]string, 0, len(regions))
	for name := range regions {
		names = append(names, name)
	}
	sort.Strings(names)
	return &Snapshot{regions: regions, names: names}
}

// The current snapshot. Never nil.
func (c *RefreshCoordinator) Current() *Snapshot {
	return c.current.Load()
}

// The index published for region, or nil.
func (s *Snapshot) Region(region string) *RealtimeIndex {
	return s.regions[region].index
}

// Names of all published regions, sorted.
func (s *Snapshot) Regions() []string {
	names := make([]string, len(s.names))
	copy(names, s.names)
	return names
}

func (s *Snapshot) PublishedAt(region string) time.Time {
	return s.regions[region].publishedAt
}

// Queries all regions. For each key, the first region (by name) that
// knows the trip instance answers.
func (s *Snapshot) Query(keys []QueryKey) []*model.RealtimeUpdate {
	result := make([]*model.RealtimeUpdate, len(keys))
	for _, name := range s.names {
		answers := s.regions[name].index.Query(keys)
		for i, answer := range answers {
			if result[i] == nil {
				result[i] = answer
			}
		}
	}
	return result
}

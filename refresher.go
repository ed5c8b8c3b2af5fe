package gtfs

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"

	"transitboard.dev/gtfs/downloader"
	"transitboard.dev/gtfs/parse"
	"transitboard.dev/gtfs/storage"
)

const (
	DefaultRefreshInterval = 30 * time.Second
	DefaultRealtimeTimeout = 30 * time.Second
	DefaultRealtimeMaxSize = 4 << 20 // 4 MB
	DefaultConfigBackoff   = 1 * time.Second
)

// Where realtime feeds are fetched from. Implemented by
// storage.Storage.
type RealtimeSources interface {
	ListRealtimeFeeds() ([]storage.RealtimeFeed, error)
}

// Periodically fetches the realtime feed of every region and
// publishes a fresh index for each.
type Refresher struct {
	Interval      time.Duration
	Timeout       time.Duration
	MaxSize       int
	ConfigBackoff time.Duration
	// Zero disables download caching.
	CacheTTL   time.Duration
	Downloader downloader.Downloader

	sources     RealtimeSources
	coordinator *RefreshCoordinator
	logger      zerolog.Logger
}

func NewRefresher(sources RealtimeSources, coordinator *RefreshCoordinator, logger zerolog.Logger) *Refresher {
	return &Refresher{
		Interval:      DefaultRefreshInterval,
		Timeout:       DefaultRealtimeTimeout,
		MaxSize:       DefaultRealtimeMaxSize,
		ConfigBackoff: DefaultConfigBackoff,
		Downloader:    downloader.NewMemoryDownloader(),

		sources:     sources,
		coordinator: coordinator,
		logger:      logger.With().Str("component", "refresher").Logger(),
	}
}

// Refreshes every Interval until ctx is cancelled.
//
// A cycle still running when the next tick fires is cancelled and
// waited for, so fetches of a region never overlap. Failed regions
// keep serving their previous index.
func (r *Refresher) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()

	for {
		feeds, err := r.sources.ListRealtimeFeeds()
		if err != nil {
			r.logger.Error().Err(err).Msg("loading realtime sources")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(r.ConfigBackoff):
			}
			continue
		}

		cycleCtx, cancel := context.WithCancel(ctx)
		done := make(chan error, 1)
		go func() {
			done <- r.refresh(cycleCtx, feeds)
		}()

		select {
		case err = <-done:
			if err != nil {
				r.logger.Error().Err(err).Msg("refresh failed")
			}
			select {
			case <-ctx.Done():
				cancel()
				return nil
			case <-ticker.C:
			}

		case <-ticker.C:
			r.logger.Warn().Dur("interval", r.Interval).Msg("refresh outlasted interval, cancelling")
			cancel()
			if err = <-done; err != nil {
				r.logger.Error().Err(err).Msg("refresh failed")
			}

		case <-ctx.Done():
			cancel()
			<-done
			return nil
		}

		cancel()
	}
}

// Runs a single refresh cycle.
func (r *Refresher) RefreshOnce(ctx context.Context) error {
	feeds, err := r.sources.ListRealtimeFeeds()
	if err != nil {
		return fmt.Errorf("loading realtime sources: %w", err)
	}
	return r.refresh(ctx, feeds)
}

// Fetches all regions concurrently. Errors of individual regions are
// joined.
func (r *Refresher) refresh(ctx context.Context, feeds []storage.RealtimeFeed) error {
	regions := make([]string, 0, len(feeds))
	for _, feed := range feeds {
		regions = append(regions, feed.Region)
	}
	r.coordinator.Retain(regions)

	start := time.Now()
	p := pool.New().WithContext(ctx)
	for _, feed := range feeds {
		p.Go(func(ctx context.Context) error {
			err := r.refreshRegion(ctx, feed)
			if err != nil {
				return fmt.Errorf("region %s: %w", feed.Region, err)
			}
			return nil
		})
	}
	err := p.Wait()

	r.logger.Debug().
		Int("regions", len(feeds)).
		Dur("took", time.Since(start)).
		Msg("refresh cycle done")

	return err
}

func (r *Refresher) refreshRegion(ctx context.Context, feed storage.RealtimeFeed) error {
	logger := r.logger.With().Str("region", feed.Region).Logger()

	body, err := r.Downloader.Get(ctx, feed.URL, feed.Headers, downloader.GetOptions{
		Timeout:  r.Timeout,
		MaxSize:  r.MaxSize,
		Cache:    r.CacheTTL > 0,
		CacheTTL: r.CacheTTL,
	})
	if err != nil {
		return fmt.Errorf("downloading: %w", err)
	}

	parsed, err := parse.ParseRealtime(body)
	if err != nil {
		return fmt.Errorf("parsing: %w", err)
	}

	idx := BuildIndex(parsed, logger)
	r.coordinator.Publish(feed.Region, idx)

	stats := idx.Stats()
	logger.Debug().
		Int("entities", stats.Entities).
		Int("trips", stats.Trips).
		Int("skipped", stats.MissingTripID+stats.BadStartDate).
		Msg("published realtime index")

	return nil
}

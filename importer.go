package gtfs

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"transitboard.dev/gtfs/downloader"
	"transitboard.dev/gtfs/parse"
	"transitboard.dev/gtfs/storage"
)

const (
	DefaultStaticTimeout = 60 * time.Second
	DefaultStaticMaxSize = 800 << 20 // 800 MB
)

// Imports static GTFS feeds into storage.
//
// Each URL keeps a single feed: importing new data for a URL
// replaces what was previously imported from it. Importing the same
// data twice is a no-op.
type Importer struct {
	Timeout    time.Duration
	MaxSize    int
	Downloader downloader.Downloader
	TimeNow    func() time.Time

	storage storage.Storage
	logger  zerolog.Logger
}

func NewImporter(s storage.Storage, logger zerolog.Logger) *Importer {
	return &Importer{
		Timeout:    DefaultStaticTimeout,
		MaxSize:    DefaultStaticMaxSize,
		Downloader: downloader.NewMemoryDownloader(),
		TimeNow:    time.Now,

		storage: s,
		logger:  logger.With().Str("component", "importer").Logger(),
	}
}

// Downloads and imports the feed at url.
func (im *Importer) ImportURL(ctx context.Context, url string, headers map[string]string) (*storage.FeedMetadata, error) {
	body, err := im.Downloader.Get(ctx, url, headers, downloader.GetOptions{
		Timeout: im.Timeout,
		MaxSize: im.MaxSize,
	})
	if err != nil {
		return nil, fmt.Errorf("downloading feed at %s: %w", url, err)
	}

	return im.Import(url, body)
}

// Imports a zipped feed. url identifies where it came from.
func (im *Importer) Import(url string, body []byte) (*storage.FeedMetadata, error) {
	hash := fmt.Sprintf("%x", sha256.Sum256(body))

	feeds, err := im.storage.ListFeeds()
	if err != nil {
		return nil, fmt.Errorf("listing feeds: %w", err)
	}

	for _, feed := range feeds {
		if feed.URL == url && feed.Hash == hash {
			im.logger.Info().Str("url", url).Str("feed_id", feed.ID).Msg("feed already imported")
			return feed, nil
		}
	}

	feedID := makeFeedID(url, hash)

	writer, err := im.storage.GetWriter(feedID)
	if err != nil {
		return nil, fmt.Errorf("getting writer: %w", err)
	}

	metadata, err := parse.ParseStatic(writer, body)
	if err != nil {
		writer.Close()
		if delErr := im.storage.DeleteFeed(feedID); delErr != nil {
			return nil, errors.Join(
				fmt.Errorf("parsing: %w", err),
				fmt.Errorf("cleaning up: %w", delErr),
			)
		}
		return nil, fmt.Errorf("parsing: %w", err)
	}

	metadata.ID = feedID
	metadata.URL = url
	metadata.Hash = hash
	metadata.RetrievedAt = im.TimeNow().UTC()

	err = im.storage.WriteFeedMetadata(metadata)
	if err != nil {
		return nil, fmt.Errorf("writing metadata: %w", err)
	}

	// Data previously imported from this URL is superseded.
	errs := []error{}
	for _, feed := range feeds {
		if feed.URL == url && feed.ID != feedID {
			err = im.storage.DeleteFeed(feed.ID)
			if err != nil {
				errs = append(errs, fmt.Errorf("deleting superseded feed %s: %w", feed.ID, err))
			}
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	im.logger.Info().
		Str("url", url).
		Str("feed_id", feedID).
		Str("calendar_start", metadata.CalendarStartDate.String()).
		Str("calendar_end", metadata.CalendarEndDate.String()).
		Msg("imported feed")

	return metadata, nil
}

// Removes a feed and all its data.
func (im *Importer) Delete(feedID string) error {
	err := im.storage.DeleteFeed(feedID)
	if err != nil {
		return fmt.Errorf("deleting feed %s: %w", feedID, err)
	}
	return nil
}

// Feed IDs combine the data hash with the URL, so identical data
// published at two URLs is stored twice rather than shared.
func makeFeedID(url string, hash string) string {
	urlHash := fmt.Sprintf("%x", sha256.Sum256([]byte(url)))
	return hash[:16] + urlHash[:8]
}

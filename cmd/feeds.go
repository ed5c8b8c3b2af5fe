package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"transitboard.dev/gtfs"
)

var importCmd = &cobra.Command{
	Use:   "import <url|path>",
	Short: "Imports a static GTFS feed",
	Args:  cobra.ExactArgs(1),
	RunE:  importFeed,
}

var deleteFeedCmd = &cobra.Command{
	Use:   "delete-feed <feed_id>",
	Short: "Deletes an imported static feed",
	Args:  cobra.ExactArgs(1),
	RunE:  deleteFeed,
}

var feedsCmd = &cobra.Command{
	Use:   "feeds",
	Short: "Lists imported static feeds and realtime sources",
	Args:  cobra.NoArgs,
	RunE:  listFeeds,
}

func importFeed(cmd *cobra.Command, args []string) error {
	s, err := openStorage()
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer s.Close()

	importer := gtfs.NewImporter(s, logger)
	importer.Timeout = cfg.Static.Timeout
	importer.MaxSize = cfg.Static.MaxSize

	source := args[0]
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		h, err := parseHeaders(headerFlags)
		if err != nil {
			return fmt.Errorf("invalid header: %w", err)
		}
		feed, err := importer.ImportURL(cmd.Context(), source, h)
		if err != nil {
			return err
		}
		fmt.Println(feed.ID)
		return nil
	}

	path, err := filepath.Abs(source)
	if err != nil {
		return err
	}
	body, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading feed: %w", err)
	}
	feed, err := importer.Import("file://"+path, body)
	if err != nil {
		return err
	}
	fmt.Println(feed.ID)

	return nil
}

func deleteFeed(cmd *cobra.Command, args []string) error {
	s, err := openStorage()
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer s.Close()

	return gtfs.NewImporter(s, logger).Delete(args[0])
}

func listFeeds(cmd *cobra.Command, args []string) error {
	s, err := openStorage()
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer s.Close()

	feeds, err := s.ListFeeds()
	if err != nil {
		return err
	}
	for _, feed := range feeds {
		fmt.Printf(
			"%s %s %s..%s (%s)\n",
			feed.ID,
			feed.URL,
			feed.CalendarStartDate,
			feed.CalendarEndDate,
			feed.Timezone,
		)
	}

	realtimeFeeds, err := s.ListRealtimeFeeds()
	if err != nil {
		return err
	}
	for _, feed := range realtimeFeeds {
		fmt.Printf("realtime %s %s\n", feed.Region, feed.URL)
	}

	return nil
}

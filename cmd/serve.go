package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/spf13/cobra"

	"transitboard.dev/gtfs"
	"transitboard.dev/gtfs/api"
	"transitboard.dev/gtfs/storage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Refreshes realtime feeds and serves departure boards over HTTP",
	Args:  cobra.NoArgs,
	RunE:  serve,
}

func serve(cmd *cobra.Command, args []string) error {
	s, err := openStorage()
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer s.Close()

	importer := gtfs.NewImporter(s, logger)
	importer.Timeout = cfg.Static.Timeout
	importer.MaxSize = cfg.Static.MaxSize
	for _, feed := range cfg.Static.Feeds {
		_, err := importer.ImportURL(cmd.Context(), feed.URL, feed.Headers)
		if err != nil {
			return fmt.Errorf("importing %s: %w", feed.URL, err)
		}
	}

	for _, feed := range cfg.Realtime.Feeds {
		err := s.WriteRealtimeFeed(storage.RealtimeFeed{
			Region:  feed.Region,
			URL:     feed.URL,
			Headers: feed.Headers,
		})
		if err != nil {
			return fmt.Errorf("registering realtime feed %s: %w", feed.Region, err)
		}
	}

	dl, closeDownloader, err := realtimeDownloader()
	if err != nil {
		return fmt.Errorf("creating downloader: %w", err)
	}
	defer closeDownloader()

	coordinator := gtfs.NewRefreshCoordinator()

	refresher := gtfs.NewRefresher(s, coordinator, logger)
	refresher.Interval = cfg.Realtime.Interval
	refresher.Timeout = cfg.Realtime.Timeout
	refresher.MaxSize = cfg.Realtime.MaxSize
	refresher.ConfigBackoff = cfg.Realtime.ConfigBackoff
	refresher.CacheTTL = cfg.Realtime.CacheTTL
	refresher.Downloader = dl

	board := gtfs.NewBoard(gtfs.NewSchedule(s), coordinator)
	board.PaddingMargin = cfg.Departures.PaddingMargin

	server := api.NewServer(board, coordinator, logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	listenErr := make(chan error, 1)
	var wg conc.WaitGroup
	wg.Go(func() {
		refresher.Run(ctx)
	})
	wg.Go(func() {
		listenErr <- server.Listen(cfg.Server.Addr)
	})

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutting down")
	case err = <-listenErr:
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
		logger.Error().Err(shutdownErr).Msg("shutting down server")
	}
	wg.Wait()

	return err
}

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"transitboard.dev/gtfs"
)

var departuresCmd = &cobra.Command{
	Use:   "departures <stop_code>",
	Short: "Lists departures from a stop",
	Args:  cobra.ExactArgs(1),
	RunE:  departures,
}

var (
	rangeStart int
	rangeEnd   int
	realtime   bool
)

func init() {
	departuresCmd.Flags().IntVarP(&rangeStart, "start", "s", gtfs.DefaultRangeStartMinutes, "Minutes before now to include")
	departuresCmd.Flags().IntVarP(&rangeEnd, "end", "e", gtfs.DefaultRangeEndMinutes, "Minutes after now to include")
	departuresCmd.Flags().BoolVarP(&realtime, "realtime", "r", false, "Fetch configured realtime feeds once before listing")
}

func departures(cmd *cobra.Command, args []string) error {
	s, err := openStorage()
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer s.Close()

	coordinator := gtfs.NewRefreshCoordinator()

	if realtime {
		dl, closeDownloader, err := realtimeDownloader()
		if err != nil {
			return fmt.Errorf("creating downloader: %w", err)
		}
		defer closeDownloader()

		refresher := gtfs.NewRefresher(s, coordinator, logger)
		refresher.Timeout = cfg.Realtime.Timeout
		refresher.MaxSize = cfg.Realtime.MaxSize
		refresher.Downloader = dl

		// Partial realtime is better than none
		if err := refresher.RefreshOnce(cmd.Context()); err != nil {
			logger.Warn().Err(err).Msg("refreshing realtime feeds")
		}
	}

	board := gtfs.NewBoard(gtfs.NewSchedule(s), coordinator)
	board.PaddingMargin = cfg.Departures.PaddingMargin

	result, err := board.Departures(args[0], rangeStart, rangeEnd)
	if err != nil {
		return err
	}

	for _, trip := range result.Trips {
		when := trip.Base.DepartureTime
		status := "scheduled"
		if trip.Realtime != nil {
			when = trip.Realtime.DepartureTime
			if trip.Realtime.Delay != nil {
				status = fmt.Sprintf("%+ds", *trip.Realtime.Delay)
			}
			if trip.Realtime.ScheduleRelationship != nil {
				status += " " + trip.Realtime.ScheduleRelationship.String()
			}
		}
		fmt.Printf(
			"%s %s %s (%s)\n",
			when.Format("15:04"),
			trip.Base.RouteShortName,
			trip.Base.TripHeadsign,
			status,
		)
	}

	return nil
}

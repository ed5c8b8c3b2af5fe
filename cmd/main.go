package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"transitboard.dev/gtfs/config"
	"transitboard.dev/gtfs/downloader"
	"transitboard.dev/gtfs/storage"
)

var rootCmd = &cobra.Command{
	Use:               "transitboard",
	Short:             "Realtime departure boards",
	Long:              "Imports GTFS feeds and serves departure boards corrected by GTFS Realtime",
	SilenceUsage:      true,
	PersistentPreRunE: setup,
}

var (
	configPath  string
	headerFlags []string

	cfg    *config.Config
	logger zerolog.Logger
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to YAML config file")
	rootCmd.PersistentFlags().StringSliceVarP(
		&headerFlags,
		"header",
		"",
		[]string{},
		"HTTP header for downloads, on form <key>:<value>",
	)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(deleteFeedCmd)
	rootCmd.AddCommand(feedsCmd)
	rootCmd.AddCommand(departuresCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func setup(cmd *cobra.Command, args []string) error {
	var err error
	if configPath == "" {
		cfg = config.Default()
	} else {
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
	}

	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Log.Pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	logger = log.Logger

	return nil
}

func openStorage() (storage.Storage, error) {
	switch cfg.Database.Driver {
	case "postgres":
		return storage.NewPSQLStorage(cfg.Database.DSN, false)
	case "sqlite":
		return storage.NewSQLiteStorage(storage.SQLiteConfig{
			OnDisk:    cfg.Database.DSN != "",
			Directory: cfg.Database.DSN,
		})
	}
	return nil, fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
}

// Realtime downloads go through Redis when configured, so that
// instances share fetched feeds.
func realtimeDownloader() (downloader.Downloader, func(), error) {
	if cfg.Realtime.RedisAddr == "" {
		return downloader.NewMemoryDownloader(), func() {}, nil
	}

	d, err := downloader.NewRedisDownloader(cfg.Realtime.RedisAddr, logger)
	if err != nil {
		return nil, nil, err
	}
	return d, func() { d.Close() }, nil
}

func parseHeaders(headers []string) (map[string]string, error) {
	parsed := map[string]string{}
	for _, header := range headers {
		parts := strings.SplitN(header, ":", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("'%s' is not on form <key>:<value>", header)
		}
		parsed[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
	}
	return parsed, nil
}

package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"transitboard.dev/gtfs"
	"transitboard.dev/gtfs/config"
)

func TestParseFull(t *testing.T) {
	cfg, err := config.Parse([]byte(`
server:
  addr: 127.0.0.1:9000
database:
  driver: postgres
  dsn: postgres://localhost/gtfs?sslmode=disable
static:
  timeout: 2m
  max_size: 1000
  feeds:
    - url: https://example.com/static.zip
      headers:
        authorization: Bearer abc
realtime:
  interval: 15s
  timeout: 10s
  max_size: 1048576
  config_backoff: 2s
  cache_ttl: 5s
  redis_addr: localhost:6379
  feeds:
    - region: nyc
      url: https://example.com/nyc.pb
      headers:
        x-api-key: sekrit
    - region: sf
      url: https://example.com/sf.pb
departures:
  padding_margin: 45m
log:
  level: debug
  pretty: true
`))
	require.NoError(t, err)

	assert.Equal(t, &config.Config{
		Server: config.Server{Addr: "127.0.0.1:9000"},
		Database: config.Database{
			Driver: "postgres",
			DSN:    "postgres://localhost/gtfs?sslmode=disable",
		},
		Static: config.Static{
			Timeout: 2 * time.Minute,
			MaxSize: 1000,
			Feeds: []config.StaticFeed{{
				URL:     "https://example.com/static.zip",
				Headers: map[string]string{"authorization": "Bearer abc"},
			}},
		},
		Realtime: config.Realtime{
			Interval:      15 * time.Second,
			Timeout:       10 * time.Second,
			MaxSize:       1 << 20,
			ConfigBackoff: 2 * time.Second,
			CacheTTL:      5 * time.Second,
			RedisAddr:     "localhost:6379",
			Feeds: []config.Feed{
				{
					Region:  "nyc",
					URL:     "https://example.com/nyc.pb",
					Headers: map[string]string{"x-api-key": "sekrit"},
				},
				{
					Region: "sf",
					URL:    "https://example.com/sf.pb",
				},
			},
		},
		Departures: config.Departures{PaddingMargin: 45 * time.Minute},
		Log:        config.Log{Level: "debug", Pretty: true},
	}, cfg)
}

func TestParseDefaults(t *testing.T) {
	cfg, err := config.Parse([]byte(""))
	require.NoError(t, err)
	assert.Equal(t, config.Default(), cfg)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "", cfg.Database.DSN)
	assert.Equal(t, gtfs.DefaultStaticTimeout, cfg.Static.Timeout)
	assert.Equal(t, gtfs.DefaultRefreshInterval, cfg.Realtime.Interval)
	assert.Equal(t, gtfs.DefaultPaddingMargin, cfg.Departures.PaddingMargin)
	assert.Equal(t, "info", cfg.Log.Level)

	// Partial sections keep the remaining defaults
	cfg, err = config.Parse([]byte("realtime:\n  interval: 1m\n"))
	require.NoError(t, err)
	assert.Equal(t, time.Minute, cfg.Realtime.Interval)
	assert.Equal(t, gtfs.DefaultRealtimeTimeout, cfg.Realtime.Timeout)
}

func TestParseInvalid(t *testing.T) {
	for _, tc := range []struct {
		name  string
		yaml  string
		field string
	}{
		{"unknown driver", "database:\n  driver: mysql\n", "Driver"},
		{"postgres without dsn", "database:\n  driver: postgres\n", "DSN"},
		{"empty addr", "server:\n  addr: \"\"\n", "Addr"},
		{"zero interval", "realtime:\n  interval: 0s\n", "Interval"},
		{"negative padding", "departures:\n  padding_margin: -5m\n", "PaddingMargin"},
		{"bad level", "log:\n  level: loud\n", "Level"},
		{"bad redis addr", "realtime:\n  redis_addr: nope\n", "RedisAddr"},
		{"feed without url", "realtime:\n  feeds:\n    - region: nyc\n", "URL"},
		{"static feed bad url", "static:\n  feeds:\n    - url: not a url\n", "URL"},
		{"feed without region", "realtime:\n  feeds:\n    - url: https://example.com/a\n", "Region"},
		{
			"duplicate region",
			"realtime:\n  feeds:\n    - region: nyc\n      url: https://example.com/a\n    - region: nyc\n      url: https://example.com/b\n",
			"Feeds",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := config.Parse([]byte(tc.yaml))
			require.Error(t, err)

			var verrs validator.ValidationErrors
			require.ErrorAs(t, err, &verrs)
			require.Len(t, verrs, 1)
			assert.Equal(t, tc.field, verrs[0].Field())
		})
	}
}

func TestParseMalformed(t *testing.T) {
	_, err := config.Parse([]byte("server: [unclosed"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing config")

	_, err = config.Parse([]byte("realtime:\n  interval: soon\n"))
	require.Error(t, err)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  addr: :9999\n"), 0644))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.Server.Addr)

	_, err = config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading config")
}

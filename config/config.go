package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"transitboard.dev/gtfs"
)

type Config struct {
	Server     Server     `yaml:"server"`
	Database   Database   `yaml:"database"`
	Static     Static     `yaml:"static"`
	Realtime   Realtime   `yaml:"realtime"`
	Departures Departures `yaml:"departures"`
	Log        Log        `yaml:"log"`
}

type Server struct {
	Addr string `yaml:"addr" validate:"required"`
}

// For sqlite, DSN is the directory holding the database files, or
// empty to keep everything in memory. For postgres it's a connection
// string.
type Database struct {
	Driver string `yaml:"driver" validate:"required,oneof=sqlite postgres"`
	DSN    string `yaml:"dsn" validate:"required_if=Driver postgres"`
}

// Static feeds imported at start-up. Re-importing unchanged data is a
// no-op.
type Static struct {
	Timeout time.Duration `yaml:"timeout" validate:"gt=0"`
	MaxSize int           `yaml:"max_size" validate:"gt=0"`
	Feeds   []StaticFeed  `yaml:"feeds" validate:"unique=URL,dive"`
}

type StaticFeed struct {
	URL     string            `yaml:"url" validate:"required,url"`
	Headers map[string]string `yaml:"headers"`
}

type Realtime struct {
	Interval      time.Duration `yaml:"interval" validate:"gt=0"`
	Timeout       time.Duration `yaml:"timeout" validate:"gt=0"`
	MaxSize       int           `yaml:"max_size" validate:"gt=0"`
	ConfigBackoff time.Duration `yaml:"config_backoff" validate:"gt=0"`
	CacheTTL      time.Duration `yaml:"cache_ttl" validate:"gte=0"`

	// Shares the download cache through Redis when set.
	RedisAddr string `yaml:"redis_addr" validate:"omitempty,hostname_port"`

	Feeds []Feed `yaml:"feeds" validate:"unique=Region,dive"`
}

type Feed struct {
	Region  string            `yaml:"region" validate:"required"`
	URL     string            `yaml:"url" validate:"required,url"`
	Headers map[string]string `yaml:"headers"`
}

type Departures struct {
	PaddingMargin time.Duration `yaml:"padding_margin" validate:"gte=0"`
}

type Log struct {
	Level  string `yaml:"level" validate:"oneof=trace debug info warn error"`
	Pretty bool   `yaml:"pretty"`
}

func Default() *Config {
	return &Config{
		Server: Server{Addr: ":8080"},
		Database: Database{
			Driver: "sqlite",
		},
		Static: Static{
			Timeout: gtfs.DefaultStaticTimeout,
			MaxSize: gtfs.DefaultStaticMaxSize,
		},
		Realtime: Realtime{
			Interval:      gtfs.DefaultRefreshInterval,
			Timeout:       gtfs.DefaultRealtimeTimeout,
			MaxSize:       gtfs.DefaultRealtimeMaxSize,
			ConfigBackoff: gtfs.DefaultConfigBackoff,
		},
		Departures: Departures{
			PaddingMargin: gtfs.DefaultPaddingMargin,
		},
		Log: Log{Level: "info"},
	}
}

// Reads and validates the config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return Parse(data)
}

// Parses YAML on top of the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

package downloader

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const redisKeyPrefix = "gtfs:download:"

// Caches downloaded files in Redis, so that several processes
// polling the same feeds share one upstream request per TTL.
type RedisDownloader struct {
	client *redis.Client
	logger zerolog.Logger

	Fetch func(ctx context.Context, url string, headers map[string]string, options GetOptions) ([]byte, error)
}

func NewRedisDownloader(addr string, logger zerolog.Logger) (*RedisDownloader, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return &RedisDownloader{
		client: client,
		logger: logger.With().Str("component", "redis_downloader").Logger(),
		Fetch:  HTTPGet,
	}, nil
}

func (d *RedisDownloader) Close() error {
	return d.client.Close()
}

func (d *RedisDownloader) Get(
	ctx context.Context,
	url string,
	headers map[string]string,
	options GetOptions,
) ([]byte, error) {
	key := redisKeyPrefix + cacheKey(url, headers)

	if options.Cache {
		body, err := d.client.Get(ctx, key).Bytes()
		switch {
		case err == nil:
			d.logger.Debug().Str("url", url).Int("size_bytes", len(body)).Msg("cache hit")
			return body, nil
		case errors.Is(err, redis.Nil):
			d.logger.Debug().Str("url", url).Msg("cache miss")
		default:
			// A broken cache shouldn't stop the download.
			d.logger.Warn().Err(err).Str("url", url).Msg("cache get failed")
		}
	}

	body, err := d.Fetch(ctx, url, headers, options)
	if err != nil {
		return nil, err
	}

	if options.Cache && options.CacheTTL > 0 {
		err = d.client.Set(ctx, key, body, options.CacheTTL).Err()
		if err != nil {
			d.logger.Warn().Err(err).Str("url", url).Msg("cache set failed")
		}
	}

	return body, nil
}

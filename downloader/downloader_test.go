package downloader

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Serves body, counting requests. Requires the X-Api-Key header
// when key is set.
func countingServer(t *testing.T, body string, key string) (*httptest.Server, *int32) {
	var count int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&count, 1)
		if key != "" && r.Header.Get("X-Api-Key") != key {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(body))
	}))
	t.Cleanup(server.Close)
	return server, &count
}

func TestHTTPGet(t *testing.T) {
	server, count := countingServer(t, "hello", "secret")

	body, err := HTTPGet(context.Background(), server.URL, map[string]string{"X-Api-Key": "secret"}, GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "hello", string(body))

	_, err = HTTPGet(context.Background(), server.URL, nil, GetOptions{})
	assert.Error(t, err)

	assert.Equal(t, int32(2), atomic.LoadInt32(count))
}

func TestHTTPGetMaxSize(t *testing.T) {
	server, _ := countingServer(t, "0123456789", "")

	body, err := HTTPGet(context.Background(), server.URL, nil, GetOptions{MaxSize: 10})
	require.NoError(t, err)
	assert.Equal(t, "0123456789", string(body))

	_, err = HTTPGet(context.Background(), server.URL, nil, GetOptions{MaxSize: 9})
	assert.Error(t, err)
}

func TestHTTPGetCancelled(t *testing.T) {
	server, _ := countingServer(t, "hello", "")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := HTTPGet(ctx, server.URL, nil, GetOptions{})
	assert.Error(t, err)
}

func TestCacheKey(t *testing.T) {
	a := cacheKey("http://x", map[string]string{"k": "1"})
	assert.Equal(t, a, cacheKey("http://x", map[string]string{"k": "1"}))
	assert.NotEqual(t, a, cacheKey("http://x", map[string]string{"k": "2"}))
	assert.NotEqual(t, a, cacheKey("http://y", map[string]string{"k": "1"}))
	assert.NotEqual(t, cacheKey("http://x", nil), a)
}

func TestMemoryDownloader(t *testing.T) {
	server, count := countingServer(t, "hello", "")

	now := time.Unix(1700000000, 0)
	d := NewMemoryDownloader()
	d.TimeNow = func() time.Time { return now }

	opts := GetOptions{Cache: true, CacheTTL: 10 * time.Second}

	body, err := d.Get(context.Background(), server.URL, nil, opts)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(body))
	assert.Equal(t, int32(1), atomic.LoadInt32(count))

	// Cached
	now = now.Add(9 * time.Second)
	body, err = d.Get(context.Background(), server.URL, nil, opts)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(body))
	assert.Equal(t, int32(1), atomic.LoadInt32(count))

	// Different headers miss the cache
	_, err = d.Get(context.Background(), server.URL, map[string]string{"X-Other": "1"}, opts)
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(count))

	// Expired
	now = now.Add(2 * time.Second)
	_, err = d.Get(context.Background(), server.URL, nil, opts)
	require.NoError(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(count))

	// Caching disabled
	_, err = d.Get(context.Background(), server.URL, nil, GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, int32(4), atomic.LoadInt32(count))
}

func TestRedisDownloader(t *testing.T) {
	mr := miniredis.RunT(t)
	server, count := countingServer(t, "hello", "")

	d, err := NewRedisDownloader(mr.Addr(), zerolog.Nop())
	require.NoError(t, err)
	defer d.Close()

	opts := GetOptions{Cache: true, CacheTTL: 30 * time.Second}

	body, err := d.Get(context.Background(), server.URL, nil, opts)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(body))
	assert.Equal(t, int32(1), atomic.LoadInt32(count))

	body, err = d.Get(context.Background(), server.URL, nil, opts)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(body))
	assert.Equal(t, int32(1), atomic.LoadInt32(count))

	key := redisKeyPrefix + cacheKey(server.URL, nil)
	assert.True(t, mr.Exists(key))
	assert.Equal(t, 30*time.Second, mr.TTL(key))

	// miniredis only expires keys when told time has passed
	mr.FastForward(31 * time.Second)
	_, err = d.Get(context.Background(), server.URL, nil, opts)
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(count))
}

func TestRedisDownloaderUnavailable(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	server, count := countingServer(t, "hello", "")

	d, err := NewRedisDownloader(mr.Addr(), zerolog.Nop())
	require.NoError(t, err)
	defer d.Close()

	// Downloads still succeed with the cache gone
	mr.Close()
	body, err := d.Get(context.Background(), server.URL, nil, GetOptions{Cache: true, CacheTTL: time.Minute})
	require.NoError(t, err)
	assert.Equal(t, "hello", string(body))
	assert.Equal(t, int32(1), atomic.LoadInt32(count))

	_, err = NewRedisDownloader(mr.Addr(), zerolog.Nop())
	assert.Error(t, err)
}

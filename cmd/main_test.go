package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"transitboard.dev/gtfs/config"
	"transitboard.dev/gtfs/storage"
)

func TestParseHeaders(t *testing.T) {
	parsed, err := parseHeaders([]string{"x-api-key: sekrit", "Authorization:Bearer a:b"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"x-api-key":     "sekrit",
		"Authorization": "Bearer a:b",
	}, parsed)

	parsed, err = parseHeaders(nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{}, parsed)

	_, err = parseHeaders([]string{"no-colon"})
	assert.Error(t, err)
}

func TestOpenStorage(t *testing.T) {
	cfg = config.Default()
	defer func() { cfg = nil }()

	s, err := openStorage()
	require.NoError(t, err)
	defer s.Close()
	assert.IsType(t, &storage.SQLiteStorage{}, s)

	cfg.Database.Driver = "mysql"
	_, err = openStorage()
	assert.Error(t, err)
}

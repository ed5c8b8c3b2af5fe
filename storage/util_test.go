package storage

import (
	"testing"

	"cloud.google.com/go/civil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderSerialization(t *testing.T) {
	for _, headers := range []map[string]string{
		{},
		{"Authorization": "Bearer abc"},
		{"b": "2", "a": "1", "weird key": "x=y&z=%"},
	} {
		serialized := SerializeHeaders(headers)
		deserialized, err := DeserializeHeaders(serialized)
		require.NoError(t, err)
		assert.Equal(t, headers, deserialized)
	}

	// Keys are sorted
	assert.Equal(t, "a=1&b=2", SerializeHeaders(map[string]string{"b": "2", "a": "1"}))

	_, err := DeserializeHeaders("no-equals-sign")
	assert.Error(t, err)
}

func TestDateFormatting(t *testing.T) {
	d := civil.Date{Year: 2024, Month: 3, Day: 7}
	assert.Equal(t, "20240307", formatDate(d))

	parsed, err := parseDate("20240307")
	require.NoError(t, err)
	assert.Equal(t, d, parsed)

	_, err = parseDate("2024-03-07")
	assert.Error(t, err)

	assert.Equal(t, "thursday", weekdayColumn(d))
}

func TestZeroDate(t *testing.T) {
	assert.Equal(t, "", formatDate(civil.Date{}))

	parsed, err := parseDate("")
	require.NoError(t, err)
	assert.Equal(t, civil.Date{}, parsed)
}

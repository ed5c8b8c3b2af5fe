package storage

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"cloud.google.com/go/civil"
)

// Dates are stored as YYYYMMDD text, which sorts chronologically.
// The zero Date is stored as an empty string.
func formatDate(d civil.Date) string {
	if d == (civil.Date{}) {
		return ""
	}
	return fmt.Sprintf("%04d%02d%02d", d.Year, int(d.Month), d.Day)
}

func parseDate(s string) (civil.Date, error) {
	if s == "" {
		return civil.Date{}, nil
	}
	t, err := time.Parse("20060102", s)
	if err != nil {
		return civil.Date{}, fmt.Errorf("invalid date '%s': %w", s, err)
	}
	return civil.DateOf(t), nil
}

func weekdayColumn(d civil.Date) string {
	return strings.ToLower(d.In(time.UTC).Weekday().String())
}

func weekdayFlags(weekday int8) [7]int {
	flags := [7]int{}
	for i, day := range []time.Weekday{
		time.Monday,
		time.Tuesday,
		time.Wednesday,
		time.Thursday,
		time.Friday,
		time.Saturday,
		time.Sunday,
	} {
		if weekday&(1<<uint(day)) != 0 {
			flags[i] = 1
		}
	}
	return flags
}

// Headers are persisted as a query string, keys sorted.
func SerializeHeaders(headers map[string]string) string {
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, fmt.Sprintf("%s=%s", url.QueryEscape(k), url.QueryEscape(headers[k])))
	}
	return strings.Join(pairs, "&")
}

func DeserializeHeaders(serialized string) (map[string]string, error) {
	headers := map[string]string{}
	if serialized == "" {
		return headers, nil
	}

	for _, pair := range strings.Split(serialized, "&") {
		parts := strings.Split(pair, "=")
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid header: %s", pair)
		}
		key, err := url.QueryUnescape(parts[0])
		if err != nil {
			return nil, fmt.Errorf("invalid header: %s", pair)
		}
		headers[key], err = url.QueryUnescape(parts[1])
		if err != nil {
			return nil, fmt.Errorf("invalid header: %s", pair)
		}
	}
	return headers, nil
}

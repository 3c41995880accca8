package server

import (
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
)

var (
	errInvalidID   = errors.New("invalid_snowflake_id")
	errInvalidTime = errors.New("invalid_time")
)

// timeBound picks which end of a bare date a range filter means.
type timeBound int

const (
	startOfDay timeBound = iota
	endOfDay
)

// parseOptionalSnowflakeID returns nil for a blank value. Zero is never a
// valid id.
func parseOptionalSnowflakeID(value string) (*snowflake.ID, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	id, err := snowflake.ParseString(value)
	if err != nil || id == 0 {
		return nil, errInvalidID
	}
	return &id, nil
}

// parseTimeBound accepts RFC 3339 timestamps or UTC dates. A date expands to
// the first or last instant of that day.
func parseTimeBound(value string, bound timeBound) (*time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	if ts, err := time.Parse(time.RFC3339, value); err == nil {
		ts = ts.UTC()
		return &ts, nil
	}
	day, err := time.ParseInLocation(time.DateOnly, value, time.UTC)
	if err != nil {
		return nil, errInvalidTime
	}
	if bound == endOfDay {
		day = day.AddDate(0, 0, 1).Add(-time.Nanosecond)
	}
	return &day, nil
}

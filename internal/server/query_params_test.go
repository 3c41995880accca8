package server

import (
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOptionalSnowflakeID(t *testing.T) {
	id, err := parseOptionalSnowflakeID(" 42 ")
	require.NoError(t, err)
	assert.Equal(t, snowflake.ID(42), *id)

	id, err = parseOptionalSnowflakeID("")
	require.NoError(t, err)
	assert.Nil(t, id)

	for _, bad := range []string{"0", "abc", "-"} {
		_, err = parseOptionalSnowflakeID(bad)
		assert.ErrorIs(t, err, errInvalidID, bad)
	}
}

func TestParseTimeBound(t *testing.T) {
	start, err := parseTimeBound("2026-03-01", startOfDay)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), *start)

	end, err := parseTimeBound("2026-02-28", endOfDay)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 28, 23, 59, 59, int(time.Second-time.Nanosecond), time.UTC), *end)

	ts, err := parseTimeBound("2026-03-01T10:00:00+07:00", endOfDay)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 3, 0, 0, 0, time.UTC), *ts)

	_, err = parseTimeBound("03/01/2026", startOfDay)
	assert.ErrorIs(t, err, errInvalidTime)
}

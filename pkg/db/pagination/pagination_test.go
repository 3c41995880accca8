package pagination

import (
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type row struct {
	id snowflake.ID
	at time.Time
}

func rowKey(r *row) Keyset { return Keyset{ID: r.id, At: r.at} }

func TestKeysetRoundTrip(t *testing.T) {
	at := time.Date(2026, 3, 12, 12, 0, 0, 123, time.UTC)
	token, err := EncodeKeyset(Keyset{ID: 42, At: at})
	require.NoError(t, err)

	k, err := DecodeKeyset(token)
	require.NoError(t, err)
	assert.Equal(t, snowflake.ID(42), k.ID)
	assert.True(t, k.At.Equal(at))
}

func TestDecodeKeysetRejectsGarbage(t *testing.T) {
	k, err := DecodeKeyset("  ")
	require.NoError(t, err)
	assert.Nil(t, k)

	for _, token := range []string{"%%%", "bm90LWpzb24", "eyJpZCI6IjAiLCJjcmVhdGVkX2F0IjoiMjAyNi0wMS0wMVQwMDowMDowMFoifQ"} {
		_, err = DecodeKeyset(token)
		assert.ErrorIs(t, err, ErrInvalidToken, token)
	}
}

func TestPage(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rows := []*row{{3, base.Add(3 * time.Hour)}, {2, base.Add(2 * time.Hour)}, {1, base.Add(time.Hour)}}

	items, info := Page(rows, 2, rowKey)
	require.Len(t, items, 2)
	assert.True(t, info.HasMore)
	next, err := DecodeKeyset(info.NextPageToken)
	require.NoError(t, err)
	assert.Equal(t, snowflake.ID(2), next.ID)

	items, info = Page(rows[2:], 2, rowKey)
	assert.Len(t, items, 1)
	assert.False(t, info.HasMore)
	assert.Empty(t, info.NextPageToken)
}

func TestLimit(t *testing.T) {
	assert.Equal(t, 20, Pagination{}.Limit(20))
	assert.Equal(t, 7, Pagination{PageSize: 7}.Limit(20))
	assert.Equal(t, MaxPageSize, Pagination{PageSize: 1000}.Limit(20))
}

// Package pagination implements opaque keyset page tokens over
// (timestamp, snowflake id) ordered listings.
package pagination

import (
	"encoding/base64"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/goccy/go-json"
)

const MaxPageSize = 250

var ErrInvalidToken = errors.New("invalid page token")

type Pagination struct {
	PageToken string `form:"page_token"`
	PageSize  int    `form:"page_size,default=20" validate:"gte=1,lte=250"`
}

// Limit clamps PageSize to [1, MaxPageSize], substituting def when unset.
func (p Pagination) Limit(def int) int {
	switch {
	case p.PageSize <= 0:
		return def
	case p.PageSize > MaxPageSize:
		return MaxPageSize
	default:
		return p.PageSize
	}
}

type PageInfo struct {
	NextPageToken string `json:"next_page_token,omitempty"`
	HasMore       bool   `json:"has_more"`
}

// Keyset is the position after the last row of a page. Listings order by
// At desc, ID desc.
type Keyset struct {
	ID snowflake.ID
	At time.Time
}

type wireCursor struct {
	ID        string `json:"id,omitempty"`
	CreatedAt string `json:"created_at,omitempty"`
}

func EncodeKeyset(k Keyset) (string, error) {
	b, err := json.Marshal(wireCursor{ID: k.ID.String(), CreatedAt: k.At.UTC().Format(time.RFC3339Nano)})
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// DecodeKeyset returns nil for a blank token.
func DecodeKeyset(token string) (*Keyset, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, nil
	}
	b, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, ErrInvalidToken
	}
	var wire wireCursor
	if err := json.Unmarshal(b, &wire); err != nil {
		return nil, ErrInvalidToken
	}
	at, err := time.Parse(time.RFC3339Nano, wire.CreatedAt)
	if err != nil {
		return nil, ErrInvalidToken
	}
	id, err := snowflake.ParseString(strings.TrimSpace(wire.ID))
	if err != nil || id == 0 {
		return nil, ErrInvalidToken
	}
	return &Keyset{ID: id, At: at}, nil
}

// Page turns rows fetched with limit+1 into at most limit values. The extra
// row only signals that another page exists.
func Page[T any](rows []*T, limit int, key func(*T) Keyset) ([]T, PageInfo) {
	var info PageInfo
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
		info.HasMore = true
	}

	out := make([]T, 0, len(rows))
	for _, row := range rows {
		if row != nil {
			out = append(out, *row)
		}
	}
	if info.HasMore && len(rows) > 0 {
		// An unencodable cursor ends paging rather than failing the page.
		if token, err := EncodeKeyset(key(rows[len(rows)-1])); err == nil {
			info.NextPageToken = token
		}
	}
	return out, info
}

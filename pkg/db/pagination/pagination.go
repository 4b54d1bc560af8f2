// Package pagination implements opaque cursor paging for list endpoints.
// Cursors encode the created_at/id position of the last row served, so pages
// stay stable while new rows are ingested.
package pagination

import (
	"encoding/base64"
	"encoding/json"
)

// Pagination is embedded in list requests.
type Pagination struct {
	PageToken string `form:"page_token"`
	PageSize  int    `form:"page_size,default=10" validate:"gte=1,lte=250"`
}

// Cursor marks a position in a created_at-descending listing. The id breaks
// ties between rows created in the same instant.
type Cursor struct {
	ID        string `json:"id,omitempty"`
	CreatedAt string `json:"created_at,omitempty"`
}

// PageInfo is embedded in list responses.
type PageInfo struct {
	NextPageToken string `json:"next_page_token"`
	HasMore       bool   `json:"has_more"`
}

func EncodeCursor(cursor Cursor) (string, error) {
	b, err := json.Marshal(cursor)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

func DecodeCursor(token string) (*Cursor, error) {
	b, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return nil, err
	}
	var cursor Cursor
	if err := json.Unmarshal(b, &cursor); err != nil {
		return nil, err
	}
	return &cursor, nil
}

// BuildCursorPageInfo expects one row beyond the page size; the extra row
// signals another page and is trimmed before the cursor is extracted.
func BuildCursorPageInfo[T any](rows []*T, limit int32, extractCursor func(*T) string) *PageInfo {
	if len(rows) == 0 {
		return &PageInfo{}
	}

	hasMore := len(rows) > int(limit)
	if hasMore {
		rows = rows[:limit]
	}

	return &PageInfo{
		HasMore:       hasMore,
		NextPageToken: extractCursor(rows[len(rows)-1]),
	}
}

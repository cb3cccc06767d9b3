// Package pagination provides opaque keyset cursors for newest-first lists.
package pagination

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidCursor is returned for cursors this package did not produce.
var ErrInvalidCursor = errors.New("invalid cursor")

// Cursor is the (timestamp, id) key of the last item on a page. The next
// page holds items strictly older than it.
type Cursor struct {
	At time.Time
	ID string
}

// Encode returns an opaque cursor string.
func (c Cursor) Encode() string {
	raw := strconv.FormatInt(c.At.UnixNano(), 10) + "|" + c.ID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// Follows reports whether an item keyed (at, id) sorts after the cursor in
// newest-first order, i.e. belongs on a later page.
func (c Cursor) Follows(at time.Time, id string) bool {
	if !at.Equal(c.At) {
		return at.Before(c.At)
	}
	return id < c.ID
}

// Decode parses an opaque cursor string. Returns nil for empty input.
func Decode(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	nanos, id, ok := strings.Cut(string(raw), "|")
	if !ok || id == "" {
		return nil, ErrInvalidCursor
	}
	n, err := strconv.ParseInt(nanos, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: bad timestamp", ErrInvalidCursor)
	}
	return &Cursor{At: time.Unix(0, n).UTC(), ID: id}, nil
}

// Page is one slice of a newest-first list.
type Page[T any] struct {
	Items      []T    `json:"items"`
	NextCursor string `json:"nextCursor,omitempty"`
	HasMore    bool   `json:"hasMore"`
}

// Build trims items fetched with limit+1 and derives the next cursor from
// the last kept item.
func Build[T any](items []T, limit int, key func(T) (time.Time, string)) Page[T] {
	if len(items) <= limit {
		return Page[T]{Items: items}
	}
	items = items[:limit]
	at, id := key(items[len(items)-1])
	return Page[T]{
		Items:      items,
		NextCursor: Cursor{At: at, ID: id}.Encode(),
		HasMore:    true,
	}
}

// Package pagination implements newest-first keyset paging over
// (created_at, id) for the admin dispute queue.
package pagination

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"strconv"
	"time"
)

// ErrInvalidCursor is returned for cursors this package did not produce.
var ErrInvalidCursor = errors.New("pagination: invalid cursor")

// Cursor is the key of the last row a client has seen.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

type wireCursor struct {
	T int64  `json:"t"`
	I string `json:"i"`
}

// Encode returns the opaque token for the row (createdAt, id).
func Encode(createdAt time.Time, id string) string {
	raw, _ := json.Marshal(wireCursor{T: createdAt.UnixMicro(), I: id})
	return base64.RawURLEncoding.EncodeToString(raw)
}

// Decode parses a token from Encode. Empty input means the first page and
// yields a nil cursor.
func Decode(token string) (*Cursor, error) {
	if token == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	var w wireCursor
	if err := json.Unmarshal(raw, &w); err != nil || w.I == "" || w.T <= 0 {
		return nil, ErrInvalidCursor
	}
	return &Cursor{CreatedAt: time.UnixMicro(w.T).UTC(), ID: w.I}, nil
}

// Follows reports whether the row (createdAt, id) comes after the cursor in
// newest-first order. Ties on created_at are broken by descending id.
func (c Cursor) Follows(createdAt time.Time, id string) bool {
	at := createdAt.Truncate(time.Microsecond)
	if at.Equal(c.CreatedAt) {
		return id < c.ID
	}
	return at.Before(c.CreatedAt)
}

// ParseLimit reads a page size query value. Empty, malformed or out of range
// values fall back to def.
func ParseLimit(raw string, def, max int) int {
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 || n > max {
		return def
	}
	return n
}

// ComputePage trims rows fetched with limit+1 down to one page and returns the
// cursor of its last row when another page follows.
func ComputePage[T any](rows []T, limit int, key func(T) (time.Time, string)) (page []T, next string, hasMore bool) {
	if len(rows) <= limit {
		return rows, "", false
	}
	page = rows[:limit]
	at, id := key(page[len(page)-1])
	return page, Encode(at, id), true
}

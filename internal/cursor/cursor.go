// Package cursor implements the opaque feed-pagination cursor. This cursor
// space is independent of the firehose resume cursor.
package cursor

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Cursor marks a position in the feed: the page continues strictly after the
// item at (IndexedAt, URI) in (indexed_at DESC, uri DESC) order.
//
// The wire form is "unixMillis::uri". A bare timestamp would drop items that
// share a millisecond with the last one returned, so the tie-breaking URI is
// part of the encoding. Callers treat the string as opaque; the format must
// stay stable across releases because clients hold cursors between requests.
type Cursor struct {
	IndexedAt time.Time
	URI       string
}

// FromPost returns the cursor positioned at the given feed item.
func FromPost(indexedAt time.Time, uri string) Cursor {
	return Cursor{IndexedAt: indexedAt, URI: uri}
}

// Encode renders the cursor in its wire form.
func (c Cursor) Encode() string {
	return fmt.Sprintf("%d::%s", c.IndexedAt.UnixMilli(), c.URI)
}

// Parse decodes a wire-form cursor previously produced by Encode.
func Parse(s string) (Cursor, error) {
	parts := strings.SplitN(s, "::", 2)
	if len(parts) != 2 {
		return Cursor{}, fmt.Errorf("cursor must be in format 'timestamp::uri'")
	}
	millis, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return Cursor{}, fmt.Errorf("invalid timestamp in cursor: %w", err)
	}
	if parts[1] == "" {
		return Cursor{}, fmt.Errorf("cursor is missing the record uri")
	}
	return Cursor{IndexedAt: time.UnixMilli(millis).UTC(), URI: parts[1]}, nil
}

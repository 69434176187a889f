package cursor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	indexedAt := time.Date(2025, 6, 1, 12, 30, 0, 0, time.UTC)
	uri := "at://did:plc:abc/app.bsky.feed.post/3l3qo2vuowo2b"

	c := FromPost(indexedAt, uri)
	parsed, err := Parse(c.Encode())
	require.NoError(t, err)

	assert.Equal(t, indexedAt, parsed.IndexedAt)
	assert.Equal(t, uri, parsed.URI)
}

func TestEncodeIsStable(t *testing.T) {
	c := Cursor{IndexedAt: time.UnixMilli(1748780400000).UTC(), URI: "at://did:plc:abc/app.bsky.feed.post/xyz"}
	assert.Equal(t, "1748780400000::at://did:plc:abc/app.bsky.feed.post/xyz", c.Encode())
}

func TestParseRejectsMalformed(t *testing.T) {
	for _, raw := range []string{
		"",
		"justonepart",
		"notanumber::at://x",
		"1748780400000::",
	} {
		_, err := Parse(raw)
		assert.Error(t, err, "cursor %q", raw)
	}
}

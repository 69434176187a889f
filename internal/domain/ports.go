package domain

import (
	"context"
	"time"

	"github.com/blackmichael/following-feed/internal/cursor"
)

// PostRepository defines persistence operations for indexed posts.
type PostRepository interface {
	// UpsertPost inserts a post or, if a row with the same URI exists, updates
	// its mutable fields in place. The stored indexed_at of an existing row is
	// preserved. Replaying the same event any number of times is harmless.
	UpsertPost(ctx context.Context, post *Post) error

	// DeletePost removes a post by its AT-URI. Deleting a post that was never
	// indexed (or already evicted) is a no-op.
	DeletePost(ctx context.Context, uri string) error

	// QueryFeed returns posts authored by anyone followerDID follows, ordered
	// by (indexed_at DESC, uri DESC), positioned strictly after the cursor
	// when one is given. At most limit rows are returned.
	QueryFeed(ctx context.Context, followerDID string, before *cursor.Cursor, limit int) ([]Post, error)

	// EvictOlderThan deletes all posts indexed before the threshold and
	// returns the number of rows removed. Follow edges are never touched.
	EvictOlderThan(ctx context.Context, threshold time.Time) (int64, error)
}

// FollowRepository defines persistence operations for follow edges.
type FollowRepository interface {
	// UpsertFollow inserts a follow edge. A duplicate create, by record URI or
	// by (follower, target) pair, is ignored.
	UpsertFollow(ctx context.Context, follow *Follow) error

	// DeleteFollow removes a follow edge by its record URI. Unknown URIs are a
	// no-op.
	DeleteFollow(ctx context.Context, uri string) error

	// FollowTargets returns the DIDs followerDID currently follows.
	FollowTargets(ctx context.Context, followerDID string) ([]string, error)

	// PruneFollowsNotIn deletes stored edges for followerDID whose target is
	// not in currentTargets, returning the number removed. Used when re-syncing
	// a follow graph against the network.
	PruneFollowsNotIn(ctx context.Context, followerDID string, currentTargets []string) (int64, error)
}

// RequesterRepository tracks accounts that recently requested a feed.
type RequesterRepository interface {
	// TouchActiveRequester upserts the last-feed-request timestamp for a DID.
	TouchActiveRequester(ctx context.Context, did string) error

	// ActiveRequesters returns DIDs that requested a feed since the given time.
	ActiveRequesters(ctx context.Context, since time.Time) ([]string, error)

	// MarkFollowsSynced stamps the last follow-graph sync time for a DID.
	MarkFollowsSynced(ctx context.Context, did string) error
}

// CursorRepository defines persistence operations for firehose cursors.
type CursorRepository interface {
	// GetCursor retrieves the last-processed firehose cursor for the given
	// service name. Returns 0 if no cursor has been saved.
	GetCursor(ctx context.Context, service string) (int64, error)

	// UpdateCursor persists the firehose cursor so we can resume on restart.
	UpdateCursor(ctx context.Context, service string, cursor int64) error
}

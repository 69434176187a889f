package domain

import "time"

// Post represents an indexed BlueSky post stored in our database.
type Post struct {
	// URI is the AT-URI of the post (e.g. at://did:plc:abc/app.bsky.feed.post/3l3qo2vuowo2b).
	URI string

	// CID is the content identifier of the record.
	CID string

	// AuthorDID is the DID of the post's author.
	AuthorDID string

	// Text is the post body text.
	Text string

	// CreatedAt is the author-asserted creation time.
	CreatedAt time.Time

	// IndexedAt is when we first indexed this post. It is assigned on first
	// write and never changes on re-ingestion.
	IndexedAt time.Time
}

// Follow represents a follow edge "follower follows target".
type Follow struct {
	// URI is the AT-URI of the follow record.
	URI string

	// FollowerDID is the DID of the account that follows.
	FollowerDID string

	// TargetDID is the DID of the account being followed.
	TargetDID string

	// CreatedAt is the author-asserted creation time.
	CreatedAt time.Time

	// IndexedAt is when we indexed this edge.
	IndexedAt time.Time
}

// ActiveRequester is bookkeeping for accounts that recently requested a feed.
type ActiveRequester struct {
	DID             string
	LastFeedRequest time.Time

	// LastFollowSync is when this requester's follow graph was last re-synced
	// against the network. Zero if never.
	LastFollowSync time.Time
}

package domain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/blackmichael/following-feed/internal/cursor"
)

// ErrInvalidCursor is returned by Assemble when the pagination cursor cannot
// be decoded. It maps to a client error, not a server failure.
var ErrInvalidCursor = errors.New("invalid feed cursor")

// FeedService is the core domain service. It applies firehose events to the
// store, assembles feed skeletons for authenticated requesters, and runs the
// background eviction cycle.
type FeedService struct {
	posts      PostRepository
	follows    FollowRepository
	requesters RequesterRepository
	logger     *slog.Logger

	defaultPageSize int
	maxPageSize     int
}

// NewFeedService creates a FeedService over the given repositories.
func NewFeedService(
	posts PostRepository,
	follows FollowRepository,
	requesters RequesterRepository,
	defaultPageSize, maxPageSize int,
	logger *slog.Logger,
) *FeedService {
	if defaultPageSize <= 0 {
		defaultPageSize = 50
	}
	if maxPageSize <= 0 {
		maxPageSize = 100
	}
	return &FeedService{
		posts:           posts,
		follows:         follows,
		requesters:      requesters,
		logger:          logger,
		defaultPageSize: defaultPageSize,
		maxPageSize:     maxPageSize,
	}
}

// IndexPost records a newly observed post. Safe to call repeatedly for the
// same record; the first write wins the indexing timestamp.
func (s *FeedService) IndexPost(ctx context.Context, post *Post) error {
	if err := s.posts.UpsertPost(ctx, post); err != nil {
		return fmt.Errorf("upsert post: %w", err)
	}
	return nil
}

// RemovePost deletes a post by URI. Unknown URIs are not an error.
func (s *FeedService) RemovePost(ctx context.Context, uri string) error {
	return s.posts.DeletePost(ctx, uri)
}

// IndexFollow records a follow edge. Duplicate creates are ignored.
func (s *FeedService) IndexFollow(ctx context.Context, follow *Follow) error {
	if err := s.follows.UpsertFollow(ctx, follow); err != nil {
		return fmt.Errorf("upsert follow: %w", err)
	}
	return nil
}

// RemoveFollow deletes a follow edge by URI. Unknown URIs are not an error.
func (s *FeedService) RemoveFollow(ctx context.Context, uri string) error {
	return s.follows.DeleteFollow(ctx, uri)
}

// HasFollows reports whether any follow edges are indexed for the DID.
func (s *FeedService) HasFollows(ctx context.Context, did string) (bool, error) {
	targets, err := s.follows.FollowTargets(ctx, did)
	if err != nil {
		return false, err
	}
	return len(targets) > 0, nil
}

// Assemble builds a feed skeleton page for an authenticated requester.
//
// The returned cursor is present only when the page was full; a short page
// means the end of available data. A requester with no indexed follows gets an
// empty page, not an error.
func (s *FeedService) Assemble(ctx context.Context, requesterDID, rawCursor string, limit int) (*FeedSkeleton, error) {
	if limit <= 0 {
		limit = s.defaultPageSize
	}
	if limit > s.maxPageSize {
		limit = s.maxPageSize
	}

	var before *cursor.Cursor
	if rawCursor != "" {
		c, err := cursor.Parse(rawCursor)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
		}
		before = &c
	}

	// Bookkeeping only; a failure here must not fail the feed request, and the
	// write must survive the request context being cancelled on disconnect.
	go func() {
		touchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := s.requesters.TouchActiveRequester(touchCtx, requesterDID); err != nil {
			s.logger.Warn("failed to touch active requester", "did", requesterDID, "error", err)
		}
	}()

	posts, err := s.posts.QueryFeed(ctx, requesterDID, before, limit)
	if err != nil {
		return nil, fmt.Errorf("query feed: %w", err)
	}

	skeleton := &FeedSkeleton{
		Posts: make([]SkeletonPost, len(posts)),
	}
	for i, p := range posts {
		skeleton.Posts[i] = SkeletonPost{Post: p.URI}
	}
	if len(posts) == limit {
		last := posts[len(posts)-1]
		skeleton.Cursor = cursor.FromPost(last.IndexedAt, last.URI).Encode()
	}
	return skeleton, nil
}

// RunEviction deletes posts indexed before now minus retention. It returns the
// number of rows removed.
func (s *FeedService) RunEviction(ctx context.Context, retention time.Duration) (int64, error) {
	threshold := time.Now().UTC().Add(-retention)
	deleted, err := s.posts.EvictOlderThan(ctx, threshold)
	if err != nil {
		return 0, fmt.Errorf("evict posts: %w", err)
	}
	return deleted, nil
}

// StartEvictionJob runs the eviction cycle immediately and then on a fixed
// interval until ctx is cancelled. Failures are logged and the loop continues.
func (s *FeedService) StartEvictionJob(ctx context.Context, interval, retention time.Duration) {
	s.evict(ctx, retention)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.evict(ctx, retention)
		}
	}
}

func (s *FeedService) evict(ctx context.Context, retention time.Duration) {
	deleted, err := s.RunEviction(ctx, retention)
	if err != nil {
		s.logger.Error("post eviction failed", "error", err)
	} else if deleted > 0 {
		s.logger.Info("post eviction complete", "deleted", deleted)
	}
}

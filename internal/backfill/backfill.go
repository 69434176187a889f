// Package backfill replays historical follows and posts from the public
// appview into the store. It is a batch client of the same idempotent write
// contract as the live firehose consumer, so interleaving with it is safe.
package backfill

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/blackmichael/following-feed/internal/domain"
)

const defaultAppviewURL = "https://public.api.bsky.app"

// Client backfills follow graphs and recent posts through the store's
// idempotent upserts.
type Client struct {
	appviewURL string
	httpClient *http.Client
	posts      domain.PostRepository
	follows    domain.FollowRepository
	requesters domain.RequesterRepository
	logger     *slog.Logger

	// seeding tracks DIDs with an in-flight EnsureFollows run.
	seeding sync.Map
}

// NewClient creates a backfill client. An empty appviewURL selects the public
// Bluesky appview.
func NewClient(
	appviewURL string,
	posts domain.PostRepository,
	follows domain.FollowRepository,
	requesters domain.RequesterRepository,
	logger *slog.Logger,
) *Client {
	if appviewURL == "" {
		appviewURL = defaultAppviewURL
	}
	return &Client{
		appviewURL: appviewURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		posts:      posts,
		follows:    follows,
		requesters: requesters,
		logger:     logger,
	}
}

// EnsureFollows seeds the follow graph and recent posts for a requester that
// has no indexed follows yet. It returns immediately; the work runs in the
// background. Concurrent calls for the same DID collapse into one run.
func (c *Client) EnsureFollows(ctx context.Context, did string) {
	if _, loaded := c.seeding.LoadOrStore(did, struct{}{}); loaded {
		return
	}
	go func() {
		defer c.seeding.Delete(did)

		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Minute)
		defer cancel()

		targets, err := c.follows.FollowTargets(runCtx, did)
		if err != nil {
			c.logger.Warn("failed to check indexed follows", "did", did, "error", err)
			return
		}
		if len(targets) > 0 {
			return
		}

		c.logger.Info("no follows indexed for requester, backfilling", "did", did)
		if _, err := c.BackfillFollows(runCtx, did); err != nil {
			c.logger.Warn("follow backfill failed", "did", did, "error", err)
			return
		}
		if err := c.BackfillPostsForFollows(runCtx, did, 10); err != nil {
			c.logger.Warn("post backfill failed", "did", did, "error", err)
		}
	}()
}

// BackfillFollows pages through the appview's follow list for a DID and
// upserts each edge. Returns the number of edges written.
func (c *Client) BackfillFollows(ctx context.Context, did string) (int, error) {
	var (
		cursor string
		total  int
	)
	for {
		page, err := c.fetchFollows(ctx, did, cursor)
		if err != nil {
			return total, err
		}

		for _, f := range page.Follows {
			if f.DID == "" {
				continue
			}
			follow := &domain.Follow{
				// The appview does not expose the follow record key, so the
				// edge gets a synthetic URI; (follower, target) uniqueness
				// still deduplicates against live-consumed edges.
				URI:         fmt.Sprintf("at://%s/app.bsky.graph.follow/%s", did, uuid.NewString()),
				FollowerDID: did,
				TargetDID:   f.DID,
				CreatedAt:   time.Now().UTC(),
				IndexedAt:   time.Now().UTC(),
			}
			if err := c.follows.UpsertFollow(ctx, follow); err != nil {
				c.logger.Warn("failed to upsert backfilled follow", "target", f.DID, "error", err)
				continue
			}
			total++
		}

		if page.Cursor == "" {
			break
		}
		cursor = page.Cursor
	}

	c.logger.Info("backfilled follows", "did", did, "count", total)
	return total, nil
}

// BackfillPostsForFollows fetches up to postsPerUser recent original posts
// from each account the DID follows.
func (c *Client) BackfillPostsForFollows(ctx context.Context, did string, postsPerUser int) error {
	targets, err := c.follows.FollowTargets(ctx, did)
	if err != nil {
		return fmt.Errorf("list follow targets: %w", err)
	}

	c.logger.Info("backfilling posts from follows", "did", did, "targets", len(targets))
	for _, target := range targets {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := c.BackfillAuthorPosts(ctx, target, postsPerUser); err != nil {
			c.logger.Warn("failed to backfill posts", "author", target, "error", err)
		}
		// Stay under the appview's rate limits.
		time.Sleep(100 * time.Millisecond)
	}
	return nil
}

// BackfillAuthorPosts fetches up to limit recent original posts from one
// author. Reposts and reshared items are skipped before they reach the store.
func (c *Client) BackfillAuthorPosts(ctx context.Context, authorDID string, limit int) (int, error) {
	var (
		cursor string
		total  int
	)
	for total < limit {
		page, err := c.fetchAuthorFeed(ctx, authorDID, cursor)
		if err != nil {
			return total, err
		}
		if len(page.Feed) == 0 {
			break
		}

		for _, item := range page.Feed {
			// A reason marks a reshared item; a subject inside the record
			// means the record itself is not original content.
			if len(item.Reason) > 0 || len(item.Post.Record.Subject) > 0 {
				continue
			}
			if item.Post.URI == "" || item.Post.CID == "" {
				continue
			}

			post := &domain.Post{
				URI:       item.Post.URI,
				CID:       item.Post.CID,
				AuthorDID: authorDID,
				Text:      item.Post.Record.Text,
				CreatedAt: parseTimeOrNow(item.Post.Record.CreatedAt),
				IndexedAt: time.Now().UTC(),
			}
			if err := c.posts.UpsertPost(ctx, post); err != nil {
				c.logger.Warn("failed to upsert backfilled post", "uri", post.URI, "error", err)
				continue
			}
			total++
			if total >= limit {
				return total, nil
			}
		}

		if page.Cursor == "" {
			break
		}
		cursor = page.Cursor
	}
	return total, nil
}

// SyncActiveRequesters re-syncs the follow graph of every requester active in
// the given window against the network, pruning edges that no longer exist
// upstream.
func (c *Client) SyncActiveRequesters(ctx context.Context, window time.Duration) error {
	active, err := c.requesters.ActiveRequesters(ctx, time.Now().UTC().Add(-window))
	if err != nil {
		return fmt.Errorf("list active requesters: %w", err)
	}

	c.logger.Info("re-syncing follow graphs", "requesters", len(active))
	for _, did := range active {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.syncFollows(ctx, did); err != nil {
			c.logger.Warn("follow re-sync failed", "did", did, "error", err)
			continue
		}
		if err := c.requesters.MarkFollowsSynced(ctx, did); err != nil {
			c.logger.Warn("failed to stamp follow sync", "did", did, "error", err)
		}
	}
	return nil
}

func (c *Client) syncFollows(ctx context.Context, did string) error {
	var (
		cursor  string
		current []string
	)
	for {
		page, err := c.fetchFollows(ctx, did, cursor)
		if err != nil {
			return err
		}
		for _, f := range page.Follows {
			if f.DID != "" {
				current = append(current, f.DID)
			}
		}
		if page.Cursor == "" {
			break
		}
		cursor = page.Cursor
	}

	pruned, err := c.follows.PruneFollowsNotIn(ctx, did, current)
	if err != nil {
		return err
	}
	if pruned > 0 {
		c.logger.Info("pruned stale follows", "did", did, "count", pruned)
	}
	return nil
}

type followsPage struct {
	Follows []struct {
		DID string `json:"did"`
	} `json:"follows"`
	Cursor string `json:"cursor"`
}

type authorFeedPage struct {
	Feed []struct {
		Post struct {
			URI    string `json:"uri"`
			CID    string `json:"cid"`
			Record struct {
				Text      string          `json:"text"`
				CreatedAt string          `json:"createdAt"`
				Subject   json.RawMessage `json:"subject,omitempty"`
			} `json:"record"`
		} `json:"post"`
		Reason json.RawMessage `json:"reason,omitempty"`
	} `json:"feed"`
	Cursor string `json:"cursor"`
}

func (c *Client) fetchFollows(ctx context.Context, did, cursor string) (*followsPage, error) {
	var page followsPage
	err := c.get(ctx, "/xrpc/app.bsky.graph.getFollows", url.Values{
		"actor": {did},
		"limit": {"100"},
	}, cursor, &page)
	if err != nil {
		return nil, err
	}
	return &page, nil
}

func (c *Client) fetchAuthorFeed(ctx context.Context, did, cursor string) (*authorFeedPage, error) {
	var page authorFeedPage
	err := c.get(ctx, "/xrpc/app.bsky.feed.getAuthorFeed", url.Values{
		"actor": {did},
		"limit": {"100"},
	}, cursor, &page)
	if err != nil {
		return nil, err
	}
	return &page, nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values, cursor string, result any) error {
	if cursor != "" {
		query.Set("cursor", cursor)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.appviewURL+path+"?"+query.Encode(), nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("appview error (status %d): %s", resp.StatusCode, string(body))
	}

	if err := json.Unmarshal(body, result); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}

func parseTimeOrNow(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Now().UTC()
	}
	return t.UTC()
}

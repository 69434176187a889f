// Package sqlite implements the durable store on SQLite. WAL journal mode
// keeps the single-writer firehose stream from blocking concurrent feed reads.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/blackmichael/following-feed/internal/cursor"
	"github.com/blackmichael/following-feed/internal/domain"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS posts (
	uri        TEXT PRIMARY KEY,
	cid        TEXT NOT NULL,
	author_did TEXT NOT NULL,
	text       TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	indexed_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_posts_author_indexed ON posts(author_did, indexed_at);
CREATE INDEX IF NOT EXISTS idx_posts_indexed ON posts(indexed_at);

CREATE TABLE IF NOT EXISTS follows (
	uri          TEXT PRIMARY KEY,
	follower_did TEXT NOT NULL,
	target_did   TEXT NOT NULL,
	created_at   INTEGER NOT NULL,
	indexed_at   INTEGER NOT NULL,
	UNIQUE(follower_did, target_did)
);
CREATE INDEX IF NOT EXISTS idx_follows_follower ON follows(follower_did);

CREATE TABLE IF NOT EXISTS active_users (
	did               TEXT PRIMARY KEY,
	last_feed_request INTEGER NOT NULL,
	last_follow_sync  INTEGER
);

CREATE TABLE IF NOT EXISTS cursors (
	service      TEXT PRIMARY KEY,
	cursor_value INTEGER NOT NULL,
	updated_at   INTEGER NOT NULL
);
`

// Store implements the domain repository interfaces on a single SQLite
// database file.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the SQLite database at path, enables WAL mode,
// and applies the schema. The caller should Close the store when done.
func NewStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA foreign_keys=ON;",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %s: %w", strings.TrimSuffix(pragma, ";"), err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// UpsertPost inserts a post, or updates the mutable fields of an existing row
// with the same URI. The original indexed_at is kept so re-ingestion never
// moves a post in the feed.
func (s *Store) UpsertPost(ctx context.Context, post *domain.Post) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO posts (uri, cid, author_did, text, created_at, indexed_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(uri) DO UPDATE SET
			cid = excluded.cid,
			author_did = excluded.author_did,
			text = excluded.text,
			created_at = excluded.created_at`,
		post.URI,
		post.CID,
		post.AuthorDID,
		post.Text,
		post.CreatedAt.UnixMilli(),
		post.IndexedAt.UnixMilli(),
	)
	return err
}

// DeletePost removes a post by URI. Missing rows are a no-op.
func (s *Store) DeletePost(ctx context.Context, uri string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM posts WHERE uri = ?`, uri)
	return err
}

// QueryFeed returns posts authored by accounts followerDID follows, newest
// first by (indexed_at, uri), strictly after the cursor position when given.
func (s *Store) QueryFeed(ctx context.Context, followerDID string, before *cursor.Cursor, limit int) ([]domain.Post, error) {
	var (
		rows *sql.Rows
		err  error
	)

	if before != nil {
		rows, err = s.db.QueryContext(ctx, `
			SELECT p.uri, p.cid, p.author_did, p.text, p.created_at, p.indexed_at
			FROM posts p
			INNER JOIN follows f ON f.target_did = p.author_did
			WHERE f.follower_did = ?
				AND (p.indexed_at < ? OR (p.indexed_at = ? AND p.uri < ?))
			ORDER BY p.indexed_at DESC, p.uri DESC
			LIMIT ?`,
			followerDID, before.IndexedAt.UnixMilli(), before.IndexedAt.UnixMilli(), before.URI, limit,
		)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT p.uri, p.cid, p.author_did, p.text, p.created_at, p.indexed_at
			FROM posts p
			INNER JOIN follows f ON f.target_did = p.author_did
			WHERE f.follower_did = ?
			ORDER BY p.indexed_at DESC, p.uri DESC
			LIMIT ?`,
			followerDID, limit,
		)
	}
	if err != nil {
		return nil, fmt.Errorf("query feed: %w", err)
	}
	defer rows.Close()

	var posts []domain.Post
	for rows.Next() {
		var (
			p                    domain.Post
			createdAt, indexedAt int64
		)
		if err := rows.Scan(&p.URI, &p.CID, &p.AuthorDID, &p.Text, &createdAt, &indexedAt); err != nil {
			return nil, fmt.Errorf("scan post: %w", err)
		}
		p.CreatedAt = time.UnixMilli(createdAt).UTC()
		p.IndexedAt = time.UnixMilli(indexedAt).UTC()
		posts = append(posts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate posts: %w", err)
	}
	return posts, nil
}

// EvictOlderThan deletes posts indexed strictly before threshold. Follow edges
// are never evicted by age.
func (s *Store) EvictOlderThan(ctx context.Context, threshold time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM posts WHERE indexed_at < ?`,
		threshold.UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("delete expired posts: %w", err)
	}
	deleted, _ := res.RowsAffected()
	return deleted, nil
}

// UpsertFollow inserts a follow edge. Duplicates by record URI or by the
// (follower, target) pair are ignored; the existing edge wins.
func (s *Store) UpsertFollow(ctx context.Context, follow *domain.Follow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO follows (uri, follower_did, target_did, created_at, indexed_at)
		VALUES (?, ?, ?, ?, ?)`,
		follow.URI,
		follow.FollowerDID,
		follow.TargetDID,
		follow.CreatedAt.UnixMilli(),
		follow.IndexedAt.UnixMilli(),
	)
	return err
}

// DeleteFollow removes a follow edge by record URI. Missing rows are a no-op.
func (s *Store) DeleteFollow(ctx context.Context, uri string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM follows WHERE uri = ?`, uri)
	return err
}

// FollowTargets returns the DIDs followerDID currently follows.
func (s *Store) FollowTargets(ctx context.Context, followerDID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT target_did FROM follows WHERE follower_did = ?`, followerDID,
	)
	if err != nil {
		return nil, fmt.Errorf("query follow targets: %w", err)
	}
	defer rows.Close()

	var targets []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("scan follow target: %w", err)
		}
		targets = append(targets, t)
	}
	return targets, rows.Err()
}

// PruneFollowsNotIn deletes edges for followerDID whose target does not appear
// in currentTargets. An empty currentTargets removes every edge the follower
// has.
func (s *Store) PruneFollowsNotIn(ctx context.Context, followerDID string, currentTargets []string) (int64, error) {
	query := `DELETE FROM follows WHERE follower_did = ?`
	args := []any{followerDID}
	if len(currentTargets) > 0 {
		query += ` AND target_did NOT IN (?` + strings.Repeat(",?", len(currentTargets)-1) + `)`
		for _, t := range currentTargets {
			args = append(args, t)
		}
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("prune follows: %w", err)
	}
	deleted, _ := res.RowsAffected()
	return deleted, nil
}

// TouchActiveRequester upserts the last-feed-request timestamp for a DID.
func (s *Store) TouchActiveRequester(ctx context.Context, did string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO active_users (did, last_feed_request)
		VALUES (?, ?)
		ON CONFLICT(did) DO UPDATE SET last_feed_request = excluded.last_feed_request`,
		did, time.Now().UTC().UnixMilli(),
	)
	return err
}

// ActiveRequesters returns DIDs that requested a feed since the given time,
// most recent first.
func (s *Store) ActiveRequesters(ctx context.Context, since time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT did FROM active_users
		WHERE last_feed_request > ?
		ORDER BY last_feed_request DESC`,
		since.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("query active requesters: %w", err)
	}
	defer rows.Close()

	var dids []string
	for rows.Next() {
		var did string
		if err := rows.Scan(&did); err != nil {
			return nil, fmt.Errorf("scan active requester: %w", err)
		}
		dids = append(dids, did)
	}
	return dids, rows.Err()
}

// MarkFollowsSynced stamps the last follow-graph sync time for a DID.
func (s *Store) MarkFollowsSynced(ctx context.Context, did string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE active_users SET last_follow_sync = ? WHERE did = ?`,
		time.Now().UTC().UnixMilli(), did,
	)
	return err
}

// GetCursor retrieves the saved firehose cursor for a service.
func (s *Store) GetCursor(ctx context.Context, service string) (int64, error) {
	var c int64
	err := s.db.QueryRowContext(ctx,
		`SELECT cursor_value FROM cursors WHERE service = ?`, service,
	).Scan(&c)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return c, err
}

// UpdateCursor upserts the firehose cursor for a service.
func (s *Store) UpdateCursor(ctx context.Context, service string, cursor int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cursors (service, cursor_value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(service) DO UPDATE SET cursor_value = ?, updated_at = ?`,
		service, cursor, time.Now().UTC().UnixMilli(), cursor, time.Now().UTC().UnixMilli(),
	)
	return err
}

// Stats summarizes row counts for the operator console.
type Stats struct {
	Posts            int64
	Follows          int64
	Followers        int64
	ActiveRequesters int64
}

// GetStats returns current row counts.
func (s *Store) GetStats(ctx context.Context) (Stats, error) {
	var st Stats
	queries := []struct {
		query string
		dst   *int64
	}{
		{`SELECT COUNT(*) FROM posts`, &st.Posts},
		{`SELECT COUNT(*) FROM follows`, &st.Follows},
		{`SELECT COUNT(DISTINCT follower_did) FROM follows`, &st.Followers},
		{`SELECT COUNT(*) FROM active_users`, &st.ActiveRequesters},
	}
	for _, q := range queries {
		if err := s.db.QueryRowContext(ctx, q.query).Scan(q.dst); err != nil {
			return Stats{}, fmt.Errorf("count query: %w", err)
		}
	}
	return st, nil
}

package firehose

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blackmichael/following-feed/internal/domain"
	"github.com/blackmichael/following-feed/internal/sqlite"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestSubscriber(t *testing.T, url string) (*Subscriber, *sqlite.Store, *domain.FeedService) {
	t.Helper()
	store, err := sqlite.NewStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	svc := domain.NewFeedService(store, store, store, 50, 100, testLogger())
	return NewSubscriber(url, svc, store, testLogger()), store, svc
}

// flakyPostRepo fails UpsertPost for one URI a set number of times, then
// delegates. Attempts are counted per URI.
type flakyPostRepo struct {
	domain.PostRepository

	mu       sync.Mutex
	failURI  string
	failures int
	attempts map[string]int
}

func (r *flakyPostRepo) UpsertPost(ctx context.Context, post *domain.Post) error {
	r.mu.Lock()
	r.attempts[post.URI]++
	fail := post.URI == r.failURI && r.failures > 0
	if fail {
		r.failures--
	}
	r.mu.Unlock()

	if fail {
		return errors.New("database is locked")
	}
	return r.PostRepository.UpsertPost(ctx, post)
}

func (r *flakyPostRepo) tries(uri string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts[uri]
}

func commitEvent(t *testing.T, did string, timeUS int64, op, collection, rkey string, record any) []byte {
	t.Helper()
	event := map[string]any{
		"did":     did,
		"time_us": timeUS,
		"kind":    "commit",
		"commit": map[string]any{
			"rev":        "rev",
			"operation":  op,
			"collection": collection,
			"rkey":       rkey,
			"cid":        "bafyexample",
		},
	}
	if record != nil {
		event["commit"].(map[string]any)["record"] = record
	}
	data, err := json.Marshal(event)
	require.NoError(t, err)
	return data
}

func TestParseEventRejectsMalformedInput(t *testing.T) {
	_, err := parseEvent([]byte("{not json"))
	assert.Error(t, err)

	_, err = parseEvent([]byte(`{"did":"did:plc:a","time_us":1,"kind":"commit"}`))
	assert.Error(t, err, "commit envelope without a commit body")
}

func TestApplyEventIndexesPostCreate(t *testing.T) {
	sub, store, _ := newTestSubscriber(t, "ws://unused")
	ctx := context.Background()

	raw := commitEvent(t, "did:plc:bob", 1, "create", collectionPost, "3k1", map[string]any{
		"$type":     "app.bsky.feed.post",
		"text":      "hello world",
		"createdAt": time.Now().UTC().Format(time.RFC3339),
	})
	event, err := parseEvent(raw)
	require.NoError(t, err)

	indexed, err := sub.applyEvent(ctx, event)
	require.NoError(t, err)
	assert.True(t, indexed)

	stats, err := store.GetStats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.Posts)
}

func TestApplyEventSkipsRecordsWithSubjectRef(t *testing.T) {
	sub, store, _ := newTestSubscriber(t, "ws://unused")
	ctx := context.Background()

	raw := commitEvent(t, "did:plc:bob", 1, "create", collectionPost, "3k2", map[string]any{
		"$type":     "app.bsky.feed.post",
		"text":      "",
		"createdAt": time.Now().UTC().Format(time.RFC3339),
		"subject":   map[string]any{"uri": "at://did:plc:x/app.bsky.feed.post/abc", "cid": "bafy"},
	})
	event, err := parseEvent(raw)
	require.NoError(t, err)

	indexed, err := sub.applyEvent(ctx, event)
	require.NoError(t, err)
	assert.False(t, indexed)

	stats, err := store.GetStats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, stats.Posts)
}

func TestApplyEventDeletesPost(t *testing.T) {
	sub, store, _ := newTestSubscriber(t, "ws://unused")
	ctx := context.Background()

	create := commitEvent(t, "did:plc:bob", 1, "create", collectionPost, "3k3", map[string]any{
		"$type":     "app.bsky.feed.post",
		"text":      "short lived",
		"createdAt": time.Now().UTC().Format(time.RFC3339),
	})
	event, err := parseEvent(create)
	require.NoError(t, err)
	indexed, err := sub.applyEvent(ctx, event)
	require.NoError(t, err)
	require.True(t, indexed)

	del := commitEvent(t, "did:plc:bob", 2, "delete", collectionPost, "3k3", nil)
	event, err = parseEvent(del)
	require.NoError(t, err)
	_, err = sub.applyEvent(ctx, event)
	require.NoError(t, err)

	stats, err := store.GetStats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, stats.Posts)
}

func TestApplyEventTracksFollowLifecycle(t *testing.T) {
	sub, store, _ := newTestSubscriber(t, "ws://unused")
	ctx := context.Background()

	create := commitEvent(t, "did:plc:alice", 1, "create", collectionFollow, "3k4", map[string]any{
		"$type":     "app.bsky.graph.follow",
		"subject":   "did:plc:bob",
		"createdAt": time.Now().UTC().Format(time.RFC3339),
	})
	event, err := parseEvent(create)
	require.NoError(t, err)
	indexed, err := sub.applyEvent(ctx, event)
	require.NoError(t, err)
	require.True(t, indexed)

	targets, err := store.FollowTargets(ctx, "did:plc:alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"did:plc:bob"}, targets)

	del := commitEvent(t, "did:plc:alice", 2, "delete", collectionFollow, "3k4", nil)
	event, err = parseEvent(del)
	require.NoError(t, err)
	_, err = sub.applyEvent(ctx, event)
	require.NoError(t, err)

	targets, err = store.FollowTargets(ctx, "did:plc:alice")
	require.NoError(t, err)
	assert.Empty(t, targets)
}

func TestApplyEventIgnoresOtherCollections(t *testing.T) {
	sub, store, _ := newTestSubscriber(t, "ws://unused")
	ctx := context.Background()

	raw := commitEvent(t, "did:plc:bob", 1, "create", "app.bsky.feed.like", "3k5", map[string]any{
		"$type": "app.bsky.feed.like",
	})
	event, err := parseEvent(raw)
	require.NoError(t, err)

	indexed, err := sub.applyEvent(ctx, event)
	require.NoError(t, err)
	assert.False(t, indexed)

	stats, err := store.GetStats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, stats.Posts)
}

func TestSubscriberResumesBehindSavedCursor(t *testing.T) {
	const eventTimeUS = int64(1748780400000000)

	upgrader := websocket.Upgrader{}
	cursors := make(chan string, 4)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cursors <- r.URL.Query().Get("cursor")

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// Same event on every connection; the store must absorb the replay.
		raw := commitEvent(t, "did:plc:bob", eventTimeUS, "create", collectionPost, "3k9", map[string]any{
			"$type":     "app.bsky.feed.post",
			"text":      "replayed",
			"createdAt": time.Now().UTC().Format(time.RFC3339),
		})
		conn.WriteMessage(websocket.TextMessage, raw)

		// Give the subscriber time to read before dropping the connection.
		time.Sleep(100 * time.Millisecond)
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	sub, store, _ := newTestSubscriber(t, wsURL)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		sub.Start(ctx)
		close(done)
	}()

	waitCursor := func() string {
		select {
		case c := <-cursors:
			return c
		case <-time.After(10 * time.Second):
			t.Fatal("timed out waiting for a firehose connection")
			return ""
		}
	}

	// First connection starts live, with no cursor.
	assert.Equal(t, "", waitCursor())

	// The reconnect resumes slightly behind the last applied event.
	expected := fmt.Sprintf("%d", eventTimeUS-replayOverlap.Microseconds())
	assert.Equal(t, expected, waitCursor())

	cancel()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("subscriber did not stop on context cancellation")
	}

	// The replayed create collapsed into a single row.
	stats, err := store.GetStats(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.Posts)

	saved, err := store.GetCursor(context.Background(), cursorServiceName)
	require.NoError(t, err)
	assert.EqualValues(t, eventTimeUS, saved)
}

func TestApplyEventSurfacesStorageFailure(t *testing.T) {
	store, err := sqlite.NewStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	repo := &flakyPostRepo{
		PostRepository: store,
		failURI:        "at://did:plc:bob/app.bsky.feed.post/3k6",
		failures:       1,
		attempts:       map[string]int{},
	}
	svc := domain.NewFeedService(repo, store, store, 50, 100, testLogger())
	sub := NewSubscriber("ws://unused", svc, store, testLogger())

	raw := commitEvent(t, "did:plc:bob", 1, "create", collectionPost, "3k6", map[string]any{
		"$type":     "app.bsky.feed.post",
		"text":      "hello",
		"createdAt": time.Now().UTC().Format(time.RFC3339),
	})
	event, err := parseEvent(raw)
	require.NoError(t, err)

	_, err = sub.applyEvent(context.Background(), event)
	assert.Error(t, err)
}

func TestSubscriberResumesBeforeFailedWrite(t *testing.T) {
	const (
		firstTimeUS  = int64(1748780400000000)
		secondTimeUS = firstTimeUS + 30_000_000
	)
	failURI := "at://did:plc:bob/app.bsky.feed.post/3kb"

	upgrader := websocket.Upgrader{}
	cursors := make(chan string, 8)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cursors <- r.URL.Query().Get("cursor")

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for _, raw := range [][]byte{
			commitEvent(t, "did:plc:bob", firstTimeUS, "create", collectionPost, "3ka", map[string]any{
				"$type":     "app.bsky.feed.post",
				"text":      "first",
				"createdAt": time.Now().UTC().Format(time.RFC3339),
			}),
			commitEvent(t, "did:plc:bob", secondTimeUS, "create", collectionPost, "3kb", map[string]any{
				"$type":     "app.bsky.feed.post",
				"text":      "second",
				"createdAt": time.Now().UTC().Format(time.RFC3339),
			}),
		} {
			conn.WriteMessage(websocket.TextMessage, raw)
		}
		time.Sleep(100 * time.Millisecond)
	}))
	defer srv.Close()

	store, err := sqlite.NewStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	repo := &flakyPostRepo{
		PostRepository: store,
		failURI:        failURI,
		failures:       1,
		attempts:       map[string]int{},
	}
	svc := domain.NewFeedService(repo, store, store, 50, 100, testLogger())

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	sub := NewSubscriber(wsURL, svc, store, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		sub.Start(ctx)
		close(done)
	}()

	waitCursor := func() string {
		select {
		case c := <-cursors:
			return c
		case <-time.After(10 * time.Second):
			t.Fatal("timed out waiting for a firehose connection")
			return ""
		}
	}

	assert.Equal(t, "", waitCursor())

	// The second event's write failed, so the reconnect must resume from the
	// first event, not from the one that was never stored.
	expected := fmt.Sprintf("%d", firstTimeUS-replayOverlap.Microseconds())
	assert.Equal(t, expected, waitCursor())

	// The replay delivers the failed event again and it lands this time.
	require.Eventually(t, func() bool {
		stats, err := store.GetStats(context.Background())
		return err == nil && stats.Posts == 2
	}, 10*time.Second, 20*time.Millisecond)
	assert.GreaterOrEqual(t, repo.tries(failURI), 2)

	cancel()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("subscriber did not stop on context cancellation")
	}
}

func TestSubscriberStopsWhileBlockedOnRead(t *testing.T) {
	upgrader := websocket.Upgrader{}
	connected := make(chan struct{}, 4)
	hold := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		connected <- struct{}{}

		// Send nothing and keep the connection open; the subscriber sits in a
		// blocking read until told to stop.
		<-hold
	}))
	defer srv.Close()
	defer close(hold)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	sub, _, _ := newTestSubscriber(t, wsURL)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sub.Start(ctx)
		close(done)
	}()

	select {
	case <-connected:
	case <-time.After(10 * time.Second):
		t.Fatal("subscriber never connected")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("subscriber did not stop while blocked on a read")
	}
}

func TestBuildURLRejectsMalformed(t *testing.T) {
	sub, _, _ := newTestSubscriber(t, "ws://bad host/subscribe")

	_, err := sub.buildURL(0)
	assert.Error(t, err)
}

package firehose

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/blackmichael/following-feed/internal/domain"
	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
)

const (
	cursorServiceName  = "jetstream"
	cursorSaveInterval = 5 * time.Second

	// replayOverlap is subtracted from the saved cursor on reconnect so no
	// event is missed across a restart. Delivery becomes at-least-once in the
	// overlap window; store writes are idempotent, so that is harmless.
	replayOverlap = 5 * time.Second
)

// wantedCollections is the set of AT Proto collection NSIDs this subscriber
// requests from Jetstream. Reposts are kept out of the index by not asking for
// them here.
var wantedCollections = []string{
	collectionPost,
	collectionFollow,
}

// Subscriber holds the live Jetstream subscription and drives store writes.
// It owns the resumable cursor.
type Subscriber struct {
	url         string
	feedService *domain.FeedService
	cursors     domain.CursorRepository
	logger      *slog.Logger
}

// NewSubscriber creates a new firehose subscriber.
func NewSubscriber(
	firehoseURL string,
	feedService *domain.FeedService,
	cursors domain.CursorRepository,
	logger *slog.Logger,
) *Subscriber {
	return &Subscriber{
		url:         firehoseURL,
		feedService: feedService,
		cursors:     cursors,
		logger:      logger,
	}
}

// Start connects to the firehose and processes events until the context is
// cancelled. Dropped connections and upstream protocol errors reconnect with
// exponential backoff; the loop never gives up on its own.
func (s *Subscriber) Start(ctx context.Context) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Second
	policy.MaxInterval = time.Minute
	policy.MaxElapsedTime = 0

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := s.subscribe(ctx, policy)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		wait := policy.NextBackOff()
		s.logger.Error("firehose connection error, reconnecting",
			"error", err,
			"backoff", wait,
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (s *Subscriber) buildURL(cursor int64) (string, error) {
	u, err := url.Parse(s.url)
	if err != nil {
		return "", fmt.Errorf("parse firehose url: %w", err)
	}
	q := u.Query()
	for _, c := range wantedCollections {
		q.Add("wantedCollections", c)
	}
	if cursor > 0 {
		q.Set("cursor", fmt.Sprintf("%d", cursor))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (s *Subscriber) subscribe(ctx context.Context, policy *backoff.ExponentialBackOff) error {
	cursor, err := s.cursors.GetCursor(ctx, cursorServiceName)
	if err != nil {
		s.logger.Warn("failed to load cursor, starting from live", "error", err)
		cursor = 0
	}
	if cursor > 0 {
		cursor -= replayOverlap.Microseconds()
	}

	wsURL, err := s.buildURL(cursor)
	if err != nil {
		return err
	}
	s.logger.Info("connecting to firehose", "url", wsURL)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial firehose: %w", err)
	}
	defer conn.Close()

	// The dial context only covers the handshake; once connected, ReadMessage
	// does not observe cancellation. Close the connection to unblock it.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-watchDone:
		}
	}()

	s.logger.Info("connected to firehose")
	policy.Reset()

	var latestCursor int64
	defer func() {
		// Flush the cursor on the way out so resumption is correct whether we
		// are reconnecting or shutting down.
		s.saveCursor(latestCursor)
	}()

	lastCursorSave := time.Now()
	var eventsReceived, recordsIndexed int64
	lastStatsLog := time.Now()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read message: %w", err)
		}

		event, err := parseEvent(message)
		if err != nil {
			s.logger.Error("failed to parse event, skipping", "error", err)
			continue
		}

		eventsReceived++

		indexed, err := s.applyEvent(ctx, event)
		if err != nil {
			// The cursor stays at the last applied event, so the next
			// connection redelivers this one instead of dropping it.
			return fmt.Errorf("apply event: %w", err)
		}
		latestCursor = event.TimeUS
		if indexed {
			recordsIndexed++
		}

		if time.Since(lastStatsLog) >= 30*time.Second {
			s.logger.Info("firehose stats",
				"events_received", eventsReceived,
				"records_indexed", recordsIndexed,
			)
			lastStatsLog = time.Now()
		}

		if time.Since(lastCursorSave) >= cursorSaveInterval {
			s.saveCursor(latestCursor)
			lastCursorSave = time.Now()
		}
	}
}

func (s *Subscriber) saveCursor(cursor int64) {
	if cursor == 0 {
		return
	}
	// Detached from the subscription context: a save triggered by shutdown
	// must still reach the store.
	saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.cursors.UpdateCursor(saveCtx, cursorServiceName, cursor); err != nil {
		s.logger.Error("failed to save cursor", "cursor", cursor, "error", err)
	}
}

// applyEvent dispatches a decoded envelope to the right handler. Returns true
// if a record was written. Events outside the two subscribed collections and
// malformed records are skipped; a storage failure is returned so the stream
// stops before the cursor passes the event.
func (s *Subscriber) applyEvent(ctx context.Context, event *jetstreamEvent) (bool, error) {
	if event.Kind != "commit" {
		return false, nil
	}
	switch event.Commit.Collection {
	case collectionPost:
		return s.handlePostCommit(ctx, event)
	case collectionFollow:
		return s.handleFollowCommit(ctx, event)
	default:
		return false, nil
	}
}

// handlePostCommit applies a post create or delete. Returns true if a post was
// written.
func (s *Subscriber) handlePostCommit(ctx context.Context, event *jetstreamEvent) (bool, error) {
	commit := event.Commit
	uri := commit.uri(event.DID)

	switch commit.Operation {
	case "create":
		if len(commit.Record) == 0 {
			return false, nil
		}
		record, err := parsePostRecord(commit.Record)
		if err != nil {
			s.logger.Error("failed to parse post record, skipping", "uri", uri, "error", err)
			return false, nil
		}
		// Reposts never reach storage. The subscription already excludes the
		// repost collection; a subject ref inside a post-shaped record means
		// it is not original content either.
		if len(record.Subject) > 0 {
			return false, nil
		}

		post := &domain.Post{
			URI:       uri,
			CID:       commit.CID,
			AuthorDID: event.DID,
			Text:      record.Text,
			CreatedAt: parseTimeOrNow(record.CreatedAt),
			IndexedAt: time.Now().UTC(),
		}
		if err := s.feedService.IndexPost(ctx, post); err != nil {
			return false, fmt.Errorf("index post %s: %w", uri, err)
		}
		return true, nil

	case "delete":
		if err := s.feedService.RemovePost(ctx, uri); err != nil {
			return false, fmt.Errorf("delete post %s: %w", uri, err)
		}
		return false, nil

	default:
		return false, nil
	}
}

// handleFollowCommit applies a follow create or delete. Returns true if an
// edge was written.
func (s *Subscriber) handleFollowCommit(ctx context.Context, event *jetstreamEvent) (bool, error) {
	commit := event.Commit
	uri := commit.uri(event.DID)

	switch commit.Operation {
	case "create":
		if len(commit.Record) == 0 {
			return false, nil
		}
		record, err := parseFollowRecord(commit.Record)
		if err != nil {
			s.logger.Error("failed to parse follow record, skipping", "uri", uri, "error", err)
			return false, nil
		}

		follow := &domain.Follow{
			URI:         uri,
			FollowerDID: event.DID,
			TargetDID:   record.Subject,
			CreatedAt:   parseTimeOrNow(record.CreatedAt),
			IndexedAt:   time.Now().UTC(),
		}
		if err := s.feedService.IndexFollow(ctx, follow); err != nil {
			return false, fmt.Errorf("index follow %s: %w", uri, err)
		}
		return true, nil

	case "delete":
		if err := s.feedService.RemoveFollow(ctx, uri); err != nil {
			return false, fmt.Errorf("delete follow %s: %w", uri, err)
		}
		return false, nil

	default:
		return false, nil
	}
}

func parseTimeOrNow(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Now().UTC()
	}
	return t.UTC()
}

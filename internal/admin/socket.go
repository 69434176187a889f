// Package admin exposes a local, line-oriented operator console over a unix
// domain socket. Access control is the socket's filesystem locality, not the
// public token scheme.
package admin

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"github.com/blackmichael/following-feed/internal/backfill"
	"github.com/blackmichael/following-feed/internal/domain"
	"github.com/blackmichael/following-feed/internal/sqlite"
)

const syncWindow = 7 * 24 * time.Hour

// Socket is the operator control channel.
type Socket struct {
	path        string
	store       *sqlite.Store
	feedService *domain.FeedService
	backfiller  *backfill.Client
	retention   time.Duration
	logger      *slog.Logger
}

// NewSocket creates the admin socket at path.
func NewSocket(
	path string,
	store *sqlite.Store,
	feedService *domain.FeedService,
	backfiller *backfill.Client,
	retention time.Duration,
	logger *slog.Logger,
) *Socket {
	return &Socket{
		path:        path,
		store:       store,
		feedService: feedService,
		backfiller:  backfiller,
		retention:   retention,
		logger:      logger,
	}
}

// Start listens on the unix socket until ctx is cancelled. Each connection is
// handled in its own goroutine.
func (s *Socket) Start(ctx context.Context) error {
	// Replace a stale socket from a previous run.
	_ = os.Remove(s.path)

	listener, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("bind admin socket: %w", err)
	}
	if err := os.Chmod(s.path, 0o600); err != nil {
		listener.Close()
		return fmt.Errorf("restrict admin socket: %w", err)
	}
	s.logger.Info("admin socket listening", "path", s.path)

	go func() {
		<-ctx.Done()
		listener.Close()
		_ = os.Remove(s.path)
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Warn("failed to accept admin connection", "error", err)
			continue
		}
		go func() {
			defer conn.Close()
			if err := s.handleConnection(ctx, conn); err != nil {
				s.logger.Error("admin connection error", "error", err)
			}
		}()
	}
}

func (s *Socket) handleConnection(ctx context.Context, conn net.Conn) error {
	w := bufio.NewWriter(conn)
	scanner := bufio.NewScanner(conn)

	writeLine := func(line string) error {
		if _, err := w.WriteString(line + "\n"); err != nil {
			return err
		}
		return nil
	}
	prompt := func() error {
		if _, err := w.WriteString("> "); err != nil {
			return err
		}
		return w.Flush()
	}

	if err := writeLine("following-feed admin console"); err != nil {
		return err
	}
	if err := writeLine("commands: stats, evict, backfill <did>, syncfollows, help, quit"); err != nil {
		return err
	}
	if err := prompt(); err != nil {
		return err
	}

	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			if err := prompt(); err != nil {
				return err
			}
			continue
		}

		switch fields[0] {
		case "stats":
			stats, err := s.store.GetStats(ctx)
			if err != nil {
				writeLine("failed to get stats: " + err.Error())
			} else {
				writeLine(fmt.Sprintf("posts: %d", stats.Posts))
				writeLine(fmt.Sprintf("follows: %d", stats.Follows))
				writeLine(fmt.Sprintf("followers: %d", stats.Followers))
				writeLine(fmt.Sprintf("active requesters: %d", stats.ActiveRequesters))
			}

		case "evict":
			deleted, err := s.feedService.RunEviction(ctx, s.retention)
			if err != nil {
				writeLine("eviction failed: " + err.Error())
			} else {
				writeLine(fmt.Sprintf("evicted %d posts", deleted))
			}

		case "backfill":
			if len(fields) < 2 {
				writeLine("usage: backfill <did>")
				break
			}
			did := fields[1]
			writeLine("backfilling follows for " + did + "...")
			w.Flush()
			count, err := s.backfiller.BackfillFollows(ctx, did)
			if err != nil {
				writeLine(fmt.Sprintf("follow backfill failed after %d edges: %v", count, err))
				break
			}
			writeLine(fmt.Sprintf("backfilled %d follows, fetching posts...", count))
			w.Flush()
			if err := s.backfiller.BackfillPostsForFollows(ctx, did, 10); err != nil {
				writeLine("post backfill failed: " + err.Error())
			} else {
				writeLine("backfill complete")
			}

		case "syncfollows":
			writeLine("re-syncing follows for recently active requesters...")
			w.Flush()
			if err := s.backfiller.SyncActiveRequesters(ctx, syncWindow); err != nil {
				writeLine("sync failed: " + err.Error())
			} else {
				writeLine("sync complete")
			}

		case "help":
			writeLine("available commands:")
			writeLine("  stats            show store row counts")
			writeLine("  evict            run an eviction cycle now")
			writeLine("  backfill <did>   backfill follows and posts for a user")
			writeLine("  syncfollows      re-sync follow graphs of active requesters")
			writeLine("  quit             close connection")

		case "quit", "exit":
			writeLine("bye")
			return w.Flush()

		default:
			writeLine("unknown command: " + fields[0] + " (try 'help')")
		}

		if err := prompt(); err != nil {
			return err
		}
	}
	return scanner.Err()
}

package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/blackmichael/following-feed/internal/auth"
	"github.com/blackmichael/following-feed/internal/config"
	"github.com/blackmichael/following-feed/internal/domain"
)

// Authenticator verifies a bearer token and returns the requester DID.
type Authenticator interface {
	Verify(ctx context.Context, token string) (string, error)
}

// Backfiller seeds the follow graph for requesters we have never indexed.
// Optional; may be nil.
type Backfiller interface {
	EnsureFollows(ctx context.Context, did string)
}

// Server is the HTTP server that serves the feed generator XRPC endpoints.
type Server struct {
	cfg         *config.Config
	feedService *domain.FeedService
	authn       Authenticator
	backfiller  Backfiller
	logger      *slog.Logger
	httpServer  *http.Server
}

// NewServer creates the HTTP server. backfiller may be nil to disable
// first-request follow seeding.
func NewServer(
	cfg *config.Config,
	feedService *domain.FeedService,
	authn Authenticator,
	backfiller Backfiller,
	logger *slog.Logger,
) *Server {
	s := &Server{
		cfg:         cfg,
		feedService: feedService,
		authn:       authn,
		backfiller:  backfiller,
		logger:      logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	}))
	r.Use(withLogging(logger))

	r.Get("/.well-known/did.json", s.handleDIDDoc)
	r.Get("/xrpc/app.bsky.feed.describeFeedGenerator", s.handleDescribeFeedGenerator)
	r.Get("/xrpc/app.bsky.feed.getFeedSkeleton", s.handleGetFeedSkeleton)
	r.Get("/health", s.handleHealth)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening for HTTP requests. It blocks until the server is
// shut down or an error occurs.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleDIDDoc(w http.ResponseWriter, _ *http.Request) {
	doc := map[string]any{
		"@context": []string{"https://www.w3.org/ns/did/v1"},
		"id":       s.cfg.ServiceDID(),
		"service": []map[string]any{
			{
				"id":              "#bsky_fg",
				"type":            "BskyFeedGenerator",
				"serviceEndpoint": fmt.Sprintf("https://%s", s.cfg.Hostname),
			},
		},
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleDescribeFeedGenerator(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"did": s.cfg.ServiceDID(),
		"feeds": []map[string]string{
			{"uri": s.cfg.FeedURI()},
		},
	})
}

func (s *Server) handleGetFeedSkeleton(w http.ResponseWriter, r *http.Request) {
	feedURI := r.URL.Query().Get("feed")
	if feedURI == "" {
		writeError(w, http.StatusBadRequest, "InvalidRequest", "feed parameter is required")
		return
	}
	if feedURI != s.cfg.FeedURI() {
		writeError(w, http.StatusBadRequest, "UnknownFeed", "unknown feed: "+feedURI)
		return
	}

	limit := s.cfg.DefaultPageSize
	if l := r.URL.Query().Get("limit"); l != "" {
		parsed, err := strconv.Atoi(l)
		if err != nil || parsed < 1 || parsed > s.cfg.MaxPageSize {
			writeError(w, http.StatusBadRequest, "InvalidRequest",
				fmt.Sprintf("limit must be between 1 and %d", s.cfg.MaxPageSize))
			return
		}
		limit = parsed
	}

	requesterDID, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	if s.backfiller != nil {
		// First-time requesters have no indexed follows yet; seed them in the
		// background so a later request has data. Detached from the request.
		s.backfiller.EnsureFollows(context.WithoutCancel(r.Context()), requesterDID)
	}

	skeleton, err := s.feedService.Assemble(r.Context(), requesterDID, r.URL.Query().Get("cursor"), limit)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidCursor) {
			writeError(w, http.StatusBadRequest, "InvalidRequest", "malformed cursor")
			return
		}
		s.logger.Error("failed to assemble feed",
			"requester", requesterDID,
			"limit", limit,
			"error", err,
		)
		writeError(w, http.StatusInternalServerError, "InternalError", "failed to get feed")
		return
	}

	resp := map[string]any{
		"feed": toSkeletonResponse(skeleton.Posts),
	}
	if skeleton.Cursor != "" {
		resp["cursor"] = skeleton.Cursor
	}
	writeJSON(w, http.StatusOK, resp)
}

// authenticate extracts and verifies the bearer token, writing the rejection
// response itself when verification fails.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		writeError(w, http.StatusUnauthorized, "AuthenticationRequired",
			"this feed is personalized and requires authentication")
		return "", false
	}
	token := strings.TrimPrefix(header, "Bearer ")

	did, err := s.authn.Verify(r.Context(), token)
	if err != nil {
		s.logger.Warn("token verification failed", "error", err)
		if errors.Is(err, auth.ErrResolverUnavailable) {
			writeError(w, http.StatusServiceUnavailable, "IdentityResolutionFailed",
				"could not resolve the token issuer; try again")
			return "", false
		}
		writeError(w, http.StatusUnauthorized, "AuthenticationRequired", rejectionMessage(err))
		return "", false
	}
	return did, true
}

func rejectionMessage(err error) string {
	switch {
	case errors.Is(err, auth.ErrMalformedToken):
		return "malformed token"
	case errors.Is(err, auth.ErrUnknownIssuer):
		return "unknown token issuer"
	case errors.Is(err, auth.ErrAlgorithmMismatch):
		return "token algorithm mismatch"
	case errors.Is(err, auth.ErrTokenExpired):
		return "token expired or not yet valid"
	case errors.Is(err, auth.ErrBadAudience):
		return "token not addressed to this service"
	default:
		return "invalid token signature"
	}
}

func toSkeletonResponse(posts []domain.SkeletonPost) []map[string]string {
	result := make([]map[string]string, len(posts))
	for i, p := range posts {
		result[i] = map[string]string{"post": p.Post}
	}
	return result
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, errType, message string) {
	writeJSON(w, status, map[string]string{
		"error":   errType,
		"message": message,
	})
}

func withLogging(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(wrapped, r)
			logger.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", wrapped.Status(),
				"duration", time.Since(start),
			)
		})
	}
}

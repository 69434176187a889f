package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the application.
type Config struct {
	// Hostname is the public hostname where this service is reachable (used for did:web).
	Hostname string

	// Port is the HTTP server port.
	Port int

	// PublisherDID is the DID of the account that published the feed generator record.
	PublisherDID string

	// DatabasePath is the SQLite database file path.
	DatabasePath string

	// JetstreamURL is the Jetstream WebSocket endpoint.
	JetstreamURL string

	// PLCDirectoryURL is the base URL of the PLC directory used for did:plc resolution.
	PLCDirectoryURL string

	// AdminSocketPath is the unix socket path for the operator console.
	AdminSocketPath string

	// Retention is how long indexed posts are kept before eviction.
	Retention time.Duration

	// EvictionInterval is how often the eviction cycle runs.
	EvictionInterval time.Duration

	// DefaultPageSize is the feed page size when the caller does not send a limit.
	DefaultPageSize int

	// MaxPageSize is the hard cap on the feed page size.
	MaxPageSize int

	// serviceDID overrides the did:web derived from Hostname when set.
	serviceDID string
}

// ServiceDID returns the DID this service presents as its own identity, which
// is also the expected audience of inbound service tokens.
func (c *Config) ServiceDID() string {
	if c.serviceDID != "" {
		return c.serviceDID
	}
	return "did:web:" + c.Hostname
}

// FeedURI returns the AT-URI of the published feed generator record.
func (c *Config) FeedURI() string {
	return fmt.Sprintf("at://%s/app.bsky.feed.generator/following-no-reposts", c.PublisherDID)
}

// Load reads configuration from environment variables (and an optional .env
// file) with sensible defaults.
func Load() (*Config, error) {
	_ = godotenv.Load()

	port := 3000
	if p := os.Getenv("PORT"); p != "" {
		var err error
		port, err = strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT: %w", err)
		}
	}

	hostname := os.Getenv("FEEDGEN_HOSTNAME")
	if hostname == "" {
		hostname = "localhost"
	}

	publisherDID := os.Getenv("FEEDGEN_PUBLISHER_DID")
	if publisherDID == "" {
		return nil, fmt.Errorf("FEEDGEN_PUBLISHER_DID is required")
	}

	dbPath := os.Getenv("DATABASE_PATH")
	if dbPath == "" {
		dbPath = "./feed.db"
	}

	jetstreamURL := os.Getenv("FEEDGEN_JETSTREAM_URL")
	if jetstreamURL == "" {
		jetstreamURL = "wss://jetstream1.us-east.bsky.network/subscribe"
	}
	if _, err := url.Parse(jetstreamURL); err != nil {
		return nil, fmt.Errorf("invalid FEEDGEN_JETSTREAM_URL: %w", err)
	}

	plcURL := os.Getenv("FEEDGEN_PLC_DIRECTORY_URL")
	if plcURL == "" {
		plcURL = "https://plc.directory"
	}

	adminSocket := os.Getenv("ADMIN_SOCKET")
	if adminSocket == "" {
		adminSocket = "/var/run/following-feed.sock"
	}

	retention := 48 * time.Hour
	if r := os.Getenv("FEEDGEN_RETENTION"); r != "" {
		var err error
		retention, err = time.ParseDuration(r)
		if err != nil {
			return nil, fmt.Errorf("invalid FEEDGEN_RETENTION: %w", err)
		}
	}

	evictionInterval := time.Hour
	if e := os.Getenv("FEEDGEN_EVICTION_INTERVAL"); e != "" {
		var err error
		evictionInterval, err = time.ParseDuration(e)
		if err != nil {
			return nil, fmt.Errorf("invalid FEEDGEN_EVICTION_INTERVAL: %w", err)
		}
	}

	return &Config{
		Hostname:         hostname,
		Port:             port,
		PublisherDID:     publisherDID,
		DatabasePath:     dbPath,
		JetstreamURL:     jetstreamURL,
		PLCDirectoryURL:  plcURL,
		AdminSocketPath:  adminSocket,
		Retention:        retention,
		EvictionInterval: evictionInterval,
		DefaultPageSize:  50,
		MaxPageSize:      100,
		serviceDID:       os.Getenv("FEEDGEN_SERVICE_DID"),
	}, nil
}

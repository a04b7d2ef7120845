package scanship

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bft-labs/scanship/internal/adapters/session"
	"github.com/bft-labs/scanship/internal/app"
)

// Transports understood by Config.Transport.
const (
	TransportHTTP = "http"
	TransportGCS  = "gcs"
)

// DefaultSessionID names the background transfer session.
const DefaultSessionID = "scanship.background"

// File names inside StateDir.
const (
	DatabaseFile = "scanship.db"
	TransferDir  = "transfers"
)

// Config holds the configuration for a Scanship instance.
type Config struct {
	// StateDir holds the record database and the transfer journal. Required.
	StateDir string

	// Transport selects the uploader: "http" (default) or "gcs".
	Transport string

	// ServiceURL is the base URL of the ingestion service.
	ServiceURL string

	// AuthKey is sent as a bearer token to the ingestion service.
	AuthKey string

	// GCSBucket and GCSPrefix locate uploaded objects for the gcs transport.
	GCSBucket string
	GCSPrefix string

	// DeviceID identifies this installation to the remote side.
	DeviceID string

	// Hostname is reported with every upload. Default: os.Hostname()
	Hostname string

	// SessionID names the background transfer session.
	SessionID string

	// Concurrency bounds simultaneous uploads. Default: 4
	Concurrency int

	// MaxAttempts is the automatic retry ceiling. Zero means the default
	// of 5; a negative value means no ceiling.
	MaxAttempts int

	// RetryBaseDelay and RetryMaxDelay shape the exponential delay before a
	// failed record is resubmitted. Defaults: 30s and 30m
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration

	// PollInterval is how often due retries are looked for. Default: 15s
	PollInterval time.Duration

	// HTTPTimeout bounds one request when no HTTP client is supplied.
	// Default: 60s
	HTTPTimeout time.Duration

	// TransferTimeout bounds one upload. Zero means no limit.
	TransferTimeout time.Duration
}

// DefaultConfig returns a Config with default values. StateDir must still
// be set.
func DefaultConfig() Config {
	return Config{
		Transport:      TransportHTTP,
		ServiceURL:     "https://ingest.scanship.dev",
		SessionID:      DefaultSessionID,
		Concurrency:    session.DefaultConcurrency,
		MaxAttempts:    app.DefaultMaxAttempts,
		RetryBaseDelay: app.DefaultRetryBaseDelay,
		RetryMaxDelay:  app.DefaultRetryMaxDelay,
		PollInterval:   app.DefaultPollInterval,
		HTTPTimeout:    60 * time.Second,
	}
}

// SetDefaults fills zero fields with their defaults.
func (c *Config) SetDefaults() {
	d := DefaultConfig()
	if c.Transport == "" {
		c.Transport = d.Transport
	}
	if c.SessionID == "" {
		c.SessionID = d.SessionID
	}
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = d.HTTPTimeout
	}
	if c.Hostname == "" {
		if h, err := os.Hostname(); err == nil {
			c.Hostname = h
		} else {
			c.Hostname = "unknown"
		}
	}
	c.ServiceURL = strings.TrimRight(c.ServiceURL, "/")
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.StateDir == "" {
		return fmt.Errorf("%w: state dir is required", ErrInvalidConfig)
	}
	switch c.Transport {
	case TransportHTTP:
		if c.ServiceURL == "" {
			return fmt.Errorf("%w: service url is required", ErrInvalidConfig)
		}
	case TransportGCS:
		if c.GCSBucket == "" {
			return fmt.Errorf("%w: gcs bucket is required", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown transport %q", ErrInvalidConfig, c.Transport)
	}
	if c.RetryBaseDelay < 0 || c.RetryMaxDelay < 0 {
		return fmt.Errorf("%w: retry delays must not be negative", ErrInvalidConfig)
	}
	return nil
}

func (c *Config) pipelineConfig() app.PipelineConfig {
	return app.PipelineConfig{
		MaxAttempts:    c.MaxAttempts,
		RetryBaseDelay: c.RetryBaseDelay,
		RetryMaxDelay:  c.RetryMaxDelay,
		PollInterval:   c.PollInterval,
	}
}

func (c *Config) databasePath() string {
	return filepath.Join(c.StateDir, DatabaseFile)
}

func (c *Config) transferDir() string {
	return filepath.Join(c.StateDir, TransferDir)
}

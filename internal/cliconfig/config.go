package cliconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/bft-labs/scanship/internal/domain"
)

// DefaultServiceURL is the default ingestion endpoint.
const DefaultServiceURL = "https://ingest.scanship.dev"

// DefaultSessionID names the background transfer session.
const DefaultSessionID = "scanship.background"

// Supported transports.
const (
	TransportHTTP = "http"
	TransportGCS  = "gcs"
)

// Config holds CLI configuration for scanship.
type Config struct {
	StateDir string

	ServiceURL string
	AuthKey    string
	Transport  string
	GCSBucket  string
	GCSPrefix  string

	SessionID   string
	Concurrency int

	MaxAttempts    int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	PollInterval   time.Duration
	HTTPTimeout    time.Duration

	InboxDir  string
	Retention time.Duration
	GateProbe string

	LogLevel string
	Once     bool
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		ServiceURL:     DefaultServiceURL,
		Transport:      TransportHTTP,
		SessionID:      DefaultSessionID,
		Concurrency:    4,
		MaxAttempts:    5,
		RetryBaseDelay: 30 * time.Second,
		RetryMaxDelay:  30 * time.Minute,
		PollInterval:   15 * time.Second,
		HTTPTimeout:    60 * time.Second,
		Retention:      30 * 24 * time.Hour,
		LogLevel:       "info",
		StateDir:       "", // Derived from the home directory during Validate
		AuthKey:        os.Getenv("SCANSHIP_AUTH_KEY"),
	}
}

// DefaultStateDir returns ~/.scanship/state, or a relative fallback when
// the home directory is unknown.
func DefaultStateDir() string {
	if h, err := os.UserHomeDir(); err == nil {
		return filepath.Join(h, ".scanship", "state")
	}
	return ".scanship"
}

// Validate checks the configuration for errors and sets derived defaults.
// Errors wrap domain.ErrInvalidConfig.
func (c *Config) Validate() error {
	if c.StateDir == "" {
		c.StateDir = DefaultStateDir()
	}
	if c.SessionID == "" {
		c.SessionID = DefaultSessionID
	}

	c.Transport = strings.ToLower(strings.TrimSpace(c.Transport))
	switch c.Transport {
	case "", TransportHTTP:
		c.Transport = TransportHTTP
		if c.ServiceURL == "" {
			c.ServiceURL = DefaultServiceURL
		}
		c.ServiceURL = strings.TrimRight(c.ServiceURL, "/")
	case TransportGCS:
		if c.GCSBucket == "" {
			return invalid("gcs-bucket is required for the gcs transport")
		}
		c.GCSPrefix = strings.Trim(c.GCSPrefix, "/")
	default:
		return invalid("unknown transport %q (want %s or %s)", c.Transport, TransportHTTP, TransportGCS)
	}

	if c.Concurrency <= 0 {
		return invalid("concurrency must be positive")
	}
	if c.MaxAttempts < 0 {
		return invalid("max-attempts must not be negative")
	}
	if c.PollInterval <= 0 {
		return invalid("poll interval must be positive")
	}
	if c.RetryBaseDelay < 0 || c.RetryMaxDelay < 0 {
		return invalid("retry delays must not be negative")
	}
	if c.RetryMaxDelay > 0 && c.RetryBaseDelay > c.RetryMaxDelay {
		return invalid("retry-base-delay %s exceeds retry-max-delay %s", c.RetryBaseDelay, c.RetryMaxDelay)
	}
	if c.Retention < 0 {
		return invalid("retention must not be negative")
	}
	return nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", domain.ErrInvalidConfig, fmt.Sprintf(format, args...))
}

// configSetter helps apply configuration values while respecting flag precedence.
// It only applies values if the corresponding flag hasn't been explicitly set.
type configSetter struct {
	changed map[string]bool
}

// newConfigSetter creates a new setter with the given changed flags map.
func newConfigSetter(changed map[string]bool) *configSetter {
	return &configSetter{changed: changed}
}

// setString sets a string value if not empty and flag not changed.
func (s *configSetter) setString(flag, value string, dst *string) {
	if value == "" || s.changed[flag] {
		return
	}
	*dst = value
}

// setInt sets an int value if positive and flag not changed.
func (s *configSetter) setInt(flag string, value int, dst *int) {
	if value <= 0 || s.changed[flag] {
		return
	}
	*dst = value
}

// setIntPtr sets an int value from a pointer, zero included.
func (s *configSetter) setIntPtr(flag string, value *int, dst *int) {
	if value == nil || s.changed[flag] {
		return
	}
	*dst = *value
}

// setDuration parses and sets a duration from string if valid and flag not changed.
func (s *configSetter) setDuration(flag, value string, dst *time.Duration) error {
	if value == "" || s.changed[flag] {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", flag, err)
	}
	*dst = d
	return nil
}

// setBool sets a bool value from a pointer if not nil and flag not changed.
func (s *configSetter) setBool(flag string, value *bool, dst *bool) {
	if value == nil || s.changed[flag] {
		return
	}
	*dst = *value
}

// setIntFromString parses a string to int and sets the destination if valid.
// Zero is accepted so env can lift the attempt ceiling.
func (s *configSetter) setIntFromString(flag, value string, dst *int) error {
	if value == "" || s.changed[flag] {
		return nil
	}
	i, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", flag, err)
	}
	if i < 0 {
		return nil
	}
	*dst = i
	return nil
}

// setBoolFromString parses a string to bool and sets the destination.
// Accepts "true", "1" as true, anything else as false.
func (s *configSetter) setBoolFromString(flag, value string, dst *bool) {
	if value == "" || s.changed[flag] {
		return
	}
	*dst = value == "true" || value == "1"
}

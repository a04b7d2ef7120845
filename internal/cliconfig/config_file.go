package cliconfig

import (
	"os"
	"path/filepath"

	toml "github.com/pelletier/go-toml/v2"
)

// FileConfig mirrors Config but uses strings for durations to make TOML friendly.
type FileConfig struct {
	StateDir       string `toml:"state_dir"`
	ServiceURL     string `toml:"service_url"`
	AuthKey        string `toml:"auth_key"`
	Transport      string `toml:"transport"`
	GCSBucket      string `toml:"gcs_bucket"`
	GCSPrefix      string `toml:"gcs_prefix"`
	SessionID      string `toml:"session_id"`
	Concurrency    int    `toml:"concurrency"`
	MaxAttempts    *int   `toml:"max_attempts"`
	RetryBaseDelay string `toml:"retry_base_delay"`
	RetryMaxDelay  string `toml:"retry_max_delay"`
	PollInterval   string `toml:"poll_interval"`
	HTTPTimeout    string `toml:"http_timeout"`
	InboxDir       string `toml:"inbox_dir"`
	Retention      string `toml:"retention"`
	GateProbe      string `toml:"gate_probe"`
	LogLevel       string `toml:"log_level"`
	Once           *bool  `toml:"once"`
}

// LoadFileConfig reads and parses a TOML config file from the given path.
func LoadFileConfig(path string) (FileConfig, error) {
	var fc FileConfig
	b, err := os.ReadFile(path)
	if err != nil {
		return fc, err
	}
	if err := toml.Unmarshal(b, &fc); err != nil {
		return fc, err
	}
	return fc, nil
}

// DefaultConfigPath returns the default configuration file path.
// Returns ~/.scanship/config.toml if user home directory is accessible.
func DefaultConfigPath() string {
	if h, err := os.UserHomeDir(); err == nil {
		return filepath.Join(h, ".scanship", "config.toml")
	}
	return ""
}

// ApplyFileConfig applies configuration from a file to the Config struct.
// It respects flags that have been explicitly set (changed map).
func ApplyFileConfig(cfg *Config, fc FileConfig, changed map[string]bool) error {
	s := newConfigSetter(changed)

	s.setString("state-dir", fc.StateDir, &cfg.StateDir)
	s.setString("service-url", fc.ServiceURL, &cfg.ServiceURL)
	s.setString("auth-key", fc.AuthKey, &cfg.AuthKey)
	s.setString("transport", fc.Transport, &cfg.Transport)
	s.setString("gcs-bucket", fc.GCSBucket, &cfg.GCSBucket)
	s.setString("gcs-prefix", fc.GCSPrefix, &cfg.GCSPrefix)
	s.setString("session-id", fc.SessionID, &cfg.SessionID)
	s.setString("inbox-dir", fc.InboxDir, &cfg.InboxDir)
	s.setString("gate-probe", fc.GateProbe, &cfg.GateProbe)
	s.setString("log-level", fc.LogLevel, &cfg.LogLevel)

	if err := s.setDuration("retry-base-delay", fc.RetryBaseDelay, &cfg.RetryBaseDelay); err != nil {
		return err
	}
	if err := s.setDuration("retry-max-delay", fc.RetryMaxDelay, &cfg.RetryMaxDelay); err != nil {
		return err
	}
	if err := s.setDuration("poll", fc.PollInterval, &cfg.PollInterval); err != nil {
		return err
	}
	if err := s.setDuration("timeout", fc.HTTPTimeout, &cfg.HTTPTimeout); err != nil {
		return err
	}
	if err := s.setDuration("retention", fc.Retention, &cfg.Retention); err != nil {
		return err
	}

	s.setInt("concurrency", fc.Concurrency, &cfg.Concurrency)
	s.setIntPtr("max-attempts", fc.MaxAttempts, &cfg.MaxAttempts)

	s.setBool("once", fc.Once, &cfg.Once)

	return nil
}

// FileExists checks if a file exists at the given path.
func FileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

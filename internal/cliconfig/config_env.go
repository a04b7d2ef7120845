package cliconfig

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

// EnvPrefix prefixes every environment variable scanship reads.
const EnvPrefix = "SCANSHIP_"

// LoadDotEnv loads variables from a .env file into the environment.
// Variables already set are left alone. A missing default file is not an
// error; an explicitly named one must exist.
func LoadDotEnv(path string) error {
	explicit := path != ""
	if !explicit {
		path = ".env"
	}
	if !FileExists(path) {
		if explicit {
			return fmt.Errorf("env file %s not found", path)
		}
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

// ApplyEnvConfig applies SCANSHIP_* environment variables to cfg.
// It respects flags that have been explicitly set (changed map).
func ApplyEnvConfig(cfg *Config, changed map[string]bool) error {
	s := newConfigSetter(changed)
	env := func(name string) string { return os.Getenv(EnvPrefix + name) }

	s.setString("state-dir", env("STATE_DIR"), &cfg.StateDir)
	s.setString("service-url", env("SERVICE_URL"), &cfg.ServiceURL)
	s.setString("auth-key", env("AUTH_KEY"), &cfg.AuthKey)
	s.setString("transport", env("TRANSPORT"), &cfg.Transport)
	s.setString("gcs-bucket", env("GCS_BUCKET"), &cfg.GCSBucket)
	s.setString("gcs-prefix", env("GCS_PREFIX"), &cfg.GCSPrefix)
	s.setString("session-id", env("SESSION_ID"), &cfg.SessionID)
	s.setString("inbox-dir", env("INBOX_DIR"), &cfg.InboxDir)
	s.setString("gate-probe", env("GATE_PROBE"), &cfg.GateProbe)
	s.setString("log-level", env("LOG_LEVEL"), &cfg.LogLevel)

	if err := s.setDuration("retry-base-delay", env("RETRY_BASE_DELAY"), &cfg.RetryBaseDelay); err != nil {
		return err
	}
	if err := s.setDuration("retry-max-delay", env("RETRY_MAX_DELAY"), &cfg.RetryMaxDelay); err != nil {
		return err
	}
	if err := s.setDuration("poll", env("POLL_INTERVAL"), &cfg.PollInterval); err != nil {
		return err
	}
	if err := s.setDuration("timeout", env("HTTP_TIMEOUT"), &cfg.HTTPTimeout); err != nil {
		return err
	}
	if err := s.setDuration("retention", env("RETENTION"), &cfg.Retention); err != nil {
		return err
	}

	if err := s.setIntFromString("concurrency", env("CONCURRENCY"), &cfg.Concurrency); err != nil {
		return err
	}
	if err := s.setIntFromString("max-attempts", env("MAX_ATTEMPTS"), &cfg.MaxAttempts); err != nil {
		return err
	}

	s.setBoolFromString("once", env("ONCE"), &cfg.Once)

	return nil
}

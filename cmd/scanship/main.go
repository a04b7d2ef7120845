package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	pflag "github.com/spf13/pflag"

	"github.com/bft-labs/scanship/internal/cliconfig"
	"github.com/bft-labs/scanship/pkg/log"
	"github.com/bft-labs/scanship/pkg/scanship"
	"github.com/bft-labs/scanship/plugins/inboxwatcher"
	"github.com/bft-labs/scanship/plugins/retention"
)

// lockFileName guards a state directory against a second daemon.
const lockFileName = "scanship.lock"

const helpDescription = `
Capture scanned documents and deliver them to the ingestion service.

Highlights:
  - Every capture is stored durably before it is uploaded.
  - Uploads survive restarts; interrupted transfers are reconciled on start.
  - Failed uploads are retried with backoff up to a configurable ceiling.
  - Configure via file, env, or flags; drop files into an inbox to capture them.
`

var longHelp = "scanship " + getVersion() + "\n\n" + strings.TrimSpace(helpDescription)

var exampleUsage = strings.TrimSpace(`
  scanship --auth-key <api-key> --inbox-dir ~/Scans
  scanship --config $HOME/.scanship/config.toml --once
  scanship capture receipt.pdf
  scanship list --status failed
  scanship retry
`)

func getVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return scanship.Version
}

// cli carries the configuration shared by every command.
type cli struct {
	cfg     cliconfig.Config
	cfgPath string
	envPath string
	log     zerolog.Logger
}

func main() {
	c := &cli{cfg: cliconfig.DefaultConfig()}
	c.log, _ = log.NewConsoleLogger("info")

	root := &cobra.Command{
		Use:           "scanship",
		Short:         "Capture scanned documents and deliver them to the ingestion service",
		Long:          longHelp,
		Example:       exampleUsage,
		Version:       fmt.Sprintf("%s %s/%s", getVersion(), runtime.GOOS, runtime.GOARCH),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.load(cmd); err != nil {
				return err
			}
			return c.runDaemon()
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&c.cfgPath, "config", "", "path to config file (default: $HOME/.scanship/config.toml)")
	flags.StringVar(&c.envPath, "env-file", "", "path to a .env file (default: ./.env when present)")
	flags.StringVar(&c.cfg.StateDir, "state-dir", c.cfg.StateDir, "directory for the record database and transfer journal (default: $HOME/.scanship/state)")
	flags.StringVar(&c.cfg.LogLevel, "log-level", c.cfg.LogLevel, "log level: debug, info, warn, error")

	root.Flags().StringVar(&c.cfg.Transport, "transport", c.cfg.Transport, "upload transport: http or gcs")
	root.Flags().StringVar(&c.cfg.ServiceURL, "service-url", c.cfg.ServiceURL, fmt.Sprintf("base service URL (defaults to %s; override only for internal testing)", cliconfig.DefaultServiceURL))
	if err := root.Flags().MarkHidden("service-url"); err != nil {
		c.log.Info().Err(err).Msg("failed to hide service-url flag")
	}
	root.Flags().StringVar(&c.cfg.AuthKey, "auth-key", c.cfg.AuthKey, "API key for authentication")
	root.Flags().StringVar(&c.cfg.GCSBucket, "gcs-bucket", c.cfg.GCSBucket, "bucket for the gcs transport")
	root.Flags().StringVar(&c.cfg.GCSPrefix, "gcs-prefix", c.cfg.GCSPrefix, "object prefix for the gcs transport")
	root.Flags().StringVar(&c.cfg.SessionID, "session-id", c.cfg.SessionID, "background transfer session name")
	root.Flags().IntVar(&c.cfg.Concurrency, "concurrency", c.cfg.Concurrency, "simultaneous uploads")
	root.Flags().IntVar(&c.cfg.MaxAttempts, "max-attempts", c.cfg.MaxAttempts, "upload attempts before a record stays failed (0 = unlimited)")
	root.Flags().DurationVar(&c.cfg.RetryBaseDelay, "retry-base-delay", c.cfg.RetryBaseDelay, "delay before the first retry")
	root.Flags().DurationVar(&c.cfg.RetryMaxDelay, "retry-max-delay", c.cfg.RetryMaxDelay, "upper bound on the retry delay")
	root.Flags().DurationVar(&c.cfg.PollInterval, "poll", c.cfg.PollInterval, "how often due retries are looked for")
	root.Flags().DurationVar(&c.cfg.HTTPTimeout, "timeout", c.cfg.HTTPTimeout, "HTTP timeout")
	root.Flags().StringVar(&c.cfg.InboxDir, "inbox-dir", c.cfg.InboxDir, "directory whose new files are captured (optional)")
	root.Flags().DurationVar(&c.cfg.Retention, "retention", c.cfg.Retention, "how long uploaded records are kept (0 = forever)")
	root.Flags().StringVar(&c.cfg.GateProbe, "gate-probe", c.cfg.GateProbe, "host:port that must be reachable before uploading (optional)")
	root.Flags().BoolVar(&c.cfg.Once, "once", c.cfg.Once, "upload what is pending and exit")

	root.AddCommand(
		newCaptureCommand(c),
		newListCommand(c),
		newRetryCommand(c),
		newDeleteCommand(c),
	)

	if err := root.Execute(); err != nil {
		c.log.Error().Err(err).Msg("scanship")
		os.Exit(1)
	}
}

// load resolves configuration: defaults < config file < env < flags.
func (c *cli) load(cmd *cobra.Command) error {
	if err := cliconfig.LoadDotEnv(c.envPath); err != nil {
		return err
	}

	cfgFile := c.cfgPath
	if cfgFile == "" {
		cfgFile = cliconfig.DefaultConfigPath()
	}

	changed := map[string]bool{}
	cmd.Flags().Visit(func(f *pflag.Flag) { changed[f.Name] = true })

	if cfgFile != "" && cliconfig.FileExists(cfgFile) {
		fc, err := cliconfig.LoadFileConfig(cfgFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if err := cliconfig.ApplyFileConfig(&c.cfg, fc, changed); err != nil {
			return err
		}
	} else if c.cfgPath != "" {
		return fmt.Errorf("config file %s not found", c.cfgPath)
	}

	if err := cliconfig.ApplyEnvConfig(&c.cfg, changed); err != nil {
		return err
	}

	if err := c.cfg.Validate(); err != nil {
		return err
	}

	logger, err := log.NewConsoleLogger(c.cfg.LogLevel)
	if err != nil {
		return err
	}
	c.log = logger
	return nil
}

// library converts the CLI configuration into a scanship.Config.
func (c *cli) library(dev cliconfig.DeviceInfo) scanship.Config {
	maxAttempts := c.cfg.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = -1
	}
	return scanship.Config{
		StateDir:       c.cfg.StateDir,
		Transport:      c.cfg.Transport,
		ServiceURL:     c.cfg.ServiceURL,
		AuthKey:        c.cfg.AuthKey,
		GCSBucket:      c.cfg.GCSBucket,
		GCSPrefix:      c.cfg.GCSPrefix,
		DeviceID:       dev.ID,
		Hostname:       dev.Hostname,
		SessionID:      c.cfg.SessionID,
		Concurrency:    c.cfg.Concurrency,
		MaxAttempts:    maxAttempts,
		RetryBaseDelay: c.cfg.RetryBaseDelay,
		RetryMaxDelay:  c.cfg.RetryMaxDelay,
		PollInterval:   c.cfg.PollInterval,
		HTTPTimeout:    c.cfg.HTTPTimeout,
	}
}

func (c *cli) runDaemon() error {
	lock := flock.New(filepath.Join(c.cfg.StateDir, lockFileName))
	if err := os.MkdirAll(c.cfg.StateDir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	ok, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("another scanship daemon is using %s", c.cfg.StateDir)
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			c.log.Warn().Err(err).Msg("release lock")
		}
	}()

	dev, err := cliconfig.LoadDeviceInfo(c.cfg.StateDir)
	if err != nil {
		return err
	}

	// Log configuration (masking API key)
	logCfg := c.cfg
	if len(logCfg.AuthKey) > 0 {
		logCfg.AuthKey = "*****"
	}
	c.log.Info().Interface("config", logCfg).Str("device_id", dev.ID).Msg("configuration")

	opts := []scanship.Option{
		scanship.WithLogger(log.NewZerologAdapterWithLogger(c.log)),
	}
	if c.cfg.InboxDir != "" {
		inbox := inboxwatcher.DefaultConfig()
		inbox.Dir = c.cfg.InboxDir
		opts = append(opts, inboxwatcher.WithInboxWatcher(inbox))
	}
	if c.cfg.Retention > 0 {
		ret := retention.DefaultConfig()
		ret.MaxAge = c.cfg.Retention
		opts = append(opts, retention.WithRetention(ret))
	}
	if c.cfg.GateProbe != "" {
		gating := scanship.DefaultGatingConfig()
		gating.ProbeAddr = c.cfg.GateProbe
		opts = append(opts, scanship.WithGating(gating))
	}

	s, err := scanship.New(c.library(dev), opts...)
	if err != nil {
		return fmt.Errorf("create scanship: %w", err)
	}
	defer func() { _ = s.Close() }()

	// Setup signal handling for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	if err := s.Start(ctx); err != nil {
		return fmt.Errorf("start scanship: %w", err)
	}

	doneCh := make(chan struct{})
	var doneOnce sync.Once
	done := func() { doneOnce.Do(func() { close(doneCh) }) }

	if c.cfg.Once {
		if _, err := s.EnqueuePendingUploads(ctx); err != nil {
			c.log.Error().Err(err).Msg("dispatch pending uploads")
		}
		s.AttachBackgroundCompletionHandler(done, "")
	}

	go func() {
		// Poll for a crashed worker
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if s.Status() == scanship.StateCrashed {
					done()
					return
				}
			}
		}
	}()

	select {
	case <-sigCh:
		c.log.Info().Msg("received signal, stopping...")
	case <-doneCh:
		if s.Status() == scanship.StateCrashed {
			c.log.Error().Msg("scanship crashed")
		} else if stats, err := s.Stats(ctx); err == nil {
			c.log.Info().
				Int("pending", stats[scanship.StatusPending]).
				Int("uploaded", stats[scanship.StatusUploaded]).
				Int("failed", stats[scanship.StatusFailed]).
				Msg("uploads settled")
		}
	}

	if err := s.Stop(); err != nil {
		return fmt.Errorf("stop scanship: %w", err)
	}
	return nil
}

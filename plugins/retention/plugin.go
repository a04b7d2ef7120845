// Package retention purges delivered records from the scanship record
// store once they are older than a configured age.
package retention

import (
	"context"
	"sync"
	"time"

	"github.com/bft-labs/scanship/pkg/log"
	"github.com/bft-labs/scanship/pkg/scanship"
)

// Plugin implements record retention.
type Plugin struct {
	mu sync.RWMutex

	// Configuration
	maxAge         time.Duration
	checkInterval  time.Duration
	runImmediately bool

	// Runtime state
	host   scanship.Host
	logger scanship.Logger
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Config holds configuration options for the retention plugin.
type Config struct {
	// MaxAge is how long an uploaded record is kept. Zero disables purging.
	// Default: 30 days
	MaxAge time.Duration

	// CheckInterval is how often old records are purged.
	// Default: 1 hour
	CheckInterval time.Duration

	// RunImmediately if true, purges once on startup.
	RunImmediately bool
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxAge:         30 * 24 * time.Hour,
		CheckInterval:  time.Hour,
		RunImmediately: true,
	}
}

// New creates a new retention plugin with the given configuration.
func New(cfg Config) *Plugin {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = time.Hour
	}

	return &Plugin{
		maxAge:         cfg.MaxAge,
		checkInterval:  cfg.CheckInterval,
		runImmediately: cfg.RunImmediately,
	}
}

// Name returns the plugin identifier.
func (p *Plugin) Name() string {
	return "retention"
}

// Initialize starts the purge loop.
func (p *Plugin) Initialize(ctx context.Context, cfg scanship.PluginConfig) error {
	p.mu.Lock()
	p.host = cfg.Host
	p.logger = cfg.Logger
	p.mu.Unlock()

	if p.maxAge <= 0 {
		p.logger.Warn("retention disabled: no maximum age configured")
		return nil
	}

	purgeCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	p.logger.Info("retention plugin initialized", log.Duration("max_age", p.maxAge))

	p.wg.Add(1)
	go p.purgeLoop(purgeCtx)

	return nil
}

// Shutdown stops the purge loop.
func (p *Plugin) Shutdown(ctx context.Context) error {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	return nil
}

// purgeLoop runs periodic purges.
func (p *Plugin) purgeLoop(ctx context.Context) {
	defer p.wg.Done()

	if p.runImmediately {
		p.purgeOnce(ctx)
	}

	ticker := time.NewTicker(p.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.purgeOnce(ctx)
		}
	}
}

// purgeOnce deletes uploaded records older than maxAge.
func (p *Plugin) purgeOnce(ctx context.Context) {
	p.mu.RLock()
	host, maxAge := p.host, p.maxAge
	p.mu.RUnlock()

	n, err := host.PurgeUploaded(ctx, maxAge)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Error("retention: purge failed", log.Err(err))
		}
		return
	}
	if n > 0 {
		p.logger.Info("retention: purged uploaded records", log.Int64("count", n))
	}
}

// Ensure Plugin implements scanship.Plugin.
var _ scanship.Plugin = (*Plugin)(nil)

// Package inboxwatcher turns files dropped into a directory into scanship
// records. Each file is captured once its writes have settled, then removed
// (or moved aside) so it is not captured twice.
package inboxwatcher

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/bft-labs/scanship/pkg/log"
	"github.com/bft-labs/scanship/pkg/scanship"
)

// CapturedDir is where captured files are moved when KeepCaptured is set.
const CapturedDir = ".captured"

// Plugin implements inbox watching.
type Plugin struct {
	mu sync.Mutex

	// Configuration
	dir           string
	debounceDelay time.Duration
	retryInterval time.Duration
	keepCaptured  bool

	// Runtime state
	host   scanship.Host
	logger scanship.Logger
	cancel context.CancelFunc
	wg     sync.WaitGroup
	timers map[string]*time.Timer
}

// Config holds configuration options for the inbox watcher plugin.
type Config struct {
	// Dir is the watched directory. Empty disables the plugin.
	Dir string

	// DebounceDelay is how long a file must stay unchanged before it is
	// captured. Default: 500 milliseconds
	DebounceDelay time.Duration

	// RetryInterval is the delay between capture retries on failure.
	// Default: 5 seconds
	RetryInterval time.Duration

	// KeepCaptured moves captured files into Dir/.captured instead of
	// deleting them.
	KeepCaptured bool
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		DebounceDelay: 500 * time.Millisecond,
		RetryInterval: 5 * time.Second,
	}
}

// New creates a new inbox watcher plugin with the given configuration.
func New(cfg Config) *Plugin {
	if cfg.DebounceDelay <= 0 {
		cfg.DebounceDelay = 500 * time.Millisecond
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 5 * time.Second
	}

	return &Plugin{
		dir:           cfg.Dir,
		debounceDelay: cfg.DebounceDelay,
		retryInterval: cfg.RetryInterval,
		keepCaptured:  cfg.KeepCaptured,
		timers:        make(map[string]*time.Timer),
	}
}

// Name returns the plugin identifier.
func (p *Plugin) Name() string {
	return "inboxwatcher"
}

// Initialize creates the inbox directory and starts watching it.
func (p *Plugin) Initialize(ctx context.Context, cfg scanship.PluginConfig) error {
	p.mu.Lock()
	p.host = cfg.Host
	p.logger = cfg.Logger
	p.mu.Unlock()

	if p.dir == "" {
		p.logger.Warn("inbox watcher disabled: no inbox directory configured")
		return nil
	}
	if err := os.MkdirAll(p.dir, 0o755); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(p.dir); err != nil {
		_ = watcher.Close()
		return err
	}

	watchCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	p.logger.Info("inbox watcher plugin initialized", log.String("dir", p.dir))

	p.wg.Add(1)
	go p.watchLoop(watchCtx, watcher)

	return nil
}

// Shutdown stops the watcher and waits for captures in progress.
// Safe to call more than once.
func (p *Plugin) Shutdown(ctx context.Context) error {
	if p.cancel != nil {
		p.cancel()
	}

	p.mu.Lock()
	for path, t := range p.timers {
		if t.Stop() {
			p.wg.Done()
		}
		delete(p.timers, path)
	}
	p.mu.Unlock()

	p.wg.Wait()
	return nil
}

// watchLoop captures files already waiting, then follows new ones.
func (p *Plugin) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer p.wg.Done()
	defer watcher.Close()

	entries, err := os.ReadDir(p.dir)
	if err != nil {
		p.logger.Error("inbox watcher: list inbox failed", log.Err(err))
	}
	for _, e := range entries {
		if e.Type().IsRegular() && eligible(e.Name()) {
			p.schedule(ctx, filepath.Join(p.dir, e.Name()))
		}
	}

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !eligible(filepath.Base(event.Name)) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			p.schedule(ctx, event.Name)

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			p.logger.Error("inbox watcher: watcher error", log.Err(err))
		}
	}
}

// eligible skips hidden and partially written files.
func eligible(name string) bool {
	if strings.HasPrefix(name, ".") {
		return false
	}
	switch filepath.Ext(name) {
	case ".tmp", ".part", ".crdownload":
		return false
	}
	return true
}

// schedule (re)arms the debounce timer for path.
func (p *Plugin) schedule(ctx context.Context, path string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if ctx.Err() != nil {
		return
	}
	if t, ok := p.timers[path]; ok && t.Stop() {
		p.wg.Done()
	}

	var t *time.Timer
	p.wg.Add(1)
	t = time.AfterFunc(p.debounceDelay, func() {
		defer p.wg.Done()
		p.mu.Lock()
		if p.timers[path] == t {
			delete(p.timers, path)
		}
		p.mu.Unlock()
		p.captureFile(ctx, path)
	})
	p.timers[path] = t
}

// captureFile stores the file as a record, retrying until it succeeds or
// the plugin stops.
func (p *Plugin) captureFile(ctx context.Context, path string) {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			p.logger.Warn("inbox watcher: read failed", log.String("file", path), log.Err(err))
		}
		return
	}
	if len(data) == 0 {
		p.logger.Debug("inbox watcher: skipping empty file", log.String("file", path))
		return
	}

	for {
		rec, err := p.host.Capture(ctx, data)
		if err == nil {
			p.logger.Info("inbox file captured",
				log.String("file", filepath.Base(path)),
				log.String("record_id", rec.ID),
			)
			p.settle(path)
			return
		}
		if errors.Is(err, scanship.ErrNotRunning) || ctx.Err() != nil {
			return
		}

		p.logger.Error("inbox watcher: capture failed, will retry",
			log.String("file", path),
			log.Err(err),
		)
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.retryInterval):
		}
	}
}

// settle removes or moves aside a captured file.
func (p *Plugin) settle(path string) {
	var err error
	if p.keepCaptured {
		dst := filepath.Join(p.dir, CapturedDir)
		if err = os.MkdirAll(dst, 0o755); err == nil {
			err = os.Rename(path, filepath.Join(dst, filepath.Base(path)))
		}
	} else {
		err = os.Remove(path)
	}
	if err != nil && !os.IsNotExist(err) {
		p.logger.Error("inbox watcher: captured file left in inbox",
			log.String("file", path),
			log.Err(err),
		)
	}
}

// Ensure Plugin implements scanship.Plugin.
var _ scanship.Plugin = (*Plugin)(nil)

package scanship

import (
	"net"
	"runtime"
	"sync"
	"time"

	"github.com/bft-labs/scanship/internal/ports"
)

// GatingConfig holds configuration options for dispatch gating.
// Gating holds dispatch passes while the machine is overloaded or the
// network is unreachable; records stay pending and the next pass retries.
type GatingConfig struct {
	// Enabled controls whether gating is active.
	Enabled bool

	// LoadThreshold is the approximate load fraction (0.0-1.0) above which
	// dispatch is held. Default: 0.85
	LoadThreshold float64

	// ProbeAddr is a host:port dialed to check connectivity. Empty means
	// no connectivity check.
	ProbeAddr string

	// ProbeTimeout bounds one dial. Default: 3s
	ProbeTimeout time.Duration

	// ProbeInterval is how long a probe result is reused. Default: 10s
	ProbeInterval time.Duration
}

// DefaultGatingConfig returns a GatingConfig with default values.
func DefaultGatingConfig() GatingConfig {
	return GatingConfig{
		Enabled:       true,
		LoadThreshold: 0.85,
		ProbeTimeout:  3 * time.Second,
		ProbeInterval: 10 * time.Second,
	}
}

// WithGating enables dispatch gating with the specified configuration.
//
//	s, err := scanship.New(cfg,
//	    scanship.WithGating(scanship.GatingConfig{
//	        Enabled:   true,
//	        ProbeAddr: "ingest.scanship.dev:443",
//	    }),
//	)
func WithGating(cfg GatingConfig) Option {
	if !cfg.Enabled {
		return func(o *options) {}
	}

	d := DefaultGatingConfig()
	if cfg.LoadThreshold <= 0 {
		cfg.LoadThreshold = d.LoadThreshold
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = d.ProbeTimeout
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = d.ProbeInterval
	}

	return func(o *options) {
		o.gatingConfig = &cfg
	}
}

// goroutinesPerCPUAtFullLoad maps goroutine count to approximate load.
const goroutinesPerCPUAtFullLoad = 12.0

// dialFunc opens a connection for the connectivity probe.
type dialFunc func(network, addr string, timeout time.Duration) (net.Conn, error)

// resourceGate implements ports.Gate.
type resourceGate struct {
	cfg    GatingConfig
	logger ports.Logger
	dial   dialFunc
	now    func() time.Time

	mu        sync.Mutex
	probedAt  time.Time
	reachable bool
}

func newResourceGate(cfg GatingConfig, logger ports.Logger) *resourceGate {
	return &resourceGate{
		cfg:    cfg,
		logger: logger,
		dial:   net.DialTimeout,
		now:    time.Now,
	}
}

// OK returns true if load and connectivity allow uploading.
func (g *resourceGate) OK() bool {
	return g.loadOK() && g.reachableOK()
}

// loadOK uses goroutine count as a proxy for system load.
func (g *resourceGate) loadOK() bool {
	numGoroutines := runtime.NumGoroutine()
	numCPU := runtime.NumCPU()
	if numCPU <= 0 {
		numCPU = 1
	}

	approxLoad := float64(numGoroutines) / float64(numCPU) / goroutinesPerCPUAtFullLoad
	if approxLoad > 1.0 {
		approxLoad = 1.0
	}

	if approxLoad > g.cfg.LoadThreshold {
		g.logger.Debug("gate: high load, holding dispatch",
			ports.Int("goroutines", numGoroutines),
			ports.Int("cpus", numCPU),
			ports.Float64("approx_load", approxLoad),
			ports.Float64("threshold", g.cfg.LoadThreshold),
		)
		return false
	}
	return true
}

// reachableOK dials ProbeAddr, reusing the last result for ProbeInterval.
func (g *resourceGate) reachableOK() bool {
	if g.cfg.ProbeAddr == "" {
		return true
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if !g.probedAt.IsZero() && now.Sub(g.probedAt) < g.cfg.ProbeInterval {
		return g.reachable
	}

	conn, err := g.dial("tcp", g.cfg.ProbeAddr, g.cfg.ProbeTimeout)
	g.probedAt = now
	g.reachable = err == nil
	if err != nil {
		g.logger.Debug("gate: probe failed, holding dispatch",
			ports.String("addr", g.cfg.ProbeAddr),
			ports.Err(err),
		)
		return false
	}
	_ = conn.Close()
	return true
}

var _ ports.Gate = (*resourceGate)(nil)

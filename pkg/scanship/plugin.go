package scanship

import (
	"context"
	"time"
)

// Plugin extends a Scanship instance with optional behavior.
type Plugin interface {
	// Name returns the plugin identifier used in logs.
	Name() string

	// Initialize is called by Start before reconciliation. An error aborts
	// Start.
	Initialize(ctx context.Context, cfg PluginConfig) error

	// Shutdown is called by Stop, in reverse registration order.
	Shutdown(ctx context.Context) error
}

// Host is the part of a Scanship instance plugins may drive.
type Host interface {
	// Capture stores payload as a new pending record and dispatches it.
	Capture(ctx context.Context, payload []byte) (*Record, error)

	// PurgeUploaded deletes uploaded records last changed more than
	// olderThan ago.
	PurgeUploaded(ctx context.Context, olderThan time.Duration) (int64, error)
}

// PluginConfig is passed to Plugin.Initialize.
type PluginConfig struct {
	StateDir  string
	SessionID string
	DeviceID  string
	Logger    Logger
	Host      Host
}

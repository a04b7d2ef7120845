package retention

import "github.com/bft-labs/scanship/pkg/scanship"

// WithRetention returns a scanship Option that periodically purges uploaded
// records older than cfg.MaxAge.
//
// Usage:
//
//	s, err := scanship.New(cfg,
//	    retention.WithRetention(retention.Config{
//	        MaxAge:        7 * 24 * time.Hour,
//	        CheckInterval: time.Hour,
//	    }),
//	)
func WithRetention(cfg Config) scanship.Option {
	plugin := New(cfg)
	return scanship.WithPlugin(plugin)
}

// WithDefaultRetention returns a scanship Option that keeps uploaded
// records for 30 days and checks hourly.
func WithDefaultRetention() scanship.Option {
	return WithRetention(DefaultConfig())
}

package inboxwatcher

import "github.com/bft-labs/scanship/pkg/scanship"

// WithInboxWatcher returns a scanship Option that captures files dropped
// into cfg.Dir.
//
// Usage:
//
//	s, err := scanship.New(cfg,
//	    inboxwatcher.WithInboxWatcher(inboxwatcher.Config{
//	        Dir:           "/srv/scans/inbox",
//	        DebounceDelay: time.Second,
//	    }),
//	)
func WithInboxWatcher(cfg Config) scanship.Option {
	plugin := New(cfg)
	return scanship.WithPlugin(plugin)
}

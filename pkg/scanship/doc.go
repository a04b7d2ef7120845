// Package scanship provides an embeddable durable upload pipeline for
// captured documents.
//
// Captured documents are written to a local SQLite record store before
// anything else happens, then handed to a journaled background transfer
// session that delivers them to the ingestion service (or a GCS bucket).
// Transfers survive process restarts: on Start the pipeline reconciles the
// store with what the session preserved before accepting new work.
//
// # Basic Usage
//
//	cfg := scanship.DefaultConfig()
//	cfg.StateDir = "/var/lib/scanship"
//	cfg.AuthKey = "your-api-key"
//
//	s, err := scanship.New(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := s.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer s.Stop()
//
//	rec, err := s.Capture(ctx, scanBytes)
//
// # Background Completion
//
// [Scanship.AttachBackgroundCompletionHandler] registers a callback that
// runs once every transfer of a session has been folded into the store.
// Handlers attached before Start are held until reconciliation finishes;
// Stop runs any that are still waiting.
//
// # Event Handling
//
// Implement [EventHandler] (embedding [BaseEventHandler] keeps it short)
// and pass it via [WithEventHandler]. Events are called synchronously from
// pipeline goroutines and should return quickly.
//
// # Lifecycle States
//
// An instance is in one of [StateStopped], [StateStarting], [StateRunning],
// [StateStopping] or [StateCrashed]. Use [Scanship.Status] to query it.
//
// # Plugins
//
//	import "github.com/bft-labs/scanship/plugins/inboxwatcher"
//	import "github.com/bft-labs/scanship/plugins/retention"
//
//	s, err := scanship.New(cfg,
//	    inboxwatcher.WithInboxWatcher(inboxwatcher.Config{Dir: "/srv/inbox"}),
//	    retention.WithRetention(retention.DefaultConfig()),
//	)
package scanship

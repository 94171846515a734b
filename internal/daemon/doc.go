// Package daemon runs the long-lived sync process.
//
// # Architecture
//
//   - WatchManager: one recursive fsnotify watch per project, publishing
//     throttled change events for .md, .yaml and .yml files onto the bus
//   - Daemon: owns the store, the event bus, the coordinator and the state
//     database, and persists the store after it has been quiet for a while
//
// # Startup
//
// Start runs in two phases. Load takes the state directory lock, opens the
// database and restores the persisted projects. Then every project is
// refreshed once, watches are reconciled against the store and the
// coordinator starts listening to the bus:
//
//	d, err := daemon.New(stateDir, dashboardHandler)
//	if err != nil {
//	    return err
//	}
//	return d.Start(ctx) // blocks until ctx is cancelled
//
// Commands that only need the persisted state call Load and Close directly.
//
// # Throttling
//
// Each project's first event passes straight through. Events arriving within
// the debounce window after it are held back and only the newest is kept;
// it is published when the window closes, so the last edit of a burst always
// reaches the coordinator.
package daemon

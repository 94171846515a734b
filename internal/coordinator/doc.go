// Package coordinator keeps the project store in sync with the folders on disk.
//
// Overview
//
// The Coordinator is the only component that re-parses projects. It owns two
// pieces of private state: the set of refreshes currently in flight (one per
// project id at most) and the watch bindings (project id to watched folder).
// Nothing outside the package can reach either.
//
// Architecture
//
//	Watcher (fsnotify) ──► events.Bus ──► Coordinator.handleEvent
//	                                             │
//	CLI / dashboard / MCP ──► Refresh(ctx, id) ──┤
//	                                             ▼
//	                                    singleflight per id
//	                                             │
//	                                    Parser.ParseProject
//	                                             │
//	                                    store.UpdateFields
//	                                             │
//	                     store.Subscribe ──► reconcile watches
//
// Refresh coalescing
//
// Each project is either idle or refreshing. A Refresh call for an idle
// project starts a parse; a call for a refreshing project joins the parse in
// flight and receives its result. Change events that arrive while a project
// is refreshing are dropped: the running parse reads the filesystem and will
// observe the change. Nothing is queued and nothing is retried.
//
// A successful parse replaces every structural field of the project. ID,
// Path and CreatedAt are never touched. DocsPath takes the parser's value,
// falling back to the previous one when the parser resolved none. If the
// project was removed while the parse was running the result is discarded.
//
// A failed parse leaves the store untouched; the error is logged, handed to
// the Notifier and returned to every waiting caller.
//
// Watch reconciliation
//
// The desired watch target of a project is its DocsPath, or Path when no docs
// folder is known. Reconcile diffs the desired targets against the current
// bindings, re-arms the ones that differ and stops the ones whose project is
// gone. A watch that fails to start is logged and leaves the project without
// a binding; the next reconciliation tries again.
//
// After the first explicit Reconcile, every store change that adds or removes
// a project or moves a watch target triggers a reconciliation automatically.
//
// Startup and shutdown
//
// The host drives a two-phase startup:
//
//	st.Load(persisted)                  // 1. seed the store
//	c.InitialLoad(ctx)                  // 2. refresh every project once
//	c.Reconcile()                       // 3. arm watches
//	c.Attach(bus)                       // 4. follow change events
//	...
//	c.Shutdown()                        // stop every watch, detach
//
// InitialLoad runs at most once per Coordinator.
package coordinator

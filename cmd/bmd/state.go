package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/bmad-dash/bmd/internal/coordinator"
	"github.com/bmad-dash/bmd/internal/daemon"
	"github.com/bmad-dash/bmd/internal/db"
	"github.com/bmad-dash/bmd/internal/lockfile"
	"github.com/bmad-dash/bmd/internal/parser"
	"github.com/bmad-dash/bmd/internal/schema"
	"github.com/bmad-dash/bmd/internal/store"
)

// daemonConfig builds the daemon configuration from the loaded settings.
func daemonConfig() *daemon.Config {
	dc := daemon.DefaultConfig()
	dc.StateDir = cfg.StateDir
	dc.Debounce = cfg.Watch.Debounce
	dc.Extensions = cfg.Watch.Extensions
	dc.SaveInterval = cfg.Sync.SaveInterval
	dc.InitialConcurrency = cfg.Sync.InitialConcurrency
	dc.HistoryKeep = cfg.History.Keep
	dc.HistoryPruneInterval = cfg.History.PruneInterval
	dc.Logger = logger("daemon")
	dc.Parser = parser.NewWithConfig(&parser.Config{Logger: logger("parser")})
	return dc
}

// openDaemon creates the daemon and loads persisted state. It holds the
// state directory lock until Close, so commands that change projects fail
// while bmd serve is running.
func openDaemon(ctx context.Context, notifiers ...coordinator.Notifier) (*daemon.Daemon, error) {
	d, err := daemon.NewWithConfig(daemonConfig(), notifiers...)
	if err != nil {
		return nil, err
	}
	if err := d.Load(ctx); err != nil {
		d.Close()
		if errors.Is(err, lockfile.ErrLocked) {
			return nil, fmt.Errorf("%w\nStop the running 'bmd serve' first, or make the change through the dashboard", err)
		}
		return nil, err
	}
	return d, nil
}

// withDaemon runs fn against a loaded daemon and saves before returning.
// It exits the process on failure.
func withDaemon(fn func(ctx context.Context, d *daemon.Daemon) error) {
	ctx := context.Background()
	d, err := openDaemon(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	err = fn(ctx, d)
	if cerr := d.Close(); cerr != nil && err == nil {
		err = fmt.Errorf("failed to save state: %w", cerr)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// openStateDB opens the persisted state without taking the lock. It
// returns nil when nothing has been saved yet.
func openStateDB(ctx context.Context) (*db.DB, error) {
	path := filepath.Join(cfg.StateDir, db.FileName)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return db.OpenContext(ctx, path)
}

// readStore loads the persisted projects without taking the lock. It works
// while bmd serve is running; the result is a copy that is never saved.
func readStore(ctx context.Context) (*store.Store, error) {
	st := store.New()
	database, err := openStateDB(ctx)
	if err != nil || database == nil {
		return st, err
	}
	defer database.Close()

	snap, err := database.LoadSnapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load persisted state: %w", err)
	}
	if err := st.Load(snap); err != nil {
		logger("store").Printf("WARNING: %v", err)
	}
	return st, nil
}

// mustReadStore is readStore for commands that cannot continue without it.
func mustReadStore(ctx context.Context) *store.Store {
	st, err := readStore(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return st
}

// projectArg resolves an optional project argument, falling back to the
// active project.
func projectArg(st *store.Store, args []string) (*schema.Project, error) {
	if len(args) > 0 && args[0] != "" {
		return st.Resolve(args[0])
	}
	if p, ok := st.Active(); ok {
		return p, nil
	}
	return nil, fmt.Errorf("no project given and no active project set (see 'bmd activate')")
}

// findStory returns the epic and story with the given dotted number.
func findStory(p *schema.Project, number string) (schema.Epic, schema.Story, bool) {
	for _, e := range p.Epics {
		for _, s := range e.Stories {
			if s.Number == number {
				return e, s, true
			}
		}
	}
	return schema.Epic{}, schema.Story{}, false
}

// findEpic returns the epic with the given number.
func findEpic(p *schema.Project, number int) (schema.Epic, bool) {
	for _, e := range p.Epics {
		if e.Number == number {
			return e, true
		}
	}
	return schema.Epic{}, false
}

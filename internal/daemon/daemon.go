package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bmad-dash/bmd/internal/coordinator"
	"github.com/bmad-dash/bmd/internal/db"
	"github.com/bmad-dash/bmd/internal/events"
	"github.com/bmad-dash/bmd/internal/lockfile"
	"github.com/bmad-dash/bmd/internal/parser"
	"github.com/bmad-dash/bmd/internal/store"
)

// ErrNotLoaded is returned by operations that need persisted state before
// Load has run.
var ErrNotLoaded = errors.New("daemon state not loaded")

// Config holds configuration for the daemon.
type Config struct {
	// StateDir holds the database and the lock file
	StateDir string

	// Debounce is the per-project file event throttle window
	Debounce time.Duration

	// Extensions are the watched file extensions (default: DefaultExtensions)
	Extensions []string

	// SaveInterval is how long the store must be quiet before it is persisted
	SaveInterval time.Duration

	// InitialConcurrency bounds parallel parses during the initial load
	InitialConcurrency int

	// HistoryKeep is how many refresh records are kept per project
	HistoryKeep int

	// HistoryPruneInterval is how often old refresh records are removed
	HistoryPruneInterval time.Duration

	// BusBuffer is the change event queue length
	BusBuffer int

	// Parser overrides the BMAD parser, mainly for tests
	Parser coordinator.Parser

	// Logger for daemon activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Debounce:             DefaultDebounce,
		SaveInterval:         time.Second,
		InitialConcurrency:   4,
		HistoryKeep:          50,
		HistoryPruneInterval: time.Hour,
		BusBuffer:            256,
		Logger:               log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Daemon wires the store, the coordinator, the watcher and persistence
// together.
type Daemon struct {
	config  *Config
	store   *store.Store
	bus     *events.Bus
	watches *WatchManager
	coord   *coordinator.Coordinator

	mu     sync.Mutex
	db     *db.DB
	lock   *lockfile.Lock
	closed bool

	changeMu     sync.Mutex
	changeQueued time.Time // zero when nothing is waiting to be saved

	unsubscribe func()
	ready       chan struct{}
	readyOnce   sync.Once
}

// New creates a daemon with default configuration rooted at stateDir.
func New(stateDir string, notifiers ...coordinator.Notifier) (*Daemon, error) {
	config := DefaultConfig()
	config.StateDir = stateDir
	return NewWithConfig(config, notifiers...)
}

// NewWithConfig creates a daemon with custom configuration. Every notifier
// receives refresh notices in addition to the refresh history recorder.
func NewWithConfig(config *Config, notifiers ...coordinator.Notifier) (*Daemon, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if config.StateDir == "" {
		return nil, fmt.Errorf("state directory cannot be empty")
	}
	defaults := DefaultConfig()
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}
	if config.SaveInterval <= 0 {
		config.SaveInterval = defaults.SaveInterval
	}
	if config.HistoryPruneInterval <= 0 {
		config.HistoryPruneInterval = defaults.HistoryPruneInterval
	}
	if config.BusBuffer <= 0 {
		config.BusBuffer = defaults.BusBuffer
	}
	if config.InitialConcurrency <= 0 {
		config.InitialConcurrency = defaults.InitialConcurrency
	}

	st := store.New()
	bus := events.NewBus(events.Config{BufferSize: config.BusBuffer, Logger: config.Logger})

	watches, err := NewWatchManager(bus, &WatcherConfig{
		Debounce:   config.Debounce,
		Extensions: config.Extensions,
		Logger:     config.Logger,
	})
	if err != nil {
		return nil, err
	}

	p := config.Parser
	if p == nil {
		p = parser.NewWithConfig(&parser.Config{Logger: config.Logger})
	}

	d := &Daemon{
		config:  config,
		store:   st,
		bus:     bus,
		watches: watches,
		ready:   make(chan struct{}),
	}

	all := append(coordinator.Notifiers{&historyRecorder{d: d}}, notifiers...)
	coord, err := coordinator.NewWithConfig(st, p, watches, all, &coordinator.Config{
		InitialConcurrency: config.InitialConcurrency,
		Logger:             config.Logger,
	})
	if err != nil {
		return nil, err
	}
	d.coord = coord
	return d, nil
}

// Store returns the project store.
func (d *Daemon) Store() *store.Store {
	return d.store
}

// Coordinator returns the sync coordinator.
func (d *Daemon) Coordinator() *coordinator.Coordinator {
	return d.coord
}

// Watches returns the watch manager.
func (d *Daemon) Watches() *WatchManager {
	return d.watches
}

// DB returns the state database, or nil before Load.
func (d *Daemon) DB() *db.DB {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.db
}

// Ready is closed once Start has finished the initial load and the daemon
// reacts to file changes.
func (d *Daemon) Ready() <-chan struct{} {
	return d.ready
}

// Load takes the state directory lock, opens the database and fills the
// store with the persisted projects. Projects that fail validation are
// skipped with a warning.
func (d *Daemon) Load(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return fmt.Errorf("daemon is closed")
	}
	if d.db != nil {
		return nil
	}

	lock, err := lockfile.Acquire(d.config.StateDir)
	if err != nil {
		return err
	}

	database, err := db.OpenContext(ctx, filepath.Join(d.config.StateDir, db.FileName))
	if err != nil {
		lock.Unlock()
		return err
	}

	snap, err := database.LoadSnapshot(ctx)
	if err != nil {
		database.Close()
		lock.Unlock()
		return fmt.Errorf("failed to load persisted state: %w", err)
	}
	if err := d.store.Load(snap); err != nil {
		d.config.Logger.Printf("WARNING: %v", err)
	}
	d.config.Logger.Printf("Loaded %d projects from %s", d.store.Len(), database.Path())

	d.db = database
	d.lock = lock
	d.unsubscribe = d.store.Subscribe(func(store.Change) { d.queueSave() })
	return nil
}

// Start loads persisted state, refreshes every project once, starts the
// watches and then blocks until ctx is cancelled.
func (d *Daemon) Start(ctx context.Context) error {
	d.config.Logger.Println("Starting daemon")

	if err := d.Load(ctx); err != nil {
		return err
	}

	res, err := d.coord.InitialLoad(ctx)
	if err != nil && !errors.Is(err, coordinator.ErrInitialLoadDone) {
		d.Close()
		return fmt.Errorf("initial load failed: %w", err)
	}
	if res.Failed > 0 {
		d.config.Logger.Printf("WARNING: %d projects failed to refresh", res.Failed)
	}

	d.coord.Reconcile()
	if err := d.coord.Attach(d.bus); err != nil && !errors.Is(err, coordinator.ErrAlreadyAttached) {
		d.Close()
		return fmt.Errorf("failed to attach to event bus: %w", err)
	}
	d.config.Logger.Printf("Watching %d projects", d.watches.Len())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		d.processSaveQueue(gctx)
		return nil
	})
	g.Go(func() error {
		d.pruneHistory(gctx)
		return nil
	})

	d.readyOnce.Do(func() { close(d.ready) })

	<-gctx.Done()
	d.config.Logger.Println("Shutdown signal received")
	_ = g.Wait()
	return d.Close()
}

// Save persists the current store snapshot immediately.
func (d *Daemon) Save(ctx context.Context) error {
	database := d.DB()
	if database == nil {
		return ErrNotLoaded
	}

	d.changeMu.Lock()
	d.changeQueued = time.Time{}
	d.changeMu.Unlock()

	if err := database.SaveSnapshot(ctx, d.store.Snapshot()); err != nil {
		return fmt.Errorf("failed to save state: %w", err)
	}
	return nil
}

// Close stops watching, saves the store one last time and releases the
// database and the lock. It is safe to call more than once.
func (d *Daemon) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	d.config.Logger.Println("Stopping daemon")

	d.coord.Shutdown()
	d.bus.Close()
	if d.unsubscribe != nil {
		d.unsubscribe()
	}

	var errs []error
	if d.DB() != nil {
		if err := d.Save(context.Background()); err != nil {
			errs = append(errs, err)
		}
	}

	d.mu.Lock()
	database, lock := d.db, d.lock
	d.db, d.lock = nil, nil
	d.mu.Unlock()

	if database != nil {
		if err := database.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := lock.Unlock(); err != nil {
		errs = append(errs, err)
	}

	d.config.Logger.Println("Daemon stopped")
	return errors.Join(errs...)
}

// queueSave marks the store as changed.
func (d *Daemon) queueSave() {
	d.changeMu.Lock()
	defer d.changeMu.Unlock()
	d.changeQueued = time.Now()
}

// processSaveQueue saves the store once it has been quiet for SaveInterval.
func (d *Daemon) processSaveQueue(ctx context.Context) {
	interval := d.config.SaveInterval / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			d.changeMu.Lock()
			queuedAt := d.changeQueued
			d.changeMu.Unlock()

			if queuedAt.IsZero() || time.Since(queuedAt) < d.config.SaveInterval {
				continue
			}
			if err := d.Save(ctx); err != nil && ctx.Err() == nil {
				d.config.Logger.Printf("Error saving state: %v", err)
			}
		}
	}
}

// pruneHistory periodically trims the refresh history table.
func (d *Daemon) pruneHistory(ctx context.Context) {
	if d.config.HistoryKeep <= 0 {
		return
	}
	ticker := time.NewTicker(d.config.HistoryPruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			database := d.DB()
			if database == nil {
				continue
			}
			if err := database.PruneHistory(ctx, d.config.HistoryKeep); err != nil && ctx.Err() == nil {
				d.config.Logger.Printf("Error pruning refresh history: %v", err)
			}
		}
	}
}

// historyRecorder writes every refresh outcome to the database.
type historyRecorder struct {
	d *Daemon
}

func (h *historyRecorder) RefreshFailed(projectID string, err error) {
	h.record(projectID, err)
}

func (h *historyRecorder) RefreshSucceeded(projectID string) {
	h.record(projectID, nil)
}

func (h *historyRecorder) record(projectID string, refreshErr error) {
	database := h.d.DB()
	if database == nil {
		return
	}
	if err := database.RecordRefresh(context.Background(), projectID, time.Now(), refreshErr); err != nil {
		h.d.config.Logger.Printf("Error recording refresh of %s: %v", projectID, err)
	}
}

package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"maps"
	"os"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/bmad-dash/bmd/internal/events"
	"github.com/bmad-dash/bmd/internal/schema"
	"github.com/bmad-dash/bmd/internal/store"
)

var (
	// ErrAlreadyAttached is returned by Attach on the second call.
	ErrAlreadyAttached = errors.New("coordinator already attached to an event source")
	// ErrInitialLoadDone is returned by InitialLoad after the first call.
	ErrInitialLoadDone = errors.New("initial load already performed")
	// ErrShutdown is returned by operations issued after Shutdown.
	ErrShutdown = errors.New("coordinator is shut down")
)

// Config holds configuration for the coordinator.
type Config struct {
	// InitialConcurrency bounds how many projects InitialLoad and RefreshAll
	// parse at the same time.
	InitialConcurrency int

	// Logger for coordinator activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		InitialConcurrency: 4,
		Logger:             log.New(os.Stderr, "[coordinator] ", log.LstdFlags),
	}
}

// LoadResult summarizes a multi-project refresh.
type LoadResult struct {
	Refreshed int
	Failed    int
	Skipped   int
}

// Coordinator serializes refreshes per project and keeps one watch per
// tracked project.
type Coordinator struct {
	store    *store.Store
	parser   Parser
	watcher  Watcher
	notifier Notifier
	config   *Config

	group singleflight.Group

	mu       sync.Mutex
	inflight map[string]bool
	bindings map[string]string
	detach   func()
	closed   bool

	// reconcileMu serializes watcher calls so bindings and real watches
	// cannot drift apart.
	reconcileMu sync.Mutex
	watching    atomic.Bool
	initialDone atomic.Bool

	unsubscribeStore func()
	wg               sync.WaitGroup
}

// New creates a coordinator with the default configuration.
func New(st *store.Store, parser Parser, watcher Watcher, notifier Notifier) (*Coordinator, error) {
	return NewWithConfig(st, parser, watcher, notifier, DefaultConfig())
}

// NewWithConfig creates a coordinator with custom configuration.
// notifier may be nil.
func NewWithConfig(st *store.Store, parser Parser, watcher Watcher, notifier Notifier, config *Config) (*Coordinator, error) {
	if st == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if parser == nil {
		return nil, fmt.Errorf("parser cannot be nil")
	}
	if watcher == nil {
		return nil, fmt.Errorf("watcher cannot be nil")
	}
	if notifier == nil {
		notifier = nopNotifier{}
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = DefaultConfig().Logger
	}
	if config.InitialConcurrency < 1 {
		config.InitialConcurrency = 1
	}

	c := &Coordinator{
		store:    st,
		parser:   parser,
		watcher:  watcher,
		notifier: notifier,
		config:   config,
		inflight: make(map[string]bool),
		bindings: make(map[string]string),
	}
	c.unsubscribeStore = st.Subscribe(c.onStoreChange)
	return c, nil
}

// Refresh re-parses one project and merges the result into the store.
//
// If a refresh for id is already running the call joins it and returns its
// result. ctx only bounds how long the caller waits; the parse itself is not
// cancelled. The returned project is nil when the project was removed while
// the parse was running.
func (c *Coordinator) Refresh(ctx context.Context, id string) (*schema.Project, error) {
	if c.isClosed() {
		return nil, ErrShutdown
	}
	if _, ok := c.store.Get(id); !ok {
		return nil, fmt.Errorf("%w: %s", store.ErrNotFound, id)
	}

	parseCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(id, func() (any, error) {
		return c.refresh(parseCtx, id)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		p, _ := res.Val.(*schema.Project)
		return p, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// refresh runs inside the singleflight group; at most one per id.
func (c *Coordinator) refresh(ctx context.Context, id string) (*schema.Project, error) {
	c.mu.Lock()
	c.inflight[id] = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.inflight, id)
		c.mu.Unlock()
	}()

	current, ok := c.store.Get(id)
	if !ok {
		return nil, nil
	}
	if sn, ok := c.notifier.(StartNotifier); ok {
		sn.RefreshStarted(id)
	}

	parsed, err := c.parser.ParseProject(ctx, current.Path, current.DocsPath)
	if err != nil {
		err = fmt.Errorf("failed to refresh project %s: %w", id, err)
		c.config.Logger.Printf("WARNING: %v", err)
		c.notifier.RefreshFailed(id, err)
		return nil, err
	}
	if parsed == nil {
		err := fmt.Errorf("failed to refresh project %s: parser returned no snapshot", id)
		c.config.Logger.Printf("WARNING: %v", err)
		c.notifier.RefreshFailed(id, err)
		return nil, err
	}

	latest, ok := c.store.Get(id)
	if !ok {
		c.config.Logger.Printf("Project %s removed during refresh, discarding result", id)
		return nil, nil
	}
	c.store.UpdateFields(id, schema.SnapshotFields(parsed, latest.DocsPath))

	updated, ok := c.store.Get(id)
	if !ok {
		return nil, nil
	}
	c.config.Logger.Printf("Refreshed project %s (%s): %d epics, %d documents",
		id, updated.Name, len(updated.Epics), len(updated.Documents))
	if sn, ok := c.notifier.(SuccessNotifier); ok {
		sn.RefreshSucceeded(id)
	}
	return updated, nil
}

// InFlight reports whether a refresh for id is currently running.
func (c *Coordinator) InFlight(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inflight[id]
}

// InitialLoad refreshes every tracked project exactly once. It runs at most
// once per coordinator; later calls return ErrInitialLoadDone. Failures are
// isolated per project and counted in the result.
func (c *Coordinator) InitialLoad(ctx context.Context) (LoadResult, error) {
	if !c.initialDone.CompareAndSwap(false, true) {
		return LoadResult{}, ErrInitialLoadDone
	}
	c.config.Logger.Printf("Performing initial load of %d projects", c.store.Len())
	res, _ := c.refreshMany(ctx)
	c.config.Logger.Printf("Initial load complete: refreshed=%d failed=%d skipped=%d",
		res.Refreshed, res.Failed, res.Skipped)
	return res, nil
}

// RefreshAll refreshes every tracked project. Unlike InitialLoad it can be
// called any number of times. The returned error joins every per-project
// failure.
func (c *Coordinator) RefreshAll(ctx context.Context) (LoadResult, error) {
	return c.refreshMany(ctx)
}

func (c *Coordinator) refreshMany(ctx context.Context) (LoadResult, error) {
	var (
		mu   sync.Mutex
		res  LoadResult
		errs []error
	)

	var g errgroup.Group
	g.SetLimit(c.config.InitialConcurrency)

	for _, p := range c.store.List() {
		id := p.ID
		g.Go(func() error {
			if ctx.Err() != nil {
				mu.Lock()
				res.Skipped++
				mu.Unlock()
				return nil
			}
			_, err := c.Refresh(ctx, id)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.Failed++
				errs = append(errs, err)
			} else {
				res.Refreshed++
			}
			return nil
		})
	}
	_ = g.Wait()

	return res, errors.Join(errs...)
}

// Reconcile brings the active watches in line with the tracked projects and
// enables automatic reconciliation on later store changes.
func (c *Coordinator) Reconcile() {
	if c.isClosed() {
		return
	}
	c.watching.Store(true)
	c.reconcile()
}

func (c *Coordinator) reconcile() {
	c.reconcileMu.Lock()
	defer c.reconcileMu.Unlock()

	if c.isClosed() {
		return
	}

	projects := c.store.List()
	desired := make(map[string]string, len(projects))
	for _, p := range projects {
		desired[p.ID] = p.WatchTarget()
	}

	c.mu.Lock()
	current := maps.Clone(c.bindings)
	c.mu.Unlock()

	for id, path := range current {
		if _, ok := desired[id]; ok {
			continue
		}
		if err := c.watcher.StopWatch(id); err != nil {
			c.config.Logger.Printf("WARNING: failed to stop watch for %s (%s): %v", id, path, err)
		}
		c.setBinding(id, "")
		c.config.Logger.Printf("Stopped watching %s (%s)", id, path)
	}

	for _, p := range projects {
		target := desired[p.ID]
		old, bound := current[p.ID]
		if bound && old == target {
			continue
		}
		if bound {
			if err := c.watcher.StopWatch(p.ID); err != nil {
				c.config.Logger.Printf("WARNING: failed to stop watch for %s (%s): %v", p.ID, old, err)
			}
			c.setBinding(p.ID, "")
		}
		if err := c.watcher.StartWatch(p.ID, target); err != nil {
			c.config.Logger.Printf("WARNING: failed to watch %s (%s), project needs manual refresh: %v", p.ID, target, err)
			continue
		}
		c.setBinding(p.ID, target)
		c.config.Logger.Printf("Watching %s: %s", p.ID, target)
	}
}

func (c *Coordinator) setBinding(id, path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if path == "" {
		delete(c.bindings, id)
		return
	}
	c.bindings[id] = path
}

// Bindings returns a copy of the current watch bindings.
func (c *Coordinator) Bindings() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return maps.Clone(c.bindings)
}

func (c *Coordinator) onStoreChange(ch store.Change) {
	if !c.watching.Load() || !ch.WatchTargetChanged() {
		return
	}
	c.reconcile()
}

// Attach subscribes to change events. It may be called once.
func (c *Coordinator) Attach(src EventSource) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrShutdown
	}
	if c.detach != nil {
		return ErrAlreadyAttached
	}
	c.detach = src.Subscribe(c.handleEvent)
	return nil
}

// handleEvent runs on the bus dispatcher and must not block.
func (c *Coordinator) handleEvent(e events.ChangeEvent) {
	if _, ok := c.store.Get(e.ProjectID); !ok {
		return
	}

	c.mu.Lock()
	if c.closed || c.inflight[e.ProjectID] {
		c.mu.Unlock()
		return
	}
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		_, _ = c.Refresh(context.Background(), e.ProjectID)
	}()
}

// Shutdown detaches from the event source, stops every watch and waits for
// event-driven refreshes to finish. Failures are logged only.
func (c *Coordinator) Shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	detach := c.detach
	c.detach = nil
	c.mu.Unlock()

	if detach != nil {
		detach()
	}
	c.unsubscribeStore()
	c.watching.Store(false)

	c.reconcileMu.Lock()
	if err := c.watcher.StopAll(); err != nil {
		c.config.Logger.Printf("WARNING: failed to stop watches: %v", err)
	}
	c.mu.Lock()
	clear(c.bindings)
	c.mu.Unlock()
	c.reconcileMu.Unlock()

	c.wg.Wait()
	c.config.Logger.Println("Coordinator stopped")
}

func (c *Coordinator) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
